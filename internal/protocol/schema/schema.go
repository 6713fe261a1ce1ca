// Package schema declares field ids and required-field rules for TLV
// payloads carried in bus frames.
package schema

import (
	"fmt"

	"github.com/danmuck/swbus/internal/logging"
	"github.com/danmuck/swbus/internal/protocol/tlv"
)

// Payload kinds validated by this package.
const (
	MsgEnvelope uint32 = 3
)

// Envelope field ids.
const (
	FieldSource        uint16 = 1
	FieldDestination   uint16 = 2
	FieldMessageID     uint16 = 3
	FieldCorrelationID uint16 = 4
	FieldKind          uint16 = 5
	FieldHopLimit      uint16 = 6
	FieldPayload       uint16 = 7
	FieldTraceID       uint16 = 8

	FieldStatus        uint16 = 100
	FieldStatusMessage uint16 = 101
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgEnvelope: {
		{FieldSource, tlv.TypeString},
		{FieldDestination, tlv.TypeString},
		{FieldMessageID, tlv.TypeU64},
		{FieldKind, tlv.TypeU8},
		{FieldHopLimit, tlv.TypeU8},
	},
}

// Validate enforces required fields and their types for a message type.
// Unknown fields are ignored so newer peers can extend the payload.
func Validate(messageType uint32, fields []tlv.Field) error {
	log := logging.Component("schema")
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().Uint32("message_type", messageType).Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().Uint32("message_type", messageType).Uint16("field_id", req.ID).
				Uint8("got", f.Type).Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
