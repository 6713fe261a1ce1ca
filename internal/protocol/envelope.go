package protocol

import (
	"bytes"
	"fmt"

	"github.com/danmuck/swbus/internal/protocol/schema"
	"github.com/danmuck/swbus/internal/protocol/tlv"
	"github.com/rs/xid"
)

// DefaultHopLimit bounds forwarding when the sender does not choose a value.
const DefaultHopLimit uint8 = 63

// Kind classifies an envelope.
type Kind uint8

const (
	KindRequest Kind = iota + 1
	KindResponse
	KindOneWay
	// KindTimer is delivered through a local mailbox only and never encoded.
	KindTimer
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindOneWay:
		return "oneway"
	case KindTimer:
		return "timer"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Envelope is the unit the bus routes. (Source, ID) identifies one message
// instance; retries reuse the ID so receivers can deduplicate.
type Envelope struct {
	Source        Address
	Destination   Address
	ID            uint64
	CorrelationID uint64
	Kind          Kind
	HopLimit      uint8
	Payload       []byte
	TraceID       string
	Status        StatusCode
	StatusMessage string

	// Extra holds fields this build does not understand, in arrival order.
	// They are written back out unchanged when the envelope is forwarded.
	Extra []tlv.Field
}

// NewTraceID returns a sortable globally unique trace id.
func NewTraceID() string {
	return xid.New().String()
}

// Validate checks the invariants every encodable envelope must hold.
func (e *Envelope) Validate() error {
	if e.Source.IsRoot() {
		return fmt.Errorf("%w: missing source", ErrMalformedEnvelope)
	}
	if e.Destination.IsRoot() {
		return fmt.Errorf("%w: missing destination", ErrMalformedEnvelope)
	}
	switch e.Kind {
	case KindRequest, KindOneWay:
	case KindResponse:
		if e.CorrelationID == 0 {
			return fmt.Errorf("%w: response without correlation id", ErrMalformedEnvelope)
		}
	case KindTimer:
		return fmt.Errorf("%w: timer envelopes are local only", ErrMalformedEnvelope)
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrMalformedEnvelope, e.Kind)
	}
	return nil
}

// Encode returns the TLV payload for e.
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	fields := make([]tlv.Field, 0, 10+len(e.Extra))
	fields = append(fields,
		tlv.String(schema.FieldSource, e.Source.path),
		tlv.String(schema.FieldDestination, e.Destination.path),
		tlv.U64(schema.FieldMessageID, e.ID),
		tlv.U8(schema.FieldKind, uint8(e.Kind)),
		tlv.U8(schema.FieldHopLimit, e.HopLimit),
	)
	if e.CorrelationID != 0 {
		fields = append(fields, tlv.U64(schema.FieldCorrelationID, e.CorrelationID))
	}
	if len(e.Payload) > 0 {
		fields = append(fields, tlv.Field{ID: schema.FieldPayload, Type: tlv.TypeBytes, Value: e.Payload})
	}
	if e.TraceID != "" {
		fields = append(fields, tlv.String(schema.FieldTraceID, e.TraceID))
	}
	if e.Kind == KindResponse || e.Status != StatusOK {
		fields = append(fields, tlv.U32(schema.FieldStatus, uint32(e.Status)))
	}
	if e.StatusMessage != "" {
		fields = append(fields, tlv.String(schema.FieldStatusMessage, e.StatusMessage))
	}
	fields = append(fields, e.Extra...)
	return tlv.EncodeFields(fields), nil
}

// DecodeEnvelope parses a TLV payload. Unknown field ids are kept in Extra.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if err := schema.Validate(schema.MsgEnvelope, fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	e := &Envelope{}
	for _, f := range fields {
		if err := e.setField(f); err != nil {
			return nil, fmt.Errorf("%w: field %d: %w", ErrMalformedEnvelope, f.ID, err)
		}
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Envelope) setField(f tlv.Field) error {
	var err error
	switch f.ID {
	case schema.FieldSource:
		e.Source, err = parseFieldAddress(f)
	case schema.FieldDestination:
		e.Destination, err = parseFieldAddress(f)
	case schema.FieldMessageID:
		e.ID, err = f.AsU64()
	case schema.FieldCorrelationID:
		e.CorrelationID, err = f.AsU64()
	case schema.FieldKind:
		var k uint8
		k, err = f.AsU8()
		e.Kind = Kind(k)
	case schema.FieldHopLimit:
		e.HopLimit, err = f.AsU8()
	case schema.FieldPayload:
		if err = tlv.MustType(f, tlv.TypeBytes); err == nil && len(f.Value) > 0 {
			e.Payload = f.Value
		}
	case schema.FieldTraceID:
		e.TraceID, err = f.AsString()
	case schema.FieldStatus:
		var c uint32
		c, err = f.AsU32()
		e.Status = StatusCode(c)
	case schema.FieldStatusMessage:
		e.StatusMessage, err = f.AsString()
	default:
		e.Extra = append(e.Extra, f)
	}
	return err
}

func parseFieldAddress(f tlv.Field) (Address, error) {
	s, err := f.AsString()
	if err != nil {
		return Address{}, err
	}
	return ParseAddress(s)
}

// Clone returns a deep copy. Forwarding mutates the hop limit on a clone so
// a locally delivered original is never changed underneath its receiver.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	if e.Extra != nil {
		c.Extra = make([]tlv.Field, len(e.Extra))
		for i, f := range e.Extra {
			c.Extra[i] = f.Clone()
		}
	}
	return &c
}

// Equal compares structurally. A nil and an empty payload are equal.
func (e *Envelope) Equal(o *Envelope) bool {
	if e == nil || o == nil {
		return e == o
	}
	if e.Source != o.Source || e.Destination != o.Destination ||
		e.ID != o.ID || e.CorrelationID != o.CorrelationID ||
		e.Kind != o.Kind || e.HopLimit != o.HopLimit ||
		e.TraceID != o.TraceID || e.Status != o.Status ||
		e.StatusMessage != o.StatusMessage {
		return false
	}
	if !bytes.Equal(e.Payload, o.Payload) || len(e.Extra) != len(o.Extra) {
		return false
	}
	for i := range e.Extra {
		a, b := e.Extra[i], o.Extra[i]
		if a.ID != b.ID || a.Type != b.Type || !bytes.Equal(a.Value, b.Value) {
			return false
		}
	}
	return true
}

// Err returns the error carried by a response, nil for OK responses.
func (e *Envelope) Err() error {
	if e.Kind != KindResponse || e.Status == StatusOK {
		return nil
	}
	return &StatusError{Code: e.Status, Message: e.StatusMessage, From: e.Source}
}

// ResponseTo builds a response for req sent from src. The caller assigns the
// response message id.
func ResponseTo(req *Envelope, src Address, status StatusCode, message string, payload []byte) *Envelope {
	return &Envelope{
		Source:        src,
		Destination:   req.Source,
		CorrelationID: req.ID,
		Kind:          KindResponse,
		HopLimit:      DefaultHopLimit,
		Payload:       payload,
		TraceID:       req.TraceID,
		Status:        status,
		StatusMessage: message,
	}
}
