// Package protocol owns the bus wire vocabulary.
//
// Ownership boundary:
// - service addresses (parse, compare, prefix match)
// - message envelopes and their TLV encoding
// - bus error kinds and response status codes
//
// Framing lives in protocol/frame, the field codec in protocol/tlv and
// required-field checks in protocol/schema.
package protocol
