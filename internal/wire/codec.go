package wire

import (
	"bytes"

	"github.com/hashicorp/go-msgpack/codec"
)

// MaxDatagramSize is the largest payload a single UDP datagram may carry
// (spec §4.2, §6).
const MaxDatagramSize = 65535

// RawToString decodes msgpack strings held in interface{} fields (metadata
// values) back into Go strings rather than []byte.
var msgpackHandle = &codec.MsgpackHandle{RawToString: true}

// Encode serializes a message to its binary wire form. Struct fields are
// written in declaration order, so equal messages without multi-entry maps
// encode byte-identically. Map-valued fields (version vectors, snapshot
// state, tombstones) are written in Go map iteration order, so messages
// carrying them are not byte-stable across encodings. Snapshot checksums do
// not depend on this encoding: the state package computes them over its own
// sorted serialization.
func Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, ErrNilMessage
	}
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, msgpackHandle)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	if buf.Len() > MaxDatagramSize {
		return nil, ErrPayloadTooLarge
	}
	return buf.Bytes(), nil
}

// Decode parses a wire payload into a Message. Invalid inputs (malformed
// bytes, or a well-formed-but-incomplete message for its Kind) yield
// (nil, nil) rather than an error — callers treat a nil message as a
// protocol-level drop, per spec §4.1's "callers treat None as a drop".
func Decode(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m Message
	dec := codec.NewDecoder(bytes.NewReader(raw), msgpackHandle)
	if err := dec.Decode(&m); err != nil {
		return nil, nil
	}
	if !m.Valid() {
		return nil, nil
	}
	return &m, nil
}
