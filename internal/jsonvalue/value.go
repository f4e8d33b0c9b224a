// Package jsonvalue wraps arbitrary, caller-supplied JSON so it can travel
// through commands, storage, and events without the engine ever unmarshalling
// it into a concrete Go type.
package jsonvalue

import (
	"bytes"
	"encoding/json"
)

// Value holds a JSON-encoded document (object, array, scalar, or null)
// exactly as received. It round-trips byte-for-byte through marshal/unmarshal
// except for whitespace, which json.RawMessage already normalizes away.
type Value struct {
	raw json.RawMessage
}

// Null is the JSON literal "null".
var Null = Value{raw: json.RawMessage("null")}

// New wraps a raw JSON document. The caller is responsible for raw being
// valid JSON; use Parse to validate on ingest.
func New(raw json.RawMessage) Value {
	if len(raw) == 0 {
		return Null
	}
	return Value{raw: raw}
}

// Parse validates and wraps a JSON-encoded byte slice.
func Parse(data []byte) (Value, error) {
	if len(data) == 0 {
		return Null, nil
	}
	if !json.Valid(data) {
		return Value{}, ErrInvalidJSON
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return Value{raw: cp}, nil
}

// FromAny marshals an arbitrary Go value into a Value.
func FromAny(v interface{}) (Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Value{}, err
	}
	return Value{raw: raw}, nil
}

// IsZero reports whether the value was never set (distinct from JSON null).
func (v Value) IsZero() bool {
	return len(v.raw) == 0
}

// Bytes returns the underlying JSON bytes. Callers must not mutate the
// returned slice.
func (v Value) Bytes() []byte {
	if v.IsZero() {
		return []byte("null")
	}
	return v.raw
}

// String renders the JSON document as a string.
func (v Value) String() string {
	return string(v.Bytes())
}

// Equal reports whether two values serialize identically once whitespace is
// normalized — sufficient for the engine's byte-length and diff comparisons.
func (v Value) Equal(other Value) bool {
	return bytes.Equal(compact(v.Bytes()), compact(other.Bytes()))
}

// Size returns the UTF-8 byte length of the compact JSON encoding, matching
// the item's size invariant.
func (v Value) Size() int {
	return len(compact(v.Bytes()))
}

// Decode unmarshals the value into dst, the same contract as json.Unmarshal.
func (v Value) Decode(dst interface{}) error {
	return json.Unmarshal(v.Bytes(), dst)
}

// AsObject returns the value as a JSON object map, or ok=false if the value
// is not a JSON object.
func (v Value) AsObject() (map[string]interface{}, bool) {
	var m map[string]interface{}
	if err := json.Unmarshal(v.Bytes(), &m); err != nil {
		return nil, false
	}
	return m, true
}

// AsArray returns the value as a JSON array, or ok=false if the value is not
// a JSON array.
func (v Value) AsArray() ([]interface{}, bool) {
	var a []interface{}
	if err := json.Unmarshal(v.Bytes(), &a); err != nil {
		return nil, false
	}
	return a, true
}

// MarshalJSON implements json.Marshaler, passing the raw document through.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsZero() {
		return []byte("null"), nil
	}
	return v.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler, capturing the raw document.
func (v *Value) UnmarshalJSON(data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	v.raw = cp
	return nil
}

func compact(data []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return data
	}
	return buf.Bytes()
}
