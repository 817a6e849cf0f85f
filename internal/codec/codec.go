// Package codec decodes raw transport payloads into topic envelopes.
//
// Two wire formats are accepted:
//
//   - Text: a JSON object carrying a "topic" key. When the object nests its
//     payload under value.value0.data that value becomes the envelope data,
//     otherwise the whole object is passed through.
//   - Binary: a protobuf wire-format container whose first repeated element
//     carries a topic, an integer type and a typed payload field. The type
//     is resolved to a payload field through a TypeTable.
//
// Decoding never fails loudly: malformed input yields ok == false.
package codec

import (
	"encoding/json"

	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope is the canonical decoded unit delivered to consumers.
type Envelope struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

// Kind identifies how a raw payload arrived on the wire.
type Kind int

const (
	KindText Kind = iota
	KindBinary
)

func (k Kind) String() string {
	if k == KindBinary {
		return "binary"
	}
	return "text"
}

// Field numbers of the binary container.
const (
	containerElementsField protowire.Number = 1
	elementTopicField      protowire.Number = 1
	elementTypeField       protowire.Number = 2
	payloadDataField       protowire.Number = 1
)

// Decoder turns raw payloads into envelopes. It is safe for concurrent use;
// its only state is the read-only type table.
type Decoder struct {
	types *TypeTable
}

// NewDecoder returns a Decoder resolving binary payload fields through
// types. A nil table selects DefaultTypeTable.
func NewDecoder(types *TypeTable) *Decoder {
	if types == nil {
		types = DefaultTypeTable()
	}
	return &Decoder{types: types}
}

// Types returns the decoder's payload type table.
func (d *Decoder) Types() *TypeTable {
	return d.types
}

// Decode dispatches on kind.
func (d *Decoder) Decode(raw []byte, kind Kind) (Envelope, bool) {
	if kind == KindBinary {
		return d.DecodeBinary(raw)
	}
	return d.DecodeText(raw)
}

// DecodeText parses a JSON text payload.
func (d *Decoder) DecodeText(raw []byte) (Envelope, bool) {
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Envelope{}, false
	}
	obj, ok := parsed.(map[string]any)
	if !ok {
		return Envelope{}, false
	}
	topic, _ := obj["topic"].(string)

	if data, ok := nestedData(obj); ok {
		return Envelope{Topic: topic, Data: data}, true
	}
	return Envelope{Topic: topic, Data: obj}, true
}

// nestedData extracts value.value0.data when present and non-null.
func nestedData(obj map[string]any) (any, bool) {
	value, ok := obj["value"].(map[string]any)
	if !ok {
		return nil, false
	}
	value0, ok := value["value0"].(map[string]any)
	if !ok {
		return nil, false
	}
	data, ok := value0["data"]
	if !ok || data == nil {
		return nil, false
	}
	return data, true
}

// DecodeBinary parses a binary container and returns its first element.
func (d *Decoder) DecodeBinary(raw []byte) (Envelope, bool) {
	elem, ok := firstElement(raw)
	if !ok {
		return Envelope{}, false
	}

	var (
		topic    string
		typ      int32
		haveType bool
		payloads = make(map[protowire.Number][]byte)
	)
	b := elem
	for len(b) > 0 {
		num, wtyp, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Envelope{}, false
		}
		b = b[n:]
		switch {
		case num == elementTopicField && wtyp == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Envelope{}, false
			}
			topic = string(v)
			b = b[n:]
		case num == elementTypeField && wtyp == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Envelope{}, false
			}
			typ = int32(v)
			haveType = true
			b = b[n:]
		case wtyp == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Envelope{}, false
			}
			payloads[num] = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, wtyp, b)
			if n < 0 {
				return Envelope{}, false
			}
			b = b[n:]
		}
	}
	if !haveType {
		return Envelope{}, false
	}

	field, ok := d.types.Lookup(typ)
	if !ok {
		return Envelope{}, false
	}
	payload, ok := payloads[field.Number]
	if !ok {
		return Envelope{}, false
	}
	data, ok := payloadData(payload)
	if !ok {
		return Envelope{}, false
	}
	return Envelope{Topic: topic, Data: data}, true
}

// firstElement returns the bytes of the first element in a container.
func firstElement(b []byte) ([]byte, bool) {
	for len(b) > 0 {
		num, wtyp, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, false
		}
		b = b[n:]
		if num == containerElementsField && wtyp == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, false
			}
			return v, true
		}
		n = protowire.ConsumeFieldValue(num, wtyp, b)
		if n < 0 {
			return nil, false
		}
		b = b[n:]
	}
	return nil, false
}

// payloadData reads the data field of a typed payload message. JSON data is
// decoded; anything else is returned as a copy of the raw bytes.
func payloadData(b []byte) (any, bool) {
	var data []byte
	for len(b) > 0 {
		num, wtyp, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, false
		}
		b = b[n:]
		if num == payloadDataField && wtyp == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, false
			}
			data = v
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, wtyp, b)
		if n < 0 {
			return nil, false
		}
		b = b[n:]
	}
	if data == nil {
		return nil, true
	}
	if json.Valid(data) {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			return v, true
		}
	}
	return append([]byte(nil), data...), true
}
