package codec

import (
	"errors"
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrUnknownType is returned when encoding an element whose type has no
// payload field in the table.
var ErrUnknownType = errors.New("unknown payload type")

// PayloadField maps an element type to the typed payload field carrying its
// data.
type PayloadField struct {
	Type   int32           `json:"type"`
	Name   string          `json:"field"`
	Number protowire.Number `json:"number"`
}

// TypeTable is the static type -> payload field table. It is read-only once
// built.
type TypeTable struct {
	byType map[int32]PayloadField
}

// NewTypeTable builds a table from fields. Later entries for the same type
// replace earlier ones.
func NewTypeTable(fields ...PayloadField) (*TypeTable, error) {
	t := &TypeTable{byType: make(map[int32]PayloadField, len(fields))}
	for _, f := range fields {
		if f.Number <= elementTypeField || !f.Number.IsValid() {
			return nil, fmt.Errorf("payload field %q: invalid field number %d", f.Name, f.Number)
		}
		if f.Name == "" {
			return nil, fmt.Errorf("payload type %d: empty field name", f.Type)
		}
		t.byType[f.Type] = f
	}
	return t, nil
}

// DefaultTypeTable returns the payload table used by the vehicle stack.
func DefaultTypeTable() *TypeTable {
	t, _ := NewTypeTable(
		PayloadField{Type: 0, Name: "raw", Number: 3},
		PayloadField{Type: 1, Name: "perception_obstacle", Number: 4},
		PayloadField{Type: 2, Name: "localization", Number: 5},
		PayloadField{Type: 3, Name: "planning", Number: 6},
		PayloadField{Type: 4, Name: "localmap", Number: 7},
		PayloadField{Type: 5, Name: "traffic_signal", Number: 8},
		PayloadField{Type: 6, Name: "camera_lines", Number: 9},
	)
	return t
}

// Lookup returns the payload field for typ.
func (t *TypeTable) Lookup(typ int32) (PayloadField, bool) {
	f, ok := t.byType[typ]
	return f, ok
}

// Fields returns the table entries ordered by type.
func (t *TypeTable) Fields() []PayloadField {
	out := make([]PayloadField, 0, len(t.byType))
	for _, f := range t.byType {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Element is one entry of a binary container.
type Element struct {
	Topic string
	Type  int32
	Data  []byte
}

// Encode builds a binary container holding elements in order.
func (t *TypeTable) Encode(elements ...Element) ([]byte, error) {
	var out []byte
	for _, el := range elements {
		field, ok := t.Lookup(el.Type)
		if !ok {
			return nil, fmt.Errorf("encode %q: %w: %d", el.Topic, ErrUnknownType, el.Type)
		}

		var payload []byte
		payload = protowire.AppendTag(payload, payloadDataField, protowire.BytesType)
		payload = protowire.AppendBytes(payload, el.Data)

		var elem []byte
		elem = protowire.AppendTag(elem, elementTopicField, protowire.BytesType)
		elem = protowire.AppendString(elem, el.Topic)
		elem = protowire.AppendTag(elem, elementTypeField, protowire.VarintType)
		elem = protowire.AppendVarint(elem, uint64(el.Type))
		elem = protowire.AppendTag(elem, field.Number, protowire.BytesType)
		elem = protowire.AppendBytes(elem, payload)

		out = protowire.AppendTag(out, containerElementsField, protowire.BytesType)
		out = protowire.AppendBytes(out, elem)
	}
	return out, nil
}
