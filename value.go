package clevis

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ValueKind is the JSON type of a Value
type ValueKind int

const (
	NullValue ValueKind = iota
	BoolValue
	NumberValue
	StringValue
	ArrayValue
	ObjectValue
)

func (k ValueKind) String() string {
	switch k {
	case NullValue:
		return "null"
	case BoolValue:
		return "bool"
	case NumberValue:
		return "number"
	case StringValue:
		return "string"
	case ArrayValue:
		return "array"
	case ObjectValue:
		return "object"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a parsed JSON value. Unlike map[string]interface{} it remembers the order of object members
// so a decoded payload can be rendered back in the order it was written.
type Value struct {
	kind   ValueKind
	scalar string // JSON text of bool, number and null values; unquoted text of strings
	fields []field
	items  []*Value
}

type field struct {
	name  string
	value *Value
}

// ParseValue parses a single JSON document
func ParseValue(data []byte) (*Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := parseValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after JSON value")
	}
	return v, nil
}

func parseValue(dec *json.Decoder) (*Value, error) {
	tok, err := dec.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := NewObject()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("unexpected object key %v", keyTok)
				}
				member, err := parseValue(dec)
				if err != nil {
					return nil, err
				}
				obj.Set(key, member)
			}
			if _, err := dec.Token(); err != nil { // closing '}'
				return nil, err
			}
			return obj, nil
		case '[':
			arr := NewArray()
			for dec.More() {
				item, err := parseValue(dec)
				if err != nil {
					return nil, err
				}
				arr.Append(item)
			}
			if _, err := dec.Token(); err != nil { // closing ']'
				return nil, err
			}
			return arr, nil
		default:
			return nil, fmt.Errorf("unexpected delimiter %v", t)
		}
	case string:
		return NewString(t), nil
	case json.Number:
		return &Value{kind: NumberValue, scalar: t.String()}, nil
	case bool:
		return &Value{kind: BoolValue, scalar: strconv.FormatBool(t)}, nil
	case nil:
		return &Value{kind: NullValue, scalar: "null"}, nil
	default:
		return nil, fmt.Errorf("unexpected JSON token %v", tok)
	}
}

// NewObject returns an empty JSON object
func NewObject() *Value {
	return &Value{kind: ObjectValue}
}

// NewArray returns an empty JSON array
func NewArray() *Value {
	return &Value{kind: ArrayValue}
}

// NewString returns a JSON string
func NewString(s string) *Value {
	return &Value{kind: StringValue, scalar: s}
}

// NewInt returns a JSON number
func NewInt(n int64) *Value {
	return &Value{kind: NumberValue, scalar: strconv.FormatInt(n, 10)}
}

func (v *Value) Kind() ValueKind {
	return v.kind
}

// Set adds a member to the object or replaces the value of an existing one keeping its position
func (v *Value) Set(name string, member *Value) *Value {
	for i := range v.fields {
		if v.fields[i].name == name {
			v.fields[i].value = member
			return v
		}
	}
	v.fields = append(v.fields, field{name: name, value: member})
	return v
}

// Append adds an item to the array
func (v *Value) Append(item *Value) *Value {
	v.items = append(v.items, item)
	return v
}

// Keys returns object member names in their original order
func (v *Value) Keys() []string {
	keys := make([]string, len(v.fields))
	for i, f := range v.fields {
		keys[i] = f.name
	}
	return keys
}

// Items returns array elements
func (v *Value) Items() []*Value {
	return v.items
}

// Len returns the number of object members or array items
func (v *Value) Len() int {
	if v.kind == ObjectValue {
		return len(v.fields)
	}
	return len(v.items)
}

// Field returns a member of the object
func (v *Value) Field(name string) (*Value, bool) {
	if v == nil || v.kind != ObjectValue {
		return nil, false
	}
	for _, f := range v.fields {
		if f.name == name {
			return f.value, true
		}
	}
	return nil, false
}

func (v *Value) typedField(name string, kind ValueKind) (*Value, error) {
	if v == nil || v.kind != ObjectValue {
		return nil, fmt.Errorf("cannot read field %q of a non-object value", name)
	}
	f, ok := v.Field(name)
	if !ok {
		return nil, fmt.Errorf("field %q is missing", name)
	}
	if f.kind != kind {
		return nil, fmt.Errorf("field %q is %v, expected %v", name, f.kind, kind)
	}
	return f, nil
}

// ObjectField returns the object member with the given name
func (v *Value) ObjectField(name string) (*Value, error) {
	return v.typedField(name, ObjectValue)
}

// ArrayField returns elements of the array member with the given name
func (v *Value) ArrayField(name string) ([]*Value, error) {
	f, err := v.typedField(name, ArrayValue)
	if err != nil {
		return nil, err
	}
	return f.items, nil
}

// StringField returns the string member with the given name
func (v *Value) StringField(name string) (string, error) {
	f, err := v.typedField(name, StringValue)
	if err != nil {
		return "", err
	}
	return f.scalar, nil
}

// IntField returns the integer member with the given name
func (v *Value) IntField(name string) (int64, error) {
	f, err := v.typedField(name, NumberValue)
	if err != nil {
		return 0, err
	}
	n, err := f.AsInt()
	if err != nil {
		return 0, fmt.Errorf("field %q: %v", name, err)
	}
	return n, nil
}

// AsString returns the string this value holds
func (v *Value) AsString() (string, bool) {
	if v == nil || v.kind != StringValue {
		return "", false
	}
	return v.scalar, true
}

// AsInt returns the integer this value holds
func (v *Value) AsInt() (int64, error) {
	if v == nil || v.kind != NumberValue {
		return 0, fmt.Errorf("value is not a number")
	}
	return strconv.ParseInt(v.scalar, 10, 64)
}

// MarshalJSON renders the value with object members in their original order.
// HTML characters are not escaped so URLs render the way they were written.
func (v *Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v *Value) encode(buf *bytes.Buffer) error {
	if v == nil {
		buf.WriteString("null")
		return nil
	}

	switch v.kind {
	case StringValue:
		return encodeString(buf, v.scalar)
	case ObjectValue:
		buf.WriteByte('{')
		for i, f := range v.fields {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, f.name); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := f.value.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case ArrayValue:
		buf.WriteByte('[')
		for i, item := range v.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.encode(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		buf.WriteString(v.scalar)
	}
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encoder terminates every value with a newline
	buf.Truncate(buf.Len() - 1)
	return nil
}

// Text returns compact JSON text of the value
func (v *Value) Text() string {
	var buf bytes.Buffer
	if err := v.encode(&buf); err != nil {
		return ""
	}
	return buf.String()
}
