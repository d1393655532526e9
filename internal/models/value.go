package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ValueKind tags the variant held by a Value
type ValueKind string

const (
	KindNull   ValueKind = "null"
	KindString ValueKind = "string"
	KindNumber ValueKind = "number"
	KindBool   ValueKind = "bool"
)

// Value is a closed variant for one dataset cell: String, Number, Bool or Null.
// The zero Value is Null.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
}

func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }
func BoolValue(b bool) Value     { return Value{Kind: KindBool, Bool: b} }
func NullValue() Value           { return Value{Kind: KindNull} }

// NumberValue returns a Number, or Null for NaN and infinities.
func NumberValue(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return NullValue()
	}
	return Value{Kind: KindNumber, Num: f}
}

// IsNull reports whether v is the null marker
func (v Value) IsNull() bool {
	return v.Kind == KindNull || v.Kind == ""
}

// String renders the value as cell text. Null renders empty.
func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

// Interface returns the native Go value (nil for Null).
func (v Value) Interface() interface{} {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return v.Num
	case KindBool:
		return v.Bool
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	val, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

// ValueOf converts a decoded JSON or spreadsheet scalar into a Value.
func ValueOf(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return NullValue(), nil
	case string:
		return StringValue(t), nil
	case bool:
		return BoolValue(t), nil
	case float64:
		return NumberValue(t), nil
	case float32:
		return NumberValue(float64(t)), nil
	case int:
		return NumberValue(float64(t)), nil
	case int64:
		return NumberValue(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return NullValue(), err
		}
		return NumberValue(f), nil
	default:
		return NullValue(), fmt.Errorf("unsupported cell type %T", raw)
	}
}

// nullMarkers are the cell texts treated as missing
var nullMarkers = map[string]bool{
	"": true, "nan": true, "null": true, "none": true, "na": true, "n/a": true, "#n/a": true,
}

// ParseCell infers a Value from delimited-text cell content.
// Missing markers become Null, never dropped.
func ParseCell(text string) Value {
	trimmed := strings.TrimSpace(text)
	if nullMarkers[strings.ToLower(trimmed)] {
		return NullValue()
	}

	switch strings.ToLower(trimmed) {
	case "true":
		return BoolValue(true)
	case "false":
		return BoolValue(false)
	}

	if looksNumeric(trimmed) {
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return NumberValue(f)
		}
	}

	return StringValue(text)
}

// looksNumeric rejects forms that would lose information as a float,
// such as zero-padded identifiers ("007") and hex or inf literals.
func looksNumeric(s string) bool {
	if s == "" {
		return false
	}
	body := strings.TrimPrefix(s, "-")
	if body == "" {
		return false
	}
	if len(body) > 1 && body[0] == '0' && body[1] != '.' {
		return false
	}
	for _, r := range body {
		if (r < '0' || r > '9') && r != '.' && r != 'e' && r != 'E' && r != '-' && r != '+' {
			return false
		}
	}
	return body[0] >= '0' && body[0] <= '9' || body[0] == '.'
}

// Field is one named cell of a Record
type Field struct {
	Name  string
	Value Value
}

// Record is an ordered field-name to Value mapping.
type Record struct {
	Fields []Field
}

// NewRecord builds a record from parallel name and value slices
func NewRecord(names []string, values []Value) Record {
	r := Record{Fields: make([]Field, 0, len(names))}
	for i, name := range names {
		v := NullValue()
		if i < len(values) {
			v = values[i]
		}
		r.Fields = append(r.Fields, Field{Name: name, Value: v})
	}
	return r
}

// Get returns the value for name
func (r Record) Get(name string) (Value, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return NullValue(), false
}

// Set replaces the value for name or appends a new field
func (r *Record) Set(name string, v Value) {
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			r.Fields[i].Value = v
			return
		}
	}
	r.Fields = append(r.Fields, Field{Name: name, Value: v})
}

// Names returns the field names in order
func (r Record) Names() []string {
	names := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		names[i] = f.Name
	}
	return names
}

// MarshalJSON writes the record as a JSON object keeping field order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range r.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := f.Value.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a flat JSON object keeping key order.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("record must be a JSON object")
	}

	r.Fields = r.Fields[:0]
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("record key must be a string")
		}

		var raw interface{}
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		val, err := ValueOf(raw)
		if err != nil {
			// Nested objects and arrays are kept as their JSON text
			text, mErr := json.Marshal(raw)
			if mErr != nil {
				return err
			}
			val = StringValue(string(text))
		}
		r.Fields = append(r.Fields, Field{Name: key, Value: val})
	}

	_, err = dec.Token()
	return err
}

// String renders the record as a JSON object, the form sent to providers.
func (r Record) String() string {
	data, err := r.MarshalJSON()
	if err != nil {
		return ""
	}
	return string(data)
}
