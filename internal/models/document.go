// Package models defines the core data structures shared across docgate:
// documents, mutations, tasks and index metadata.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Document is an ordered mapping from field name to a raw JSON value.
// Field order is kept for round trips; nested values are stored verbatim.
type Document struct {
	names  []string
	values map[string]json.RawMessage
}

// NewDocument creates an empty document.
func NewDocument() *Document {
	return &Document{values: make(map[string]json.RawMessage)}
}

// Len returns the number of fields.
func (d *Document) Len() int {
	return len(d.names)
}

// Fields returns the field names in document order.
func (d *Document) Fields() []string {
	out := make([]string, len(d.names))
	copy(out, d.names)
	return out
}

// Get returns the raw value of a field.
func (d *Document) Get(name string) (json.RawMessage, bool) {
	v, ok := d.values[name]
	return v, ok
}

// Has reports whether the field is present.
func (d *Document) Has(name string) bool {
	_, ok := d.values[name]
	return ok
}

// Set stores a field. A new field is appended; an existing one keeps its position.
func (d *Document) Set(name string, value json.RawMessage) {
	if d.values == nil {
		d.values = make(map[string]json.RawMessage)
	}
	if _, ok := d.values[name]; !ok {
		d.names = append(d.names, name)
	}
	d.values[name] = append(json.RawMessage(nil), value...)
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	c := NewDocument()
	for _, name := range d.names {
		c.Set(name, d.values[name])
	}
	return c
}

// Merge returns the field-level union of d and incoming. Incoming non-null
// values override, fields missing from incoming are preserved, an incoming null
// never erases an existing value, and new fields are appended in incoming order.
func (d *Document) Merge(incoming *Document) *Document {
	out := d.Clone()
	for _, name := range incoming.names {
		v := incoming.values[name]
		if IsNull(v) && out.Has(name) {
			continue
		}
		out.Set(name, v)
	}
	return out
}

// Project keeps only the requested fields, in the document's own order.
// Requested names that are not present are ignored.
func (d *Document) Project(attributes []string) *Document {
	want := make(map[string]struct{}, len(attributes))
	for _, a := range attributes {
		want[a] = struct{}{}
	}
	out := NewDocument()
	for _, name := range d.names {
		if _, ok := want[name]; ok {
			out.Set(name, d.values[name])
		}
	}
	return out
}

// Map decodes the document into a plain map, losing field order.
func (d *Document) Map() (map[string]any, error) {
	m := make(map[string]any, len(d.names))
	for _, name := range d.names {
		var v any
		if err := json.Unmarshal(d.values[name], &v); err != nil {
			return nil, fmt.Errorf("decode field %q: %w", name, err)
		}
		m[name] = v
	}
	return m, nil
}

// MarshalJSON writes the fields in document order.
func (d *Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range d.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(d.values[name])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object, preserving field order.
func (d *Document) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	doc, err := DecodeDocument(dec)
	if err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("unexpected data after document")
	}
	*d = *doc
	return nil
}

// DecodeDocument reads the next JSON object from dec. The decoder must be
// positioned before the opening brace.
func DecodeDocument(dec *json.Decoder) (*Document, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected a JSON object, found %v", describeToken(tok))
	}

	doc := NewDocument()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected a field name, found %v", describeToken(tok))
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		doc.Set(name, raw)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return doc, nil
}

// IsNull reports whether a raw value is the JSON null literal.
func IsNull(v json.RawMessage) bool {
	return len(bytes.TrimSpace(v)) == 0 || string(bytes.TrimSpace(v)) == "null"
}

func describeToken(tok json.Token) string {
	switch t := tok.(type) {
	case json.Delim:
		return fmt.Sprintf("%q", t.String())
	case string:
		return "a string"
	case nil:
		return "null"
	case bool:
		return "a boolean"
	default:
		return "a number"
	}
}
