package models

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
)

// MaxIDLength bounds string document ids.
const MaxIDLength = 511

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// CanonicalID converts a raw primary key value into its canonical string form.
// Strings of [A-Za-z0-9_-] and integers are valid; 1 and "1" share a form.
// ok is false for null, composites, floats, booleans and malformed strings.
func CanonicalID(raw json.RawMessage) (id string, ok bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", false
	}
	return canonicalValue(v)
}

// CanonicalIDValue is CanonicalID for an already decoded value.
func CanonicalIDValue(v any) (string, bool) {
	return canonicalValue(v)
}

func canonicalValue(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		if t == "" || len(t) > MaxIDLength || !idPattern.MatchString(t) {
			return "", false
		}
		return t, true
	case json.Number:
		n, err := strconv.ParseInt(t.String(), 10, 64)
		if err != nil {
			return "", false
		}
		return strconv.FormatInt(n, 10), true
	case float64:
		if t != float64(int64(t)) {
			return "", false
		}
		return strconv.FormatInt(int64(t), 10), true
	default:
		return "", false
	}
}

// DocumentID returns the canonical id held by the primary key field.
func (d *Document) DocumentID(primaryKey string) (string, bool) {
	raw, ok := d.Get(primaryKey)
	if !ok {
		return "", false
	}
	return CanonicalID(raw)
}
