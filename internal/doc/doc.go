// Package doc defines the untyped document tree shared by the annotator,
// merger, key extractor, and stores: a decoded JSON value with kinds
// {object, array, string, number, boolean, null}.
package doc

import (
	"bytes"
	"encoding/json"
)

// Document is a decoded JSON object. Numbers are carried as json.Number
// (decoders should use json.Decoder.UseNumber) so integral values survive
// annotate/merge without floating-point drift.
type Document = map[string]any

// Kind names the structural category of a node, per the data model in
// spec §3.
type Kind string

const (
	KindObject  Kind = "object"
	KindArray   Kind = "array"
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
	KindNull    Kind = "null"
)

// KindOf classifies a decoded JSON value.
func KindOf(v any) Kind {
	switch v.(type) {
	case nil:
		return KindNull
	case map[string]any:
		return KindObject
	case []any:
		return KindArray
	case string:
		return KindString
	case json.Number, float64, int, int64:
		return KindNumber
	case bool:
		return KindBoolean
	default:
		return KindString
	}
}

// Decode parses raw JSON into a Document, preserving number precision.
func Decode(raw []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out Document
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// IsAnnotatedNode reports whether v is a {value, source} pair: an object
// with exactly two fields named "value" and "source".
func IsAnnotatedNode(v any) bool {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 2 {
		return false
	}
	_, hasValue := m["value"]
	_, hasSource := m["source"]
	return hasValue && hasSource
}

// Clone deep-copies a decoded JSON value.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = Clone(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = Clone(vv)
		}
		return out
	default:
		return v
	}
}
