// Package keys implements the KeyExtractor (spec §4.3): deriving the
// schema, classification, history key, and current key of an annotated
// document.
//
// Canonicalization reuses the encode-sorted-then-hash idiom of
// pkg/idempotency.BuildKeyFromMap, generalized from a tenant+scope key
// string to the SHA-256 fingerprints internal/canon already computes
// for document subtrees.
package keys

import (
	"errors"
	"fmt"

	"github.com/bookmeta/reconciler/internal/canon"
	"github.com/bookmeta/reconciler/internal/doc"
)

var (
	ErrMissingSchema         = errors.New("keys: document has no $schema field")
	ErrMissingClassification = errors.New("keys: document has no classification field")
	ErrMissingSourceFields   = errors.New("keys: source stamp missing required fields")
)

// Options configures which source-stamp fields are stripped before the
// history key is derived. Defaults match spec.md §4.3 exactly; the list
// is config-driven (spec §9's Open Question resolution) so deployments
// can strip additional volatile fields without a code change.
type Options struct {
	StripFields []string
}

// DefaultOptions returns the spec-mandated defaults.
func DefaultOptions() Options {
	return Options{StripFields: []string{"processedAt", "system"}}
}

// Keys holds the four derived values a document yields.
type Keys struct {
	Schema         string
	Classification string
	HistoryKey     string
	CurrentKey     string
}

// Extract derives Keys from an annotated document. HistoryKey is built
// from {schema, source-metadata-minus-StripFields, classification};
// CurrentKey is built from {schema, classification} alone, so all
// documents for the same entity+schema collapse onto one current row
// regardless of which upstream source last wrote it.
func Extract(d doc.Document, opts Options) (Keys, error) {
	schemaVal, ok := value(d["$schema"])
	if !ok {
		return Keys{}, ErrMissingSchema
	}
	schema := fmt.Sprint(schemaVal)

	classVal, ok := value(d["classification"])
	if !ok {
		return Keys{}, ErrMissingClassification
	}

	classKey, err := canon.Key(classVal)
	if err != nil {
		return Keys{}, fmt.Errorf("keys: classification key: %w", err)
	}

	srcMeta, err := strippedSourceMetadata(d, opts)
	if err != nil {
		return Keys{}, err
	}

	historyKey, err := canon.Key(map[string]any{
		"schema":         schema,
		"sourceMetadata": srcMeta,
		"classification": classVal,
	})
	if err != nil {
		return Keys{}, fmt.Errorf("keys: history key: %w", err)
	}

	currentKey, err := canon.Key(map[string]any{
		"schema":         schema,
		"classification": classVal,
	})
	if err != nil {
		return Keys{}, fmt.Errorf("keys: current key: %w", err)
	}

	return Keys{
		Schema:         schema,
		Classification: classKey,
		HistoryKey:     historyKey,
		CurrentKey:     currentKey,
	}, nil
}

// value strips annotation from node at every depth: an annotated leaf
// becomes its underlying value, and objects and arrays are copied with
// each child unwrapped the same way, so a leaf-wise annotated subtree
// (such as a classification object) yields the same value whichever
// source stamped it. A nil node (field absent) reports ok=false.
func value(node any) (any, bool) {
	if node == nil {
		return nil, false
	}
	if doc.IsAnnotatedNode(node) {
		node = node.(map[string]any)["value"]
	}
	switch t := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			out[k], _ = value(v)
		}
		return out, true
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			out[i], _ = value(v)
		}
		return out, true
	}
	return node, true
}

// strippedSourceMetadata returns the document's top-level source map with
// the configured volatile fields removed from every stamp, so two
// messages differing only in processedAt/system collapse to the same
// history key once their content is otherwise identical. The map is
// re-keyed by the hash of the *cleaned* stamp rather than the original
// (unstripped) src_hash — keeping the original hash as the key would
// smuggle processedAt/system straight back into the history key via the
// key itself, even though the value they tag was stripped.
func strippedSourceMetadata(d doc.Document, opts Options) (map[string]any, error) {
	srcMap, ok := d["source"].(map[string]any)
	if !ok {
		return nil, ErrMissingSourceFields
	}
	strip := opts.StripFields
	if strip == nil {
		strip = DefaultOptions().StripFields
	}

	out := make(map[string]any, len(srcMap))
	for _, stamp := range srcMap {
		m, ok := stamp.(map[string]any)
		if !ok {
			return nil, ErrMissingSourceFields
		}
		cleaned := make(map[string]any, len(m))
		for k, v := range m {
			if containsField(strip, k) {
				continue
			}
			cleaned[k] = v
		}
		cleanedBytes, err := canon.JSON(cleaned)
		if err != nil {
			return nil, fmt.Errorf("keys: canonicalize stripped source stamp: %w", err)
		}
		out[canon.SHA1Hex(cleanedBytes)] = cleaned
	}
	return out, nil
}

func containsField(fields []string, name string) bool {
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}
