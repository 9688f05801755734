// Package annotate implements the first stage of the pipeline: rewriting
// a raw decoded document into the {value, source} tree the rest of the
// engine operates on (spec §4.1).
//
// The recursive walk follows the path-segment style already used by
// services/normalizer/internal/engine for Get/Set/dropNulls, generalized
// here to visit every leaf rather than a single dotted path. Classified
// array dedup-by-key reuses the "resolve a key, keep first, drop the
// rest" shape of services/normalizer/internal/cleanser.DedupeObjects,
// generalized to merge colliding elements instead of dropping them.
package annotate

import (
	"errors"
	"fmt"

	"github.com/bookmeta/reconciler/internal/canon"
	"github.com/bookmeta/reconciler/internal/doc"
	"github.com/bookmeta/reconciler/internal/merge"
)

var (
	ErrMissingSource     = errors.New("annotate: document has no top-level source stamp")
	ErrBadClassification = errors.New("annotate: classification subtree is not an object")
)

// Options tunes how dedup collisions within a single raw document are
// resolved. The zero value matches spec.md exactly.
type Options struct {
	Merge merge.Options
}

// Annotate rewrites raw into the {value, source} tree: every leaf and
// every non-classified array becomes a {value, source} pair stamped with
// the hash of the document's own top-level source subtree; classified
// arrays are rewritten element-wise and deduplicated by classification
// key, merging any collisions found within this single document.
func Annotate(raw doc.Document, opts Options) (doc.Document, error) {
	rawSource, ok := raw["source"]
	if !ok {
		return nil, ErrMissingSource
	}
	sourceBytes, err := canon.JSON(rawSource)
	if err != nil {
		return nil, fmt.Errorf("annotate: canonicalize source: %w", err)
	}
	srcHash := canon.SHA1Hex(sourceBytes)

	srcMap := merge.SourceMap{srcHash: rawSource}

	out := make(doc.Document, len(raw))
	for k, v := range raw {
		if k == "source" {
			continue
		}
		rewritten, err := rewrite(v, srcHash, srcMap, opts)
		if err != nil {
			return nil, err
		}
		out[k] = rewritten
	}
	// Always map-form {srcHash: rawSource}, even when no rewritten field
	// carries srcHash; the raw stamp is never written back unchanged.
	out["source"] = map[string]any{srcHash: rawSource}
	return out, nil
}

// rewrite recursively converts raw into its annotated form. Objects are
// rewritten field by field; classified arrays are rewritten element-wise
// and deduplicated; everything else (non-classified arrays, strings,
// numbers, booleans, null) becomes a single {value, source} leaf.
func rewrite(v any, srcHash string, srcMap merge.SourceMap, opts Options) (any, error) {
	if doc.IsAnnotatedNode(v) {
		// Already annotated (e.g. re-annotation of a previously-merged
		// element during array dedup); preserve as-is.
		return v, nil
	}

	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			rv, err := rewrite(vv, srcHash, srcMap, opts)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil

	case []any:
		if isClassifiedArray(t) {
			return rewriteClassifiedArray(t, srcHash, srcMap, opts)
		}
		return leaf(doc.Clone(t), srcHash), nil

	default:
		return leaf(v, srcHash), nil
	}
}

func leaf(value any, srcHash string) map[string]any {
	return map[string]any{"value": value, "source": srcHash}
}

// isClassifiedArray reports whether every element of arr carries a
// "classification" field, directly or (if already annotated) under its
// value field.
func isClassifiedArray(arr []any) bool {
	if len(arr) == 0 {
		return false
	}
	for _, el := range arr {
		if _, ok := classificationOf(el); !ok {
			return false
		}
	}
	return true
}

func classificationOf(el any) (any, bool) {
	m, ok := el.(map[string]any)
	if !ok {
		return nil, false
	}
	target := m
	if doc.IsAnnotatedNode(el) {
		vm, ok := m["value"].(map[string]any)
		if !ok {
			return nil, false
		}
		target = vm
	}
	c, ok := target["classification"]
	return c, ok
}

// rewriteClassifiedArray rewrites each element, then merges any elements
// sharing a classification key using the Merger, so a single raw message
// that happens to carry duplicate classifications still produces at most
// one survivor per key.
func rewriteClassifiedArray(arr []any, srcHash string, srcMap merge.SourceMap, opts Options) ([]any, error) {
	order := make([]string, 0, len(arr))
	byKey := make(map[string]any, len(arr))

	for _, raw := range arr {
		c, ok := classificationOf(raw)
		if !ok {
			return nil, ErrBadClassification
		}
		resolved := c
		if doc.IsAnnotatedNode(c) {
			resolved = c.(map[string]any)["value"]
		}
		if _, isObj := resolved.(map[string]any); !isObj {
			return nil, ErrBadClassification
		}

		rewritten, err := rewrite(raw, srcHash, srcMap, opts)
		if err != nil {
			return nil, err
		}

		ck, err := classificationKeyOf(rewritten)
		if err != nil {
			return nil, err
		}

		if existing, ok := byKey[ck]; ok {
			merged, err := merge.Node(existing, rewritten, srcMap, srcMap, opts.Merge)
			if err != nil {
				return nil, err
			}
			byKey[ck] = merged
			continue
		}
		byKey[ck] = rewritten
		order = append(order, ck)
	}

	out := make([]any, 0, len(order))
	seen := make(map[string]bool, len(order))
	for _, k := range order {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, byKey[k])
	}
	return out, nil
}

func classificationKeyOf(rewrittenElement any) (string, error) {
	m, ok := rewrittenElement.(map[string]any)
	if !ok {
		return "", ErrBadClassification
	}
	c, ok := m["classification"]
	if !ok {
		return "", ErrBadClassification
	}
	if doc.IsAnnotatedNode(c) {
		c = c.(map[string]any)["value"]
	}
	k, err := canon.Key(c)
	if err != nil {
		return "", fmt.Errorf("annotate: classification key: %w", err)
	}
	return k, nil
}

// Validate checks the structural invariants the Annotator must uphold
// (I1, I4): every leaf in doc is either a {value, source} pair or an
// object/array of such pairs, and doc carries a top-level source map.
func Validate(d doc.Document) error {
	srcMap, ok := d["source"].(map[string]any)
	if !ok || len(srcMap) == 0 {
		return ErrMissingSource
	}
	for k, v := range d {
		if k == "source" {
			continue
		}
		if err := validateNode(v); err != nil {
			return err
		}
	}
	return nil
}

func validateNode(v any) error {
	if doc.IsAnnotatedNode(v) {
		return nil
	}
	switch t := v.(type) {
	case map[string]any:
		for _, vv := range t {
			if err := validateNode(vv); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for _, el := range t {
			if err := validateNode(el); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("annotate: unannotated leaf of type %T", v)
	}
}
