// Package revisions implements the Revisions view (spec.md §4.7): a
// pure, side-effect-free derivation of a chronological per-source change
// history from a set of history documents for one entity.
//
// The "diff against the running merge, ordered by processedAt then by a
// deterministic tiebreak" shape follows the append-only, replay-ordered
// read path of services/audit/internal/ledger, adapted here from a
// hash-chained audit log to an unchained structural diff sequence (this
// engine has no tamper-evidence requirement, only ordering).
package revisions

import (
	"sort"
	"time"

	"github.com/bookmeta/reconciler/internal/canon"
	"github.com/bookmeta/reconciler/internal/doc"
	"github.com/bookmeta/reconciler/internal/merge"
)

// ChangeKind names how a leaf path differs between two successive merges.
type ChangeKind string

const (
	Added   ChangeKind = "added"
	Removed ChangeKind = "removed"
	Changed ChangeKind = "changed"
)

// Change is one leaf-path difference between the merge state before and
// after folding in one more history document.
type Change struct {
	Path   string     `json:"path"`
	Kind   ChangeKind `json:"kind"`
	Before any        `json:"before,omitempty"`
	After  any        `json:"after,omitempty"`
}

// Revision is one entry of the sequence: the source that contributed it,
// and the structural diff that contribution made against the merge of
// everything that came before it.
type Revision struct {
	ProcessedAt time.Time `json:"processed_at"`
	System      string    `json:"system"`
	SrcHash     string    `json:"src_hash"`
	Changes     []Change  `json:"changes"`
}

// BuildRevisions orders history by processedAt ascending (tie-break by
// system lexicographically, per spec.md §4.7), then replays the Merger
// fold one document at a time, capturing the structural diff each step
// introduces. It has no side effects: history is read-only input.
func BuildRevisions(history []doc.Document, opts merge.Options) ([]Revision, error) {
	if len(history) == 0 {
		return nil, nil
	}

	type item struct {
		d       doc.Document
		at      time.Time
		system  string
		srcHash string
	}
	items := make([]item, 0, len(history))
	for _, d := range history {
		at, system, hash := sourceStamp(d)
		items = append(items, item{d: d, at: at, system: system, srcHash: hash})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].at.Equal(items[j].at) {
			return items[i].at.Before(items[j].at)
		}
		return items[i].system < items[j].system
	})

	var running doc.Document
	out := make([]Revision, 0, len(items))
	for _, it := range items {
		prevLeaves := map[string]any{}
		if running != nil {
			collectLeaves(running, "", prevLeaves)
		}

		next := it.d
		if running != nil {
			merged, err := merge.Document(running, it.d, opts)
			if err != nil {
				return nil, err
			}
			next = merged
		}

		nextLeaves := map[string]any{}
		collectLeaves(next, "", nextLeaves)

		out = append(out, Revision{
			ProcessedAt: it.at,
			System:      it.system,
			SrcHash:     it.srcHash,
			Changes:     diffLeaves(prevLeaves, nextLeaves),
		})
		running = next
	}
	return out, nil
}

// sourceStamp returns the (processedAt, system, src_hash) of a history
// document's single contributing source stamp. Annotate always writes
// the top-level source as a one-entry {hash: stamp} map for a freshly
// ingested per-source document; the lowest hash is taken deterministically
// if more than one is ever present (e.g. a pre-merged document fed back
// in by a test).
func sourceStamp(d doc.Document) (time.Time, string, string) {
	srcMap, _ := d["source"].(map[string]any)
	if len(srcMap) == 0 {
		return time.Time{}, "", ""
	}
	hashes := make([]string, 0, len(srcMap))
	for h := range srcMap {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	hash := hashes[0]
	stamp, _ := srcMap[hash].(map[string]any)
	processedAtStr, _ := stamp["processedAt"].(string)
	system, _ := stamp["system"].(string)
	return parseTimestamp(processedAtStr), system, hash
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}

// collectLeaves flattens an annotated document into path -> unwrapped
// leaf value. The top-level source map is excluded: it is provenance
// metadata, not content, and diffing it would just restate src_hash
// churn the Changes already imply.
func collectLeaves(node any, prefix string, out map[string]any) {
	if doc.IsAnnotatedNode(node) {
		out[prefix] = node.(map[string]any)["value"]
		return
	}
	switch t := node.(type) {
	case map[string]any:
		for k, v := range t {
			if prefix == "" && k == "source" {
				continue
			}
			collectLeaves(v, joinPath(prefix, k), out)
		}
	case []any:
		for i, el := range t {
			collectLeaves(el, indexPath(prefix, arrayElementKey(el, i)), out)
		}
	default:
		out[prefix] = node
	}
}

// arrayElementKey names a classified-array element by its classification
// subtree's canonical key when present (so element identity survives
// reordering), falling back to its positional index otherwise.
func arrayElementKey(el any, i int) string {
	m, ok := el.(map[string]any)
	if !ok {
		return fmtIndex(i)
	}
	target := m
	if doc.IsAnnotatedNode(el) {
		if vm, ok := m["value"].(map[string]any); ok {
			target = vm
		}
	}
	c, ok := target["classification"]
	if !ok {
		return fmtIndex(i)
	}
	if doc.IsAnnotatedNode(c) {
		c = c.(map[string]any)["value"]
	}
	k, err := canon.Key(c)
	if err != nil {
		return fmtIndex(i)
	}
	return k
}

func fmtIndex(i int) string {
	digits := [10]byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9'}
	if i < 10 {
		return string(digits[i])
	}
	// Falls back to a wider representation for larger indices; classified
	// arrays in this domain never approach this size, but positional keys
	// must still be unambiguous if they ever do.
	var buf []byte
	for i > 0 {
		buf = append([]byte{digits[i%10]}, buf...)
		i /= 10
	}
	return string(buf)
}

func joinPath(prefix, field string) string {
	if prefix == "" {
		return field
	}
	return prefix + "." + field
}

func indexPath(prefix, key string) string {
	return prefix + "[" + key + "]"
}

// diffLeaves compares two flattened leaf maps and returns a
// deterministically-ordered list of additions, removals, and changes.
func diffLeaves(prev, curr map[string]any) []Change {
	paths := make(map[string]struct{}, len(prev)+len(curr))
	for p := range prev {
		paths[p] = struct{}{}
	}
	for p := range curr {
		paths[p] = struct{}{}
	}
	ordered := make([]string, 0, len(paths))
	for p := range paths {
		ordered = append(ordered, p)
	}
	sort.Strings(ordered)

	out := make([]Change, 0, len(ordered))
	for _, p := range ordered {
		before, inPrev := prev[p]
		after, inCurr := curr[p]
		switch {
		case !inPrev && inCurr:
			out = append(out, Change{Path: p, Kind: Added, After: after})
		case inPrev && !inCurr:
			out = append(out, Change{Path: p, Kind: Removed, Before: before})
		case !canon.Equal(before, after):
			out = append(out, Change{Path: p, Kind: Changed, Before: before, After: after})
		}
	}
	return out
}
