package indexbridge

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/bookmeta/reconciler/internal/canon"
)

// MemIndexer is an in-process Indexer for tests and local runs without a
// running search cluster. Search does a naive substring match over the
// document's canonical bytes, sufficient for exercising the reindex and
// HTTP surfaces without a real backend.
type MemIndexer struct {
	mu   sync.RWMutex
	docs map[string]IndexedDoc // entity_id -> latest pushed doc
}

func NewMemIndexer() *MemIndexer {
	return &MemIndexer{docs: make(map[string]IndexedDoc)}
}

func (m *MemIndexer) Push(_ context.Context, d IndexedDoc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[d.EntityID] = d
	return nil
}

func (m *MemIndexer) DeleteAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = make(map[string]IndexedDoc)
	return nil
}

func (m *MemIndexer) Search(_ context.Context, query string, offset, count int) (SearchPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	q := strings.ToLower(strings.TrimSpace(query))
	matched := make([]IndexedDoc, 0, len(ids))
	for _, id := range ids {
		d := m.docs[id]
		if q == "" || matches(d, q) {
			matched = append(matched, d)
		}
	}

	if count <= 0 {
		count = 20
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return SearchPage{Results: nil, LastPage: true}, nil
	}
	end := offset + count
	lastPage := end >= len(matched)
	if end > len(matched) {
		end = len(matched)
	}
	return SearchPage{Results: matched[offset:end], LastPage: lastPage}, nil
}

func matches(d IndexedDoc, q string) bool {
	b, err := canon.JSON(d.Body)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(b)), q)
}
