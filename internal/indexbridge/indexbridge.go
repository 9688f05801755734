// Package indexbridge implements the Index bridge (spec.md §4.8): it
// forwards current documents to a search backend keyed by entity id and
// supports full rebuilds by chunked scan over CurrentStore/HistoryStore.
//
// The chunked-scan-then-push-per-chunk idiom follows the size-bounded,
// paginated sweep shape already used elsewhere in this codebase for
// bounded scans (internal/store.ListChunk); single-flighting a rebuild
// per target uses golang.org/x/sync/singleflight, already present in the
// retrieved dependency pack, to collapse concurrent identical
// PUT /search/reindex/* requests into one sweep (spec.md §4.8, §5).
package indexbridge

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/bookmeta/reconciler/internal/doc"
	"github.com/bookmeta/reconciler/internal/store"
	"github.com/bookmeta/reconciler/pkg/telemetry"
)

var ErrNotFound = errors.New("indexbridge: not found")

// SearchPage is one page of search results, shaped for the HTTP surface's
// GET /search?q=&offset=&count= (spec.md §6.1).
type SearchPage struct {
	Results  []IndexedDoc `json:"results"`
	LastPage bool         `json:"last_page"`
}

// IndexedDoc is what the search backend stores and returns: the
// current document plus the identity it is keyed by.
type IndexedDoc struct {
	EntityID string       `json:"entity_id"`
	Schema   string       `json:"schema"`
	Body     doc.Document `json:"body"`
}

// Indexer abstracts the search backend so tests and local runs can swap a
// real HTTP-backed implementation for an in-memory one.
type Indexer interface {
	Push(ctx context.Context, d IndexedDoc) error
	Search(ctx context.Context, query string, offset, count int) (SearchPage, error)
	DeleteAll(ctx context.Context) error
}

// Report summarizes one reindex sweep.
type Report struct {
	Scanned int `json:"scanned"`
	Pushed  int `json:"pushed"`
	Failed  int `json:"failed"`
}

// Bridge is the Ingestor's step-13 collaborator (it satisfies
// internal/ingest.IndexNotifier) and the HTTP surface's reindex/search
// backend.
type Bridge struct {
	Indexer Indexer
	History store.HistoryStore
	Current store.CurrentStore
	Logger  *telemetry.Logger

	// ChunkSize bounds each reindex scan's page size (spec.md §4.8's
	// "configurable, default 100").
	ChunkSize int

	sf singleflight.Group
}

func New(indexer Indexer, history store.HistoryStore, current store.CurrentStore, logger *telemetry.Logger) *Bridge {
	if logger == nil {
		logger = telemetry.Nop
	}
	return &Bridge{Indexer: indexer, History: history, Current: current, Logger: logger, ChunkSize: 100}
}

func (b *Bridge) chunkSize() int {
	if b.ChunkSize <= 0 {
		return 100
	}
	return b.ChunkSize
}

// Notify pushes one current document to the backend. It satisfies
// internal/ingest.IndexNotifier; the Ingestor treats its error as
// log-and-continue (spec.md §4.6 step 13, §7 IndexFailure).
func (b *Bridge) Notify(ctx context.Context, entityID, schema string, current doc.Document) error {
	return b.Indexer.Push(ctx, IndexedDoc{EntityID: entityID, Schema: schema, Body: current})
}

// Search forwards to the backend unchanged; the HTTP surface owns
// parameter validation.
func (b *Bridge) Search(ctx context.Context, query string, offset, count int) (SearchPage, error) {
	return b.Indexer.Search(ctx, query, offset, count)
}

// ReindexCurrent scans CurrentStore in chunks and re-pushes every row,
// single-flighted so concurrent PUT /search/reindex/current calls share
// one sweep.
func (b *Bridge) ReindexCurrent(ctx context.Context) (Report, error) {
	v, err, _ := b.sf.Do("current", func() (any, error) {
		return b.sweepCurrent(ctx)
	})
	if err != nil {
		return Report{}, err
	}
	return v.(Report), nil
}

// ReindexHistory scans HistoryStore in chunks and re-pushes every row
// keyed by the history record's own entity id, the history-store analog
// of ReindexCurrent.
func (b *Bridge) ReindexHistory(ctx context.Context) (Report, error) {
	v, err, _ := b.sf.Do("history", func() (any, error) {
		return b.sweepHistory(ctx)
	})
	if err != nil {
		return Report{}, err
	}
	return v.(Report), nil
}

func (b *Bridge) sweepCurrent(ctx context.Context) (Report, error) {
	var report Report
	offset := 0
	for {
		chunk, err := b.Current.ListChunk(ctx, offset, b.chunkSize())
		if err != nil {
			return report, fmt.Errorf("indexbridge: list current chunk at offset %d: %w", offset, err)
		}
		if len(chunk) == 0 {
			break
		}
		for _, rec := range chunk {
			report.Scanned++
			if err := b.Indexer.Push(ctx, IndexedDoc{EntityID: rec.EntityID, Schema: rec.Schema, Body: rec.Body}); err != nil {
				report.Failed++
				b.Logger.Warn(ctx, "reindex current: push failed", map[string]any{
					"entity_id": rec.EntityID,
					"schema":    rec.Schema,
					"error":     err.Error(),
				})
				continue
			}
			report.Pushed++
		}
		if len(chunk) < b.chunkSize() {
			break
		}
		offset += len(chunk)
	}
	b.Logger.Info(ctx, "reindex current complete", map[string]any{
		"scanned": report.Scanned, "pushed": report.Pushed, "failed": report.Failed,
	})
	return report, nil
}

func (b *Bridge) sweepHistory(ctx context.Context) (Report, error) {
	var report Report
	offset := 0
	for {
		chunk, err := b.History.ListChunk(ctx, offset, b.chunkSize())
		if err != nil {
			return report, fmt.Errorf("indexbridge: list history chunk at offset %d: %w", offset, err)
		}
		if len(chunk) == 0 {
			break
		}
		for _, rec := range chunk {
			report.Scanned++
			if err := b.Indexer.Push(ctx, IndexedDoc{EntityID: rec.EntityID, Schema: rec.Schema, Body: rec.Body}); err != nil {
				report.Failed++
				b.Logger.Warn(ctx, "reindex history: push failed", map[string]any{
					"entity_id": rec.EntityID,
					"schema":    rec.Schema,
					"error":     err.Error(),
				})
				continue
			}
			report.Pushed++
		}
		if len(chunk) < b.chunkSize() {
			break
		}
		offset += len(chunk)
	}
	b.Logger.Info(ctx, "reindex history complete", map[string]any{
		"scanned": report.Scanned, "pushed": report.Pushed, "failed": report.Failed,
	})
	return report, nil
}
