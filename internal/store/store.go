// Package store implements the HistoryStore and CurrentStore of spec §4.4
// and §4.5 on top of database/sql, following the upsert-by-id shape of
// services/storage/internal/relational.PostgresStore (a validated table
// name, an injectable Clock for deterministic timestamps in tests). Writes
// are a plain INSERT for a new row and an UPDATE ... WHERE id AND version
// for a replacement; neither backend uses ON CONFLICT.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bookmeta/reconciler/internal/doc"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrConflict      = errors.New("store: version conflict")
	ErrInvalidInput  = errors.New("store: invalid input")
	ErrConnection    = errors.New("store: connection failed")
)

// Clock supplies timestamps; tests inject a fixed clock for determinism,
// matching relational.PostgresStore's Clock field.
type Clock func() time.Time

// Record is a stored document row: an opaque id, an optimistic-concurrency
// version, the history/current key it was filed under, and the annotated
// body itself.
type Record struct {
	ID        string
	Version   int64
	Key       string
	EntityID  string
	Schema    string
	Body      doc.Document
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HistoryStore persists the latest annotated document per history key
// (one row per upstream source and entity; a resend replaces that row),
// with a secondary lookup by entity+schema for the Revisions view
// (spec §4.4, §4.7).
type HistoryStore interface {
	// LookupByHistoryKey returns the record already filed under key, or
	// ErrNotFound.
	LookupByHistoryKey(ctx context.Context, key string) (Record, error)
	// FetchByEntity returns every history record for an entity's schema,
	// ordered by CreatedAt ascending (oldest first), for revision replay.
	FetchByEntity(ctx context.Context, entityID, schema string) ([]Record, error)
	// Store inserts a new record when replaceID is empty; otherwise it
	// replaces the record replaceID, failing with ErrConflict unless its
	// stored version equals replaceVersion (the Ingestor's step 5: update
	// in place instead of inserting a second row for the same history key).
	Store(ctx context.Context, rec Record, replaceID string, replaceVersion int64) (Record, error)
	// DeleteMany idempotently removes the rows named by ids (spec §4.4's
	// deleteMany(ids); used by the Ingestor's I2 repair step).
	DeleteMany(ctx context.Context, ids []string) error
	// ListChunk returns up to limit rows starting at offset, ordered by id,
	// for the Index bridge's chunked full-table reindex sweep (spec §4.8).
	ListChunk(ctx context.Context, offset, limit int) ([]Record, error)
}

// CurrentStore persists exactly one authoritative document per
// (entity, schema), keyed by current key (spec §4.5).
type CurrentStore interface {
	LookupByCurrentKey(ctx context.Context, key string) (Record, error)
	GetByID(ctx context.Context, entityID, schema string) (Record, error)
	Store(ctx context.Context, rec Record, replaceID string, replaceVersion int64) (Record, error)
	// ListChunk returns up to limit rows starting at offset, ordered by id,
	// for the Index bridge's chunked full-table reindex sweep (spec §4.8).
	ListChunk(ctx context.Context, offset, limit int) ([]Record, error)
}

// validateTableName is the same conservative SQL-injection guard used for
// fmt.Sprintf-built table names in relational.PostgresStore: letters,
// digits, underscore, dot; must start with a letter or underscore.
func validateTableName(name string) error {
	if name == "" {
		return ErrInvalidInput
	}
	for i, r := range name {
		if i == 0 {
			if !(r == '_' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
				return ErrInvalidInput
			}
			continue
		}
		if r == '.' || r == '_' || (r >= '0' && r <= '9') || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') {
			continue
		}
		return ErrInvalidInput
	}
	return nil
}

func defaultClock() time.Time { return time.Now().UTC() }

func wrapConnErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") || strings.Contains(msg, "dial") {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return err
}
