package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/bookmeta/reconciler/internal/doc"
)

// PostgresOptions configures a Postgres-backed store, mirroring
// relational.Options (Clock, TableName) plus the columns this engine
// needs beyond a plain object blob.
type PostgresOptions struct {
	TableName string
	Clock     Clock
}

// PostgresHistoryStore is the HistoryStore backed by PostgreSQL via
// database/sql; the driver (github.com/lib/pq) is registered by the
// caller via a blank import, following relational.PostgresStore's
// driver-agnostic design.
type PostgresHistoryStore struct {
	db    *sql.DB
	table string
	clock Clock
}

func NewPostgresHistoryStore(db *sql.DB, opts PostgresOptions) (*PostgresHistoryStore, error) {
	table := strings.TrimSpace(opts.TableName)
	if table == "" {
		table = "history_documents"
	}
	if err := validateTableName(table); err != nil {
		return nil, fmt.Errorf("%w: invalid table name", ErrInvalidInput)
	}
	clock := opts.Clock
	if clock == nil {
		clock = defaultClock
	}
	return &PostgresHistoryStore{db: db, table: table, clock: clock}, nil
}

// EnsureSchema creates the backing table if it does not exist, following
// relational.PostgresStore.EnsureSchema's idempotent shape.
func (s *PostgresHistoryStore) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id          UUID PRIMARY KEY,
  version     BIGINT NOT NULL,
  history_key TEXT NOT NULL UNIQUE,
  entity_id   TEXT NOT NULL,
  schema      TEXT NOT NULL,
  body        TEXT NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL,
  updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %s_entity_schema_idx ON %s (entity_id, schema);`, s.table, s.table, s.table)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("%w: ensure schema: %v", ErrConnection, err)
	}
	return nil
}

func (s *PostgresHistoryStore) LookupByHistoryKey(ctx context.Context, key string) (Record, error) {
	q := fmt.Sprintf(`SELECT id, version, history_key, entity_id, schema, body, created_at, updated_at
FROM %s WHERE history_key = $1;`, s.table)
	return s.scanRow(s.db.QueryRowContext(ctx, q, key))
}

func (s *PostgresHistoryStore) FetchByEntity(ctx context.Context, entityID, schema string) ([]Record, error) {
	q := fmt.Sprintf(`SELECT id, version, history_key, entity_id, schema, body, created_at, updated_at
FROM %s WHERE entity_id = $1 AND schema = $2 ORDER BY created_at ASC, id ASC;`, s.table)
	rows, err := s.db.QueryContext(ctx, q, entityID, schema)
	if err != nil {
		return nil, wrapConnErr(fmt.Errorf("%w: fetch by entity: %v", ErrConnection, err))
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresHistoryStore) Store(ctx context.Context, rec Record, replaceID string, replaceVersion int64) (Record, error) {
	return upsert(ctx, s.db, s.table, "history_key", s.clock, rec, replaceID, replaceVersion)
}

// DeleteMany removes the rows named by ids, idempotently (already-absent
// ids are not an error), matching spec.md §4.4's deleteMany(ids).
func (s *PostgresHistoryStore) DeleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1);`, s.table)
	if _, err := s.db.ExecContext(ctx, q, pq.Array(ids)); err != nil {
		return wrapConnErr(fmt.Errorf("%w: delete many: %v", ErrConnection, err))
	}
	return nil
}

func (s *PostgresHistoryStore) ListChunk(ctx context.Context, offset, limit int) ([]Record, error) {
	return listChunk(ctx, s.db, s.table, offset, limit)
}

func (s *PostgresHistoryStore) scanRow(row *sql.Row) (Record, error) {
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, wrapConnErr(err)
	}
	return rec, nil
}

// PostgresCurrentStore is the CurrentStore counterpart, identical in
// shape but keyed by current_key with a (entity_id, schema) unique index
// instead of a plain secondary index, since exactly one row may exist
// per entity+schema (spec §4.5, invariant I3).
type PostgresCurrentStore struct {
	db    *sql.DB
	table string
	clock Clock
}

func NewPostgresCurrentStore(db *sql.DB, opts PostgresOptions) (*PostgresCurrentStore, error) {
	table := strings.TrimSpace(opts.TableName)
	if table == "" {
		table = "current_documents"
	}
	if err := validateTableName(table); err != nil {
		return nil, fmt.Errorf("%w: invalid table name", ErrInvalidInput)
	}
	clock := opts.Clock
	if clock == nil {
		clock = defaultClock
	}
	return &PostgresCurrentStore{db: db, table: table, clock: clock}, nil
}

func (s *PostgresCurrentStore) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id          UUID PRIMARY KEY,
  version     BIGINT NOT NULL,
  current_key TEXT NOT NULL,
  entity_id   TEXT NOT NULL,
  schema      TEXT NOT NULL,
  body        TEXT NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL,
  updated_at  TIMESTAMPTZ NOT NULL,
  UNIQUE (current_key),
  UNIQUE (entity_id, schema)
);`, s.table)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("%w: ensure schema: %v", ErrConnection, err)
	}
	return nil
}

func (s *PostgresCurrentStore) LookupByCurrentKey(ctx context.Context, key string) (Record, error) {
	q := fmt.Sprintf(`SELECT id, version, current_key, entity_id, schema, body, created_at, updated_at
FROM %s WHERE current_key = $1;`, s.table)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, q, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, wrapConnErr(err)
	}
	return rec, nil
}

func (s *PostgresCurrentStore) GetByID(ctx context.Context, entityID, schema string) (Record, error) {
	q := fmt.Sprintf(`SELECT id, version, current_key, entity_id, schema, body, created_at, updated_at
FROM %s WHERE entity_id = $1 AND schema = $2;`, s.table)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, q, entityID, schema))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, wrapConnErr(err)
	}
	return rec, nil
}

func (s *PostgresCurrentStore) Store(ctx context.Context, rec Record, replaceID string, replaceVersion int64) (Record, error) {
	return upsert(ctx, s.db, s.table, "current_key", s.clock, rec, replaceID, replaceVersion)
}

func (s *PostgresCurrentStore) ListChunk(ctx context.Context, offset, limit int) ([]Record, error) {
	return listChunk(ctx, s.db, s.table, offset, limit)
}

// listChunk serves the Index bridge's chunked full-table reindex sweep,
// following the size-bounded, paginated scan idiom already used for
// bounded file/ref scanning elsewhere in the pack.
func listChunk(ctx context.Context, db *sql.DB, table string, offset, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	// Callers only need entity/schema/body for reindexing; the key column
	// name differs between history_key/current_key so it is omitted here
	// rather than parameterized per table.
	q := fmt.Sprintf(`SELECT id, version, entity_id, schema, body, created_at, updated_at
FROM %s ORDER BY id ASC OFFSET $1 LIMIT $2;`, table)
	rows, err := db.QueryContext(ctx, q, offset, limit)
	if err != nil {
		return nil, wrapConnErr(fmt.Errorf("%w: list chunk: %v", ErrConnection, err))
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			id, entityID, schema, body string
			version                    int64
			createdAt, updatedAt       time.Time
		)
		if err := rows.Scan(&id, &version, &entityID, &schema, &body, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		var d doc.Document
		if err := json.Unmarshal([]byte(body), &d); err != nil {
			return nil, fmt.Errorf("%w: decode body: %v", ErrInvalidInput, err)
		}
		out = append(out, Record{
			ID:        id,
			Version:   version,
			EntityID:  entityID,
			Schema:    schema,
			Body:      d,
			CreatedAt: createdAt.UTC(),
			UpdatedAt: updatedAt.UTC(),
		})
	}
	return out, rows.Err()
}

// upsert implements the shared insert-or-replace-by-id logic for both
// stores: a fresh INSERT when replaceID is empty, an optimistic-locked
// UPDATE ... WHERE id = $ AND version = $ otherwise, following
// relational.PostgresStore.Put's INSERT ... ON CONFLICT DO UPDATE ...
// RETURNING pattern (split into two statements here because the conflict
// target differs between a fresh id and an existing one under optimistic
// concurrency).
func upsert(ctx context.Context, db *sql.DB, table, keyCol string, clock Clock, rec Record, replaceID string, replaceVersion int64) (Record, error) {
	body, err := json.Marshal(rec.Body)
	if err != nil {
		return Record{}, fmt.Errorf("%w: encode body: %v", ErrInvalidInput, err)
	}
	now := clock()

	if replaceID == "" {
		id := rec.ID
		if id == "" {
			id = uuid.NewString()
		}
		q := fmt.Sprintf(`INSERT INTO %s (id, version, %s, entity_id, schema, body, created_at, updated_at)
VALUES ($1, 1, $2, $3, $4, $5, $6, $6)
RETURNING created_at, updated_at;`, table, keyCol)
		var createdAt, updatedAt time.Time
		if err := db.QueryRowContext(ctx, q, id, rec.Key, rec.EntityID, rec.Schema, string(body), now).Scan(&createdAt, &updatedAt); err != nil {
			return Record{}, wrapConnErr(classifyWriteErr(err))
		}
		rec.ID, rec.Version, rec.CreatedAt, rec.UpdatedAt = id, 1, createdAt.UTC(), updatedAt.UTC()
		return rec, nil
	}

	q := fmt.Sprintf(`UPDATE %s SET version = version + 1, %s = $1, entity_id = $2, schema = $3,
body = $4, updated_at = $5 WHERE id = $6 AND version = $7
RETURNING version, created_at, updated_at;`, table, keyCol)
	var version int64
	var createdAt, updatedAt time.Time
	row := db.QueryRowContext(ctx, q, rec.Key, rec.EntityID, rec.Schema, string(body), now, replaceID, replaceVersion)
	if err := row.Scan(&version, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrConflict
		}
		return Record{}, wrapConnErr(err)
	}
	rec.ID, rec.Version, rec.CreatedAt, rec.UpdatedAt = replaceID, version, createdAt.UTC(), updatedAt.UTC()
	return rec, nil
}

func classifyWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "duplicate") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(rs rowScanner) (Record, error) {
	var (
		id, key, entityID, schema, body string
		version                         int64
		createdAt, updatedAt            time.Time
	)
	if err := rs.Scan(&id, &version, &key, &entityID, &schema, &body, &createdAt, &updatedAt); err != nil {
		return Record{}, err
	}
	var d doc.Document
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return Record{}, fmt.Errorf("%w: decode body: %v", ErrInvalidInput, err)
	}
	return Record{
		ID:        id,
		Version:   version,
		Key:       key,
		EntityID:  entityID,
		Schema:    schema,
		Body:      d,
		CreatedAt: createdAt.UTC(),
		UpdatedAt: updatedAt.UTC(),
	}, nil
}
