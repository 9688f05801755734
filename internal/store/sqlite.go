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
)

// SQLiteOptions mirrors PostgresOptions; kept distinct so the two
// backends can diverge (e.g. pragmas) without entangling call sites.
type SQLiteOptions struct {
	TableName string
	Clock     Clock
}

// SQLiteHistoryStore is a local/dev/test HistoryStore backed by
// github.com/mattn/go-sqlite3, following
// services/control-plane/aggregator's sql.Open("sqlite3", dsn) usage.
// Writes use no RETURNING clause: a new row is a plain INSERT, and a
// replacement is an UPDATE ... WHERE id = ? AND version = ? followed by a
// SELECT of the row's version and created_at.
type SQLiteHistoryStore struct {
	db    *sql.DB
	table string
	clock Clock
}

func NewSQLiteHistoryStore(db *sql.DB, opts SQLiteOptions) (*SQLiteHistoryStore, error) {
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
	return &SQLiteHistoryStore{db: db, table: table, clock: clock}, nil
}

func (s *SQLiteHistoryStore) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id          TEXT PRIMARY KEY,
  version     INTEGER NOT NULL,
  history_key TEXT NOT NULL UNIQUE,
  entity_id   TEXT NOT NULL,
  schema      TEXT NOT NULL,
  body        TEXT NOT NULL,
  created_at  TEXT NOT NULL,
  updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS %s_entity_schema_idx ON %s (entity_id, schema);`, s.table, s.table, s.table)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("%w: ensure schema: %v", ErrConnection, err)
	}
	return nil
}

func (s *SQLiteHistoryStore) LookupByHistoryKey(ctx context.Context, key string) (Record, error) {
	q := fmt.Sprintf(`SELECT id, version, history_key, entity_id, schema, body, created_at, updated_at
FROM %s WHERE history_key = ?;`, s.table)
	rec, err := scanSQLiteRecord(s.db.QueryRowContext(ctx, q, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, wrapConnErr(err)
	}
	return rec, nil
}

func (s *SQLiteHistoryStore) FetchByEntity(ctx context.Context, entityID, schema string) ([]Record, error) {
	q := fmt.Sprintf(`SELECT id, version, history_key, entity_id, schema, body, created_at, updated_at
FROM %s WHERE entity_id = ? AND schema = ? ORDER BY created_at ASC, id ASC;`, s.table)
	rows, err := s.db.QueryContext(ctx, q, entityID, schema)
	if err != nil {
		return nil, wrapConnErr(fmt.Errorf("%w: fetch by entity: %v", ErrConnection, err))
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteHistoryStore) Store(ctx context.Context, rec Record, replaceID string, replaceVersion int64) (Record, error) {
	return sqliteUpsert(ctx, s.db, s.table, "history_key", s.clock, rec, replaceID, replaceVersion)
}

// DeleteMany removes the rows named by ids, one statement per id since
// go-sqlite3 has no array-bind equivalent to lib/pq's ANY($1).
func (s *SQLiteHistoryStore) DeleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE id = ?;`, s.table)
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, q, id); err != nil {
			return wrapConnErr(fmt.Errorf("%w: delete many: %v", ErrConnection, err))
		}
	}
	return nil
}

func (s *SQLiteHistoryStore) ListChunk(ctx context.Context, offset, limit int) ([]Record, error) {
	return sqliteListChunk(ctx, s.db, s.table, offset, limit)
}

// SQLiteCurrentStore is the CurrentStore counterpart.
type SQLiteCurrentStore struct {
	db    *sql.DB
	table string
	clock Clock
}

func NewSQLiteCurrentStore(db *sql.DB, opts SQLiteOptions) (*SQLiteCurrentStore, error) {
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
	return &SQLiteCurrentStore{db: db, table: table, clock: clock}, nil
}

func (s *SQLiteCurrentStore) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id          TEXT PRIMARY KEY,
  version     INTEGER NOT NULL,
  current_key TEXT NOT NULL UNIQUE,
  entity_id   TEXT NOT NULL,
  schema      TEXT NOT NULL,
  body        TEXT NOT NULL,
  created_at  TEXT NOT NULL,
  updated_at  TEXT NOT NULL,
  UNIQUE (entity_id, schema)
);`, s.table)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("%w: ensure schema: %v", ErrConnection, err)
	}
	return nil
}

func (s *SQLiteCurrentStore) LookupByCurrentKey(ctx context.Context, key string) (Record, error) {
	q := fmt.Sprintf(`SELECT id, version, current_key, entity_id, schema, body, created_at, updated_at
FROM %s WHERE current_key = ?;`, s.table)
	rec, err := scanSQLiteRecord(s.db.QueryRowContext(ctx, q, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, wrapConnErr(err)
	}
	return rec, nil
}

func (s *SQLiteCurrentStore) GetByID(ctx context.Context, entityID, schema string) (Record, error) {
	q := fmt.Sprintf(`SELECT id, version, current_key, entity_id, schema, body, created_at, updated_at
FROM %s WHERE entity_id = ? AND schema = ?;`, s.table)
	rec, err := scanSQLiteRecord(s.db.QueryRowContext(ctx, q, entityID, schema))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, wrapConnErr(err)
	}
	return rec, nil
}

func (s *SQLiteCurrentStore) Store(ctx context.Context, rec Record, replaceID string, replaceVersion int64) (Record, error) {
	return sqliteUpsert(ctx, s.db, s.table, "current_key", s.clock, rec, replaceID, replaceVersion)
}

func (s *SQLiteCurrentStore) ListChunk(ctx context.Context, offset, limit int) ([]Record, error) {
	return sqliteListChunk(ctx, s.db, s.table, offset, limit)
}

// sqliteListChunk mirrors the Postgres listChunk helper's query shape,
// substituting ?-placeholders and SQLite's TEXT timestamp columns. The key
// column is intentionally omitted from the SELECT; callers only need
// entity/schema/body for reindexing, and the column name differs between
// history_key/current_key.
func sqliteListChunk(ctx context.Context, db *sql.DB, table string, offset, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	q := fmt.Sprintf(`SELECT id, version, entity_id, schema, body, created_at, updated_at
FROM %s ORDER BY id ASC LIMIT ? OFFSET ?;`, table)
	rows, err := db.QueryContext(ctx, q, limit, offset)
	if err != nil {
		return nil, wrapConnErr(fmt.Errorf("%w: list chunk: %v", ErrConnection, err))
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			id, entityID, schema, body, createdAtStr, updatedAtStr string
			version                                                int64
		)
		if err := rows.Scan(&id, &version, &entityID, &schema, &body, &createdAtStr, &updatedAtStr); err != nil {
			return nil, err
		}
		createdAt, _ := time.Parse(time.RFC3339Nano, createdAtStr)
		updatedAt, _ := time.Parse(time.RFC3339Nano, updatedAtStr)
		var d map[string]any
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

func sqliteUpsert(ctx context.Context, db *sql.DB, table, keyCol string, clock Clock, rec Record, replaceID string, replaceVersion int64) (Record, error) {
	body, err := json.Marshal(rec.Body)
	if err != nil {
		return Record{}, fmt.Errorf("%w: encode body: %v", ErrInvalidInput, err)
	}
	now := clock()
	nowStr := now.UTC().Format(time.RFC3339Nano)

	if replaceID == "" {
		id := rec.ID
		if id == "" {
			id = uuid.NewString()
		}
		q := fmt.Sprintf(`INSERT INTO %s (id, version, %s, entity_id, schema, body, created_at, updated_at)
VALUES (?, 1, ?, ?, ?, ?, ?, ?);`, table, keyCol)
		if _, err := db.ExecContext(ctx, q, id, rec.Key, rec.EntityID, rec.Schema, string(body), nowStr, nowStr); err != nil {
			return Record{}, wrapConnErr(classifyWriteErr(err))
		}
		rec.ID, rec.Version, rec.CreatedAt, rec.UpdatedAt = id, 1, now.UTC(), now.UTC()
		return rec, nil
	}

	q := fmt.Sprintf(`UPDATE %s SET version = version + 1, %s = ?, entity_id = ?, schema = ?,
body = ?, updated_at = ? WHERE id = ? AND version = ?;`, table, keyCol)
	res, err := db.ExecContext(ctx, q, rec.Key, rec.EntityID, rec.Schema, string(body), nowStr, replaceID, replaceVersion)
	if err != nil {
		return Record{}, wrapConnErr(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return Record{}, ErrConflict
	}

	row := db.QueryRowContext(ctx, fmt.Sprintf(`SELECT version, created_at FROM %s WHERE id = ?;`, table), replaceID)
	var version int64
	var createdAtStr string
	if err := row.Scan(&version, &createdAtStr); err != nil {
		return Record{}, wrapConnErr(err)
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, createdAtStr)
	rec.ID, rec.Version, rec.CreatedAt, rec.UpdatedAt = replaceID, version, createdAt.UTC(), now.UTC()
	return rec, nil
}

func scanSQLiteRecord(rs rowScanner) (Record, error) {
	var (
		id, key, entityID, schema, body, createdAtStr, updatedAtStr string
		version                                                    int64
	)
	if err := rs.Scan(&id, &version, &key, &entityID, &schema, &body, &createdAtStr, &updatedAtStr); err != nil {
		return Record{}, err
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, createdAtStr)
	updatedAt, _ := time.Parse(time.RFC3339Nano, updatedAtStr)
	var d map[string]any
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
