package store

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/bookmeta/reconciler/internal/doc"
)

// openTestDB gives each test its own named in-memory database: SQLite's
// cache=shared mode keys the shared page cache by DSN, so reusing a bare
// "file::memory:?cache=shared" across tests in the same process would
// leak tables and rows between them.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteHistoryStoreInsertAndLookup(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	hs, err := NewSQLiteHistoryStore(db, SQLiteOptions{TableName: "history_documents"})
	require.NoError(t, err)
	require.NoError(t, hs.EnsureSchema(ctx))

	rec := Record{Key: "hk-1", EntityID: "e-1", Schema: "book", Body: doc.Document{"title": "Dune"}}
	stored, err := hs.Store(ctx, rec, "", 0)
	require.NoError(t, err)
	require.NotEmpty(t, stored.ID)
	require.Equal(t, int64(1), stored.Version)

	got, err := hs.LookupByHistoryKey(ctx, "hk-1")
	require.NoError(t, err)
	require.Equal(t, stored.ID, got.ID)
	require.Equal(t, "Dune", got.Body["title"])

	_, err = hs.LookupByHistoryKey(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteHistoryStoreReplaceRequiresMatchingVersion(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	hs, err := NewSQLiteHistoryStore(db, SQLiteOptions{TableName: "history_documents"})
	require.NoError(t, err)
	require.NoError(t, hs.EnsureSchema(ctx))

	rec := Record{Key: "hk-1", EntityID: "e-1", Schema: "book", Body: doc.Document{"title": "Dune"}}
	stored, err := hs.Store(ctx, rec, "", 0)
	require.NoError(t, err)

	updated := Record{Key: "hk-1", EntityID: "e-1", Schema: "book", Body: doc.Document{"title": "Dune Messiah"}}
	replaced, err := hs.Store(ctx, updated, stored.ID, stored.Version)
	require.NoError(t, err)
	require.Equal(t, stored.ID, replaced.ID)
	require.Equal(t, int64(2), replaced.Version)

	// Replaying the stale version must conflict.
	_, err = hs.Store(ctx, updated, stored.ID, stored.Version)
	require.ErrorIs(t, err, ErrConflict)
}

func TestSQLiteHistoryStoreFetchByEntityOrdersByCreatedAt(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	tick := int64(0)
	clock := func() time.Time { tick++; return time.Unix(tick, 0).UTC() }
	hs, err := NewSQLiteHistoryStore(db, SQLiteOptions{TableName: "history_documents", Clock: clock})
	require.NoError(t, err)
	require.NoError(t, hs.EnsureSchema(ctx))

	_, err = hs.Store(ctx, Record{Key: "hk-a", EntityID: "e-1", Schema: "book", Body: doc.Document{"source": "a"}}, "", 0)
	require.NoError(t, err)
	_, err = hs.Store(ctx, Record{Key: "hk-b", EntityID: "e-1", Schema: "book", Body: doc.Document{"source": "b"}}, "", 0)
	require.NoError(t, err)
	_, err = hs.Store(ctx, Record{Key: "hk-other-entity", EntityID: "e-2", Schema: "book", Body: doc.Document{"source": "c"}}, "", 0)
	require.NoError(t, err)

	recs, err := hs.FetchByEntity(ctx, "e-1", "book")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "a", recs[0].Body["source"])
	require.Equal(t, "b", recs[1].Body["source"])
}

func TestSQLiteHistoryStoreDeleteMany(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	hs, err := NewSQLiteHistoryStore(db, SQLiteOptions{TableName: "history_documents"})
	require.NoError(t, err)
	require.NoError(t, hs.EnsureSchema(ctx))

	a, err := hs.Store(ctx, Record{Key: "hk-a", EntityID: "e-1", Schema: "book", Body: doc.Document{}}, "", 0)
	require.NoError(t, err)
	b, err := hs.Store(ctx, Record{Key: "hk-b", EntityID: "e-1", Schema: "book", Body: doc.Document{}}, "", 0)
	require.NoError(t, err)

	require.NoError(t, hs.DeleteMany(ctx, []string{a.ID}))

	recs, err := hs.FetchByEntity(ctx, "e-1", "book")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, b.ID, recs[0].ID)
}

func TestSQLiteCurrentStoreGetByIDAndUniqueEntitySchema(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	cs, err := NewSQLiteCurrentStore(db, SQLiteOptions{TableName: "current_documents"})
	require.NoError(t, err)
	require.NoError(t, cs.EnsureSchema(ctx))

	rec := Record{ID: "e-1", Key: "ck-1", EntityID: "e-1", Schema: "book", Body: doc.Document{"title": "Dune"}}
	stored, err := cs.Store(ctx, rec, "", 0)
	require.NoError(t, err)

	got, err := cs.GetByID(ctx, "e-1", "book")
	require.NoError(t, err)
	require.Equal(t, stored.ID, got.ID)

	_, err = cs.GetByID(ctx, "e-1", "contributor")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestValidateTableNameRejectsInjectionAttempts(t *testing.T) {
	require.NoError(t, validateTableName("history_documents"))
	require.Error(t, validateTableName("history;drop table x"))
	require.Error(t, validateTableName(""))
	require.Error(t, validateTableName("1leading_digit"))
}
