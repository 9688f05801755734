package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/bookmeta/reconciler/internal/doc"
	"github.com/bookmeta/reconciler/internal/indexbridge"
	"github.com/bookmeta/reconciler/internal/merge"
	"github.com/bookmeta/reconciler/internal/store"
)

type fakeHistoryStore struct {
	byEntity map[string][]store.Record
}

func newFakeHistoryStore() *fakeHistoryStore {
	return &fakeHistoryStore{byEntity: map[string][]store.Record{}}
}

func (f *fakeHistoryStore) LookupByHistoryKey(ctx context.Context, key string) (store.Record, error) {
	return store.Record{}, store.ErrNotFound
}
func (f *fakeHistoryStore) FetchByEntity(ctx context.Context, entityID, schema string) ([]store.Record, error) {
	var out []store.Record
	for _, r := range f.byEntity[entityID] {
		if r.Schema == schema {
			out = append(out, r)
		}
	}
	return out, nil
}
func (f *fakeHistoryStore) Store(ctx context.Context, rec store.Record, replaceID string, replaceVersion int64) (store.Record, error) {
	f.byEntity[rec.EntityID] = append(f.byEntity[rec.EntityID], rec)
	return rec, nil
}
func (f *fakeHistoryStore) DeleteMany(ctx context.Context, ids []string) error { return nil }
func (f *fakeHistoryStore) ListChunk(ctx context.Context, offset, limit int) ([]store.Record, error) {
	return nil, nil
}

type fakeCurrentStore struct {
	byID map[string]store.Record
}

func newFakeCurrentStore() *fakeCurrentStore {
	return &fakeCurrentStore{byID: map[string]store.Record{}}
}

func (f *fakeCurrentStore) LookupByCurrentKey(ctx context.Context, key string) (store.Record, error) {
	return store.Record{}, store.ErrNotFound
}
func (f *fakeCurrentStore) GetByID(ctx context.Context, entityID, schema string) (store.Record, error) {
	rec, ok := f.byID[entityID]
	if !ok || rec.Schema != schema {
		return store.Record{}, store.ErrNotFound
	}
	return rec, nil
}
func (f *fakeCurrentStore) Store(ctx context.Context, rec store.Record, replaceID string, replaceVersion int64) (store.Record, error) {
	f.byID[rec.EntityID] = rec
	return rec, nil
}
func (f *fakeCurrentStore) ListChunk(ctx context.Context, offset, limit int) ([]store.Record, error) {
	var out []store.Record
	for _, rec := range f.byID {
		out = append(out, rec)
	}
	return out, nil
}

type fakeIndexer struct {
	pushed    []indexbridge.IndexedDoc
	searchErr error
}

func (f *fakeIndexer) Push(ctx context.Context, d indexbridge.IndexedDoc) error {
	f.pushed = append(f.pushed, d)
	return nil
}
func (f *fakeIndexer) Search(ctx context.Context, query string, offset, count int) (indexbridge.SearchPage, error) {
	if f.searchErr != nil {
		return indexbridge.SearchPage{}, f.searchErr
	}
	return indexbridge.SearchPage{Results: []indexbridge.IndexedDoc{{EntityID: "e-1"}}, LastPage: true}, nil
}
func (f *fakeIndexer) DeleteAll(ctx context.Context) error { return nil }

func newTestServer() (*Server, *fakeHistoryStore, *fakeCurrentStore, *fakeIndexer) {
	hs := newFakeHistoryStore()
	cs := newFakeCurrentStore()
	indexer := &fakeIndexer{}
	bridge := indexbridge.New(indexer, hs, cs, nil)
	srv := New(hs, cs, bridge, nil, SchemaNames{}, time.Second, StaticMergeOptions(merge.Options{}))
	return srv, hs, cs, indexer
}

func TestHealthzReturnsOK(t *testing.T) {
	srv, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetCurrentNotFoundReturns404Envelope(t *testing.T) {
	srv, _, _, _ := newTestServer()
	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/books/"+id, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetCurrentInvalidUUIDReturns400(t *testing.T) {
	srv, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/books/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCurrentReturnsStoredBody(t *testing.T) {
	srv, _, cs, _ := newTestServer()
	id := uuid.NewString()
	cs.byID[id] = store.Record{EntityID: id, Schema: "book", Body: doc.Document{"title": "Dune"}}

	req := httptest.NewRequest(http.MethodGet, "/books/"+id, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "Dune", body["title"])
}

func TestGetHistoryEmptyReturns404(t *testing.T) {
	srv, _, _, _ := newTestServer()
	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/books/"+id+"/history", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetHistoryReturnsRevisions(t *testing.T) {
	srv, hs, _, _ := newTestServer()
	id := uuid.NewString()
	hs.byEntity[id] = []store.Record{{
		EntityID: id, Schema: "book",
		Body: doc.Document{
			"title":  map[string]any{"value": "Dune", "source": "h1"},
			"source": map[string]any{"h1": map[string]any{"system": "ils-a", "processedAt": "2026-01-01T00:00:00Z"}},
		},
	}}

	req := httptest.NewRequest(http.MethodGet, "/books/"+id+"/history", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var revs []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &revs))
	require.Len(t, revs, 1)
}

func TestReindexOneNotifiesBridge(t *testing.T) {
	srv, _, cs, indexer := newTestServer()
	id := uuid.NewString()
	cs.byID[id] = store.Record{EntityID: id, Schema: "book", Body: doc.Document{"title": "Dune"}}

	req := httptest.NewRequest(http.MethodPut, "/books/"+id+"/reindex", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, indexer.pushed, 1)
	require.Equal(t, id, indexer.pushed[0].EntityID)
}

func TestSearchReturnsResultsFromBridge(t *testing.T) {
	srv, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/search?q=dune&offset=0&count=10", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, true, body["lastPage"])
}

func TestReindexCurrentAcceptsAndReturns202(t *testing.T) {
	srv, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPut, "/search/reindex/current", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestOptionsRequestShortCircuitsWithCORSHeaders(t *testing.T) {
	srv, _, _, _ := newTestServer()
	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodOptions, "/books/"+id, nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
