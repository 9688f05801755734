package indexbridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bookmeta/reconciler/internal/doc"
	"github.com/bookmeta/reconciler/internal/store"
)

type fakeIndexer struct {
	mu      sync.Mutex
	pushed  []IndexedDoc
	pushErr error
	sleep   chan struct{} // if non-nil, Push blocks on it once per call
	entered chan struct{} // if non-nil, signaled the moment Push is entered
}

func (f *fakeIndexer) Push(ctx context.Context, d IndexedDoc) error {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.sleep != nil {
		<-f.sleep
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushed = append(f.pushed, d)
	return nil
}

func (f *fakeIndexer) Search(ctx context.Context, query string, offset, count int) (SearchPage, error) {
	return SearchPage{}, nil
}

func (f *fakeIndexer) DeleteAll(ctx context.Context) error { return nil }

func (f *fakeIndexer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushed)
}

type fakeCurrentListStore struct {
	recs []store.Record
}

func (f *fakeCurrentListStore) LookupByCurrentKey(ctx context.Context, key string) (store.Record, error) {
	return store.Record{}, store.ErrNotFound
}
func (f *fakeCurrentListStore) GetByID(ctx context.Context, entityID, schema string) (store.Record, error) {
	return store.Record{}, store.ErrNotFound
}
func (f *fakeCurrentListStore) Store(ctx context.Context, rec store.Record, replaceID string, replaceVersion int64) (store.Record, error) {
	return store.Record{}, nil
}
func (f *fakeCurrentListStore) ListChunk(ctx context.Context, offset, limit int) ([]store.Record, error) {
	if offset >= len(f.recs) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.recs) {
		end = len(f.recs)
	}
	return f.recs[offset:end], nil
}

type fakeHistoryListStore struct {
	recs []store.Record
}

func (f *fakeHistoryListStore) LookupByHistoryKey(ctx context.Context, key string) (store.Record, error) {
	return store.Record{}, store.ErrNotFound
}
func (f *fakeHistoryListStore) FetchByEntity(ctx context.Context, entityID, schema string) ([]store.Record, error) {
	return nil, nil
}
func (f *fakeHistoryListStore) Store(ctx context.Context, rec store.Record, replaceID string, replaceVersion int64) (store.Record, error) {
	return store.Record{}, nil
}
func (f *fakeHistoryListStore) DeleteMany(ctx context.Context, ids []string) error { return nil }
func (f *fakeHistoryListStore) ListChunk(ctx context.Context, offset, limit int) ([]store.Record, error) {
	if offset >= len(f.recs) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.recs) {
		end = len(f.recs)
	}
	return f.recs[offset:end], nil
}

func TestNotifyPushesToIndexer(t *testing.T) {
	indexer := &fakeIndexer{}
	b := New(indexer, &fakeHistoryListStore{}, &fakeCurrentListStore{}, nil)

	err := b.Notify(context.Background(), "e-1", "book", doc.Document{"title": "Dune"})
	require.NoError(t, err)
	require.Equal(t, 1, indexer.count())
	require.Equal(t, "e-1", indexer.pushed[0].EntityID)
}

func TestReindexCurrentScansAllChunks(t *testing.T) {
	cs := &fakeCurrentListStore{recs: make([]store.Record, 0, 5)}
	for i := 0; i < 5; i++ {
		cs.recs = append(cs.recs, store.Record{EntityID: "e", Schema: "book", Body: doc.Document{}})
	}
	indexer := &fakeIndexer{}
	b := New(indexer, &fakeHistoryListStore{}, cs, nil)
	b.ChunkSize = 2

	report, err := b.ReindexCurrent(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, report.Scanned)
	require.Equal(t, 5, report.Pushed)
	require.Equal(t, 0, report.Failed)
	require.Equal(t, 5, indexer.count())
}

func TestReindexCurrentCountsPushFailuresWithoutAborting(t *testing.T) {
	cs := &fakeCurrentListStore{recs: []store.Record{
		{EntityID: "e1", Schema: "book"}, {EntityID: "e2", Schema: "book"},
	}}
	indexer := &fakeIndexer{pushErr: errors.New("backend down")}
	b := New(indexer, &fakeHistoryListStore{}, cs, nil)

	report, err := b.ReindexCurrent(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Scanned)
	require.Equal(t, 0, report.Pushed)
	require.Equal(t, 2, report.Failed)
}

func TestReindexHistoryScansAllChunks(t *testing.T) {
	hs := &fakeHistoryListStore{recs: []store.Record{
		{EntityID: "e1", Schema: "book"}, {EntityID: "e2", Schema: "book"}, {EntityID: "e3", Schema: "book"},
	}}
	indexer := &fakeIndexer{}
	b := New(indexer, hs, &fakeCurrentListStore{}, nil)
	b.ChunkSize = 1

	report, err := b.ReindexHistory(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.Scanned)
	require.Equal(t, 3, report.Pushed)
}

func TestReindexCurrentListChunkErrorPropagates(t *testing.T) {
	b := New(&fakeIndexer{}, &fakeHistoryListStore{}, &erroringCurrentStore{}, nil)
	_, err := b.ReindexCurrent(context.Background())
	require.Error(t, err)
}

type erroringCurrentStore struct{ fakeCurrentListStore }

func (erroringCurrentStore) ListChunk(ctx context.Context, offset, limit int) ([]store.Record, error) {
	return nil, errors.New("connection lost")
}

// TestReindexCurrentCollapsesConcurrentCalls exercises the singleflight
// collapse: two concurrent ReindexCurrent calls against a slow indexer must
// only sweep the store once.
func TestReindexCurrentCollapsesConcurrentCalls(t *testing.T) {
	cs := &fakeCurrentListStore{recs: []store.Record{{EntityID: "e1", Schema: "book"}}}
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	indexer := &fakeIndexer{sleep: gate, entered: entered}
	b := New(indexer, &fakeHistoryListStore{}, cs, nil)

	var wg sync.WaitGroup
	var calls int32
	wg.Add(1)
	go func() {
		defer wg.Done()
		atomic.AddInt32(&calls, 1)
		_, err := b.ReindexCurrent(context.Background())
		require.NoError(t, err)
	}()

	<-entered // the first call's sweep is now blocked inside Push on gate

	joined := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		atomic.AddInt32(&calls, 1)
		close(joined)
		_, err := b.ReindexCurrent(context.Background())
		require.NoError(t, err)
	}()
	<-joined

	close(gate)
	wg.Wait()

	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
	require.Equal(t, 1, indexer.count(), "concurrent reindex calls must collapse into a single sweep")
}
