package ingest

import (
	"context"
	"encoding/json"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bookmeta/reconciler/internal/doc"
	"github.com/bookmeta/reconciler/internal/store"
	"github.com/bookmeta/reconciler/pkg/errors"
	"github.com/bookmeta/reconciler/pkg/queue"
	"github.com/bookmeta/reconciler/pkg/telemetry"
)

// fakeHistoryStore is a hand-rolled in-memory HistoryStore. byKey holds a
// slice per history key, but LookupByHistoryKey returns only its first
// row, so like the real stores it never lets Handle see more than one
// match; no test drives the I2 repair branch (step 6) through it.
type fakeHistoryStore struct {
	byKey    map[string][]store.Record
	byEntity map[string][]store.Record
	deleted  []string
	nextID   int

	storeErr     error
	fetchErr     error
	deleteErr    error
	lookupErr    error
	lookupExtras []store.Record // extra matches appended by matchesForHistoryKey only
}

func newFakeHistoryStore() *fakeHistoryStore {
	return &fakeHistoryStore{byKey: map[string][]store.Record{}, byEntity: map[string][]store.Record{}}
}

func (f *fakeHistoryStore) LookupByHistoryKey(ctx context.Context, key string) (store.Record, error) {
	if f.lookupErr != nil {
		return store.Record{}, f.lookupErr
	}
	recs, ok := f.byKey[key]
	if !ok || len(recs) == 0 {
		return store.Record{}, store.ErrNotFound
	}
	return recs[0], nil
}

// matchesForHistoryKey returns every row filed under key plus lookupExtras,
// bypassing the interface. No test calls it, and lookupHistory only goes
// through LookupByHistoryKey, so these extra matches never reach Handle.
func (f *fakeHistoryStore) matchesForHistoryKey(key string) []store.Record {
	out := append([]store.Record{}, f.byKey[key]...)
	out = append(out, f.lookupExtras...)
	return out
}

func (f *fakeHistoryStore) FetchByEntity(ctx context.Context, entityID, schema string) ([]store.Record, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []store.Record
	for _, r := range f.byEntity[entityID] {
		if r.Schema == schema {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeHistoryStore) Store(ctx context.Context, rec store.Record, replaceID string, replaceVersion int64) (store.Record, error) {
	if f.storeErr != nil {
		return store.Record{}, f.storeErr
	}
	if replaceID != "" {
		for i, r := range f.byEntity[rec.EntityID] {
			if r.ID == replaceID {
				rec.ID = replaceID
				rec.Version = replaceVersion + 1
				f.byEntity[rec.EntityID][i] = rec
				f.byKey[rec.Key] = []store.Record{rec}
				return rec, nil
			}
		}
		return store.Record{}, store.ErrNotFound
	}
	f.nextID++
	rec.ID = "h" + string(rune('0'+f.nextID))
	rec.Version = 1
	f.byKey[rec.Key] = []store.Record{rec}
	f.byEntity[rec.EntityID] = append(f.byEntity[rec.EntityID], rec)
	return rec, nil
}

func (f *fakeHistoryStore) DeleteMany(ctx context.Context, ids []string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, ids...)
	return nil
}

func (f *fakeHistoryStore) ListChunk(ctx context.Context, offset, limit int) ([]store.Record, error) {
	var all []store.Record
	for _, recs := range f.byEntity {
		all = append(all, recs...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// fakeCurrentStore is a minimal in-memory CurrentStore.
type fakeCurrentStore struct {
	byKey  map[string]store.Record
	byID   map[string]store.Record
	nextID int

	storeErr error
}

func newFakeCurrentStore() *fakeCurrentStore {
	return &fakeCurrentStore{byKey: map[string]store.Record{}, byID: map[string]store.Record{}}
}

func (f *fakeCurrentStore) LookupByCurrentKey(ctx context.Context, key string) (store.Record, error) {
	rec, ok := f.byKey[key]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	return rec, nil
}

func (f *fakeCurrentStore) GetByID(ctx context.Context, entityID, schema string) (store.Record, error) {
	rec, ok := f.byID[entityID]
	if !ok || rec.Schema != schema {
		return store.Record{}, store.ErrNotFound
	}
	return rec, nil
}

func (f *fakeCurrentStore) Store(ctx context.Context, rec store.Record, replaceID string, replaceVersion int64) (store.Record, error) {
	if f.storeErr != nil {
		return store.Record{}, f.storeErr
	}
	if replaceID == "" {
		f.nextID++
		rec.ID = "c" + string(rune('0'+f.nextID))
		rec.Version = 1
	} else {
		rec.ID = replaceID
		rec.Version = replaceVersion + 1
	}
	f.byKey[rec.Key] = rec
	f.byID[rec.EntityID] = rec
	return rec, nil
}

func (f *fakeCurrentStore) ListChunk(ctx context.Context, offset, limit int) ([]store.Record, error) {
	return nil, nil
}

type fakeNotifier struct {
	notified bool
	err      error
	entityID string
	schema   string
	current  doc.Document
}

func (f *fakeNotifier) Notify(ctx context.Context, entityID, schema string, current doc.Document) error {
	f.notified = true
	f.entityID = entityID
	f.schema = schema
	f.current = current
	return f.err
}

func bookEnvelope(t *testing.T, system string) queue.DequeueResult {
	t.Helper()
	return bookEnvelopeAt(t, system, "2026-01-01T00:00:00Z")
}

func bookEnvelopeAt(t *testing.T, system, processedAt string) queue.DequeueResult {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"$schema": "book",
		"title":   "Dune",
		"classification": map[string]any{
			"isbn": "9780441013593",
		},
		"source": map[string]any{
			"system":      system,
			"processedAt": processedAt,
		},
	})
	require.NoError(t, err)
	return queue.DequeueResult{Env: queue.Envelope{Type: "book", Payload: payload}}
}

func TestHandleSuccessPathStoresHistoryAndCurrent(t *testing.T) {
	ctx := context.Background()
	hs := newFakeHistoryStore()
	cs := newFakeCurrentStore()
	notifier := &fakeNotifier{}

	ig := New(hs, cs, notifier, telemetry.Nop, Options{})
	err := ig.Handle(ctx, bookEnvelope(t, "ils-a"))
	require.NoError(t, err)

	require.Len(t, hs.byEntity, 1)
	require.Len(t, cs.byID, 1)
	require.True(t, notifier.notified)
	require.Equal(t, "book", notifier.schema)
}

func TestHandleSecondDeliveryFromSameSourceReplacesHistoryRow(t *testing.T) {
	ctx := context.Background()
	hs := newFakeHistoryStore()
	cs := newFakeCurrentStore()
	ig := New(hs, cs, nil, nil, Options{})

	require.NoError(t, ig.Handle(ctx, bookEnvelope(t, "ils-a")))
	require.NoError(t, ig.Handle(ctx, bookEnvelope(t, "ils-a")))

	for _, recs := range hs.byEntity {
		require.Len(t, recs, 1, "re-ingesting from the same source must replace, not duplicate, the history row")
	}
}

// TestHandleResendWithNewProcessedAtReplacesHistoryRow is spec.md §8
// Scenario 4 verbatim: a resend from the same source with the same
// payload but a new processedAt must land on the same history key, so the
// second Handle replaces the first row in place rather than inserting a
// second one.
func TestHandleResendWithNewProcessedAtReplacesHistoryRow(t *testing.T) {
	ctx := context.Background()
	hs := newFakeHistoryStore()
	cs := newFakeCurrentStore()
	ig := New(hs, cs, nil, nil, Options{})

	require.NoError(t, ig.Handle(ctx, bookEnvelopeAt(t, "ils-a", "2026-01-01T00:00:00Z")))
	require.NoError(t, ig.Handle(ctx, bookEnvelopeAt(t, "ils-a", "2026-01-02T00:00:00Z")))

	for _, recs := range hs.byEntity {
		require.Len(t, recs, 1, "a resend with only processedAt changed must replace, not duplicate, the history row")
	}
}

func TestHandleMalformedJSONIsPermanent(t *testing.T) {
	ctx := context.Background()
	ig := New(newFakeHistoryStore(), newFakeCurrentStore(), nil, nil, Options{})

	msg := queue.DequeueResult{Env: queue.Envelope{Type: "book", Payload: []byte("not json")}}
	err := ig.Handle(ctx, msg)
	require.Error(t, err)

	f, ok := err.(*Failure)
	require.True(t, ok)
	require.Equal(t, errors.MalformedJSON, f.Code)
}

func TestHandleMissingSourceClassifiesAsMissingSource(t *testing.T) {
	ctx := context.Background()
	ig := New(newFakeHistoryStore(), newFakeCurrentStore(), nil, nil, Options{})

	payload, err := json.Marshal(map[string]any{"$schema": "book", "title": "Dune"})
	require.NoError(t, err)
	msg := queue.DequeueResult{Env: queue.Envelope{Type: "book", Payload: payload}}

	handleErr := ig.Handle(ctx, msg)
	require.Error(t, handleErr)
	f, ok := handleErr.(*Failure)
	require.True(t, ok)
	require.Equal(t, errors.MissingSource, f.Code)
}

func TestHandleHistoryStoreConnectionErrorClassifiesAsConnectionFailure(t *testing.T) {
	ctx := context.Background()
	hs := newFakeHistoryStore()
	hs.storeErr = store.ErrConnection
	ig := New(hs, newFakeCurrentStore(), nil, nil, Options{})

	err := ig.Handle(ctx, bookEnvelope(t, "ils-a"))
	require.Error(t, err)
	f, ok := err.(*Failure)
	require.True(t, ok)
	require.Equal(t, errors.ConnectionFailure, f.Code)
}

func TestHandleStoreConflictClassifiesAsStoreConflictAndIsRetryable(t *testing.T) {
	ctx := context.Background()
	hs := newFakeHistoryStore()
	hs.storeErr = store.ErrConflict
	ig := New(hs, newFakeCurrentStore(), nil, nil, Options{})

	err := ig.Handle(ctx, bookEnvelope(t, "ils-a"))
	require.Error(t, err)
	f, ok := err.(*Failure)
	require.True(t, ok)
	require.Equal(t, errors.StoreConflict, f.Code)

	policy := RetryPolicy{}
	decision := policy.Decide(queue.Envelope{}, err)
	require.False(t, decision.ToDLQ, "a retryable disposition must not route straight to the dead letter sink")
}

// TestLookupHistoryNeverReportsMoreThanOneMatch documents why Handle's
// step-6 repair branch (len(matches) > 1) cannot be driven through the
// real HistoryStore interface: LookupByHistoryKey's contract is "one
// record or ErrNotFound", and lookupHistory wraps whatever it returns into
// a slice of at most one element. The repair branch exists to tolerate a
// store that violates its own contract, which a conforming fake cannot do.
func TestLookupHistoryNeverReportsMoreThanOneMatch(t *testing.T) {
	ctx := context.Background()
	hs := newFakeHistoryStore()
	_, err := hs.Store(ctx, store.Record{Key: "hk-1", EntityID: "e-1", Schema: "book", Body: doc.Document{}}, "", 0)
	require.NoError(t, err)

	matches, err := lookupHistory(ctx, hs, "hk-1")
	require.NoError(t, err)
	require.Len(t, matches, 1)

	matches, err = lookupHistory(ctx, hs, "missing")
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestHandleEmptyHistoryAfterStoreReturnsEmptyHistory(t *testing.T) {
	ctx := context.Background()
	hs := newFakeHistoryStore()
	cs := newFakeCurrentStore()

	// Simulates a store whose read path lags its write path: Store
	// succeeds but the immediately-following FetchByEntity sees nothing.
	wrapped := &emptyAfterStoreHistoryStore{fakeHistoryStore: hs}
	ig := New(wrapped, cs, nil, nil, Options{})

	err := ig.Handle(ctx, bookEnvelope(t, "ils-a"))
	require.Error(t, err)
	f, ok := err.(*Failure)
	require.True(t, ok)
	require.Equal(t, errors.EmptyHistory, f.Code)
}

type emptyAfterStoreHistoryStore struct {
	*fakeHistoryStore
}

func (e *emptyAfterStoreHistoryStore) FetchByEntity(ctx context.Context, entityID, schema string) ([]store.Record, error) {
	return nil, nil
}

func TestHandleIndexNotifyFailureIsLoggedNotPropagated(t *testing.T) {
	ctx := context.Background()
	hs := newFakeHistoryStore()
	cs := newFakeCurrentStore()
	notifier := &fakeNotifier{err: errIndexDown}

	ig := New(hs, cs, notifier, nil, Options{})
	err := ig.Handle(ctx, bookEnvelope(t, "ils-a"))
	require.NoError(t, err, "step 13's failure must not fail the overall Handle call")
	require.True(t, notifier.notified)
}

func TestHandleEmitsCounterWithOutcomeLabel(t *testing.T) {
	ctx := context.Background()
	meter := &capturingMeter{}
	ig := New(newFakeHistoryStore(), newFakeCurrentStore(), nil, nil, Options{})
	ig.Meter = meter

	require.NoError(t, ig.Handle(ctx, bookEnvelope(t, "ils-a")))
	require.Len(t, meter.incs, 1)
	require.Equal(t, "ingest_handled_total", meter.incs[0].name)
	require.Equal(t, "ok", meter.incs[0].labels["outcome"])
	require.Equal(t, "book", meter.incs[0].labels["type"])

	meter.incs = nil
	badMsg := queue.DequeueResult{Env: queue.Envelope{Type: "book", Payload: []byte("not json")}}
	require.Error(t, ig.Handle(ctx, badMsg))
	require.Len(t, meter.incs, 1)
	require.Equal(t, "error", meter.incs[0].labels["outcome"])
}

type capturedInc struct {
	name   string
	delta  int64
	labels telemetry.Labels
}

type capturingMeter struct {
	incs []capturedInc
}

func (m *capturingMeter) IncCounter(ctx context.Context, name string, delta int64, labels telemetry.Labels) error {
	m.incs = append(m.incs, capturedInc{name: name, delta: delta, labels: labels})
	return nil
}

func (m *capturingMeter) SetGauge(ctx context.Context, name string, value float64, labels telemetry.Labels) error {
	return nil
}

func (m *capturingMeter) ObserveHistogram(ctx context.Context, name string, value float64, buckets []float64, labels telemetry.Labels) error {
	return nil
}

var errIndexDown = &mockIndexErr{}

type mockIndexErr struct{}

func (*mockIndexErr) Error() string { return "index backend unreachable" }
