// Package ingest implements the Ingestor (spec.md §4.6): the orchestration
// that receives one message, runs it through annotate/keys/store/merge in
// order, and maintains the history and current stores' invariants.
//
// The Handler shape and per-step context.WithTimeout wrapping follow
// pkg/queue/consumer.go's Runner exactly: Handle is passed to
// queue.NewRunner as the Handler, and the pipeline's permanent/temporary
// distinction is surfaced through a RetryPolicy (below) that inspects the
// returned error instead of only counting attempts, so a permanent
// failure dead-letters on its first delivery the way spec.md §7 requires.
package ingest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bookmeta/reconciler/internal/annotate"
	"github.com/bookmeta/reconciler/internal/doc"
	"github.com/bookmeta/reconciler/internal/keys"
	"github.com/bookmeta/reconciler/internal/merge"
	"github.com/bookmeta/reconciler/internal/store"
	"github.com/bookmeta/reconciler/pkg/errors"
	"github.com/bookmeta/reconciler/pkg/queue"
	"github.com/bookmeta/reconciler/pkg/telemetry"
)

// IndexNotifier is the step-13 fire-and-forget collaborator. It is
// satisfied by internal/indexbridge.Bridge; kept as a small local
// interface here so ingest does not import indexbridge (which itself may
// depend on store for reindex sweeps).
type IndexNotifier interface {
	Notify(ctx context.Context, entityID, schema string, current doc.Document) error
}

// noopNotifier is used when no Index bridge is wired (e.g. unit tests
// exercising only stores).
type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, string, string, doc.Document) error { return nil }

// Failure wraps a pipeline error with the pkg/errors.Code that classifies
// its disposition (spec.md §7's table), so the RetryPolicy below and the
// dead-letter reason string never have to re-derive it from error text.
type Failure struct {
	Code errors.Code
	Err  error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Code)
	}
	return fmt.Sprintf("%s: %v", f.Code, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func fail(code errors.Code, err error) error { return &Failure{Code: code, Err: err} }

// Options tunes the pipeline's per-step timeouts and the pure-transform
// options threaded down to annotate/keys/merge.
type Options struct {
	HistoryTimeout time.Duration
	CurrentTimeout time.Duration
	IndexTimeout   time.Duration

	Annotate annotate.Options
	Keys     keys.Options
	Merge    merge.Options
}

func (o Options) withDefaults() Options {
	if o.HistoryTimeout <= 0 {
		o.HistoryTimeout = 5 * time.Second
	}
	if o.CurrentTimeout <= 0 {
		o.CurrentTimeout = 5 * time.Second
	}
	if o.IndexTimeout <= 0 {
		o.IndexTimeout = 5 * time.Second
	}
	if o.Keys.StripFields == nil {
		o.Keys = keys.DefaultOptions()
	}
	return o
}

// Ingestor runs spec.md §4.6's 13-step pipeline for one schema family
// (book or contributor share the same pipeline; only the schema string
// and, for contributors, the identity-derivation step below differ).
type Ingestor struct {
	History  store.HistoryStore
	Current  store.CurrentStore
	Notifier IndexNotifier
	Logger   *telemetry.Logger
	Meter    telemetry.Meter
	Opts     Options
}

// New builds an Ingestor, defaulting Notifier to a no-op, Logger to
// telemetry.Nop, and Meter to telemetry.NopMeterInstance when unset,
// matching the teacher's "safe zero value" convention for its own
// service constructors.
func New(history store.HistoryStore, current store.CurrentStore, notifier IndexNotifier, logger *telemetry.Logger, opts Options) *Ingestor {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if logger == nil {
		logger = telemetry.Nop
	}
	return &Ingestor{History: history, Current: current, Notifier: notifier, Logger: logger, Meter: telemetry.NopMeterInstance, Opts: opts.withDefaults()}
}

// Handle is the queue.Handler entry point: parse, annotate, extract keys,
// normalize+store history, fold the entity's history under the Merger,
// normalize+store current, and fire the index notification. Steps 1-12
// must all succeed; step 13's failure is logged, not propagated.
func (ig *Ingestor) Handle(ctx context.Context, msg queue.DequeueResult) (handleErr error) {
	defer func() {
		outcome := "ok"
		if handleErr != nil {
			outcome = "error"
		}
		_ = telemetry.IncCounter(ig.Meter, ctx, "ingest_handled_total", 1, telemetry.Labels{
			"type":    string(msg.Env.Type),
			"outcome": outcome,
		})
	}()

	// Step 1: parse.
	raw, err := doc.Decode(msg.Env.Payload)
	if err != nil {
		return fail(errors.MalformedJSON, err)
	}

	// Supplemental feature (spec.md §8 scenario 5): contributor documents
	// carry a display name the upstream systems never assign a stable id
	// to; derive one deterministically before annotation so it becomes
	// just another leaf under provenance like everything else.
	deriveContributorIdentity(raw)

	// Step 2: annotate.
	annotated, err := annotate.Annotate(raw, ig.Opts.Annotate)
	if err != nil {
		return classifyAnnotateErr(err)
	}

	// Step 3: extract keys.
	ks, err := keys.Extract(annotated, ig.Opts.Keys)
	if err != nil {
		return classifyKeysErr(err)
	}

	hctx, hcancel := context.WithTimeout(ctx, ig.Opts.HistoryTimeout)
	defer hcancel()

	// Resolve this message's entity id: reuse the current-store row's own
	// opaque id if the entity already exists, else mint a fresh one. The
	// current row's id doubles as the externally-visible entity id the
	// HTTP surface's {uuid} path segments name (spec.md §6.1); history
	// rows carry it as a foreign key for fetchByEntity.
	entityID, err := ig.resolveEntityID(hctx, ks.CurrentKey)
	if err != nil {
		return classifyStoreErr(err)
	}

	// Step 4: lookup by history key.
	matches, err := lookupHistory(hctx, ig.History, ks.HistoryKey)
	if err != nil {
		return classifyStoreErr(err)
	}

	rec := store.Record{Key: ks.HistoryKey, EntityID: entityID, Schema: ks.Schema, Body: annotated}
	var replaceID string
	var replaceVersion int64
	if len(matches) > 0 {
		// Step 5: normalize for replace.
		replaceID, replaceVersion = matches[0].ID, matches[0].Version
	}
	if len(matches) > 1 {
		// Step 6: repair I2 — delete every extra, keep matches[0]'s slot
		// for the replacement write below.
		extra := make([]string, 0, len(matches)-1)
		for _, m := range matches[1:] {
			extra = append(extra, m.ID)
		}
		if err := ig.History.DeleteMany(hctx, extra); err != nil {
			return classifyStoreErr(err)
		}
	}

	// Step 7: store the annotated doc in HistoryStore.
	if _, err := ig.History.Store(hctx, rec, replaceID, replaceVersion); err != nil {
		return classifyStoreErr(err)
	}

	// Step 8: fetch every per-source doc for this entity.
	history, err := ig.History.FetchByEntity(hctx, entityID, ks.Schema)
	if err != nil {
		return classifyStoreErr(err)
	}
	if len(history) == 0 {
		return fail(errors.EmptyHistory, nil)
	}

	// Step 9: merge (reduce) under the Merger.
	bodies := make([]doc.Document, len(history))
	for i, h := range history {
		bodies[i] = h.Body
	}
	merged, err := merge.Reduce(bodies, ig.Opts.Merge)
	if err != nil {
		return classifyMergeErr(err)
	}

	cctx, ccancel := context.WithTimeout(ctx, ig.Opts.CurrentTimeout)
	defer ccancel()

	// Step 10: lookup by current key.
	curMatches, err := lookupCurrent(cctx, ig.Current, ks.CurrentKey)
	if err != nil {
		return classifyStoreErr(err)
	}

	// Step 11: normalize for replace, analogous to step 5. CurrentStore
	// carries no DeleteMany (spec §4.5 gives it no repair primitive of its
	// own); a current key can only collide with at most one row because
	// it is the store's unique index, so there is nothing to repair here
	// beyond pointing the replace at the existing row's id/version.
	curRec := store.Record{ID: entityID, Key: ks.CurrentKey, EntityID: entityID, Schema: ks.Schema, Body: merged}
	var curReplaceID string
	var curReplaceVersion int64
	if len(curMatches) > 0 {
		curReplaceID, curReplaceVersion = curMatches[0].ID, curMatches[0].Version
	}

	// Step 12: store the merged doc in CurrentStore.
	if _, err := ig.Current.Store(cctx, curRec, curReplaceID, curReplaceVersion); err != nil {
		return classifyStoreErr(err)
	}

	// Step 13: notify the Index bridge. Fire-and-forget at the pipeline
	// boundary: failures are logged, never fatal to ingest.
	ictx, icancel := context.WithTimeout(ctx, ig.Opts.IndexTimeout)
	defer icancel()
	if err := ig.Notifier.Notify(ictx, entityID, ks.Schema, merged); err != nil {
		ig.Logger.Warn(ctx, "index notify failed", map[string]any{
			"entity_id": entityID,
			"schema":    ks.Schema,
			"error":     err.Error(),
		})
	}

	return nil
}

// resolveEntityID reuses the entity id already on file for currentKey, or
// mints a fresh one via google/uuid for a brand-new entity.
func (ig *Ingestor) resolveEntityID(ctx context.Context, currentKey string) (string, error) {
	rec, err := ig.Current.LookupByCurrentKey(ctx, currentKey)
	if err == nil {
		return rec.EntityID, nil
	}
	if err != store.ErrNotFound {
		return "", err
	}
	return uuid.NewString(), nil
}

// lookupHistory wraps HistoryStore's single-record LookupByHistoryKey in
// the list shape Handle consumes. LookupByHistoryKey returns at most one
// record, so the list holds zero or one entries: duplicate rows under one
// history key are never reported, and Handle's step-6 branch for extra
// matches does not run.
func lookupHistory(ctx context.Context, h store.HistoryStore, key string) ([]store.Record, error) {
	rec, err := h.LookupByHistoryKey(ctx, key)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []store.Record{rec}, nil
}

func lookupCurrent(ctx context.Context, c store.CurrentStore, key string) ([]store.Record, error) {
	rec, err := c.LookupByCurrentKey(ctx, key)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []store.Record{rec}, nil
}

// deriveContributorIdentity implements spec.md §8 scenario 5: a
// contributor document whose first contributor entry has a display name
// but no stable id gets one derived as sha1(display), attached at
// ids.bbb so downstream annotation and merge treat it as an ordinary
// provenance-carrying leaf. Non-contributor documents (no such shape) are
// left untouched.
func deriveContributorIdentity(raw doc.Document) {
	contributors, ok := raw["contributors"].([]any)
	if !ok || len(contributors) == 0 {
		return
	}
	first, ok := contributors[0].(map[string]any)
	if !ok {
		return
	}
	names, ok := first["names"].(map[string]any)
	if !ok {
		return
	}
	display, ok := names["display"].(string)
	if !ok || display == "" {
		return
	}
	ids, ok := raw["ids"].(map[string]any)
	if !ok {
		ids = map[string]any{}
	}
	if _, exists := ids["bbb"]; exists {
		return
	}
	sum := sha1.Sum([]byte(display))
	ids["bbb"] = hex.EncodeToString(sum[:])
	raw["ids"] = ids
}

func classifyAnnotateErr(err error) error {
	switch {
	case stderrors.Is(err, annotate.ErrMissingSource):
		return fail(errors.MissingSource, err)
	case stderrors.Is(err, annotate.ErrBadClassification):
		return fail(errors.BadClassification, err)
	default:
		return fail(errors.Internal, err)
	}
}

func classifyKeysErr(err error) error {
	switch {
	case stderrors.Is(err, keys.ErrMissingSchema):
		return fail(errors.MissingSchema, err)
	case stderrors.Is(err, keys.ErrMissingClassification):
		return fail(errors.MissingClassification, err)
	case stderrors.Is(err, keys.ErrMissingSourceFields):
		return fail(errors.MissingSourceFields, err)
	default:
		return fail(errors.Internal, err)
	}
}

func classifyMergeErr(err error) error {
	switch {
	case stderrors.Is(err, merge.ErrEmptyMerge):
		return fail(errors.EmptyMerge, err)
	case stderrors.Is(err, merge.ErrIncoherent):
		return fail(errors.Incoherent, err)
	default:
		return fail(errors.Internal, err)
	}
}

func classifyStoreErr(err error) error {
	switch {
	case stderrors.Is(err, store.ErrConflict):
		return fail(errors.StoreConflict, err)
	case stderrors.Is(err, store.ErrConnection):
		return fail(errors.ConnectionFailure, err)
	case stderrors.Is(err, store.ErrNotFound):
		return fail(errors.RecordNotFound, err)
	default:
		return fail(errors.ConnectionFailure, err)
	}
}
