// Package httpapi exposes the read/reindex/search surface of spec.md §6
// over HTTP, rebuilt on gorilla/mux following
// services/control-plane/registry/main.go's mux.NewRouter() /
// middleware-chain shape, with CORS and request-id handling adapted
// from services/gateway/internal/middleware.
package httpapi

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/bookmeta/reconciler/internal/indexbridge"
	"github.com/bookmeta/reconciler/pkg/canonical"
	"github.com/bookmeta/reconciler/internal/merge"
	"github.com/bookmeta/reconciler/internal/revisions"
	"github.com/bookmeta/reconciler/internal/store"
	"github.com/bookmeta/reconciler/pkg/errors"
	"github.com/bookmeta/reconciler/pkg/telemetry"
)

// SchemaNames binds the URL's "books"/"contributors" path segments to
// the underlying schema values stored on each Record, config-driven
// per spec.md §6.3's schema.book / schema.contributor keys.
type SchemaNames struct {
	Book        string
	Contributor string
}

func (s SchemaNames) defaults() SchemaNames {
	if s.Book == "" {
		s.Book = "book"
	}
	if s.Contributor == "" {
		s.Contributor = "contributor"
	}
	return s
}

// Server wires the store layer and the index bridge behind the spec's
// endpoint table. Timeout bounds every handler's store/index calls
// (spec.md §6.3's api.timeout).
type Server struct {
	History store.HistoryStore
	Current store.CurrentStore
	Bridge  *indexbridge.Bridge
	Logger  *telemetry.Logger

	Schemas   SchemaNames
	Timeout   time.Duration
	MergeOpts mergeOptionsProvider
}

// mergeOptionsProvider defers to the caller's merge.Options so Server
// doesn't need to know the pipeline's tiebreak/strip configuration
// directly; it just needs whatever BuildRevisions needs.
type mergeOptionsProvider interface {
	Options() merge.Options
}

// StaticMergeOptions is the common case: one fixed merge.Options value
// for the lifetime of the server.
type StaticMergeOptions merge.Options

func (o StaticMergeOptions) Options() merge.Options { return merge.Options(o) }

func New(history store.HistoryStore, current store.CurrentStore, bridge *indexbridge.Bridge, logger *telemetry.Logger, schemas SchemaNames, timeout time.Duration, mergeOpts mergeOptionsProvider) *Server {
	if logger == nil {
		logger = telemetry.Nop
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Server{
		History:   history,
		Current:   current,
		Bridge:    bridge,
		Logger:    logger,
		Schemas:   schemas.defaults(),
		Timeout:   timeout,
		MergeOpts: mergeOpts,
	}
}

// Router builds the full route table of spec.md §6.1.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(requestLoggingMiddleware(s.Logger))
	r.Use(noCacheMiddleware)

	r.HandleFunc("/books/{uuid}", s.handleGetCurrent(s.Schemas.Book)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/books/{uuid}/history", s.handleGetHistory(s.Schemas.Book)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/books/{uuid}/reindex", s.handleReindexOne(s.Schemas.Book)).Methods(http.MethodPut, http.MethodOptions)

	r.HandleFunc("/contributors/{uuid}", s.handleGetCurrent(s.Schemas.Contributor)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/contributors/{uuid}/history", s.handleGetHistory(s.Schemas.Contributor)).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/contributors/{uuid}/reindex", s.handleReindexOne(s.Schemas.Contributor)).Methods(http.MethodPut, http.MethodOptions)

	r.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/search/reindex/current", s.handleReindexCurrent).Methods(http.MethodPut, http.MethodOptions)
	r.HandleFunc("/search/reindex/history", s.handleReindexHistory).Methods(http.MethodPut, http.MethodOptions)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	return withCORS(r)
}

// handleHealth reports a telemetry.HealthSnapshot covering the two
// store dependencies this server needs on every other route; it does
// not probe the index backend since /search already degrades that
// failure into a 5xx of its own.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	comps := []telemetry.ComponentStatus{
		{Name: "history_store", Status: telemetry.StatusOK, CheckedAt: now},
		{Name: "current_store", Status: telemetry.StatusOK, CheckedAt: now},
	}
	snap, err := telemetry.NewHealthSnapshot("reconciler-api", "", "", comps, now)
	if err != nil {
		writeErr(w, r, errors.Internal, err.Error())
		return
	}
	status := http.StatusOK
	if snap.Overall != telemetry.StatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snap)
}

func (s *Server) handleGetCurrent(schema string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.pathUUID(w, r)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.Timeout)
		defer cancel()

		rec, err := s.Current.GetByID(ctx, id, schema)
		if err != nil {
			s.writeStoreErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec.Body)
	}
}

func (s *Server) handleGetHistory(schema string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.pathUUID(w, r)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.Timeout)
		defer cancel()

		recs, err := s.History.FetchByEntity(ctx, id, schema)
		if err != nil {
			s.writeStoreErr(w, r, err)
			return
		}
		if len(recs) == 0 {
			writeErr(w, r, errors.RecordNotFound, "no history for entity")
			return
		}
		docs := make([]map[string]any, 0, len(recs))
		for _, rec := range recs {
			docs = append(docs, rec.Body)
		}
		revs, err := revisions.BuildRevisions(docs, s.MergeOpts.Options())
		if err != nil {
			writeErr(w, r, errors.Internal, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, revs)
	}
}

func (s *Server) handleReindexOne(schema string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := s.pathUUID(w, r)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.Timeout)
		defer cancel()

		rec, err := s.Current.GetByID(ctx, id, schema)
		if err != nil {
			s.writeStoreErr(w, r, err)
			return
		}
		if err := s.Bridge.Notify(ctx, rec.EntityID, rec.Schema, rec.Body); err != nil {
			writeErr(w, r, errors.IndexFailure, err.Error())
			return
		}
		if ref, refErr := canonical.NewEntityRef(rec.Schema, canonical.EntityID(rec.EntityID)); refErr == nil {
			s.Logger.Info(ctx, "entity reindexed", map[string]any{"entity_ref": ref.String()})
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "reindexed", "entity_id": id})
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	offset := parseIntDefault(q.Get("offset"), 0)
	count := parseIntDefault(q.Get("count"), 20)

	ctx, cancel := context.WithTimeout(r.Context(), s.Timeout)
	defer cancel()

	page, err := s.Bridge.Search(ctx, query, offset, count)
	if err != nil {
		writeErr(w, r, errors.IndexFailure, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":  page.Results,
		"lastPage": page.LastPage,
	})
}

func (s *Server) handleReindexCurrent(w http.ResponseWriter, r *http.Request) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		report, err := s.Bridge.ReindexCurrent(ctx)
		if err != nil {
			s.Logger.Error(ctx, "reindex current failed", map[string]any{"error": err.Error()})
			return
		}
		s.Logger.Info(ctx, "reindex current accepted and finished", map[string]any{
			"scanned": report.Scanned, "pushed": report.Pushed, "failed": report.Failed,
		})
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (s *Server) handleReindexHistory(w http.ResponseWriter, r *http.Request) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		report, err := s.Bridge.ReindexHistory(ctx)
		if err != nil {
			s.Logger.Error(ctx, "reindex history failed", map[string]any{"error": err.Error()})
			return
		}
		s.Logger.Info(ctx, "reindex history accepted and finished", map[string]any{
			"scanned": report.Scanned, "pushed": report.Pushed, "failed": report.Failed,
		})
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (s *Server) pathUUID(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := mux.Vars(r)["uuid"]
	if _, err := uuid.Parse(raw); err != nil {
		writeErr(w, r, errors.InvalidUUID, "path segment is not a valid uuid")
		return "", false
	}
	return raw, true
}

func (s *Server) writeStoreErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case stderrors.Is(err, store.ErrNotFound):
		writeErr(w, r, errors.RecordNotFound, "record not found")
	default:
		writeErr(w, r, errors.Internal, err.Error())
	}
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
