// Command api serves the HTTP query/reindex/search surface of
// spec.md §6 over the shared store layer, following
// services/gateway/cmd/gateway/main.go's listen/serve/graceful-shutdown
// shape.
package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/bookmeta/reconciler/internal/appconfig"
	"github.com/bookmeta/reconciler/internal/httpapi"
	"github.com/bookmeta/reconciler/internal/indexbridge"
	"github.com/bookmeta/reconciler/internal/merge"
	"github.com/bookmeta/reconciler/internal/store"
	"github.com/bookmeta/reconciler/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.New(os.Stdout, "", 0)

	cfg, err := appconfig.Load(ctx, configRoot(), "api", os.Getenv("RECONCILER_ENV"), os.Getenv("RECONCILER_TENANT"))
	if err != nil {
		logger.Printf("api: config load failed, continuing with defaults: %v", err)
		cfg, _ = appconfig.Load(ctx, os.TempDir(), "api", "", "")
	}

	telem := telemetry.NewLogger(os.Stdout, telemetry.Options{Service: "api", Timestamp: true})

	history, current, closeDB, err := openStores(ctx)
	if err != nil {
		logger.Printf("api: store init failed: %v", err)
		os.Exit(1)
	}
	defer closeDB()

	indexer := indexbridge.NewHTTPIndexerFromEnv()
	bridge := indexbridge.New(indexer, history, current, telem)
	bridge.ChunkSize = cfg.GetInt("index.reindexChunk", 100)

	srv := httpapi.New(history, current, bridge, telem, httpapi.SchemaNames{
		Book:        cfg.GetString("schema.book", "book"),
		Contributor: cfg.GetString("schema.contributor", "contributor"),
	}, cfg.GetDuration("api.timeout", 10*time.Second), httpapi.StaticMergeOptions(merge.Options{}))

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8082"
	}
	httpSrv := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ln, err := net.Listen("tcp", httpSrv.Addr)
	if err != nil {
		logger.Printf("api: listen failed: %v", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("api: listening on %s", ln.Addr().String())
		errCh <- httpSrv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		logger.Printf("api: shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Printf("api: server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("api: shutdown failed: %v", err)
		_ = httpSrv.Close()
	} else {
		logger.Printf("api: shutdown complete")
	}
}

func configRoot() string {
	root := strings.TrimSpace(os.Getenv("CONFIG_DIR"))
	if root == "" {
		root = "./config"
	}
	return root
}

func openStores(ctx context.Context) (store.HistoryStore, store.CurrentStore, func(), error) {
	driver := strings.ToLower(strings.TrimSpace(os.Getenv("DB_DRIVER")))
	if driver == "" {
		driver = "sqlite3"
	}
	dsn := strings.TrimSpace(os.Getenv("DB_DSN"))
	if dsn == "" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, nil, err
	}

	switch driver {
	case "postgres":
		history, err := store.NewPostgresHistoryStore(db, store.PostgresOptions{TableName: "history"})
		if err != nil {
			return nil, nil, nil, err
		}
		current, err := store.NewPostgresCurrentStore(db, store.PostgresOptions{TableName: "current"})
		if err != nil {
			return nil, nil, nil, err
		}
		if err := history.EnsureSchema(ctx); err != nil {
			return nil, nil, nil, err
		}
		if err := current.EnsureSchema(ctx); err != nil {
			return nil, nil, nil, err
		}
		return history, current, func() { _ = db.Close() }, nil
	default:
		history, err := store.NewSQLiteHistoryStore(db, store.SQLiteOptions{TableName: "history"})
		if err != nil {
			return nil, nil, nil, err
		}
		current, err := store.NewSQLiteCurrentStore(db, store.SQLiteOptions{TableName: "current"})
		if err != nil {
			return nil, nil, nil, err
		}
		if err := history.EnsureSchema(ctx); err != nil {
			return nil, nil, nil, err
		}
		if err := current.EnsureSchema(ctx); err != nil {
			return nil, nil, nil, err
		}
		return history, current, func() { _ = db.Close() }, nil
	}
}
