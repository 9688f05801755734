// Command ingestor runs the Ingestor pipeline (spec.md §4.6) as a
// standalone worker: it pumps an in-memory bus through two content-typed
// queue.Runners, one per schema, writing history and current documents to
// the database DB_DRIVER selects (sqlite3 by default, or postgres), following
// services/gateway/cmd/gateway/main.go's loadConfig-then-serve shape
// (here "serve" means "run until signalled", not listen on a socket).
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/bookmeta/reconciler/internal/appconfig"
	"github.com/bookmeta/reconciler/internal/bus"
	"github.com/bookmeta/reconciler/internal/indexbridge"
	"github.com/bookmeta/reconciler/internal/ingest"
	"github.com/bookmeta/reconciler/internal/keys"
	"github.com/bookmeta/reconciler/internal/store"
	"github.com/bookmeta/reconciler/pkg/queue"
	"github.com/bookmeta/reconciler/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.New(os.Stdout, "", 0)

	cfg, err := appconfig.Load(ctx, configRoot(), "ingestor", os.Getenv("RECONCILER_ENV"), os.Getenv("RECONCILER_TENANT"))
	if err != nil {
		logger.Printf("ingestor: config load failed, continuing with defaults: %v", err)
		cfg, _ = appconfig.Load(ctx, os.TempDir(), "ingestor", "", "")
	}

	telem := telemetry.NewLogger(os.Stdout, telemetry.Options{Service: "ingestor", Timestamp: true})

	history, current, closeDB, err := openStores(ctx, cfg)
	if err != nil {
		logger.Printf("ingestor: store init failed: %v", err)
		os.Exit(1)
	}
	defer closeDB()

	indexer := indexbridge.NewHTTPIndexerFromEnv()
	bridge := indexbridge.New(indexer, history, current, telem)
	bridge.ChunkSize = cfg.GetInt("index.reindexChunk", 100)

	ig := ingest.New(history, current, bridge, telem, ingest.Options{
		Keys: keys.Options{StripFields: cfg.GetStringSlice("keys.stripFields", keys.DefaultOptions().StripFields)},
	})

	mq := bus.NewMemQueue()
	const queueName queue.QueueName = "ingest"

	router := bus.NewRouter(mq, queueName, []bus.Binding{
		{Name: "book", Match: cfg.GetString("schema.book", "book")},
		{Name: "contributor", Match: cfg.GetString("schema.contributor", "contributor")},
	}, cfg.GetInt("listener.input.prefetch", 32), logger)

	retry := ingest.RetryPolicy{Fallback: queue.DefaultRetryPolicy{
		BaseDelay: cfg.GetDuration("bus.initialRetryInterval", 250*time.Millisecond),
		MaxDelay:  cfg.GetDuration("bus.maxRetryInterval", 30*time.Second),
	}}

	bookRunner, err := queue.NewRunner(router.Consumer("book"), ig.Handle, queue.RunnerOptions{
		Queue:       queueName,
		Concurrency: cfg.GetInt("listener.concurrency", 4),
		Logger:      logger,
		Retry:       retry,
	})
	if err != nil {
		logger.Printf("ingestor: book runner init failed: %v", err)
		os.Exit(1)
	}
	contributorRunner, err := queue.NewRunner(router.Consumer("contributor"), ig.Handle, queue.RunnerOptions{
		Queue:       queueName,
		Concurrency: cfg.GetInt("listener.concurrency", 4),
		Logger:      logger,
		Retry:       retry,
	})
	if err != nil {
		logger.Printf("ingestor: contributor runner init failed: %v", err)
		os.Exit(1)
	}

	errCh := make(chan error, 3)
	go func() { errCh <- router.Pump(ctx, 2*time.Second, 30*time.Second) }()
	go func() { errCh <- bookRunner.Run(ctx) }()
	go func() { errCh <- contributorRunner.Run(ctx) }()

	logger.Printf("ingestor: running")
	select {
	case <-ctx.Done():
		logger.Printf("ingestor: shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Printf("ingestor: worker exited: %v", err)
		}
	}
	router.Close()
}

func configRoot() string {
	root := strings.TrimSpace(os.Getenv("CONFIG_DIR"))
	if root == "" {
		root = "./config"
	}
	return root
}

func openStores(ctx context.Context, cfg *appconfig.Config) (store.HistoryStore, store.CurrentStore, func(), error) {
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
