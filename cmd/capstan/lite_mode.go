package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/capstanhq/capstan/pkg/approval"
	"github.com/capstanhq/capstan/pkg/config"
	"github.com/capstanhq/capstan/pkg/eventstream"
)

// liteKernel is the CLI's infrastructure wiring. Without REDIS_ADDR and
// DATABASE_URL it is fully self-contained: memory broker, memory approval
// store, SQLite dedup under the data dir. With REDIS_ADDR the broker and
// approval store move to Redis so approvals and events survive across
// processes; with DATABASE_URL the dedup table moves to Postgres.
type liteKernel struct {
	stream    *eventstream.Stream
	approvals approval.Store
	journal   *eventstream.Consumer
	db        *sql.DB
	redis     *redis.Client
	memory    bool
}

func setupLiteMode(ctx context.Context, cfg *config.Config) (*liteKernel, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, dedup, err := openDedupStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	k := &liteKernel{db: db, memory: cfg.RedisAddr == ""}

	var broker eventstream.Broker
	if k.memory {
		broker = eventstream.NewMemoryBroker()
		k.approvals = approval.NewMemoryStore()
	} else {
		k.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := k.redis.Ping(ctx).Err(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		broker = eventstream.NewRedisBroker(k.redis)
		k.approvals = approval.NewRedisStore(k.redis)
	}

	k.stream = eventstream.NewStream(broker, "capstan.cli")

	// Journal consumer: one durable subscriber that logs every governance
	// and execution event it has not seen before.
	logger := slog.Default().With("component", "journal")
	k.journal = eventstream.NewConsumer("capstan-journal", broker, dedup,
		func(ctx context.Context, evt *eventstream.Event) error {
			logger.InfoContext(ctx, "event",
				"type", evt.Type, "tenant", evt.TenantID, "source", evt.Source)
			return nil
		})
	k.journal.Subscribe(eventstream.ChannelEthics, eventstream.ChannelTask, eventstream.ChannelSystem)
	if err := k.journal.Start(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("start journal consumer: %w", err)
	}

	return k, nil
}

// openDedupStore picks the processed-events store: Postgres when
// DATABASE_URL is set, otherwise SQLite at <data dir>/capstan.db.
func openDedupStore(ctx context.Context, cfg *config.Config) (*sql.DB, eventstream.DedupStore, error) {
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("postgres ping: %w", err)
		}
		dedup := eventstream.NewPostgresDedupStore(db)
		if err := dedup.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("init postgres dedup store: %w", err)
		}
		return db, dedup, nil
	}

	dbPath := filepath.Join(cfg.DataDir, "capstan.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite at %s: %w", dbPath, err)
	}
	dedup, err := eventstream.NewSQLiteDedupStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("init sqlite dedup store: %w", err)
	}
	return db, dedup, nil
}

// Close drains the journal and releases the backing stores.
func (k *liteKernel) Close() {
	if k.journal != nil {
		k.journal.Stop()
	}
	if k.redis != nil {
		_ = k.redis.Close()
	}
	if k.db != nil {
		_ = k.db.Close()
	}
}
