// Package app wires the storage and queue backends shared by the binaries.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"referralnet/internal/config"
	"referralnet/internal/eventstore"
	"referralnet/internal/membership"
	"referralnet/internal/probe"
	"referralnet/internal/store/memstore"
	"referralnet/internal/store/postgres"
)

// Backend is the storage selected by STORE_DRIVER.
type Backend struct {
	Store   membership.Store
	Journal membership.Journal
	Probes  []probe.Probe
	Ping    func(context.Context) error
	close   func() error
}

// Close releases the database connection, if any.
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// OpenBackend opens and migrates the configured store.
func OpenBackend(ctx context.Context, cfg *config.Config) (*Backend, error) {
	switch cfg.StoreDriver {
	case "memory":
		slog.Warn("Using in-memory store, data is lost on restart")
		store := memstore.New()
		return &Backend{
			Store:   store,
			Journal: memstore.NewJournal(),
			Probes:  store.InvariantProbes(),
			Ping:    store.Ping,
		}, nil

	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		store := postgres.NewStore(db)
		return &Backend{
			Store:   store,
			Journal: membership.NewJournal(eventstore.NewEventStore(db)),
			Probes:  store.InvariantProbes(),
			Ping:    store.Ping,
			close:   db.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

// NewRedis creates the Redis client used for notifications and locks.
func NewRedis(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// ServiceConfig extracts the membership tunables from cfg.
func ServiceConfig(cfg *config.Config) membership.Config {
	return membership.Config{
		RootMemberID:      cfg.RootMemberID,
		RootPhone:         cfg.RootPhone,
		MaxChainHops:      cfg.MaxChainHops,
		BatchSize:         cfg.BatchSize,
		RequestsPerMinute: cfg.RequestsPerMinute,
	}
}
