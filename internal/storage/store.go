package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"coinrate-alerts/internal/config"
	"coinrate-alerts/internal/model"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
)

// StateStore persists per-instrument alert state and the deferred queue.
// A missing state is returned as the default normal state.
type StateStore interface {
	GetInstrumentState(ctx context.Context, key string) (model.InstrumentState, error)
	UpdateInstrumentState(ctx context.Context, state model.InstrumentState) error
	ListInstrumentStates(ctx context.Context) ([]model.InstrumentState, error)
	SaveDeferred(ctx context.Context, n model.DeferredNotification) error
	ListDeferred(ctx context.Context) ([]model.DeferredNotification, error)
	DeleteDeferred(ctx context.Context, key string) error
}

// HistoryStore keeps rate observations and sent notifications.
type HistoryStore interface {
	RecordObservation(ctx context.Context, obs Observation) error
	ListObservations(ctx context.Context, key string, from, to time.Time) ([]Observation, error)
	DeleteObservationsBefore(ctx context.Context, olderThan time.Time) (int64, error)
	RecordNotification(ctx context.Context, rec NotificationRecord) error
	ListRecentNotifications(ctx context.Context, limit int) ([]NotificationRecord, error)
	TrimNotifications(ctx context.Context, keep int) (int64, error)
}

// AdvisoryLocker exposes cross-process lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store is a complete backend.
type Store interface {
	StateStore
	HistoryStore
	EnsureSchema(ctx context.Context) error
	Close() error
}

// Open selects the backend named by cfg.Driver and prepares its schema.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	var (
		store Store
		err   error
	)
	if cfg.UsesPostgres() {
		var pool *pgxpool.Pool
		pool, err = NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store = NewPGStore(pool)
	} else {
		store, err = NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
	}

	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}
