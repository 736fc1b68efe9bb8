package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"coinrate-alerts/internal/model"
)

const (
	pgSchemaSQL = `
CREATE TABLE IF NOT EXISTS instrument_states (
    key                  TEXT PRIMARY KEY,
    status               TEXT NOT NULL,
    last_rate            NUMERIC,
    last_notification    TIMESTAMPTZ,
    next_notification    TIMESTAMPTZ,
    pending_notification BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS deferred_notifications (
    key            TEXT PRIMARY KEY,
    type           TEXT NOT NULL,
    payload        JSONB NOT NULL,
    scheduled_time TIMESTAMPTZ NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS rate_observations (
    id          BIGSERIAL PRIMARY KEY,
    key         TEXT NOT NULL,
    symbol      TEXT NOT NULL,
    exchange    TEXT NOT NULL,
    timeframe   TEXT NOT NULL,
    rate        NUMERIC NOT NULL,
    observed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS rate_observations_key_time ON rate_observations (key, observed_at);
CREATE TABLE IF NOT EXISTS notification_history (
    id        BIGSERIAL PRIMARY KEY,
    key       TEXT NOT NULL,
    symbol    TEXT NOT NULL,
    type      TEXT NOT NULL,
    recipient TEXT NOT NULL,
    rate      NUMERIC NOT NULL,
    threshold NUMERIC NOT NULL,
    sent_at   TIMESTAMPTZ NOT NULL
);`

	pgGetStateSQL = `SELECT
        key,
        status,
        last_rate::text,
        last_notification,
        next_notification,
        pending_notification,
        updated_at
    FROM instrument_states
    WHERE key = $1;`

	pgListStatesSQL = `SELECT
        key,
        status,
        last_rate::text,
        last_notification,
        next_notification,
        pending_notification,
        updated_at
    FROM instrument_states
    ORDER BY key;`

	pgUpsertStateSQL = `INSERT INTO instrument_states (
        key,
        status,
        last_rate,
        last_notification,
        next_notification,
        pending_notification,
        updated_at
    ) VALUES (
        $1,$2,$3::numeric,$4,$5,$6,$7
    )
    ON CONFLICT (key) DO UPDATE
    SET
        status               = EXCLUDED.status,
        last_rate            = EXCLUDED.last_rate,
        last_notification    = EXCLUDED.last_notification,
        next_notification    = EXCLUDED.next_notification,
        pending_notification = EXCLUDED.pending_notification,
        updated_at           = EXCLUDED.updated_at;`

	pgSaveDeferredSQL = `INSERT INTO deferred_notifications (
        key,
        type,
        payload,
        scheduled_time,
        created_at
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (key) DO UPDATE
    SET
        type           = EXCLUDED.type,
        payload        = EXCLUDED.payload,
        scheduled_time = EXCLUDED.scheduled_time,
        created_at     = EXCLUDED.created_at;`

	pgListDeferredSQL = `SELECT key, type, payload, scheduled_time, created_at
    FROM deferred_notifications
    ORDER BY scheduled_time, key;`

	pgDeleteDeferredSQL = `DELETE FROM deferred_notifications WHERE key = $1;`

	pgInsertObservationSQL = `INSERT INTO rate_observations (
        key, symbol, exchange, timeframe, rate, observed_at
    ) VALUES ($1,$2,$3,$4,$5::numeric,$6);`

	pgListObservationsSQL = `SELECT key, symbol, exchange, timeframe, rate::text, observed_at
    FROM rate_observations
    WHERE key = $1
      AND observed_at >= $2
      AND observed_at < $3
    ORDER BY observed_at;`

	pgDeleteObservationsBeforeSQL = `DELETE FROM rate_observations WHERE observed_at < $1;`

	pgInsertNotificationSQL = `INSERT INTO notification_history (
        key, symbol, type, recipient, rate, threshold, sent_at
    ) VALUES ($1,$2,$3,$4,$5::numeric,$6::numeric,$7);`

	pgListNotificationsSQL = `SELECT id, key, symbol, type, recipient, rate::text, threshold::text, sent_at
    FROM notification_history
    ORDER BY sent_at DESC, id DESC
    LIMIT $1;`

	pgTrimNotificationsSQL = `DELETE FROM notification_history
    WHERE id NOT IN (
        SELECT id FROM notification_history ORDER BY sent_at DESC, id DESC LIMIT $1
    );`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// DB is the query surface shared by *pgxpool.Pool and pgxmock pools.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
	db   DB
}

// NewPGStore wires a pgx pool into a PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	s := &PGStore{pool: pool}
	if pool != nil {
		s.db = pool
	}
	return s
}

// NewPGStoreWithDB builds a store over any DB. Advisory locks need a real
// pool and report ErrNotConfigured here.
func NewPGStoreWithDB(db DB) *PGStore {
	return &PGStore{db: db}
}

// Close releases the underlying pool resources.
func (s *PGStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *PGStore) getDB() (DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

// EnsureSchema creates missing tables.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if _, err := db.Exec(ctx, pgSchemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock on a dedicated
// connection and returns a release func.
func (s *PGStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if s == nil || s.pool == nil {
		return nil, false, ErrNotConfigured
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// the session lock also ends when the connection is closed
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// GetInstrumentState loads the state for key, defaulting to normal.
func (s *PGStore) GetInstrumentState(ctx context.Context, key string) (model.InstrumentState, error) {
	db, err := s.getDB()
	if err != nil {
		return model.InstrumentState{}, err
	}

	state, err := scanPGState(db.QueryRow(ctx, pgGetStateSQL, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.NewInstrumentState(key), nil
	}
	if err != nil {
		return model.InstrumentState{}, fmt.Errorf("get instrument state %s: %w", key, err)
	}
	return state, nil
}

// ListInstrumentStates returns every persisted state.
func (s *PGStore) ListInstrumentStates(ctx context.Context) ([]model.InstrumentState, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(ctx, pgListStatesSQL)
	if err != nil {
		return nil, fmt.Errorf("list instrument states: %w", err)
	}
	defer rows.Close()

	states := make([]model.InstrumentState, 0)
	for rows.Next() {
		state, scanErr := scanPGState(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan instrument state: %w", scanErr)
		}
		states = append(states, state)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return states, nil
}

// UpdateInstrumentState writes the full state record for state.Key.
func (s *PGStore) UpdateInstrumentState(ctx context.Context, state model.InstrumentState) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	updated := state.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	_, execErr := db.Exec(ctx, pgUpsertStateSQL,
		state.Key,
		string(state.Status),
		nullableRate(state.LastRate),
		utcPtr(state.LastNotification),
		utcPtr(state.NextNotification),
		state.PendingNotification,
		updated.UTC(),
	)
	if execErr != nil {
		return fmt.Errorf("update instrument state %s: %w", state.Key, execErr)
	}
	return nil
}

// SaveDeferred stores n, replacing any pending entry for the same key.
func (s *PGStore) SaveDeferred(ctx context.Context, n model.DeferredNotification) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("marshal deferred payload: %w", err)
	}
	created := n.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	if _, execErr := db.Exec(ctx, pgSaveDeferredSQL, n.Key, string(n.Type), payload, n.ScheduledTime.UTC(), created.UTC()); execErr != nil {
		return fmt.Errorf("save deferred %s: %w", n.Key, execErr)
	}
	return nil
}

// ListDeferred returns the queue ordered by scheduled time.
func (s *PGStore) ListDeferred(ctx context.Context) ([]model.DeferredNotification, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(ctx, pgListDeferredSQL)
	if err != nil {
		return nil, fmt.Errorf("list deferred: %w", err)
	}
	defer rows.Close()

	queue := make([]model.DeferredNotification, 0)
	for rows.Next() {
		var (
			n       model.DeferredNotification
			kind    string
			payload []byte
		)
		if err := rows.Scan(&n.Key, &kind, &payload, &n.ScheduledTime, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan deferred: %w", err)
		}
		n.Type = model.NotificationType(kind)
		if err := json.Unmarshal(payload, &n.Payload); err != nil {
			return nil, fmt.Errorf("decode deferred payload %s: %w", n.Key, err)
		}
		queue = append(queue, n)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return queue, nil
}

// DeleteDeferred removes the pending entry for key.
func (s *PGStore) DeleteDeferred(ctx context.Context, key string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	if _, execErr := db.Exec(ctx, pgDeleteDeferredSQL, key); execErr != nil {
		return fmt.Errorf("delete deferred %s: %w", key, execErr)
	}
	return nil
}

// RecordObservation appends a scraped rate.
func (s *PGStore) RecordObservation(ctx context.Context, obs Observation) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, execErr := db.Exec(ctx, pgInsertObservationSQL,
		obs.Key,
		obs.Symbol,
		obs.Exchange,
		string(obs.Timeframe),
		obs.Rate.String(),
		obs.ObservedAt.UTC(),
	)
	if execErr != nil {
		return fmt.Errorf("record observation: %w", execErr)
	}
	return nil
}

// ListObservations lists observations for key in [from, to).
func (s *PGStore) ListObservations(ctx context.Context, key string, from, to time.Time) ([]Observation, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(ctx, pgListObservationsSQL, key, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	defer rows.Close()

	out := make([]Observation, 0)
	for rows.Next() {
		var (
			obs     Observation
			tf      string
			rateStr string
		)
		if err := rows.Scan(&obs.Key, &obs.Symbol, &obs.Exchange, &tf, &rateStr, &obs.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		obs.Timeframe = model.Timeframe(tf)
		if obs.Rate, err = decimal.NewFromString(rateStr); err != nil {
			return nil, fmt.Errorf("parse observation rate: %w", err)
		}
		out = append(out, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// DeleteObservationsBefore prunes old observations.
func (s *PGStore) DeleteObservationsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	tag, execErr := db.Exec(ctx, pgDeleteObservationsBeforeSQL, olderThan.UTC())
	if execErr != nil {
		return 0, fmt.Errorf("delete observations before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// RecordNotification appends a sent notification.
func (s *PGStore) RecordNotification(ctx context.Context, rec NotificationRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, execErr := db.Exec(ctx, pgInsertNotificationSQL,
		rec.Key,
		rec.Symbol,
		string(rec.Type),
		rec.Recipient,
		rec.Rate.String(),
		rec.Threshold.String(),
		rec.SentAt.UTC(),
	)
	if execErr != nil {
		return fmt.Errorf("record notification: %w", execErr)
	}
	return nil
}

// ListRecentNotifications returns the newest notifications first.
func (s *PGStore) ListRecentNotifications(ctx context.Context, limit int) ([]NotificationRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(ctx, pgListNotificationsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	out := make([]NotificationRecord, 0, limit)
	for rows.Next() {
		var (
			rec          NotificationRecord
			kind         string
			rateStr      string
			thresholdStr string
		)
		if err := rows.Scan(&rec.ID, &rec.Key, &rec.Symbol, &kind, &rec.Recipient, &rateStr, &thresholdStr, &rec.SentAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		rec.Type = model.NotificationType(kind)
		if rec.Rate, err = decimal.NewFromString(rateStr); err != nil {
			return nil, fmt.Errorf("parse notification rate: %w", err)
		}
		if rec.Threshold, err = decimal.NewFromString(thresholdStr); err != nil {
			return nil, fmt.Errorf("parse notification threshold: %w", err)
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// TrimNotifications keeps only the newest keep records.
func (s *PGStore) TrimNotifications(ctx context.Context, keep int) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	tag, execErr := db.Exec(ctx, pgTrimNotificationsSQL, keep)
	if execErr != nil {
		return 0, fmt.Errorf("trim notifications: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func scanPGState(row pgx.Row) (model.InstrumentState, error) {
	var (
		state   model.InstrumentState
		status  string
		rateStr *string
	)
	if err := row.Scan(
		&state.Key,
		&status,
		&rateStr,
		&state.LastNotification,
		&state.NextNotification,
		&state.PendingNotification,
		&state.UpdatedAt,
	); err != nil {
		return model.InstrumentState{}, err
	}
	state.Status = model.Status(status)

	if rateStr != nil {
		rate, err := decimal.NewFromString(*rateStr)
		if err != nil {
			return model.InstrumentState{}, fmt.Errorf("parse last rate: %w", err)
		}
		state.LastRate = decimal.NewNullDecimal(rate)
	}
	return state, nil
}

func nullableRate(rate decimal.NullDecimal) any {
	if !rate.Valid {
		return nil
	}
	return rate.Decimal.String()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

var (
	_ Store          = (*PGStore)(nil)
	_ AdvisoryLocker = (*PGStore)(nil)
)
