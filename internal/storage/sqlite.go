package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"coinrate-alerts/internal/model"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS instrument_states (
		key                  TEXT PRIMARY KEY,
		status               TEXT NOT NULL,
		last_rate            TEXT,
		last_notification    INTEGER,
		next_notification    INTEGER,
		pending_notification INTEGER NOT NULL DEFAULT 0,
		updated_at           INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS deferred_notifications (
		key            TEXT PRIMARY KEY,
		type           TEXT NOT NULL,
		payload        TEXT NOT NULL,
		scheduled_time INTEGER NOT NULL,
		created_at     INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rate_observations (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		key         TEXT NOT NULL,
		symbol      TEXT NOT NULL,
		exchange    TEXT NOT NULL,
		timeframe   TEXT NOT NULL,
		rate        TEXT NOT NULL,
		observed_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_observations_key_time ON rate_observations(key, observed_at)`,
	`CREATE TABLE IF NOT EXISTS notification_history (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		key       TEXT NOT NULL,
		symbol    TEXT NOT NULL,
		type      TEXT NOT NULL,
		recipient TEXT NOT NULL,
		rate      TEXT NOT NULL,
		threshold TEXT NOT NULL,
		sent_at   INTEGER NOT NULL
	)`,
}

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path. ":memory:" is
// accepted for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; also keeps :memory: on one connection
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// EnsureSchema creates missing tables.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// GetInstrumentState loads the state for key, defaulting to normal.
func (s *SQLiteStore) GetInstrumentState(ctx context.Context, key string) (model.InstrumentState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT key, status, last_rate, last_notification, next_notification, pending_notification, updated_at
		FROM instrument_states WHERE key = ?`, key)
	state, err := scanSQLiteState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewInstrumentState(key), nil
	}
	if err != nil {
		return model.InstrumentState{}, fmt.Errorf("get instrument state %s: %w", key, err)
	}
	return state, nil
}

// ListInstrumentStates returns every persisted state.
func (s *SQLiteStore) ListInstrumentStates(ctx context.Context) ([]model.InstrumentState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, status, last_rate, last_notification, next_notification, pending_notification, updated_at
		FROM instrument_states ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list instrument states: %w", err)
	}
	defer rows.Close()

	var states []model.InstrumentState
	for rows.Next() {
		state, err := scanSQLiteState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instrument state: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// UpdateInstrumentState writes the full state record for state.Key.
func (s *SQLiteStore) UpdateInstrumentState(ctx context.Context, state model.InstrumentState) error {
	updated := state.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	var rate any
	if state.LastRate.Valid {
		rate = state.LastRate.Decimal.String()
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO instrument_states
		(key, status, last_rate, last_notification, next_notification, pending_notification, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		state.Key,
		string(state.Status),
		rate,
		unixOrNil(state.LastNotification),
		unixOrNil(state.NextNotification),
		boolToInt(state.PendingNotification),
		updated.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("update instrument state %s: %w", state.Key, err)
	}
	return nil
}

// SaveDeferred stores n, replacing any pending entry for the same key.
func (s *SQLiteStore) SaveDeferred(ctx context.Context, n model.DeferredNotification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return fmt.Errorf("marshal deferred payload: %w", err)
	}
	created := n.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO deferred_notifications
		(key, type, payload, scheduled_time, created_at) VALUES (?, ?, ?, ?, ?)`,
		n.Key, string(n.Type), string(payload), n.ScheduledTime.UnixNano(), created.UnixNano())
	if err != nil {
		return fmt.Errorf("save deferred %s: %w", n.Key, err)
	}
	return nil
}

// ListDeferred returns the queue ordered by scheduled time.
func (s *SQLiteStore) ListDeferred(ctx context.Context) ([]model.DeferredNotification, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, type, payload, scheduled_time, created_at
		FROM deferred_notifications ORDER BY scheduled_time, key`)
	if err != nil {
		return nil, fmt.Errorf("list deferred: %w", err)
	}
	defer rows.Close()

	var queue []model.DeferredNotification
	for rows.Next() {
		var (
			n                  model.DeferredNotification
			kind, payload      string
			scheduled, created int64
		)
		if err := rows.Scan(&n.Key, &kind, &payload, &scheduled, &created); err != nil {
			return nil, fmt.Errorf("scan deferred: %w", err)
		}
		n.Type = model.NotificationType(kind)
		n.ScheduledTime = time.Unix(0, scheduled)
		n.CreatedAt = time.Unix(0, created)
		if err := json.Unmarshal([]byte(payload), &n.Payload); err != nil {
			return nil, fmt.Errorf("decode deferred payload %s: %w", n.Key, err)
		}
		queue = append(queue, n)
	}
	return queue, rows.Err()
}

// DeleteDeferred removes the pending entry for key.
func (s *SQLiteStore) DeleteDeferred(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM deferred_notifications WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete deferred %s: %w", key, err)
	}
	return nil
}

// RecordObservation appends a scraped rate.
func (s *SQLiteStore) RecordObservation(ctx context.Context, obs Observation) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO rate_observations
		(key, symbol, exchange, timeframe, rate, observed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		obs.Key, obs.Symbol, obs.Exchange, string(obs.Timeframe), obs.Rate.String(), obs.ObservedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("record observation: %w", err)
	}
	return nil
}

// ListObservations lists observations for key in [from, to).
func (s *SQLiteStore) ListObservations(ctx context.Context, key string, from, to time.Time) ([]Observation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, symbol, exchange, timeframe, rate, observed_at
		FROM rate_observations WHERE key = ? AND observed_at >= ? AND observed_at < ?
		ORDER BY observed_at`, key, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var (
			obs           Observation
			tf, rateStr   string
			observedNanos int64
		)
		if err := rows.Scan(&obs.Key, &obs.Symbol, &obs.Exchange, &tf, &rateStr, &observedNanos); err != nil {
			return nil, fmt.Errorf("scan observation: %w", err)
		}
		rate, err := decimal.NewFromString(rateStr)
		if err != nil {
			return nil, fmt.Errorf("parse observation rate: %w", err)
		}
		obs.Timeframe = model.Timeframe(tf)
		obs.Rate = rate
		obs.ObservedAt = time.Unix(0, observedNanos)
		out = append(out, obs)
	}
	return out, rows.Err()
}

// DeleteObservationsBefore prunes old observations.
func (s *SQLiteStore) DeleteObservationsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_observations WHERE observed_at < ?`, olderThan.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete observations before: %w", err)
	}
	return res.RowsAffected()
}

// RecordNotification appends a sent notification.
func (s *SQLiteStore) RecordNotification(ctx context.Context, rec NotificationRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO notification_history
		(key, symbol, type, recipient, rate, threshold, sent_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Key, rec.Symbol, string(rec.Type), rec.Recipient, rec.Rate.String(), rec.Threshold.String(), rec.SentAt.UnixNano())
	if err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	return nil
}

// ListRecentNotifications returns the newest notifications first.
func (s *SQLiteStore) ListRecentNotifications(ctx context.Context, limit int) ([]NotificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, key, symbol, type, recipient, rate, threshold, sent_at
		FROM notification_history ORDER BY sent_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []NotificationRecord
	for rows.Next() {
		var (
			rec                         NotificationRecord
			kind, rateStr, thresholdStr string
			sentNanos                   int64
		)
		if err := rows.Scan(&rec.ID, &rec.Key, &rec.Symbol, &kind, &rec.Recipient, &rateStr, &thresholdStr, &sentNanos); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		rec.Type = model.NotificationType(kind)
		rec.SentAt = time.Unix(0, sentNanos)
		if rec.Rate, err = decimal.NewFromString(rateStr); err != nil {
			return nil, fmt.Errorf("parse notification rate: %w", err)
		}
		if rec.Threshold, err = decimal.NewFromString(thresholdStr); err != nil {
			return nil, fmt.Errorf("parse notification threshold: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TrimNotifications keeps only the newest keep records.
func (s *SQLiteStore) TrimNotifications(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notification_history WHERE id NOT IN (
		SELECT id FROM notification_history ORDER BY sent_at DESC, id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("trim notifications: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteState(row rowScanner) (model.InstrumentState, error) {
	var (
		state          model.InstrumentState
		status         string
		rate           sql.NullString
		last, next     sql.NullInt64
		pending        int
		updatedAtNanos int64
	)
	if err := row.Scan(&state.Key, &status, &rate, &last, &next, &pending, &updatedAtNanos); err != nil {
		return model.InstrumentState{}, err
	}
	state.Status = model.Status(status)
	state.PendingNotification = pending != 0
	state.UpdatedAt = time.Unix(0, updatedAtNanos)
	if rate.Valid {
		d, err := decimal.NewFromString(rate.String)
		if err != nil {
			return model.InstrumentState{}, fmt.Errorf("parse last rate: %w", err)
		}
		state.LastRate = decimal.NewNullDecimal(d)
	}
	if last.Valid {
		t := time.Unix(0, last.Int64)
		state.LastNotification = &t
	}
	if next.Valid {
		t := time.Unix(0, next.Int64)
		state.NextNotification = &t
	}
	return state, nil
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLiteStore)(nil)
