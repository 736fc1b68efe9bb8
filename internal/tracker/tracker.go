// Package tracker records the progress of a manual monitoring run so it can
// be polled while the run executes.
package tracker

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinrate-alerts/internal/model"
	"coinrate-alerts/internal/service"
)

const (
	maxLogs   = 50
	maxErrors = 3
)

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	SessionID         string             `json:"session_id,omitempty"`
	Running           bool               `json:"is_running"`
	Phase             service.Phase      `json:"phase"`
	StartedAt         *time.Time         `json:"started_at,omitempty"`
	FinishedAt        *time.Time         `json:"finished_at,omitempty"`
	DurationMillis    int64              `json:"duration_ms"`
	Total             int                `json:"total_instruments"`
	Processed         int                `json:"processed"`
	Succeeded         int                `json:"succeeded"`
	Failed            int                `json:"failed"`
	Progress          int                `json:"progress"`
	CurrentInstrument string             `json:"current_instrument,omitempty"`
	Logs              []string           `json:"logs"`
	RecentErrors      []string           `json:"recent_errors"`
	Result            *service.RunResult `json:"result,omitempty"`
	Error             string             `json:"error,omitempty"`
}

type session struct {
	id        string
	phase     service.Phase
	running   bool
	finalized bool
	started   time.Time
	finished  time.Time
	total     int
	processed int
	succeeded int
	failed    int
	current   string
	logs      []string
	errors    []string
	result    *service.RunResult
	err       string
}

// Tracker is a passive recorder; it never rejects a session itself.
type Tracker struct {
	mu      sync.RWMutex
	session *session
	now     func() time.Time
	logger  zerolog.Logger
}

// New builds an empty tracker.
func New(logger zerolog.Logger) *Tracker {
	return &Tracker{
		now:    time.Now,
		logger: logger.With().Str("component", "tracker").Logger(),
	}
}

// StartSession begins a session sized from s and returns its id.
func (t *Tracker) StartSession(s *model.Settings) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := uuid.NewString()
	t.session = &session{
		id:      id,
		phase:   service.PhaseIdle,
		running: true,
		started: t.now(),
		total:   s.EnabledInstrumentCount(),
	}
	t.appendLog(fmt.Sprintf("session started: %d instruments", t.session.total))
	t.logger.Debug().Str("session", id).Int("total", t.session.total).Msg("session started")
	return id
}

// AddLog appends a timestamped line.
func (t *Tracker) AddLog(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.mutable() {
		return
	}
	t.appendLog(message)
}

// SetPhase records the current conductor phase.
func (t *Tracker) SetPhase(phase service.Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.mutable() {
		return
	}
	t.session.phase = phase
}

// StartInstrument marks symbol as being processed.
func (t *Tracker) StartInstrument(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.mutable() {
		return
	}
	t.session.current = symbol
	t.appendLog("checking " + symbol)
}

// CompleteInstrument counts one processed instrument.
func (t *Tracker) CompleteInstrument(symbol string, success bool, rate *decimal.Decimal, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.mutable() {
		return
	}
	s := t.session
	s.processed++
	s.current = ""
	if success {
		s.succeeded++
		if rate != nil {
			t.appendLog(fmt.Sprintf("%s done: %s%%", symbol, rate.StringFixed(2)))
		} else {
			t.appendLog(symbol + " done")
		}
		return
	}
	s.failed++
	msg := symbol + " failed"
	if err != nil {
		msg = fmt.Sprintf("%s failed: %v", symbol, err)
	}
	t.appendLog(msg)
	s.errors = append(s.errors, msg)
	if len(s.errors) > maxErrors {
		s.errors = s.errors[len(s.errors)-maxErrors:]
	}
}

// CompleteSession finalises the session with the run result.
func (t *Tracker) CompleteSession(result *service.RunResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.mutable() {
		return
	}
	s := t.session
	s.result = result
	if result != nil && result.Skipped() {
		t.appendLog("run skipped: " + string(result.Reason))
	} else {
		t.appendLog(fmt.Sprintf("run finished: %d succeeded, %d failed", s.succeeded, s.failed))
	}
	s.phase = service.PhaseDone
	t.finalize()
}

// FailSession finalises the session as failed.
func (t *Tracker) FailSession(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.mutable() {
		return
	}
	s := t.session
	if err != nil {
		s.err = err.Error()
		s.errors = append(s.errors, s.err)
		if len(s.errors) > maxErrors {
			s.errors = s.errors[len(s.errors)-maxErrors:]
		}
	}
	t.appendLog("run failed: " + s.err)
	s.phase = service.PhaseFailed
	t.finalize()
}

// ClearSession drops any session state.
func (t *Tracker) ClearSession() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session = nil
}

// Status returns a snapshot safe to use after the lock is released.
func (t *Tracker) Status() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := t.session
	if s == nil {
		return Snapshot{Phase: service.PhaseIdle, Logs: []string{}, RecentErrors: []string{}}
	}

	started := s.started
	snap := Snapshot{
		SessionID:         s.id,
		Running:           s.running,
		Phase:             s.phase,
		StartedAt:         &started,
		Total:             s.total,
		Processed:         s.processed,
		Succeeded:         s.succeeded,
		Failed:            s.failed,
		CurrentInstrument: s.current,
		Logs:              append([]string{}, s.logs...),
		RecentErrors:      append([]string{}, s.errors...),
		Error:             s.err,
	}
	end := t.now()
	if s.finalized {
		finished := s.finished
		snap.FinishedAt = &finished
		end = finished
	}
	snap.DurationMillis = end.Sub(s.started).Milliseconds()
	if s.total > 0 {
		snap.Progress = s.processed * 100 / s.total
		if snap.Progress > 100 {
			snap.Progress = 100
		}
	} else if s.finalized {
		snap.Progress = 100
	}
	if s.result != nil {
		r := *s.result
		r.Results = append([]service.Result(nil), s.result.Results...)
		r.Drained = append([]service.DrainResult(nil), s.result.Drained...)
		snap.Result = &r
	}
	return snap
}

func (t *Tracker) mutable() bool {
	return t.session != nil && !t.session.finalized
}

func (t *Tracker) finalize() {
	s := t.session
	s.finalized = true
	s.running = false
	s.current = ""
	s.finished = t.now()
}

func (t *Tracker) appendLog(message string) {
	s := t.session
	s.logs = append(s.logs, fmt.Sprintf("[%s] %s", t.now().Format("15:04:05"), message))
	if len(s.logs) > maxLogs {
		s.logs = s.logs[len(s.logs)-maxLogs:]
	}
}

var _ service.SessionRecorder = (*Tracker)(nil)
