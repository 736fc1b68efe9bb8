package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"coinrate-alerts/internal/model"
	"coinrate-alerts/internal/scheduler"
	"coinrate-alerts/internal/storage"
)

var (
	// ErrNoRecipients rejects a manual run when no enabled group has an email.
	ErrNoRecipients = errors.New("no enabled group with a recipient email")
	// ErrNotInAlert rejects a cooldown reset for an instrument that is not alerting.
	ErrNotInAlert = errors.New("instrument is not in alert state")
)

// SessionRecorder tracks a manual run for status polling.
type SessionRecorder interface {
	Observer
	ClearSession()
	StartSession(s *model.Settings) string
	CompleteSession(result *RunResult)
	FailSession(err error)
}

// Options tune the Service.
type Options struct {
	ObservationRetention time.Duration
	HistoryLimit         int
}

// Service ties the guard, the conductor and the scheduler together.
type Service struct {
	scheduler *scheduler.Scheduler
	guard     *Guard
	conductor *Conductor
	states    storage.StateStore
	history   storage.HistoryStore
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time

	wg sync.WaitGroup
}

// New constructs the monitoring service. sched and history may be nil.
func New(sched *scheduler.Scheduler, guard *Guard, conductor *Conductor, states storage.StateStore, history storage.HistoryStore, opts Options, logger zerolog.Logger) *Service {
	return &Service{
		scheduler: sched,
		guard:     guard,
		conductor: conductor,
		states:    states,
		history:   history,
		opts:      opts,
		logger:    logger.With().Str("component", "service").Logger(),
		now:       time.Now,
	}
}

// Run begins the aligned scheduling loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick 执行单个分钟刻度的定时监控。
func (s *Service) ProcessTick(ctx context.Context, tick time.Time) error {
	release, err := s.guard.Acquire(ctx, TriggerScheduled)
	if err != nil {
		if errors.Is(err, ErrRunInProgress) {
			s.logger.Info().Time("tick", tick).Err(err).Msg("skip tick because a run is active")
			return nil
		}
		return err
	}
	defer release()

	result, err := s.conductor.Run(ctx, Request{Trigger: TriggerScheduled, Now: tick})
	if err != nil {
		return fmt.Errorf("scheduled run: %w", err)
	}
	if !result.Skipped() {
		s.Cleanup(ctx, tick)
	}
	return nil
}

// StartManual validates settings, claims the guard and runs in the
// background under parent. It returns the session id recorded by rec.
func (s *Service) StartManual(parent context.Context, rec SessionRecorder) (string, error) {
	settings, err := s.conductor.Settings(parent)
	if err != nil {
		return "", fmt.Errorf("load settings: %w", err)
	}
	if !settings.HasRecipients() {
		return "", ErrNoRecipients
	}

	release, err := s.guard.Acquire(parent, TriggerManual)
	if err != nil {
		return "", err
	}

	rec.ClearSession()
	id := rec.StartSession(settings)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()

		result, err := s.conductor.Run(parent, Request{Trigger: TriggerManual, Observer: rec})
		if err != nil {
			s.logger.Error().Err(err).Str("session", id).Msg("manual run failed")
			rec.FailSession(err)
			return
		}
		rec.CompleteSession(result)
		if !result.Skipped() {
			s.Cleanup(parent, s.now())
		}
	}()
	return id, nil
}

// RunManual runs synchronously with the manual trigger.
func (s *Service) RunManual(ctx context.Context, obs Observer) (*RunResult, error) {
	release, err := s.guard.Acquire(ctx, TriggerManual)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.conductor.Run(ctx, Request{Trigger: TriggerManual, Observer: obs})
}

// Wait blocks until background manual runs finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Cleanup applies observation retention and trims notification history.
// Failures are logged only.
func (s *Service) Cleanup(ctx context.Context, now time.Time) {
	if s.history == nil {
		return
	}
	if s.opts.ObservationRetention > 0 {
		removed, err := s.history.DeleteObservationsBefore(ctx, now.Add(-s.opts.ObservationRetention))
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to prune observations")
		} else if removed > 0 {
			s.logger.Debug().Int64("removed", removed).Msg("pruned observations")
		}
	}
	if s.opts.HistoryLimit > 0 {
		if _, err := s.history.TrimNotifications(ctx, s.opts.HistoryLimit); err != nil {
			s.logger.Warn().Err(err).Msg("failed to trim notification history")
		}
	}
}

// ResetCooldown makes the next evaluation of key eligible for a repeat alert.
func (s *Service) ResetCooldown(ctx context.Context, key string) (model.InstrumentState, error) {
	release, err := s.guard.Acquire(ctx, TriggerManual)
	if err != nil {
		return model.InstrumentState{}, err
	}
	defer release()

	state, err := s.states.GetInstrumentState(ctx, key)
	if err != nil {
		return model.InstrumentState{}, fmt.Errorf("load state %s: %w", key, err)
	}
	if state.Status != model.StatusAlert {
		return state, ErrNotInAlert
	}

	now := s.now()
	next := now.Add(-time.Minute)
	state.Key = key
	state.NextNotification = &next
	state.UpdatedAt = now
	if err := s.states.UpdateInstrumentState(ctx, state); err != nil {
		return state, fmt.Errorf("save state %s: %w", key, err)
	}
	s.logger.Info().Str("key", key).Msg("冷却期已重置")
	return state, nil
}
