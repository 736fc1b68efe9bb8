package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"coinrate-alerts/internal/storage"
)

// ErrRunInProgress matches every ConflictError.
var ErrRunInProgress = errors.New("monitoring run already in progress")

// ConflictError reports that another run holds the guard.
type ConflictError struct {
	// Active is the trigger of the running run, empty when the run belongs
	// to another process.
	Active Trigger
}

func (e *ConflictError) Error() string {
	switch e.Active {
	case TriggerScheduled:
		return "automatic monitoring is running, try again later"
	case TriggerManual:
		return "a manual monitoring run is already in progress"
	default:
		return "monitoring is running in another process, try again later"
	}
}

// Is makes errors.Is(err, ErrRunInProgress) hold.
func (e *ConflictError) Is(target error) bool {
	return target == ErrRunInProgress
}

// Guard allows at most one run at a time. With a locker it also holds a
// PostgreSQL advisory lock so several processes share one run.
type Guard struct {
	mu      sync.Mutex
	running bool
	active  Trigger

	locker  storage.AdvisoryLocker
	lockKey int64
	logger  zerolog.Logger
}

// NewGuard builds a guard. locker may be nil and lockKey zero to stay
// in-process only.
func NewGuard(locker storage.AdvisoryLocker, lockKey int64, logger zerolog.Logger) *Guard {
	return &Guard{
		locker:  locker,
		lockKey: lockKey,
		logger:  logger.With().Str("component", "guard").Logger(),
	}
}

// Acquire claims the guard for trigger. The returned release must be called
// once the run ends; calling it more than once is harmless.
func (g *Guard) Acquire(ctx context.Context, trigger Trigger) (func(), error) {
	g.mu.Lock()
	if g.running {
		active := g.active
		g.mu.Unlock()
		return nil, &ConflictError{Active: active}
	}
	g.running = true
	g.active = trigger
	g.mu.Unlock()

	unlock, proceed, err := g.acquireLock(ctx)
	if err != nil || !proceed {
		g.reset()
		if err != nil {
			return nil, err
		}
		g.logger.Debug().Str("trigger", string(trigger)).Msg("advisory lock held elsewhere")
		return nil, &ConflictError{}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if unlock != nil {
				unlock()
			}
			g.reset()
		})
	}, nil
}

// Active returns the trigger of the current run, if any.
func (g *Guard) Active() (Trigger, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active, g.running
}

func (g *Guard) reset() {
	g.mu.Lock()
	g.running = false
	g.active = ""
	g.mu.Unlock()
}

func (g *Guard) acquireLock(ctx context.Context) (func(), bool, error) {
	if g.lockKey == 0 || g.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := g.locker.TryAdvisoryLock(ctx, g.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
