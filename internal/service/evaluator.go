package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinrate-alerts/internal/alerting"
	"coinrate-alerts/internal/model"
	"coinrate-alerts/internal/scheduler"
	"coinrate-alerts/internal/storage"
)

// Action tags one outcome of evaluating an instrument.
type Action string

const (
	ActionAlertSent            Action = "alert_sent"
	ActionAlertFailed          Action = "alert_failed"
	ActionAlertScheduled       Action = "alert_scheduled"
	ActionRepeatAlertSent      Action = "repeat_alert_sent"
	ActionRepeatAlertFailed    Action = "repeat_alert_failed"
	ActionRepeatAlertScheduled Action = "repeat_alert_scheduled"
	ActionInCoolingPeriod      Action = "in_cooling_period"
	ActionRecoverySent         Action = "recovery_sent"
	ActionRecoveryFailed       Action = "recovery_failed"
	ActionRecoveryScheduled    Action = "recovery_scheduled"
	ActionAlreadyNormal        Action = "already_normal"
	ActionDeferredCancelled    Action = "deferred_cancelled"
	ActionDataNotFound         Action = "data_not_found"
	ActionScrapingFailed       Action = "scraping_failed"
)

// Failed reports whether the action marks an unsuccessful evaluation.
func (a Action) Failed() bool {
	switch a {
	case ActionAlertFailed, ActionRepeatAlertFailed, ActionRecoveryFailed, ActionDataNotFound, ActionScrapingFailed:
		return true
	default:
		return false
	}
}

// Result is the per-instrument outcome of one evaluation.
type Result struct {
	Key            string           `json:"key"`
	Symbol         string           `json:"symbol"`
	Exchange       string           `json:"exchange"`
	Timeframe      model.Timeframe  `json:"timeframe"`
	Rate           *decimal.Decimal `json:"rate,omitempty"`
	Threshold      decimal.Decimal  `json:"threshold"`
	PreviousStatus model.Status     `json:"previous_status,omitempty"`
	NextStatus     model.Status     `json:"next_status,omitempty"`
	Actions        []Action         `json:"actions"`
	Error          string           `json:"error,omitempty"`
}

// Success reports whether no failed action was recorded.
func (r Result) Success() bool {
	for _, a := range r.Actions {
		if a.Failed() {
			return false
		}
	}
	return true
}

// Has reports whether the action was recorded.
func (r Result) Has(action Action) bool {
	for _, a := range r.Actions {
		if a == action {
			return true
		}
	}
	return false
}

func newResult(target model.WatchTarget) Result {
	inst := target.Instrument
	return Result{
		Key:       target.Key(),
		Symbol:    inst.Symbol,
		Exchange:  inst.Exchange,
		Timeframe: inst.Timeframe,
		Threshold: inst.Threshold,
	}
}

var errNoRecipients = errors.New("no recipients configured for instrument")

// Evaluator runs the per-instrument alert state machine.
type Evaluator struct {
	states  storage.StateStore
	history storage.HistoryStore
	sender  alerting.Sender
	logger  zerolog.Logger
}

// NewEvaluator wires the evaluator. history may be nil.
func NewEvaluator(states storage.StateStore, history storage.HistoryStore, sender alerting.Sender, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		states:  states,
		history: history,
		sender:  sender,
		logger:  logger.With().Str("component", "evaluator").Logger(),
	}
}

// Evaluate decides and applies the transition for one target at now. The
// returned error is reserved for state store failures; send failures are
// reported as failed actions and leave the state untouched.
func (e *Evaluator) Evaluate(ctx context.Context, target model.WatchTarget, rates model.CoinRates, s *model.Settings, now time.Time) (Result, error) {
	result := newResult(target)
	key := target.Key()
	threshold := target.Instrument.Threshold
	rate := rates.AnnualRate
	result.Rate = &rate

	state, err := e.states.GetInstrumentState(ctx, key)
	if err != nil {
		return result, fmt.Errorf("load state %s: %w", key, err)
	}
	if state.Status == "" {
		state.Status = model.StatusNormal
	}
	state.Key = key
	result.PreviousStatus = state.Status
	result.NextStatus = state.Status

	log := e.logger.With().Str("key", key).Str("rate", rate.String()).Str("threshold", threshold.String()).Logger()

	above := rate.GreaterThan(threshold)
	open := scheduler.WithinWindow(s, now)
	payload := model.NotificationPayload{
		Instrument: target.Instrument,
		Rate:       rate,
		Rates:      &rates,
		Recipients: target.Recipients,
		DecidedAt:  now,
	}

	switch {
	case state.Status == model.StatusAlert && above && state.Cooling(now):
		result.Actions = append(result.Actions, ActionInCoolingPeriod)
		log.Debug().Time("next_notification", *state.NextNotification).Msg("in cooling period")
		cancelled, err := e.cancelStale(ctx, state, model.NotificationRecovery, now)
		if err != nil {
			return result, err
		}
		if cancelled {
			result.Actions = append(result.Actions, ActionDeferredCancelled)
			log.Info().Msg("rate back above threshold; queued recovery cancelled")
		}
		return result, nil

	case state.Status == model.StatusAlert && above:
		if !open {
			anchor, err := e.enqueue(ctx, model.NotificationAlert, payload, s, now)
			if err != nil {
				return result, err
			}
			state.NextNotification = &anchor
			state.PendingNotification = true
			state.LastRate = decimal.NewNullDecimal(rate)
			if err := e.save(ctx, state, now); err != nil {
				return result, err
			}
			result.Actions = append(result.Actions, ActionRepeatAlertScheduled)
			log.Info().Time("scheduled", anchor).Msg("repeat alert deferred to notification window")
			return result, nil
		}
		if err := e.deliver(ctx, model.NotificationAlert, payload, s, now, false); err != nil {
			result.Actions = append(result.Actions, ActionRepeatAlertFailed)
			result.Error = err.Error()
			log.Error().Err(err).Msg("repeat alert send failed")
			return result, nil
		}
		markAlerted(&state, s, now, rate)
		if err := e.commitSent(ctx, state, now); err != nil {
			return result, err
		}
		result.Actions = append(result.Actions, ActionRepeatAlertSent)
		log.Info().Msg("repeat alert sent")
		return result, nil

	case state.Status == model.StatusAlert:
		if !open {
			anchor, err := e.enqueue(ctx, model.NotificationRecovery, payload, s, now)
			if err != nil {
				return result, err
			}
			state.PendingNotification = true
			state.LastRate = decimal.NewNullDecimal(rate)
			if err := e.save(ctx, state, now); err != nil {
				return result, err
			}
			result.Actions = append(result.Actions, ActionRecoveryScheduled)
			log.Info().Time("scheduled", anchor).Msg("recovery deferred to notification window")
			return result, nil
		}
		if err := e.deliver(ctx, model.NotificationRecovery, payload, s, now, false); err != nil {
			result.Actions = append(result.Actions, ActionRecoveryFailed)
			result.Error = err.Error()
			log.Error().Err(err).Msg("recovery send failed")
			return result, nil
		}
		state.Status = model.StatusNormal
		state.PendingNotification = false
		state.LastRate = decimal.NewNullDecimal(rate)
		if err := e.commitSent(ctx, state, now); err != nil {
			return result, err
		}
		result.NextStatus = model.StatusNormal
		result.Actions = append(result.Actions, ActionRecoverySent)
		log.Info().Msg("recovery sent")
		return result, nil

	case above:
		if !open {
			anchor, err := e.enqueue(ctx, model.NotificationAlert, payload, s, now)
			if err != nil {
				return result, err
			}
			state.PendingNotification = true
			state.LastRate = decimal.NewNullDecimal(rate)
			if err := e.save(ctx, state, now); err != nil {
				return result, err
			}
			result.Actions = append(result.Actions, ActionAlertScheduled)
			log.Info().Time("scheduled", anchor).Msg("alert deferred to notification window")
			return result, nil
		}
		if err := e.deliver(ctx, model.NotificationAlert, payload, s, now, false); err != nil {
			result.Actions = append(result.Actions, ActionAlertFailed)
			result.Error = err.Error()
			log.Error().Err(err).Msg("alert send failed")
			return result, nil
		}
		markAlerted(&state, s, now, rate)
		if err := e.commitSent(ctx, state, now); err != nil {
			return result, err
		}
		result.NextStatus = model.StatusAlert
		result.Actions = append(result.Actions, ActionAlertSent)
		log.Info().Msg("阈值告警已发送")
		return result, nil

	default:
		result.Actions = append(result.Actions, ActionAlreadyNormal)
		cancelled, err := e.cancelStale(ctx, state, model.NotificationAlert, now)
		if err != nil {
			return result, err
		}
		if cancelled {
			result.Actions = append(result.Actions, ActionDeferredCancelled)
			log.Info().Msg("已回落到阈值以下，取消排队中的告警")
		}
		return result, nil
	}
}

// cancelStale drops a queued notification of kind for the key, which the
// current rate contradicts, and clears the pending flag. Entries of the other
// kind stay queued.
func (e *Evaluator) cancelStale(ctx context.Context, state model.InstrumentState, kind model.NotificationType, now time.Time) (bool, error) {
	if !state.PendingNotification {
		return false, nil
	}
	queue, err := e.states.ListDeferred(ctx)
	if err != nil {
		return false, fmt.Errorf("list deferred: %w", err)
	}
	found := false
	for _, n := range queue {
		if n.Key != state.Key {
			continue
		}
		if n.Type != kind {
			return false, nil
		}
		found = true
	}
	if found {
		if err := e.states.DeleteDeferred(ctx, state.Key); err != nil {
			return false, fmt.Errorf("cancel deferred %s: %w", state.Key, err)
		}
	}
	state.PendingNotification = false
	if err := e.save(ctx, state, now); err != nil {
		return false, err
	}
	return found, nil
}

func markAlerted(state *model.InstrumentState, s *model.Settings, now time.Time, rate decimal.Decimal) {
	last := now
	next := now.Add(s.RepeatInterval)
	state.Status = model.StatusAlert
	state.LastNotification = &last
	state.NextNotification = &next
	state.PendingNotification = false
	state.LastRate = decimal.NewNullDecimal(rate)
}

func (e *Evaluator) save(ctx context.Context, state model.InstrumentState, now time.Time) error {
	state.UpdatedAt = now
	if err := e.states.UpdateInstrumentState(ctx, state); err != nil {
		return fmt.Errorf("save state %s: %w", state.Key, err)
	}
	return nil
}

// commitSent persists state after a direct send and drops any queued entry
// for the key so the drain cannot send it again.
func (e *Evaluator) commitSent(ctx context.Context, state model.InstrumentState, now time.Time) error {
	if err := e.save(ctx, state, now); err != nil {
		return err
	}
	if err := e.states.DeleteDeferred(ctx, state.Key); err != nil {
		return fmt.Errorf("drop superseded deferred %s: %w", state.Key, err)
	}
	return nil
}

func (e *Evaluator) enqueue(ctx context.Context, kind model.NotificationType, payload model.NotificationPayload, s *model.Settings, now time.Time) (time.Time, error) {
	anchor := scheduler.NextWindowOpen(s, now)
	entry := model.DeferredNotification{
		Key:           payload.Instrument.Key(),
		Type:          kind,
		Payload:       payload,
		ScheduledTime: anchor,
		CreatedAt:     now,
	}
	if err := e.states.SaveDeferred(ctx, entry); err != nil {
		return time.Time{}, fmt.Errorf("queue deferred %s: %w", entry.Key, err)
	}
	return anchor, nil
}

// deliver fans one notification out to every recipient. It succeeds only when
// all recipients succeed; after a partial failure the caller keeps the state,
// so the retry goes to every recipient again.
func (e *Evaluator) deliver(ctx context.Context, kind model.NotificationType, payload model.NotificationPayload, s *model.Settings, now time.Time, deferred bool) error {
	failed, err := e.fanOut(ctx, kind, payload, s, now, deferred)
	if err != nil && len(failed) > 0 {
		return fmt.Errorf("%d of %d recipients failed: %w", len(failed), len(payload.Recipients), err)
	}
	return err
}

// fanOut sends to each recipient and returns those that failed together with
// the joined send errors.
func (e *Evaluator) fanOut(ctx context.Context, kind model.NotificationType, payload model.NotificationPayload, s *model.Settings, now time.Time, deferred bool) ([]model.Recipient, error) {
	if len(payload.Recipients) == 0 {
		return nil, errNoRecipients
	}

	var (
		failed []model.Recipient
		errs   []error
	)
	for _, recipient := range payload.Recipients {
		msg := alerting.Message{
			Type:           kind,
			Recipient:      recipient,
			Instrument:     payload.Instrument,
			Rate:           payload.Rate,
			Rates:          payload.Rates,
			SentAt:         s.In(now),
			RepeatInterval: s.RepeatInterval,
			Deferred:       deferred,
		}

		var err error
		if kind == model.NotificationRecovery {
			err = e.sender.SendRecovery(ctx, msg)
		} else {
			err = e.sender.SendAlert(ctx, msg)
		}
		if err != nil {
			failed = append(failed, recipient)
			errs = append(errs, fmt.Errorf("%s: %w", recipient.Email, err))
			continue
		}
		e.record(ctx, kind, payload, recipient, now)
	}
	if len(errs) > 0 {
		return failed, errors.Join(errs...)
	}
	return nil, nil
}

func (e *Evaluator) record(ctx context.Context, kind model.NotificationType, payload model.NotificationPayload, recipient model.Recipient, now time.Time) {
	if e.history == nil {
		return
	}
	rec := storage.NotificationRecord{
		Key:       payload.Instrument.Key(),
		Symbol:    payload.Instrument.Symbol,
		Type:      kind,
		Recipient: recipient.Email,
		Rate:      payload.Rate,
		Threshold: payload.Instrument.Threshold,
		SentAt:    now,
	}
	if err := e.history.RecordNotification(ctx, rec); err != nil {
		e.logger.Warn().Err(err).Str("key", rec.Key).Msg("failed to record notification history")
	}
}
