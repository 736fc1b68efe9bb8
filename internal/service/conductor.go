package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"coinrate-alerts/internal/alerting"
	"coinrate-alerts/internal/fetcher"
	"coinrate-alerts/internal/model"
	"coinrate-alerts/internal/scheduler"
	"coinrate-alerts/internal/settings"
	"coinrate-alerts/internal/storage"
)

// Trigger identifies who started a run.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Phase is the lifecycle step of a run.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseGating     Phase = "gating"
	PhaseFetching   Phase = "fetching"
	PhaseEvaluating Phase = "evaluating"
	PhaseDraining   Phase = "draining_deferred"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
)

// Reason explains why a run short-circuited without evaluating.
type Reason string

const (
	ReasonDisabled      Reason = "monitoring_disabled"
	ReasonTriggerNotMet Reason = "trigger_time_not_met"
	ReasonNoInstruments Reason = "no_enabled_instruments"
)

// Observer receives progress callbacks during a run.
type Observer interface {
	SetPhase(phase Phase)
	AddLog(message string)
	StartInstrument(symbol string)
	CompleteInstrument(symbol string, success bool, rate *decimal.Decimal, err error)
}

type nopObserver struct{}

func (nopObserver) SetPhase(Phase)                                          {}
func (nopObserver) AddLog(string)                                           {}
func (nopObserver) StartInstrument(string)                                  {}
func (nopObserver) CompleteInstrument(string, bool, *decimal.Decimal, error) {}

// Request parameterises one run. A zero Now means the conductor clock.
type Request struct {
	Trigger  Trigger
	Now      time.Time
	Observer Observer
}

// DrainResult is the outcome of sending one due deferred entry.
type DrainResult struct {
	Key    string                 `json:"key"`
	Type   model.NotificationType `json:"type"`
	Sent   bool                   `json:"sent"`
	Failed []string               `json:"failed,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// RunResult summarises one run.
type RunResult struct {
	Trigger    Trigger       `json:"trigger"`
	Success    bool          `json:"success"`
	Reason     Reason        `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Results    []Result      `json:"results,omitempty"`
	Drained    []DrainResult `json:"drained,omitempty"`
}

// Skipped reports whether the run stopped at a gate.
func (r *RunResult) Skipped() bool {
	return r.Reason != ""
}

// ConductorOptions tune a Conductor.
type ConductorOptions struct {
	// Concurrency bounds parallel scrape batches. Values below one mean one.
	Concurrency int
}

// Conductor executes monitoring runs end to end.
type Conductor struct {
	settings  settings.Store
	states    storage.StateStore
	history   storage.HistoryStore
	scraper   fetcher.Scraper
	evaluator *Evaluator
	opts      ConductorOptions
	logger    zerolog.Logger
	now       func() time.Time
}

// NewConductor wires a conductor. history may be nil.
func NewConductor(cfg settings.Store, states storage.StateStore, history storage.HistoryStore, scraper fetcher.Scraper, sender alerting.Sender, opts ConductorOptions, logger zerolog.Logger) *Conductor {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Conductor{
		settings:  cfg,
		states:    states,
		history:   history,
		scraper:   scraper,
		evaluator: NewEvaluator(states, history, sender, logger),
		opts:      opts,
		logger:    logger.With().Str("component", "conductor").Logger(),
		now:       time.Now,
	}
}

// Settings exposes the settings the next run would use.
func (c *Conductor) Settings(ctx context.Context) (*model.Settings, error) {
	return c.settings.Settings(ctx)
}

// Run gates, fetches, evaluates and drains. A non-nil error means the run
// failed; the result is always returned and describes how far it got.
// Cancellation is honoured between instruments only.
func (c *Conductor) Run(ctx context.Context, req Request) (result *RunResult, err error) {
	obs := req.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	now := req.Now
	if now.IsZero() {
		now = c.now()
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = TriggerScheduled
	}

	result = &RunResult{Trigger: trigger, StartedAt: now}
	log := c.logger.With().Str("trigger", string(trigger)).Logger()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitoring run panicked: %v", r)
			log.Error().Str("stack", string(debug.Stack())).Msg(err.Error())
		}
		result.FinishedAt = c.now()
		if err != nil {
			result.Success = false
			result.Error = err.Error()
			obs.SetPhase(PhaseFailed)
			obs.AddLog("run failed: " + err.Error())
		}
	}()

	obs.SetPhase(PhaseGating)
	s, err := c.settings.Settings(ctx)
	if err != nil {
		return result, fmt.Errorf("load settings: %w", err)
	}
	now = s.In(now)

	if reason := c.gate(s, trigger, now); reason != "" {
		result.Reason = reason
		log.Debug().Str("reason", string(reason)).Msg("run skipped")
		obs.AddLog("run skipped: " + string(reason))
		obs.SetPhase(PhaseDone)
		return result, nil
	}

	targets := s.Targets()
	log.Info().Int("instruments", len(targets)).Msg("开始执行监控任务")
	obs.AddLog(fmt.Sprintf("monitoring %d instruments", len(targets)))

	obs.SetPhase(PhaseFetching)
	batches := c.fetch(ctx, targets, obs)

	obs.SetPhase(PhaseEvaluating)
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("run cancelled: %w", err)
		}
		res, err := c.evaluateTarget(ctx, target, batches, s, now, obs)
		if err != nil {
			return result, err
		}
		result.Results = append(result.Results, res)
	}

	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("run cancelled: %w", err)
	}
	obs.SetPhase(PhaseDraining)
	drained, err := c.drain(ctx, s, now, obs)
	result.Drained = drained
	if err != nil {
		return result, err
	}

	result.Success = true
	obs.SetPhase(PhaseDone)
	log.Info().Int("evaluated", len(result.Results)).Int("drained", len(drained)).Msg("monitoring run finished")
	return result, nil
}

func (c *Conductor) gate(s *model.Settings, trigger Trigger, now time.Time) Reason {
	if !s.Enabled {
		return ReasonDisabled
	}
	if trigger == TriggerScheduled && !scheduler.ShouldTrigger(s, now) {
		return ReasonTriggerNotMet
	}
	if s.EnabledInstrumentCount() == 0 {
		return ReasonNoInstruments
	}
	return ""
}

type batchKey struct {
	exchange  string
	timeframe model.Timeframe
}

type batchOutcome struct {
	data     *model.RateData
	err      error
	panicked any
}

// fetch scrapes once per (exchange, timeframe). A failed batch is kept as an
// error outcome so only its instruments are affected.
func (c *Conductor) fetch(ctx context.Context, targets []model.WatchTarget, obs Observer) map[batchKey]batchOutcome {
	order := make([]batchKey, 0)
	symbols := make(map[batchKey][]string)
	for _, t := range targets {
		k := batchKey{exchange: t.Instrument.Exchange, timeframe: t.Instrument.Timeframe}
		if _, ok := symbols[k]; !ok {
			order = append(order, k)
		}
		symbols[k] = append(symbols[k], t.Instrument.Symbol)
	}

	outcomes := make([]batchOutcome, len(order))
	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)
	for i, k := range order {
		i, k := i, k
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					outcomes[i] = batchOutcome{panicked: r}
				}
			}()
			list := symbols[k]
			data, err := c.scraper.ScrapeRates(ctx, k.exchange, list[0], k.timeframe, list)
			if err == nil && data == nil {
				err = errors.New("scraper returned no data")
			}
			outcomes[i] = batchOutcome{data: data, err: err}
			return nil
		})
	}
	_ = g.Wait()
	for _, o := range outcomes {
		if o.panicked != nil {
			panic(o.panicked)
		}
	}

	out := make(map[batchKey]batchOutcome, len(order))
	for i, k := range order {
		out[k] = outcomes[i]
		if err := outcomes[i].err; err != nil {
			c.logger.Error().Err(err).Str("exchange", k.exchange).Str("timeframe", string(k.timeframe)).Msg("数据抓取失败")
			obs.AddLog(fmt.Sprintf("scrape %s/%s failed: %v", k.exchange, k.timeframe, err))
		} else {
			obs.AddLog(fmt.Sprintf("scraped %s/%s: %d symbols", k.exchange, k.timeframe, len(symbols[k])))
		}
	}
	return out
}

func (c *Conductor) evaluateTarget(ctx context.Context, target model.WatchTarget, batches map[batchKey]batchOutcome, s *model.Settings, now time.Time, obs Observer) (Result, error) {
	symbol := target.Instrument.Symbol
	occurrences := target.Occurrences
	if occurrences < 1 {
		occurrences = 1
	}
	for i := 0; i < occurrences; i++ {
		obs.StartInstrument(symbol)
	}

	complete := func(res Result, err error) {
		for i := 0; i < occurrences; i++ {
			obs.CompleteInstrument(symbol, res.Success(), res.Rate, err)
		}
	}

	outcome := batches[batchKey{exchange: target.Instrument.Exchange, timeframe: target.Instrument.Timeframe}]
	if outcome.err != nil {
		res := newResult(target)
		res.Actions = []Action{ActionScrapingFailed}
		res.Error = outcome.err.Error()
		complete(res, outcome.err)
		return res, nil
	}

	rates, ok := outcome.data.Coin(symbol)
	if !ok {
		res := newResult(target)
		res.Actions = []Action{ActionDataNotFound}
		res.Error = fmt.Sprintf("no rate for %s on %s", symbol, target.Instrument.Exchange)
		c.logger.Warn().Str("key", target.Key()).Msg("币种数据不存在")
		complete(res, errors.New(res.Error))
		return res, nil
	}

	c.observe(ctx, target, rates, now)

	res, err := c.evaluator.Evaluate(ctx, target, rates, s, now)
	if err != nil {
		complete(res, err)
		return res, err
	}
	var sendErr error
	if res.Error != "" {
		sendErr = errors.New(res.Error)
	}
	complete(res, sendErr)
	return res, nil
}

func (c *Conductor) observe(ctx context.Context, target model.WatchTarget, rates model.CoinRates, now time.Time) {
	if c.history == nil {
		return
	}
	obs := storage.Observation{
		Key:        target.Key(),
		Symbol:     target.Instrument.Symbol,
		Exchange:   target.Instrument.Exchange,
		Timeframe:  target.Instrument.Timeframe,
		Rate:       rates.AnnualRate,
		ObservedAt: now,
	}
	if err := c.history.RecordObservation(ctx, obs); err != nil {
		c.logger.Warn().Err(err).Str("key", obs.Key).Msg("failed to record observation")
	}
}

// drain sends every due deferred entry. Fully delivered entries are removed
// and their state finalised; partially delivered ones stay queued for the
// recipients that failed.
func (c *Conductor) drain(ctx context.Context, s *model.Settings, now time.Time, obs Observer) ([]DrainResult, error) {
	queue, err := c.states.ListDeferred(ctx)
	if err != nil {
		return nil, fmt.Errorf("list deferred: %w", err)
	}

	var out []DrainResult
	for _, entry := range queue {
		if !entry.Due(now) {
			continue
		}
		dr := DrainResult{Key: entry.Key, Type: entry.Type}

		failed, sendErr := c.evaluator.fanOut(ctx, entry.Type, entry.Payload, s, now, true)
		switch {
		case errors.Is(sendErr, errNoRecipients):
			c.logger.Warn().Str("key", entry.Key).Msg("dropping deferred notification without recipients")
			if err := c.states.DeleteDeferred(ctx, entry.Key); err != nil {
				return out, fmt.Errorf("delete deferred %s: %w", entry.Key, err)
			}
			dr.Error = sendErr.Error()
		case sendErr != nil:
			dr.Error = sendErr.Error()
			for _, r := range failed {
				dr.Failed = append(dr.Failed, r.Email)
			}
			if len(failed) < len(entry.Payload.Recipients) {
				entry.Payload.Recipients = failed
				if err := c.states.SaveDeferred(ctx, entry); err != nil {
					return out, fmt.Errorf("requeue deferred %s: %w", entry.Key, err)
				}
			}
			c.logger.Error().Err(sendErr).Str("key", entry.Key).Msg("deferred notification failed; kept queued")
			obs.AddLog(fmt.Sprintf("deferred %s %s failed", entry.Type, entry.Payload.Instrument.Symbol))
		default:
			if err := c.states.DeleteDeferred(ctx, entry.Key); err != nil {
				return out, fmt.Errorf("delete deferred %s: %w", entry.Key, err)
			}
			if err := c.finalize(ctx, entry, s, now); err != nil {
				return out, err
			}
			dr.Sent = true
			c.logger.Info().Str("key", entry.Key).Str("type", string(entry.Type)).Msg("延迟通知发送成功")
			obs.AddLog(fmt.Sprintf("deferred %s %s sent", entry.Type, entry.Payload.Instrument.Symbol))
		}
		out = append(out, dr)
	}
	return out, nil
}

func (c *Conductor) finalize(ctx context.Context, entry model.DeferredNotification, s *model.Settings, now time.Time) error {
	state, err := c.states.GetInstrumentState(ctx, entry.Key)
	if err != nil {
		return fmt.Errorf("load state %s: %w", entry.Key, err)
	}
	state.Key = entry.Key
	switch entry.Type {
	case model.NotificationRecovery:
		state.Status = model.StatusNormal
		state.PendingNotification = false
	default:
		last := now
		next := now.Add(s.RepeatInterval)
		state.Status = model.StatusAlert
		state.LastNotification = &last
		state.NextNotification = &next
		state.PendingNotification = false
	}
	state.UpdatedAt = now
	if err := c.states.UpdateInstrumentState(ctx, state); err != nil {
		return fmt.Errorf("save state %s: %w", entry.Key, err)
	}
	return nil
}
