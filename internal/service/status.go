package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"coinrate-alerts/internal/model"
	"coinrate-alerts/internal/scheduler"
)

// InstrumentStatus joins one configured instrument with its persisted state.
type InstrumentStatus struct {
	Key              string           `json:"key"`
	Symbol           string           `json:"symbol"`
	Exchange         string           `json:"exchange"`
	Timeframe        model.Timeframe  `json:"timeframe"`
	Threshold        decimal.Decimal  `json:"threshold"`
	Enabled          bool             `json:"enabled"`
	Groups           []string         `json:"groups"`
	Status           model.Status     `json:"status"`
	LastRate         *decimal.Decimal `json:"last_rate,omitempty"`
	LastNotification *time.Time       `json:"last_notification,omitempty"`
	NextNotification *time.Time       `json:"next_notification,omitempty"`
	Pending          bool             `json:"pending_notification"`
	Cooling          bool             `json:"cooling"`
}

// StatusReport is the overview served by the status endpoints.
type StatusReport struct {
	Enabled     bool               `json:"enabled"`
	Now         time.Time          `json:"now"`
	NextTrigger time.Time          `json:"next_trigger"`
	WindowOpen  bool               `json:"window_open"`
	Active      Trigger            `json:"active_run,omitempty"`
	Instruments []InstrumentStatus `json:"instruments"`
}

// Status reports every configured instrument, enabled or not, once per key.
func (s *Service) Status(ctx context.Context) (*StatusReport, error) {
	settings, err := s.conductor.Settings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	now := settings.In(s.now())

	report := &StatusReport{
		Enabled:     settings.Enabled,
		Now:         now,
		NextTrigger: scheduler.NextTrigger(settings, now),
		WindowOpen:  scheduler.WithinWindow(settings, now),
		Instruments: []InstrumentStatus{},
	}
	if active, running := s.guard.Active(); running {
		report.Active = active
	}

	index := make(map[string]int)
	for _, g := range settings.Groups {
		for _, inst := range g.Instruments {
			key := inst.Key()
			pos, ok := index[key]
			if !ok {
				state, err := s.states.GetInstrumentState(ctx, key)
				if err != nil {
					return nil, fmt.Errorf("load state %s: %w", key, err)
				}
				entry := InstrumentStatus{
					Key:              key,
					Symbol:           strings.ToUpper(inst.Symbol),
					Exchange:         inst.Exchange,
					Timeframe:        inst.Timeframe,
					Threshold:        inst.Threshold,
					Status:           state.Status,
					LastNotification: state.LastNotification,
					NextNotification: state.NextNotification,
					Pending:          state.PendingNotification,
					Cooling:          state.Status == model.StatusAlert && state.Cooling(now),
				}
				if entry.Status == "" {
					entry.Status = model.StatusNormal
				}
				if state.LastRate.Valid {
					rate := state.LastRate.Decimal
					entry.LastRate = &rate
				}
				pos = len(report.Instruments)
				index[key] = pos
				report.Instruments = append(report.Instruments, entry)
			}
			entry := &report.Instruments[pos]
			entry.Groups = append(entry.Groups, g.ID)
			if g.Enabled && inst.Enabled {
				entry.Enabled = true
			}
		}
	}
	return report, nil
}

// Deferred lists the deferred queue.
func (s *Service) Deferred(ctx context.Context) ([]model.DeferredNotification, error) {
	return s.states.ListDeferred(ctx)
}
