package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"coinrate-alerts/internal/alerting"
	"coinrate-alerts/internal/fetcher"
	"coinrate-alerts/internal/model"
	"coinrate-alerts/internal/service"
	"coinrate-alerts/internal/storage"
)

// SimulateOptions describe the rate injected for one instrument.
type SimulateOptions struct {
	Symbol    string
	Exchange  string
	Timeframe model.Timeframe
	Rate      decimal.Decimal
	// DryRun evaluates against a throwaway in-memory store and logs emails
	// instead of sending them.
	DryRun    bool
}

// SimulateAlert 以给定费率对单个品种执行一次手动监控流程。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	s, err := a.newSettings().Settings(ctx)
	if err != nil {
		return err
	}
	key := model.InstrumentKey(opts.Symbol, opts.Exchange, opts.Timeframe)
	if !configured(s, key) {
		return fmt.Errorf("instrument %s is not configured", key)
	}

	var (
		store  storage.Store
		sender alerting.Sender
	)
	if opts.DryRun {
		mem, err := storage.NewSQLiteStore(":memory:")
		if err != nil {
			return err
		}
		defer mem.Close()
		if err := mem.EnsureSchema(ctx); err != nil {
			return err
		}
		store = mem
		sender = alerting.NewLogSender(a.Logger)
		a.Logger.Warn().Msg("simulate dry-run：不会写入数据库，也不会发送邮件")
	} else {
		opened, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()
		store = opened
		sender = a.newSender()
	}

	scraper := &staticScraper{symbol: opts.Symbol, rate: opts.Rate}
	c := a.build(store, nil, scraper, sender)

	result, err := c.service.RunManual(ctx, nil)
	if err != nil {
		return err
	}
	if result.Skipped() {
		fmt.Fprintf(a.Out, "run skipped: %s\n", result.Reason)
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Key\tRate%\tThreshold%\tStatus\tActions\tError")
	for _, res := range result.Results {
		if res.Key != key {
			continue
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s -> %s\t%s\t%s\n",
			res.Key,
			opts.Rate.StringFixed(2),
			formatDecimal(res.Threshold, 2),
			res.PreviousStatus,
			res.NextStatus,
			joinActions(res.Actions),
			sanitizeInline(res.Error),
		)
	}
	return writer.Flush()
}

func configured(s *model.Settings, key string) bool {
	for _, g := range s.Groups {
		for _, inst := range g.Instruments {
			if inst.Key() == key {
				return true
			}
		}
	}
	return false
}

func joinActions(actions []service.Action) string {
	parts := make([]string, len(actions))
	for i, act := range actions {
		parts[i] = string(act)
	}
	return strings.Join(parts, ",")
}

// staticScraper reports a fixed annual rate for one symbol and nothing else.
type staticScraper struct {
	symbol string
	rate   decimal.Decimal
}

func (s *staticScraper) ScrapeRates(ctx context.Context, exchange, representative string, timeframe model.Timeframe, symbols []string) (*model.RateData, error) {
	data := &model.RateData{Exchange: exchange, Timeframe: timeframe, Coins: map[string]model.CoinRates{}}
	for _, sym := range symbols {
		if strings.EqualFold(sym, s.symbol) {
			data.Coins[strings.ToUpper(sym)] = model.CoinRates{AnnualRate: s.rate}
		}
	}
	return data, nil
}

var _ fetcher.Scraper = (*staticScraper)(nil)
