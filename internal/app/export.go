package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"coinrate-alerts/internal/storage"
)

// Export renders the recorded rates of one instrument as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Key == "" {
		return errors.New("an instrument key is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	observations, err := store.ListObservations(ctx, opts.Key, from, to)
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		a.Logger.Info().Str("key", opts.Key).Msg("no observations found for export window")
		return nil
	}

	threshold := a.thresholdFor(ctx, opts.Key)

	downsampled := downsampleObservations(observations, opts.MaxPoints)
	a.Logger.Info().Str("key", opts.Key).Int("total", len(observations)).Int("exported", len(downsampled)).Msg("exporting observations")

	if opts.CSVPath != "" {
		if err := writeObservationsCSV(opts.CSVPath, downsampled, threshold); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if len(downsampled) < 2 {
			a.Logger.Warn().Msg("at least two observations are needed to draw a chart; skipping PNG")
			return nil
		}
		if err := writeObservationsPNG(opts.PNGPath, opts.Key, downsampled, threshold); err != nil {
			return err
		}
	}

	return nil
}

// thresholdFor returns the configured threshold of key, if any.
func (a *App) thresholdFor(ctx context.Context, key string) *decimal.Decimal {
	s, err := a.newSettings().Settings(ctx)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("settings unavailable; exporting without threshold")
		return nil
	}
	for _, target := range s.Targets() {
		if target.Key() == key {
			th := target.Instrument.Threshold
			return &th
		}
	}
	return nil
}

func downsampleObservations(observations []storage.Observation, max int) []storage.Observation {
	if max <= 0 || len(observations) <= max {
		return observations
	}
	if max == 1 {
		return observations[len(observations)-1:]
	}

	result := make([]storage.Observation, 0, max)
	step := float64(len(observations)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(observations) {
			idx = len(observations) - 1
		}
		result = append(result, observations[idx])
	}
	return result
}

func writeObservationsCSV(path string, observations []storage.Observation, threshold *decimal.Decimal) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"observed_at", "key", "symbol", "exchange", "timeframe", "annual_rate_pct", "threshold_pct", "above_threshold"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, obs := range observations {
		th, above := "", ""
		if threshold != nil {
			th = threshold.String()
			above = fmt.Sprintf("%t", obs.Rate.GreaterThan(*threshold))
		}
		record := []string{
			obs.ObservedAt.UTC().Format(time.RFC3339),
			obs.Key,
			obs.Symbol,
			obs.Exchange,
			string(obs.Timeframe),
			obs.Rate.String(),
			th,
			above,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeObservationsPNG(path, key string, observations []storage.Observation, threshold *decimal.Decimal) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(observations))
	rates := make([]float64, len(observations))
	for i, obs := range observations {
		x[i] = obs.ObservedAt
		rates[i] = obs.Rate.InexactFloat64()
	}

	rateFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	series := []chart.Series{
		chart.TimeSeries{
			Name:    key,
			XValues: x,
			YValues: rates,
		},
	}
	if threshold != nil {
		limit := make([]float64, len(observations))
		for i := range limit {
			limit[i] = threshold.InexactFloat64()
		}
		series = append(series, chart.TimeSeries{
			Name:    "Threshold",
			XValues: x,
			YValues: limit,
			Style: chart.Style{
				StrokeDashArray: []float64{5, 5},
			},
		})
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Annual rate (%)",
			ValueFormatter: rateFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
