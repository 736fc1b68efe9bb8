package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coinrate-alerts/internal/alerting"
	"coinrate-alerts/internal/model"
	"coinrate-alerts/internal/storage"
)

var (
	insideWindow  = time.Date(2024, 5, 1, 14, 30, 0, 0, time.UTC)
	outsideWindow = time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
)

func newTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	s, err := storage.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return s
}

func usdt(threshold string) model.Instrument {
	return model.Instrument{
		Symbol:    "USDT",
		Exchange:  "binance",
		Timeframe: model.Timeframe1h,
		Threshold: decimal.RequireFromString(threshold),
		Enabled:   true,
	}
}

func testSettings(instruments ...model.Instrument) *model.Settings {
	if len(instruments) == 0 {
		instruments = []model.Instrument{usdt("5.0")}
	}
	return &model.Settings{
		Enabled:        true,
		RepeatInterval: 180 * time.Minute,
		Location:       time.UTC,
		Trigger:        &model.TriggerSettings{HourlyMinute: 30, DailyHour: 9, DailyMinute: 0},
		NotificationHours: model.NotificationHours{
			Enabled: true,
			Start:   9 * 60,
			End:     18 * 60,
		},
		Groups: []model.Group{{
			ID:          "desk",
			Name:        "Desk",
			Email:       "desk@example.com",
			Enabled:     true,
			Instruments: instruments,
		}},
	}
}

func targetOf(s *model.Settings, key string) model.WatchTarget {
	for _, t := range s.Targets() {
		if t.Key() == key {
			return t
		}
	}
	panic("target not found: " + key)
}

func rates(v string) model.CoinRates {
	return model.CoinRates{AnnualRate: decimal.RequireFromString(v)}
}

func timePtr(t time.Time) *time.Time {
	return &t
}

type sentMessage struct {
	kind model.NotificationType
	to   string
	msg  alerting.Message
}

type fakeSender struct {
	mu   sync.Mutex
	fail map[string]bool
	sent []sentMessage
}

func newFakeSender(failing ...string) *fakeSender {
	f := &fakeSender{fail: make(map[string]bool)}
	for _, email := range failing {
		f.fail[email] = true
	}
	return f
}

func (f *fakeSender) SendAlert(ctx context.Context, msg alerting.Message) error {
	return f.send(model.NotificationAlert, msg)
}

func (f *fakeSender) SendRecovery(ctx context.Context, msg alerting.Message) error {
	return f.send(model.NotificationRecovery, msg)
}

func (f *fakeSender) send(kind model.NotificationType, msg alerting.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[msg.Recipient.Email] {
		return errors.New("smtp unavailable")
	}
	f.sent = append(f.sent, sentMessage{kind: kind, to: msg.Recipient.Email, msg: msg})
	return nil
}

func (f *fakeSender) count(kind model.NotificationType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.kind == kind {
			n++
		}
	}
	return n
}

type scrapeCall struct {
	exchange       string
	representative string
	timeframe      model.Timeframe
	symbols        []string
}

type fakeScraper struct {
	mu    sync.Mutex
	data  map[string]map[string]string
	fail  map[string]error
	panic bool
	calls []scrapeCall
}

func newFakeScraper() *fakeScraper {
	return &fakeScraper{data: make(map[string]map[string]string), fail: make(map[string]error)}
}

func batchName(exchange string, tf model.Timeframe) string {
	return exchange + "/" + string(tf)
}

func (f *fakeScraper) set(exchange string, tf model.Timeframe, symbol, rate string) {
	name := batchName(exchange, tf)
	if f.data[name] == nil {
		f.data[name] = make(map[string]string)
	}
	f.data[name][symbol] = rate
}

func (f *fakeScraper) ScrapeRates(ctx context.Context, exchange, representative string, timeframe model.Timeframe, symbols []string) (*model.RateData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panic {
		panic("scraper exploded")
	}
	f.calls = append(f.calls, scrapeCall{exchange: exchange, representative: representative, timeframe: timeframe, symbols: symbols})
	name := batchName(exchange, timeframe)
	if err := f.fail[name]; err != nil {
		return nil, err
	}
	coins := make(map[string]model.CoinRates)
	for symbol, rate := range f.data[name] {
		coins[symbol] = rates(rate)
	}
	return &model.RateData{Exchange: exchange, Timeframe: timeframe, Coins: coins}, nil
}

type recordingObserver struct {
	mu        sync.Mutex
	phases    []Phase
	logs      []string
	started   int
	completed int
	failed    int
}

func (o *recordingObserver) SetPhase(p Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phases = append(o.phases, p)
}

func (o *recordingObserver) AddLog(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.logs = append(o.logs, msg)
}

func (o *recordingObserver) StartInstrument(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *recordingObserver) CompleteInstrument(symbol string, success bool, rate *decimal.Decimal, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed++
	if !success {
		o.failed++
	}
}

func (o *recordingObserver) phaseString() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	parts := make([]string, len(o.phases))
	for i, p := range o.phases {
		parts[i] = string(p)
	}
	return strings.Join(parts, ">")
}

func mustState(t *testing.T, store storage.StateStore, key string) model.InstrumentState {
	t.Helper()
	state, err := store.GetInstrumentState(context.Background(), key)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	return state
}

func putState(t *testing.T, store storage.StateStore, state model.InstrumentState) {
	t.Helper()
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = insideWindow.Add(-time.Hour)
	}
	if err := store.UpdateInstrumentState(context.Background(), state); err != nil {
		t.Fatalf("put state: %v", err)
	}
}

func actionsOf(r Result) string {
	return fmt.Sprint(r.Actions)
}
