package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"coinrate-alerts/internal/model"
	"coinrate-alerts/internal/storage"
)

type fakeRecorder struct {
	recordingObserver
	mu        sync.Mutex
	cleared   int
	session   string
	completed *RunResult
	failure   error
	done      chan struct{}
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{done: make(chan struct{})}
}

func (r *fakeRecorder) ClearSession() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared++
}

func (r *fakeRecorder) StartSession(s *model.Settings) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session = "session-1"
	return r.session
}

func (r *fakeRecorder) CompleteSession(result *RunResult) {
	r.mu.Lock()
	r.completed = result
	r.mu.Unlock()
	close(r.done)
}

func (r *fakeRecorder) FailSession(err error) {
	r.mu.Lock()
	r.failure = err
	r.mu.Unlock()
	close(r.done)
}

func newTestService(t *testing.T, s *model.Settings) (*Service, *conductorFixture) {
	t.Helper()
	f := newConductorFixture(t, s)
	svc := New(nil, NewGuard(nil, 0, zerolog.Nop()), f.conductor, f.store, f.store, Options{
		ObservationRetention: 7 * 24 * time.Hour,
		HistoryLimit:         100,
	}, zerolog.Nop())
	svc.now = func() time.Time { return insideWindow }
	f.conductor.now = func() time.Time { return insideWindow }
	return svc, f
}

func TestStartManualRunsInBackground(t *testing.T) {
	svc, f := newTestService(t, testSettings())
	f.scraper.set("binance", model.Timeframe1h, "USDT", "6.5")
	rec := newFakeRecorder()

	id, err := svc.StartManual(context.Background(), rec)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if id != "session-1" || rec.cleared != 1 {
		t.Fatalf("id=%q cleared=%d", id, rec.cleared)
	}

	select {
	case <-rec.done:
	case <-time.After(5 * time.Second):
		t.Fatal("manual run did not finish")
	}
	svc.Wait()

	if rec.completed == nil || !rec.completed.Success || rec.completed.Trigger != TriggerManual {
		t.Fatalf("completed = %#v failure = %v", rec.completed, rec.failure)
	}
	if _, running := svc.guard.Active(); running {
		t.Fatal("guard should be released")
	}
}

func TestStartManualRequiresRecipients(t *testing.T) {
	s := testSettings()
	s.Groups[0].Email = ""
	svc, _ := newTestService(t, s)

	if _, err := svc.StartManual(context.Background(), newFakeRecorder()); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("err = %v", err)
	}
}

func TestStartManualConflictsWithScheduledRun(t *testing.T) {
	svc, _ := newTestService(t, testSettings())
	release, err := svc.guard.Acquire(context.Background(), TriggerScheduled)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	_, err = svc.StartManual(context.Background(), newFakeRecorder())
	if !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("err = %v", err)
	}
	if err.Error() != "automatic monitoring is running, try again later" {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestProcessTickSkipsWhenBusy(t *testing.T) {
	svc, f := newTestService(t, testSettings())
	release, err := svc.guard.Acquire(context.Background(), TriggerManual)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()

	if err := svc.ProcessTick(context.Background(), insideWindow); err != nil {
		t.Fatalf("busy tick should be skipped quietly: %v", err)
	}
	if len(f.scraper.calls) != 0 {
		t.Fatal("skipped tick must not scrape")
	}
}

func TestProcessTickRunsAndCleansUp(t *testing.T) {
	svc, f := newTestService(t, testSettings())
	f.scraper.set("binance", model.Timeframe1h, "USDT", "4.0")
	ctx := context.Background()

	stale := storage.Observation{Key: usdtKey, Symbol: "USDT", Exchange: "binance", Timeframe: model.Timeframe1h, Rate: rates("3").AnnualRate, ObservedAt: insideWindow.Add(-8 * 24 * time.Hour)}
	if err := f.store.RecordObservation(ctx, stale); err != nil {
		t.Fatalf("record: %v", err)
	}

	if err := svc.ProcessTick(ctx, insideWindow); err != nil {
		t.Fatalf("tick: %v", err)
	}
	observations, err := f.store.ListObservations(ctx, usdtKey, insideWindow.Add(-30*24*time.Hour), insideWindow.Add(time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(observations) != 1 || !observations[0].ObservedAt.Equal(insideWindow) {
		t.Fatalf("observations = %#v", observations)
	}
}

func TestResetCooldown(t *testing.T) {
	svc, f := newTestService(t, testSettings())
	ctx := context.Background()

	if _, err := svc.ResetCooldown(ctx, usdtKey); !errors.Is(err, ErrNotInAlert) {
		t.Fatalf("err = %v, want ErrNotInAlert", err)
	}

	putState(t, f.store, model.InstrumentState{Key: usdtKey, Status: model.StatusAlert, NextNotification: timePtr(insideWindow.Add(time.Hour))})
	state, err := svc.ResetCooldown(ctx, usdtKey)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !state.NextNotification.Equal(insideWindow.Add(-time.Minute)) {
		t.Fatalf("next notification = %v", state.NextNotification)
	}
	if mustState(t, f.store, usdtKey).Cooling(insideWindow) {
		t.Fatal("cooldown should be over")
	}
}

func TestStatusReport(t *testing.T) {
	s := testSettings()
	s.Groups = append(s.Groups, model.Group{ID: "ops", Email: "ops@example.com", Enabled: false, Instruments: []model.Instrument{usdt("5.0")}})
	svc, f := newTestService(t, s)
	putState(t, f.store, model.InstrumentState{Key: usdtKey, Status: model.StatusAlert, NextNotification: timePtr(insideWindow.Add(time.Hour))})

	report, err := svc.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(report.Instruments) != 1 {
		t.Fatalf("instruments = %#v", report.Instruments)
	}
	got := report.Instruments[0]
	if got.Status != model.StatusAlert || !got.Cooling || len(got.Groups) != 2 || !got.Enabled {
		t.Fatalf("status = %#v", got)
	}
	if !report.WindowOpen || !report.NextTrigger.Equal(time.Date(2024, 5, 1, 15, 30, 0, 0, time.UTC)) {
		t.Fatalf("report = %#v", report)
	}
}
