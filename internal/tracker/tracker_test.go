package tracker

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinrate-alerts/internal/model"
	"coinrate-alerts/internal/service"
)

func fixedClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func twoGroupSettings() *model.Settings {
	inst := model.Instrument{Symbol: "USDT", Exchange: "binance", Timeframe: model.Timeframe1h, Threshold: decimal.NewFromInt(5), Enabled: true}
	off := inst
	off.Symbol = "BTC"
	off.Enabled = false
	return &model.Settings{Groups: []model.Group{
		{ID: "a", Email: "a@example.com", Enabled: true, Instruments: []model.Instrument{inst, off}},
		{ID: "b", Email: "b@example.com", Enabled: true, Instruments: []model.Instrument{inst}},
		{ID: "c", Email: "c@example.com", Enabled: false, Instruments: []model.Instrument{inst}},
	}}
}

func TestIdleStatus(t *testing.T) {
	tr := New(zerolog.Nop())
	snap := tr.Status()
	if snap.Running || snap.Phase != service.PhaseIdle || snap.SessionID != "" {
		t.Fatalf("idle snapshot = %#v", snap)
	}
}

func TestSessionLifecycle(t *testing.T) {
	tr := New(zerolog.Nop())
	tr.now = fixedClock(time.Date(2024, 5, 1, 14, 30, 0, 0, time.UTC))

	id := tr.StartSession(twoGroupSettings())
	if id == "" {
		t.Fatal("empty session id")
	}
	snap := tr.Status()
	if snap.Total != 2 || !snap.Running {
		t.Fatalf("total = %d (shared keys are counted per group)", snap.Total)
	}

	rate := decimal.RequireFromString("6.5")
	tr.SetPhase(service.PhaseEvaluating)
	tr.StartInstrument("USDT")
	tr.CompleteInstrument("USDT", true, &rate, nil)
	tr.StartInstrument("USDT")
	tr.CompleteInstrument("USDT", false, nil, errors.New("smtp unavailable"))

	snap = tr.Status()
	if snap.Processed != 2 || snap.Succeeded != 1 || snap.Failed != 1 || snap.Progress != 100 {
		t.Fatalf("counters = %#v", snap)
	}
	if snap.Phase != service.PhaseEvaluating {
		t.Fatalf("phase = %s", snap.Phase)
	}
	if len(snap.RecentErrors) != 1 || !strings.Contains(snap.RecentErrors[0], "smtp unavailable") {
		t.Fatalf("errors = %#v", snap.RecentErrors)
	}
	if !strings.HasPrefix(snap.Logs[0], "[14:30:") {
		t.Fatalf("log line not timestamped: %q", snap.Logs[0])
	}

	tr.CompleteSession(&service.RunResult{Trigger: service.TriggerManual, Success: true})
	final := tr.Status()
	if final.Running || final.Phase != service.PhaseDone || final.FinishedAt == nil || final.Result == nil {
		t.Fatalf("final = %#v", final)
	}
	if final.DurationMillis <= 0 {
		t.Fatalf("duration = %d", final.DurationMillis)
	}

	// finalized sessions ignore mutation
	tr.AddLog("late")
	tr.CompleteInstrument("BTC", true, nil, nil)
	tr.FailSession(errors.New("late failure"))
	after := tr.Status()
	if after.Processed != 2 || after.Phase != service.PhaseDone || len(after.Logs) != len(final.Logs) {
		t.Fatalf("finalized session mutated: %#v", after)
	}

	tr.ClearSession()
	if tr.Status().SessionID != "" {
		t.Fatal("clear should drop the session")
	}
}

func TestLogAndErrorCaps(t *testing.T) {
	tr := New(zerolog.Nop())
	tr.StartSession(twoGroupSettings())
	for i := 0; i < 80; i++ {
		tr.AddLog(fmt.Sprintf("line %d", i))
	}
	for i := 0; i < 5; i++ {
		tr.CompleteInstrument("X", false, nil, fmt.Errorf("err %d", i))
	}
	snap := tr.Status()
	if len(snap.Logs) != maxLogs {
		t.Fatalf("logs = %d, want %d", len(snap.Logs), maxLogs)
	}
	if len(snap.RecentErrors) != maxErrors || !strings.Contains(snap.RecentErrors[2], "err 4") {
		t.Fatalf("errors = %#v", snap.RecentErrors)
	}
	if snap.Progress != 100 {
		t.Fatalf("progress should cap at 100, got %d", snap.Progress)
	}
}

func TestFailSession(t *testing.T) {
	tr := New(zerolog.Nop())
	tr.StartSession(twoGroupSettings())
	tr.FailSession(errors.New("load state: disk full"))

	snap := tr.Status()
	if snap.Running || snap.Phase != service.PhaseFailed || snap.Error != "load state: disk full" {
		t.Fatalf("snapshot = %#v", snap)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	tr := New(zerolog.Nop())
	tr.StartSession(twoGroupSettings())
	snap := tr.Status()
	snap.Logs[0] = "mutated"
	if tr.Status().Logs[0] == "mutated" {
		t.Fatal("snapshot shares log storage with the tracker")
	}
}

func TestConcurrentReadsDuringRun(t *testing.T) {
	tr := New(zerolog.Nop())
	tr.StartSession(twoGroupSettings())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			tr.StartInstrument("USDT")
			tr.CompleteInstrument("USDT", true, nil, nil)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			snap := tr.Status()
			if snap.Processed < snap.Succeeded {
				t.Errorf("inconsistent snapshot: %#v", snap)
				return
			}
		}
	}()
	wg.Wait()
}
