package scheduler

import (
	"testing"
	"time"

	"coinrate-alerts/internal/model"
)

func windowSettings(start, end string) *model.Settings {
	s := settings()
	s.NotificationHours.Enabled = true
	s.NotificationHours.Start, _ = model.ParseClock(start)
	if end == "24:00" {
		s.NotificationHours.End = model.EndOfDay
	} else {
		s.NotificationHours.End, _ = model.ParseClock(end)
	}
	return s
}

func TestWithinWindowDaytime(t *testing.T) {
	s := windowSettings("09:00", "18:00")

	if WithinWindow(s, at(20, 0)) {
		t.Fatal("20:00 is outside 09:00-18:00")
	}
	if !WithinWindow(s, at(10, 0)) {
		t.Fatal("10:00 is inside 09:00-18:00")
	}
	if !WithinWindow(s, at(9, 0)) {
		t.Fatal("start is inclusive")
	}
	if WithinWindow(s, at(18, 0)) {
		t.Fatal("end is exclusive")
	}
}

func TestWithinWindowDisabled(t *testing.T) {
	s := windowSettings("09:00", "18:00")
	s.NotificationHours.Enabled = false
	if !WithinWindow(s, at(3, 0)) {
		t.Fatal("disabled window is always open")
	}
}

func TestWithinWindowOvernightNeverOpens(t *testing.T) {
	s := windowSettings("22:00", "02:00")
	for _, ts := range []time.Time{at(23, 0), at(1, 0), at(12, 0)} {
		if WithinWindow(s, ts) {
			t.Fatalf("overnight window must stay closed at %s", ts.Format("15:04"))
		}
	}
}

func TestWithinWindowEndOfDay(t *testing.T) {
	s := windowSettings("09:00", "24:00")
	if !WithinWindow(s, at(23, 59)) {
		t.Fatal("24:00 end includes 23:59")
	}
}

func TestNextWindowOpenAlwaysTomorrow(t *testing.T) {
	s := windowSettings("09:00", "18:00")
	want := time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC)

	if got := NextWindowOpen(s, at(7, 0)); !got.Equal(want) {
		t.Fatalf("before start: got %s want %s", got, want)
	}
	if got := NextWindowOpen(s, at(20, 0)); !got.Equal(want) {
		t.Fatalf("after end: got %s want %s", got, want)
	}
}
