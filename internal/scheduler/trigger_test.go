package scheduler

import (
	"testing"
	"time"

	"coinrate-alerts/internal/model"
)

func at(hour, minute int) time.Time {
	return time.Date(2024, 5, 1, hour, minute, 0, 0, time.UTC)
}

func settings() *model.Settings {
	return &model.Settings{Location: time.UTC}
}

func TestShouldTriggerHourlyMinute(t *testing.T) {
	s := settings()
	s.Trigger = &model.TriggerSettings{HourlyMinute: 30, DailyHour: -1}

	if !ShouldTrigger(s, at(14, 30)) {
		t.Fatal("14:30 should trigger")
	}
	if ShouldTrigger(s, at(14, 31)) {
		t.Fatal("14:31 should not trigger")
	}
}

func TestShouldTriggerDailyRule(t *testing.T) {
	s := settings()
	s.Trigger = &model.TriggerSettings{HourlyMinute: 0, DailyHour: 9, DailyMinute: 15}

	if !ShouldTrigger(s, at(9, 15)) {
		t.Fatal("09:15 should trigger via daily rule")
	}
	if ShouldTrigger(s, at(10, 15)) {
		t.Fatal("10:15 matches neither rule")
	}
	if !ShouldTrigger(s, at(10, 0)) {
		t.Fatal("10:00 should trigger via hourly rule")
	}
}

func TestShouldTriggerDefaultRule(t *testing.T) {
	s := settings()
	if !ShouldTrigger(s, at(3, 0)) {
		t.Fatal("absent trigger settings fire on minute 0")
	}
	if ShouldTrigger(s, at(3, 1)) {
		t.Fatal("absent trigger settings fire only on minute 0")
	}
}

func TestShouldTriggerUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	s := &model.Settings{Location: loc, Trigger: &model.TriggerSettings{HourlyMinute: 59, DailyHour: 9, DailyMinute: 0}}
	// 01:00 UTC is 09:00 in UTC+8.
	if !ShouldTrigger(s, at(1, 0)) {
		t.Fatal("daily rule must be evaluated in the settings location")
	}
}

func TestNextTrigger(t *testing.T) {
	s := settings()
	s.Trigger = &model.TriggerSettings{HourlyMinute: 30, DailyHour: 9, DailyMinute: 5}

	if got := NextTrigger(s, at(8, 10)); !got.Equal(at(8, 30)) {
		t.Fatalf("next from 08:10 = %s", got)
	}
	if got := NextTrigger(s, at(8, 45)); !got.Equal(at(9, 5)) {
		t.Fatalf("next from 08:45 = %s", got)
	}
	if got := NextTrigger(s, at(14, 30)); !got.Equal(at(15, 30)) {
		t.Fatalf("next from 14:30 = %s", got)
	}

	def := settings()
	if got := NextTrigger(def, at(23, 20)); !got.Equal(time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("default next from 23:20 = %s", got)
	}
}
