package scheduler

import (
	"time"

	"coinrate-alerts/internal/model"
)

// ShouldTrigger reports whether a scheduled run may execute at now. It is
// meant to be evaluated once per minute.
func ShouldTrigger(s *model.Settings, now time.Time) bool {
	local := s.In(now)
	if s.Trigger == nil {
		return local.Minute() == 0
	}
	if local.Minute() == s.Trigger.HourlyMinute {
		return true
	}
	return local.Hour() == s.Trigger.DailyHour && local.Minute() == s.Trigger.DailyMinute
}

// NextTrigger returns the first minute strictly after now at which
// ShouldTrigger holds.
func NextTrigger(s *model.Settings, now time.Time) time.Time {
	local := s.In(now).Truncate(time.Minute)

	hourly := 0
	if s.Trigger != nil {
		hourly = s.Trigger.HourlyMinute
	}
	next := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), hourly, 0, 0, local.Location())
	if !next.After(local) {
		next = next.Add(time.Hour)
	}

	if s.Trigger != nil && s.Trigger.DailyHour >= 0 {
		daily := time.Date(local.Year(), local.Month(), local.Day(), s.Trigger.DailyHour, s.Trigger.DailyMinute, 0, 0, local.Location())
		if !daily.After(local) {
			daily = daily.AddDate(0, 0, 1)
		}
		if daily.Before(next) {
			next = daily
		}
	}
	return next
}
