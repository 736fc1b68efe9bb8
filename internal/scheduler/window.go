package scheduler

import (
	"time"

	"coinrate-alerts/internal/model"
)

// WithinWindow reports whether now falls inside the notification hours.
// The window is [start, end) on the same day; a start after end never matches.
func WithinWindow(s *model.Settings, now time.Time) bool {
	hours := s.NotificationHours
	if !hours.Enabled {
		return true
	}
	clock := model.ClockOf(s.In(now))
	return clock >= hours.Start && clock < hours.End
}

// NextWindowOpen returns the window start on the next calendar day. It is the
// anchor for deferred notifications and always moves one day forward.
func NextWindowOpen(s *model.Settings, now time.Time) time.Time {
	local := s.In(now)
	start := s.NotificationHours.Start
	return time.Date(local.Year(), local.Month(), local.Day()+1, start.Hour(), start.Minute(), 0, 0, local.Location())
}
