package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe selects which rate interval an instrument is scraped on.
type Timeframe string

const (
	Timeframe1h  Timeframe = "1h"
	Timeframe24h Timeframe = "24h"
)

// Valid reports whether the timeframe is one the scraper understands.
func (t Timeframe) Valid() bool {
	return t == Timeframe1h || t == Timeframe24h
}

// ClockTime is a wall-clock time of day in minutes since midnight.
type ClockTime int

// EndOfDay is the only value above 23:59 accepted, and only as a window end.
const EndOfDay ClockTime = 24 * 60

// ParseClock parses "HH:mm" with hours 0-23 and minutes 0-59.
func ParseClock(v string) (ClockTime, error) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock time %q: want HH:mm", v)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid clock time %q: hour must be 0-23", v)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid clock time %q: minute must be 0-59", v)
	}
	return ClockTime(hour*60 + minute), nil
}

// Hour returns the hour component.
func (c ClockTime) Hour() int { return int(c) / 60 }

// Minute returns the minute component.
func (c ClockTime) Minute() int { return int(c) % 60 }

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute())
}

// ClockOf returns the minutes since midnight of t in its own location.
func ClockOf(t time.Time) ClockTime {
	return ClockTime(t.Hour()*60 + t.Minute())
}

// TriggerSettings holds the two recurring trigger rules. A negative DailyHour
// disables the daily rule.
type TriggerSettings struct {
	HourlyMinute int
	DailyHour    int
	DailyMinute  int
}

// NotificationHours is the same-day window in which emails may be sent.
type NotificationHours struct {
	Enabled bool
	Start   ClockTime
	End     ClockTime
}

// Instrument is one (symbol, exchange, timeframe) watched against a threshold.
type Instrument struct {
	Symbol    string          `json:"symbol"`
	Exchange  string          `json:"exchange"`
	Timeframe Timeframe       `json:"timeframe"`
	Threshold decimal.Decimal `json:"threshold"`
	Enabled   bool            `json:"enabled"`
}

// Key returns the state key shared by every group watching the instrument.
func (i Instrument) Key() string {
	return InstrumentKey(i.Symbol, i.Exchange, i.Timeframe)
}

// InstrumentKey builds the composite key symbol+exchange+timeframe.
func InstrumentKey(symbol, exchange string, timeframe Timeframe) string {
	return fmt.Sprintf("%s_%s_%s", strings.ToUpper(symbol), strings.ToLower(exchange), timeframe)
}

// ParseInstrumentKey normalises a user supplied key such as usdt_Binance_1h.
// The symbol may itself contain underscores.
func ParseInstrumentKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	last := strings.LastIndex(key, "_")
	if last <= 0 {
		return "", fmt.Errorf("invalid instrument key %q, want SYMBOL_exchange_timeframe", key)
	}
	tf := Timeframe(strings.ToLower(key[last+1:]))
	rest := key[:last]
	mid := strings.LastIndex(rest, "_")
	if mid <= 0 || mid == len(rest)-1 {
		return "", fmt.Errorf("invalid instrument key %q, want SYMBOL_exchange_timeframe", key)
	}
	if !tf.Valid() {
		return "", fmt.Errorf("invalid instrument key %q: timeframe must be 1h or 24h", key)
	}
	return InstrumentKey(rest[:mid], rest[mid+1:], tf), nil
}

// Group bundles instruments under one notification recipient.
type Group struct {
	ID          string
	Name        string
	Email       string
	Enabled     bool
	Instruments []Instrument
}

// Recipient is a resolved notification destination.
type Recipient struct {
	GroupID string `json:"group_id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
}

// Settings is the validated monitoring configuration consumed by the core.
type Settings struct {
	Enabled           bool
	RepeatInterval    time.Duration
	Location          *time.Location
	Trigger           *TriggerSettings
	NotificationHours NotificationHours
	Groups            []Group
}

// In converts t into the settings location.
func (s *Settings) In(t time.Time) time.Time {
	if s.Location == nil {
		return t
	}
	return t.In(s.Location)
}

// EnabledInstrumentCount counts enabled instruments across enabled groups,
// without collapsing shared keys.
func (s *Settings) EnabledInstrumentCount() int {
	total := 0
	for _, g := range s.Groups {
		if !g.Enabled {
			continue
		}
		for _, inst := range g.Instruments {
			if inst.Enabled {
				total++
			}
		}
	}
	return total
}

// WatchTarget is one deduplicated evaluation unit.
type WatchTarget struct {
	Instrument  Instrument
	Recipients  []Recipient
	Occurrences int
}

// Key returns the instrument key of the target.
func (w WatchTarget) Key() string {
	return w.Instrument.Key()
}

// Targets collapses enabled instruments by key in configuration order. The
// first occurrence of a key defines the threshold; every enabled group watching
// the key becomes a recipient.
func (s *Settings) Targets() []WatchTarget {
	index := make(map[string]int)
	targets := make([]WatchTarget, 0)
	for _, g := range s.Groups {
		if !g.Enabled {
			continue
		}
		for _, inst := range g.Instruments {
			if !inst.Enabled {
				continue
			}
			key := inst.Key()
			pos, ok := index[key]
			if !ok {
				pos = len(targets)
				index[key] = pos
				targets = append(targets, WatchTarget{Instrument: inst})
			}
			target := &targets[pos]
			target.Occurrences++
			if g.Email != "" && !hasRecipient(target.Recipients, g.Email) {
				target.Recipients = append(target.Recipients, Recipient{GroupID: g.ID, Name: g.Name, Email: g.Email})
			}
		}
	}
	return targets
}

// HasRecipients reports whether at least one enabled group can be notified.
func (s *Settings) HasRecipients() bool {
	for _, g := range s.Groups {
		if g.Enabled && g.Email != "" {
			for _, inst := range g.Instruments {
				if inst.Enabled {
					return true
				}
			}
		}
	}
	return false
}

func hasRecipient(list []Recipient, email string) bool {
	for _, r := range list {
		if strings.EqualFold(r.Email, email) {
			return true
		}
	}
	return false
}
