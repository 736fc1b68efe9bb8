package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// DefaultRepeatInterval is the re-alert cadence in minutes.
	DefaultRepeatInterval = 180
	defaultWindowStart    = "09:00"
	defaultWindowEnd      = "24:00"
)

// RawSettings mirrors the settings file before validation.
type RawSettings struct {
	Enabled           bool                 `mapstructure:"enabled"`
	RepeatInterval    int                  `mapstructure:"repeat_interval"`
	Timezone          string               `mapstructure:"timezone"`
	TriggerSettings   *RawTrigger          `mapstructure:"trigger_settings"`
	NotificationHours RawNotificationHours `mapstructure:"notification_hours"`
	Groups            []RawGroup           `mapstructure:"groups"`
}

// RawTrigger is the file form of TriggerSettings.
type RawTrigger struct {
	HourlyMinute int    `mapstructure:"hourly_minute"`
	DailyTime    string `mapstructure:"daily_time"`
}

// RawNotificationHours is the file form of NotificationHours.
type RawNotificationHours struct {
	Enabled bool   `mapstructure:"enabled"`
	Start   string `mapstructure:"start"`
	End     string `mapstructure:"end"`
}

// RawGroup is the file form of Group.
type RawGroup struct {
	ID          string          `mapstructure:"id"`
	Name        string          `mapstructure:"name"`
	Email       string          `mapstructure:"email"`
	Enabled     *bool           `mapstructure:"enabled"`
	Instruments []RawInstrument `mapstructure:"instruments"`
}

// RawInstrument is the file form of Instrument.
type RawInstrument struct {
	Symbol    string  `mapstructure:"symbol"`
	Exchange  string  `mapstructure:"exchange"`
	Timeframe string  `mapstructure:"timeframe"`
	Threshold float64 `mapstructure:"threshold"`
	Enabled   *bool   `mapstructure:"enabled"`
}

// DefaultRawSettings returns the settings used when no file exists.
func DefaultRawSettings() RawSettings {
	return RawSettings{
		Enabled:         false,
		RepeatInterval:  DefaultRepeatInterval,
		TriggerSettings: &RawTrigger{HourlyMinute: 0, DailyTime: "09:00"},
		NotificationHours: RawNotificationHours{
			Enabled: false,
			Start:   defaultWindowStart,
			End:     defaultWindowEnd,
		},
		Groups: []RawGroup{{
			ID:   "default",
			Name: "default",
			Instruments: []RawInstrument{{
				Symbol:    "USDT",
				Exchange:  "binance",
				Timeframe: string(Timeframe1h),
				Threshold: 5.0,
			}},
		}},
	}
}

// ParseSettings validates raw settings once and fills defaults. Non-fatal
// findings are returned as warnings.
func ParseSettings(raw RawSettings) (*Settings, []string, error) {
	var warnings []string

	if raw.RepeatInterval < 0 {
		return nil, nil, errors.New("repeat_interval cannot be negative")
	}
	repeat := raw.RepeatInterval
	if repeat == 0 {
		repeat = DefaultRepeatInterval
	}

	loc := time.Local
	if tz := strings.TrimSpace(raw.Timezone); tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return nil, nil, fmt.Errorf("timezone: %w", err)
		}
		loc = parsed
	}

	s := &Settings{
		Enabled:        raw.Enabled,
		RepeatInterval: time.Duration(repeat) * time.Minute,
		Location:       loc,
	}

	if raw.TriggerSettings != nil {
		trigger, err := parseTrigger(*raw.TriggerSettings)
		if err != nil {
			return nil, nil, err
		}
		s.Trigger = trigger
	}

	hours, warn, err := parseNotificationHours(raw.NotificationHours)
	if err != nil {
		return nil, nil, err
	}
	s.NotificationHours = hours
	warnings = append(warnings, warn...)

	thresholds := make(map[string]decimal.Decimal)
	for gi, rg := range raw.Groups {
		group := Group{
			ID:      strings.TrimSpace(rg.ID),
			Name:    strings.TrimSpace(rg.Name),
			Email:   strings.TrimSpace(rg.Email),
			Enabled: boolOr(rg.Enabled, true),
		}
		if group.ID == "" {
			group.ID = fmt.Sprintf("group-%d", gi+1)
		}
		if group.Name == "" {
			group.Name = group.ID
		}
		for ii, ri := range rg.Instruments {
			inst, err := parseInstrument(ri)
			if err != nil {
				return nil, nil, fmt.Errorf("groups[%d].instruments[%d]: %w", gi, ii, err)
			}
			if group.Enabled && inst.Enabled {
				key := inst.Key()
				if prev, ok := thresholds[key]; ok && !prev.Equal(inst.Threshold) {
					warnings = append(warnings, fmt.Sprintf("%s has conflicting thresholds (%s, %s); the first one is used", key, prev, inst.Threshold))
				} else if !ok {
					thresholds[key] = inst.Threshold
				}
			}
			group.Instruments = append(group.Instruments, inst)
		}
		if group.Enabled && group.Email == "" && len(group.Instruments) > 0 {
			warnings = append(warnings, fmt.Sprintf("group %s has no email; its instruments are evaluated but nobody is notified", group.ID))
		}
		s.Groups = append(s.Groups, group)
	}

	return s, warnings, nil
}

func parseTrigger(raw RawTrigger) (*TriggerSettings, error) {
	if raw.HourlyMinute < 0 || raw.HourlyMinute > 59 {
		return nil, fmt.Errorf("trigger_settings.hourly_minute must be 0-59, got %d", raw.HourlyMinute)
	}
	trigger := &TriggerSettings{HourlyMinute: raw.HourlyMinute, DailyHour: -1}
	if strings.TrimSpace(raw.DailyTime) != "" {
		daily, err := ParseClock(raw.DailyTime)
		if err != nil {
			return nil, fmt.Errorf("trigger_settings.daily_time: %w", err)
		}
		trigger.DailyHour = daily.Hour()
		trigger.DailyMinute = daily.Minute()
	}
	return trigger, nil
}

func parseNotificationHours(raw RawNotificationHours) (NotificationHours, []string, error) {
	startRaw := raw.Start
	if strings.TrimSpace(startRaw) == "" {
		startRaw = defaultWindowStart
	}
	endRaw := raw.End
	if strings.TrimSpace(endRaw) == "" {
		endRaw = defaultWindowEnd
	}

	start, err := ParseClock(startRaw)
	if err != nil {
		return NotificationHours{}, nil, fmt.Errorf("notification_hours.start: %w", err)
	}
	var end ClockTime
	if strings.TrimSpace(endRaw) == "24:00" {
		end = EndOfDay
	} else if end, err = ParseClock(endRaw); err != nil {
		return NotificationHours{}, nil, fmt.Errorf("notification_hours.end: %w", err)
	}

	var warnings []string
	if raw.Enabled && start >= end {
		warnings = append(warnings, fmt.Sprintf("notification_hours %s-%s does not open on any day; overnight windows are not supported", start, end))
	}
	return NotificationHours{Enabled: raw.Enabled, Start: start, End: end}, warnings, nil
}

func parseInstrument(raw RawInstrument) (Instrument, error) {
	symbol := strings.ToUpper(strings.TrimSpace(raw.Symbol))
	if symbol == "" {
		return Instrument{}, errors.New("symbol is required")
	}
	exchange := strings.ToLower(strings.TrimSpace(raw.Exchange))
	if exchange == "" {
		return Instrument{}, errors.New("exchange is required")
	}
	tf := Timeframe(strings.TrimSpace(raw.Timeframe))
	if tf == "" {
		tf = Timeframe1h
	}
	if !tf.Valid() {
		return Instrument{}, fmt.Errorf("timeframe must be 1h or 24h, got %q", raw.Timeframe)
	}
	return Instrument{
		Symbol:    symbol,
		Exchange:  exchange,
		Timeframe: tf,
		Threshold: decimal.NewFromFloat(raw.Threshold),
		Enabled:   boolOr(raw.Enabled, true),
	}, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
