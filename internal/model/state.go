package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the alert state of one instrument key.
type Status string

const (
	StatusNormal Status = "normal"
	StatusAlert  Status = "alert"
)

// NotificationType distinguishes alert and recovery emails.
type NotificationType string

const (
	NotificationAlert    NotificationType = "alert"
	NotificationRecovery NotificationType = "recovery"
)

// InstrumentState is the persisted alert state for one instrument key.
type InstrumentState struct {
	Key                 string
	Status              Status
	LastRate            decimal.NullDecimal
	LastNotification    *time.Time
	NextNotification    *time.Time
	PendingNotification bool
	UpdatedAt           time.Time
}

// NewInstrumentState returns the lazily created default state.
func NewInstrumentState(key string) InstrumentState {
	return InstrumentState{Key: key, Status: StatusNormal}
}

// Cooling reports whether repeat alerts are still suppressed at now. An alert
// without a recorded next_notification is treated as expired.
func (s InstrumentState) Cooling(now time.Time) bool {
	return s.NextNotification != nil && now.Before(*s.NextNotification)
}

// RatePoint is one historical rate reading.
type RatePoint struct {
	Time time.Time       `json:"time"`
	Rate decimal.Decimal `json:"rate"`
}

// CoinRates holds the scraped rates of one symbol. AnnualRate is the value
// compared against thresholds.
type CoinRates struct {
	AnnualRate decimal.Decimal `json:"annual_rate"`
	DailyRate  decimal.Decimal `json:"daily_rate"`
	HourlyRate decimal.Decimal `json:"hourly_rate"`
	History    []RatePoint     `json:"history,omitempty"`
}

// RateData is one scrape batch result.
type RateData struct {
	Exchange  string               `json:"exchange"`
	Timeframe Timeframe            `json:"timeframe"`
	Coins     map[string]CoinRates `json:"coins"`
}

// Coin looks up a symbol case-insensitively.
func (d *RateData) Coin(symbol string) (CoinRates, bool) {
	if d == nil || d.Coins == nil {
		return CoinRates{}, false
	}
	if c, ok := d.Coins[symbol]; ok {
		return c, true
	}
	upper := strings.ToUpper(symbol)
	for k, c := range d.Coins {
		if strings.ToUpper(k) == upper {
			return c, true
		}
	}
	return CoinRates{}, false
}

// NotificationPayload is everything needed to send a deferred email later.
type NotificationPayload struct {
	Instrument Instrument      `json:"instrument"`
	Rate       decimal.Decimal `json:"rate"`
	Rates      *CoinRates      `json:"rates,omitempty"`
	Recipients []Recipient     `json:"recipients"`
	DecidedAt  time.Time       `json:"decided_at"`
}

// DeferredNotification is a decided but unsent notification. The queue holds
// at most one entry per key; saving again overwrites it.
type DeferredNotification struct {
	Key           string
	Type          NotificationType
	Payload       NotificationPayload
	ScheduledTime time.Time
	CreatedAt     time.Time
}

// Due reports whether the entry should be sent at now.
func (d DeferredNotification) Due(now time.Time) bool {
	return !d.ScheduledTime.After(now)
}
