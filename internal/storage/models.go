package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"coinrate-alerts/internal/model"
)

// Observation is one scraped rate for an instrument key.
type Observation struct {
	Key        string          `json:"key"`
	Symbol     string          `json:"symbol"`
	Exchange   string          `json:"exchange"`
	Timeframe  model.Timeframe `json:"timeframe"`
	Rate       decimal.Decimal `json:"rate"`
	ObservedAt time.Time       `json:"observed_at"`
}

// NotificationRecord captures a delivered email for auditing.
type NotificationRecord struct {
	ID        int64                  `json:"id"`
	Key       string                 `json:"key"`
	Symbol    string                 `json:"symbol"`
	Type      model.NotificationType `json:"type"`
	Recipient string                 `json:"recipient"`
	Rate      decimal.Decimal        `json:"rate"`
	Threshold decimal.Decimal        `json:"threshold"`
	SentAt    time.Time              `json:"sent_at"`
}
