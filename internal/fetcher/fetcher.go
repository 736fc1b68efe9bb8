package fetcher

import (
	"context"

	"coinrate-alerts/internal/model"
)

// Scraper retrieves current rates for a batch of symbols on one exchange and
// timeframe. representative is the symbol whose page is loaded to reach the
// exchange listing. A nil result with an error means the whole batch failed.
type Scraper interface {
	ScrapeRates(ctx context.Context, exchange, representative string, timeframe model.Timeframe, symbols []string) (*model.RateData, error)
}
