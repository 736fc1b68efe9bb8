package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinrate-alerts/internal/model"
)

func TestRateClientRejectsEmptyBatch(t *testing.T) {
	c := NewRateClient(RateOptions{BaseURL: "http://127.0.0.1:1"}, zerolog.Nop())
	if _, err := c.ScrapeRates(context.Background(), "binance", "USDT", model.Timeframe1h, nil); err == nil {
		t.Fatal("empty symbol list should fail")
	}
}

func TestRateClientHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "page did not load"})
	}))
	defer srv.Close()

	c := NewRateClient(RateOptions{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	_, err := c.ScrapeRates(context.Background(), "binance", "USDT", model.Timeframe1h, []string{"USDT"})
	if err == nil {
		t.Fatal("HTTP 502 should fail")
	}
	if want := "scraper error (502): page did not load"; err.Error() != want {
		t.Fatalf("error = %q, want %q", err, want)
	}
}

func TestRateClientSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ratesPath {
			t.Errorf("path = %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("exchange") != "binance" || q.Get("coin") != "USDT" || q.Get("timeframe") != "24h" || q.Get("symbols") != "USDT,BTC" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"exchange": "binance",
			"coins": {
				"USDT": {"annual_rate": 6.5, "daily_rate": "0.0178", "hourly_rate": 0.0007,
					"history": [{"time": "2024-05-01T10:00:00Z", "rate": 6.1}]},
				"BTC": {"annual_rate": "3.2"}
			}
		}`))
	}))
	defer srv.Close()

	c := NewRateClient(RateOptions{BaseURL: srv.URL + "/", Timeout: time.Second, RequestsPerSecond: 100}, zerolog.Nop())
	data, err := c.ScrapeRates(context.Background(), "binance", "USDT", model.Timeframe24h, []string{"USDT", "BTC"})
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	usdt, ok := data.Coin("usdt")
	if !ok {
		t.Fatal("USDT missing")
	}
	if !usdt.AnnualRate.Equal(decimal.RequireFromString("6.5")) {
		t.Fatalf("annual rate = %s", usdt.AnnualRate)
	}
	if len(usdt.History) != 1 || !usdt.History[0].Rate.Equal(decimal.RequireFromString("6.1")) {
		t.Fatalf("history = %#v", usdt.History)
	}
	if data.Timeframe != model.Timeframe24h {
		t.Fatalf("timeframe = %s", data.Timeframe)
	}
}

func TestRateClientEmptyCoinsIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"exchange":"binance","coins":{}}`))
	}))
	defer srv.Close()

	c := NewRateClient(RateOptions{BaseURL: srv.URL}, zerolog.Nop())
	if _, err := c.ScrapeRates(context.Background(), "binance", "USDT", model.Timeframe1h, []string{"USDT"}); err == nil {
		t.Fatal("empty coin map should be a batch failure")
	}
}
