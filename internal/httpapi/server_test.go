package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinrate-alerts/internal/model"
	"coinrate-alerts/internal/service"
	"coinrate-alerts/internal/storage"
	"coinrate-alerts/internal/tracker"
)

type fakeMonitor struct {
	startErr  error
	resetErr  error
	resetKey  string
	deferred  []model.DeferredNotification
	startedBy service.SessionRecorder
}

func (f *fakeMonitor) StartManual(parent context.Context, rec service.SessionRecorder) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.startedBy = rec
	rec.ClearSession()
	return rec.StartSession(&model.Settings{}), nil
}

func (f *fakeMonitor) Status(ctx context.Context) (*service.StatusReport, error) {
	return &service.StatusReport{Enabled: true, Instruments: []service.InstrumentStatus{{Key: "USDT_binance_1h", Status: model.StatusAlert}}}, nil
}

func (f *fakeMonitor) Deferred(ctx context.Context) ([]model.DeferredNotification, error) {
	return f.deferred, nil
}

func (f *fakeMonitor) ResetCooldown(ctx context.Context, key string) (model.InstrumentState, error) {
	f.resetKey = key
	if f.resetErr != nil {
		return model.InstrumentState{}, f.resetErr
	}
	next := time.Now().Add(-time.Minute)
	return model.InstrumentState{Key: key, Status: model.StatusAlert, NextNotification: &next}, nil
}

func newTestServer(m *fakeMonitor) (*Server, *tracker.Tracker) {
	tr := tracker.New(zerolog.Nop())
	return New(context.Background(), m, tr, nil, Options{AllowedOrigins: []string{"*"}}, zerolog.Nop()), tr
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(&fakeMonitor{})
	rr := do(t, srv.Router(), http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK || rr.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("health = %d %s", rr.Code, rr.Header().Get("Content-Type"))
	}
}

func TestRunAcceptedAndStatus(t *testing.T) {
	m := &fakeMonitor{}
	srv, tr := newTestServer(m)
	h := srv.Router()

	rr := do(t, h, http.MethodPost, "/api/monitor/run", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["session_id"] == "" || m.startedBy != tr {
		t.Fatalf("body = %#v", body)
	}

	rr = do(t, h, http.MethodGet, "/api/monitor/run/status", nil)
	var snap tracker.Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.SessionID != body["session_id"] || !snap.Running {
		t.Fatalf("snapshot = %#v", snap)
	}
}

func TestRunConflict(t *testing.T) {
	srv, _ := newTestServer(&fakeMonitor{startErr: &service.ConflictError{Active: service.TriggerScheduled}})
	rr := do(t, srv.Router(), http.MethodPost, "/api/monitor/run", nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d", rr.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	if body["code"] != "run_in_progress" || body["error"] != "automatic monitoring is running, try again later" {
		t.Fatalf("body = %#v", body)
	}
}

func TestRunWithoutRecipients(t *testing.T) {
	srv, _ := newTestServer(&fakeMonitor{startErr: service.ErrNoRecipients})
	rr := do(t, srv.Router(), http.MethodPost, "/api/monitor/run", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestInstrumentsAndDeferred(t *testing.T) {
	m := &fakeMonitor{deferred: []model.DeferredNotification{{
		Key:  "USDT_binance_1h",
		Type: model.NotificationAlert,
		Payload: model.NotificationPayload{
			Instrument: model.Instrument{Symbol: "USDT"},
			Rate:       decimal.RequireFromString("6.5"),
			Recipients: []model.Recipient{{Email: "desk@example.com"}},
		},
		ScheduledTime: time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC),
	}}}
	srv, _ := newTestServer(m)
	h := srv.Router()

	rr := do(t, h, http.MethodGet, "/api/status/instruments", nil)
	var report service.StatusReport
	if err := json.Unmarshal(rr.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(report.Instruments) != 1 || report.Instruments[0].Status != model.StatusAlert {
		t.Fatalf("report = %#v", report)
	}

	rr = do(t, h, http.MethodGet, "/api/status/deferred", nil)
	var views []deferredView
	if err := json.Unmarshal(rr.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 1 || views[0].Rate != "6.5" || views[0].Recipients[0] != "desk@example.com" {
		t.Fatalf("views = %#v", views)
	}
}

func TestResetCooldownEndpoint(t *testing.T) {
	m := &fakeMonitor{}
	srv, _ := newTestServer(m)
	h := srv.Router()

	rr := do(t, h, http.MethodPost, "/api/status/cooldown/reset", map[string]string{"symbol": "usdt", "exchange": "Binance", "timeframe": "1h"})
	if rr.Code != http.StatusOK || m.resetKey != "USDT_binance_1h" {
		t.Fatalf("status = %d key = %q", rr.Code, m.resetKey)
	}

	m.resetErr = service.ErrNotInAlert
	rr = do(t, h, http.MethodPost, "/api/status/cooldown/reset", map[string]string{"key": "USDT_binance_1h"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rr.Code)
	}

	rr = do(t, h, http.MethodPost, "/api/status/cooldown/reset", map[string]string{"symbol": "USDT"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("incomplete body status = %d", rr.Code)
	}

	m.resetErr = errors.New("disk full")
	rr = do(t, h, http.MethodPost, "/api/status/cooldown/reset", map[string]string{"key": "BTC_okx_24h"})
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestResetCooldownNormalisesKey(t *testing.T) {
	m := &fakeMonitor{}
	srv, _ := newTestServer(m)
	h := srv.Router()

	rr := do(t, h, http.MethodPost, "/api/status/cooldown/reset", map[string]string{"key": " usdt_Binance_1h "})
	if rr.Code != http.StatusOK || m.resetKey != "USDT_binance_1h" {
		t.Fatalf("status = %d key = %q", rr.Code, m.resetKey)
	}
	if !strings.Contains(rr.Body.String(), `"key":"USDT_binance_1h"`) {
		t.Fatalf("body = %s", rr.Body.String())
	}

	m.resetKey = ""
	for _, bad := range []string{"X", "usdt_binance", "usdt_binance_4h", "_binance_1h"} {
		rr = do(t, h, http.MethodPost, "/api/status/cooldown/reset", map[string]string{"key": bad})
		if rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), "invalid_body") {
			t.Fatalf("%s: status = %d body = %s", bad, rr.Code, rr.Body.String())
		}
	}
	if m.resetKey != "" {
		t.Fatalf("malformed key reached the monitor: %q", m.resetKey)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	store, err := storage.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	for i := 0; i < 3; i++ {
		rec := storage.NotificationRecord{Key: "USDT_binance_1h", Symbol: "USDT", Type: model.NotificationAlert, Recipient: "desk@example.com", Rate: decimal.NewFromInt(6), Threshold: decimal.NewFromInt(5), SentAt: time.Now().Add(time.Duration(i) * time.Minute)}
		if err := store.RecordNotification(ctx, rec); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	srv := New(ctx, &fakeMonitor{}, tracker.New(zerolog.Nop()), store, Options{}, zerolog.Nop())
	h := srv.Router()

	rr := do(t, h, http.MethodGet, "/api/status/history?limit=2", nil)
	var records []storage.NotificationRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d", len(records))
	}

	rr = do(t, h, http.MethodGet, "/api/status/history?limit=abc", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(&fakeMonitor{})
	req := httptest.NewRequest(http.MethodOptions, "/api/monitor/run", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatalf("missing CORS headers: %#v", rr.Header())
	}
}
