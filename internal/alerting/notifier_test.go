package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinrate-alerts/internal/model"
)

func testMessage() Message {
	return Message{
		Recipient: model.Recipient{GroupID: "desk", Name: "Desk", Email: "desk@example.com"},
		Instrument: model.Instrument{
			Symbol:    "USDT",
			Exchange:  "binance",
			Timeframe: model.Timeframe1h,
			Threshold: decimal.NewFromInt(5),
		},
		Rate:           decimal.RequireFromString("6.5"),
		SentAt:         time.Date(2024, 5, 1, 14, 30, 0, 0, time.UTC),
		RepeatInterval: 180 * time.Minute,
	}
}

func TestEmailJSSenderSuccess(t *testing.T) {
	var received emailJSRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("方法应为 POST, 实际 %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("解析请求体失败: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}))
	defer srv.Close()

	sender := NewEmailJSSender(EmailJSOptions{
		APIURL:     srv.URL,
		ServiceID:  "svc",
		TemplateID: "tpl",
		PublicKey:  "pub",
		PrivateKey: "priv",
		Timeout:    time.Second,
	}, zerolog.Nop())

	if err := sender.SendAlert(context.Background(), testMessage()); err != nil {
		t.Fatalf("SendAlert 应成功: %v", err)
	}

	if received.ServiceID != "svc" || received.TemplateID != "tpl" || received.UserID != "pub" || received.AccessToken != "priv" {
		t.Fatalf("凭据不正确: %#v", received)
	}
	params := received.TemplateParams
	if params["to_email"] != "desk@example.com" {
		t.Fatalf("to_email 不正确: %#v", params)
	}
	if params["subject"] != "14:30 | USDT(6.50%)" {
		t.Fatalf("subject 不正确: %q", params["subject"])
	}
	if params["type"] != "alert" {
		t.Fatalf("type 不正确: %q", params["type"])
	}
}

func TestEmailJSSenderNon200IsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("The Public Key is invalid"))
	}))
	defer srv.Close()

	sender := NewEmailJSSender(EmailJSOptions{APIURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	err := sender.SendRecovery(context.Background(), testMessage())
	if err == nil {
		t.Fatal("400 应报错")
	}
	if !strings.Contains(err.Error(), "Public Key") {
		t.Fatalf("错误信息应包含响应体: %v", err)
	}
}

func TestEmailJSSenderRequiresRecipient(t *testing.T) {
	sender := NewEmailJSSender(EmailJSOptions{APIURL: "http://127.0.0.1:1"}, zerolog.Nop())
	msg := testMessage()
	msg.Recipient.Email = ""
	if err := sender.SendAlert(context.Background(), msg); err == nil {
		t.Fatal("空收件人应报错")
	}
}

func TestSubjectAndBody(t *testing.T) {
	msg := testMessage()
	msg.Type = model.NotificationRecovery
	msg.Rate = decimal.RequireFromString("4")
	if got := Subject(msg); got != "14:30 | USDT recovered (4.00%)" {
		t.Fatalf("recovery subject = %q", got)
	}

	msg.Type = model.NotificationAlert
	msg.Deferred = true
	msg.Rates = &model.CoinRates{
		DailyRate: decimal.RequireFromString("0.0178"),
		History:   []model.RatePoint{{Time: msg.SentAt, Rate: decimal.RequireFromString("6.1")}},
	}
	body := RenderBody(msg)
	for _, want := range []string{"[Rate Alert]", "USDT on binance (1h)", "threshold 5.00%", "every 180 minutes", "notification window", "6.1000"} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
}
