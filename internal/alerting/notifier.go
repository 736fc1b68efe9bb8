package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"coinrate-alerts/internal/model"
)

// Message 封装单个收件人的通知内容。
type Message struct {
	Type           model.NotificationType
	Recipient      model.Recipient
	Instrument     model.Instrument
	Rate           decimal.Decimal
	Rates          *model.CoinRates
	SentAt         time.Time
	RepeatInterval time.Duration
	Deferred       bool
}

// Sender 定义邮件通知接口。返回 error 即视为发送失败。
type Sender interface {
	SendAlert(ctx context.Context, msg Message) error
	SendRecovery(ctx context.Context, msg Message) error
}

// EmailJSOptions 描述 EmailJS REST 参数。
type EmailJSOptions struct {
	APIURL     string
	ServiceID  string
	TemplateID string
	PublicKey  string
	PrivateKey string
	Timeout    time.Duration
}

// EmailJSSender 通过 EmailJS REST API 发送邮件。
type EmailJSSender struct {
	opts   EmailJSOptions
	client *http.Client
	logger zerolog.Logger
}

// NewEmailJSSender 构造 EmailJS 发送器。
func NewEmailJSSender(opts EmailJSOptions, logger zerolog.Logger) *EmailJSSender {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.APIURL == "" {
		opts.APIURL = "https://api.emailjs.com/api/v1.0/email/send"
	}
	return &EmailJSSender{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger.With().Str("component", "alert_email").Logger(),
	}
}

// SendAlert 发送阈值告警邮件。
func (s *EmailJSSender) SendAlert(ctx context.Context, msg Message) error {
	msg.Type = model.NotificationAlert
	return s.send(ctx, msg)
}

// SendRecovery 发送回落通知邮件。
func (s *EmailJSSender) SendRecovery(ctx context.Context, msg Message) error {
	msg.Type = model.NotificationRecovery
	return s.send(ctx, msg)
}

type emailJSRequest struct {
	ServiceID      string            `json:"service_id"`
	TemplateID     string            `json:"template_id"`
	UserID         string            `json:"user_id"`
	AccessToken    string            `json:"accessToken,omitempty"`
	TemplateParams map[string]string `json:"template_params"`
}

func (s *EmailJSSender) send(ctx context.Context, msg Message) error {
	if msg.Recipient.Email == "" {
		return fmt.Errorf("recipient email is empty")
	}

	payload := emailJSRequest{
		ServiceID:      s.opts.ServiceID,
		TemplateID:     s.opts.TemplateID,
		UserID:         s.opts.PublicKey,
		AccessToken:    s.opts.PrivateKey,
		TemplateParams: templateParams(msg),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal emailjs payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.APIURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create emailjs request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send emailjs request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("emailjs 响应码异常: %d %s", resp.StatusCode, strings.TrimSpace(string(text)))
	}

	s.logger.Info().
		Str("type", string(msg.Type)).
		Str("symbol", msg.Instrument.Symbol).
		Str("to", msg.Recipient.Email).
		Str("rate", msg.Rate.String()).
		Msg("通知邮件已发送")
	return nil
}

func templateParams(msg Message) map[string]string {
	params := map[string]string{
		"to_email":        msg.Recipient.Email,
		"to_name":         msg.Recipient.Name,
		"subject":         Subject(msg),
		"message":         RenderBody(msg),
		"type":            string(msg.Type),
		"symbol":          msg.Instrument.Symbol,
		"exchange":        msg.Instrument.Exchange,
		"timeframe":       string(msg.Instrument.Timeframe),
		"rate":            msg.Rate.StringFixed(2),
		"threshold":       msg.Instrument.Threshold.StringFixed(2),
		"sent_at":         msg.SentAt.Format("2006-01-02 15:04"),
		"repeat_interval": fmt.Sprintf("%d", int(msg.RepeatInterval.Minutes())),
	}
	return params
}

// Subject formats "HH:mm | SYMBOL(rate%)" for alerts and a recovered variant
// for recovery emails.
func Subject(msg Message) string {
	stamp := msg.SentAt.Format("15:04")
	if msg.Type == model.NotificationRecovery {
		return fmt.Sprintf("%s | %s recovered (%s%%)", stamp, msg.Instrument.Symbol, msg.Rate.StringFixed(2))
	}
	return fmt.Sprintf("%s | %s(%s%%)", stamp, msg.Instrument.Symbol, msg.Rate.StringFixed(2))
}

// RenderBody returns the plain-text email body.
func RenderBody(msg Message) string {
	builder := strings.Builder{}
	if msg.Type == model.NotificationRecovery {
		builder.WriteString("[Rate Recovery]\n")
	} else {
		builder.WriteString("[Rate Alert]\n")
	}
	builder.WriteString(fmt.Sprintf("Instrument: %s on %s (%s)\n", msg.Instrument.Symbol, msg.Instrument.Exchange, msg.Instrument.Timeframe))
	builder.WriteString(fmt.Sprintf("Rate: %s%% (threshold %s%%)\n", msg.Rate.StringFixed(4), msg.Instrument.Threshold.StringFixed(2)))
	if msg.Rates != nil {
		builder.WriteString(fmt.Sprintf("Daily: %s%%  Hourly: %s%%\n", msg.Rates.DailyRate.StringFixed(4), msg.Rates.HourlyRate.StringFixed(4)))
		if n := len(msg.Rates.History); n > 0 {
			last := msg.Rates.History[n-1]
			builder.WriteString(fmt.Sprintf("Latest history point: %s at %s\n", last.Rate.StringFixed(4), last.Time.Format(time.RFC3339)))
		}
	}
	builder.WriteString(fmt.Sprintf("Time: %s\n", msg.SentAt.Format("2006-01-02 15:04 MST")))
	if msg.Type == model.NotificationAlert && msg.RepeatInterval > 0 {
		builder.WriteString(fmt.Sprintf("Repeat alerts every %d minutes while above threshold.\n", int(msg.RepeatInterval.Minutes())))
	}
	if msg.Deferred {
		builder.WriteString("Delivered at the start of the notification window.\n")
	}
	return builder.String()
}

// LogSender 只记录日志而不发送，用于未配置邮件时的演练。
type LogSender struct {
	logger zerolog.Logger
}

// NewLogSender 构造日志发送器。
func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "alert_log").Logger()}
}

// SendAlert logs the alert.
func (l *LogSender) SendAlert(ctx context.Context, msg Message) error {
	msg.Type = model.NotificationAlert
	l.log(msg)
	return nil
}

// SendRecovery logs the recovery.
func (l *LogSender) SendRecovery(ctx context.Context, msg Message) error {
	msg.Type = model.NotificationRecovery
	l.log(msg)
	return nil
}

func (l *LogSender) log(msg Message) {
	l.logger.Info().
		Str("type", string(msg.Type)).
		Str("to", msg.Recipient.Email).
		Str("subject", Subject(msg)).
		Msg("notification (dry run)")
}

var (
	_ Sender = (*EmailJSSender)(nil)
	_ Sender = (*LogSender)(nil)
)
