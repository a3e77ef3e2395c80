package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjannette/trahn-gateway/internal/httputil"
	"github.com/kjannette/trahn-gateway/internal/models"
)

const defaultName = "TrahnGateway"

// Sender posts short text messages to a Slack or Discord webhook.
type Sender struct {
	webhookURL string
	name       string
	httpClient *http.Client
	retry      httputil.RetryConfig
	log        *zap.Logger
}

func NewSender(webhookURL, name string, log *zap.Logger) *Sender {
	if name == "" {
		name = defaultName
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "notifications"))
	return &Sender{
		webhookURL: webhookURL,
		name:       name,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry: httputil.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   1 * time.Second,
			MaxDelay:    5 * time.Second,
			Logger:      log,
		},
		log: log,
	}
}

// Send logs msg and, when a webhook is configured, posts it. Failures are
// logged, never returned.
func (s *Sender) Send(ctx context.Context, msg string) {
	formatted := fmt.Sprintf("[%s] %s", s.name, msg)
	s.log.Info("notification", zap.String("message", msg))

	if s.webhookURL == "" {
		return
	}

	body, err := json.Marshal(s.formatPayload(formatted))
	if err != nil {
		s.log.Error("marshal notification", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := httputil.Do(ctx, s.httpClient, s.retry, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		s.log.Warn("webhook failed after retries", zap.Error(err))
		return
	}
	resp.Body.Close()
}

// NotifyTrade reports a trade that reached a terminal status.
func (s *Sender) NotifyTrade(ctx context.Context, t models.Trade) {
	s.Send(ctx, TradeMessage(t))
}

// TradeMessage is the one-line summary sent for a finished trade.
func TradeMessage(t models.Trade) string {
	mint := t.OutputMint
	if t.Direction == models.DirectionSell {
		mint = t.InputMint
	}
	switch t.Status {
	case models.StatusSubmitted:
		return fmt.Sprintf("trade %s submitted: %s %s of %s, bundle %s",
			t.ID, t.Direction, t.Amount, mint, t.BundleID)
	case models.StatusFailed:
		return fmt.Sprintf("trade %s failed: %s %s of %s: %s",
			t.ID, t.Direction, t.Amount, mint, t.Error)
	}
	return fmt.Sprintf("trade %s is %s", t.ID, t.Status)
}

func (s *Sender) formatPayload(msg string) map[string]string {
	if strings.Contains(s.webhookURL, "discord") {
		return map[string]string{
			"content":  msg,
			"username": s.name,
		}
	}
	return map[string]string{
		"text":     fmt.Sprintf("`%s`", msg),
		"username": s.name,
	}
}

func (s *Sender) Enabled() bool {
	return s.webhookURL != ""
}
