// Package sms delivers one-time codes. Gateway posts to an HTTP SMS API;
// LogSender stands in for it where no gateway is configured.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const defaultTimeout = 15 * time.Second

type GatewayConfig struct {
	URL      string
	APIKey   string
	SenderID string
	// RatePerSec caps outbound requests across the process.
	RatePerSec float64
	Timeout    time.Duration
}

// Gateway sends messages through an HTTP SMS provider. It does not retry.
type Gateway struct {
	cfg     GatewayConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewGateway(cfg GatewayConfig, logger *zap.Logger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	return &Gateway{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		logger:  logger.Named("sms"),
	}
}

type sendRequest struct {
	To      string `json:"to"`
	From    string `json:"from,omitempty"`
	Message string `json:"message"`
}

// Send waits for an outbound slot, then posts the message. The message body
// is never logged.
func (g *Gateway) Send(ctx context.Context, phone, message string) error {
	if g.cfg.APIKey == "" {
		return fmt.Errorf("sms: api key not configured")
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("sms: throttled: %w", err)
	}

	raw, err := json.Marshal(sendRequest{To: phone, From: g.cfg.SenderID, Message: message})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("sms: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sms: request failed status=%d body=%s", resp.StatusCode, string(body))
	}

	g.logger.Debug("sms accepted by gateway",
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)
	return nil
}
