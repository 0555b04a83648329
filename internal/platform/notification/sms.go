package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dental/clinic/internal/platform/phone"
)

type SMSGatewayConfig struct {
	// URL receives a JSON message per SMS.
	URL     string
	APIKey  string
	Sender  string
	Timeout time.Duration
}

// GatewaySMSSender posts messages to an HTTP SMS gateway. Recipients are sent
// in E.164 form.
type GatewaySMSSender struct {
	url    string
	apiKey string
	sender string
	client *http.Client
}

func NewGatewaySMSSender(cfg SMSGatewayConfig) *GatewaySMSSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GatewaySMSSender{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		sender: cfg.Sender,
		client: &http.Client{Timeout: timeout},
	}
}

type gatewayMessage struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Text string `json:"text"`
}

// SendSMS succeeds only when the gateway answers 2xx.
func (s *GatewaySMSSender) SendSMS(ctx context.Context, to, body string) error {
	msisdn, err := phone.E164(to)
	if err != nil {
		return fmt.Errorf("sms to %s: %w", to, err)
	}
	payload, err := json.Marshal(gatewayMessage{From: s.sender, To: msisdn, Text: body})
	if err != nil {
		return fmt.Errorf("encode sms: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sms gateway returned %d for %s", resp.StatusCode, msisdn)
	}
	return nil
}
