package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SMSConfig holds SMS gateway settings
type SMSConfig struct {
	URL     string // Gateway endpoint accepting a JSON batch
	APIKey  string
	Sender  string
	Timeout time.Duration
}

// SMSGateway posts SMS batches to an HTTP gateway
type SMSGateway struct {
	config     SMSConfig
	httpClient *http.Client
}

// smsRequest is the gateway payload
type smsRequest struct {
	Sender     string   `json:"sender,omitempty"`
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"`
}

// NewSMSGateway creates an SMSGateway
func NewSMSGateway(config SMSConfig) (*SMSGateway, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("sms gateway url is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &SMSGateway{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

// SendSMS posts one batch for all recipients
func (g *SMSGateway) SendSMS(ctx context.Context, msg SMSMessage) error {
	return g.postJSON(ctx, smsRequest{
		Sender:     g.config.Sender,
		Recipients: msg.To,
		Message:    msg.Text,
	})
}

// postJSON sends a POST request with JSON body to the gateway
func (g *SMSGateway) postJSON(ctx context.Context, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if g.config.APIKey != "" {
		req.Header.Set("X-API-Key", g.config.APIKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("gateway error %d: %s", resp.StatusCode, string(body))
	}

	return nil
}
