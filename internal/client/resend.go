// Client for the Resend transactional e-mail API.
//
// Env:
//   - RESEND_API_KEY: API key (re_...)
//   - FROM_EMAIL: sender address

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kulangara/backend/internal/config"
)

const resendEndpoint = "https://api.resend.com/emails"

type ResendClient struct {
	apiKey     string
	from       string
	endpoint   string
	httpClient *http.Client
}

type Email struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
	Text    string   `json:"text,omitempty"`
}

type resendRequest struct {
	From string `json:"from"`
	Email
}

type resendResponse struct {
	ID      string `json:"id"`
	Message string `json:"message,omitempty"`
}

func NewResendClient(cfg config.EmailConfig) *ResendClient {
	return &ResendClient{
		apiKey:   cfg.ResendAPIKey,
		from:     cfg.From,
		endpoint: resendEndpoint,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *ResendClient) IsConfigured() bool {
	return c.apiKey != "" && c.from != ""
}

// Send delivers one message and returns the provider's message id.
func (c *ResendClient) Send(ctx context.Context, email Email) (string, error) {
	payload, err := json.Marshal(resendRequest{From: c.from, Email: email})
	if err != nil {
		return "", fmt.Errorf("failed to marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send email: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var result resendResponse
	_ = json.Unmarshal(body, &result)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := result.Message
		if msg == "" {
			msg = string(body)
		}
		return "", fmt.Errorf("resend returned %d: %s", resp.StatusCode, msg)
	}
	return result.ID, nil
}
