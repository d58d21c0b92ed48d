// Package resend sends transactional email through the Resend API.
package resend

import (
	"context"
	"fmt"
	"net/http"
	"net/mail"
	"strings"

	"github.com/ledgerline/opshub/internal/circuitbreaker"
	"github.com/ledgerline/opshub/internal/integrations"
	"go.uber.org/zap"
)

const DefaultBaseURL = "https://api.resend.com"

// Email is a send request. From defaults to the configured sender.
type Email struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	CC      []string `json:"cc,omitempty"`
	BCC     []string `json:"bcc,omitempty"`
	ReplyTo []string `json:"reply_to,omitempty"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
	Tags    []Tag    `json:"tags,omitempty"`
}

type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Client struct {
	apiKey string
	from   string
	api    *integrations.Client
}

func New(apiKey, from, baseURL string, httpClient circuitbreaker.HTTPDoer, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		apiKey: apiKey,
		from:   from,
		api: integrations.NewClient(integrations.Options{
			Name:              "resend",
			BaseURL:           baseURL,
			HTTPClient:        httpClient,
			RequestsPerSecond: 2,
			Burst:             2,
			Logger:            logger,
		}),
	}
}

func (c *Client) Configured() bool { return c.apiKey != "" && c.from != "" }

func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.api.Breaker() }

// Validate checks addresses and required fields.
func (e *Email) Validate() error {
	if len(e.To) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}
	if strings.TrimSpace(e.Subject) == "" {
		return fmt.Errorf("subject is required")
	}
	if e.HTML == "" && e.Text == "" {
		return fmt.Errorf("html or text body is required")
	}
	for _, list := range [][]string{e.To, e.CC, e.BCC, e.ReplyTo} {
		for _, addr := range list {
			if _, err := mail.ParseAddress(addr); err != nil {
				return fmt.Errorf("invalid address %q", addr)
			}
		}
	}
	return nil
}

// SendEmail sends e and returns the provider message id.
func (c *Client) SendEmail(ctx context.Context, e Email) (string, error) {
	if !c.Configured() {
		return "", integrations.ErrNotConfigured
	}
	if e.From == "" {
		e.From = c.from
	}
	if err := e.Validate(); err != nil {
		return "", err
	}

	var resp struct {
		ID string `json:"id"`
	}
	err := c.api.Do(ctx, integrations.Request{
		Method: http.MethodPost,
		Path:   "/emails",
		JSON:   e,
		Bearer: c.apiKey,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("failed to send email: %w", err)
	}
	return resp.ID, nil
}
