// Package twilio sends SMS through the Twilio REST API and verifies inbound
// webhook signatures.
package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/ledgerline/opshub/internal/circuitbreaker"
	"github.com/ledgerline/opshub/internal/integrations"
	"go.uber.org/zap"
)

const DefaultBaseURL = "https://api.twilio.com"

// EmptyTwiML acknowledges an inbound message without replying.
const EmptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
	// StatusCallback receives delivery updates when set.
	StatusCallback string
}

// Message is the API representation of a sent or received SMS.
type Message struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	To           string `json:"to"`
	From         string `json:"from"`
	Body         string `json:"body"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type Client struct {
	cfg Config
	api *integrations.Client
}

func New(cfg Config, httpClient circuitbreaker.HTTPDoer, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	return &Client{
		cfg: cfg,
		api: integrations.NewClient(integrations.Options{
			Name:              "twilio",
			BaseURL:           cfg.BaseURL,
			HTTPClient:        httpClient,
			RequestsPerSecond: 1,
			Burst:             5,
			Logger:            logger,
		}),
	}
}

// Configured reports whether outbound SMS is possible.
func (c *Client) Configured() bool {
	return c.cfg.AccountSID != "" && c.cfg.AuthToken != "" && c.cfg.FromNumber != ""
}

func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.api.Breaker() }

// FromNumber is the sender used by SendSMS.
func (c *Client) FromNumber() string { return c.cfg.FromNumber }

// SendSMS sends body to the E.164 number to.
func (c *Client) SendSMS(ctx context.Context, to, body string) (*Message, error) {
	if !c.Configured() {
		return nil, integrations.ErrNotConfigured
	}
	if to == "" || strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("recipient and body are required")
	}
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Body", body)
	if c.cfg.StatusCallback != "" {
		form.Set("StatusCallback", c.cfg.StatusCallback)
	}

	var msg Message
	err := c.api.Do(ctx, integrations.Request{
		Method:    http.MethodPost,
		Path:      "/2010-04-01/Accounts/" + url.PathEscape(c.cfg.AccountSID) + "/Messages.json",
		Form:      form,
		BasicUser: c.cfg.AccountSID,
		BasicPass: c.cfg.AuthToken,
	}, &msg)
	if err != nil {
		return nil, fmt.Errorf("failed to send sms: %w", err)
	}
	return &msg, nil
}

// ValidateSignature checks X-Twilio-Signature: base64(HMAC-SHA1(token,
// url + sorted key/value pairs)).
func (c *Client) ValidateSignature(fullURL string, params url.Values, signature string) bool {
	return ValidateSignature(c.cfg.AuthToken, fullURL, params, signature)
}

func ValidateSignature(authToken, fullURL string, params url.Values, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}
	expected := Sign(authToken, fullURL, params)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign computes the signature Twilio sends for a request.
func Sign(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		vals := append([]string(nil), params[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// InboundMessage is the form posted for an incoming SMS.
type InboundMessage struct {
	MessageSID string
	AccountSID string
	From       string
	To         string
	Body       string
	NumMedia   string
}

// ParseInbound reads an inbound SMS form.
func ParseInbound(form url.Values) (*InboundMessage, error) {
	msg := &InboundMessage{
		MessageSID: form.Get("MessageSid"),
		AccountSID: form.Get("AccountSid"),
		From:       form.Get("From"),
		To:         form.Get("To"),
		Body:       form.Get("Body"),
		NumMedia:   form.Get("NumMedia"),
	}
	if msg.MessageSID == "" || msg.From == "" {
		return nil, fmt.Errorf("invalid twilio payload: MessageSid and From are required")
	}
	return msg, nil
}
