// Package gotoconnect reads call reports from GoTo Connect and parses its
// call-event webhooks.
package gotoconnect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ledgerline/opshub/internal/circuitbreaker"
	"github.com/ledgerline/opshub/internal/integrations"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const DefaultBaseURL = "https://api.goto.com"

type Party struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// CallReport is the post-call summary for one conversation space.
type CallReport struct {
	ConversationSpaceID string    `json:"conversationSpaceId"`
	AccountKey          string    `json:"accountKey"`
	Direction           string    `json:"direction"`
	CallCreated         time.Time `json:"callCreated"`
	CallAnswered        time.Time `json:"callAnswered"`
	CallEnded           time.Time `json:"callEnded"`
	Caller              Party     `json:"caller"`
	Participants        []struct {
		Type   string `json:"type"`
		Name   string `json:"name"`
		Number string `json:"number"`
	} `json:"participants"`
	Recordings []struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	} `json:"recordings"`
	Transcript string `json:"transcript,omitempty"`
	Summary    string `json:"summary,omitempty"`
}

// Duration is the connected time, or zero for unanswered calls.
func (r *CallReport) Duration() time.Duration {
	if r.CallAnswered.IsZero() || r.CallEnded.Before(r.CallAnswered) {
		return 0
	}
	return r.CallEnded.Sub(r.CallAnswered)
}

type Client struct {
	api *integrations.Client
}

func New(baseURL string, httpClient circuitbreaker.HTTPDoer, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{api: integrations.NewClient(integrations.Options{
		Name:              "goto",
		BaseURL:           baseURL,
		HTTPClient:        httpClient,
		RequestsPerSecond: 5,
		Burst:             5,
		Logger:            logger,
	})}
}

func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.api.Breaker() }

// GetCallReport fetches the report for a conversation space.
func (c *Client) GetCallReport(ctx context.Context, ts oauth2.TokenSource, conversationSpaceID string) (*CallReport, error) {
	if conversationSpaceID == "" {
		return nil, fmt.Errorf("conversation space id is required")
	}
	var report CallReport
	err := c.api.Do(ctx, integrations.Request{
		Method: http.MethodGet,
		Path:   "/call-reports/v1/reports/" + url.PathEscape(conversationSpaceID),
		Token:  ts,
	}, &report)
	if err != nil {
		return nil, fmt.Errorf("failed to get call report: %w", err)
	}
	return &report, nil
}

// Event types delivered by call-event notifications.
const (
	EventStarting = "STARTING"
	EventActive   = "ACTIVE"
	EventEnding   = "ENDING"
	EventMissed   = "MISSED"
)

// CallEvent is the webhook body of a call-event notification.
type CallEvent struct {
	Source    string    `json:"source"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Content   struct {
		Metadata struct {
			ConversationSpaceID string    `json:"conversationSpaceId"`
			Direction           string    `json:"direction"`
			CallCreated         time.Time `json:"callCreated"`
			AccountKey          string    `json:"accountKey"`
		} `json:"metadata"`
		State struct {
			Sequence int `json:"sequence"`
			Caller   struct {
				Name   string `json:"name"`
				Number string `json:"number"`
			} `json:"caller"`
			Callee struct {
				Name   string `json:"name"`
				Number string `json:"number"`
			} `json:"callee"`
			DurationSeconds int `json:"durationSeconds"`
		} `json:"state"`
	} `json:"content"`
}

// ParseCallEvent decodes and validates a call-event body.
func ParseCallEvent(body []byte) (*CallEvent, error) {
	var ev CallEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("invalid goto payload: %w", err)
	}
	if ev.Content.Metadata.ConversationSpaceID == "" {
		return nil, fmt.Errorf("invalid goto payload: missing conversationSpaceId")
	}
	ev.Type = strings.ToUpper(ev.Type)
	switch ev.Type {
	case EventStarting, EventActive, EventEnding, EventMissed:
	default:
		return nil, fmt.Errorf("invalid goto payload: unknown event type %q", ev.Type)
	}
	return &ev, nil
}

// Direction returns "inbound" or "outbound".
func (e *CallEvent) Direction() string {
	if strings.EqualFold(e.Content.Metadata.Direction, "OUTBOUND") {
		return "outbound"
	}
	return "inbound"
}

// RemoteParty is the external side of the call.
func (e *CallEvent) RemoteParty() (name, number string) {
	if e.Direction() == "outbound" {
		return e.Content.State.Callee.Name, e.Content.State.Callee.Number
	}
	return e.Content.State.Caller.Name, e.Content.State.Caller.Number
}
