// Package graph is a minimal Microsoft Graph client for mail, calendar and
// change-notification subscriptions.
package graph

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ledgerline/opshub/internal/circuitbreaker"
	"github.com/ledgerline/opshub/internal/integrations"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	// DefaultBaseURL is the v1.0 endpoint.
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	// InboxResource is the subscription resource for new inbox mail.
	InboxResource = "me/mailFolders('inbox')/messages"

	// MaxSubscriptionLifetime is Graph's limit for message subscriptions.
	MaxSubscriptionLifetime = 4230 * time.Minute

	messageFields = "id,subject,from,toRecipients,receivedDateTime,bodyPreview,body,conversationId,hasAttachments,webLink"
)

type EmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type Recipient struct {
	EmailAddress EmailAddress `json:"emailAddress"`
}

type ItemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// Message is the subset of a Graph message the service reads.
type Message struct {
	ID               string      `json:"id"`
	Subject          string      `json:"subject"`
	From             Recipient   `json:"from"`
	ToRecipients     []Recipient `json:"toRecipients"`
	ReceivedDateTime time.Time   `json:"receivedDateTime"`
	BodyPreview      string      `json:"bodyPreview"`
	Body             ItemBody    `json:"body"`
	ConversationID   string      `json:"conversationId"`
	HasAttachments   bool        `json:"hasAttachments"`
	WebLink          string      `json:"webLink"`
}

type DateTimeTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

// Event is a calendar event to create.
type Event struct {
	ID       string           `json:"id,omitempty"`
	Subject  string           `json:"subject"`
	Body     ItemBody         `json:"body"`
	Start    DateTimeTimeZone `json:"start"`
	End      DateTimeTimeZone `json:"end"`
	IsAllDay bool             `json:"isAllDay,omitempty"`
	WebLink  string           `json:"webLink,omitempty"`
}

// NewEvent builds a UTC event spanning [start, start+d).
func NewEvent(subject, body string, start time.Time, d time.Duration) Event {
	const layout = "2006-01-02T15:04:05"
	return Event{
		Subject: subject,
		Body:    ItemBody{ContentType: "text", Content: body},
		Start:   DateTimeTimeZone{DateTime: start.UTC().Format(layout), TimeZone: "UTC"},
		End:     DateTimeTimeZone{DateTime: start.Add(d).UTC().Format(layout), TimeZone: "UTC"},
	}
}

type Subscription struct {
	ID                 string    `json:"id,omitempty"`
	ChangeType         string    `json:"changeType,omitempty"`
	NotificationURL    string    `json:"notificationUrl,omitempty"`
	Resource           string    `json:"resource,omitempty"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	ClientState        string    `json:"clientState,omitempty"`
}

// Notification is one entry of a change-notification delivery.
type Notification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	TenantID       string `json:"tenantId"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

// NotificationBatch is the body Graph posts to the notification URL.
type NotificationBatch struct {
	Value []Notification `json:"value"`
}

type messagePage struct {
	Value    []Message `json:"value"`
	NextLink string    `json:"@odata.nextLink"`
}

// Client talks to Graph on behalf of the user owning the token source.
type Client struct {
	api *integrations.Client
}

func New(baseURL string, httpClient circuitbreaker.HTTPDoer, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{api: integrations.NewClient(integrations.Options{
		Name:              "graph",
		BaseURL:           baseURL,
		HTTPClient:        httpClient,
		RequestsPerSecond: 10,
		Burst:             10,
		Logger:            logger,
	})}
}

// Breaker exposes the breaker for health reporting.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.api.Breaker() }

// ListMessages returns inbox messages received after since, newest first,
// following paging links until limit messages are collected.
func (c *Client) ListMessages(ctx context.Context, ts oauth2.TokenSource, since time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	top := limit
	if top > 50 {
		top = 50
	}
	q := url.Values{}
	q.Set("$select", messageFields)
	q.Set("$orderby", "receivedDateTime desc")
	q.Set("$top", strconv.Itoa(top))
	if !since.IsZero() {
		q.Set("$filter", "receivedDateTime ge "+since.UTC().Format(time.RFC3339))
	}

	var out []Message
	req := integrations.Request{Method: http.MethodGet, Path: "/me/mailFolders/inbox/messages", Query: q, Token: ts}
	for {
		var page messagePage
		if err := c.api.Do(ctx, req, &page); err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}
		out = append(out, page.Value...)
		if len(out) >= limit || page.NextLink == "" {
			break
		}
		req = integrations.Request{Method: http.MethodGet, Path: page.NextLink, Token: ts}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetMessage fetches one message by id.
func (c *Client) GetMessage(ctx context.Context, ts oauth2.TokenSource, id string) (*Message, error) {
	q := url.Values{}
	q.Set("$select", messageFields)
	var msg Message
	err := c.api.Do(ctx, integrations.Request{
		Method: http.MethodGet,
		Path:   "/me/messages/" + url.PathEscape(id),
		Query:  q,
		Token:  ts,
		// plain text bodies keep prompts small
		Headers: map[string]string{"Prefer": `outlook.body-content-type="text"`},
	}, &msg)
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return &msg, nil
}

// CreateEvent adds an event to the user's default calendar.
func (c *Client) CreateEvent(ctx context.Context, ts oauth2.TokenSource, event Event) (*Event, error) {
	var created Event
	err := c.api.Do(ctx, integrations.Request{Method: http.MethodPost, Path: "/me/events", JSON: event, Token: ts}, &created)
	if err != nil {
		return nil, fmt.Errorf("failed to create event: %w", err)
	}
	return &created, nil
}

// CreateSubscription subscribes notificationURL to new inbox messages.
func (c *Client) CreateSubscription(ctx context.Context, ts oauth2.TokenSource, notificationURL, clientState string, expires time.Time) (*Subscription, error) {
	body := Subscription{
		ChangeType:         "created",
		NotificationURL:    notificationURL,
		Resource:           InboxResource,
		ExpirationDateTime: capExpiry(expires),
		ClientState:        clientState,
	}
	var sub Subscription
	if err := c.api.Do(ctx, integrations.Request{Method: http.MethodPost, Path: "/subscriptions", JSON: body, Token: ts}, &sub); err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return &sub, nil
}

// RenewSubscription extends a subscription's expiry.
func (c *Client) RenewSubscription(ctx context.Context, ts oauth2.TokenSource, id string, expires time.Time) (*Subscription, error) {
	body := map[string]time.Time{"expirationDateTime": capExpiry(expires)}
	var sub Subscription
	err := c.api.Do(ctx, integrations.Request{
		Method: http.MethodPatch,
		Path:   "/subscriptions/" + url.PathEscape(id),
		JSON:   body,
		Token:  ts,
	}, &sub)
	if err != nil {
		return nil, fmt.Errorf("failed to renew subscription %s: %w", id, err)
	}
	return &sub, nil
}

// DeleteSubscription removes a subscription. A missing one is not an error.
func (c *Client) DeleteSubscription(ctx context.Context, ts oauth2.TokenSource, id string) error {
	err := c.api.Do(ctx, integrations.Request{Method: http.MethodDelete, Path: "/subscriptions/" + url.PathEscape(id), Token: ts}, nil)
	if err != nil && !integrations.IsStatus(err, http.StatusNotFound) {
		return fmt.Errorf("failed to delete subscription %s: %w", id, err)
	}
	return nil
}

func capExpiry(t time.Time) time.Time {
	max := time.Now().Add(MaxSubscriptionLifetime - time.Minute)
	if t.After(max) {
		return max.UTC()
	}
	return t.UTC()
}
