// Package vapi parses server-message webhooks from the VAPI voice agent
// platform.
package vapi

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"time"
)

// SecretHeader carries the shared webhook secret.
const SecretHeader = "X-Vapi-Secret"

// Message types handled by the ingestion pipeline.
const (
	TypeStatusUpdate     = "status-update"
	TypeEndOfCallReport  = "end-of-call-report"
	TypeTranscript       = "transcript"
	TypeHang             = "hang"
	TypeConversationSync = "conversation-update"
)

type Customer struct {
	Number string `json:"number"`
	Name   string `json:"name"`
}

type PhoneNumber struct {
	Number string `json:"number"`
}

type Call struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	Status      string      `json:"status"`
	Customer    Customer    `json:"customer"`
	PhoneNumber PhoneNumber `json:"phoneNumber"`
	StartedAt   *time.Time  `json:"startedAt"`
	EndedAt     *time.Time  `json:"endedAt"`
}

type Artifact struct {
	Transcript   string `json:"transcript"`
	RecordingURL string `json:"recordingUrl"`
}

type Analysis struct {
	Summary string `json:"summary"`
}

// Message is the "message" object of a server webhook.
type Message struct {
	Type            string   `json:"type"`
	Timestamp       int64    `json:"timestamp"`
	Call            Call     `json:"call"`
	Status          string   `json:"status"`
	EndedReason     string   `json:"endedReason"`
	Artifact        Artifact `json:"artifact"`
	Analysis        Analysis `json:"analysis"`
	Transcript      string   `json:"transcript"`
	Summary         string   `json:"summary"`
	RecordingURL    string   `json:"recordingUrl"`
	DurationSeconds float64  `json:"durationSeconds"`
}

type envelope struct {
	Message *Message `json:"message"`
}

// ParseWebhook decodes a webhook body.
func ParseWebhook(body []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("invalid vapi payload: %w", err)
	}
	if env.Message == nil || env.Message.Type == "" {
		return nil, fmt.Errorf("invalid vapi payload: missing message type")
	}
	if env.Message.Call.ID == "" {
		return nil, fmt.Errorf("invalid vapi payload: missing call id")
	}
	return env.Message, nil
}

// VerifySecret compares the header value in constant time.
func VerifySecret(expected, got string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

// TranscriptText prefers the artifact transcript.
func (m *Message) TranscriptText() string {
	if m.Artifact.Transcript != "" {
		return m.Artifact.Transcript
	}
	return m.Transcript
}

// SummaryText prefers the analysis summary.
func (m *Message) SummaryText() string {
	if m.Analysis.Summary != "" {
		return m.Analysis.Summary
	}
	return m.Summary
}

func (m *Message) Recording() string {
	if m.Artifact.RecordingURL != "" {
		return m.Artifact.RecordingURL
	}
	return m.RecordingURL
}

// Direction maps the call type to inbound/outbound.
func (m *Message) Direction() string {
	if m.Call.Type == "outboundPhoneCall" {
		return "outbound"
	}
	return "inbound"
}

// CallStatus maps the VAPI status to the calls.status vocabulary.
func (m *Message) CallStatus() string {
	if m.Type == TypeEndOfCallReport {
		switch m.EndedReason {
		case "customer-did-not-answer", "customer-busy", "silence-timed-out":
			return "missed"
		case "pipeline-error", "assistant-error", "twilio-failed-to-connect-call":
			return "failed"
		}
		return "completed"
	}
	status := m.Status
	if status == "" {
		status = m.Call.Status
	}
	switch status {
	case "queued", "ringing":
		return "ringing"
	case "in-progress", "forwarding":
		return "in_progress"
	case "ended":
		return "completed"
	}
	return "ringing"
}
