package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/ledgerline/opshub/internal/db"
	"github.com/ledgerline/opshub/internal/integrations/gotoconnect"
	"github.com/ledgerline/opshub/internal/integrations/vapi"
	"github.com/ledgerline/opshub/internal/intelligence"
	"github.com/ledgerline/opshub/internal/oauth"
)

func (p *Pipeline) processGoTo(ctx context.Context, body []byte) outcome {
	ev, err := gotoconnect.ParseCallEvent(body)
	if err != nil {
		return malformed(err)
	}
	meta, state := ev.Content.Metadata, ev.Content.State

	call := &db.Call{
		Provider:        SourceGoTo,
		ExternalID:      meta.ConversationSpaceID,
		Direction:       ev.Direction(),
		FromNumber:      state.Caller.Number,
		ToNumber:        state.Callee.Number,
		Status:          gotoStatus(ev.Type),
		DurationSeconds: state.DurationSeconds,
	}
	started := meta.CallCreated
	if started.IsZero() {
		started = ev.Timestamp
	}
	if !started.IsZero() {
		s := started.UTC()
		call.StartedAt = &s
	}
	if (ev.Type == gotoconnect.EventEnding || ev.Type == gotoconnect.EventMissed) && !ev.Timestamp.IsZero() {
		e := ev.Timestamp.UTC()
		call.EndedAt = &e
	}

	if err := p.matchParties(ctx, call); err != nil {
		return failed(err)
	}
	if err := db.UpsertCall(ctx, p.db, call); err != nil {
		return failed(err)
	}
	p.logger.Info("GoTo call event stored",
		zap.String("call_id", call.ID.String()),
		zap.String("event", ev.Type),
		zap.String("status", call.Status),
	)

	if ev.Type != gotoconnect.EventEnding || call.Status != db.CallCompleted {
		return outcome{}
	}
	wantReport := p.reports != nil && p.tokens != nil && call.UserID != nil
	if !wantReport && p.followUps == nil {
		return outcome{}
	}
	return outcome{job: &Job{
		Kind: "goto_call_report",
		Run: func(ctx context.Context) error {
			if wantReport {
				if err := p.applyCallReport(ctx, call); err != nil {
					return err
				}
			}
			return p.extractFollowUps(ctx, call)
		},
	}}
}

// applyCallReport merges the post-call report fetched with the matched
// user's GoTo connection. A user without one is not an error.
func (p *Pipeline) applyCallReport(ctx context.Context, call *db.Call) error {
	ts, err := p.tokens.TokenSource(ctx, *call.UserID, oauth.ProviderGoTo)
	if errors.Is(err, oauth.ErrNotConnected) {
		return nil
	}
	if err != nil {
		return err
	}
	report, err := p.reports.GetCallReport(ctx, ts, call.ExternalID)
	if err != nil {
		return err
	}

	if d := int(report.Duration().Seconds()); d > call.DurationSeconds {
		call.DurationSeconds = d
	}
	if !report.CallEnded.IsZero() {
		e := report.CallEnded.UTC()
		call.EndedAt = &e
	}
	if len(report.Recordings) > 0 && report.Recordings[0].URL != "" {
		u := report.Recordings[0].URL
		call.RecordingURL = &u
	}
	call.Transcript = report.Transcript
	call.Summary = report.Summary
	return db.UpsertCall(ctx, p.db, call)
}

func (p *Pipeline) processVAPI(ctx context.Context, body []byte) outcome {
	msg, err := vapi.ParseWebhook(body)
	if err != nil {
		return malformed(err)
	}
	switch msg.Type {
	case vapi.TypeStatusUpdate, vapi.TypeEndOfCallReport:
	default:
		return ignoredBecause("unhandled message type " + msg.Type)
	}

	call := &db.Call{
		Provider:        SourceVAPI,
		ExternalID:      msg.Call.ID,
		Direction:       msg.Direction(),
		Status:          msg.CallStatus(),
		StartedAt:       msg.Call.StartedAt,
		EndedAt:         msg.Call.EndedAt,
		DurationSeconds: int(math.Round(msg.DurationSeconds)),
		Transcript:      msg.TranscriptText(),
		Summary:         msg.SummaryText(),
	}
	if call.Direction == "outbound" {
		call.FromNumber, call.ToNumber = msg.Call.PhoneNumber.Number, msg.Call.Customer.Number
	} else {
		call.FromNumber, call.ToNumber = msg.Call.Customer.Number, msg.Call.PhoneNumber.Number
	}
	if rec := msg.Recording(); rec != "" {
		call.RecordingURL = &rec
	}

	if err := p.matchParties(ctx, call); err != nil {
		return failed(err)
	}
	if err := db.UpsertCall(ctx, p.db, call); err != nil {
		return failed(err)
	}
	p.logger.Info("VAPI call event stored",
		zap.String("call_id", call.ID.String()),
		zap.String("type", msg.Type),
		zap.String("status", call.Status),
	)

	if msg.Type != vapi.TypeEndOfCallReport || p.followUps == nil {
		return outcome{}
	}
	return outcome{job: &Job{
		Kind: "vapi_follow_up",
		Run:  func(ctx context.Context) error { return p.extractFollowUps(ctx, call) },
	}}
}

func (p *Pipeline) extractFollowUps(ctx context.Context, call *db.Call) error {
	if p.followUps == nil || (call.Transcript == "" && call.Summary == "") {
		return nil
	}
	tasks, err := p.followUps.ExtractTasksFromCall(ctx, call.ID)
	if ignorable(err, intelligence.ErrNothingToExtract, intelligence.ErrLLMUnavailable) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("follow-up extraction for call %s: %w", call.ID, err)
	}
	p.logger.Debug("Call follow-ups ready", zap.String("call_id", call.ID.String()), zap.Int("tasks", len(tasks)))
	return nil
}

// matchParties links the remote number to a client and the local number to
// a staff member.
func (p *Pipeline) matchParties(ctx context.Context, call *db.Call) error {
	remote, local := call.FromNumber, call.ToNumber
	if call.Direction == "outbound" {
		remote, local = call.ToNumber, call.FromNumber
	}
	var err error
	if call.ClientID, err = db.FindClientByPhone(ctx, p.db, remote); err != nil {
		return err
	}
	if call.UserID, err = db.FindUserByPhone(ctx, p.db, local); err != nil {
		return err
	}
	return nil
}

func gotoStatus(eventType string) string {
	switch eventType {
	case gotoconnect.EventActive:
		return db.CallInProgress
	case gotoconnect.EventEnding:
		return db.CallCompleted
	case gotoconnect.EventMissed:
		return db.CallMissed
	}
	return db.CallRinging
}
