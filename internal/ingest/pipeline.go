// Package ingest receives vendor webhooks, records them and turns them into
// calls, SMS and email classification work.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/ledgerline/opshub/internal/db"
	"github.com/ledgerline/opshub/internal/integrations/gotoconnect"
	"github.com/ledgerline/opshub/internal/metrics"
)

// Webhook sources, matching webhook_logs.source.
const (
	SourceGoTo   = "goto"
	SourceVAPI   = "vapi"
	SourceGraph  = "graph"
	SourceTwilio = "twilio"
)

// Config holds pool sizing and sender secrets. An empty secret disables
// the check for that source.
type Config struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration

	GoToToken        string
	VAPISecret       string
	TwilioAuthToken  string
	TwilioWebhookURL string
}

// EmailProcessor classifies a message named by a Graph notification.
type EmailProcessor interface {
	ProcessGraphMessage(ctx context.Context, userID uuid.UUID, messageID string) error
}

// CallFollowUps extracts follow-up tasks from a stored call.
type CallFollowUps interface {
	ExtractTasksFromCall(ctx context.Context, callID uuid.UUID) ([]db.Task, error)
}

// CallReports fetches GoTo post-call reports.
type CallReports interface {
	GetCallReport(ctx context.Context, ts oauth2.TokenSource, conversationSpaceID string) (*gotoconnect.CallReport, error)
}

// TokenSourcer hands out per-user OAuth token sources.
type TokenSourcer interface {
	TokenSource(ctx context.Context, userID uuid.UUID, provider string) (oauth2.TokenSource, error)
}

// WriteQueue defers small writes to the database client's worker pool.
type WriteQueue interface {
	QueueWrite(writeType db.WriteType, data interface{}, callback func(error))
}

// Job is a unit of deferred ingestion work bound to a webhook log row.
type Job struct {
	Kind  string
	LogID uuid.UUID
	Run   func(ctx context.Context) error
}

// Option configures optional collaborators.
type Option func(*Pipeline)

func WithEmailProcessor(e EmailProcessor) Option { return func(p *Pipeline) { p.emails = e } }

func WithCallFollowUps(c CallFollowUps) Option { return func(p *Pipeline) { p.followUps = c } }

func WithCallReports(r CallReports, tokens TokenSourcer) Option {
	return func(p *Pipeline) {
		p.reports = r
		p.tokens = tokens
	}
}

func WithWriteQueue(w WriteQueue) Option { return func(p *Pipeline) { p.writes = w } }

// Pipeline owns the webhook handlers and the bounded worker pool behind
// them. When the queue is full a job runs on the caller's goroutine.
type Pipeline struct {
	cfg    Config
	db     db.DB
	logger *zap.Logger

	emails    EmailProcessor
	followUps CallFollowUps
	reports   CallReports
	tokens    TokenSourcer
	writes    WriteQueue

	jobs   chan Job
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool

	base   context.Context
	cancel context.CancelFunc
}

// NewPipeline starts cfg.Workers workers.
func NewPipeline(cfg Config, database db.DB, logger *zap.Logger, opts ...Option) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 2 * time.Minute
	}
	base, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:    cfg,
		db:     database,
		logger: logger,
		jobs:   make(chan Job, cfg.QueueSize),
		base:   base,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logger.Info("Ingest pipeline started",
		zap.Int("workers", cfg.Workers),
		zap.Int("queue_size", cfg.QueueSize),
	)
	return p
}

func (p *Pipeline) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		metrics.IngestQueueDepth.Dec()
		p.run(p.base, job)
	}
	p.logger.Debug("Ingest worker stopped", zap.Int("worker_id", id))
}

// Submit queues job, or runs it before returning when the queue is full or
// the pipeline is closing. It reports whether the job was queued.
func (p *Pipeline) Submit(ctx context.Context, job Job) bool {
	p.mu.RLock()
	if !p.closed {
		select {
		case p.jobs <- job:
			metrics.IngestQueueDepth.Inc()
			p.mu.RUnlock()
			return true
		default:
		}
	}
	p.mu.RUnlock()

	metrics.IngestInlineFallbacks.Inc()
	p.logger.Warn("Ingest queue full, running job inline",
		zap.String("kind", job.Kind),
		zap.String("log_id", job.LogID.String()),
	)
	p.run(context.WithoutCancel(ctx), job)
	return false
}

func (p *Pipeline) run(parent context.Context, job Job) {
	ctx, cancel := context.WithTimeout(parent, p.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	err := safeRun(ctx, job)
	metrics.RecordIngestJob(job.Kind, err, time.Since(start))

	if err != nil {
		p.logger.Error("Ingest job failed",
			zap.String("kind", job.Kind),
			zap.String("log_id", job.LogID.String()),
			zap.Error(err),
		)
	}
	if job.LogID == uuid.Nil {
		return
	}
	status := db.WebhookProcessed
	if err != nil {
		status = db.WebhookFailed
	}
	p.mark(ctx, job.LogID, status, err)
}

func safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ingest job %s panicked: %v", job.Kind, r)
		}
	}()
	return job.Run(ctx)
}

// mark records a log row outcome, through the write queue when one is set.
func (p *Pipeline) mark(ctx context.Context, logID uuid.UUID, status string, cause error) {
	if p.writes != nil {
		p.writes.QueueWrite(db.WriteTypeWebhookStatus, &db.WebhookStatus{
			LogID:  logID.String(),
			Status: status,
			Err:    cause,
		}, nil)
		return
	}
	if err := db.MarkWebhookLog(context.WithoutCancel(ctx), p.db, logID.String(), status, cause); err != nil {
		p.logger.Error("Failed to update webhook log",
			zap.String("log_id", logID.String()),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}

// Close stops intake and waits for queued jobs. If ctx ends first, running
// jobs are canceled and ctx's error is returned.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("Ingest pipeline drained")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("ingest drain interrupted: %w", ctx.Err())
	}
}

// ignorable reports errors that mean "nothing to do" rather than failure.
func ignorable(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
