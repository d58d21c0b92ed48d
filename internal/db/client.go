package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/ledgerline/opshub/internal/circuitbreaker"
	"github.com/ledgerline/opshub/internal/metrics"
)

// Config holds database configuration
type Config struct {
	URL             string
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration

	// Async writer settings
	Workers   int
	QueueSize int
}

// DSN returns URL when set, otherwise a key/value connection string.
func (c *Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Client owns the connection pool and the async writer used for
// fire-and-forget rows (audit entries, API key usage).
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger

	writeQueue chan WriteRequest
	stopCh     chan struct{}
	stopOnce   sync.Once
	workerWg   sync.WaitGroup
}

// WriteRequest is a queued write. Callback, if set, receives the result.
type WriteRequest struct {
	Type     WriteType
	Data     interface{}
	Callback func(error)
}

type WriteType int

const (
	WriteTypeAuditLog WriteType = iota
	WriteTypeAPIKeyUsage
	WriteTypeWebhookStatus
)

func (wt WriteType) String() string {
	switch wt {
	case WriteTypeAuditLog:
		return "audit_log"
	case WriteTypeAPIKeyUsage:
		return "api_key_usage"
	case WriteTypeWebhookStatus:
		return "webhook_status"
	default:
		return "unknown"
	}
}

// APIKeyUsage records that a key authenticated a request.
type APIKeyUsage struct {
	KeyID  uuid.UUID
	UsedAt time.Time
}

// WebhookStatus is a deferred MarkWebhookLog call.
type WebhookStatus struct {
	LogID  string
	Status string
	Err    error
}

// NewClient opens the pool, verifies connectivity and starts the writers.
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 5
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}
	if config.SSLMode == "" {
		config.SSLMode = "require"
	}

	raw, err := sqlx.Open("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	raw.SetMaxOpenConns(config.MaxConnections)
	raw.SetMaxIdleConns(config.IdleConnections)
	raw.SetConnMaxLifetime(config.MaxLifetime)

	wrapped := circuitbreaker.NewDatabaseWrapper(raw, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wrapped.PingContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	c := newClient(wrapped, logger, config.Workers, config.QueueSize)
	go c.healthCheck(30 * time.Second)

	logger.Info("Database client initialized",
		zap.String("host", config.Host),
		zap.Int("max_connections", config.MaxConnections),
		zap.Int("workers", config.Workers),
	)
	return c, nil
}

// NewClientFromDB wraps an existing handle; used by tests and the migrate
// command.
func NewClientFromDB(db *sqlx.DB, logger *zap.Logger, workers, queueSize int) *Client {
	return newClient(circuitbreaker.NewDatabaseWrapper(db, logger), logger, workers, queueSize)
}

func newClient(db *circuitbreaker.DatabaseWrapper, logger *zap.Logger, workers, queueSize int) *Client {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 512
	}
	c := &Client{
		db:         db,
		logger:     logger,
		writeQueue: make(chan WriteRequest, queueSize),
		stopCh:     make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker(i)
	}
	return c
}

// DB returns the guarded handle.
func (c *Client) DB() DB { return c.db }

// Wrapper exposes the breaker wrapper for health checks.
func (c *Client) Wrapper() *circuitbreaker.DatabaseWrapper { return c.db }

func (c *Client) writeWorker(id int) {
	defer c.workerWg.Done()
	for {
		select {
		case <-c.stopCh:
			c.drainQueue()
			c.logger.Debug("Write worker stopped", zap.Int("worker_id", id))
			return
		case req := <-c.writeQueue:
			c.processWrite(req)
		}
	}
}

func (c *Client) processWrite(req WriteRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch req.Type {
	case WriteTypeAuditLog:
		if audit, ok := req.Data.(*AuditLog); ok {
			err = SaveAuditLog(ctx, c.db, audit)
		}
	case WriteTypeAPIKeyUsage:
		if usage, ok := req.Data.(*APIKeyUsage); ok {
			_, err = c.db.ExecContext(ctx,
				`UPDATE api_keys SET last_used = $2 WHERE id = $1`, usage.KeyID, usage.UsedAt)
		}
	case WriteTypeWebhookStatus:
		if st, ok := req.Data.(*WebhookStatus); ok {
			err = MarkWebhookLog(ctx, c.db, st.LogID, st.Status, st.Err)
		}
	default:
		err = fmt.Errorf("unknown write type %d", req.Type)
	}

	metrics.RecordAsyncWrite(req.Type.String(), err)
	if req.Callback != nil {
		req.Callback(err)
	}
	if err != nil {
		c.logger.Error("Failed to process write request",
			zap.String("type", req.Type.String()),
			zap.Error(err),
		)
	}
}

func (c *Client) drainQueue() {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case req := <-c.writeQueue:
			c.processWrite(req)
		case <-timeout:
			c.logger.Warn("Timeout draining write queue", zap.Int("remaining", len(c.writeQueue)))
			return
		default:
			return
		}
	}
}

// QueueWrite enqueues a write. A full queue falls back to a synchronous
// write on the caller's goroutine so nothing is dropped.
func (c *Client) QueueWrite(writeType WriteType, data interface{}, callback func(error)) {
	req := WriteRequest{Type: writeType, Data: data, Callback: callback}
	select {
	case <-c.stopCh:
		c.processWrite(req)
		return
	default:
	}
	select {
	case c.writeQueue <- req:
	default:
		c.logger.Warn("Write queue is full, falling back to synchronous write",
			zap.String("type", writeType.String()))
		c.processWrite(req)
	}
}

func (c *Client) healthCheck(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.db.PingContext(ctx); err != nil {
				c.logger.Error("Database health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Stop drains the write queue without closing the pool.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.workerWg.Wait()
}

// Close drains pending writes and closes the pool.
func (c *Client) Close() error {
	c.logger.Info("Shutting down database client")
	c.Stop()
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
