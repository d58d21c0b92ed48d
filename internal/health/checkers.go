package health

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ledgerline/opshub/internal/circuitbreaker"
)

const slowCheck = 100 * time.Millisecond

// DBPinger is the subset of the database handle the checker needs.
type DBPinger interface {
	PingContext(ctx context.Context) error
	Stats() sql.DBStats
}

// RedisPinger is satisfied by every go-redis client.
type RedisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// DatabaseChecker checks PostgreSQL connectivity
type DatabaseChecker struct {
	db      DBPinger
	breaker *circuitbreaker.CircuitBreaker
}

func NewDatabaseChecker(db DBPinger, breaker *circuitbreaker.CircuitBreaker) *DatabaseChecker {
	return &DatabaseChecker{db: db, breaker: breaker}
}

func (d *DatabaseChecker) Name() string           { return "database" }
func (d *DatabaseChecker) IsCritical() bool       { return true }
func (d *DatabaseChecker) Timeout() time.Duration { return 5 * time.Second }

func (d *DatabaseChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	if d.breaker != nil && d.breaker.State() == circuitbreaker.StateOpen {
		return CheckResult{Status: StatusUnhealthy, Error: "circuit breaker open", Message: "Database circuit breaker is open"}
	}

	err := d.db.PingContext(ctx)
	elapsed := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   err.Error(),
			Message: "Database ping failed",
			Details: map[string]interface{}{"latency_ms": elapsed.Milliseconds()},
		}
	}

	stats := d.db.Stats()
	result := CheckResult{Status: StatusHealthy, Message: "Database healthy"}
	switch {
	case stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections:
		result.Status = StatusDegraded
		result.Message = "Database connection pool exhausted"
	case elapsed > slowCheck:
		result.Status = StatusDegraded
		result.Message = "Database responding but with high latency"
	}
	result.Details = map[string]interface{}{
		"latency_ms":           elapsed.Milliseconds(),
		"open_connections":     stats.OpenConnections,
		"max_open_connections": stats.MaxOpenConnections,
		"in_use_connections":   stats.InUse,
	}
	return result
}

// RedisChecker checks Redis connectivity. Redis backs OAuth state, so it is
// critical even though rate limiting fails open without it.
type RedisChecker struct {
	client RedisPinger
}

func NewRedisChecker(client RedisPinger) *RedisChecker { return &RedisChecker{client: client} }

func (r *RedisChecker) Name() string           { return "redis" }
func (r *RedisChecker) IsCritical() bool       { return true }
func (r *RedisChecker) Timeout() time.Duration { return 3 * time.Second }

func (r *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := r.client.Ping(ctx).Err()
	elapsed := time.Since(start)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error(), Message: "Redis ping failed"}
	}
	result := CheckResult{Status: StatusHealthy, Message: "Redis healthy"}
	if elapsed > slowCheck {
		result.Status = StatusDegraded
		result.Message = "Redis responding but with high latency"
	}
	result.Details = map[string]interface{}{"latency_ms": elapsed.Milliseconds()}
	return result
}

// BreakerChecker reports an upstream integration as degraded while its
// circuit breaker is open.
type BreakerChecker struct {
	name    string
	breaker *circuitbreaker.CircuitBreaker
}

func NewBreakerChecker(name string, breaker *circuitbreaker.CircuitBreaker) *BreakerChecker {
	return &BreakerChecker{name: name, breaker: breaker}
}

func (b *BreakerChecker) Name() string           { return b.name }
func (b *BreakerChecker) IsCritical() bool       { return false }
func (b *BreakerChecker) Timeout() time.Duration { return time.Second }

func (b *BreakerChecker) Check(context.Context) CheckResult {
	state := b.breaker.State()
	counts := b.breaker.Counts()
	result := CheckResult{
		Status:  StatusHealthy,
		Message: b.name + " reachable",
		Details: map[string]interface{}{
			"state":                state.String(),
			"consecutive_failures": counts.ConsecutiveFailures,
		},
	}
	switch state {
	case circuitbreaker.StateOpen:
		result.Status = StatusUnhealthy
		result.Message = b.name + " circuit breaker is open"
	case circuitbreaker.StateHalfOpen:
		result.Status = StatusDegraded
		result.Message = b.name + " recovering"
	}
	return result
}

// CustomChecker wraps a function.
type CustomChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

func NewCustomChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomChecker {
	return &CustomChecker{name: name, critical: critical, timeout: timeout, checkFn: checkFn}
}

func (c *CustomChecker) Name() string           { return c.name }
func (c *CustomChecker) IsCritical() bool       { return c.critical }
func (c *CustomChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomChecker) Check(ctx context.Context) CheckResult { return c.checkFn(ctx) }
