// Package health runs dependency probes and serves liveness and readiness.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager holds registered checkers and their most recent results.
type Manager struct {
	checkers    map[string]Checker
	order       []string
	lastResults map[string]CheckResult
	interval    time.Duration
	started     bool
	stopCh      chan struct{}
	logger      *zap.Logger
	mu          sync.RWMutex
}

// NewManager creates a health manager. interval drives background checks.
func NewManager(interval time.Duration, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Manager{
		checkers:    make(map[string]Checker),
		lastResults: make(map[string]CheckResult),
		interval:    interval,
		stopCh:      make(chan struct{}),
		logger:      logger,
	}
}

// RegisterChecker registers a health check
func (m *Manager) RegisterChecker(checker Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := checker.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}
	m.checkers[name] = checker
	m.order = append(m.order, name)
	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", checker.IsCritical()),
		zap.Duration("timeout", checker.Timeout()),
	)
	return nil
}

// GetDetailedHealth runs every checker concurrently and aggregates them.
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.order))
	for _, name := range m.order {
		checkers = append(checkers, m.checkers[name])
	}
	m.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			results[i] = runCheck(ctx, c)
		}(i, c)
	}
	wg.Wait()

	components := make(map[string]CheckResult, len(results))
	summary := HealthSummary{Total: len(results)}
	for _, r := range results {
		components[r.Component] = r
		switch r.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
		case StatusUnhealthy:
			summary.Unhealthy++
		}
		if r.Critical {
			summary.Critical++
		} else {
			summary.NonCritical++
		}
	}

	m.mu.Lock()
	for name, r := range components {
		m.lastResults[name] = r
	}
	m.mu.Unlock()

	now := time.Now()
	overall := overallStatus(components, summary)
	overall.Timestamp = now
	return DetailedHealth{Overall: overall, Components: components, Summary: summary, Timestamp: now}
}

func runCheck(ctx context.Context, c Checker) (result CheckResult) {
	checkCtx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = CheckResult{Status: StatusUnhealthy, Error: fmt.Sprint(r), Message: "check panicked"}
		}
		result.Component = c.Name()
		result.Critical = c.IsCritical()
		result.Duration = time.Since(start)
		result.Timestamp = start
	}()
	return c.Check(checkCtx)
}

// overallStatus: a failing critical check makes the service unready; degraded
// or failing non-critical checks leave it ready but degraded.
func overallStatus(components map[string]CheckResult, summary HealthSummary) OverallHealth {
	if summary.Total == 0 {
		return OverallHealth{Status: StatusUnknown, Message: "No health checks registered", Live: true}
	}

	criticalFailures, nonCriticalFailures, degraded := 0, 0, 0
	for _, r := range components {
		switch {
		case r.Status == StatusDegraded:
			degraded++
		case r.Status == StatusUnhealthy && r.Critical:
			criticalFailures++
		case r.Status == StatusUnhealthy:
			nonCriticalFailures++
		}
	}

	switch {
	case criticalFailures > 0:
		return OverallHealth{
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("%d critical component(s) failing", criticalFailures),
			Live:    true,
		}
	case degraded > 0 || nonCriticalFailures > 0:
		return OverallHealth{
			Status:   StatusDegraded,
			Message:  fmt.Sprintf("%d component(s) degraded", degraded+nonCriticalFailures),
			Degraded: true,
			Ready:    true,
			Live:     true,
		}
	}
	return OverallHealth{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("All %d components healthy", summary.Total),
		Ready:   true,
		Live:    true,
	}
}

// IsReady reports whether every critical dependency answers.
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.GetDetailedHealth(ctx).Overall.Ready
}

// GetLastResults returns the most recent results without running checks.
func (m *Manager) GetLastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CheckResult, len(m.lastResults))
	for name, r := range m.lastResults {
		out[name] = r
	}
	return out
}

// Start begins background checking so failures show up in the logs before
// a probe asks.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	go m.loop()
	m.logger.Info("Health manager started",
		zap.Duration("check_interval", m.interval),
		zap.Int("registered_checkers", len(m.checkers)),
	)
}

// Stop stops background checking.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.started = false
	close(m.stopCh)
	m.logger.Info("Health manager stopped")
}

func (m *Manager) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			detailed := m.GetDetailedHealth(ctx)
			cancel()
			for name, r := range detailed.Components {
				if r.Status == StatusUnhealthy {
					m.logger.Warn("Health check failing",
						zap.String("checker", name),
						zap.Bool("critical", r.Critical),
						zap.String("error", r.Error),
					)
				}
			}
		}
	}
}
