// Package policy authorizes requests with an embedded OPA rego bundle.
package policy

import (
	"context"
	"crypto/sha256"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

//go:embed policies/*.rego
var embeddedPolicies embed.FS

const decisionQuery = "data.opshub.access.decision"

// ErrDenied is returned by Require when the decision denies the request.
var ErrDenied = errors.New("access denied")

// Input is the document evaluated by the policy.
type Input struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	Action   string `json:"action"`
	Resource string `json:"resource"`
	OwnerID  string `json:"owner_id,omitempty"`
}

// Decision represents the policy evaluation result
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Authorizer decides whether a principal may act on a resource.
type Authorizer interface {
	Authorize(ctx context.Context, input Input) (*Decision, error)
}

// Engine evaluates the access policy.
type Engine struct {
	config Config
	logger *zap.Logger

	mu       sync.RWMutex
	compiled *rego.PreparedEvalQuery
	version  string

	cache *decisionCache
}

// NewEngine compiles the embedded policy plus any overrides under cfg.Path.
func NewEngine(cfg Config, logger *zap.Logger) (*Engine, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeEnforce
	}
	e := &Engine{
		config: cfg,
		logger: logger,
		cache:  newDecisionCache(cfg.CacheSize, cfg.CacheTTL),
	}
	if cfg.Mode == ModeOff {
		logger.Warn("Policy engine disabled, all requests are allowed")
		return e, nil
	}
	if err := e.Load(); err != nil {
		return nil, err
	}
	return e, nil
}

// Load recompiles the policy bundle and clears the decision cache. On
// failure the previously compiled bundle stays active.
func (e *Engine) Load() error {
	modules, err := e.collectModules()
	if err != nil {
		return err
	}

	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, rego.Module(name, modules[name]))
	}

	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		policyErrors.WithLabelValues("compile").Inc()
		return fmt.Errorf("failed to compile policies: %w", err)
	}

	version := bundleVersion(names, modules)
	e.mu.Lock()
	e.compiled = &compiled
	e.version = version
	e.mu.Unlock()
	e.cache.Clear()

	recordVersion(version)
	e.logger.Info("Policies loaded",
		zap.Int("modules", len(modules)),
		zap.String("version", version),
		zap.String("mode", string(e.config.Mode)),
	)
	return nil
}

func (e *Engine) collectModules() (map[string]string, error) {
	modules := make(map[string]string)
	err := fs.WalkDir(embeddedPolicies, "policies", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := embeddedPolicies.ReadFile(path)
		if err != nil {
			return err
		}
		modules[strings.TrimSuffix(d.Name(), ".rego")] = string(data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded policies: %w", err)
	}

	if e.config.Path == "" {
		return modules, nil
	}
	entries, err := os.ReadDir(e.config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(e.config.Path, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", entry.Name(), err)
		}
		name := strings.TrimSuffix(entry.Name(), ".rego")
		if _, ok := modules[name]; ok {
			e.logger.Info("Policy override replaces embedded module", zap.String("module", name))
		}
		modules[name] = string(data)
	}
	return modules, nil
}

// Authorize evaluates input. Evaluation errors deny.
func (e *Engine) Authorize(ctx context.Context, input Input) (*Decision, error) {
	if e.config.Mode == ModeOff {
		return &Decision{Allow: true, Reason: "policy engine disabled"}, nil
	}

	start := time.Now()
	if d, ok := e.cache.Get(input); ok {
		recordCache(true)
		return d, nil
	}
	recordCache(false)

	e.mu.RLock()
	compiled := e.compiled
	e.mu.RUnlock()
	if compiled == nil {
		return &Decision{Allow: false, Reason: "no policy loaded"}, errors.New("policy not loaded")
	}

	results, err := compiled.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"user_id":  input.UserID,
		"role":     input.Role,
		"action":   input.Action,
		"resource": input.Resource,
		"owner_id": input.OwnerID,
	}))
	if err != nil {
		policyErrors.WithLabelValues("evaluation").Inc()
		e.logger.Error("Policy evaluation failed", zap.Error(err))
		return &Decision{Allow: false, Reason: "policy evaluation error"}, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	decision := parseResults(results)
	if !decision.Allow && e.config.Mode == ModeDryRun {
		e.logger.Info("Dry-run policy denial",
			zap.String("user_id", input.UserID),
			zap.String("role", input.Role),
			zap.String("action", input.Action),
			zap.String("resource", input.Resource),
			zap.String("reason", decision.Reason),
		)
		decision = &Decision{Allow: true, Reason: "DRY-RUN: would have been denied - " + decision.Reason}
	}

	recordEvaluation(decision.Allow, e.config.Mode, time.Since(start).Seconds())
	e.cache.Set(input, decision)
	return decision, nil
}

// Require returns ErrDenied unless input is allowed.
func (e *Engine) Require(ctx context.Context, input Input) error {
	d, err := e.Authorize(ctx, input)
	if err != nil {
		return err
	}
	if !d.Allow {
		return fmt.Errorf("%w: %s", ErrDenied, d.Reason)
	}
	return nil
}

// Version identifies the loaded bundle.
func (e *Engine) Version() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

func parseResults(results rego.ResultSet) *Decision {
	decision := &Decision{Allow: false, Reason: "no matching policy rules"}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case map[string]interface{}:
		if allow, ok := v["allow"].(bool); ok {
			decision.Allow = allow
		}
		if reason, ok := v["reason"].(string); ok {
			decision.Reason = reason
		}
	case bool:
		decision.Allow = v
		if v {
			decision.Reason = "allowed by policy"
		} else {
			decision.Reason = "denied by policy"
		}
	}
	return decision
}

func bundleVersion(names []string, modules map[string]string) string {
	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte(modules[name]))
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:4])
}
