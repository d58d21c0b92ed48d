package intelligence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/ledgerline/opshub/internal/circuitbreaker"
	"github.com/ledgerline/opshub/internal/metrics"
)

// ErrLLMUnavailable is returned when no model is configured.
var ErrLLMUnavailable = errors.New("llm is not configured")

// Prompt is one rendered request to the model.
type Prompt struct {
	Operation string
	System    string
	User      string
	MaxTokens int
}

// Completion is the model's text answer and token usage.
type Completion struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Completer runs a single-turn completion.
type Completer interface {
	Complete(ctx context.Context, p Prompt) (*Completion, error)
}

// AnthropicConfig configures the Anthropic completer.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// AnthropicCompleter sends prompts to the Messages API behind a breaker.
type AnthropicCompleter struct {
	client    anthropic.Client
	model     string
	maxTokens int
	timeout   time.Duration
	cb        *circuitbreaker.CircuitBreaker
	logger    *zap.Logger
}

// NewAnthropicCompleter returns nil when no API key is set so callers can
// treat AI features as disabled.
func NewAnthropicCompleter(cfg AnthropicConfig, logger *zap.Logger) *AnthropicCompleter {
	if cfg.APIKey == "" {
		return nil
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(2)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cb := circuitbreaker.New("anthropic", circuitbreaker.Settings(circuitbreaker.KindLLM), logger)
	return &AnthropicCompleter{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
		cb:        circuitbreaker.Instrument(cb),
		logger:    logger,
	}
}

// Breaker exposes the breaker guarding the Messages API.
func (a *AnthropicCompleter) Breaker() *circuitbreaker.CircuitBreaker { return a.cb }

func (a *AnthropicCompleter) Complete(ctx context.Context, p Prompt) (*Completion, error) {
	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(p.User)),
		},
	}
	if p.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: p.System}}
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	var out *Completion
	err := a.cb.Execute(ctx, func() error {
		msg, err := a.client.Messages.New(ctx, params)
		if err != nil {
			return err
		}
		var sb strings.Builder
		for _, block := range msg.Content {
			if block.Type == "text" {
				sb.WriteString(block.Text)
			}
		}
		out = &Completion{
			Text:         sb.String(),
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		}
		return nil
	})
	var in, outTok int64
	if out != nil {
		in, outTok = out.InputTokens, out.OutputTokens
	}
	metrics.RecordLLMRequest(p.Operation, err, time.Since(start), in, outTok)
	if err != nil {
		a.logger.Warn("LLM request failed",
			zap.String("operation", p.Operation),
			zap.String("model", a.model),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to complete %s: %w", p.Operation, err)
	}
	return out, nil
}
