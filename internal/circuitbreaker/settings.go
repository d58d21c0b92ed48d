package circuitbreaker

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Dependency kinds with their own default thresholds.
const (
	KindDatabase = "database"
	KindHTTP     = "http"
	KindLLM      = "llm"
)

// Settings returns the thresholds for a dependency kind, overridable through
// OPSHUB_CB_<KIND>_<FIELD> environment variables, e.g.
// OPSHUB_CB_HTTP_FAILURE_THRESHOLD=3.
func Settings(kind string) Config {
	cfg := DefaultConfig()
	switch kind {
	case KindDatabase:
		cfg.Timeout = 30 * time.Second
		cfg.FailureThreshold = 5
	case KindHTTP:
		cfg.Interval = 30 * time.Second
		cfg.FailureThreshold = 3
	case KindLLM:
		// LLM calls are slow and rate limited; give them more room.
		cfg.MaxRequests = 1
		cfg.Timeout = 60 * time.Second
		cfg.FailureThreshold = 4
	}

	prefix := "OPSHUB_CB_" + strings.ToUpper(kind) + "_"
	cfg.MaxRequests = envUint32(prefix+"MAX_REQUESTS", cfg.MaxRequests)
	cfg.Interval = envDuration(prefix+"INTERVAL", cfg.Interval)
	cfg.Timeout = envDuration(prefix+"TIMEOUT", cfg.Timeout)
	cfg.FailureThreshold = envUint32(prefix+"FAILURE_THRESHOLD", cfg.FailureThreshold)
	cfg.SuccessThreshold = envUint32(prefix+"SUCCESS_THRESHOLD", cfg.SuccessThreshold)
	return cfg
}

func envUint32(key string, def uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return def
}
