package policy

import "time"

// Mode defines the policy engine operating mode
type Mode string

const (
	// ModeOff skips evaluation and allows every request
	ModeOff Mode = "off"
	// ModeDryRun evaluates policies but only logs denials
	ModeDryRun Mode = "dry-run"
	// ModeEnforce evaluates and enforces policies
	ModeEnforce Mode = "enforce"
)

// Actions
const (
	ActionRead   = "read"
	ActionWrite  = "write"
	ActionDelete = "delete"
	ActionAdmin  = "admin"
)

// Resources
const (
	ResourceTasks                = "tasks"
	ResourceClients              = "clients"
	ResourceCalls                = "calls"
	ResourceSMS                  = "sms"
	ResourceChat                 = "chat"
	ResourceFiles                = "files"
	ResourceEmails               = "emails"
	ResourceEmailClassifications = "email_classifications"
	ResourceSettings             = "settings"
	ResourceIntegrations         = "integrations"
	ResourceAPIKeys              = "api_keys"
)

// Config holds policy engine configuration
type Config struct {
	Mode Mode

	// Path to a directory of .rego files. Files named like an embedded
	// module replace it; others are added.
	Path string

	CacheSize int
	CacheTTL  time.Duration
}

// ParseMode maps a config string to a Mode, defaulting to enforce.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeOff, ModeDryRun:
		return Mode(s)
	default:
		return ModeEnforce
	}
}
