package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return e
}

func TestEmbeddedPolicy(t *testing.T) {
	e := newTestEngine(t, Config{Mode: ModeEnforce})
	me, other := "user-1", "user-2"

	tests := []struct {
		name  string
		input Input
		allow bool
	}{
		{"admin deletes anything", Input{UserID: me, Role: "admin", Action: ActionDelete, Resource: ResourceClients}, true},
		{"admin reads other user's settings", Input{UserID: me, Role: "admin", Action: ActionRead, Resource: ResourceSettings, OwnerID: other}, true},
		{"staff writes tasks", Input{UserID: me, Role: "staff", Action: ActionWrite, Resource: ResourceTasks}, true},
		{"staff deletes own file", Input{UserID: me, Role: "staff", Action: ActionDelete, Resource: ResourceFiles, OwnerID: me}, true},
		{"staff deletes other's file", Input{UserID: me, Role: "staff", Action: ActionDelete, Resource: ResourceFiles, OwnerID: other}, false},
		{"staff admin action", Input{UserID: me, Role: "staff", Action: ActionAdmin, Resource: ResourceTasks}, false},
		{"viewer reads calls", Input{UserID: me, Role: "viewer", Action: ActionRead, Resource: ResourceCalls}, true},
		{"viewer writes tasks", Input{UserID: me, Role: "viewer", Action: ActionWrite, Resource: ResourceTasks}, false},
		{"viewer writes own settings", Input{UserID: me, Role: "viewer", Action: ActionWrite, Resource: ResourceSettings, OwnerID: me}, true},
		{"staff reads other's classification", Input{UserID: me, Role: "staff", Action: ActionRead, Resource: ResourceEmailClassifications, OwnerID: other}, false},
		{"owner-scoped without owner", Input{UserID: me, Role: "staff", Action: ActionRead, Resource: ResourceIntegrations}, false},
		{"unknown role", Input{UserID: me, Role: "guest", Action: ActionRead, Resource: ResourceTasks}, false},
		{"unknown resource", Input{UserID: me, Role: "staff", Action: ActionRead, Resource: "payroll"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := e.Authorize(context.Background(), tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.allow, d.Allow, d.Reason)
		})
	}
}

func TestRequire(t *testing.T) {
	e := newTestEngine(t, Config{})
	err := e.Require(context.Background(), Input{UserID: "u", Role: "viewer", Action: ActionDelete, Resource: ResourceTasks})
	assert.True(t, errors.Is(err, ErrDenied))
	assert.NoError(t, e.Require(context.Background(), Input{UserID: "u", Role: "viewer", Action: ActionRead, Resource: ResourceTasks}))
}

func TestDryRunAllowsButReports(t *testing.T) {
	e := newTestEngine(t, Config{Mode: ModeDryRun})
	d, err := e.Authorize(context.Background(), Input{Role: "viewer", Action: ActionDelete, Resource: ResourceTasks})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Contains(t, d.Reason, "DRY-RUN")
}

func TestModeOffAllows(t *testing.T) {
	e := newTestEngine(t, Config{Mode: ModeOff})
	d, err := e.Authorize(context.Background(), Input{Role: "guest", Action: ActionAdmin, Resource: "anything"})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestOverrideDirectoryReplacesModule(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "access.rego"), []byte(`package opshub.access

import rego.v1

default decision := {"allow": false, "reason": "locked down"}
`), 0o600))

	e := newTestEngine(t, Config{Path: dir})
	d, err := e.Authorize(context.Background(), Input{Role: "admin", Action: ActionRead, Resource: ResourceTasks})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "locked down", d.Reason)
}

func TestLoadKeepsPreviousBundleOnCompileError(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, Config{Path: dir})
	before := e.Version()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("package opshub.access\n\ndecision := {"), 0o600))
	assert.Error(t, e.Load())
	assert.Equal(t, before, e.Version())

	d, err := e.Authorize(context.Background(), Input{Role: "admin", Action: ActionRead, Resource: ResourceTasks})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestNewEngineMissingOverrideDir(t *testing.T) {
	_, err := NewEngine(Config{Path: filepath.Join(t.TempDir(), "nope")}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestDecisionCacheTTLAndEviction(t *testing.T) {
	c := newDecisionCache(2, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	a := Input{Role: "staff", Action: "read", Resource: "tasks"}
	b := Input{Role: "staff", Action: "read", Resource: "calls"}
	d := Input{Role: "staff", Action: "read", Resource: "sms"}

	c.Set(a, &Decision{Allow: true})
	c.Set(b, &Decision{Allow: true})
	_, ok := c.Get(a) // a becomes MRU
	require.True(t, ok)
	c.Set(d, &Decision{Allow: false})

	_, ok = c.Get(b)
	assert.False(t, ok, "LRU entry evicted")
	assert.Equal(t, 2, c.Len())

	now = now.Add(2 * time.Minute)
	_, ok = c.Get(a)
	assert.False(t, ok, "entry expired")

	c.Clear()
	assert.Equal(t, 0, c.Len())
}
