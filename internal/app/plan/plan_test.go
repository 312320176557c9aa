package plan

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	Health "canary-conductor/internal/app/health"
)

func validPlan() *Plan {
	return &Plan{
		Name: "test",
		Checkpoints: []Checkpoint{
			{CanaryPercent: 10, Soak: time.Minute},
			{CanaryPercent: 50, Soak: time.Minute},
			{CanaryPercent: 100, Soak: 0},
		},
		Policy: HealthPolicy{
			ErrorRate:    "<0.02",
			P99LatencyMs: "<=500",
			MinSamples:   10,
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Plan)
		wantErr bool
	}{
		{"valid", func(*Plan) {}, false},
		{"no checkpoints", func(p *Plan) { p.Checkpoints = nil }, true},
		{"zero percent", func(p *Plan) { p.Checkpoints[0].CanaryPercent = 0 }, true},
		{"over 100", func(p *Plan) { p.Checkpoints[2].CanaryPercent = 120 }, true},
		{"non-monotonic", func(p *Plan) { p.Checkpoints[1].CanaryPercent = 5 }, true},
		{"duplicate checkpoint", func(p *Plan) { p.Checkpoints[1].CanaryPercent = 10 }, true},
		{"negative soak", func(p *Plan) { p.Checkpoints[0].Soak = -time.Second }, true},
		{"bad threshold", func(p *Plan) { p.Policy.ErrorRate = "about 2%" }, true},
		{"negative min samples", func(p *Plan) { p.Policy.MinSamples = -1 }, true},
		{"no thresholds is allowed", func(p *Plan) {
			p.Policy.ErrorRate = ""
			p.Policy.P99LatencyMs = ""
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPlan()
			tt.mutate(p)
			err := p.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateAppliesDefaults(t *testing.T) {
	p := validPlan()
	require.NoError(t, p.Validate())
	assert.Equal(t, defaultWindow, p.Policy.Window)
	assert.Equal(t, defaultRepollInterval, p.Policy.RepollInterval)
	assert.Equal(t, defaultMaxHealthWait, p.Policy.MaxHealthWait)
}

func TestBreached(t *testing.T) {
	policy := HealthPolicy{
		ErrorRate:      "<0.02",
		P99LatencyMs:   "<=500",
		UnhealthyCount: "=0",
	}

	breached, reason := policy.Breached(Health.Snapshot{ErrorRate: 0.01, P99LatencyMs: 300})
	assert.False(t, breached)
	assert.Empty(t, reason)

	breached, reason = policy.Breached(Health.Snapshot{ErrorRate: 0.05, P99LatencyMs: 300})
	assert.True(t, breached)
	assert.Contains(t, reason, "error rate")

	breached, reason = policy.Breached(Health.Snapshot{ErrorRate: 0.01, P99LatencyMs: 900})
	assert.True(t, breached)
	assert.Contains(t, reason, "p99 latency")

	breached, reason = policy.Breached(Health.Snapshot{ErrorRate: 0.01, P99LatencyMs: 300, UnhealthyCount: 2})
	assert.True(t, breached)
	assert.Contains(t, reason, "unhealthy count")

	// Boundary: "<0.02" is exclusive.
	breached, _ = policy.Breached(Health.Snapshot{ErrorRate: 0.02, P99LatencyMs: 500})
	assert.True(t, breached)
}

func TestBreachedEmptyPolicy(t *testing.T) {
	policy := HealthPolicy{}
	breached, _ := policy.Breached(Health.Snapshot{ErrorRate: 0.99, UnhealthyCount: 10})
	assert.False(t, breached, "an empty policy gates nothing")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yml")
	content := `
name: "checkout-canary"
checkpoints:
  - canary_percent: 10
    soak: 2m
  - canary_percent: 50
    soak: 5m
  - canary_percent: 100
    soak: 1m
health_policy:
  errorRate: "<0.02"
  p99LatencyMs: "<=250"
  unhealthyCount: "=0"
  min_samples: 100
  window: 1m
  repoll_interval: 5s
  max_health_wait: 10m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "checkout-canary", p.Name)
	require.Len(t, p.Checkpoints, 3)
	assert.Equal(t, 10, p.Checkpoints[0].CanaryPercent)
	assert.Equal(t, 2*time.Minute, p.Checkpoints[0].Soak)
	assert.Equal(t, 100, p.Policy.MinSamples)
	assert.Equal(t, 10*time.Minute, p.Policy.MaxHealthWait)
}

func TestLoadRejectsMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yml")
	content := `
name: "bad"
checkpoints:
  - canary_percent: 50
    soak: 1m
  - canary_percent: 10
    soak: 1m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestParseComparisonString(t *testing.T) {
	op, val, err := parseComparisonString("<=0.02")
	require.NoError(t, err)
	assert.Equal(t, "<=", op)
	assert.Equal(t, 0.02, val)

	op, val, err = parseComparisonString(">100")
	require.NoError(t, err)
	assert.Equal(t, ">", op)
	assert.Equal(t, 100.0, val)

	_, _, err = parseComparisonString("0.02")
	assert.Error(t, err)
	_, _, err = parseComparisonString("<abc")
	assert.Error(t, err)
}
