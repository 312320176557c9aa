package plan

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	Health "canary-conductor/internal/app/health"
)

// Plan is the promotion schedule for one canary run: the ordered canary
// weight checkpoints, how long to soak at each, and the health policy that
// gates advancement. Immutable once a promotion starts.
type Plan struct {
	Name        string       `yaml:"name"`
	Checkpoints []Checkpoint `yaml:"checkpoints"`
	Policy      HealthPolicy `yaml:"health_policy"`
}

type Checkpoint struct {
	CanaryPercent int           `yaml:"canary_percent"`
	Soak          time.Duration `yaml:"soak"`
}

// HealthPolicy holds the requirement thresholds a health snapshot must meet
// at every checkpoint. Thresholds are comparison strings like "<0.02": the
// snapshot value must satisfy the comparison or the checkpoint is breached.
type HealthPolicy struct {
	ErrorRate      string        `yaml:"errorRate,omitempty"`
	P99LatencyMs   string        `yaml:"p99LatencyMs,omitempty"`
	UnhealthyCount string        `yaml:"unhealthyCount,omitempty"`
	MinSamples     int           `yaml:"min_samples"`
	Window         time.Duration `yaml:"window"`
	RepollInterval time.Duration `yaml:"repoll_interval"`
	MaxHealthWait  time.Duration `yaml:"max_health_wait"`
}

const (
	defaultWindow         = 1 * time.Minute
	defaultRepollInterval = 5 * time.Second
	defaultMaxHealthWait  = 5 * time.Minute
)

// Load reads and validates a plan from a YAML file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading plan file: %v", err)
	}

	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("error unmarshalling plan YAML: %v", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate rejects malformed plans before any traffic is touched: empty or
// non-monotonic checkpoint lists, weights outside (0,100], negative soaks,
// unparseable thresholds.
func (p *Plan) Validate() error {
	if len(p.Checkpoints) == 0 {
		return fmt.Errorf("plan '%s' has no checkpoints", p.Name)
	}
	prev := 0
	for i, cp := range p.Checkpoints {
		if cp.CanaryPercent <= 0 || cp.CanaryPercent > 100 {
			return fmt.Errorf("checkpoint %d of plan '%s' is %d, expected within (0,100]", i, p.Name, cp.CanaryPercent)
		}
		if cp.CanaryPercent <= prev {
			return fmt.Errorf("checkpoints of plan '%s' must be strictly increasing, got %d after %d", p.Name, cp.CanaryPercent, prev)
		}
		if cp.Soak < 0 {
			return fmt.Errorf("checkpoint %d of plan '%s' has negative soak %v", i, p.Name, cp.Soak)
		}
		prev = cp.CanaryPercent
	}

	for name, thr := range map[string]string{
		"errorRate":      p.Policy.ErrorRate,
		"p99LatencyMs":   p.Policy.P99LatencyMs,
		"unhealthyCount": p.Policy.UnhealthyCount,
	} {
		if thr == "" {
			continue
		}
		if _, _, err := parseComparisonString(thr); err != nil {
			return fmt.Errorf("invalid threshold format '%s' for %s in plan '%s': %v", thr, name, p.Name, err)
		}
	}

	if p.Policy.MinSamples < 0 {
		return fmt.Errorf("plan '%s' has negative min_samples", p.Name)
	}
	if p.Policy.Window <= 0 {
		p.Policy.Window = defaultWindow
	}
	if p.Policy.RepollInterval <= 0 {
		p.Policy.RepollInterval = defaultRepollInterval
	}
	if p.Policy.MaxHealthWait <= 0 {
		p.Policy.MaxHealthWait = defaultMaxHealthWait
	}
	return nil
}

// Breached checks a snapshot against the policy. The second return names the
// first violated threshold, empty when healthy.
func (hp *HealthPolicy) Breached(s Health.Snapshot) (bool, string) {
	if hp.ErrorRate != "" && !isThresholdMet(hp.ErrorRate, s.ErrorRate) {
		return true, fmt.Sprintf("error rate %.4f violates threshold %s", s.ErrorRate, hp.ErrorRate)
	}
	if hp.P99LatencyMs != "" && !isThresholdMet(hp.P99LatencyMs, s.P99LatencyMs) {
		return true, fmt.Sprintf("p99 latency %.1fms violates threshold %s", s.P99LatencyMs, hp.P99LatencyMs)
	}
	if hp.UnhealthyCount != "" && !isThresholdMet(hp.UnhealthyCount, float64(s.UnhealthyCount)) {
		return true, fmt.Sprintf("unhealthy count %d violates threshold %s", s.UnhealthyCount, hp.UnhealthyCount)
	}
	return false, ""
}

// isThresholdMet assumes the comparison string was validated up front; an
// unparseable threshold at this point fails the check rather than passing
// bad traffic.
func isThresholdMet(threshold string, actual float64) bool {
	operator, thrVal, err := parseComparisonString(threshold)
	if err != nil {
		return false
	}
	switch operator {
	case "<":
		return actual < thrVal
	case "<=":
		return actual <= thrVal
	case ">":
		return actual > thrVal
	case ">=":
		return actual >= thrVal
	case "=":
		return actual == thrVal
	default:
		return false
	}
}

// parseComparisonString parses a string like "<0.02" and returns the operator and value
func parseComparisonString(comp string) (string, float64, error) {
	var operator string
	if strings.HasPrefix(comp, "<=") {
		operator = "<="
	} else if strings.HasPrefix(comp, ">=") {
		operator = ">="
	} else if strings.HasPrefix(comp, "<") {
		operator = "<"
	} else if strings.HasPrefix(comp, ">") {
		operator = ">"
	} else if strings.HasPrefix(comp, "=") {
		operator = "="
	} else {
		return "", 0, fmt.Errorf("invalid comparison string: %s", comp)
	}

	valueStr := strings.TrimPrefix(comp, operator)
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid number: %s", valueStr)
	}

	return operator, value, nil
}
