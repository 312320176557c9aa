package health

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	Backend "canary-conductor/internal/app/backend"
)

// ErrInsufficientData means the window held fewer samples than required to
// judge health. Callers must treat it as "hold": neither a pass nor a fail.
var ErrInsufficientData = errors.New("insufficient health samples in window")

// Snapshot is a point-in-time health reading for one target. It is produced
// on demand and never persisted by the core.
type Snapshot struct {
	ErrorRate      float64       `json:"error_rate"`
	P99LatencyMs   float64       `json:"p99_latency_ms"`
	UnhealthyCount int           `json:"unhealthy_count"`
	SampleCount    int           `json:"sample_count"`
	Window         time.Duration `json:"window"`
}

// Source evaluates aggregate health for a named traffic target. Pure read,
// no retries; retry policy is the caller's.
type Source interface {
	Evaluate(ctx context.Context, targetID string, window time.Duration) (Snapshot, error)
}

// Default metric names queried by the composite source. Overridable per
// deployment environment through the config file.
const (
	DefaultRequestMetric = "request_count"
	DefaultErrorMetric   = "error_count"
	DefaultLatencyMetric = "request_duration_ms"
)

// Composite builds snapshots from the metrics backend (error rate, latency)
// and the traffic backend (unhealthy targets).
type Composite struct {
	Metrics Backend.Metrics
	Traffic Backend.Traffic

	// MinSamples below which Evaluate returns ErrInsufficientData.
	MinSamples int

	RequestMetric string
	ErrorMetric   string
	LatencyMetric string
}

func NewComposite(metrics Backend.Metrics, traffic Backend.Traffic, minSamples int) *Composite {
	return &Composite{
		Metrics:       metrics,
		Traffic:       traffic,
		MinSamples:    minSamples,
		RequestMetric: DefaultRequestMetric,
		ErrorMetric:   DefaultErrorMetric,
		LatencyMetric: DefaultLatencyMetric,
	}
}

func (c *Composite) Evaluate(ctx context.Context, targetID string, window time.Duration) (Snapshot, error) {
	dims := map[string]string{"target": targetID}

	requests, err := c.Metrics.Query(ctx, c.RequestMetric, dims, window)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to query %s: %v", c.RequestMetric, err)
	}
	sampleCount := int(sum(requests))
	if sampleCount < c.MinSamples {
		log.Debugf("target '%s': %d samples in %v, need %d", targetID, sampleCount, window, c.MinSamples)
		return Snapshot{SampleCount: sampleCount, Window: window}, ErrInsufficientData
	}

	errCounts, err := c.Metrics.Query(ctx, c.ErrorMetric, dims, window)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to query %s: %v", c.ErrorMetric, err)
	}

	latencies, err := c.Metrics.Query(ctx, c.LatencyMetric, dims, window)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to query %s: %v", c.LatencyMetric, err)
	}

	unhealthy, _, err := c.Traffic.DescribeTargetHealth(ctx, targetID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to describe target health for '%s': %v", targetID, err)
	}

	return Snapshot{
		ErrorRate:      sum(errCounts) / float64(sampleCount),
		P99LatencyMs:   Percentile(latencies, 99),
		UnhealthyCount: unhealthy,
		SampleCount:    sampleCount,
		Window:         window,
	}, nil
}

func sum(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total
}

// Percentile returns the p-th percentile of values using linear
// interpolation between closest ranks. NaN for an empty slice.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}
