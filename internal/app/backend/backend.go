// Package backend defines the narrow interfaces the core uses to reach
// infrastructure it does not own: the traffic plane and the metrics plane.
package backend

import (
	"context"
	"time"
)

// Traffic is the weighted-routing surface of a load balancer or service mesh.
// The core never provisions targets; it only moves weight between two of them
// and reads their health.
type Traffic interface {
	UpdateWeights(ctx context.Context, targetA string, weightA int, targetB string, weightB int) error
	DescribeTargetHealth(ctx context.Context, target string) (unhealthy, total int, err error)
}

// Metrics is a read-only time-series query surface used to build health
// snapshots. Dimensions are backend-specific label selectors.
type Metrics interface {
	Query(ctx context.Context, metric string, dimensions map[string]string, window time.Duration) ([]float64, error)
}
