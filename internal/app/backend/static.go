package backend

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Static is an in-process traffic backend for local development. It records
// the last applied weights and reports every target as fully healthy.
type Static struct {
	mu      sync.Mutex
	weights map[string]int
}

func NewStatic() *Static {
	return &Static{weights: make(map[string]int)}
}

func (s *Static) UpdateWeights(_ context.Context, targetA string, weightA int, targetB string, weightB int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.weights[targetA] = weightA
	s.weights[targetB] = weightB
	log.Debugf("static backend: %s=%d, %s=%d", targetA, weightA, targetB, weightB)
	return nil
}

func (s *Static) DescribeTargetHealth(_ context.Context, _ string) (int, int, error) {
	return 0, 1, nil
}

// Weight returns the last weight applied to a target, 0 if never set.
func (s *Static) Weight(target string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weights[target]
}
