package deployment

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("deployment not found")

type Status string

const (
	StatusStable      Status = "Stable"
	StatusPromoting   Status = "Promoting"
	StatusRollingBack Status = "RollingBack"
	StatusPromoted    Status = "Promoted"
)

// WeightPair is the traffic split between the stable and canary targets.
// Stable + Canary must always equal 100.
type WeightPair struct {
	Stable int `json:"stable"`
	Canary int `json:"canary"`
}

// TargetPair references the two backend targets a deployment routes between.
// The reference format is backend-specific (target group ARN, Cloud Run
// revision, agent upstream name).
type TargetPair struct {
	Stable string `json:"stable"`
	Canary string `json:"canary"`
}

type Deployment struct {
	ID        string     `json:"id"`
	Targets   TargetPair `json:"targets"`
	Weights   WeightPair `json:"weights"`
	Status    Status     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Store keeps per-deployment state addressed by id. Implementations must be
// safe for concurrent use.
type Store interface {
	Put(ctx context.Context, d *Deployment) error
	Get(ctx context.Context, id string) (*Deployment, error)
	List(ctx context.Context) ([]*Deployment, error)
}

type MemoryStore struct {
	mu          sync.RWMutex
	deployments map[string]Deployment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{deployments: make(map[string]Deployment)}
}

func (s *MemoryStore) Put(_ context.Context, d *Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployments[d.ID] = *d
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Deployment, 0, len(s.deployments))
	for id := range s.deployments {
		d := s.deployments[id]
		out = append(out, &d)
	}
	return out, nil
}
