// Package store provides the flag and experiment storage backends: in-memory
// for tests and local runs, Redis and Postgres for real deployments. The
// interfaces live with their consumers (flags.Store, experiment.Store).
package store

import (
	"context"
	"sync"

	Experiment "canary-conductor/internal/app/experiment"
	Flags "canary-conductor/internal/app/flags"
)

type MemoryFlagStore struct {
	mu    sync.RWMutex
	flags map[string]Flags.Flag
}

func NewMemoryFlagStore() *MemoryFlagStore {
	return &MemoryFlagStore{flags: make(map[string]Flags.Flag)}
}

func (s *MemoryFlagStore) GetFlag(_ context.Context, name string) (*Flags.Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flags[name]
	if !ok {
		return nil, Flags.ErrFlagNotFound
	}
	clone := f
	clone.Segments = make(map[string]Flags.SegmentConfig, len(f.Segments))
	for k, v := range f.Segments {
		clone.Segments[k] = v
	}
	return &clone, nil
}

func (s *MemoryFlagStore) PutFlag(_ context.Context, f *Flags.Flag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[f.Name] = *f
	return nil
}

func (s *MemoryFlagStore) ListFlags(_ context.Context) ([]*Flags.Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Flags.Flag, 0, len(s.flags))
	for name := range s.flags {
		f := s.flags[name]
		out = append(out, &f)
	}
	return out, nil
}

type MemoryExperimentStore struct {
	mu      sync.RWMutex
	records map[string][]Experiment.Record
}

func NewMemoryExperimentStore() *MemoryExperimentStore {
	return &MemoryExperimentStore{records: make(map[string][]Experiment.Record)}
}

func (s *MemoryExperimentStore) Append(_ context.Context, rec Experiment.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ExperimentID] = append(s.records[rec.ExperimentID], rec)
	return nil
}

func (s *MemoryExperimentStore) List(_ context.Context, experimentID string) ([]Experiment.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.records[experimentID]
	out := make([]Experiment.Record, len(recs))
	copy(out, recs)
	return out, nil
}
