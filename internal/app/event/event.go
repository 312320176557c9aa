package event

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	Deployment "canary-conductor/internal/app/deployment"
)

type Type string

const (
	TypeWeightChange    Type = "weight_change"
	TypeStateTransition Type = "state_transition"
	TypeRollbackFailed  Type = "rollback_failed"
)

// Event is the record emitted on every weight change and every orchestrator
// state transition, consumed by logging/alerting collaborators.
type Event struct {
	ID           string                `json:"id"`
	Timestamp    time.Time             `json:"timestamp"`
	Type         Type                  `json:"type"`
	DeploymentID string                `json:"deployment_id"`
	FromState    string                `json:"from_state,omitempty"`
	ToState      string                `json:"to_state,omitempty"`
	OldWeights   Deployment.WeightPair `json:"old_weights"`
	NewWeights   Deployment.WeightPair `json:"new_weights"`
	Reason       string                `json:"reason,omitempty"`
}

// Sink receives events. Publish must not block the caller for long; slow
// consumers should buffer on their side.
type Sink interface {
	Publish(e Event)
}

// Stamp fills the generated fields and returns the event.
func Stamp(e Event) Event {
	e.ID = uuid.NewString()
	e.Timestamp = time.Now().UTC()
	return e
}

// FanOut publishes each event to all registered sinks in order.
type FanOut struct {
	sinks []Sink
}

func NewFanOut(sinks ...Sink) *FanOut {
	return &FanOut{sinks: sinks}
}

func (f *FanOut) Publish(e Event) {
	for _, s := range f.sinks {
		s.Publish(e)
	}
}

// LogSink writes events to the process log.
type LogSink struct{}

func (LogSink) Publish(e Event) {
	switch e.Type {
	case TypeRollbackFailed:
		log.Errorf("event %s: deployment '%s' rollback failed: %s", e.Type, e.DeploymentID, e.Reason)
	case TypeStateTransition:
		log.Infof("event %s: deployment '%s' %s -> %s (canary %d%%): %s",
			e.Type, e.DeploymentID, e.FromState, e.ToState, e.NewWeights.Canary, e.Reason)
	default:
		log.Infof("event %s: deployment '%s' weights %d/%d -> %d/%d: %s",
			e.Type, e.DeploymentID, e.OldWeights.Stable, e.OldWeights.Canary,
			e.NewWeights.Stable, e.NewWeights.Canary, e.Reason)
	}
}

// Ring keeps the most recent events in a bounded buffer for the operator API.
type Ring struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 256
	}
	return &Ring{events: make([]Event, capacity)}
}

func (r *Ring) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[r.next] = e
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
}

// Recent returns the buffered events, oldest first.
func (r *Ring) Recent() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]Event, r.next)
		copy(out, r.events[:r.next])
		return out
	}
	out := make([]Event, 0, len(r.events))
	out = append(out, r.events[r.next:]...)
	out = append(out, r.events[:r.next]...)
	return out
}
