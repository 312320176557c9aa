package traffic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	Backend "canary-conductor/internal/app/backend"
	Deployment "canary-conductor/internal/app/deployment"
	Event "canary-conductor/internal/app/event"
	Metrics "canary-conductor/internal/app/metrics"
)

var (
	// ErrRollbackFailed means the rollback retry budget is exhausted and live
	// traffic may still be reaching an unverified candidate. Callers must
	// treat it as fatal/urgent.
	ErrRollbackFailed = errors.New("rollback failed after retries")

	ErrDeploymentExists = errors.New("deployment already registered")
)

// rollback is the only operation in the system with a built-in retry.
const rollbackAttempts = 3

// Controller owns the stable/canary weight split of registered deployments.
// All mutating operations for one deployment id are serialized through a
// per-id lock; different ids proceed independently.
type Controller struct {
	store   Deployment.Store
	backend Backend.Traffic
	sink    Event.Sink
	metrics *Metrics.Metrics

	mu    sync.Mutex
	locks map[string]*idLock
}

// idLock is a refcounted per-deployment mutex. An entry exists only while
// callers hold or wait on it, so concluded and abandoned deployments leave
// nothing behind in the registry.
type idLock struct {
	mu   sync.Mutex
	refs int
}

func New(store Deployment.Store, backend Backend.Traffic, sink Event.Sink, metrics *Metrics.Metrics) *Controller {
	return &Controller{
		store:   store,
		backend: backend,
		sink:    sink,
		metrics: metrics,
		locks:   make(map[string]*idLock),
	}
}

func (c *Controller) acquire(id string) *idLock {
	c.mu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &idLock{}
		c.locks[id] = l
	}
	l.refs++
	c.mu.Unlock()
	l.mu.Lock()
	return l
}

func (c *Controller) release(id string, l *idLock) {
	l.mu.Unlock()
	c.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(c.locks, id)
	}
	c.mu.Unlock()
}

// Register creates a deployment at 100/0 Stable. The candidate receives no
// traffic until a promotion or an explicit weight change.
func (c *Controller) Register(ctx context.Context, id, stableTarget, canaryTarget string) (*Deployment.Deployment, error) {
	if id == "" || stableTarget == "" || canaryTarget == "" {
		return nil, fmt.Errorf("deployment id and both targets are required")
	}
	l := c.acquire(id)
	defer c.release(id, l)

	if _, err := c.store.Get(ctx, id); err == nil {
		return nil, ErrDeploymentExists
	} else if !errors.Is(err, Deployment.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	d := &Deployment.Deployment{
		ID:        id,
		Targets:   Deployment.TargetPair{Stable: stableTarget, Canary: canaryTarget},
		Weights:   Deployment.WeightPair{Stable: 100, Canary: 0},
		Status:    Deployment.StatusStable,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.Put(ctx, d); err != nil {
		return nil, err
	}
	c.metrics.CanaryWeight.WithLabelValues(id).Set(0)
	log.Infof("registered deployment '%s': stable='%s', canary='%s'", id, stableTarget, canaryTarget)
	return d, nil
}

func (c *Controller) Get(ctx context.Context, id string) (*Deployment.Deployment, error) {
	return c.store.Get(ctx, id)
}

// Shift adjusts the canary weight by deltaPercent, clamped to [0,100].
func (c *Controller) Shift(ctx context.Context, id string, deltaPercent int) (Deployment.WeightPair, error) {
	l := c.acquire(id)
	defer c.release(id, l)

	d, err := c.store.Get(ctx, id)
	if err != nil {
		return Deployment.WeightPair{}, err
	}
	canary := d.Weights.Canary + deltaPercent
	if canary < 0 {
		canary = 0
	} else if canary > 100 {
		canary = 100
	}
	return c.apply(ctx, d, canary, "shift")
}

// SetWeights sets the canary weight to an absolute percentage.
func (c *Controller) SetWeights(ctx context.Context, id string, canaryPercent int) (Deployment.WeightPair, error) {
	if canaryPercent < 0 || canaryPercent > 100 {
		return Deployment.WeightPair{}, fmt.Errorf("canary percent %d outside [0,100]", canaryPercent)
	}
	l := c.acquire(id)
	defer c.release(id, l)

	d, err := c.store.Get(ctx, id)
	if err != nil {
		return Deployment.WeightPair{}, err
	}
	return c.apply(ctx, d, canaryPercent, "set_weights")
}

// Rollback returns all traffic to the stable target. The traffic backend
// write is retried with bounded exponential backoff because a failed
// rollback leaves bad code receiving traffic; exhaustion surfaces
// ErrRollbackFailed.
func (c *Controller) Rollback(ctx context.Context, id string) (Deployment.WeightPair, error) {
	l := c.acquire(id)
	defer c.release(id, l)

	d, err := c.store.Get(ctx, id)
	if err != nil {
		return Deployment.WeightPair{}, err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), rollbackAttempts-1), ctx)
	var weights Deployment.WeightPair
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		var applyErr error
		weights, applyErr = c.apply(ctx, d, 0, "rollback")
		if applyErr != nil {
			log.Warnf("rollback attempt %d/%d for '%s' failed: %v", attempt, rollbackAttempts, id, applyErr)
		}
		return applyErr
	}, bo)
	if err != nil {
		c.metrics.RollbackFailures.WithLabelValues(id).Inc()
		c.sink.Publish(Event.Stamp(Event.Event{
			Type:         Event.TypeRollbackFailed,
			DeploymentID: id,
			OldWeights:   d.Weights,
			NewWeights:   d.Weights,
			Reason:       err.Error(),
		}))
		return d.Weights, fmt.Errorf("%w: %v", ErrRollbackFailed, err)
	}

	d.Status = Deployment.StatusRollingBack
	d.UpdatedAt = time.Now().UTC()
	if err := c.store.Put(ctx, d); err != nil {
		return weights, err
	}
	return weights, nil
}

// Promote routes 100% of traffic to the canary and marks the deployment
// Promoted. Promoting an already-Promoted deployment is a no-op returning
// the current weights.
func (c *Controller) Promote(ctx context.Context, id string) (Deployment.WeightPair, error) {
	l := c.acquire(id)
	defer c.release(id, l)

	d, err := c.store.Get(ctx, id)
	if err != nil {
		return Deployment.WeightPair{}, err
	}
	if d.Status == Deployment.StatusPromoted {
		log.Debugf("deployment '%s' already promoted, no-op", id)
		return d.Weights, nil
	}

	weights, err := c.apply(ctx, d, 100, "promote")
	if err != nil {
		return weights, err
	}
	d.Status = Deployment.StatusPromoted
	d.UpdatedAt = time.Now().UTC()
	if err := c.store.Put(ctx, d); err != nil {
		return weights, err
	}
	log.Infof("deployment '%s' promoted", id)
	return weights, nil
}

// Conclude resets a terminal deployment. After a promote the canary target
// becomes the new stable; after a rollback the candidate reference is
// dropped. A deployment mid-promotion cannot be concluded.
func (c *Controller) Conclude(ctx context.Context, id string) (*Deployment.Deployment, error) {
	l := c.acquire(id)
	defer c.release(id, l)

	d, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch d.Status {
	case Deployment.StatusPromoted:
		d.Targets = Deployment.TargetPair{Stable: d.Targets.Canary}
	case Deployment.StatusRollingBack, Deployment.StatusStable:
		d.Targets.Canary = ""
	default:
		return nil, fmt.Errorf("cannot conclude deployment '%s' in status %s", id, d.Status)
	}

	d.Weights = Deployment.WeightPair{Stable: 100, Canary: 0}
	d.Status = Deployment.StatusStable
	d.UpdatedAt = time.Now().UTC()
	if err := c.store.Put(ctx, d); err != nil {
		return nil, err
	}
	c.metrics.CanaryWeight.WithLabelValues(id).Set(0)
	log.Infof("deployment '%s' concluded: stable='%s'", id, d.Targets.Stable)
	return d, nil
}

// apply pushes a weight pair to the traffic backend and records it. The
// caller must hold the per-deployment lock.
func (c *Controller) apply(ctx context.Context, d *Deployment.Deployment, canaryPercent int, cause string) (Deployment.WeightPair, error) {
	old := d.Weights
	pair := Deployment.WeightPair{Stable: 100 - canaryPercent, Canary: canaryPercent}
	if pair.Stable+pair.Canary != 100 {
		// Unreachable by construction; asserted because an inconsistent split
		// black-holes traffic.
		return old, fmt.Errorf("inconsistent weights %d/%d for '%s'", pair.Stable, pair.Canary, d.ID)
	}

	if err := c.backend.UpdateWeights(ctx, d.Targets.Stable, pair.Stable, d.Targets.Canary, pair.Canary); err != nil {
		return old, fmt.Errorf("traffic backend update for '%s' failed: %v", d.ID, err)
	}

	d.Weights = pair
	if cause != "rollback" && cause != "promote" {
		if pair.Canary > 0 {
			d.Status = Deployment.StatusPromoting
		} else if d.Status != Deployment.StatusPromoted {
			d.Status = Deployment.StatusStable
		}
	}
	d.UpdatedAt = time.Now().UTC()
	if err := c.store.Put(ctx, d); err != nil {
		return old, err
	}

	c.metrics.CanaryWeight.WithLabelValues(d.ID).Set(float64(pair.Canary))
	c.metrics.WeightChanges.WithLabelValues(d.ID).Inc()
	c.sink.Publish(Event.Stamp(Event.Event{
		Type:         Event.TypeWeightChange,
		DeploymentID: d.ID,
		OldWeights:   old,
		NewWeights:   pair,
		Reason:       cause,
	}))
	log.Infof("deployment '%s' weights %d/%d -> %d/%d (%s)", d.ID, old.Stable, old.Canary, pair.Stable, pair.Canary, cause)
	return pair, nil
}
