package rollout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	Deployment "canary-conductor/internal/app/deployment"
	Event "canary-conductor/internal/app/event"
	Health "canary-conductor/internal/app/health"
	Metrics "canary-conductor/internal/app/metrics"
	Plan "canary-conductor/internal/app/plan"
)

var (
	ErrPromotionInProgress = errors.New("promotion already in progress for deployment")
	ErrNoActivePromotion   = errors.New("no active promotion for deployment")
)

// evalTimeout bounds a single health read. A timed-out read is treated the
// same as insufficient data: hold, don't advance, don't roll back.
const evalTimeout = 15 * time.Second

// Actuator is the slice of the traffic controller the orchestrator drives.
// Narrow on purpose so the state machine is testable with fakes.
type Actuator interface {
	Get(ctx context.Context, id string) (*Deployment.Deployment, error)
	SetWeights(ctx context.Context, id string, canaryPercent int) (Deployment.WeightPair, error)
	Rollback(ctx context.Context, id string) (Deployment.WeightPair, error)
	Promote(ctx context.Context, id string) (Deployment.WeightPair, error)
}

// Status is a point-in-time view of one promotion run.
type Status struct {
	DeploymentID string `json:"deployment_id"`
	Plan         string `json:"plan"`
	State        string `json:"state"`
	Checkpoint   int    `json:"checkpoint"`
	Reason       string `json:"reason,omitempty"`
}

type run struct {
	deploymentID string
	canaryTarget string
	plan         *Plan.Plan

	mu         sync.Mutex
	state      State
	checkpoint int
	weights    Deployment.WeightPair
	reason     string

	cancelOnce sync.Once
	cancelCh   chan struct{}
	done       chan struct{}
}

func (r *run) cancel() {
	r.cancelOnce.Do(func() { close(r.cancelCh) })
}

func (r *run) canceled() bool {
	select {
	case <-r.cancelCh:
		return true
	default:
		return false
	}
}

// Orchestrator runs one worker goroutine per active promotion, driving the
// traffic controller through the plan's checkpoints gated by health reads.
type Orchestrator struct {
	traffic Actuator
	health  Health.Source
	sink    Event.Sink
	metrics *Metrics.Metrics

	mu   sync.Mutex
	runs map[string]*run
}

func New(traffic Actuator, health Health.Source, sink Event.Sink, metrics *Metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		traffic: traffic,
		health:  health,
		sink:    sink,
		metrics: metrics,
		runs:    make(map[string]*run),
	}
}

// StartPromotion validates the plan, claims the deployment, and starts the
// promotion worker. A deployment whose previous worker has not exited is
// rejected with ErrPromotionInProgress; nothing is partially applied on a
// validation error.
func (o *Orchestrator) StartPromotion(ctx context.Context, deploymentID string, p *Plan.Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	d, err := o.traffic.Get(ctx, deploymentID)
	if err != nil {
		return err
	}
	if d.Targets.Canary == "" {
		return fmt.Errorf("deployment '%s' has no canary target", deploymentID)
	}

	o.mu.Lock()
	if existing, ok := o.runs[deploymentID]; ok {
		// A run stays active until its worker exits, not merely until its
		// state turns terminal: a RollingBack run may still have the rollback
		// write in flight, and a new promotion starting under it would have
		// its weights zeroed from behind.
		select {
		case <-existing.done:
		default:
			o.mu.Unlock()
			return ErrPromotionInProgress
		}
	}
	r := &run{
		deploymentID: deploymentID,
		canaryTarget: d.Targets.Canary,
		plan:         p,
		state:        StateIdle,
		weights:      d.Weights,
		cancelCh:     make(chan struct{}),
		done:         make(chan struct{}),
	}
	o.runs[deploymentID] = r
	o.mu.Unlock()

	log.Infof("starting promotion of '%s' with plan '%s' (%d checkpoints)", deploymentID, p.Name, len(p.Checkpoints))
	o.transition(r, StateAdvancing, fmt.Sprintf("promotion started with plan '%s'", p.Name))
	go o.execute(r)
	return nil
}

// Cancel interrupts an active promotion, including a pending soak wait, and
// routes it to RollingBack. Same effect as a health breach.
func (o *Orchestrator) Cancel(deploymentID string) error {
	o.mu.Lock()
	r, ok := o.runs[deploymentID]
	o.mu.Unlock()
	if !ok {
		return ErrNoActivePromotion
	}
	r.mu.Lock()
	active := !r.state.terminal()
	r.mu.Unlock()
	if !active {
		return ErrNoActivePromotion
	}
	log.Warnf("canceling promotion of '%s'", deploymentID)
	r.cancel()
	return nil
}

// Status reports the current or last run for a deployment.
func (o *Orchestrator) Status(deploymentID string) (Status, error) {
	o.mu.Lock()
	r, ok := o.runs[deploymentID]
	o.mu.Unlock()
	if !ok {
		return Status{}, ErrNoActivePromotion
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		DeploymentID: r.deploymentID,
		Plan:         r.plan.Name,
		State:        r.state.String(),
		Checkpoint:   r.checkpoint,
		Reason:       r.reason,
	}, nil
}

// Active reports whether a promotion worker is still running for the
// deployment: true from StartPromotion until the worker goroutine exits,
// including while a final rollback write is in flight.
func (o *Orchestrator) Active(deploymentID string) bool {
	o.mu.Lock()
	r, ok := o.runs[deploymentID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the run for a deployment finishes. Test/tooling hook.
func (o *Orchestrator) Wait(deploymentID string) {
	o.mu.Lock()
	r, ok := o.runs[deploymentID]
	o.mu.Unlock()
	if ok {
		<-r.done
	}
}

// execute drives one run to a terminal state. Each iteration performs the
// action of the current state and transitions; all decisions flow through
// the same step functions so the machine is testable without the goroutine.
func (o *Orchestrator) execute(r *run) {
	defer close(r.done)
	ctx := context.Background()

	for {
		r.mu.Lock()
		state := r.state
		r.mu.Unlock()

		switch state {
		case StateAdvancing:
			o.advance(ctx, r)
		case StateSoaking:
			o.soak(ctx, r)
		case StateRollingBack:
			o.rollback(ctx, r)
			return
		case StatePromoted:
			log.Infof("promotion of '%s' complete", r.deploymentID)
			return
		default:
			log.Errorf("promotion of '%s' reached unexpected state %s", r.deploymentID, state)
			return
		}
	}
}

// advance pushes the current checkpoint's weight. A controller error goes
// straight to RollingBack; it is never retried here.
func (o *Orchestrator) advance(ctx context.Context, r *run) {
	if r.canceled() {
		o.transition(r, StateRollingBack, "promotion canceled")
		return
	}

	r.mu.Lock()
	cp := r.plan.Checkpoints[r.checkpoint]
	r.mu.Unlock()

	weights, err := o.traffic.SetWeights(ctx, r.deploymentID, cp.CanaryPercent)
	if err != nil {
		o.transition(r, StateRollingBack, fmt.Sprintf("traffic shift to %d%% failed: %v", cp.CanaryPercent, err))
		return
	}
	r.mu.Lock()
	r.weights = weights
	r.mu.Unlock()
	o.transition(r, StateSoaking, fmt.Sprintf("canary at %d%%, soaking for %v", cp.CanaryPercent, cp.Soak))
}

// soak waits out the checkpoint's soak period, then evaluates health until a
// verdict: breach or prolonged observability gap rolls back, healthy
// advances or promotes.
func (o *Orchestrator) soak(ctx context.Context, r *run) {
	r.mu.Lock()
	idx := r.checkpoint
	cp := r.plan.Checkpoints[idx]
	policy := r.plan.Policy
	last := idx == len(r.plan.Checkpoints)-1
	r.mu.Unlock()

	if !o.sleep(r, cp.Soak) {
		o.transition(r, StateRollingBack, "promotion canceled during soak")
		return
	}

	waitDeadline := time.Now().Add(policy.MaxHealthWait)
	for {
		if r.canceled() {
			o.transition(r, StateRollingBack, "promotion canceled during soak")
			return
		}

		evalCtx, cancel := context.WithTimeout(ctx, evalTimeout)
		snapshot, err := o.health.Evaluate(evalCtx, r.canaryTarget, policy.Window)
		cancel()

		if err != nil {
			// A timed-out or failed read is an observability gap, not a
			// verdict. Hold until the gap itself exceeds the budget.
			if !errors.Is(err, Health.ErrInsufficientData) {
				log.Warnf("health read for '%s' failed: %v", r.deploymentID, err)
			}
			if time.Now().After(waitDeadline) {
				o.transition(r, StateRollingBack, fmt.Sprintf("health unobservable for %v at checkpoint %d", policy.MaxHealthWait, idx))
				return
			}
			log.Debugf("holding at checkpoint %d of '%s': %v", idx, r.deploymentID, err)
			if !o.sleep(r, policy.RepollInterval) {
				o.transition(r, StateRollingBack, "promotion canceled during soak")
				return
			}
			continue
		}

		if breached, reason := policy.Breached(snapshot); breached {
			o.transition(r, StateRollingBack, reason)
			return
		}

		if last {
			weights, err := o.traffic.Promote(ctx, r.deploymentID)
			if err != nil {
				o.transition(r, StateRollingBack, fmt.Sprintf("promote failed: %v", err))
				return
			}
			r.mu.Lock()
			r.weights = weights
			r.mu.Unlock()
			o.transition(r, StatePromoted, "all checkpoints healthy")
			return
		}

		r.mu.Lock()
		r.checkpoint++
		next := r.plan.Checkpoints[r.checkpoint].CanaryPercent
		r.mu.Unlock()
		o.transition(r, StateAdvancing, fmt.Sprintf("checkpoint %d healthy, advancing to %d%%", idx, next))
		return
	}
}

// rollback is terminal whether or not the controller's rollback succeeds;
// a failure is surfaced through the event stream, not retried here.
func (o *Orchestrator) rollback(ctx context.Context, r *run) {
	weights, err := o.traffic.Rollback(ctx, r.deploymentID)
	if err != nil {
		log.Errorf("URGENT: rollback of '%s' failed, traffic may be stuck on the candidate: %v", r.deploymentID, err)
		return
	}
	r.mu.Lock()
	r.weights = weights
	r.mu.Unlock()
	log.Infof("deployment '%s' rolled back to stable", r.deploymentID)
}

// sleep waits d, interruptible by cancellation. Returns false if canceled.
func (o *Orchestrator) sleep(r *run, d time.Duration) bool {
	if d <= 0 {
		return !r.canceled()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-r.cancelCh:
		return false
	}
}

func (o *Orchestrator) transition(r *run, to State, reason string) {
	r.mu.Lock()
	from := r.state
	r.state = to
	r.reason = reason
	weights := r.weights
	r.mu.Unlock()

	o.metrics.Transitions.WithLabelValues(r.deploymentID, from.String(), to.String()).Inc()
	o.sink.Publish(Event.Stamp(Event.Event{
		Type:         Event.TypeStateTransition,
		DeploymentID: r.deploymentID,
		FromState:    from.String(),
		ToState:      to.String(),
		OldWeights:   weights,
		NewWeights:   weights,
		Reason:       reason,
	}))
	log.Infof("promotion of '%s': %s -> %s (%s)", r.deploymentID, from, to, reason)
}
