package traffic

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	Backend "canary-conductor/internal/app/backend"
	Deployment "canary-conductor/internal/app/deployment"
	Event "canary-conductor/internal/app/event"
	Metrics "canary-conductor/internal/app/metrics"
)

// flakyBackend fails UpdateWeights a configured number of times, then
// delegates to a static backend.
type flakyBackend struct {
	mu       sync.Mutex
	failures int
	calls    int
	inner    *Backend.Static
}

func (b *flakyBackend) UpdateWeights(ctx context.Context, targetA string, weightA int, targetB string, weightB int) error {
	b.mu.Lock()
	b.calls++
	fail := b.calls <= b.failures
	b.mu.Unlock()
	if fail {
		return errors.New("backend unavailable")
	}
	return b.inner.UpdateWeights(ctx, targetA, weightA, targetB, weightB)
}

func (b *flakyBackend) DescribeTargetHealth(ctx context.Context, target string) (int, int, error) {
	return b.inner.DescribeTargetHealth(ctx, target)
}

func newTestController(t *testing.T, backend Backend.Traffic) (*Controller, *Event.Ring) {
	t.Helper()
	ring := Event.NewRing(64)
	return New(Deployment.NewMemoryStore(), backend, ring, Metrics.New()), ring
}

func register(t *testing.T, c *Controller) *Deployment.Deployment {
	t.Helper()
	d, err := c.Register(context.Background(), "checkout", "checkout-v1", "checkout-v2")
	require.NoError(t, err)
	return d
}

func assertWeightInvariant(t *testing.T, w Deployment.WeightPair) {
	t.Helper()
	assert.Equal(t, 100, w.Stable+w.Canary)
	assert.GreaterOrEqual(t, w.Canary, 0)
	assert.LessOrEqual(t, w.Canary, 100)
}

func TestRegister(t *testing.T) {
	c, _ := newTestController(t, Backend.NewStatic())
	d := register(t, c)

	assert.Equal(t, Deployment.WeightPair{Stable: 100, Canary: 0}, d.Weights)
	assert.Equal(t, Deployment.StatusStable, d.Status)

	_, err := c.Register(context.Background(), "checkout", "a", "b")
	assert.ErrorIs(t, err, ErrDeploymentExists)

	_, err = c.Register(context.Background(), "", "a", "b")
	assert.Error(t, err)
}

func TestShiftClampsToRange(t *testing.T) {
	c, _ := newTestController(t, Backend.NewStatic())
	register(t, c)
	ctx := context.Background()

	w, err := c.Shift(ctx, "checkout", 30)
	require.NoError(t, err)
	assert.Equal(t, 30, w.Canary)
	assertWeightInvariant(t, w)

	w, err = c.Shift(ctx, "checkout", 90)
	require.NoError(t, err)
	assert.Equal(t, 100, w.Canary)
	assertWeightInvariant(t, w)

	w, err = c.Shift(ctx, "checkout", -250)
	require.NoError(t, err)
	assert.Equal(t, 0, w.Canary)
	assertWeightInvariant(t, w)
}

func TestSetWeights(t *testing.T) {
	static := Backend.NewStatic()
	c, _ := newTestController(t, static)
	register(t, c)
	ctx := context.Background()

	w, err := c.SetWeights(ctx, "checkout", 25)
	require.NoError(t, err)
	assert.Equal(t, Deployment.WeightPair{Stable: 75, Canary: 25}, w)
	assert.Equal(t, 75, static.Weight("checkout-v1"))
	assert.Equal(t, 25, static.Weight("checkout-v2"))

	d, err := c.Get(ctx, "checkout")
	require.NoError(t, err)
	assert.Equal(t, Deployment.StatusPromoting, d.Status)

	_, err = c.SetWeights(ctx, "checkout", 130)
	assert.Error(t, err)
	_, err = c.SetWeights(ctx, "missing", 10)
	assert.ErrorIs(t, err, Deployment.ErrNotFound)
}

func TestRollbackRetriesThenSucceeds(t *testing.T) {
	backend := &flakyBackend{failures: 2, inner: Backend.NewStatic()}
	c, _ := newTestController(t, backend)
	register(t, c)
	ctx := context.Background()

	backend.failures = 0
	_, err := c.SetWeights(ctx, "checkout", 50)
	require.NoError(t, err)

	backend.mu.Lock()
	backend.calls = 0
	backend.failures = 2
	backend.mu.Unlock()

	w, err := c.Rollback(ctx, "checkout")
	require.NoError(t, err)
	assert.Equal(t, 0, w.Canary)
	assert.Equal(t, 3, backend.calls, "two failures then one success")

	d, err := c.Get(ctx, "checkout")
	require.NoError(t, err)
	assert.Equal(t, Deployment.StatusRollingBack, d.Status)
}

func TestRollbackExhaustionIsFatal(t *testing.T) {
	backend := &flakyBackend{failures: 100, inner: Backend.NewStatic()}
	c, ring := newTestController(t, backend)
	register(t, c)

	_, err := c.Rollback(context.Background(), "checkout")
	assert.ErrorIs(t, err, ErrRollbackFailed)
	assert.Equal(t, 3, backend.calls)

	var sawFailureEvent bool
	for _, e := range ring.Recent() {
		if e.Type == Event.TypeRollbackFailed {
			sawFailureEvent = true
		}
	}
	assert.True(t, sawFailureEvent, "rollback exhaustion must be evented")
}

func TestPromoteIsIdempotent(t *testing.T) {
	static := Backend.NewStatic()
	c, _ := newTestController(t, static)
	register(t, c)
	ctx := context.Background()

	w, err := c.Promote(ctx, "checkout")
	require.NoError(t, err)
	assert.Equal(t, Deployment.WeightPair{Stable: 0, Canary: 100}, w)

	// Second promote is a no-op returning current weights, not an error.
	w2, err := c.Promote(ctx, "checkout")
	require.NoError(t, err)
	assert.Equal(t, w, w2)

	d, err := c.Get(ctx, "checkout")
	require.NoError(t, err)
	assert.Equal(t, Deployment.StatusPromoted, d.Status)
}

func TestConclude(t *testing.T) {
	c, _ := newTestController(t, Backend.NewStatic())
	register(t, c)
	ctx := context.Background()

	// Mid-promotion conclude is rejected.
	_, err := c.SetWeights(ctx, "checkout", 50)
	require.NoError(t, err)
	_, err = c.Conclude(ctx, "checkout")
	assert.Error(t, err)

	// After a promote, the canary becomes the new stable.
	_, err = c.Promote(ctx, "checkout")
	require.NoError(t, err)
	d, err := c.Conclude(ctx, "checkout")
	require.NoError(t, err)
	assert.Equal(t, "checkout-v2", d.Targets.Stable)
	assert.Empty(t, d.Targets.Canary)
	assert.Equal(t, Deployment.StatusStable, d.Status)
	assert.Equal(t, Deployment.WeightPair{Stable: 100, Canary: 0}, d.Weights)
}

func TestConcludeAfterRollback(t *testing.T) {
	c, _ := newTestController(t, Backend.NewStatic())
	register(t, c)
	ctx := context.Background()

	_, err := c.Rollback(ctx, "checkout")
	require.NoError(t, err)

	d, err := c.Conclude(ctx, "checkout")
	require.NoError(t, err)
	assert.Equal(t, "checkout-v1", d.Targets.Stable)
	assert.Empty(t, d.Targets.Canary, "candidate reference is dropped after a rollback")
}

func TestWeightChangeEvents(t *testing.T) {
	c, ring := newTestController(t, Backend.NewStatic())
	register(t, c)
	ctx := context.Background()

	_, err := c.SetWeights(ctx, "checkout", 10)
	require.NoError(t, err)
	_, err = c.SetWeights(ctx, "checkout", 50)
	require.NoError(t, err)

	events := ring.Recent()
	require.Len(t, events, 2)
	assert.Equal(t, 0, events[0].OldWeights.Canary)
	assert.Equal(t, 10, events[0].NewWeights.Canary)
	assert.Equal(t, 10, events[1].OldWeights.Canary)
	assert.Equal(t, 50, events[1].NewWeights.Canary)
}

// The per-deployment lock registry holds entries only while operations are
// in flight; concluded and idle deployments leave nothing behind.
func TestLockRegistryDoesNotAccrete(t *testing.T) {
	c, _ := newTestController(t, Backend.NewStatic())
	register(t, c)
	ctx := context.Background()

	_, err := c.SetWeights(ctx, "checkout", 50)
	require.NoError(t, err)
	_, err = c.Promote(ctx, "checkout")
	require.NoError(t, err)
	_, err = c.Conclude(ctx, "checkout")
	require.NoError(t, err)

	// Contended callers share one entry and the last one out removes it.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(pct int) {
			defer wg.Done()
			_, err := c.SetWeights(ctx, "checkout", pct)
			assert.NoError(t, err)
		}(i * 5)
	}
	wg.Wait()

	c.mu.Lock()
	remaining := len(c.locks)
	c.mu.Unlock()
	assert.Zero(t, remaining)
}

func TestConcurrentDeploymentsProceedIndependently(t *testing.T) {
	c, _ := newTestController(t, Backend.NewStatic())
	ctx := context.Background()
	_, err := c.Register(ctx, "svc-a", "a1", "a2")
	require.NoError(t, err)
	_, err = c.Register(ctx, "svc-b", "b1", "b2")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(pct int) {
			defer wg.Done()
			_, err := c.SetWeights(ctx, "svc-a", pct)
			assert.NoError(t, err)
		}(i * 10)
		go func(pct int) {
			defer wg.Done()
			_, err := c.SetWeights(ctx, "svc-b", pct)
			assert.NoError(t, err)
		}(i * 10)
	}
	wg.Wait()

	for _, id := range []string{"svc-a", "svc-b"} {
		d, err := c.Get(ctx, id)
		require.NoError(t, err)
		assertWeightInvariant(t, d.Weights)
	}
}
