package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	Backend "canary-conductor/internal/app/backend"
	Deployment "canary-conductor/internal/app/deployment"
	Event "canary-conductor/internal/app/event"
	Experiment "canary-conductor/internal/app/experiment"
	Flags "canary-conductor/internal/app/flags"
	Health "canary-conductor/internal/app/health"
	Metrics "canary-conductor/internal/app/metrics"
	Rollout "canary-conductor/internal/app/rollout"
	Store "canary-conductor/internal/app/store"
	Traffic "canary-conductor/internal/app/traffic"
)

type healthySource struct{}

func (healthySource) Evaluate(context.Context, string, time.Duration) (Health.Snapshot, error) {
	return Health.Snapshot{ErrorRate: 0.001, P99LatencyMs: 40, SampleCount: 1000}, nil
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	m := Metrics.New()
	ring := Event.NewRing(64)
	sink := Event.NewFanOut(Event.LogSink{}, ring)
	controller := Traffic.New(Deployment.NewMemoryStore(), Backend.NewStatic(), sink, m)
	flagStore := Store.NewMemoryFlagStore()

	s := &Server{
		Traffic:     controller,
		Rollout:     Rollout.New(controller, healthySource{}, sink, m),
		Assigner:    Flags.NewAssigner(flagStore),
		FlagStore:   flagStore,
		Experiments: Experiment.New(Store.NewMemoryExperimentStore()),
		Events:      ring,
		Metrics:     m,
	}
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(ts.Close)
	return s, ts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(data))
	require.NoError(t, err)
	return resp
}

func doJSON(t *testing.T, method, url string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestDeploymentLifecycle(t *testing.T) {
	s, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/deployments", registerRequest{
		ID: "checkout", StableTarget: "checkout-v1", CanaryTarget: "checkout-v2",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var d Deployment.Deployment
	decode(t, resp, &d)
	assert.Equal(t, 100, d.Weights.Stable)

	// Duplicate registration conflicts.
	resp = postJSON(t, ts.URL+"/deployments", registerRequest{
		ID: "checkout", StableTarget: "a", CanaryTarget: "b",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Promotion with an inline plan runs to completion.
	plan := map[string]interface{}{
		"name": "api-test",
		"checkpoints": []map[string]interface{}{
			{"canary_percent": 10},
			{"canary_percent": 100},
		},
		"health_policy": map[string]interface{}{
			"errorRate":       "<0.02",
			"repoll_interval": "5ms",
			"max_health_wait": "100ms",
		},
	}
	resp = postJSON(t, ts.URL+"/deployments/checkout/promotion", plan)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	s.Rollout.Wait("checkout")

	resp, err := http.Get(ts.URL + "/deployments/checkout/promotion")
	require.NoError(t, err)
	var status Rollout.Status
	decode(t, resp, &status)
	assert.Equal(t, "Promoted", status.State)

	// Conclude swaps the canary in as the new stable.
	resp = postJSON(t, ts.URL+"/deployments/checkout/conclude", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &d)
	assert.Equal(t, "checkout-v2", d.Targets.Stable)

	// The event trail is visible to operators.
	resp, err = http.Get(ts.URL + "/events")
	require.NoError(t, err)
	var events []Event.Event
	decode(t, resp, &events)
	assert.NotEmpty(t, events)
}

// The manual weights endpoint must not fight an active promotion: while a
// worker owns the deployment, direct writes are refused with a conflict.
func TestManualWeightsRefusedDuringPromotion(t *testing.T) {
	s, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/deployments", registerRequest{
		ID: "checkout", StableTarget: "checkout-v1", CanaryTarget: "checkout-v2",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	plan := map[string]interface{}{
		"name": "slow",
		"checkpoints": []map[string]interface{}{
			{"canary_percent": 10, "soak": "1h"},
		},
	}
	resp = postJSON(t, ts.URL+"/deployments/checkout/promotion", plan)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/deployments/checkout/weights", setWeightsRequest{CanaryPercent: 75})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Once the run is fully finished, manual writes are allowed again.
	resp = doJSON(t, http.MethodDelete, ts.URL+"/deployments/checkout/promotion", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
	s.Rollout.Wait("checkout")

	resp = postJSON(t, ts.URL+"/deployments/checkout/weights", setWeightsRequest{CanaryPercent: 75})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var w Deployment.WeightPair
	decode(t, resp, &w)
	assert.Equal(t, 75, w.Canary)
}

func TestPromotionStatusNotFound(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/deployments/ghost/promotion")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFlagEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	resp := doJSON(t, http.MethodPut, ts.URL+"/flags/new_ui/segments/default",
		Flags.SegmentConfig{Enabled: true, RolloutPercentage: 100, Variant: "redesign"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/flags/new_ui/assign?subject=user42")
	require.NoError(t, err)
	var assign assignResponse
	decode(t, resp, &assign)
	assert.Equal(t, "redesign", assign.Variant)
	assert.True(t, assign.Enabled)

	// Unknown flags surface as 404; the caller picks fail-open or fail-closed.
	resp, err = http.Get(ts.URL + "/flags/ghost/assign?subject=user42")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Malformed rollout percentage is rejected.
	resp = doJSON(t, http.MethodPut, ts.URL+"/flags/new_ui/segments/default",
		Flags.SegmentConfig{Enabled: true, RolloutPercentage: 130, Variant: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestExperimentEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	for i := 0; i < 10; i++ {
		resp := postJSON(t, ts.URL+"/experiments/exp1/events", recordEventRequest{
			Variant: "A", Event: "exposure", Subject: fmt.Sprintf("s%d", i),
		})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		resp.Body.Close()
	}
	resp := postJSON(t, ts.URL+"/experiments/exp1/events", recordEventRequest{
		Variant: "A", Event: "conversion", Subject: "s0", Value: 1,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	// Unknown event types are rejected.
	resp = postJSON(t, ts.URL+"/experiments/exp1/events", recordEventRequest{
		Variant: "A", Event: "click", Subject: "s0",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/experiments/exp1/summary")
	require.NoError(t, err)
	var summary Experiment.Summary
	decode(t, resp, &summary)
	assert.Equal(t, int64(10), summary.Variants["A"].Exposures)
	assert.Equal(t, int64(1), summary.Variants["A"].Conversions)
}

func TestHealthzAndMetrics(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
