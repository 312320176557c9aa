// Package api is the operator control surface: the only mutation entry
// points into deployments, promotions, flags, and experiments.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	Deployment "canary-conductor/internal/app/deployment"
	Event "canary-conductor/internal/app/event"
	Experiment "canary-conductor/internal/app/experiment"
	Flags "canary-conductor/internal/app/flags"
	Metrics "canary-conductor/internal/app/metrics"
	Plan "canary-conductor/internal/app/plan"
	Rollout "canary-conductor/internal/app/rollout"
	Traffic "canary-conductor/internal/app/traffic"
)

type Server struct {
	Addr        string
	Traffic     *Traffic.Controller
	Rollout     *Rollout.Orchestrator
	Assigner    *Flags.Assigner
	FlagStore   Flags.Store
	Experiments *Experiment.Aggregator
	Events      *Event.Ring
	Metrics     *Metrics.Metrics
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /deployments", s.handleRegisterDeployment)
	mux.HandleFunc("GET /deployments/{id}", s.handleGetDeployment)
	mux.HandleFunc("POST /deployments/{id}/conclude", s.handleConcludeDeployment)
	mux.HandleFunc("POST /deployments/{id}/weights", s.handleSetWeights)
	mux.HandleFunc("POST /deployments/{id}/promotion", s.handleStartPromotion)
	mux.HandleFunc("GET /deployments/{id}/promotion", s.handlePromotionStatus)
	mux.HandleFunc("DELETE /deployments/{id}/promotion", s.handleCancelPromotion)
	mux.HandleFunc("PUT /flags/{name}/segments/{segment}", s.handleSetFlag)
	mux.HandleFunc("GET /flags/{name}/assign", s.handleAssign)
	mux.HandleFunc("POST /experiments/{id}/events", s.handleRecordEvent)
	mux.HandleFunc("GET /experiments/{id}/summary", s.handleSummarize)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}))
	return mux
}

// Run serves the API until the shutdown channel fires, then drains with a
// bounded grace period.
func (s *Server) Run(shutdownChan <-chan struct{}) {
	server := &http.Server{Addr: s.Addr, Handler: s.Routes()}

	go func() {
		log.Infof("Starting operator API on %s", s.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v", s.Addr, err)
		}
	}()

	<-shutdownChan

	log.Info("Shutting down the operator API...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Operator API forced to shutdown: %v", err)
	}
	log.Info("Operator API exiting")
}

type registerRequest struct {
	ID           string `json:"id"`
	StableTarget string `json:"stable_target"`
	CanaryTarget string `json:"canary_target"`
}

func (s *Server) handleRegisterDeployment(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	d, err := s.Traffic.Register(r.Context(), req.ID, req.StableTarget, req.CanaryTarget)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := s.Traffic.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleConcludeDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := s.Traffic.Conclude(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type setWeightsRequest struct {
	CanaryPercent int `json:"canary_percent"`
}

// handleSetWeights is the manual escape hatch. It is refused while a
// promotion worker owns the deployment's weights; a manual write landing
// between checkpoints would fight the orchestrator.
func (s *Server) handleSetWeights(w http.ResponseWriter, r *http.Request) {
	var req setWeightsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if s.Rollout.Active(id) {
		writeError(w, Rollout.ErrPromotionInProgress)
		return
	}
	weights, err := s.Traffic.SetWeights(r.Context(), id, req.CanaryPercent)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, weights)
}

// planRequest is the inline-plan payload. Durations come in as Go duration
// strings ("2m", "5s"); empty ones fall back to the plan defaults.
type planRequest struct {
	Name        string `json:"name"`
	Checkpoints []struct {
		CanaryPercent int    `json:"canary_percent"`
		Soak          string `json:"soak"`
	} `json:"checkpoints"`
	HealthPolicy struct {
		ErrorRate      string `json:"errorRate"`
		P99LatencyMs   string `json:"p99LatencyMs"`
		UnhealthyCount string `json:"unhealthyCount"`
		MinSamples     int    `json:"min_samples"`
		Window         string `json:"window"`
		RepollInterval string `json:"repoll_interval"`
		MaxHealthWait  string `json:"max_health_wait"`
	} `json:"health_policy"`
}

func (req *planRequest) toPlan() (*Plan.Plan, error) {
	p := &Plan.Plan{Name: req.Name}
	for _, cp := range req.Checkpoints {
		soak, err := parseDuration(cp.Soak)
		if err != nil {
			return nil, fmt.Errorf("invalid soak '%s': %v", cp.Soak, err)
		}
		p.Checkpoints = append(p.Checkpoints, Plan.Checkpoint{CanaryPercent: cp.CanaryPercent, Soak: soak})
	}
	p.Policy.ErrorRate = req.HealthPolicy.ErrorRate
	p.Policy.P99LatencyMs = req.HealthPolicy.P99LatencyMs
	p.Policy.UnhealthyCount = req.HealthPolicy.UnhealthyCount
	p.Policy.MinSamples = req.HealthPolicy.MinSamples
	var err error
	if p.Policy.Window, err = parseDuration(req.HealthPolicy.Window); err != nil {
		return nil, fmt.Errorf("invalid window '%s': %v", req.HealthPolicy.Window, err)
	}
	if p.Policy.RepollInterval, err = parseDuration(req.HealthPolicy.RepollInterval); err != nil {
		return nil, fmt.Errorf("invalid repoll_interval '%s': %v", req.HealthPolicy.RepollInterval, err)
	}
	if p.Policy.MaxHealthWait, err = parseDuration(req.HealthPolicy.MaxHealthWait); err != nil {
		return nil, fmt.Errorf("invalid max_health_wait '%s': %v", req.HealthPolicy.MaxHealthWait, err)
	}
	return p, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func (s *Server) handleStartPromotion(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p, err := req.toPlan()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Rollout.StartPromotion(r.Context(), r.PathValue("id"), p); err != nil {
		writeError(w, err)
		return
	}
	status, err := s.Rollout.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, status)
}

func (s *Server) handlePromotionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.Rollout.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCancelPromotion(w http.ResponseWriter, r *http.Request) {
	if err := s.Rollout.Cancel(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "canceling"})
}

func (s *Server) handleSetFlag(w http.ResponseWriter, r *http.Request) {
	var cfg Flags.SegmentConfig
	if !decodeBody(w, r, &cfg) {
		return
	}
	f, err := Flags.SetSegment(r.Context(), s.FlagStore, r.PathValue("name"), r.PathValue("segment"), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

type assignResponse struct {
	Flag    string `json:"flag"`
	Subject string `json:"subject"`
	Variant string `json:"variant"`
	Enabled bool   `json:"enabled"`
}

// handleAssign is a read-only preview of the bucketing a client would get.
func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	subject := r.URL.Query().Get("subject")
	if subject == "" {
		http.Error(w, "subject query parameter is required", http.StatusBadRequest)
		return
	}
	name := r.PathValue("name")
	variant, enabled, err := s.Assigner.Assign(r.Context(), name, subject, r.URL.Query().Get("segment"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assignResponse{Flag: name, Subject: subject, Variant: variant, Enabled: enabled})
}

type recordEventRequest struct {
	Variant string  `json:"variant"`
	Event   string  `json:"event"`
	Value   float64 `json:"value"`
	Subject string  `json:"subject"`
}

func (s *Server) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	var req recordEventRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := s.Experiments.Record(r.Context(), r.PathValue("id"), req.Variant, Experiment.EventType(req.Event), req.Value, req.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	summary, err := s.Experiments.Summarize(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Events.Recent())
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Error parsing JSON payload", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("Error encoding response: %v", err)
	}
}

// writeError maps domain errors to HTTP statuses. RollbackFailed is the one
// condition reported as 500 with an urgent marker: live traffic may be stuck
// on an unverified candidate.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, Deployment.ErrNotFound),
		errors.Is(err, Flags.ErrFlagNotFound),
		errors.Is(err, Rollout.ErrNoActivePromotion):
		status = http.StatusNotFound
	case errors.Is(err, Rollout.ErrPromotionInProgress),
		errors.Is(err, Traffic.ErrDeploymentExists):
		status = http.StatusConflict
	case errors.Is(err, Traffic.ErrRollbackFailed):
		log.Errorf("URGENT: %v", err)
		status = http.StatusInternalServerError
	default:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
