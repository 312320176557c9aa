package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// HTTPAgent drives a local traffic proxy/agent over its JSON API. The agent
// owns the actual routing table; this adapter only posts weight updates and
// reads target health back.
type HTTPAgent struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPAgent(baseURL string) *HTTPAgent {
	return &HTTPAgent{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type weightUpdatePayload struct {
	Targets []targetWeight `json:"targets"`
}

type targetWeight struct {
	Target string `json:"target"`
	Weight int    `json:"weight"`
}

type targetHealthResponse struct {
	Target         string `json:"target"`
	UnhealthyCount int    `json:"unhealthy_count"`
	TotalCount     int    `json:"total_count"`
}

func (a *HTTPAgent) UpdateWeights(ctx context.Context, targetA string, weightA int, targetB string, weightB int) error {
	payload := weightUpdatePayload{Targets: []targetWeight{
		{Target: targetA, Weight: weightA},
		{Target: targetB, Weight: weightB},
	}}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal weight update: %v", err)
	}

	url := fmt.Sprintf("%s/weights", a.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post weights to agent: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("agent rejected weight update: %s", resp.Status)
	}
	log.Debugf("agent accepted weights %s=%d, %s=%d", targetA, weightA, targetB, weightB)
	return nil
}

func (a *HTTPAgent) DescribeTargetHealth(ctx context.Context, target string) (int, int, error) {
	url := fmt.Sprintf("%s/targets/%s/health", a.BaseURL, target)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, err
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query target health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, 0, fmt.Errorf("agent health query failed: %s", resp.Status)
	}

	var health targetHealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return 0, 0, fmt.Errorf("failed to decode health response: %v", err)
	}
	return health.UnhealthyCount, health.TotalCount, nil
}
