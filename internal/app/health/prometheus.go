package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	log "github.com/sirupsen/logrus"
)

// PrometheusBackend implements the metrics backend over the Prometheus HTTP
// API. Each Query runs a range query over the window and flattens the series
// samples into raw values.
type PrometheusBackend struct {
	Client api.Client
	API    v1.API
}

func NewPrometheusBackend(address string) (*PrometheusBackend, error) {
	client, err := api.NewClient(api.Config{Address: address})
	if err != nil {
		log.Errorf("Error creating API client for Prometheus: %v", err)
		return nil, err
	}
	log.Infof("Created Prometheus API client for %s", address)
	return &PrometheusBackend{
		Client: client,
		API:    v1.NewAPI(client),
	}, nil
}

func (p *PrometheusBackend) Query(ctx context.Context, metric string, dimensions map[string]string, window time.Duration) ([]float64, error) {
	query := buildSelector(metric, dimensions)
	end := time.Now()
	rng := v1.Range{
		Start: end.Add(-window),
		End:   end,
		Step:  queryStep(window),
	}

	result, warnings, err := p.API.QueryRange(ctx, query, rng)
	if err != nil {
		return nil, fmt.Errorf("prometheus range query '%s' failed: %v", query, err)
	}
	if len(warnings) > 0 {
		log.Warnf("prometheus warnings for '%s': %v", query, warnings)
	}

	switch res := result.(type) {
	case model.Matrix:
		var values []float64
		for _, series := range res {
			for _, sample := range series.Values {
				values = append(values, float64(sample.Value))
			}
		}
		return values, nil
	case model.Vector:
		values := make([]float64, 0, len(res))
		for _, sample := range res {
			values = append(values, float64(sample.Value))
		}
		return values, nil
	default:
		return nil, fmt.Errorf("unexpected prometheus result type %T for '%s'", result, query)
	}
}

func buildSelector(metric string, dimensions map[string]string) string {
	if len(dimensions) == 0 {
		return metric
	}
	keys := make([]string, 0, len(dimensions))
	for k := range dimensions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf(`%s=%q`, k, dimensions[k]))
	}
	return fmt.Sprintf("%s{%s}", metric, strings.Join(pairs, ","))
}

func queryStep(window time.Duration) time.Duration {
	step := window / 30
	if step < time.Second {
		step = time.Second
	}
	return step
}
