package experiment

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type EventType string

const (
	EventExposure   EventType = "exposure"
	EventConversion EventType = "conversion"
)

// Record is one append-only experiment event. A subject's variant for a
// given experiment must be stable for the experiment's lifetime; the
// assigner's determinism guarantees that as long as the flag configuration
// for the experiment is not rewritten mid-flight.
type Record struct {
	ID           string    `json:"id"`
	ExperimentID string    `json:"experiment_id"`
	Variant      string    `json:"variant"`
	Event        EventType `json:"event"`
	Value        float64   `json:"value"`
	SubjectID    string    `json:"subject_id"`
	Timestamp    time.Time `json:"timestamp"`
}

// Store is the append-only experiment event log the core writes through but
// does not own.
type Store interface {
	Append(ctx context.Context, rec Record) error
	List(ctx context.Context, experimentID string) ([]Record, error)
}

// VariantStats are the per-variant counts and rate computed on demand.
// ConversionRate is NaN when the variant has zero exposures; callers must
// check for that explicitly.
type VariantStats struct {
	Exposures      int64   `json:"exposures"`
	Conversions    int64   `json:"conversions"`
	ConversionRate float64 `json:"conversion_rate"`
}

// MarshalJSON renders a NaN rate as null; JSON has no NaN and the operator
// API must still serialize summaries that contain unexposed variants.
func (v VariantStats) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"exposures":       v.Exposures,
		"conversions":     v.Conversions,
		"conversion_rate": v.ConversionRate,
	}
	if math.IsNaN(v.ConversionRate) {
		out["conversion_rate"] = nil
	}
	return json.Marshal(out)
}

// Comparison is a two-proportion z-test between the two most-exposed
// variants. Two-sided; the conventional significance line is p < 0.05.
type Comparison struct {
	VariantA    string  `json:"variant_a"`
	VariantB    string  `json:"variant_b"`
	PValue      float64 `json:"p_value"`
	Significant bool    `json:"significant"`
}

func (c Comparison) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"variant_a":   c.VariantA,
		"variant_b":   c.VariantB,
		"p_value":     c.PValue,
		"significant": c.Significant,
	}
	if math.IsNaN(c.PValue) {
		out["p_value"] = nil
	}
	return json.Marshal(out)
}

type Summary struct {
	ExperimentID string                  `json:"experiment_id"`
	Variants     map[string]VariantStats `json:"variants"`
	Comparison   *Comparison             `json:"comparison,omitempty"`
}

// Aggregator accumulates experiment events and summarizes them. Concurrency
// safety is delegated to the store; the aggregator itself holds no state.
type Aggregator struct {
	store Store
}

func New(store Store) *Aggregator {
	return &Aggregator{store: store}
}

// Record validates and appends one event. Safe under concurrent callers.
func (a *Aggregator) Record(ctx context.Context, experimentID, variant string, event EventType, value float64, subjectID string) error {
	if experimentID == "" || variant == "" {
		return fmt.Errorf("experiment id and variant are required")
	}
	if event != EventExposure && event != EventConversion {
		return fmt.Errorf("unknown event type '%s'", event)
	}
	return a.store.Append(ctx, Record{
		ID:           uuid.NewString(),
		ExperimentID: experimentID,
		Variant:      variant,
		Event:        event,
		Value:        value,
		SubjectID:    subjectID,
		Timestamp:    time.Now().UTC(),
	})
}

// Summarize recomputes per-variant stats from the event log and runs the
// z-test between the two most-exposed variants. No caching; every call reads
// the full log.
func (a *Aggregator) Summarize(ctx context.Context, experimentID string) (*Summary, error) {
	records, err := a.store.List(ctx, experimentID)
	if err != nil {
		return nil, err
	}

	variants := make(map[string]VariantStats)
	for _, rec := range records {
		stats := variants[rec.Variant]
		switch rec.Event {
		case EventExposure:
			stats.Exposures++
		case EventConversion:
			stats.Conversions++
		}
		variants[rec.Variant] = stats
	}
	for name, stats := range variants {
		if stats.Exposures == 0 {
			stats.ConversionRate = math.NaN()
		} else {
			stats.ConversionRate = float64(stats.Conversions) / float64(stats.Exposures)
		}
		variants[name] = stats
	}

	summary := &Summary{ExperimentID: experimentID, Variants: variants}
	if leading := leadingPair(variants); leading != nil {
		va, vb := leading[0], leading[1]
		p := twoProportionPValue(
			variants[va].Conversions, variants[va].Exposures,
			variants[vb].Conversions, variants[vb].Exposures,
		)
		summary.Comparison = &Comparison{
			VariantA:    va,
			VariantB:    vb,
			PValue:      p,
			Significant: !math.IsNaN(p) && p < 0.05,
		}
		log.Debugf("experiment '%s': %s vs %s p=%.4f", experimentID, va, vb, p)
	}
	return summary, nil
}

// leadingPair returns the two most-exposed variants, ties broken by name
// for a stable result. Nil when fewer than two variants have data.
func leadingPair(variants map[string]VariantStats) []string {
	if len(variants) < 2 {
		return nil
	}
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if variants[names[i]].Exposures != variants[names[j]].Exposures {
			return variants[names[i]].Exposures > variants[names[j]].Exposures
		}
		return names[i] < names[j]
	})
	return names[:2]
}
