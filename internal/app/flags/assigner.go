package flags

import (
	"context"

	"github.com/cespare/xxhash/v2"
	log "github.com/sirupsen/logrus"
)

// Assigner maps (flag, subject) pairs to variants. Stateless; all
// configuration is read through the injected store on every call.
type Assigner struct {
	store Store
}

func NewAssigner(store Store) *Assigner {
	return &Assigner{store: store}
}

// Bucket is the stable hash bucket of a subject for a flag: XXH64 over
// "flagName:subjectID", reduced modulo 100. The hash choice is part of the
// contract — determinism across processes and releases depends on it, so it
// must never change for existing flags.
func Bucket(flagName, subjectID string) int {
	return int(xxhash.Sum64String(flagName+":"+subjectID) % 100)
}

// Assign resolves a subject's variant for a flag. Deterministic for a fixed
// configuration: a subject is in the variant group iff its bucket is below
// the segment's rolloutPercentage, so raising the percentage only ever moves
// subjects from default to variant, never back and forth.
//
// The boolean reports whether the feature is enabled for this subject.
// Unknown flags return ErrFlagNotFound; the caller decides whether to fail
// open (treat as disabled) or fail closed.
func (a *Assigner) Assign(ctx context.Context, flagName, subjectID, segment string) (string, bool, error) {
	f, err := a.store.GetFlag(ctx, flagName)
	if err != nil {
		return "", false, err
	}

	if segment == "" {
		segment = DefaultSegment
	}
	cfg, ok := f.Segments[segment]
	if !ok {
		cfg, ok = f.Segments[DefaultSegment]
	}
	if !ok || !f.Enabled || !cfg.Enabled {
		return f.DefaultVariant, false, nil
	}

	if Bucket(flagName, subjectID) < cfg.RolloutPercentage {
		log.Debugf("flag '%s': subject '%s' assigned variant '%s' (segment '%s')", flagName, subjectID, cfg.Variant, segment)
		return cfg.Variant, true, nil
	}
	return f.DefaultVariant, false, nil
}
