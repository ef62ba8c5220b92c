// Package guard enforces that nothing is read before it was knowable.
//
// Every reader of bi-temporal facts goes through FilterAsOf, and every value
// that reaches a feature vector is re-checked with AssertNoLookahead. The
// functions hold no state and never touch storage.
package guard

import (
	"slices"
	"strings"
	"time"

	"github.com/clarence2022/transferlens/internal/model"
)

// Temporal is a bi-temporal fact.
type Temporal interface {
	FactID() string
	Observed() time.Time
	EffectiveStart() time.Time
	EffectiveEnd() *time.Time
	GroupKey() string
}

// AssertNoLookahead fails when f was observed or became true after asOf.
func AssertNoLookahead(f Temporal, asOf time.Time) error {
	if f.Observed().After(asOf) {
		return &model.TimeTravelViolationError{FactID: f.FactID(), Field: "observed_at", At: f.Observed(), AsOf: asOf}
	}
	if f.EffectiveStart().After(asOf) {
		return &model.TimeTravelViolationError{FactID: f.FactID(), Field: "effective_from", At: f.EffectiveStart(), AsOf: asOf}
	}
	return nil
}

// FilterOptions controls FilterAsOf.
type FilterOptions struct {
	// History keeps every qualifying fact, including expired ones, instead of
	// the latest per group key.
	History bool
}

// Visible reports whether f satisfies both bounds at asOf.
func Visible(f Temporal, asOf time.Time) bool {
	return !f.Observed().After(asOf) && !f.EffectiveStart().After(asOf)
}

// Expired reports whether f stopped being true at or before asOf.
func Expired(f Temporal, asOf time.Time) bool {
	end := f.EffectiveEnd()
	return end != nil && !end.After(asOf)
}

// FilterAsOf returns the facts visible at asOf, most recent truth first
// (effective_from desc, observed_at desc, id asc). Unless opts.History is
// set, expired facts are dropped and at most one fact per group key is kept.
// The input slice is not modified.
func FilterAsOf[T Temporal](facts []T, asOf time.Time, opts FilterOptions) []T {
	out := make([]T, 0, len(facts))
	for _, f := range facts {
		if !Visible(f, asOf) {
			continue
		}
		if !opts.History && Expired(f, asOf) {
			continue
		}
		out = append(out, f)
	}

	slices.SortStableFunc(out, func(a, b T) int {
		if c := b.EffectiveStart().Compare(a.EffectiveStart()); c != 0 {
			return c
		}
		if c := b.Observed().Compare(a.Observed()); c != 0 {
			return c
		}
		return strings.Compare(a.FactID(), b.FactID())
	})

	if opts.History {
		return out
	}

	seen := make(map[string]bool, len(out))
	latest := out[:0]
	for _, f := range out {
		k := f.GroupKey()
		if seen[k] {
			continue
		}
		seen[k] = true
		latest = append(latest, f)
	}
	return latest
}

// AssertLabelIntegrity fails when a label's features could observe its
// outcome. The transfer must lie after trainingCutoff minus the horizon, and
// the features must be taken no later than one horizon before the transfer
// and no later than the cutoff.
func AssertLabelIntegrity(l model.Label, trainingCutoff time.Time) error {
	h := l.Horizon.Duration()
	leak := func(reason string) error {
		return &model.DataLeakageError{
			PlayerID:     l.PlayerID,
			TransferDate: l.TransferDate,
			FeatureAsOf:  l.FeatureAsOf,
			Cutoff:       trainingCutoff,
			HorizonDays:  l.Horizon.Days(),
			Reason:       reason,
		}
	}
	switch {
	case l.Horizon <= 0:
		return leak("horizon must be positive")
	case !l.TransferDate.After(trainingCutoff.Add(-h)):
		return leak("transfer date is at or before cutoff minus horizon")
	case !l.FeatureAsOf.Before(l.TransferDate):
		return leak("features taken at or after the transfer")
	case l.FeatureAsOf.After(l.TransferDate.Add(-h)):
		return leak("features taken inside the prediction horizon")
	case l.FeatureAsOf.After(trainingCutoff):
		return leak("features taken after the training cutoff")
	}
	return nil
}

// AssertOccurredBy fails when a raw behavior event happened after asOf.
func AssertOccurredBy(e model.BehaviorEvent, asOf time.Time) error {
	if e.OccurredAt.After(asOf) {
		return &model.TimeTravelViolationError{FactID: e.ID, Field: "occurred_at", At: e.OccurredAt, AsOf: asOf}
	}
	return nil
}
