package model

import (
	"strconv"
	"time"
)

// FeatureSnapshot is a cached feature vector for (player, club, asOf).
type FeatureSnapshot struct {
	ID            string             `json:"id"`
	PlayerID      string             `json:"player_id"`
	ClubID        string             `json:"club_id"`
	AsOf          time.Time          `json:"as_of"`
	SchemaVersion string             `json:"schema_version"`
	Features      map[string]float64 `json:"features"`
	CreatedAt     time.Time          `json:"created_at"`
}

// FeatureKey identifies a feature snapshot.
type FeatureKey struct {
	PlayerID      string
	ClubID        string
	AsOf          time.Time
	SchemaVersion string
}

// ID derives the snapshot identifier for k.
func (k FeatureKey) ID() string {
	return DeterministicID("features", k.PlayerID, k.ClubID, ts(k.AsOf), k.SchemaVersion)
}

// Vector returns the features in the order of names.
func (f *FeatureSnapshot) Vector(names []string, missing float64) []float64 {
	out := make([]float64, len(names))
	for i, n := range names {
		v, ok := f.Features[n]
		if !ok {
			v = missing
		}
		out[i] = v
	}
	return out
}

func itoa(n int) string { return strconv.Itoa(n) }
