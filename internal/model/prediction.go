package model

import (
	"time"
)

// AnyDestination stands in for a null destination inside identifiers and
// grouping keys.
const AnyDestination = "ANY"

// PredictionSnapshot is an immutable model output. There is no update path.
type PredictionSnapshot struct {
	ID             string             `json:"id"`
	ModelVersionID string             `json:"model_version_id"`
	PlayerID       string             `json:"player_id"`
	FromClubID     string             `json:"from_club_id,omitempty"`
	ToClubID       *string            `json:"to_club_id"`
	Horizon        Horizon            `json:"horizon_days"`
	Probability    float64            `json:"probability"`
	Drivers        map[string]float64 `json:"drivers"`
	Features       map[string]float64 `json:"features,omitempty"`
	AsOf           time.Time          `json:"as_of"`
	WindowStart    time.Time          `json:"window_start"`
	WindowEnd      time.Time          `json:"window_end"`
	CreatedAt      time.Time          `json:"created_at"`
}

// SnapshotID derives the identifier for (player, destination, horizon, asOf).
// An empty toClubID means any move.
func SnapshotID(playerID, toClubID string, h Horizon, asOf time.Time) string {
	if toClubID == "" {
		toClubID = AnyDestination
	}
	return "SNAP-" + DeterministicID("snapshot", playerID, toClubID, itoa(int(h)), ts(asOf))
}

// PredictionWindow returns the calendar window [date(asOf), date(asOf)+h].
func PredictionWindow(asOf time.Time, h Horizon) (time.Time, time.Time) {
	start := day(asOf)
	return start, start.AddDate(0, 0, int(h))
}

// Destination returns the destination id or AnyDestination.
func (p PredictionSnapshot) Destination() string {
	if p.ToClubID == nil {
		return AnyDestination
	}
	return *p.ToClubID
}

// Validate checks snapshot fields before append.
func (p PredictionSnapshot) Validate() error {
	switch {
	case p.ID == "":
		return Invalid("id", "required")
	case p.ModelVersionID == "":
		return Invalid("model_version_id", "required")
	case p.PlayerID == "":
		return Invalid("player_id", "required")
	case p.Probability < 0 || p.Probability > 1 || p.Probability != p.Probability:
		return Invalid("probability", "%g outside [0,1]", p.Probability)
	case p.AsOf.IsZero():
		return Invalid("as_of", "required")
	}
	return nil
}
