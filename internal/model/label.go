package model

import (
	"time"
)

// Label is one training example. For positives TransferDate is the ledger
// date; for negatives it is the end of the label window.
type Label struct {
	PlayerID     string    `json:"player_id"`
	FromClubID   string    `json:"from_club_id"`
	ToClubID     string    `json:"to_club_id"`
	TransferID   string    `json:"transfer_id,omitempty"`
	TransferDate time.Time `json:"transfer_date"`
	FeatureAsOf  time.Time `json:"feature_as_of"`
	Horizon      Horizon   `json:"horizon_days"`
	Positive     bool      `json:"positive"`
}

// Target returns 1 for positives and 0 otherwise.
func (l Label) Target() float64 {
	if l.Positive {
		return 1
	}
	return 0
}
