package model

import (
	"time"
)

// CandidateSource names the heuristic that proposed a destination.
type CandidateSource string

const (
	SourceLeague        CandidateSource = "league"
	SourceSocial        CandidateSource = "social"
	SourceUserAttention CandidateSource = "user_attention"
	SourceConstraintFit CandidateSource = "constraint_fit"
	SourceRandom        CandidateSource = "random"
)

// CandidateSources lists heuristics in tie-break order.
var CandidateSources = []CandidateSource{
	SourceLeague, SourceSocial, SourceUserAttention, SourceConstraintFit, SourceRandom,
}

// Candidate is one proposed destination.
type Candidate struct {
	ClubID string          `json:"club_id"`
	Source CandidateSource `json:"source"`
	Score  float64         `json:"score"`
	Reason string          `json:"reason"`
}

// PlayerContext records the subject state the set was generated against.
type PlayerContext struct {
	Position     Position `json:"position"`
	OriginClubID string   `json:"origin_club_id"`
	MarketValue  *float64 `json:"market_value,omitempty"`
	Age          int      `json:"age,omitempty"`
}

// CandidateSet is the write-once audit record of one generation.
type CandidateSet struct {
	ID           string                  `json:"id"`
	PlayerID     string                  `json:"player_id"`
	AsOf         time.Time               `json:"as_of"`
	Horizon      Horizon                 `json:"horizon_days"`
	Candidates   []Candidate             `json:"candidates"`
	SourceCounts map[CandidateSource]int `json:"source_counts"`
	Context      PlayerContext           `json:"context"`
	CreatedAt    time.Time               `json:"created_at"`
}

// CandidateSetID derives the key identifier for (player, asOf, horizon).
func CandidateSetID(playerID string, asOf time.Time, h Horizon) string {
	return DeterministicID("candidates", playerID, ts(asOf), itoa(int(h)))
}

// ClubIDs returns the candidate destinations in order.
func (cs *CandidateSet) ClubIDs() []string {
	ids := make([]string, len(cs.Candidates))
	for i, c := range cs.Candidates {
		ids[i] = c.ClubID
	}
	return ids
}
