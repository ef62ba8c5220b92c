package model

import (
	"time"
)

// Position is a player's primary playing position.
type Position string

const (
	PositionGK  Position = "GK"
	PositionCB  Position = "CB"
	PositionLB  Position = "LB"
	PositionRB  Position = "RB"
	PositionCDM Position = "CDM"
	PositionCM  Position = "CM"
	PositionCAM Position = "CAM"
	PositionLW  Position = "LW"
	PositionRW  Position = "RW"
	PositionST  Position = "ST"
)

var positions = map[Position]bool{
	PositionGK: true, PositionCB: true, PositionLB: true, PositionRB: true,
	PositionCDM: true, PositionCM: true, PositionCAM: true,
	PositionLW: true, PositionRW: true, PositionST: true,
}

// Valid reports whether p is a known position.
func (p Position) Valid() bool { return positions[p] }

// Competition is a league. Tier 1 is a top flight.
type Competition struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Country string `json:"country" yaml:"country"`
	Tier    int    `json:"tier" yaml:"tier"`
}

// Club is a destination or origin organization.
type Club struct {
	ID            string `json:"id" yaml:"id"`
	Name          string `json:"name" yaml:"name"`
	Country       string `json:"country" yaml:"country"`
	CompetitionID string `json:"competition_id" yaml:"competition_id"`
	Active        bool   `json:"active" yaml:"active"`
}

// Player is a transfer subject. RegisteredClubID is the club held before any
// ledger history for the player.
type Player struct {
	ID               string    `json:"id" yaml:"id"`
	Name             string    `json:"name" yaml:"name"`
	Position         Position  `json:"position" yaml:"position"`
	DateOfBirth      time.Time `json:"date_of_birth" yaml:"date_of_birth"`
	Nationality      string    `json:"nationality" yaml:"nationality"`
	RegisteredClubID string    `json:"registered_club_id,omitempty" yaml:"registered_club_id"`
	Active           bool      `json:"active" yaml:"active"`
}

// AgeAt returns the player's age in whole years at t. Zero means unknown.
func (p Player) AgeAt(t time.Time) int {
	if p.DateOfBirth.IsZero() {
		return 0
	}
	dob := p.DateOfBirth.UTC()
	t = t.UTC()
	age := t.Year() - dob.Year()
	if t.Month() < dob.Month() || (t.Month() == dob.Month() && t.Day() < dob.Day()) {
		age--
	}
	return age
}

// EntityRef points at a player, a club, or a (player, club) pair.
type EntityRef struct {
	PlayerID string `json:"player_id,omitempty"`
	ClubID   string `json:"club_id,omitempty"`
}

// Empty reports whether neither reference is set.
func (r EntityRef) Empty() bool { return r.PlayerID == "" && r.ClubID == "" }

// Key is a stable string form used for grouping.
func (r EntityRef) Key() string { return r.PlayerID + "|" + r.ClubID }
