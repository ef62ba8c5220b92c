package model

import (
	"time"
)

// BehaviorEventType is the kind of raw user interaction.
type BehaviorEventType string

const (
	EventPageView        BehaviorEventType = "page_view"
	EventPlayerView      BehaviorEventType = "player_view"
	EventClubView        BehaviorEventType = "club_view"
	EventTransferView    BehaviorEventType = "transfer_view"
	EventPredictionView  BehaviorEventType = "prediction_view"
	EventWatchlistAdd    BehaviorEventType = "watchlist_add"
	EventWatchlistRemove BehaviorEventType = "watchlist_remove"
	EventSearch          BehaviorEventType = "search"
	EventShare           BehaviorEventType = "share"
	EventFilterApply     BehaviorEventType = "filter_apply"
	EventComparisonView  BehaviorEventType = "comparison_view"
)

var behaviorTypes = map[BehaviorEventType]bool{
	EventPageView: true, EventPlayerView: true, EventClubView: true, EventTransferView: true,
	EventPredictionView: true, EventWatchlistAdd: true, EventWatchlistRemove: true,
	EventSearch: true, EventShare: true, EventFilterApply: true, EventComparisonView: true,
}

// Valid reports whether t is a known event type.
func (t BehaviorEventType) Valid() bool { return behaviorTypes[t] }

// BehaviorEvent is an ephemeral user interaction feeding the weak channel.
type BehaviorEvent struct {
	ID         string            `json:"id" yaml:"id"`
	Type       BehaviorEventType `json:"type" yaml:"type"`
	UserAnonID string            `json:"user_anon_id" yaml:"user_anon_id"`
	SessionID  string            `json:"session_id" yaml:"session_id"`
	PlayerID   string            `json:"player_id,omitempty" yaml:"player_id"`
	ClubID     string            `json:"club_id,omitempty" yaml:"club_id"`
	OccurredAt time.Time         `json:"occurred_at" yaml:"occurred_at"`
	Properties map[string]any    `json:"properties,omitempty" yaml:"properties"`
}

// Validate checks the event contract.
func (e BehaviorEvent) Validate() error {
	switch {
	case !e.Type.Valid():
		return Invalid("type", "unknown event type %q", e.Type)
	case e.SessionID == "":
		return Invalid("session_id", "required")
	case e.OccurredAt.IsZero():
		return Invalid("occurred_at", "required")
	}
	return nil
}

// BehaviorEventID derives an identifier for events that arrive without one.
func BehaviorEventID(e BehaviorEvent) string {
	return DeterministicID("behavior", string(e.Type), e.UserAnonID, e.SessionID,
		e.PlayerID, e.ClubID, ts(e.OccurredAt))
}
