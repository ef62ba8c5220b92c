package model

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// SignalKind names an entry in the fixed signal catalog.
type SignalKind string

const (
	SignalMinutesLast5            SignalKind = "minutes_last_5"
	SignalInjuriesStatus          SignalKind = "injuries_status"
	SignalGoalsLast10             SignalKind = "goals_last_10"
	SignalAssistsLast10           SignalKind = "assists_last_10"
	SignalContractMonthsRemaining SignalKind = "contract_months_remaining"
	SignalWageEstimate            SignalKind = "wage_estimate"
	SignalMarketValue             SignalKind = "market_value"
	SignalReleaseClause           SignalKind = "release_clause"
	SignalSocialMentionVelocity   SignalKind = "social_mention_velocity"
	SignalSocialSentiment         SignalKind = "social_sentiment"
	SignalUserAttentionVelocity   SignalKind = "user_attention_velocity"
	SignalUserWatchlistAdds       SignalKind = "user_watchlist_adds"
	SignalUserDestinationCooccur  SignalKind = "user_destination_cooccurrence"
	SignalClubLeaguePosition      SignalKind = "club_league_position"
	SignalClubPointsPerGame       SignalKind = "club_points_per_game"
	SignalClubNetSpend12m         SignalKind = "club_net_spend_12m"
)

// Scope says which entity references a signal kind carries.
type Scope string

const (
	ScopePlayer Scope = "player"
	ScopeClub   Scope = "club"
	ScopePair   Scope = "pair"
)

var signalCatalog = map[SignalKind][]Scope{
	SignalMinutesLast5:            {ScopePlayer},
	SignalInjuriesStatus:          {ScopePlayer},
	SignalGoalsLast10:             {ScopePlayer},
	SignalAssistsLast10:           {ScopePlayer},
	SignalContractMonthsRemaining: {ScopePlayer},
	SignalWageEstimate:            {ScopePlayer},
	SignalMarketValue:             {ScopePlayer},
	SignalReleaseClause:           {ScopePlayer},
	SignalSocialMentionVelocity:   {ScopePlayer, ScopePair},
	SignalSocialSentiment:         {ScopePlayer},
	SignalUserAttentionVelocity:   {ScopePlayer},
	SignalUserWatchlistAdds:       {ScopePlayer},
	SignalUserDestinationCooccur:  {ScopePair},
	SignalClubLeaguePosition:      {ScopeClub},
	SignalClubPointsPerGame:       {ScopeClub},
	SignalClubNetSpend12m:         {ScopeClub},
}

// Valid reports whether k is in the catalog.
func (k SignalKind) Valid() bool {
	_, ok := signalCatalog[k]
	return ok
}

// Scopes returns the entity scopes k may be recorded under.
func (k SignalKind) Scopes() []Scope { return signalCatalog[k] }

// ScopeOf returns the scope implied by ref.
func ScopeOf(ref EntityRef) Scope {
	switch {
	case ref.PlayerID != "" && ref.ClubID != "":
		return ScopePair
	case ref.ClubID != "":
		return ScopeClub
	default:
		return ScopePlayer
	}
}

// Weak-channel constants.
const (
	WeakSource        = "tl_user_derived"
	WeakConfidenceCap = 0.6
)

// ValueKind discriminates SignalValue variants.
type ValueKind string

const (
	ValueNumeric    ValueKind = "numeric"
	ValueText       ValueKind = "text"
	ValueStructured ValueKind = "structured"
)

// SignalValue is a closed union of Numeric, Text and Structured.
type SignalValue interface {
	ValueKind() ValueKind
	signalValue()
}

// Numeric is a numeric signal value.
type Numeric float64

// Text is a free-text signal value.
type Text string

// Structured is a JSON object signal value.
type Structured map[string]any

func (Numeric) ValueKind() ValueKind    { return ValueNumeric }
func (Text) ValueKind() ValueKind       { return ValueText }
func (Structured) ValueKind() ValueKind { return ValueStructured }

func (Numeric) signalValue()    {}
func (Text) signalValue()       {}
func (Structured) signalValue() {}

// ValueOf converts a decoded YAML or JSON scalar into a SignalValue.
func ValueOf(v any) (SignalValue, error) {
	switch x := v.(type) {
	case SignalValue:
		return x, nil
	case float64:
		return Numeric(x), nil
	case float32:
		return Numeric(x), nil
	case int:
		return Numeric(x), nil
	case int64:
		return Numeric(x), nil
	case string:
		return Text(x), nil
	case map[string]any:
		return Structured(x), nil
	case nil:
		return nil, Invalid("value", "required")
	default:
		return nil, Invalid("value", "unsupported type %T", v)
	}
}

// EncodeValue returns the discriminator and JSON payload for storage.
func EncodeValue(v SignalValue) (ValueKind, string, error) {
	if v == nil {
		return "", "", eris.New("model: encode nil signal value")
	}
	var payload any
	switch x := v.(type) {
	case Numeric:
		payload = float64(x)
	case Text:
		payload = string(x)
	case Structured:
		payload = map[string]any(x)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", "", eris.Wrap(err, "model: encode signal value")
	}
	return v.ValueKind(), string(b), nil
}

// DecodeValue is the inverse of EncodeValue.
func DecodeValue(kind ValueKind, payload string) (SignalValue, error) {
	switch kind {
	case ValueNumeric:
		f, err := strconv.ParseFloat(payload, 64)
		if err != nil {
			return nil, eris.Wrap(err, "model: decode numeric value")
		}
		return Numeric(f), nil
	case ValueText:
		var s string
		if err := json.Unmarshal([]byte(payload), &s); err != nil {
			return nil, eris.Wrap(err, "model: decode text value")
		}
		return Text(s), nil
	case ValueStructured:
		var m map[string]any
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, eris.Wrap(err, "model: decode structured value")
		}
		return Structured(m), nil
	default:
		return nil, eris.Errorf("model: unknown value kind %q", kind)
	}
}

// SignalEvent is a sourced, confidence-scored, bi-temporal observation.
type SignalEvent struct {
	ID            string
	PlayerID      string
	ClubID        string
	Kind          SignalKind
	Value         SignalValue
	Unit          string
	Source        string
	Confidence    float64
	ObservedAt    time.Time
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
	CreatedAt     time.Time
}

// NewWeakSignal builds a weak-channel signal. The source is fixed and the
// confidence may not exceed WeakConfidenceCap.
func NewWeakSignal(ref EntityRef, kind SignalKind, value float64, unit string, confidence float64, observedAt, effectiveFrom time.Time) (SignalEvent, error) {
	s := SignalEvent{
		PlayerID:      ref.PlayerID,
		ClubID:        ref.ClubID,
		Kind:          kind,
		Value:         Numeric(value),
		Unit:          unit,
		Source:        WeakSource,
		Confidence:    confidence,
		ObservedAt:    observedAt.UTC(),
		EffectiveFrom: effectiveFrom.UTC(),
	}
	if err := s.Validate(); err != nil {
		return SignalEvent{}, err
	}
	s.ID = s.DerivedID()
	return s, nil
}

// Ref returns the signal's entity reference.
func (s SignalEvent) Ref() EntityRef { return EntityRef{PlayerID: s.PlayerID, ClubID: s.ClubID} }

// Weak reports whether s came from the behavioral channel.
func (s SignalEvent) Weak() bool { return s.Source == WeakSource }

// Validate checks the signal contract.
func (s SignalEvent) Validate() error {
	if s.Ref().Empty() {
		return Invalid("entity", "player_id or club_id is required")
	}
	if !s.Kind.Valid() {
		return Invalid("kind", "unknown signal kind %q", s.Kind)
	}
	if scope := ScopeOf(s.Ref()); !slices.Contains(s.Kind.Scopes(), scope) {
		return Invalid("entity", "%s signals are %v scoped, got %s", s.Kind, s.Kind.Scopes(), scope)
	}
	if s.Value == nil {
		return Invalid("value", "required")
	}
	if n, ok := s.Value.(Numeric); ok && (math.IsNaN(float64(n)) || math.IsInf(float64(n), 0)) {
		return Invalid("value", "not finite")
	}
	if s.Source == "" {
		return Invalid("source", "required")
	}
	if math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1 {
		return Invalid("confidence", "%g outside [0,1]", s.Confidence)
	}
	if s.Weak() && s.Confidence > WeakConfidenceCap {
		return Invalid("confidence", "weak-channel confidence %g exceeds cap %g", s.Confidence, WeakConfidenceCap)
	}
	if s.ObservedAt.IsZero() {
		return Invalid("observed_at", "required")
	}
	if s.EffectiveFrom.IsZero() {
		return Invalid("effective_from", "required")
	}
	if s.EffectiveFrom.After(s.ObservedAt) {
		return Invalid("effective_from", "%s is after observed_at %s",
			ts(s.EffectiveFrom), ts(s.ObservedAt))
	}
	if s.EffectiveTo != nil && !s.EffectiveTo.After(s.EffectiveFrom) {
		return Invalid("effective_to", "must be after effective_from")
	}
	return nil
}

// DerivedID returns the content-addressed identifier for s.
func (s SignalEvent) DerivedID() string {
	_, payload, err := EncodeValue(s.Value)
	if err != nil {
		payload = fmt.Sprint(s.Value)
	}
	kind := ""
	if s.Value != nil {
		kind = string(s.Value.ValueKind())
	}
	return DeterministicID("signal", string(s.Kind), s.PlayerID, s.ClubID, s.Source,
		ts(s.ObservedAt), ts(s.EffectiveFrom), kind, payload)
}

// FactID implements guard.Temporal.
func (s SignalEvent) FactID() string { return s.ID }

// Observed implements guard.Temporal.
func (s SignalEvent) Observed() time.Time { return s.ObservedAt }

// EffectiveStart implements guard.Temporal.
func (s SignalEvent) EffectiveStart() time.Time { return s.EffectiveFrom }

// EffectiveEnd implements guard.Temporal.
func (s SignalEvent) EffectiveEnd() *time.Time { return s.EffectiveTo }

// GroupKey implements guard.Temporal: one fact per entity and kind.
func (s SignalEvent) GroupKey() string { return s.Ref().Key() + "|" + string(s.Kind) }

// Number returns the numeric value and whether s carries one.
func (s SignalEvent) Number() (float64, bool) {
	n, ok := s.Value.(Numeric)
	return float64(n), ok
}

type signalJSON struct {
	ID            string     `json:"id"`
	PlayerID      string     `json:"player_id,omitempty"`
	ClubID        string     `json:"club_id,omitempty"`
	Kind          SignalKind `json:"kind"`
	ValueKind     ValueKind  `json:"value_kind"`
	Value         any        `json:"value"`
	Unit          string     `json:"unit,omitempty"`
	Source        string     `json:"source"`
	Confidence    float64    `json:"confidence"`
	ObservedAt    time.Time  `json:"observed_at"`
	EffectiveFrom time.Time  `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// MarshalJSON renders the value union with an explicit discriminator.
func (s SignalEvent) MarshalJSON() ([]byte, error) {
	out := signalJSON{
		ID: s.ID, PlayerID: s.PlayerID, ClubID: s.ClubID, Kind: s.Kind,
		Unit: s.Unit, Source: s.Source, Confidence: s.Confidence,
		ObservedAt: s.ObservedAt, EffectiveFrom: s.EffectiveFrom, EffectiveTo: s.EffectiveTo,
		CreatedAt: s.CreatedAt,
	}
	if s.Value != nil {
		out.ValueKind = s.Value.ValueKind()
		out.Value = s.Value
	}
	return json.Marshal(out)
}
