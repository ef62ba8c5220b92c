package model

import (
	"math"
	"time"
)

// TransferKind classifies a completed transfer.
type TransferKind string

const (
	TransferPermanent          TransferKind = "permanent"
	TransferLoan               TransferKind = "loan"
	TransferLoanWithOption     TransferKind = "loan_with_option"
	TransferLoanWithObligation TransferKind = "loan_with_obligation"
	TransferFree               TransferKind = "free_transfer"
	TransferContractExpiry     TransferKind = "contract_expiry"
	TransferYouthPromotion     TransferKind = "youth_promotion"
	TransferRetirement         TransferKind = "retirement"
)

var transferKinds = map[TransferKind]bool{
	TransferPermanent: true, TransferLoan: true, TransferLoanWithOption: true,
	TransferLoanWithObligation: true, TransferFree: true, TransferContractExpiry: true,
	TransferYouthPromotion: true, TransferRetirement: true,
}

// Valid reports whether k is a known transfer kind.
func (k TransferKind) Valid() bool { return transferKinds[k] }

// Labelable reports whether transfers of this kind count as positive
// training labels.
func (k TransferKind) Labelable() bool {
	switch k {
	case TransferPermanent, TransferLoan, TransferLoanWithOption:
		return true
	}
	return false
}

// LedgerConfidence is the only source confidence admissible on the ledger.
const LedgerConfidence = 1.0

// TransferEvent is a confirmed, completed transfer on the ledger.
type TransferEvent struct {
	ID               string       `json:"id" yaml:"id"`
	PlayerID         string       `json:"player_id" yaml:"player_id"`
	FromClubID       string       `json:"from_club_id,omitempty" yaml:"from_club_id"`
	ToClubID         string       `json:"to_club_id" yaml:"to_club_id"`
	Kind             TransferKind `json:"kind" yaml:"kind"`
	EffectiveDate    time.Time    `json:"effective_date" yaml:"effective_date"`
	FeeAmount        *float64     `json:"fee_amount,omitempty" yaml:"fee_amount"`
	FeeCurrency      string       `json:"fee_currency,omitempty" yaml:"fee_currency"`
	Source           string       `json:"source" yaml:"source"`
	SourceConfidence float64      `json:"source_confidence" yaml:"source_confidence"`
	ObservedAt       time.Time    `json:"observed_at" yaml:"observed_at"`
	CreatedAt        time.Time    `json:"created_at" yaml:"-"`
}

// TransferID derives the ledger identifier for (player, destination, date).
func TransferID(playerID, toClubID string, date time.Time) string {
	return DeterministicID("transfer", playerID, toClubID, day(date).Format(time.DateOnly))
}

// Validate checks the ledger contract. now bounds the effective date.
func (t TransferEvent) Validate(now time.Time) error {
	switch {
	case t.PlayerID == "":
		return Invalid("player_id", "required")
	case t.ToClubID == "":
		return Invalid("to_club_id", "required")
	case t.FromClubID != "" && t.FromClubID == t.ToClubID:
		return Invalid("to_club_id", "origin and destination are both %s", t.ToClubID)
	case !t.Kind.Valid():
		return Invalid("kind", "unknown transfer kind %q", t.Kind)
	case t.EffectiveDate.IsZero():
		return Invalid("effective_date", "required")
	case t.EffectiveDate.After(now):
		return Invalid("effective_date", "%s is in the future", t.EffectiveDate.UTC().Format(time.DateOnly))
	case t.Source == "":
		return Invalid("source", "required")
	case math.Abs(t.SourceConfidence-LedgerConfidence) > 1e-9:
		return Invalid("source_confidence", "ledger sources must be 1.0, got %g", t.SourceConfidence)
	case t.FeeAmount != nil && *t.FeeAmount < 0:
		return Invalid("fee_amount", "negative")
	}
	return nil
}

// FactID implements guard.Temporal.
func (t TransferEvent) FactID() string { return t.ID }

// Observed implements guard.Temporal.
func (t TransferEvent) Observed() time.Time { return t.ObservedAt }

// EffectiveStart implements guard.Temporal.
func (t TransferEvent) EffectiveStart() time.Time { return t.EffectiveDate }

// EffectiveEnd implements guard.Temporal. Transfers are open-ended.
func (t TransferEvent) EffectiveEnd() *time.Time { return nil }

// GroupKey implements guard.Temporal.
func (t TransferEvent) GroupKey() string { return t.PlayerID }

// TransferSupersession records that one ledger row replaces another.
type TransferSupersession struct {
	SupersededID  string    `json:"superseded_id"`
	ReplacementID string    `json:"replacement_id"`
	Reason        string    `json:"reason"`
	RecordedAt    time.Time `json:"recorded_at"`
}
