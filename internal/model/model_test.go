package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func TestTransferID_Deterministic(t *testing.T) {
	a := TransferID("p1", "c2", date(2025, 2, 1))
	b := TransferID("p1", "c2", time.Date(2025, 2, 1, 17, 30, 0, 0, time.UTC))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, TransferID("p1", "c3", date(2025, 2, 1)))
}

func TestTransferEvent_Validate(t *testing.T) {
	now := date(2025, 3, 1)
	valid := TransferEvent{
		PlayerID: "p1", FromClubID: "c1", ToClubID: "c2", Kind: TransferPermanent,
		EffectiveDate: date(2025, 2, 1), Source: "official", SourceConfidence: 1,
	}
	require.NoError(t, valid.Validate(now))

	tests := []struct {
		name  string
		mut   func(*TransferEvent)
		field string
	}{
		{"same club", func(e *TransferEvent) { e.ToClubID = "c1" }, "to_club_id"},
		{"future", func(e *TransferEvent) { e.EffectiveDate = date(2025, 4, 1) }, "effective_date"},
		{"low confidence", func(e *TransferEvent) { e.SourceConfidence = 0.9 }, "source_confidence"},
		{"bad kind", func(e *TransferEvent) { e.Kind = "swap" }, "kind"},
		{"no player", func(e *TransferEvent) { e.PlayerID = "" }, "player_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := valid
			tt.mut(&ev)
			err := ev.Validate(now)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestNewWeakSignal_CapEnforced(t *testing.T) {
	obs := date(2025, 1, 2)
	s, err := NewWeakSignal(EntityRef{PlayerID: "p1"}, SignalUserAttentionVelocity, 150, "index", 0.6, obs, obs.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, WeakSource, s.Source)
	assert.NotEmpty(t, s.ID)

	_, err = NewWeakSignal(EntityRef{PlayerID: "p1"}, SignalUserAttentionVelocity, 150, "index", 0.61, obs, obs)
	assert.Equal(t, CodeValidation, CodeOf(err))
}

func TestSignalEvent_Validate(t *testing.T) {
	base := SignalEvent{
		PlayerID: "p1", Kind: SignalMarketValue, Value: Numeric(1e7), Source: "tm",
		Confidence: 0.9, ObservedAt: date(2025, 1, 20), EffectiveFrom: date(2025, 1, 10),
	}
	require.NoError(t, base.Validate())

	future := date(2025, 1, 21)
	cases := map[string]func(*SignalEvent){
		"no entity":          func(s *SignalEvent) { s.PlayerID = "" },
		"confidence > 1":     func(s *SignalEvent) { s.Confidence = 1.2 },
		"weak over cap":      func(s *SignalEvent) { s.Source = WeakSource; s.Confidence = 0.7 },
		"effective > obs":    func(s *SignalEvent) { s.EffectiveFrom = future },
		"wrong scope":        func(s *SignalEvent) { s.ClubID = "c1" },
		"unknown kind":       func(s *SignalEvent) { s.Kind = "vibes" },
		"nil value":          func(s *SignalEvent) { s.Value = nil },
		"effective_to early": func(s *SignalEvent) { to := date(2025, 1, 5); s.EffectiveTo = &to },
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			s := base
			mut(&s)
			assert.Equal(t, CodeValidation, CodeOf(s.Validate()))
		})
	}
}

func TestSignalValue_RoundTrip(t *testing.T) {
	for _, v := range []SignalValue{Numeric(12.5), Text("doubtful"), Structured{"games": float64(3)}} {
		kind, payload, err := EncodeValue(v)
		require.NoError(t, err)
		got, err := DecodeValue(kind, payload)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestSignalEvent_DerivedIDStable(t *testing.T) {
	s := SignalEvent{
		PlayerID: "p1", Kind: SignalGoalsLast10, Value: Numeric(4), Source: "opta",
		Confidence: 1, ObservedAt: date(2025, 1, 2), EffectiveFrom: date(2025, 1, 1),
	}
	other := s
	other.Value = Numeric(5)
	assert.Equal(t, s.DerivedID(), s.DerivedID())
	assert.NotEqual(t, s.DerivedID(), other.DerivedID())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(ModelTraining, ModelCompleted))
	assert.True(t, CanTransition(ModelTraining, ModelFailed))
	assert.True(t, CanTransition(ModelCompleted, ModelDeployed))
	assert.True(t, CanTransition(ModelDeployed, ModelArchived))
	assert.False(t, CanTransition(ModelCompleted, ModelTraining))
	assert.False(t, CanTransition(ModelFailed, ModelDeployed))
	assert.False(t, CanTransition(ModelArchived, ModelDeployed))
	assert.False(t, CanTransition(ModelDeployed, ModelCompleted))
}

func TestCodeOf_ThroughWrapping(t *testing.T) {
	leak := &DataLeakageError{PlayerID: "p1", Reason: "x"}
	wrapped := fmt.Errorf("trainer: labels: %w", leak)
	assert.Equal(t, CodeDataLeakage, CodeOf(wrapped))
	assert.True(t, IsSystemic(wrapped))
	assert.False(t, IsSkippable(wrapped))

	assert.True(t, IsSkippable(&FeatureBuildError{PlayerID: "p1"}))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestSnapshotID_AnyDestination(t *testing.T) {
	asOf := date(2025, 1, 15)
	a := SnapshotID("p1", "", 90, asOf)
	b := SnapshotID("p1", AnyDestination, 90, asOf)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, SnapshotID("p1", "", 90, asOf.Add(time.Second)))
	assert.Contains(t, a, "SNAP-")
}

func TestPredictionWindow(t *testing.T) {
	start, end := PredictionWindow(time.Date(2025, 1, 15, 13, 0, 0, 0, time.UTC), 30)
	assert.Equal(t, date(2025, 1, 15), start)
	assert.Equal(t, date(2025, 2, 14), end)
}

func TestHorizon_Validate(t *testing.T) {
	assert.NoError(t, Horizon(90).Validate(nil))
	assert.Equal(t, CodeValidation, CodeOf(Horizon(45).Validate(nil)))
	assert.NoError(t, Horizon(45).Validate([]Horizon{45}))
}

func TestPlayer_AgeAt(t *testing.T) {
	p := Player{DateOfBirth: date(1995, 6, 15)}
	assert.Equal(t, 29, p.AgeAt(date(2025, 6, 14)))
	assert.Equal(t, 30, p.AgeAt(date(2025, 6, 15)))
	assert.Equal(t, 0, Player{}.AgeAt(date(2025, 1, 1)))
}

func TestVersionString_DistinctWithinSecond(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := VersionString(at, "3f2a9c1e-0000-4000-8000-000000000001")
	b := VersionString(at, "7b41d0aa-0000-4000-8000-000000000002")
	assert.Equal(t, "v20250601_120000_3f2a9c1e", a)
	assert.NotEqual(t, a, b)
}
