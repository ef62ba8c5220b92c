// Package storetest opens migrated SQLite stores and seeds them for tests.
package storetest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clarence2022/transferlens/internal/model"
	"github.com/clarence2022/transferlens/internal/store"
)

// Open returns a migrated SQLite store in a temp dir, closed on cleanup.
func Open(t testing.TB) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// Day returns midnight UTC of the given date.
func Day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

// Seeder writes fixtures directly to the store, bypassing service
// validation so tests can build any history.
type Seeder struct {
	t  testing.TB
	st store.Store
}

// NewSeeder wraps st.
func NewSeeder(t testing.TB, st store.Store) *Seeder { return &Seeder{t: t, st: st} }

// Competition upserts a competition.
func (s *Seeder) Competition(id, country string, tier int) {
	s.t.Helper()
	require.NoError(s.t, s.st.UpsertCompetition(context.Background(),
		model.Competition{ID: id, Name: id, Country: country, Tier: tier}))
}

// Club upserts an active club.
func (s *Seeder) Club(id, country, competitionID string) {
	s.t.Helper()
	require.NoError(s.t, s.st.UpsertClub(context.Background(),
		model.Club{ID: id, Name: id, Country: country, CompetitionID: competitionID, Active: true}))
}

// Player upserts an active player registered at club.
func (s *Seeder) Player(id string, pos model.Position, dob time.Time, club string) {
	s.t.Helper()
	require.NoError(s.t, s.st.UpsertPlayer(context.Background(), model.Player{
		ID: id, Name: id, Position: pos, DateOfBirth: dob, Nationality: "ENG",
		RegisteredClubID: club, Active: true,
	}))
}

// Transfer appends a permanent move observed on its effective date.
func (s *Seeder) Transfer(player, from, to string, date time.Time) model.TransferEvent {
	s.t.Helper()
	ev := model.TransferEvent{
		ID:               model.TransferID(player, to, date),
		PlayerID:         player,
		FromClubID:       from,
		ToClubID:         to,
		Kind:             model.TransferPermanent,
		EffectiveDate:    date,
		Source:           "official",
		SourceConfidence: model.LedgerConfidence,
		ObservedAt:       date,
		CreatedAt:        date,
	}
	_, err := s.st.InsertTransfer(context.Background(), ev)
	require.NoError(s.t, err)
	return ev
}

// Signal appends a numeric signal. effective defaults to observed.
func (s *Seeder) Signal(ref model.EntityRef, kind model.SignalKind, v float64, observed time.Time, effective ...time.Time) model.SignalEvent {
	s.t.Helper()
	eff := observed
	if len(effective) > 0 {
		eff = effective[0]
	}
	sig := model.SignalEvent{
		PlayerID:      ref.PlayerID,
		ClubID:        ref.ClubID,
		Kind:          kind,
		Value:         model.Numeric(v),
		Source:        "fixture",
		Confidence:    0.9,
		ObservedAt:    observed,
		EffectiveFrom: eff,
		CreatedAt:     observed,
	}
	sig.ID = sig.DerivedID()
	_, err := s.st.InsertSignal(context.Background(), sig)
	require.NoError(s.t, err)
	return sig
}

// League seeds a competition with n clubs named prefix1..prefixN and gives
// each a league position equal to its index, observed at asOf.
func (s *Seeder) League(compID, country, prefix string, tier, n int, asOf time.Time) []string {
	s.t.Helper()
	s.Competition(compID, country, tier)
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s%d", prefix, i+1)
		s.Club(id, country, compID)
		s.Signal(model.EntityRef{ClubID: id}, model.SignalClubLeaguePosition, float64(i+1), asOf)
		ids[i] = id
	}
	return ids
}
