package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarence2022/transferlens/internal/clock"
	"github.com/clarence2022/transferlens/internal/facts"
	"github.com/clarence2022/transferlens/internal/model"
	"github.com/clarence2022/transferlens/internal/store"
	"github.com/clarence2022/transferlens/internal/storetest"
)

const bundleYAML = `
competitions:
  - {id: EPL, name: Premier League, country: ENG, tier: 1}
clubs:
  - {id: A, name: Club A, country: ENG, competition_id: EPL}
  - {id: B, name: Club B, country: ENG, competition_id: EPL}
  - {id: C, name: Club C, country: ENG, competition_id: EPL, inactive: true}
players:
  - id: p1
    name: Player One
    position: ST
    date_of_birth: 1999-05-01
    nationality: ENG
    club: A
transfers:
  - player_id: p1
    from_club_id: A
    to_club_id: B
    effective_date: 2025-02-01T00:00:00Z
    source: official
signals:
  - player_id: p1
    kind: market_value
    value: 25000000
    unit: EUR
    source: valuation_feed
    confidence: 0.9
    observed_at: 2025-01-20T00:00:00Z
    effective_from: 2025-01-10T00:00:00Z
behavior_events:
  - type: player_view
    user_anon_id: u1
    session_id: s1
    player_id: p1
    occurred_at: 2025-02-10T12:00:00Z
`

func apply(t *testing.T, st *store.SQLiteStore, b *Bundle) Counts {
	t.Helper()
	svc := facts.New(st, clock.NewFixed(storetest.Day(2025, 3, 1)))
	c, err := Apply(context.Background(), st, svc, b)
	require.NoError(t, err)
	return c
}

func TestLoadBundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(bundleYAML), 0o600))

	b, err := LoadBundle(path)
	require.NoError(t, err)
	assert.Len(t, b.Clubs, 3)
	assert.True(t, b.Clubs[2].Inactive)
	assert.Equal(t, storetest.Day(1999, 5, 1), b.Players[0].DateOfBirth.UTC())
	assert.Equal(t, storetest.Day(2025, 2, 1), b.Transfers[0].EffectiveDate)

	_, err = LoadBundle(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseBundle_RejectsUnknownKeys(t *testing.T) {
	_, err := ParseBundle([]byte("clubs:\n  - {id: A, league: EPL}\n"))
	assert.Error(t, err)

	b, err := ParseBundle(nil)
	require.NoError(t, err)
	assert.Empty(t, b.Players)
}

func TestApply(t *testing.T) {
	st := storetest.Open(t)
	ctx := context.Background()
	b, err := ParseBundle([]byte(bundleYAML))
	require.NoError(t, err)

	c := apply(t, st, b)
	assert.Equal(t, Counts{Competitions: 1, Clubs: 3, Players: 1, Transfers: 1, Signals: 1, BehaviorEvents: 1}, c)

	club, err := st.GetClub(ctx, "C")
	require.NoError(t, err)
	assert.False(t, club.Active)
	p, err := st.GetPlayer(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, p.Active)
	assert.Equal(t, "A", p.RegisteredClubID)

	tr, err := st.GetTransfer(ctx, model.TransferID("p1", "B", storetest.Day(2025, 2, 1)))
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, model.TransferPermanent, tr.Kind)
	assert.InDelta(t, model.LedgerConfidence, tr.SourceConfidence, 1e-12)

	svc := facts.New(st, clock.NewFixed(storetest.Day(2025, 3, 1)))
	kind := model.SignalMarketValue
	early, err := svc.SignalsAsOf(ctx, model.EntityRef{PlayerID: "p1"}, &kind, storetest.Day(2025, 1, 15), false)
	require.NoError(t, err)
	assert.Empty(t, early)
	late, err := svc.SignalsAsOf(ctx, model.EntityRef{PlayerID: "p1"}, &kind, storetest.Day(2025, 1, 21), false)
	require.NoError(t, err)
	require.Len(t, late, 1)
	v, ok := late[0].Number()
	require.True(t, ok)
	assert.InDelta(t, 2.5e7, v, 1e-6)

	again := apply(t, st, b)
	assert.Equal(t, 0, again.Signals)
	assert.Equal(t, 0, again.BehaviorEvents)
	rows, err := st.ListTransfers(ctx, store.TransferFilter{PlayerID: "p1"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestApply_StopsAtInvalidRecord(t *testing.T) {
	st := storetest.Open(t)
	b := &Bundle{
		Competitions: []model.Competition{{ID: "EPL", Tier: 1}},
		Players:      []Player{{ID: "p1", Position: "QB"}},
	}
	svc := facts.New(st, clock.NewFixed(storetest.Day(2025, 3, 1)))
	c, err := Apply(context.Background(), st, svc, b)
	assert.Equal(t, model.CodeValidation, model.CodeOf(err))
	assert.Equal(t, 1, c.Competitions)
	assert.Equal(t, 0, c.Players)

	b = &Bundle{Transfers: []model.TransferEvent{{PlayerID: "p1", ToClubID: "B", Source: "x", EffectiveDate: storetest.Day(2026, 1, 1)}}}
	_, err = Apply(context.Background(), st, svc, b)
	assert.Equal(t, model.CodeValidation, model.CodeOf(err))
}
