package guard

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarence2022/transferlens/internal/model"
)

func date(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func signal(id string, kind model.SignalKind, observed, effective time.Time) model.SignalEvent {
	return model.SignalEvent{
		ID: id, PlayerID: "p1", Kind: kind, Value: model.Numeric(1), Source: "test",
		Confidence: 1, ObservedAt: observed, EffectiveFrom: effective,
	}
}

func TestAssertNoLookahead(t *testing.T) {
	s := signal("s1", model.SignalMarketValue, date(2025, 1, 20), date(2025, 1, 10))

	err := AssertNoLookahead(s, date(2025, 1, 15))
	var tte *model.TimeTravelViolationError
	require.ErrorAs(t, err, &tte)
	assert.Equal(t, "observed_at", tte.Field)
	assert.Equal(t, "s1", tte.FactID)

	assert.NoError(t, AssertNoLookahead(s, date(2025, 1, 21)))
	assert.NoError(t, AssertNoLookahead(s, date(2025, 1, 20)))
}

func TestAssertNoLookahead_EffectiveFrom(t *testing.T) {
	tr := model.TransferEvent{ID: "t1", EffectiveDate: date(2025, 2, 1), ObservedAt: date(2025, 1, 1)}
	err := AssertNoLookahead(tr, date(2025, 1, 15))
	var tte *model.TimeTravelViolationError
	require.ErrorAs(t, err, &tte)
	assert.Equal(t, "effective_from", tte.Field)
}

func TestFilterAsOf_LatestPerKind(t *testing.T) {
	facts := []model.SignalEvent{
		signal("old", model.SignalMarketValue, date(2025, 1, 2), date(2025, 1, 1)),
		signal("new", model.SignalMarketValue, date(2025, 1, 6), date(2025, 1, 5)),
		signal("later-obs", model.SignalMarketValue, date(2025, 1, 30), date(2025, 1, 8)),
		signal("goals", model.SignalGoalsLast10, date(2025, 1, 3), date(2025, 1, 3)),
	}

	got := FilterAsOf(facts, date(2025, 1, 10), FilterOptions{})
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].ID)
	assert.Equal(t, "goals", got[1].ID)

	all := FilterAsOf(facts, date(2025, 1, 10), FilterOptions{History: true})
	require.Len(t, all, 3)
	assert.Equal(t, []string{"new", "goals", "old"}, []string{all[0].ID, all[1].ID, all[2].ID})
}

func TestFilterAsOf_TieBreakObserved(t *testing.T) {
	facts := []model.SignalEvent{
		signal("a", model.SignalMarketValue, date(2025, 1, 2), date(2025, 1, 1)),
		signal("b", model.SignalMarketValue, date(2025, 1, 4), date(2025, 1, 1)),
	}
	got := FilterAsOf(facts, date(2025, 1, 10), FilterOptions{})
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}

func TestFilterAsOf_ExpiredDroppedUnlessHistory(t *testing.T) {
	end := date(2025, 1, 5)
	injured := model.SignalEvent{
		ID: "inj", PlayerID: "p1", Kind: model.SignalInjuriesStatus, Value: model.Text("out"),
		Source: "club", Confidence: 1, ObservedAt: date(2025, 1, 1), EffectiveFrom: date(2025, 1, 1),
		EffectiveTo: &end,
	}
	assert.Empty(t, FilterAsOf([]model.SignalEvent{injured}, date(2025, 1, 5), FilterOptions{}))
	assert.Len(t, FilterAsOf([]model.SignalEvent{injured}, date(2025, 1, 4), FilterOptions{}), 1)
	assert.Len(t, FilterAsOf([]model.SignalEvent{injured}, date(2025, 1, 9), FilterOptions{History: true}), 1)
}

func TestFilterAsOf_ScenarioObservedAfterEffective(t *testing.T) {
	s := signal("s1", model.SignalMarketValue, date(2025, 1, 20), date(2025, 1, 10))
	assert.Empty(t, FilterAsOf([]model.SignalEvent{s}, date(2025, 1, 15), FilterOptions{}))
	assert.Len(t, FilterAsOf([]model.SignalEvent{s}, date(2025, 1, 21), FilterOptions{}), 1)
}

func TestFilterAsOf_NeverReturnsFutureFacts(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	base := date(2024, 1, 1)
	kinds := []model.SignalKind{model.SignalMarketValue, model.SignalGoalsLast10, model.SignalMinutesLast5}

	for iter := 0; iter < 500; iter++ {
		n := rng.IntN(40)
		facts := make([]model.SignalEvent, n)
		for i := range facts {
			eff := base.Add(time.Duration(rng.IntN(365*24)) * time.Hour)
			obs := eff.Add(time.Duration(rng.IntN(60*24)) * time.Hour)
			facts[i] = signal(fmt.Sprintf("f%d", i), kinds[rng.IntN(len(kinds))], obs, eff)
			if rng.IntN(4) == 0 {
				end := eff.Add(time.Duration(1+rng.IntN(90*24)) * time.Hour)
				facts[i].EffectiveTo = &end
			}
		}
		asOf := base.Add(time.Duration(rng.IntN(400*24)) * time.Hour)
		history := rng.IntN(2) == 0

		got := FilterAsOf(facts, asOf, FilterOptions{History: history})
		keys := map[string]bool{}
		for i, f := range got {
			require.False(t, f.ObservedAt.After(asOf), "iter %d: observed_at after as_of", iter)
			require.False(t, f.EffectiveFrom.After(asOf), "iter %d: effective_from after as_of", iter)
			require.NoError(t, AssertNoLookahead(f, asOf))
			if i > 0 {
				require.False(t, f.EffectiveFrom.After(got[i-1].EffectiveFrom), "iter %d: not ordered", iter)
			}
			if !history {
				require.False(t, keys[f.GroupKey()], "iter %d: duplicate key", iter)
				keys[f.GroupKey()] = true
			}
		}
	}
}

func TestAssertLabelIntegrity(t *testing.T) {
	transfer := date(2025, 2, 1)
	ok := model.Label{
		PlayerID: "A", ToClubID: "B", TransferDate: transfer,
		FeatureAsOf: transfer.AddDate(0, 0, -60), Horizon: 60, Positive: true,
	}
	require.NoError(t, AssertLabelIntegrity(ok, date(2024, 12, 15)))
	assert.Equal(t, date(2024, 12, 3), ok.FeatureAsOf)

	tests := []struct {
		name   string
		label  func(model.Label) model.Label
		cutoff time.Time
	}{
		{"transfer already visible", func(l model.Label) model.Label { l.TransferDate = date(2024, 10, 1); l.FeatureAsOf = date(2024, 8, 2); return l }, date(2024, 12, 15)},
		{"features at transfer", func(l model.Label) model.Label { l.FeatureAsOf = l.TransferDate; return l }, date(2024, 12, 15)},
		{"features inside horizon", func(l model.Label) model.Label { l.FeatureAsOf = date(2024, 12, 10); return l }, date(2024, 12, 15)},
		{"features after cutoff", func(l model.Label) model.Label { return l }, date(2024, 11, 30)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := AssertLabelIntegrity(tt.label(ok), tt.cutoff)
			var dle *model.DataLeakageError
			require.ErrorAs(t, err, &dle)
			assert.True(t, model.IsSystemic(err))
		})
	}
}

func TestAssertOccurredBy(t *testing.T) {
	e := model.BehaviorEvent{ID: "e1", OccurredAt: date(2025, 1, 2)}
	assert.NoError(t, AssertOccurredBy(e, date(2025, 1, 2)))
	assert.Equal(t, model.CodeTimeTravelViolation, model.CodeOf(AssertOccurredBy(e, date(2025, 1, 1))))
}
