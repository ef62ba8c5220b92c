package trainer

import (
	"cmp"
	"context"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/rotisserie/eris"

	"github.com/clarence2022/transferlens/internal/guard"
	"github.com/clarence2022/transferlens/internal/model"
	"github.com/clarence2022/transferlens/internal/store"
)

// windows returns the label-window cutoffs, newest first. Each step back is
// one horizon; the walk stops at cutoff minus lookbackDays.
func windows(cutoff time.Time, h model.Horizon, lookbackDays int) []time.Time {
	earliest := cutoff.AddDate(0, 0, -lookbackDays)
	var out []time.Time
	for ck := cutoff; !ck.Before(earliest); ck = ck.Add(-h.Duration()) {
		out = append(out, ck)
	}
	return out
}

// labels builds and checks the label set of every window.
func (t *Trainer) labels(ctx context.Context, cutoff time.Time, h model.Horizon, lookbackDays int) ([]model.Label, error) {
	clubs, err := t.store.ListClubs(ctx, store.ClubFilter{ActiveOnly: true})
	if err != nil {
		return nil, eris.Wrap(err, "trainer: clubs")
	}
	slices.SortFunc(clubs, func(a, b model.Club) int { return cmp.Compare(a.ID, b.ID) })

	var out []model.Label
	for _, ck := range windows(cutoff, h, lookbackDays) {
		ls, err := t.windowLabels(ctx, ck, h, clubs)
		if err != nil {
			return nil, err
		}
		for _, l := range ls {
			if err := guard.AssertLabelIntegrity(l, ck); err != nil {
				return nil, err
			}
		}
		out = append(out, ls...)
	}
	return out, nil
}

// windowLabels returns the positives of (ck, ck+h] followed by their paired
// negatives and the inactive-player negatives.
func (t *Trainer) windowLabels(ctx context.Context, ck time.Time, h model.Horizon, clubs []model.Club) ([]model.Label, error) {
	rng := rand.New(rand.NewPCG(t.cfg.RandomState, uint64(ck.Unix())))
	end := ck.Add(h.Duration())

	moves, err := t.store.ListTransfers(ctx, store.TransferFilter{After: &ck, Through: &end})
	if err != nil {
		return nil, eris.Wrap(err, "trainer: ledger window")
	}
	slices.SortFunc(moves, func(a, b model.TransferEvent) int {
		if c := a.EffectiveDate.Compare(b.EffectiveDate); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	var out []model.Label
	moved := make(map[string]bool)
	for _, m := range moves {
		if !m.Kind.Labelable() || m.FromClubID == "" {
			continue
		}
		moved[m.PlayerID] = true
		pos := model.Label{
			PlayerID:     m.PlayerID,
			FromClubID:   m.FromClubID,
			ToClubID:     m.ToClubID,
			TransferID:   m.ID,
			TransferDate: m.EffectiveDate,
			FeatureAsOf:  m.EffectiveDate.Add(-h.Duration()),
			Horizon:      h,
			Positive:     true,
		}
		out = append(out, pos)
		for _, c := range sampleClubs(rng, clubs, t.cfg.NegativesPerPositive, m.FromClubID, m.ToClubID) {
			neg := pos
			neg.ToClubID = c
			neg.TransferID = ""
			neg.Positive = false
			out = append(out, neg)
		}
	}

	if t.cfg.InactiveNegatives <= 0 {
		return out, nil
	}
	roster, err := t.facts.Roster(ctx, ck)
	if err != nil {
		return nil, eris.Wrap(err, "trainer: roster")
	}
	type stay struct{ player, club string }
	var idle []stay
	for club, players := range roster {
		for _, p := range players {
			if !moved[p.ID] {
				idle = append(idle, stay{p.ID, club})
			}
		}
	}
	slices.SortFunc(idle, func(a, b stay) int { return cmp.Compare(a.player, b.player) })
	rng.Shuffle(len(idle), func(i, j int) { idle[i], idle[j] = idle[j], idle[i] })
	if len(idle) > t.cfg.InactiveNegatives {
		idle = idle[:t.cfg.InactiveNegatives]
	}
	for _, s := range idle {
		picked := sampleClubs(rng, clubs, 1, s.club)
		if len(picked) == 0 {
			continue
		}
		out = append(out, model.Label{
			PlayerID:     s.player,
			FromClubID:   s.club,
			ToClubID:     picked[0],
			TransferDate: end,
			FeatureAsOf:  ck,
			Horizon:      h,
		})
	}
	return out, nil
}

// sampleClubs draws up to n distinct club ids, skipping exclude.
func sampleClubs(rng *rand.Rand, clubs []model.Club, n int, exclude ...string) []string {
	if n <= 0 {
		return nil
	}
	pool := make([]string, 0, len(clubs))
	for _, c := range clubs {
		if !slices.Contains(exclude, c.ID) {
			pool = append(pool, c.ID)
		}
	}
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	return pool[:min(n, len(pool))]
}

// counts summarizes a label set.
func counts(ls []model.Label) model.SampleCounts {
	var c model.SampleCounts
	for _, l := range ls {
		if l.Positive {
			c.Positive++
		} else {
			c.Negative++
		}
	}
	c.Total = c.Positive + c.Negative
	return c
}
