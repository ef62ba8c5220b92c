package candidates

import (
	"cmp"
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/clarence2022/transferlens/internal/model"
)

// ranked is a club with the number it is ordered by.
type ranked struct {
	club  model.Club
	value float64
}

func byValue(asc bool) func(a, b ranked) int {
	return func(a, b ranked) int {
		c := cmp.Compare(a.value, b.value)
		if !asc {
			c = -c
		}
		if c != 0 {
			return c
		}
		return strings.Compare(a.club.ID, b.club.ID)
	}
}

// league proposes the top of the origin's table and the leaders of the other
// top flights.
func (g *Generator) league(ctx context.Context, s *subject) ([]model.Candidate, error) {
	if s.originComp == nil {
		return nil, nil
	}
	positions, err := g.facts.ClubSignalsAsOf(ctx, model.SignalClubLeaguePosition, s.asOf)
	if err != nil {
		return nil, err
	}

	var same, other []ranked
	for _, sig := range positions {
		club, ok := s.clubs[sig.ClubID]
		if !ok || !club.Active || club.ID == s.origin {
			continue
		}
		pos, ok := sig.Number()
		if !ok {
			continue
		}
		if club.CompetitionID == s.originComp.ID {
			same = append(same, ranked{club, pos})
			continue
		}
		if comp, ok := s.comps[club.CompetitionID]; ok && comp.Tier == 1 && pos <= 6 {
			other = append(other, ranked{club, pos})
		}
	}
	slices.SortFunc(same, byValue(true))
	slices.SortFunc(other, byValue(true))

	var out []model.Candidate
	for _, r := range same[:min(len(same), g.cfg.LeagueTopN)] {
		out = append(out, model.Candidate{
			ClubID: r.club.ID,
			Source: model.SourceLeague,
			Score:  math.Max(0, 1-r.value/20),
			Reason: fmt.Sprintf("Top %d in %s", int(r.value), s.originComp.Name),
		})
	}
	for _, r := range other[:min(len(other), g.cfg.OtherLeagueTopN)] {
		out = append(out, model.Candidate{
			ClubID: r.club.ID,
			Source: model.SourceLeague,
			Score:  0.8 - r.value/30,
			Reason: fmt.Sprintf("Top %d in %s", int(r.value), s.comps[r.club.CompetitionID].Name),
		})
	}
	return out, nil
}

// pairSignal ranks clubs by a pair-scoped signal of the player.
func (g *Generator) pairSignal(ctx context.Context, s *subject, kind model.SignalKind, threshold float64, limit int) ([]ranked, error) {
	sigs, err := g.facts.PairSignalsAsOf(ctx, s.player.ID, kind, s.asOf)
	if err != nil {
		return nil, err
	}
	var hits []ranked
	for _, sig := range sigs {
		club, ok := s.clubs[sig.ClubID]
		if !ok || club.ID == s.origin {
			continue
		}
		v, ok := sig.Number()
		if !ok || v < threshold {
			continue
		}
		hits = append(hits, ranked{club, v})
	}
	slices.SortFunc(hits, byValue(false))
	return hits[:min(len(hits), limit)], nil
}

// social proposes clubs the player is being mentioned alongside.
func (g *Generator) social(ctx context.Context, s *subject) ([]model.Candidate, error) {
	hits, err := g.pairSignal(ctx, s, model.SignalSocialMentionVelocity, g.cfg.SocialThreshold, g.cfg.SocialMax)
	if err != nil {
		return nil, err
	}
	out := make([]model.Candidate, 0, len(hits))
	for _, r := range hits {
		out = append(out, model.Candidate{
			ClubID: r.club.ID,
			Source: model.SourceSocial,
			Score:  math.Min(r.value/10, 1),
			Reason: fmt.Sprintf("Social co-mention velocity: %.1fx", r.value),
		})
	}
	return out, nil
}

// userAttention proposes clubs users view in the same sessions as the player.
func (g *Generator) userAttention(ctx context.Context, s *subject) ([]model.Candidate, error) {
	hits, err := g.pairSignal(ctx, s, model.SignalUserDestinationCooccur, g.cfg.UserThreshold, g.cfg.UserMax)
	if err != nil {
		return nil, err
	}
	out := make([]model.Candidate, 0, len(hits))
	for _, r := range hits {
		out = append(out, model.Candidate{
			ClubID: r.club.ID,
			Source: model.SourceUserAttention,
			Score:  math.Min(r.value/100, 1),
			Reason: fmt.Sprintf("User attention cooccurrence: %.1f", r.value),
		})
	}
	return out, nil
}

// feeAffordability is the share of a seller's net spend a fee may take.
const feeAffordability = 0.3

// constraintFit scores squad need and affordability over the top two tiers.
func (g *Generator) constraintFit(ctx context.Context, s *subject) ([]model.Candidate, error) {
	roster, err := g.facts.Roster(ctx, s.asOf)
	if err != nil {
		return nil, err
	}
	spend, err := g.facts.ClubSignalsAsOf(ctx, model.SignalClubNetSpend12m, s.asOf)
	if err != nil {
		return nil, err
	}
	var value float64
	if s.marketValue != nil {
		value = *s.marketValue
	}
	pos := s.player.Position

	type scored struct {
		ranked
		reasons []string
	}
	var hits []scored
	for _, club := range s.clubs {
		if !club.Active || club.ID == s.origin {
			continue
		}
		tier, ok := s.tier(club.ID)
		if !ok || tier > 2 {
			continue
		}

		var score float64
		var reasons []string
		count, ages, withAge := 0, 0, 0
		for _, p := range roster[club.ID] {
			if p.Position != pos || p.ID == s.player.ID {
				continue
			}
			count++
			if a := p.AgeAt(s.asOf); a > 0 {
				ages += a
				withAge++
			}
		}
		switch {
		case count <= 2:
			score += 0.4
			reasons = append(reasons, fmt.Sprintf("Only %d %ss", count, pos))
		case count <= 3:
			score += 0.2
			reasons = append(reasons, fmt.Sprintf("Few %ss (%d)", pos, count))
		}
		if withAge > 0 {
			if avg := float64(ages) / float64(withAge); avg >= 30 {
				score += 0.3
				reasons = append(reasons, fmt.Sprintf("Aging %ss (avg %.1f)", pos, avg))
			}
		}

		var net float64
		if sig, ok := spend[club.ID]; ok {
			net, _ = sig.Number()
		}
		if net > 0 {
			if value <= net*feeAffordability {
				score += 0.3
				reasons = append(reasons, fmt.Sprintf("Budget available (net spend €%.1fM)", net/1e6))
			}
		} else if math.Abs(net) < value*2 {
			score += 0.1
			reasons = append(reasons, "Within typical spend")
		}
		if tier == 1 {
			score += 0.1
			reasons = append(reasons, "Top tier club")
		}

		if score > 0.3 && len(reasons) > 0 {
			hits = append(hits, scored{ranked{club, score}, reasons})
		}
	}
	slices.SortFunc(hits, func(a, b scored) int { return byValue(false)(a.ranked, b.ranked) })

	out := make([]model.Candidate, 0, min(len(hits), g.cfg.ConstraintMax))
	for _, h := range hits[:min(len(hits), g.cfg.ConstraintMax)] {
		out = append(out, model.Candidate{
			ClubID: h.club.ID,
			Source: model.SourceConstraintFit,
			Score:  math.Min(h.value, 1),
			Reason: strings.Join(h.reasons, "; "),
		})
	}
	return out, nil
}

// random adds a seeded sample of lower-probability clubs so that models see
// unlikely destinations too. The same (player, asOf, horizon) always draws the
// same clubs.
func (g *Generator) random(s *subject, chosen map[string]bool) []model.Candidate {
	var pool []string
	for _, club := range s.clubs {
		if !club.Active || club.ID == s.origin || chosen[club.ID] {
			continue
		}
		if tier, ok := s.tier(club.ID); !ok || tier > 3 {
			continue
		}
		pool = append(pool, club.ID)
	}
	slices.Sort(pool)

	seed := randomSeed(s.player.ID, s.asOf, s.horizon)
	rng := rand.New(rand.NewPCG(seed, seed))
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })

	n := min(len(pool), g.cfg.RandomCount)
	out := make([]model.Candidate, 0, n)
	for _, id := range pool[:n] {
		out = append(out, model.Candidate{
			ClubID: id,
			Source: model.SourceRandom,
			Score:  0.1,
			Reason: "Random calibration sample",
		})
	}
	return out
}

func randomSeed(playerID string, asOf time.Time, h model.Horizon) uint64 {
	key := playerID + "|" + asOf.UTC().Format(time.RFC3339Nano) + "|" + strconv.Itoa(int(h))
	f := fnv.New64a()
	f.Write([]byte(key)) //nolint:errcheck
	return f.Sum64()
}
