// Package candidates proposes plausible destination clubs for a player at an
// instant. Every signal it reads passes through the fact service, so a set
// generated at asOf only reflects what was knowable then.
package candidates

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/clarence2022/transferlens/internal/clock"
	"github.com/clarence2022/transferlens/internal/config"
	"github.com/clarence2022/transferlens/internal/model"
	"github.com/clarence2022/transferlens/internal/store"
)

// Facts is the as-of read surface of the fact service.
type Facts interface {
	OriginAsOf(ctx context.Context, playerID string, asOf time.Time) (string, error)
	Roster(ctx context.Context, asOf time.Time) (map[string][]model.Player, error)
	ClubSignalsAsOf(ctx context.Context, kind model.SignalKind, asOf time.Time) (map[string]model.SignalEvent, error)
	PairSignalsAsOf(ctx context.Context, playerID string, kind model.SignalKind, asOf time.Time) ([]model.SignalEvent, error)
	LatestNumber(ctx context.Context, ref model.EntityRef, kind model.SignalKind, asOf time.Time) (float64, bool, error)
}

// Store reads reference data and persists candidate sets.
type Store interface {
	GetPlayer(ctx context.Context, id string) (*model.Player, error)
	ListClubs(ctx context.Context, filter store.ClubFilter) ([]model.Club, error)
	ListCompetitions(ctx context.Context) ([]model.Competition, error)
	GetCandidateSet(ctx context.Context, playerID string, asOf time.Time, h model.Horizon) (*model.CandidateSet, error)
	InsertCandidateSet(ctx context.Context, cs model.CandidateSet) (bool, error)
}

// Generator builds write-once candidate sets.
type Generator struct {
	facts Facts
	store Store
	clock clock.Clock
	cfg   config.CandidatesConfig
	log   *zap.Logger
}

// New creates a Generator. Zero counts fall back to the standard limits and
// all-zero weights mean every heuristic counts equally.
func New(facts Facts, st Store, clk clock.Clock, cfg config.CandidatesConfig) *Generator {
	def := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&cfg.LeagueTopN, 8)
	def(&cfg.OtherLeagueTopN, 10)
	def(&cfg.SocialMax, 5)
	def(&cfg.UserMax, 5)
	def(&cfg.ConstraintMax, 5)
	def(&cfg.RandomCount, 5)
	def(&cfg.MaxTotal, 20)
	if cfg.Weights == (config.SourceWeights{}) {
		cfg.Weights = config.SourceWeights{League: 1, Social: 1, UserAttention: 1, ConstraintFit: 1, Random: 1}
	}
	return &Generator{
		facts: facts,
		store: st,
		clock: clk,
		cfg:   cfg,
		log:   zap.L().With(zap.String("component", "candidates")),
	}
}

// subject is the state every heuristic scores against.
type subject struct {
	player      model.Player
	origin      string
	originComp  *model.Competition
	marketValue *float64
	asOf        time.Time
	horizon     model.Horizon
	clubs       map[string]model.Club
	comps       map[string]model.Competition
}

func (s *subject) tier(clubID string) (int, bool) {
	c, ok := s.clubs[clubID]
	if !ok {
		return 0, false
	}
	comp, ok := s.comps[c.CompetitionID]
	if !ok {
		return 0, false
	}
	return comp.Tier, true
}

// Generate returns the candidate set for (playerID, asOf, h), creating it on
// first use. A stored set is returned unchanged.
func (g *Generator) Generate(ctx context.Context, playerID string, asOf time.Time, h model.Horizon) (*model.CandidateSet, error) {
	asOf = asOf.UTC()
	if h <= 0 {
		return nil, model.Invalid("horizon_days", "must be positive")
	}
	if cs, err := g.store.GetCandidateSet(ctx, playerID, asOf, h); err != nil {
		return nil, eris.Wrap(err, "candidates: lookup")
	} else if cs != nil {
		return cs, nil
	}

	subj, err := g.resolve(ctx, playerID, asOf, h)
	if err != nil {
		return nil, err
	}

	// Heuristic order decides score ties in merge.
	type heuristic struct {
		weight float64
		run    func(context.Context, *subject) ([]model.Candidate, error)
	}
	heuristics := []heuristic{
		{g.cfg.Weights.League, g.league},
		{g.cfg.Weights.Social, g.social},
		{g.cfg.Weights.UserAttention, g.userAttention},
		{g.cfg.Weights.ConstraintFit, g.constraintFit},
	}

	var raw []model.Candidate
	for _, hr := range heuristics {
		if hr.weight == 0 {
			continue
		}
		found, err := hr.run(ctx, subj)
		if err != nil {
			return nil, err
		}
		for _, c := range found {
			c.Score *= hr.weight
			raw = append(raw, c)
		}
	}
	if g.cfg.Weights.Random != 0 {
		chosen := make(map[string]bool, len(raw))
		for _, c := range raw {
			chosen[c.ClubID] = true
		}
		for _, c := range g.random(subj, chosen) {
			c.Score *= g.cfg.Weights.Random
			raw = append(raw, c)
		}
	}

	merged := merge(raw, subj.origin)
	if len(merged) > g.cfg.MaxTotal {
		merged = merged[:g.cfg.MaxTotal]
	}
	if len(merged) == 0 {
		return nil, &model.InsufficientDataError{PlayerID: playerID, AsOf: asOf, Reason: "no candidate destinations"}
	}

	counts := make(map[model.CandidateSource]int)
	for _, c := range merged {
		counts[c.Source]++
	}
	cs := model.CandidateSet{
		ID:           model.CandidateSetID(playerID, asOf, h),
		PlayerID:     playerID,
		AsOf:         asOf,
		Horizon:      h,
		Candidates:   merged,
		SourceCounts: counts,
		Context: model.PlayerContext{
			Position:     subj.player.Position,
			OriginClubID: subj.origin,
			MarketValue:  subj.marketValue,
			Age:          subj.player.AgeAt(asOf),
		},
		CreatedAt: g.clock.Now(),
	}
	ok, err := g.store.InsertCandidateSet(ctx, cs)
	if err != nil {
		return nil, eris.Wrapf(err, "candidates: store set for %s", playerID)
	}
	if !ok {
		stored, err := g.store.GetCandidateSet(ctx, playerID, asOf, h)
		if err != nil {
			return nil, eris.Wrap(err, "candidates: re-read after conflict")
		}
		if stored != nil {
			return stored, nil
		}
	}

	g.log.Debug("candidates: generated",
		zap.String("player_id", playerID),
		zap.Time("as_of", asOf),
		zap.Int("horizon_days", int(h)),
		zap.Int("candidates", len(merged)),
	)
	return &cs, nil
}

func (g *Generator) resolve(ctx context.Context, playerID string, asOf time.Time, h model.Horizon) (*subject, error) {
	p, err := g.store.GetPlayer(ctx, playerID)
	if err != nil {
		return nil, eris.Wrap(err, "candidates: player")
	}
	if p == nil {
		return nil, &model.InsufficientDataError{PlayerID: playerID, AsOf: asOf, Reason: "player not found"}
	}
	origin, err := g.facts.OriginAsOf(ctx, playerID, asOf)
	if err != nil {
		return nil, err
	}
	if origin == "" {
		return nil, &model.InsufficientDataError{PlayerID: playerID, AsOf: asOf, Reason: "origin club unknown"}
	}

	clubs, err := g.store.ListClubs(ctx, store.ClubFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "candidates: clubs")
	}
	comps, err := g.store.ListCompetitions(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "candidates: competitions")
	}
	subj := &subject{
		player:  *p,
		origin:  origin,
		asOf:    asOf,
		horizon: h,
		clubs:   make(map[string]model.Club, len(clubs)),
		comps:   make(map[string]model.Competition, len(comps)),
	}
	for _, c := range clubs {
		subj.clubs[c.ID] = c
	}
	for _, c := range comps {
		subj.comps[c.ID] = c
	}
	if oc, ok := subj.clubs[origin]; ok {
		if comp, ok := subj.comps[oc.CompetitionID]; ok {
			subj.originComp = &comp
		}
	}

	v, ok, err := g.facts.LatestNumber(ctx, model.EntityRef{PlayerID: playerID}, model.SignalMarketValue, asOf)
	if err != nil {
		return nil, err
	}
	if ok {
		subj.marketValue = &v
	}
	return subj, nil
}

// merge drops the origin, dedupes by club and orders by score desc then club
// id. The highest score wins; on a tie the earlier heuristic keeps the club.
func merge(raw []model.Candidate, origin string) []model.Candidate {
	byClub := make(map[string]*model.Candidate)
	reasons := make(map[string][]string)
	var order []string
	for _, c := range raw {
		if c.ClubID == origin {
			continue
		}
		if c.Reason != "" && !slices.Contains(reasons[c.ClubID], c.Reason) {
			reasons[c.ClubID] = append(reasons[c.ClubID], c.Reason)
		}
		cur, ok := byClub[c.ClubID]
		if !ok {
			cp := c
			byClub[c.ClubID] = &cp
			order = append(order, c.ClubID)
			continue
		}
		if c.Score > cur.Score {
			cur.Score = c.Score
			cur.Source = c.Source
		}
	}

	out := make([]model.Candidate, 0, len(order))
	for _, id := range order {
		c := *byClub[id]
		c.Reason = strings.Join(reasons[id], "; ")
		out = append(out, c)
	}
	slices.SortStableFunc(out, func(a, b model.Candidate) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(a.ClubID, b.ClubID)
	})
	return out
}
