// Package features builds leakage-free feature vectors for (player, club)
// pairs at an instant and caches them as immutable snapshots.
package features

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/clarence2022/transferlens/internal/clock"
	"github.com/clarence2022/transferlens/internal/config"
	"github.com/clarence2022/transferlens/internal/guard"
	"github.com/clarence2022/transferlens/internal/model"
)

// Facts is the as-of read surface of the fact service.
type Facts interface {
	OriginAsOf(ctx context.Context, playerID string, asOf time.Time) (string, error)
	SignalsAsOf(ctx context.Context, ref model.EntityRef, kind *model.SignalKind, asOf time.Time, history bool) ([]model.SignalEvent, error)
}

// Store reads reference data and caches snapshots.
type Store interface {
	GetPlayer(ctx context.Context, id string) (*model.Player, error)
	GetClub(ctx context.Context, id string) (*model.Club, error)
	GetCompetition(ctx context.Context, id string) (*model.Competition, error)
	GetFeatureSnapshot(ctx context.Context, key model.FeatureKey) (*model.FeatureSnapshot, error)
	InsertFeatureSnapshot(ctx context.Context, fs model.FeatureSnapshot) (bool, error)
}

// Builder computes and caches feature snapshots.
type Builder struct {
	facts   Facts
	store   Store
	clock   clock.Clock
	version string
}

// New creates a Builder for the configured schema version.
func New(facts Facts, st Store, clk clock.Clock, cfg config.FeaturesConfig) *Builder {
	v := cfg.SchemaVersion
	if v == "" {
		v = SchemaV1
	}
	return &Builder{facts: facts, store: st, clock: clk, version: v}
}

// SchemaVersion returns the version stamped on built snapshots.
func (b *Builder) SchemaVersion() string { return b.version }

// Build returns the feature snapshot for (playerID, clubID) at asOf. A
// cached snapshot is returned as stored.
func (b *Builder) Build(ctx context.Context, playerID, clubID string, asOf time.Time) (*model.FeatureSnapshot, error) {
	asOf = asOf.UTC()
	key := model.FeatureKey{PlayerID: playerID, ClubID: clubID, AsOf: asOf, SchemaVersion: b.version}
	if fs, err := b.store.GetFeatureSnapshot(ctx, key); err != nil {
		return nil, eris.Wrap(err, "features: lookup")
	} else if fs != nil {
		return fs, nil
	}

	p, err := b.subject(ctx, playerID, asOf)
	if err != nil {
		return nil, err
	}
	values, err := b.compute(ctx, p, clubID, asOf)
	if err != nil {
		return nil, err
	}

	fs := model.FeatureSnapshot{
		ID:            key.ID(),
		PlayerID:      playerID,
		ClubID:        clubID,
		AsOf:          asOf,
		SchemaVersion: b.version,
		Features:      values,
		CreatedAt:     b.clock.Now(),
	}
	ok, err := b.store.InsertFeatureSnapshot(ctx, fs)
	if err != nil {
		return nil, eris.Wrapf(err, "features: store %s/%s", playerID, clubID)
	}
	if !ok {
		if stored, err := b.store.GetFeatureSnapshot(ctx, key); err != nil {
			return nil, eris.Wrap(err, "features: re-read after conflict")
		} else if stored != nil {
			return stored, nil
		}
	}
	return &fs, nil
}

// BatchResult is one entry of BuildBatch. Exactly one of Snapshot and Err
// is set.
type BatchResult struct {
	ClubID   string
	Snapshot *model.FeatureSnapshot
	Err      error
}

// BuildBatch builds features for every club in clubIDs. Per-club feature
// build errors are reported in the aligned results; any other error aborts
// the batch.
func (b *Builder) BuildBatch(ctx context.Context, playerID string, clubIDs []string, asOf time.Time) ([]BatchResult, error) {
	out := make([]BatchResult, len(clubIDs))
	for i, club := range clubIDs {
		out[i].ClubID = club
		fs, err := b.Build(ctx, playerID, club, asOf)
		if err != nil {
			if model.CodeOf(err) != model.CodeFeatureBuild {
				return nil, err
			}
			out[i].Err = err
			continue
		}
		out[i].Snapshot = fs
	}
	return out, nil
}

// subject holds the player-side state shared by every club of a build.
type subject struct {
	player     model.Player
	origin     model.Club
	originComp model.Competition
}

func (b *Builder) subject(ctx context.Context, playerID string, asOf time.Time) (*subject, error) {
	fail := func(reason string) error {
		return &model.FeatureBuildError{PlayerID: playerID, AsOf: asOf, Reason: reason}
	}
	p, err := b.store.GetPlayer(ctx, playerID)
	if err != nil {
		return nil, eris.Wrap(err, "features: player")
	}
	if p == nil {
		return nil, fail("player not found")
	}
	originID, err := b.facts.OriginAsOf(ctx, playerID, asOf)
	var nf *model.NotFoundError
	if errors.As(err, &nf) {
		return nil, fail("player not found")
	}
	if err != nil {
		return nil, err
	}
	if originID == "" {
		return nil, fail("origin club unknown")
	}
	club, comp, err := b.club(ctx, originID)
	if err != nil {
		return nil, err
	}
	if club == nil {
		return nil, fail("origin club " + originID + " not found")
	}
	if comp == nil {
		return nil, fail("competition of origin club " + originID + " not found")
	}
	return &subject{player: *p, origin: *club, originComp: *comp}, nil
}

func (b *Builder) club(ctx context.Context, id string) (*model.Club, *model.Competition, error) {
	c, err := b.store.GetClub(ctx, id)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "features: club %s", id)
	}
	if c == nil {
		return nil, nil, nil
	}
	comp, err := b.store.GetCompetition(ctx, c.CompetitionID)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "features: competition %s", c.CompetitionID)
	}
	return c, comp, nil
}

func (b *Builder) compute(ctx context.Context, s *subject, clubID string, asOf time.Time) (map[string]float64, error) {
	to, toComp, err := b.club(ctx, clubID)
	if err != nil {
		return nil, err
	}
	if to == nil || toComp == nil {
		return nil, &model.FeatureBuildError{PlayerID: s.player.ID, ClubID: clubID, AsOf: asOf, Reason: "candidate club or its competition not found"}
	}

	values := make(map[string]float64, len(Schema))
	player, err := b.latest(ctx, model.EntityRef{PlayerID: s.player.ID}, asOf)
	if err != nil {
		return nil, err
	}
	for _, k := range playerKinds {
		values[string(k)] = valueOr(player, k)
	}
	values["age"] = Missing
	if age := s.player.AgeAt(asOf); age > 0 {
		values["age"] = float64(age)
	}
	values["position_encoded"] = EncodePosition(s.player.Position)

	for prefix, side := range map[string]struct {
		club model.Club
		comp model.Competition
	}{"from_": {s.origin, s.originComp}, "to_": {*to, *toComp}} {
		sigs, err := b.latest(ctx, model.EntityRef{ClubID: side.club.ID}, asOf)
		if err != nil {
			return nil, err
		}
		values[prefix+"club_tier"] = float64(side.comp.Tier)
		for _, k := range clubKinds {
			values[prefix+string(k)] = valueOr(sigs, k)
		}
	}

	values["same_country"] = boolFeature(s.origin.Country == to.Country)
	values["same_league"] = boolFeature(s.origin.CompetitionID == to.CompetitionID)
	values["tier_difference"] = float64(toComp.Tier - s.originComp.Tier)
	pair, err := b.latest(ctx, model.EntityRef{PlayerID: s.player.ID, ClubID: clubID}, asOf)
	if err != nil {
		return nil, err
	}
	values[string(model.SignalUserDestinationCooccur)] = valueOr(pair, model.SignalUserDestinationCooccur)
	return values, nil
}

// latest returns the numeric value per kind of the signals visible for ref
// at asOf. Every chosen fact is re-checked against asOf; non-numeric values
// are left out.
func (b *Builder) latest(ctx context.Context, ref model.EntityRef, asOf time.Time) (map[model.SignalKind]float64, error) {
	sigs, err := b.facts.SignalsAsOf(ctx, ref, nil, asOf, false)
	if err != nil {
		return nil, err
	}
	out := make(map[model.SignalKind]float64, len(sigs))
	for _, sig := range sigs {
		if err := guard.AssertNoLookahead(sig, asOf); err != nil {
			zap.L().Error("features: lookahead in as-of read",
				zap.String("signal_id", sig.ID),
				zap.Time("as_of", asOf),
			)
			return nil, err
		}
		if _, seen := out[sig.Kind]; seen {
			continue
		}
		if v, ok := sig.Number(); ok {
			out[sig.Kind] = v
		}
	}
	return out, nil
}

func valueOr(m map[model.SignalKind]float64, k model.SignalKind) float64 {
	if v, ok := m[k]; ok {
		return v
	}
	return Missing
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
