// Package ingest loads YAML bundles of reference data and facts and writes
// them through the fact service.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/clarence2022/transferlens/internal/model"
)

// Bundle is one file of input. Every section is optional.
type Bundle struct {
	Competitions   []model.Competition   `yaml:"competitions"`
	Clubs          []Club                `yaml:"clubs"`
	Players        []Player              `yaml:"players"`
	Transfers      []model.TransferEvent `yaml:"transfers"`
	Signals        []Signal              `yaml:"signals"`
	BehaviorEvents []model.BehaviorEvent `yaml:"behavior_events"`
}

// Club is a bundle club. Clubs are active unless marked inactive.
type Club struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Country       string `yaml:"country"`
	CompetitionID string `yaml:"competition_id"`
	Inactive      bool   `yaml:"inactive"`
}

// Player is a bundle player. Club is the registered club before any ledger
// history.
type Player struct {
	ID          string         `yaml:"id"`
	Name        string         `yaml:"name"`
	Position    model.Position `yaml:"position"`
	DateOfBirth time.Time      `yaml:"date_of_birth"`
	Nationality string         `yaml:"nationality"`
	Club        string         `yaml:"club"`
	Inactive    bool           `yaml:"inactive"`
}

// Signal is a bundle signal. Value is a number, a string or a mapping.
type Signal struct {
	ID            string           `yaml:"id"`
	PlayerID      string           `yaml:"player_id"`
	ClubID        string           `yaml:"club_id"`
	Kind          model.SignalKind `yaml:"kind"`
	Value         any              `yaml:"value"`
	Unit          string           `yaml:"unit"`
	Source        string           `yaml:"source"`
	Confidence    float64          `yaml:"confidence"`
	ObservedAt    time.Time        `yaml:"observed_at"`
	EffectiveFrom time.Time        `yaml:"effective_from"`
	EffectiveTo   *time.Time       `yaml:"effective_to"`
}

// Event converts s to a signal event. A zero effective_from defaults to
// observed_at.
func (s Signal) Event() (model.SignalEvent, error) {
	v, err := model.ValueOf(s.Value)
	if err != nil {
		return model.SignalEvent{}, err
	}
	eff := s.EffectiveFrom
	if eff.IsZero() {
		eff = s.ObservedAt
	}
	return model.SignalEvent{
		ID:            s.ID,
		PlayerID:      s.PlayerID,
		ClubID:        s.ClubID,
		Kind:          s.Kind,
		Value:         v,
		Unit:          s.Unit,
		Source:        s.Source,
		Confidence:    s.Confidence,
		ObservedAt:    s.ObservedAt,
		EffectiveFrom: eff,
		EffectiveTo:   s.EffectiveTo,
	}, nil
}

// LoadBundle reads and parses a bundle file.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read bundle %s", path)
	}
	return ParseBundle(data)
}

// ParseBundle parses bundle YAML. Unknown keys are rejected.
func ParseBundle(data []byte) (*Bundle, error) {
	var b Bundle
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil && !errors.Is(err, io.EOF) {
		return nil, eris.Wrap(err, "ingest: parse bundle")
	}
	return &b, nil
}

// Reference upserts mutable entity attributes.
type Reference interface {
	UpsertCompetition(ctx context.Context, c model.Competition) error
	UpsertClub(ctx context.Context, c model.Club) error
	UpsertPlayer(ctx context.Context, p model.Player) error
}

// Facts appends to the ledger and signal tables.
type Facts interface {
	AppendTransfer(ctx context.Context, t model.TransferEvent) (string, error)
	AppendSignals(ctx context.Context, sigs []model.SignalEvent) (int, error)
	AppendBehaviorEvents(ctx context.Context, events []model.BehaviorEvent) (int, error)
}

// Counts reports what Apply wrote. Signal and behavior counts are new rows;
// the others count records submitted.
type Counts struct {
	Competitions   int `json:"competitions"`
	Clubs          int `json:"clubs"`
	Players        int `json:"players"`
	Transfers      int `json:"transfers"`
	Signals        int `json:"signals"`
	BehaviorEvents int `json:"behavior_events"`
}

// Apply writes reference data first, then transfers in effective-date
// order, then signals and behavior events. It stops at the first invalid
// record; records written before it stay written.
func Apply(ctx context.Context, ref Reference, facts Facts, b *Bundle) (Counts, error) {
	var c Counts
	for _, comp := range b.Competitions {
		if comp.ID == "" {
			return c, model.Invalid("competitions.id", "required")
		}
		if err := ref.UpsertCompetition(ctx, comp); err != nil {
			return c, eris.Wrapf(err, "ingest: competition %s", comp.ID)
		}
		c.Competitions++
	}
	for _, club := range b.Clubs {
		if club.ID == "" || club.CompetitionID == "" {
			return c, model.Invalid("clubs", "id and competition_id are required (club %q)", club.ID)
		}
		err := ref.UpsertClub(ctx, model.Club{
			ID: club.ID, Name: club.Name, Country: club.Country,
			CompetitionID: club.CompetitionID, Active: !club.Inactive,
		})
		if err != nil {
			return c, eris.Wrapf(err, "ingest: club %s", club.ID)
		}
		c.Clubs++
	}
	for _, p := range b.Players {
		if p.ID == "" {
			return c, model.Invalid("players.id", "required")
		}
		if p.Position != "" && !p.Position.Valid() {
			return c, model.Invalid("players.position", "unknown position %q for %s", p.Position, p.ID)
		}
		err := ref.UpsertPlayer(ctx, model.Player{
			ID: p.ID, Name: p.Name, Position: p.Position, DateOfBirth: p.DateOfBirth,
			Nationality: p.Nationality, RegisteredClubID: p.Club, Active: !p.Inactive,
		})
		if err != nil {
			return c, eris.Wrapf(err, "ingest: player %s", p.ID)
		}
		c.Players++
	}

	transfers := slices.Clone(b.Transfers)
	slices.SortStableFunc(transfers, func(a, b model.TransferEvent) int {
		return a.EffectiveDate.Compare(b.EffectiveDate)
	})
	for i, t := range transfers {
		if t.Kind == "" {
			t.Kind = model.TransferPermanent
		}
		if t.SourceConfidence == 0 {
			t.SourceConfidence = model.LedgerConfidence
		}
		if _, err := facts.AppendTransfer(ctx, t); err != nil {
			return c, eris.Wrapf(err, "ingest: transfer %d (%s)", i, t.PlayerID)
		}
		c.Transfers++
	}

	if len(b.Signals) > 0 {
		sigs := make([]model.SignalEvent, len(b.Signals))
		for i, s := range b.Signals {
			ev, err := s.Event()
			if err != nil {
				return c, eris.Wrapf(err, "ingest: signal %d", i)
			}
			sigs[i] = ev
		}
		n, err := facts.AppendSignals(ctx, sigs)
		if err != nil {
			return c, eris.Wrap(err, "ingest: signals")
		}
		c.Signals = n
	}

	if len(b.BehaviorEvents) > 0 {
		n, err := facts.AppendBehaviorEvents(ctx, b.BehaviorEvents)
		if err != nil {
			return c, eris.Wrap(err, "ingest: behavior events")
		}
		c.BehaviorEvents = n
	}

	zap.L().Info("ingest: bundle applied",
		zap.Int("competitions", c.Competitions),
		zap.Int("clubs", c.Clubs),
		zap.Int("players", c.Players),
		zap.Int("transfers", c.Transfers),
		zap.Int("signals", c.Signals),
		zap.Int("behavior_events", c.BehaviorEvents),
	)
	return c, nil
}
