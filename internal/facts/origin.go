package facts

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/clarence2022/transferlens/internal/model"
	"github.com/clarence2022/transferlens/internal/store"
)

// OriginAsOf returns the club a player belonged to at asOf: the destination
// of the latest non-superseded ledger move effective by then, otherwise the
// registered club. An empty result means the origin is unknown.
func (s *Service) OriginAsOf(ctx context.Context, playerID string, asOf time.Time) (string, error) {
	p, err := s.store.GetPlayer(ctx, playerID)
	if err != nil {
		return "", eris.Wrap(err, "facts: origin")
	}
	if p == nil {
		return "", &model.NotFoundError{Entity: "player", ID: playerID}
	}
	return s.originFor(ctx, *p, asOf)
}

func (s *Service) originFor(ctx context.Context, p model.Player, asOf time.Time) (string, error) {
	asOf = asOf.UTC()
	through := asOf
	moves, err := s.store.ListTransfers(ctx, store.TransferFilter{PlayerID: p.ID, Through: &through})
	if err != nil {
		return "", eris.Wrapf(err, "facts: transfers of %s", p.ID)
	}
	if latest := latestMove(moves, asOf); latest != nil {
		return latest.ToClubID, nil
	}
	return p.RegisteredClubID, nil
}

// latestMove picks the move in force at asOf: the greatest effective date
// on or before asOf, ties broken by id. Callers pass non-superseded rows. The
// ledger is selected by effective date alone, so a move backfilled after asOf
// still counts.
func latestMove(moves []model.TransferEvent, asOf time.Time) *model.TransferEvent {
	var best *model.TransferEvent
	for i := range moves {
		m := &moves[i]
		if m.EffectiveDate.After(asOf) {
			continue
		}
		if best == nil {
			best = m
			continue
		}
		if c := m.EffectiveDate.Compare(best.EffectiveDate); c > 0 || (c == 0 && m.ID > best.ID) {
			best = m
		}
	}
	return best
}

// Roster returns the active players of every club at asOf, keyed by club id.
// Players with no known origin are left out.
func (s *Service) Roster(ctx context.Context, asOf time.Time) (map[string][]model.Player, error) {
	players, err := s.store.ListPlayers(ctx, store.PlayerFilter{ActiveOnly: true})
	if err != nil {
		return nil, eris.Wrap(err, "facts: roster players")
	}
	asOf = asOf.UTC()
	through := asOf
	moves, err := s.store.ListTransfers(ctx, store.TransferFilter{Through: &through})
	if err != nil {
		return nil, eris.Wrap(err, "facts: roster transfers")
	}
	byPlayer := make(map[string][]model.TransferEvent)
	for _, m := range moves {
		byPlayer[m.PlayerID] = append(byPlayer[m.PlayerID], m)
	}

	roster := make(map[string][]model.Player)
	for _, p := range players {
		club := p.RegisteredClubID
		if latest := latestMove(byPlayer[p.ID], asOf); latest != nil {
			club = latest.ToClubID
		}
		if club == "" {
			continue
		}
		roster[club] = append(roster[club], p)
	}
	return roster, nil
}
