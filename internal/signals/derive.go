// Package signals turns raw behavior events into weak-channel signals.
package signals

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/clarence2022/transferlens/internal/clock"
	"github.com/clarence2022/transferlens/internal/config"
	"github.com/clarence2022/transferlens/internal/guard"
	"github.com/clarence2022/transferlens/internal/model"
	"github.com/clarence2022/transferlens/internal/store"
)

// EventReader reads raw behavior events.
type EventReader interface {
	ListBehaviorEvents(ctx context.Context, filter store.BehaviorFilter) ([]model.BehaviorEvent, error)
}

// Appender writes derived signals.
type Appender interface {
	AppendSignals(ctx context.Context, sigs []model.SignalEvent) (int, error)
}

// Result reports what one derivation produced.
type Result struct {
	AsOf          time.Time                `json:"as_of"`
	EventsScanned int                      `json:"events_scanned"`
	Derived       map[model.SignalKind]int `json:"derived"`
	Inserted      int                      `json:"inserted"`
}

// Deriver aggregates behavior events into weak signals.
type Deriver struct {
	events EventReader
	facts  Appender
	clock  clock.Clock
	cfg    config.SignalsConfig
}

// New creates a Deriver.
func New(events EventReader, facts Appender, clk clock.Clock, cfg config.SignalsConfig) *Deriver {
	if cfg.WindowHours <= 0 {
		cfg.WindowHours = 24
	}
	if cfg.CooccurrenceMultiplier <= 0 {
		cfg.CooccurrenceMultiplier = 7
	}
	if cfg.Confidence <= 0 || cfg.Confidence > model.WeakConfidenceCap {
		cfg.Confidence = model.WeakConfidenceCap
	}
	return &Deriver{events: events, facts: facts, clock: clk, cfg: cfg}
}

var attentionEvents = []model.BehaviorEventType{model.EventPlayerView, model.EventWatchlistAdd, model.EventShare}

// Derive computes attention velocity, watchlist adds and destination
// co-occurrence over the windows ending at asOf and appends them.
func (d *Deriver) Derive(ctx context.Context, asOf time.Time) (*Result, error) {
	now := d.clock.Now()
	asOf = asOf.UTC()
	if asOf.After(now) {
		return nil, model.Invalid("as_of", "%s is after now", asOf.Format(time.RFC3339))
	}
	window := time.Duration(d.cfg.WindowHours) * time.Hour
	ws := asOf.Add(-window)
	wide := asOf.Add(-window * time.Duration(d.cfg.CooccurrenceMultiplier))

	events, err := d.events.ListBehaviorEvents(ctx, store.BehaviorFilter{From: wide, To: asOf})
	if err != nil {
		return nil, eris.Wrap(err, "signals: list behavior events")
	}
	for _, e := range events {
		if err := guard.AssertOccurredBy(e, asOf); err != nil {
			return nil, err
		}
	}

	res := &Result{AsOf: asOf, EventsScanned: len(events), Derived: make(map[model.SignalKind]int)}
	var out []model.SignalEvent
	add := func(ref model.EntityRef, kind model.SignalKind, v float64, unit string, from time.Time) error {
		sig, err := model.NewWeakSignal(ref, kind, v, unit, d.cfg.Confidence, now, from)
		if err != nil {
			return err
		}
		out = append(out, sig)
		res.Derived[kind]++
		return nil
	}

	recent := inWindow(events, ws, asOf)
	for _, v := range velocities(recent, ws, window, d.cfg.MinEvents) {
		if err := add(model.EntityRef{PlayerID: v.player}, model.SignalUserAttentionVelocity, v.value, "index", ws); err != nil {
			return nil, err
		}
	}
	for _, w := range watchlistAdds(recent) {
		if err := add(model.EntityRef{PlayerID: w.player}, model.SignalUserWatchlistAdds, w.value, "count", ws); err != nil {
			return nil, err
		}
	}
	for _, c := range cooccurrences(events, d.cfg.MinSessions) {
		if err := add(model.EntityRef{PlayerID: c.player, ClubID: c.club}, model.SignalUserDestinationCooccur, c.value, "index", wide); err != nil {
			return nil, err
		}
	}

	if len(out) > 0 {
		res.Inserted, err = d.facts.AppendSignals(ctx, out)
		if err != nil {
			return nil, err
		}
	}
	zap.L().Info("signals: derived",
		zap.Time("as_of", asOf),
		zap.Int("events_scanned", res.EventsScanned),
		zap.Int("inserted", res.Inserted),
	)
	return res, nil
}

type derived struct {
	player string
	club   string
	value  float64
}

func inWindow(events []model.BehaviorEvent, from, to time.Time) []model.BehaviorEvent {
	var out []model.BehaviorEvent
	for _, e := range events {
		if !e.OccurredAt.Before(from) && !e.OccurredAt.After(to) {
			out = append(out, e)
		}
	}
	return out
}

// velocities compares attention in the recent half of the window with the
// older half: min(10, (recent+1)/(older+1)) * 100.
func velocities(events []model.BehaviorEvent, ws time.Time, window time.Duration, minEvents int) []derived {
	mid := ws.Add(window / 2)
	type halves struct{ older, recent int }
	counts := make(map[string]*halves)
	for _, e := range events {
		if e.PlayerID == "" || !slices.Contains(attentionEvents, e.Type) {
			continue
		}
		h := counts[e.PlayerID]
		if h == nil {
			h = &halves{}
			counts[e.PlayerID] = h
		}
		if e.OccurredAt.Before(mid) {
			h.older++
		} else {
			h.recent++
		}
	}
	var out []derived
	for _, p := range sortedKeys(counts) {
		h := counts[p]
		if h.older+h.recent < minEvents {
			continue
		}
		ratio := min(10, float64(h.recent+1)/float64(h.older+1))
		out = append(out, derived{player: p, value: ratio * 100})
	}
	return out
}

func watchlistAdds(events []model.BehaviorEvent) []derived {
	counts := make(map[string]int)
	for _, e := range events {
		if e.Type == model.EventWatchlistAdd && e.PlayerID != "" {
			counts[e.PlayerID]++
		}
	}
	var out []derived
	for _, p := range sortedKeys(counts) {
		out = append(out, derived{player: p, value: float64(counts[p])})
	}
	return out
}

// cooccurrences counts sessions that looked at a player and a club:
// min(100, sessions * 10).
func cooccurrences(events []model.BehaviorEvent, minSessions int) []derived {
	type session struct{ players, clubs map[string]bool }
	sessions := make(map[string]*session)
	for _, e := range events {
		s := sessions[e.SessionID]
		if s == nil {
			s = &session{players: map[string]bool{}, clubs: map[string]bool{}}
			sessions[e.SessionID] = s
		}
		switch {
		case (e.Type == model.EventPlayerView || e.Type == model.EventWatchlistAdd) && e.PlayerID != "":
			s.players[e.PlayerID] = true
		case e.Type == model.EventClubView && e.ClubID != "":
			s.clubs[e.ClubID] = true
		}
	}

	pairs := make(map[[2]string]int)
	for _, s := range sessions {
		for p := range s.players {
			for c := range s.clubs {
				pairs[[2]string{p, c}]++
			}
		}
	}
	keys := make([][2]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b [2]string) int {
		if c := strings.Compare(a[0], b[0]); c != 0 {
			return c
		}
		return strings.Compare(a[1], b[1])
	})

	var out []derived
	for _, k := range keys {
		n := pairs[k]
		if n < minSessions {
			continue
		}
		out = append(out, derived{player: k[0], club: k[1], value: min(100, float64(n*10))})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
