// Package facts is the only write path into the append-only ledger and
// signal tables, and the only read path for signals at an instant.
package facts

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/clarence2022/transferlens/internal/clock"
	"github.com/clarence2022/transferlens/internal/guard"
	"github.com/clarence2022/transferlens/internal/model"
	"github.com/clarence2022/transferlens/internal/monitoring"
	"github.com/clarence2022/transferlens/internal/resilience"
	"github.com/clarence2022/transferlens/internal/store"
)

// Store is the persistence surface the service needs.
type Store interface {
	store.ReferenceStore
	store.FactStore
}

// Service validates and appends facts and answers as-of reads.
type Service struct {
	store Store
	clock clock.Clock
	retry resilience.RetryConfig
	log   *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithRetry overrides the retry policy for appends.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(s *Service) { s.retry = cfg }
}

// New creates a fact service.
func New(st Store, clk clock.Clock, opts ...Option) *Service {
	s := &Service{
		store: st,
		clock: clk,
		retry: resilience.DefaultRetryConfig(),
		log:   zap.L().With(zap.String("component", "facts")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) retryConfig(op string) resilience.RetryConfig {
	cfg := s.retry
	cfg.OnRetry = resilience.RetryLogger(op)
	return cfg
}

// AppendTransfer validates and appends a ledger row. Appending the same
// event twice returns the same id and writes nothing.
func (s *Service) AppendTransfer(ctx context.Context, t model.TransferEvent) (string, error) {
	now := s.clock.Now()
	if err := t.Validate(now); err != nil {
		return "", err
	}
	t = s.stampTransfer(t, now)

	ok, err := resilience.DoVal(ctx, s.retryConfig("facts.append_transfer"), func(ctx context.Context) (bool, error) {
		return s.store.InsertTransfer(ctx, t)
	})
	if err != nil {
		return "", eris.Wrapf(err, "facts: append transfer %s", t.ID)
	}
	if ok {
		monitoring.FactsAppended.WithLabelValues("transfer").Inc()
	}
	s.log.Debug("facts: transfer appended",
		zap.String("transfer_id", t.ID),
		zap.String("player_id", t.PlayerID),
		zap.Bool("new", ok),
	)
	return t.ID, nil
}

func (s *Service) stampTransfer(t model.TransferEvent, now time.Time) model.TransferEvent {
	t.EffectiveDate = model.Day(t.EffectiveDate)
	if t.ID == "" {
		t.ID = model.TransferID(t.PlayerID, t.ToClubID, t.EffectiveDate)
	}
	if t.ObservedAt.IsZero() {
		t.ObservedAt = now
	}
	t.ObservedAt = t.ObservedAt.UTC()
	t.CreatedAt = now
	return t
}

// CorrectTransfer appends replacement and records that it supersedes the
// ledger row supersededID. Neither row is modified.
func (s *Service) CorrectTransfer(ctx context.Context, supersededID string, replacement model.TransferEvent, reason string) (string, error) {
	old, err := s.store.GetTransfer(ctx, supersededID)
	if err != nil {
		return "", eris.Wrap(err, "facts: correct transfer")
	}
	if old == nil {
		return "", &model.NotFoundError{Entity: "transfer", ID: supersededID}
	}
	done, err := s.store.IsSuperseded(ctx, supersededID)
	if err != nil {
		return "", eris.Wrap(err, "facts: correct transfer")
	}
	if done {
		return "", model.Invalid("superseded_id", "%s is already superseded", supersededID)
	}

	now := s.clock.Now()
	if err := replacement.Validate(now); err != nil {
		return "", err
	}
	replacement = s.stampTransfer(replacement, now)
	taken := replacement.ID == supersededID
	if !taken {
		existing, err := s.store.GetTransfer(ctx, replacement.ID)
		if err != nil {
			return "", eris.Wrap(err, "facts: correct transfer")
		}
		taken = existing != nil
	}
	if taken {
		// Same (player, destination, date) key: the correction changes
		// kind, origin or fee, and gets an id seeded by the row it replaces.
		if sameTerms(replacement, *old) {
			return "", model.Invalid("replacement", "identical to %s", supersededID)
		}
		replacement.ID = model.DeterministicID("correction", supersededID,
			string(replacement.Kind), replacement.FromClubID)
	}

	if _, err := s.store.InsertTransfer(ctx, replacement); err != nil {
		return "", eris.Wrapf(err, "facts: append replacement %s", replacement.ID)
	}
	sup := model.TransferSupersession{
		SupersededID:  supersededID,
		ReplacementID: replacement.ID,
		Reason:        reason,
		RecordedAt:    now,
	}
	if _, err := s.store.InsertSupersession(ctx, sup); err != nil {
		return "", eris.Wrapf(err, "facts: record supersession of %s", supersededID)
	}
	monitoring.FactsAppended.WithLabelValues("transfer").Inc()
	s.log.Info("facts: transfer corrected",
		zap.String("superseded_id", supersededID),
		zap.String("replacement_id", replacement.ID),
		zap.String("reason", reason),
	)
	return replacement.ID, nil
}

func sameTerms(a, b model.TransferEvent) bool {
	if a.ToClubID != b.ToClubID || a.Kind != b.Kind || a.FromClubID != b.FromClubID ||
		!a.EffectiveDate.Equal(b.EffectiveDate) {
		return false
	}
	if a.FeeAmount == nil || b.FeeAmount == nil {
		return a.FeeAmount == b.FeeAmount
	}
	return *a.FeeAmount == *b.FeeAmount
}

func (s *Service) prepareSignal(sig model.SignalEvent, now time.Time) (model.SignalEvent, error) {
	sig.ObservedAt = sig.ObservedAt.UTC()
	sig.EffectiveFrom = sig.EffectiveFrom.UTC()
	if err := sig.Validate(); err != nil {
		return sig, err
	}
	if sig.ObservedAt.After(now) {
		return sig, model.Invalid("observed_at", "%s is in the future", sig.ObservedAt.Format(time.RFC3339))
	}
	if sig.ID == "" {
		sig.ID = sig.DerivedID()
	}
	sig.CreatedAt = now
	return sig, nil
}

// AppendSignal validates and appends one signal. It is idempotent on id.
func (s *Service) AppendSignal(ctx context.Context, sig model.SignalEvent) (string, error) {
	sig, err := s.prepareSignal(sig, s.clock.Now())
	if err != nil {
		return "", err
	}
	ok, err := resilience.DoVal(ctx, s.retryConfig("facts.append_signal"), func(ctx context.Context) (bool, error) {
		return s.store.InsertSignal(ctx, sig)
	})
	if err != nil {
		return "", eris.Wrapf(err, "facts: append signal %s", sig.ID)
	}
	if ok {
		monitoring.FactsAppended.WithLabelValues("signal").Inc()
	}
	return sig.ID, nil
}

// AppendSignals validates the whole batch before writing any of it and
// returns the number of new rows.
func (s *Service) AppendSignals(ctx context.Context, sigs []model.SignalEvent) (int, error) {
	now := s.clock.Now()
	batch := make([]model.SignalEvent, len(sigs))
	for i, sig := range sigs {
		p, err := s.prepareSignal(sig, now)
		if err != nil {
			return 0, err
		}
		batch[i] = p
	}
	n, err := resilience.DoVal(ctx, s.retryConfig("facts.append_signals"), func(ctx context.Context) (int, error) {
		return s.store.InsertSignals(ctx, batch)
	})
	if err != nil {
		return 0, eris.Wrap(err, "facts: append signals")
	}
	monitoring.FactsAppended.WithLabelValues("signal").Add(float64(n))
	s.log.Debug("facts: signals appended", zap.Int("submitted", len(batch)), zap.Int("inserted", n))
	return n, nil
}

// AppendBehaviorEvents appends raw weak-channel events.
func (s *Service) AppendBehaviorEvents(ctx context.Context, events []model.BehaviorEvent) (int, error) {
	now := s.clock.Now()
	batch := make([]model.BehaviorEvent, len(events))
	for i, e := range events {
		if err := e.Validate(); err != nil {
			return 0, err
		}
		e.OccurredAt = e.OccurredAt.UTC()
		if e.OccurredAt.After(now) {
			return 0, model.Invalid("occurred_at", "%s is in the future", e.OccurredAt.Format(time.RFC3339))
		}
		if e.ID == "" {
			e.ID = model.BehaviorEventID(e)
		}
		batch[i] = e
	}
	n, err := resilience.DoVal(ctx, s.retryConfig("facts.append_behavior"), func(ctx context.Context) (int, error) {
		return s.store.InsertBehaviorEvents(ctx, batch)
	})
	if err != nil {
		return 0, eris.Wrap(err, "facts: append behavior events")
	}
	monitoring.FactsAppended.WithLabelValues("behavior").Add(float64(n))
	return n, nil
}

// SignalsAsOf returns the signals for ref visible at asOf. A nil kind means
// every kind. Without history, one fact per (entity, kind) is returned and
// expired facts are dropped.
//
// The entity match is exact: a player ref does not return pair rows.
func (s *Service) SignalsAsOf(ctx context.Context, ref model.EntityRef, kind *model.SignalKind, asOf time.Time, history bool) ([]model.SignalEvent, error) {
	if ref.Empty() {
		return nil, model.Invalid("entity", "player_id or club_id is required")
	}
	asOf = asOf.UTC()
	filter := store.SignalFilter{
		PlayerID: ref.PlayerID,
		ClubID:   ref.ClubID,
		Scope:    model.ScopeOf(ref),
		AsOf:     &asOf,
	}
	if kind != nil {
		filter.Kinds = []model.SignalKind{*kind}
	}
	rows, err := s.store.ListSignals(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "facts: signals as of")
	}
	return guard.FilterAsOf(rows, asOf, guard.FilterOptions{History: history}), nil
}

// PairSignalsAsOf returns, for one player and kind, the latest visible
// pair-scoped signal per club.
func (s *Service) PairSignalsAsOf(ctx context.Context, playerID string, kind model.SignalKind, asOf time.Time) ([]model.SignalEvent, error) {
	asOf = asOf.UTC()
	rows, err := s.store.ListSignals(ctx, store.SignalFilter{
		PlayerID: playerID,
		Scope:    model.ScopePair,
		Kinds:    []model.SignalKind{kind},
		AsOf:     &asOf,
	})
	if err != nil {
		return nil, eris.Wrap(err, "facts: pair signals as of")
	}
	return guard.FilterAsOf(rows, asOf, guard.FilterOptions{}), nil
}

// ClubSignalsAsOf returns the latest visible club-scoped signal of kind for
// every club that has one.
func (s *Service) ClubSignalsAsOf(ctx context.Context, kind model.SignalKind, asOf time.Time) (map[string]model.SignalEvent, error) {
	asOf = asOf.UTC()
	rows, err := s.store.ListSignals(ctx, store.SignalFilter{
		Scope: model.ScopeClub,
		Kinds: []model.SignalKind{kind},
		AsOf:  &asOf,
	})
	if err != nil {
		return nil, eris.Wrap(err, "facts: club signals as of")
	}
	out := make(map[string]model.SignalEvent)
	for _, sig := range guard.FilterAsOf(rows, asOf, guard.FilterOptions{}) {
		out[sig.ClubID] = sig
	}
	return out, nil
}

// LatestNumber returns the latest numeric value of kind for ref at asOf.
// Text and structured values count as absent.
func (s *Service) LatestNumber(ctx context.Context, ref model.EntityRef, kind model.SignalKind, asOf time.Time) (float64, bool, error) {
	sigs, err := s.SignalsAsOf(ctx, ref, &kind, asOf, false)
	if err != nil {
		return 0, false, err
	}
	for _, sig := range sigs {
		if err := guard.AssertNoLookahead(sig, asOf); err != nil {
			return 0, false, err
		}
		if v, ok := sig.Number(); ok {
			return v, true, nil
		}
	}
	return 0, false, nil
}
