// Package lifecycle owns the event state machine: it drives confirmed
// bridge events through their payment and reward phases, hands unsigned
// orders to the candidate resolver, and runs the timeout and requeue
// sweeps.
package lifecycle

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/bridgenet/guard-node/chains"
	"github.com/bridgenet/guard-node/eventstore"
	"github.com/bridgenet/guard-node/resolver"
	"github.com/bridgenet/guard-node/store"
)

// Manager advances events through their lifecycle. Candidate submission by
// itself never changes an event's status; only waiting/spent/terminal moves
// happen here.
type Manager struct {
	store    *eventstore.Store
	resolver *resolver.Resolver
	builders *chains.Registry
	notifier chains.Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

// NewManager creates a lifecycle manager.
func NewManager(
	st *eventstore.Store,
	res *resolver.Resolver,
	builders *chains.Registry,
	notifier chains.Notifier,
	logger zerolog.Logger,
) *Manager {
	if notifier == nil {
		notifier = chains.NopNotifier{}
	}
	return &Manager{
		store:    st,
		resolver: res,
		builders: builders,
		notifier: notifier,
		logger:   logger.With().Str("component", "event_lifecycle").Logger(),
		now:      time.Now,
	}
}

// Advance inspects an event's current status and drives it one step. The
// spent-box check runs first for every event: a backing box spent on-chain
// short-circuits normal progression.
func (m *Manager) Advance(ctx context.Context, event *store.Event) error {
	source, err := m.builders.Get(event.FromChain)
	if err != nil {
		return err
	}
	spent, err := source.IsEventBoxSpent(ctx, event)
	if err != nil {
		return errors.Wrapf(err, "failed to check box for event %s", event.EventID)
	}
	if spent {
		m.logger.Info().Str("event_id", event.EventID).Msg("backing box already spent, short-circuiting")
		return m.store.SetEventStatus(event.EventID, store.EventStatusSpent)
	}

	switch event.Status {
	case store.EventStatusPendingPayment:
		return m.advancePayment(ctx, event)
	case store.EventStatusPendingReward:
		return m.advanceReward(ctx, event)
	default:
		// waiting and in-flight states progress via sweeps and signing
		return nil
	}
}

func (m *Manager) advancePayment(ctx context.Context, event *store.Event) error {
	if err := m.store.MarkFirstTry(event.EventID, m.now().Unix()); err != nil {
		return err
	}

	target, err := m.builders.Get(event.ToChain)
	if err != nil {
		return err
	}
	candidate, err := target.BuildPaymentOrder(ctx, event)
	if errors.Is(err, chains.ErrNotEnoughAssets) {
		m.logger.Warn().Str("event_id", event.EventID).Msg("insufficient assets for payment, parking event")
		m.notifier.NotifyInsufficientAssets(event)
		return m.store.SetEventStatus(event.EventID, store.EventStatusPaymentWaiting)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to build payment order for event %s", event.EventID)
	}

	candidate.TxType = store.TxTypePayment
	candidate.Chain = event.ToChain
	return m.resolver.Submit(candidate, event)
}

func (m *Manager) advanceReward(ctx context.Context, event *store.Event) error {
	if err := m.store.MarkFirstTry(event.EventID, m.now().Unix()); err != nil {
		return err
	}

	source, err := m.builders.Get(event.FromChain)
	if err != nil {
		return err
	}
	candidate, err := source.BuildRewardOrder(ctx, event)
	if errors.Is(err, chains.ErrNotEnoughAssets) {
		m.logger.Warn().Str("event_id", event.EventID).Msg("insufficient assets for reward, parking event")
		m.notifier.NotifyInsufficientAssets(event)
		return m.store.SetEventStatus(event.EventID, store.EventStatusRewardWaiting)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to build reward order for event %s", event.EventID)
	}

	candidate.TxType = store.TxTypeReward
	candidate.Chain = event.FromChain
	return m.resolver.Submit(candidate, event)
}
