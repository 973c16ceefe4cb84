// Package chains defines the per-chain collaborators the agreement core
// depends on. Building, serializing, and broadcasting concrete chain
// transactions lives behind these interfaces; the core only ever sees
// candidate transactions as opaque bytes plus a content-hash txId.
package chains

import (
	"context"

	"github.com/pkg/errors"

	"github.com/bridgenet/guard-node/store"
)

// ErrNotEnoughAssets is returned by order builders when the hot wallet
// cannot cover the order. The lifecycle manager parks the event in its
// waiting state and notifies operators.
var ErrNotEnoughAssets = errors.New("not enough assets to build order")

// Builder constructs unsigned candidate transactions for one chain.
type Builder interface {
	// Chain returns the chain this builder serves.
	Chain() string
	// BuildPaymentOrder builds the unsigned payment transaction for an event.
	BuildPaymentOrder(ctx context.Context, event *store.Event) (*store.CandidateTransaction, error)
	// BuildRewardOrder builds the unsigned watcher-reward transaction for an event.
	BuildRewardOrder(ctx context.Context, event *store.Event) (*store.CandidateTransaction, error)
	// IsEventBoxSpent reports whether the event's backing on-chain box has
	// already been spent, short-circuiting the lifecycle.
	IsEventBoxSpent(ctx context.Context, event *store.Event) (bool, error)
}

// Registry resolves builders by chain name.
type Registry struct {
	builders map[string]Builder
}

// NewRegistry creates a registry over the given builders.
func NewRegistry(builders ...Builder) *Registry {
	m := make(map[string]Builder, len(builders))
	for _, b := range builders {
		m[b.Chain()] = b
	}
	return &Registry{builders: m}
}

// Get returns the builder for a chain.
func (r *Registry) Get(chain string) (Builder, error) {
	b, ok := r.builders[chain]
	if !ok {
		return nil, errors.Errorf("no builder registered for chain %s", chain)
	}
	return b, nil
}

// Notifier reports operator-facing conditions; the health/alerting surface
// sits outside the agreement core.
type Notifier interface {
	NotifyInsufficientAssets(event *store.Event)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) NotifyInsufficientAssets(*store.Event) {}
