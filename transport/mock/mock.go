// Package mock provides an in-memory message channel used by tests.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/bridgenet/guard-node/transport"
)

// Channel is a simple in-memory implementation of transport.Channel.
// Delivery is synchronous, which keeps test assertions deterministic.
type Channel struct {
	id        string
	handlerMu sync.RWMutex
	handlers  map[string]transport.Handler

	peersMu sync.RWMutex
	peers   map[string]*Channel
}

// New creates a mock channel with the given peer ID.
func New(id string) *Channel {
	return &Channel{
		id:       id,
		handlers: make(map[string]transport.Handler),
		peers:    make(map[string]*Channel),
	}
}

// Link connects two mock channels so they can exchange messages.
func Link(a, b *Channel) {
	a.peersMu.Lock()
	a.peers[b.id] = b
	a.peersMu.Unlock()

	b.peersMu.Lock()
	b.peers[a.id] = a
	b.peersMu.Unlock()
}

func (c *Channel) ID() string { return c.id }

func (c *Channel) ListenAddrs() []string { return []string{"mock://" + c.id} }

func (c *Channel) Subscribe(channel string, handler transport.Handler) error {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	if _, ok := c.handlers[channel]; ok {
		return fmt.Errorf("mock channel: handler already registered for %q", channel)
	}
	c.handlers[channel] = handler
	return nil
}

func (c *Channel) EnsurePeer(peerID string, _ []string) error {
	c.peersMu.Lock()
	defer c.peersMu.Unlock()
	if _, ok := c.peers[peerID]; !ok {
		return fmt.Errorf("mock channel: unknown peer %s", peerID)
	}
	return nil
}

func (c *Channel) Send(ctx context.Context, channel string, payload []byte, peerID string) error {
	c.peersMu.RLock()
	targets := make([]*Channel, 0, len(c.peers))
	if peerID != "" {
		target, ok := c.peers[peerID]
		if !ok {
			c.peersMu.RUnlock()
			return fmt.Errorf("mock channel: peer %s not linked", peerID)
		}
		targets = append(targets, target)
	} else {
		for _, target := range c.peers {
			targets = append(targets, target)
		}
	}
	c.peersMu.RUnlock()

	for _, target := range targets {
		target.handlerMu.RLock()
		handler := target.handlers[channel]
		target.handlerMu.RUnlock()
		if handler == nil {
			continue
		}
		if err := handler(ctx, c.id, payload); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) Close() error {
	return nil
}
