// Package transport abstracts the guards' message channel: named channels
// carrying opaque payloads, delivered to every subscriber (broadcast) or a
// single addressed peer. Authentication of payloads is the caller's job; the
// transport only moves bytes.
package transport

import "context"

// Handler receives payloads delivered on a subscribed channel.
type Handler func(ctx context.Context, sender string, payload []byte) error

// Channel is the message channel consumed by the guard protocol.
type Channel interface {
	// ID returns the local peer identifier.
	ID() string
	// ListenAddrs returns the addresses peers can dial.
	ListenAddrs() []string
	// Subscribe installs the handler for a named channel (one handler per channel).
	Subscribe(channel string, handler Handler) error
	// Send delivers a payload on a channel. An empty peerID broadcasts to all
	// known peers; otherwise delivery is direct.
	Send(ctx context.Context, channel string, payload []byte, peerID string) error
	// EnsurePeer lets the transport know how to reach a remote peer.
	EnsurePeer(peerID string, addrs []string) error
	// Close releases any underlying resources.
	Close() error
}

// WireMessage is the frame exchanged between transports: the channel name
// plus the opaque payload.
type WireMessage struct {
	Channel string `json:"channel"`
	Payload []byte `json:"payload"`
}
