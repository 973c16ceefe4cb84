// Package libp2p implements the guard message channel on top of libp2p
// streams with length-framed JSON frames.
package libp2p

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/rs/zerolog"

	"github.com/bridgenet/guard-node/transport"
)

// Config holds the libp2p channel settings.
type Config struct {
	// PrivateKeyBase64 is the node identity key; empty generates an ephemeral one.
	PrivateKeyBase64 string
	// ListenAddrs are multiaddrs to listen on.
	ListenAddrs []string
	// ProtocolID identifies the guard protocol on the wire.
	ProtocolID string
	// DialTimeout bounds connection and stream setup.
	DialTimeout time.Duration
	// IOTimeout bounds a single read or write.
	IOTimeout time.Duration
}

func (c *Config) setDefaults() {
	if len(c.ListenAddrs) == 0 {
		c.ListenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	}
	if c.ProtocolID == "" {
		c.ProtocolID = "/guard/agreement/1.0.0"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.IOTimeout == 0 {
		c.IOTimeout = 15 * time.Second
	}
}

// Channel implements transport.Channel on top of libp2p.
type Channel struct {
	cfg        Config
	host       host.Host
	protocolID protocol.ID

	handlerMu sync.RWMutex
	handlers  map[string]transport.Handler

	peerMu sync.RWMutex
	peers  map[string]peer.AddrInfo

	logger zerolog.Logger
}

// New creates a libp2p channel instance.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Channel, error) {
	cfg.setDefaults()

	priv, err := loadIdentity(cfg.PrivateKeyBase64)
	if err != nil {
		return nil, err
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
	)
	if err != nil {
		return nil, err
	}

	ch := &Channel{
		cfg:        cfg,
		host:       h,
		protocolID: protocol.ID(cfg.ProtocolID),
		handlers:   make(map[string]transport.Handler),
		peers:      make(map[string]peer.AddrInfo),
		logger:     logger.With().Str("component", "guard_channel_libp2p").Logger(),
	}

	h.SetStreamHandler(ch.protocolID, ch.handleStream)
	return ch, nil
}

// ID implements transport.Channel.
func (c *Channel) ID() string {
	return c.host.ID().String()
}

// ListenAddrs implements transport.Channel.
func (c *Channel) ListenAddrs() []string {
	addrs := c.host.Addrs()
	var filtered []string
	for _, addr := range addrs {
		if isUnspecified(addr) {
			continue
		}
		filtered = append(filtered, addr.String()+"/p2p/"+c.host.ID().String())
	}
	if len(filtered) == 0 {
		out := make([]string, len(addrs))
		for i, addr := range addrs {
			out[i] = addr.String() + "/p2p/" + c.host.ID().String()
		}
		return out
	}
	return filtered
}

// Subscribe implements transport.Channel.
func (c *Channel) Subscribe(channel string, handler transport.Handler) error {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	if _, exists := c.handlers[channel]; exists {
		return fmt.Errorf("libp2p channel: handler already registered for %q", channel)
	}
	c.handlers[channel] = handler
	return nil
}

// EnsurePeer implements transport.Channel.
func (c *Channel) EnsurePeer(peerID string, addrs []string) error {
	if peerID == "" || len(addrs) == 0 {
		return fmt.Errorf("libp2p channel: invalid peer info")
	}
	id, err := peer.Decode(peerID)
	if err != nil {
		return err
	}

	multiaddrs, err := normalizeAddrs(addrs, id)
	if err != nil {
		return err
	}

	c.peerMu.Lock()
	c.peers[peerID] = peer.AddrInfo{ID: id, Addrs: multiaddrs}
	c.peerMu.Unlock()
	return nil
}

// Send implements transport.Channel. An empty peerID broadcasts to every
// known peer; individual delivery failures are logged and do not abort the
// broadcast.
func (c *Channel) Send(ctx context.Context, channel string, payload []byte, peerID string) error {
	frame, err := json.Marshal(&transport.WireMessage{Channel: channel, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal wire message: %w", err)
	}

	if peerID != "" {
		return c.sendTo(ctx, peerID, frame)
	}

	c.peerMu.RLock()
	ids := make([]string, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	c.peerMu.RUnlock()

	var delivered int
	for _, id := range ids {
		if err := c.sendTo(ctx, id, frame); err != nil {
			c.logger.Warn().Err(err).Str("peer_id", id).Str("channel", channel).Msg("broadcast delivery failed")
			continue
		}
		delivered++
	}
	if delivered == 0 && len(ids) > 0 {
		return fmt.Errorf("broadcast on %q reached none of %d peers", channel, len(ids))
	}
	return nil
}

// Close implements transport.Channel.
func (c *Channel) Close() error {
	return c.host.Close()
}

func (c *Channel) sendTo(ctx context.Context, peerID string, frame []byte) error {
	info, err := c.lookupPeer(peerID)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	// libp2p reuses existing connections
	if err := c.host.Connect(dialCtx, info); err != nil {
		return fmt.Errorf("failed to connect to peer %s: %w", peerID, err)
	}

	streamCtx, streamCancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer streamCancel()

	stream, err := c.host.NewStream(streamCtx, info.ID, c.protocolID)
	if err != nil {
		return fmt.Errorf("failed to create stream to peer %s: %w", peerID, err)
	}
	defer stream.Close()

	deadline := time.Now().Add(c.cfg.IOTimeout)
	if err := stream.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	if err := writeFramed(stream, frame); err != nil {
		return fmt.Errorf("failed to write payload to peer %s: %w", peerID, err)
	}
	return nil
}

func (c *Channel) lookupPeer(peerID string) (peer.AddrInfo, error) {
	c.peerMu.RLock()
	info, ok := c.peers[peerID]
	c.peerMu.RUnlock()
	if !ok {
		return peer.AddrInfo{}, fmt.Errorf("libp2p channel: unknown peer %s", peerID)
	}
	return info, nil
}

func (c *Channel) handleStream(stream network.Stream) {
	defer stream.Close()

	_ = stream.SetReadDeadline(time.Now().Add(c.cfg.IOTimeout))

	frame, err := readFramed(stream)
	if err != nil {
		c.logger.Warn().Err(err).Msg("libp2p read failed")
		return
	}

	var msg transport.WireMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		c.logger.Warn().Err(err).Msg("malformed wire message")
		return
	}

	c.handlerMu.RLock()
	handler := c.handlers[msg.Channel]
	c.handlerMu.RUnlock()
	if handler == nil {
		c.logger.Debug().Str("channel", msg.Channel).Msg("no subscriber for channel")
		return
	}

	sender := stream.Conn().RemotePeer().String()
	go func() {
		if err := handler(context.Background(), sender, msg.Payload); err != nil {
			c.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("channel handler error")
		}
	}()
}

func loadIdentity(base64Key string) (crypto.PrivKey, error) {
	if base64Key == "" {
		priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
		return priv, err
	}
	raw, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, err
	}
	return crypto.UnmarshalPrivateKey(raw)
}

func writeFramed(w io.Writer, payload []byte) error {
	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.BigEndian, uint32(len(payload))); err != nil {
		return err
	}
	if _, err := bw.Write(payload); err != nil {
		return err
	}
	return bw.Flush()
}

func readFramed(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(r)
	var length uint32
	if err := binary.Read(br, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func normalizeAddrs(raw []string, expected peer.ID) ([]ma.Multiaddr, error) {
	var results []ma.Multiaddr
	for _, addr := range raw {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		maddr, err := ma.NewMultiaddr(addr)
		if err != nil {
			return nil, err
		}
		if _, err := maddr.ValueForProtocol(ma.P_P2P); err == nil {
			info, err := peer.AddrInfoFromP2pAddr(maddr)
			if err != nil {
				return nil, err
			}
			if info.ID != expected {
				return nil, fmt.Errorf("multiaddr peer mismatch: expected %s got %s", expected, info.ID)
			}
			results = append(results, info.Addrs...)
			continue
		}
		results = append(results, maddr)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("no usable addresses provided")
	}
	return results, nil
}

func isUnspecified(addr ma.Multiaddr) bool {
	if ip, err := manet.ToIP(addr); err == nil {
		return ip.IsUnspecified()
	}
	return false
}
