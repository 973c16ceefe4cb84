// Package guard assembles a running node from its parts: storage, the
// candidate resolver, the event lifecycle, the multi-sig coordinator, the
// reprocess arbiter, the peer channel, and the operator API.
package guard

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/bridgenet/guard-node/api"
	"github.com/bridgenet/guard-node/chains"
	"github.com/bridgenet/guard-node/comm"
	"github.com/bridgenet/guard-node/config"
	"github.com/bridgenet/guard-node/db"
	"github.com/bridgenet/guard-node/eventstore"
	"github.com/bridgenet/guard-node/lifecycle"
	"github.com/bridgenet/guard-node/metrics"
	"github.com/bridgenet/guard-node/multisig"
	"github.com/bridgenet/guard-node/reprocess"
	"github.com/bridgenet/guard-node/resolver"
	"github.com/bridgenet/guard-node/signerclient"
	"github.com/bridgenet/guard-node/store"
	"github.com/bridgenet/guard-node/transport"
	"github.com/bridgenet/guard-node/transport/libp2p"
)

// Options carries the deployment-specific collaborators. Builders register
// the chains this guard serves; Partial and Channel default to the HTTP
// signer client and the libp2p channel when nil.
type Options struct {
	Builders []chains.Builder
	Notifier chains.Notifier
	Partial  multisig.PartialSigner
	Channel  transport.Channel
}

// Node is a fully wired guard node.
type Node struct {
	cfg    config.Config
	logger zerolog.Logger

	database *db.DB
	store    *eventstore.Store
	metrics  *metrics.Metrics
	guards   *comm.GuardSet
	signer   *comm.Signer
	channel  transport.Channel

	resolver    *resolver.Resolver
	manager     *lifecycle.Manager
	sweeper     *lifecycle.Sweeper
	coordinator *multisig.Coordinator
	arbiter     *reprocess.Arbiter
	api         *api.Server

	cancel context.CancelFunc
}

// NewNode wires a guard node from configuration.
func NewNode(ctx context.Context, cfg config.Config, opts Options, logger zerolog.Logger) (*Node, error) {
	signer, err := comm.NewSigner(cfg.GuardPrivateKeyHex)
	if err != nil {
		return nil, err
	}
	guards := comm.NewGuardSet(cfg.GuardPublicKeys)
	if !guards.Contains(signer.PublicKey()) {
		return nil, errors.Errorf("own public key %s is not in guard_public_keys", signer.PublicKey())
	}

	database, err := db.OpenFileDB(filepath.Dir(cfg.DBPath), filepath.Base(cfg.DBPath), true)
	if err != nil {
		return nil, err
	}

	st := eventstore.NewStore(database.Client(), logger)
	m := metrics.New()
	res := resolver.New(st, m, logger)

	registry := chains.NewRegistry(opts.Builders...)
	manager := lifecycle.NewManager(st, res, registry, opts.Notifier, logger)
	sweeper := lifecycle.NewSweeper(lifecycle.SweeperConfig{
		Store:           st,
		Manager:         manager,
		Metrics:         m,
		ProcessInterval: time.Duration(cfg.ProcessIntervalSeconds) * time.Second,
		TimeoutInterval: time.Duration(cfg.TimeoutIntervalSeconds) * time.Second,
		RequeueInterval: time.Duration(cfg.RequeueIntervalSeconds) * time.Second,
		EventTimeout:    time.Duration(cfg.EventTimeoutSeconds) * time.Second,
		Logger:          logger,
	})

	channel := opts.Channel
	if channel == nil {
		channel, err = libp2p.New(ctx, libp2p.Config{
			PrivateKeyBase64: cfg.P2PPrivateKeyBase64,
			ListenAddrs:      cfg.P2PListenAddrs,
		}, logger)
		if err != nil {
			return nil, errors.Wrap(err, "failed to start guard channel")
		}
	}

	partial := opts.Partial
	if partial == nil {
		partial = signerclient.New(cfg.SignerURL, logger)
	}

	coordinator, err := multisig.NewCoordinator(multisig.Config{
		Store:           st,
		Guards:          guards,
		Signer:          signer,
		Partial:         partial,
		Channel:         channel,
		Metrics:         m,
		RequiredSigners: cfg.RequiredSigners,
		SessionTimeout:  time.Duration(cfg.SessionTimeoutSeconds) * time.Second,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	arbiter := reprocess.NewArbiter(
		st, signer, channel, guards, m,
		time.Duration(cfg.ReprocessCooldownSeconds)*time.Second,
		logger,
	)

	return &Node{
		cfg:         cfg,
		logger:      logger.With().Str("component", "guard_node").Logger(),
		database:    database,
		store:       st,
		metrics:     m,
		guards:      guards,
		signer:      signer,
		channel:     channel,
		resolver:    res,
		manager:     manager,
		sweeper:     sweeper,
		coordinator: coordinator,
		arbiter:     arbiter,
		api:         api.NewServer(cfg.APIPort, st, arbiter, res, m, logger),
	}, nil
}

// Start brings the node up: recover in-flight signing rounds, subscribe the
// protocol channels, dial configured peers, launch the background loops, and
// serve the operator API.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	requeued, err := n.store.RequeueInSignCandidates(time.Now().Unix())
	if err != nil {
		return err
	}
	if requeued > 0 {
		n.logger.Info().Int("candidates", requeued).Msg("requeued in-flight signing rounds from previous run")
	}

	if err := n.channel.Subscribe(comm.ChannelMultisig, n.handleMultisig); err != nil {
		return err
	}
	if err := n.channel.Subscribe(comm.ChannelReprocess, n.handleReprocess); err != nil {
		return err
	}

	for _, addr := range n.cfg.P2PPeerAddrs {
		peerID, ok := peerIDFromAddr(addr)
		if !ok {
			n.logger.Warn().Str("addr", addr).Msg("peer address has no /p2p/ component, skipping")
			continue
		}
		if err := n.channel.EnsurePeer(peerID, []string{addr}); err != nil {
			n.logger.Warn().Err(err).Str("addr", addr).Msg("failed to add peer")
		}
	}

	n.sweeper.Start(ctx)
	n.coordinator.StartCleanup(ctx, time.Duration(n.cfg.CleanupIntervalSeconds)*time.Second)
	go n.signLoop(ctx)

	if err := n.coordinator.Register(ctx); err != nil {
		// Peers may simply not be up yet; registration is re-paired on their
		// own register broadcasts.
		n.logger.Warn().Err(err).Msg("initial registration broadcast failed")
	}

	if err := n.api.Start(); err != nil {
		return err
	}

	n.logger.Info().
		Str("public_key", n.signer.PublicKey()).
		Int("guards", n.guards.Size()).
		Strs("listen", n.channel.ListenAddrs()).
		Msg("guard node started")
	return nil
}

// signLoop periodically feeds approved candidates into the multi-sig
// coordinator. Candidates flagged failed_in_sign wait for the flag to clear
// through re-agreement before another attempt.
func (n *Node) signLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(n.cfg.SignIntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			candidates, err := n.store.GetCandidatesByStatus(store.TxStatusApproved)
			if err != nil {
				n.logger.Error().Err(err).Msg("failed to query approved candidates")
				continue
			}
			for i := range candidates {
				candidate := &candidates[i]
				if candidate.FailedInSign {
					continue
				}
				if err := n.coordinator.InitiateSign(ctx, candidate.TxID); err != nil {
					n.logger.Error().Err(err).Str("tx_id", candidate.TxID).Msg("failed to initiate signing")
				}
			}
		}
	}
}

func (n *Node) handleMultisig(ctx context.Context, _ string, payload []byte) error {
	env, index, err := comm.OpenEnvelope(payload, comm.ChannelMultisig, n.guards)
	if err != nil {
		return err
	}
	return n.coordinator.HandleMessage(ctx, index, env)
}

func (n *Node) handleReprocess(ctx context.Context, sender string, payload []byte) error {
	env, index, err := comm.OpenEnvelope(payload, comm.ChannelReprocess, n.guards)
	if err != nil {
		return err
	}
	key, _ := n.guards.KeyAt(index)
	return n.arbiter.HandleMessage(ctx, key, sender, env)
}

// Stop shuts the node down in reverse start order.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	if err := n.api.Stop(); err != nil {
		n.logger.Warn().Err(err).Msg("failed to stop operator API")
	}
	if err := n.channel.Close(); err != nil {
		n.logger.Warn().Err(err).Msg("failed to close guard channel")
	}
	if err := n.database.Close(); err != nil {
		n.logger.Warn().Err(err).Msg("failed to close database")
	}
	n.logger.Info().Msg("guard node stopped")
}

// peerIDFromAddr extracts the peer id from a full multiaddr like
// /ip4/1.2.3.4/tcp/39400/p2p/<id>.
func peerIDFromAddr(addr string) (string, bool) {
	const marker = "/p2p/"
	idx := strings.LastIndex(addr, marker)
	if idx < 0 {
		return "", false
	}
	id := addr[idx+len(marker):]
	return id, id != ""
}
