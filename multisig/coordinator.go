package multisig

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/bridgenet/guard-node/comm"
	guarderrors "github.com/bridgenet/guard-node/errors"
	"github.com/bridgenet/guard-node/eventstore"
	"github.com/bridgenet/guard-node/metrics"
	"github.com/bridgenet/guard-node/store"
	"github.com/bridgenet/guard-node/transport"
)

// PartialSigner is the external threshold-signing process, reached as a
// black box. Commit produces this guard's first-round per-input values for
// a transaction; Sign folds this guard's signature share into the
// serialized transaction given the agreed commitments.
type PartialSigner interface {
	Commit(ctx context.Context, txBytes []byte) ([]string, error)
	Sign(ctx context.Context, txBytes []byte, commitments map[int][]string, signed, simulated []int) ([]byte, error)
}

// Coordinator drives the per-transaction multi-sig handshake: it reacts to
// register/approve/commitment/sign messages, maintains the session arena,
// and sweeps expired sessions.
type Coordinator struct {
	arena   *Arena
	store   *eventstore.Store
	guards  *comm.GuardSet
	signer  *comm.Signer
	partial PartialSigner
	channel transport.Channel
	metrics *metrics.Metrics
	logger  zerolog.Logger

	requiredSigners int
	sessionTimeout  time.Duration
	now             func() time.Time

	mu      sync.RWMutex
	myIndex int
	peerIDs map[int]string // guard index -> transport peer id, learned from register
}

// Config bundles the coordinator dependencies.
type Config struct {
	Arena           *Arena
	Store           *eventstore.Store
	Guards          *comm.GuardSet
	Signer          *comm.Signer
	Partial         PartialSigner
	Channel         transport.Channel
	Metrics         *metrics.Metrics
	RequiredSigners int
	SessionTimeout  time.Duration
	Logger          zerolog.Logger
}

// NewCoordinator creates a multi-sig coordinator. The guard's own index is
// derived from its public key's position in the ordered membership.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	index, ok := cfg.Guards.IndexOf(cfg.Signer.PublicKey())
	if !ok {
		return nil, errors.Errorf("own public key %s is not in the guard set", cfg.Signer.PublicKey())
	}
	arena := cfg.Arena
	if arena == nil {
		arena = NewArena()
	}
	return &Coordinator{
		arena:           arena,
		store:           cfg.Store,
		guards:          cfg.Guards,
		signer:          cfg.Signer,
		partial:         cfg.Partial,
		channel:         cfg.Channel,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger.With().Str("component", "multisig_coordinator").Logger(),
		requiredSigners: cfg.RequiredSigners,
		sessionTimeout:  cfg.SessionTimeout,
		now:             time.Now,
		myIndex:         index,
		peerIDs:         make(map[int]string),
	}, nil
}

// MyIndex returns this guard's index in the current membership.
func (c *Coordinator) MyIndex() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.myIndex
}

// HandleMessage routes an authenticated multi-sig envelope. senderIndex is
// the sender's verified position in the guard set. Malformed payloads are
// reported as errors for the dispatcher to log; they never crash handling.
func (c *Coordinator) HandleMessage(ctx context.Context, senderIndex int, env *comm.Envelope) error {
	switch env.Kind {
	case comm.KindRegister:
		var p comm.RegisterPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return errors.Wrap(err, "malformed register payload")
		}
		return c.handleRegister(ctx, senderIndex, &p)
	case comm.KindApprove:
		var p comm.ApprovePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return errors.Wrap(err, "malformed approve payload")
		}
		return c.handleApprove(ctx, senderIndex, &p)
	case comm.KindCommitment:
		var p comm.CommitmentPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return errors.Wrap(err, "malformed commitment payload")
		}
		return c.handleCommitment(ctx, senderIndex, env.Signature, &p)
	case comm.KindSign:
		var p comm.SignPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return errors.Wrap(err, "malformed sign payload")
		}
		return c.handleSign(ctx, senderIndex, &p)
	default:
		return errors.Errorf("unexpected multisig message kind %q", env.Kind)
	}
}

// Register broadcasts this guard's channel identity to all peers. Called on
// cold start and after membership rotation.
func (c *Coordinator) Register(ctx context.Context) error {
	return c.send(ctx, comm.KindRegister, &comm.RegisterPayload{
		Index: c.MyIndex(),
		Nonce: comm.RandomID(),
		MyID:  c.channel.ID(),
	}, "")
}

// HandlePublicKeysChange reacts to membership rotation: the guard's own
// index is recomputed within the new ordered set and registration is
// re-broadcast. In-flight sessions are not migrated; they complete under
// the old view or expire.
func (c *Coordinator) HandlePublicKeysChange(ctx context.Context, keys []string) error {
	if !c.guards.Update(keys) {
		return nil
	}
	index, ok := c.guards.IndexOf(c.signer.PublicKey())
	if !ok {
		return errors.New("own public key removed from guard set")
	}

	c.mu.Lock()
	c.myIndex = index
	c.peerIDs = make(map[int]string)
	c.mu.Unlock()

	c.logger.Info().Int("index", index).Int("guards", c.guards.Size()).Msg("guard membership rotated")
	return c.Register(ctx)
}

// InitiateSign starts the signing round for an approved candidate: compute
// our per-input commitments, record them in the session, move the candidate
// to inSign, and broadcast the commitment message.
func (c *Coordinator) InitiateSign(ctx context.Context, txID string) error {
	candidate, err := c.store.GetCandidateByTxID(txID)
	if err != nil {
		return err
	}
	if candidate.Status != store.TxStatusApproved && candidate.Status != store.TxStatusInSign {
		return guarderrors.NewValidation("candidate %s is %s, not signable", txID, candidate.Status)
	}

	myIndex := c.MyIndex()
	commitments, err := c.partial.Commit(ctx, candidate.TxBytes)
	if err != nil {
		return errors.Wrapf(err, "failed to compute commitments for %s", txID)
	}

	err = c.arena.WithSession(txID, c.requiredSigners, func(sess *Session) error {
		sess.Commitments[myIndex] = commitments
		return nil
	})
	if err != nil {
		return err
	}

	if err := c.store.SetCandidateStatus(txID, store.TxStatusInSign, c.now().Unix()); err != nil {
		return err
	}

	return c.send(ctx, comm.KindCommitment, &comm.CommitmentPayload{
		TxID:        txID,
		Index:       myIndex,
		Commitments: commitments,
	}, "")
}

// StartCleanup runs the periodic sweep discarding sessions older than the
// multi-sig timeout. Callers re-initiate signing for swept transactions
// from scratch; no cancel message is sent to peers.
func (c *Coordinator) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := c.arena.Sweep(c.sessionTimeout)
				c.metrics.AddSessionsExpired(removed)
				c.metrics.SetActiveSessions(c.arena.Len())
				if removed > 0 {
					c.logger.Info().Int("removed", removed).Msg("swept expired multisig sessions")
				}
			}
		}
	}()
}

func (c *Coordinator) handleRegister(ctx context.Context, senderIndex int, p *comm.RegisterPayload) error {
	if p.Index != senderIndex {
		return errors.Errorf("register claims index %d but sender verifies as %d", p.Index, senderIndex)
	}

	c.mu.Lock()
	changed := c.peerIDs[senderIndex] != p.MyID
	c.peerIDs[senderIndex] = p.MyID
	c.mu.Unlock()

	c.logger.Debug().Int("guard", senderIndex).Str("peer_id", p.MyID).Msg("registered peer identity")

	// Pair the registration so both sides learn each other's current
	// transport id. Replying only on fresh information terminates the
	// exchange.
	if !changed {
		return nil
	}
	return c.send(ctx, comm.KindRegister, &comm.RegisterPayload{
		Index: c.MyIndex(),
		Nonce: comm.RandomID(),
		MyID:  c.channel.ID(),
	}, p.MyID)
}

func (c *Coordinator) handleApprove(ctx context.Context, senderIndex int, p *comm.ApprovePayload) error {
	c.mu.Lock()
	c.peerIDs[senderIndex] = p.MyID
	c.mu.Unlock()

	// A set nonceToSign is a liveness probe; echo it back freshly signed
	// (the envelope signature is the proof). An empty one is the reply.
	if p.NonceToSign == "" {
		c.logger.Debug().Int("guard", senderIndex).Msg("peer confirmed reachable")
		return nil
	}
	return c.send(ctx, comm.KindApprove, &comm.ApprovePayload{
		Nonce: p.NonceToSign,
		MyID:  c.channel.ID(),
	}, p.MyID)
}

func (c *Coordinator) handleCommitment(ctx context.Context, senderIndex int, envelopeSig string, p *comm.CommitmentPayload) error {
	if p.Index != senderIndex {
		return errors.Errorf("commitment claims index %d but sender verifies as %d", p.Index, senderIndex)
	}

	var reachedThreshold bool
	err := c.arena.WithSession(p.TxID, c.requiredSigners, func(sess *Session) error {
		if existing, ok := sess.Commitments[senderIndex]; ok {
			if !equalCommitments(existing, p.Commitments) {
				return &guarderrors.CommitmentMismatchError{TxID: p.TxID, GuardIndex: senderIndex, Input: firstDivergence(existing, p.Commitments)}
			}
		} else {
			sess.Commitments[senderIndex] = p.Commitments
			sess.CommitmentSigs[senderIndex] = envelopeSig
		}
		// Re-checking on an identical redelivery lets a guard whose share
		// generation failed transiently retry without waiting for the session
		// to expire; generateSign is a no-op once the share exists.
		reachedThreshold = len(sess.Commitments) >= sess.RequiredSigners
		return nil
	})
	if err != nil {
		return err
	}
	c.metrics.SetActiveSessions(c.arena.Len())

	if !reachedThreshold {
		return nil
	}
	return c.generateSign(ctx, p.TxID)
}

// generateSign computes and broadcasts this guard's own signature share once
// the commitment threshold is reached.
func (c *Coordinator) generateSign(ctx context.Context, txID string) error {
	candidate, err := c.store.GetCandidateByTxID(txID)
	if err != nil {
		if guarderrors.IsNotFound(err) {
			// Another guard is signing a transaction we never agreed to; the
			// session exists but there is nothing for us to sign.
			c.logger.Warn().Str("tx_id", txID).Msg("commitment threshold for unknown candidate, not contributing")
			return nil
		}
		return err
	}

	myIndex := c.MyIndex()
	var payload *comm.SignPayload
	err = c.arena.WithSession(txID, c.requiredSigners, func(sess *Session) error {
		if sess.Sign != nil && sess.Sign.HasSigned(myIndex) {
			return nil
		}

		if _, ok := sess.Commitments[myIndex]; !ok {
			// We were asked to help sign without having committed yet.
			commitments, err := c.partial.Commit(ctx, candidate.TxBytes)
			if err != nil {
				return errors.Wrapf(err, "failed to compute commitments for %s", txID)
			}
			sess.Commitments[myIndex] = commitments
		}

		signed := []int{myIndex}
		simulated := simulatedIndexes(sess.Commitments, c.guards.Size())
		txBytes, err := c.partial.Sign(ctx, candidate.TxBytes, sess.Commitments, signed, simulated)
		if err != nil {
			return errors.Wrapf(err, "failed to produce signature share for %s", txID)
		}

		sess.Sign = &SignState{Signed: signed, Simulated: simulated, TxBytes: txBytes}
		payload = &comm.SignPayload{
			TxID:        txID,
			Commitments: copyCommitments(sess.Commitments),
			Signed:      signed,
			Simulated:   simulated,
			TxBytes:     hex.EncodeToString(txBytes),
		}
		return nil
	})
	if err != nil {
		if markErr := c.store.MarkSignFailure(txID); markErr != nil {
			c.logger.Warn().Err(markErr).Str("tx_id", txID).Msg("failed to record sign failure")
		}
		return err
	}
	if payload == nil {
		return nil
	}

	if err := c.store.SetCandidateStatus(txID, store.TxStatusInSign, c.now().Unix()); err != nil && !guarderrors.IsNotFound(err) {
		c.logger.Warn().Err(err).Str("tx_id", txID).Msg("failed to move candidate to inSign")
	}
	return c.send(ctx, comm.KindSign, payload, "")
}

func (c *Coordinator) handleSign(ctx context.Context, senderIndex int, p *comm.SignPayload) error {
	if !containsIndex(p.Signed, senderIndex) {
		return errors.Errorf("sign payload from guard %d does not include its own share", senderIndex)
	}
	txBytes, err := hex.DecodeString(p.TxBytes)
	if err != nil {
		return errors.Wrap(err, "malformed sign payload transaction bytes")
	}

	myIndex := c.MyIndex()
	var (
		rebroadcast *comm.SignPayload
		finalized   bool
	)
	err = c.arena.WithSession(p.TxID, c.requiredSigners, func(sess *Session) error {
		// Integrity first: every commitment the payload claims must match
		// what this session recorded, and every contributor this session
		// knows about must appear unchanged in the payload. Any divergence
		// rejects the payload outright, before any state is touched.
		if err := verifySignedPayload(sess, p); err != nil {
			return err
		}

		for index, commitments := range p.Commitments {
			if _, ok := sess.Commitments[index]; !ok {
				sess.Commitments[index] = commitments
			}
		}

		// Only the payload's lists describe p.TxBytes. A share this guard
		// folded into its own earlier broadcast lives in different transaction
		// bytes and cannot vouch for these, so the session's previous Sign
		// state never counts toward this threshold.
		signed := mergeIndexes(nil, p.Signed)
		simulated := mergeIndexes(nil, p.Simulated)

		contributed := false
		if !containsIndex(signed, myIndex) {
			next, err := c.partial.Sign(ctx, txBytes, sess.Commitments, signed, simulated)
			if err != nil {
				return errors.Wrapf(err, "failed to contribute signature share for %s", p.TxID)
			}
			txBytes = next
			signed = mergeIndexes(signed, []int{myIndex})
			contributed = true
		}

		sess.Sign = &SignState{Signed: signed, Simulated: simulated, TxBytes: txBytes}

		if len(signed) >= sess.RequiredSigners {
			finalized = true
			return nil
		}
		// Forwarding a payload we added nothing to would just echo it back
		// and forth between guards.
		if !contributed {
			return nil
		}
		rebroadcast = &comm.SignPayload{
			TxID:        p.TxID,
			Commitments: copyCommitments(sess.Commitments),
			Signed:      signed,
			Simulated:   simulated,
			TxBytes:     hex.EncodeToString(txBytes),
		}
		return nil
	})
	if err != nil {
		if guarderrors.IsCommitmentMismatch(err) {
			// Equivocation or tamper: abort this sign attempt only. A correct
			// contributor can retry against the intact session.
			c.logger.Warn().Err(err).Int("guard", senderIndex).Msg("rejected sign payload")
			if markErr := c.store.MarkSignFailure(p.TxID); markErr != nil && !guarderrors.IsNotFound(markErr) {
				c.logger.Warn().Err(markErr).Str("tx_id", p.TxID).Msg("failed to record sign failure")
			}
		}
		return err
	}

	if finalized {
		return c.finalize(p.TxID)
	}
	if rebroadcast != nil {
		if err := c.store.SetCandidateStatus(p.TxID, store.TxStatusInSign, c.now().Unix()); err != nil && !guarderrors.IsNotFound(err) {
			c.logger.Warn().Err(err).Str("tx_id", p.TxID).Msg("failed to move candidate to inSign")
		}
		return c.send(ctx, comm.KindSign, rebroadcast, "")
	}
	return nil
}

// finalize marks the candidate fully signed once the threshold of real
// shares is met.
func (c *Coordinator) finalize(txID string) error {
	if err := c.store.SetCandidateStatus(txID, store.TxStatusSigned, c.now().Unix()); err != nil {
		if guarderrors.IsNotFound(err) {
			c.logger.Warn().Str("tx_id", txID).Msg("signed a transaction with no local candidate row")
			return nil
		}
		return err
	}
	c.logger.Info().Str("tx_id", txID).Msg("transaction fully signed")
	return nil
}

// verifySignedPayload enforces the commitment integrity check: claimed
// per-input commitments must equal, byte-for-byte, what the session stored
// for guards that already contributed, and contributors the session knows
// about may not be silently dropped or altered.
func verifySignedPayload(sess *Session, p *comm.SignPayload) error {
	for index, claimed := range p.Commitments {
		stored, ok := sess.Commitments[index]
		if !ok {
			continue
		}
		if !equalCommitments(stored, claimed) {
			return &guarderrors.CommitmentMismatchError{
				TxID:       p.TxID,
				GuardIndex: index,
				Input:      firstDivergence(stored, claimed),
			}
		}
	}
	for index := range sess.Commitments {
		if containsIndex(p.Signed, index) {
			if _, ok := p.Commitments[index]; !ok {
				return &guarderrors.CommitmentMismatchError{TxID: p.TxID, GuardIndex: index, Input: 0}
			}
		}
	}
	return nil
}

// send seals payload into a signed envelope and delivers it. An empty
// peerID broadcasts.
func (c *Coordinator) send(ctx context.Context, kind comm.Kind, payload any, peerID string) error {
	data, err := c.signer.Seal(comm.ChannelMultisig, kind, payload, c.now().Unix())
	if err != nil {
		return err
	}
	return c.channel.Send(ctx, comm.ChannelMultisig, data, peerID)
}

func equalCommitments(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func firstDivergence(a, b []string) int {
	for i := range a {
		if i >= len(b) || a[i] != b[i] {
			return i
		}
	}
	return len(a)
}

func containsIndex(list []int, index int) bool {
	for _, i := range list {
		if i == index {
			return true
		}
	}
	return false
}

func mergeIndexes(a, b []int) []int {
	out := append([]int(nil), a...)
	for _, i := range b {
		if !containsIndex(out, i) {
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}

func simulatedIndexes(commitments map[int][]string, guardCount int) []int {
	var out []int
	for i := 0; i < guardCount; i++ {
		if _, ok := commitments[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}

func copyCommitments(src map[int][]string) map[int][]string {
	out := make(map[int][]string, len(src))
	for k, v := range src {
		out[k] = append([]string(nil), v...)
	}
	return out
}
