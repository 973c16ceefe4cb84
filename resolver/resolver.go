// Package resolver serializes concurrent candidate-transaction proposals and
// decides which one survives, keeping the at-most-one-active-candidate
// invariant per (event, txType) scope — or per chain for cold storage moves.
//
// The tie-break is deterministic and coordinator-free: among competing
// approved candidates the lexicographically lower txId wins. TxIds are
// content hashes, so guards that built the same economic transaction from
// the same chain state collapse onto the same id; the ordering only matters
// when guards observed slightly different input sets.
package resolver

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	guarderrors "github.com/bridgenet/guard-node/errors"
	"github.com/bridgenet/guard-node/eventstore"
	"github.com/bridgenet/guard-node/metrics"
	"github.com/bridgenet/guard-node/store"
)

// Resolver is the single decision point for candidate submission. All
// invocations pass through one mutex so the read-then-write decision is
// atomic; this is the only lock in the agreement core besides the
// per-session leases.
type Resolver struct {
	mu      sync.Mutex
	store   *eventstore.Store
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// New creates a resolver over the given store.
func New(st *eventstore.Store, m *metrics.Metrics, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:   st,
		metrics: m,
		logger:  logger.With().Str("component", "candidate_resolver").Logger(),
		now:     time.Now,
	}
}

// Submit resolves a locally or remotely produced candidate against the
// current scope state. ownerEvent must be nil exactly for cold storage
// candidates. Safe under arbitrary concurrent invocation.
//
// An ImpossibleBehaviorError return means more than one active candidate was
// found for the scope: the resolver's own exclusivity was bypassed, and the
// caller must surface it loudly rather than repair it.
func (r *Resolver) Submit(candidate *store.CandidateTransaction, ownerEvent *store.Event) error {
	if !isLowercaseHex(candidate.TxID) {
		return guarderrors.NewValidation("txId %q is not lowercase hex", candidate.TxID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		active []store.CandidateTransaction
		scope  string
		err    error
	)
	if candidate.TxType == store.TxTypeColdStorage {
		if ownerEvent != nil {
			return guarderrors.NewValidation("cold storage candidate %s must not reference an event", candidate.TxID)
		}
		scope = "chain " + candidate.Chain
		active, err = r.store.GetActiveCandidatesForChain(candidate.Chain)
	} else {
		if ownerEvent == nil {
			return guarderrors.NewValidation("%s candidate %s requires an owning event", candidate.TxType, candidate.TxID)
		}
		if _, err := r.store.GetEventByID(ownerEvent.EventID); err != nil {
			return err
		}
		scope = "event " + ownerEvent.EventID + "/" + candidate.TxType
		eventID := ownerEvent.EventID
		candidate.EventID = &eventID
		active, err = r.store.GetActiveCandidatesForEvent(ownerEvent.EventID, candidate.TxType)
	}
	if err != nil {
		return err
	}

	switch len(active) {
	case 0:
		candidate.Status = store.TxStatusApproved
		candidate.LastStatusUpdate = r.now().Unix()
		if err := r.store.InsertCandidate(candidate); err != nil {
			return err
		}
		r.metrics.IncCandidatesInserted()
		r.logger.Info().
			Str("tx_id", candidate.TxID).
			Str("scope", scope).
			Msg("approved new candidate")
		return nil

	case 1:
		return r.resolveAgainst(&active[0], candidate, scope)

	default:
		return guarderrors.NewImpossibleBehavior(
			"%d active candidates found for %s; exclusivity was bypassed", len(active), scope)
	}
}

// resolveAgainst applies the tie-break between the sole existing active
// candidate and the new proposal.
func (r *Resolver) resolveAgainst(existing *store.CandidateTransaction, candidate *store.CandidateTransaction, scope string) error {
	if existing.TxID == candidate.TxID {
		// A guard retrying its own already-agreed transaction after a
		// transient sign failure.
		r.logger.Info().
			Str("tx_id", candidate.TxID).
			Str("scope", scope).
			Msg("re-submission of agreed candidate, clearing sign failure flag")
		return r.store.ResetFailedFlag(candidate.TxID)
	}

	if existing.Status != store.TxStatusApproved {
		// Signing already started; a competing proposal now means a slow or
		// stale guard, not a conflict to resolve.
		r.metrics.IncCandidatesDropped()
		r.logger.Warn().
			Str("existing_tx_id", existing.TxID).
			Str("existing_status", existing.Status).
			Str("proposed_tx_id", candidate.TxID).
			Str("scope", scope).
			Msg("dropping proposal for scope already past approval")
		return nil
	}

	if candidate.TxID < existing.TxID {
		candidate.Status = store.TxStatusApproved
		candidate.LastStatusUpdate = r.now().Unix()
		if err := r.store.ReplaceCandidate(existing.TxID, candidate); err != nil {
			return err
		}
		r.metrics.IncCandidatesReplaced()
		r.logger.Info().
			Str("old_tx_id", existing.TxID).
			Str("new_tx_id", candidate.TxID).
			Str("scope", scope).
			Msg("replaced candidate with lower txId")
		return nil
	}

	r.metrics.IncCandidatesDropped()
	r.logger.Info().
		Str("existing_tx_id", existing.TxID).
		Str("proposed_tx_id", candidate.TxID).
		Str("scope", scope).
		Msg("dropping proposal, existing candidate has lower txId")
	return nil
}

// isLowercaseHex guards the assumption that byte-wise txId comparison equals
// numeric ordering.
func isLowercaseHex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
