// Package multisig coordinates the per-transaction commitment/sign/approve
// handshake among guards: a quorum jointly produces a signed transaction
// from an unsigned one plus partial contributions, without reconstructing a
// shared private key.
package multisig

import (
	"time"
)

// Session is the ephemeral, in-memory coordination state for one
// transaction, keyed by txId. It lives until completion or until the
// cleanup sweep discards it after the multi-sig timeout.
type Session struct {
	TxID            string
	CreateTime      time.Time
	RequiredSigners int

	// Commitments holds each contributing guard's first-round value, one
	// string per transaction input, indexed by guard position in the
	// membership. A recorded commitment must match byte-for-byte whatever a
	// signer later claims to have used.
	Commitments map[int][]string

	// CommitmentSigs holds the envelope signatures under which each
	// commitment arrived, for audit.
	CommitmentSigs map[int]string

	// Sign is populated once enough data is present to carry the actual
	// partial signature state.
	Sign *SignState
}

// SignState tracks signing progress for a session.
type SignState struct {
	Signed    []int  // guard indexes that contributed a real share
	Simulated []int  // placeholder indexes for non-participants
	TxBytes   []byte // serialized transaction with shares folded in so far
}

// Signed reports whether the guard index already contributed a share.
func (s *SignState) HasSigned(index int) bool {
	for _, i := range s.Signed {
		if i == index {
			return true
		}
	}
	return false
}

func newSession(txID string, requiredSigners int, now time.Time) *Session {
	return &Session{
		TxID:            txID,
		CreateTime:      now,
		RequiredSigners: requiredSigners,
		Commitments:     make(map[int][]string),
		CommitmentSigs:  make(map[int]string),
	}
}
