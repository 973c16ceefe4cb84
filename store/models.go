// Package store contains the GORM-backed SQLite models persisted by a guard
// node: bridge events, candidate transactions, and reprocess bookkeeping.
//
// Database structure (single file guard.db):
//
//	guard.db
//	├── events
//	├── candidate_transactions
//	├── reprocess_requests
//	└── reprocess_acceptances
package store

import (
	"gorm.io/gorm"
)

// Event statuses. An event holds exactly one status at a time and is only
// mutated by the lifecycle manager or the reprocess arbiter.
const (
	EventStatusPendingPayment = "pendingPayment"
	EventStatusPaymentWaiting = "paymentWaiting"
	EventStatusInPayment      = "inPayment"
	EventStatusPendingReward  = "pendingReward"
	EventStatusRewardWaiting  = "rewardWaiting"
	EventStatusInReward       = "inReward"
	EventStatusSpent          = "spent"
	EventStatusCompleted      = "completed"
	EventStatusRejected       = "rejected"
	EventStatusTimeout        = "timeout"
)

// Candidate transaction types.
const (
	TxTypePayment     = "payment"
	TxTypeReward      = "reward"
	TxTypeColdStorage = "coldStorage"
	TxTypeManual      = "manual"
	TxTypeArbitrary   = "arbitrary"
)

// Candidate transaction statuses.
const (
	TxStatusApproved  = "approved"
	TxStatusInSign    = "inSign"
	TxStatusSigned    = "signed"
	TxStatusSent      = "sent"
	TxStatusCompleted = "completed"
	TxStatusInvalid   = "invalid"
)

// Reprocess acceptance statuses.
const (
	AcceptanceStatusPending  = "pending"
	AcceptanceStatusAccepted = "accepted"
)

// Event tracks a detected cross-chain transfer request. The EventID is a
// content hash of the immutable fields, so the row is append-only apart
// from Status and FirstTry.
type Event struct {
	gorm.Model
	EventID            string `gorm:"uniqueIndex;not null"` // content-derived id
	FromChain          string `gorm:"index"`
	ToChain            string
	FromAddress        string
	ToAddress          string
	Amount             string
	BridgeFee          string
	NetworkFee         string
	SourceChainTokenID string
	TargetChainTokenID string
	SourceTxID         string
	SourceBlockID      string
	SourceChainHeight  uint64
	WIDs               string // comma-joined watcher ids that attested the event
	Height             uint64 // height at which this guard detected the event
	Status             string `gorm:"index;not null"`
	FirstTry           int64  // unix seconds of first entry into a pending state, 0 until set
}

// CandidateTransaction is a proposed, possibly partially-signed transaction
// for an event (or a chain, for cold storage moves). At most one candidate
// per (event, txType) scope may be active; the resolver enforces this, not
// the schema.
type CandidateTransaction struct {
	gorm.Model
	TxID             string `gorm:"uniqueIndex;not null"` // content hash of the serialized tx
	TxType           string `gorm:"index;not null"`
	Chain            string `gorm:"index;not null"`
	Status           string `gorm:"index;not null"`
	TxBytes          []byte // serialized unsigned or partially signed transaction
	LastCheck        uint64 // height of the last on-chain status check
	LastStatusUpdate int64  // unix seconds
	FailedInSign     bool
	SignFailedCount  int
	EventID          *string `gorm:"index"` // nil only for cold storage candidates
}

// ReprocessRequest records one signed demand (ours or a peer's) to re-queue
// an event. Rows are never mutated; acceptances are appended separately.
type ReprocessRequest struct {
	gorm.Model
	RequestID   string `gorm:"index;not null"` // random per-request id
	EventID     string `gorm:"index;not null"`
	RequesterID string `gorm:"index;not null"` // requesting guard's public key, lowercase hex
	Timestamp   int64  // unix seconds, drives the per-guard cooldown
}

// ReprocessAcceptance tracks which peers accepted one of our reprocess
// requests. Upserts on (request_id, peer_id) keep response handling
// idempotent.
type ReprocessAcceptance struct {
	gorm.Model
	RequestID string `gorm:"uniqueIndex:idx_request_peer;not null"`
	PeerID    string `gorm:"uniqueIndex:idx_request_peer;not null"`
	Status    string `gorm:"not null"`
}
