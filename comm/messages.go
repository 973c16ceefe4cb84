// Package comm defines the guard-to-guard wire protocol: the closed set of
// message kinds, the signed envelope that carries them, and the ordered
// guard public-key set used to resolve a sender to a guard index.
package comm

import (
	"crypto/rand"
	"encoding/hex"
)

// Channel names the guards subscribe to on the message channel.
const (
	ChannelMultisig  = "multisig"
	ChannelReprocess = "reprocess"
)

// Kind discriminates the message payload types. Payloads are decoded once at
// the channel boundary and matched exhaustively by the handlers.
type Kind string

const (
	KindRegister          Kind = "register"
	KindApprove           Kind = "approve"
	KindCommitment        Kind = "commitment"
	KindSign              Kind = "sign"
	KindReprocessRequest  Kind = "request"
	KindReprocessResponse Kind = "response"
)

// RegisterPayload announces or refreshes a guard's channel identity mapping.
// Sent on cold start and whenever the known public-key set changes; the
// receiver replies with its own register so both sides learn each other's
// current transport id.
type RegisterPayload struct {
	Index int    `json:"index"`
	Nonce string `json:"nonce"`
	MyID  string `json:"myId"`
}

// ApprovePayload is the liveness handshake: it confirms a peer is reachable
// and exchanges a freshly signed nonce against replay.
type ApprovePayload struct {
	Nonce       string `json:"nonce"`
	MyID        string `json:"myId"`
	NonceToSign string `json:"nonceToSign"`
}

// CommitmentPayload carries a guard's first-round contribution for a
// transaction: one commitment per transaction input.
type CommitmentPayload struct {
	TxID        string   `json:"txId"`
	Index       int      `json:"index"`
	Commitments []string `json:"commitments"`
}

// SignPayload carries one guard's aggregated view of the partial signature:
// the per-guard per-input commitments it believes were published, the guard
// indexes that really signed, the simulated placeholders for
// non-participants, and the serialized transaction so far.
type SignPayload struct {
	TxID        string           `json:"txId"`
	Commitments map[int][]string `json:"commitments"`
	Signed      []int            `json:"signed"`
	Simulated   []int            `json:"simulated"`
	TxBytes     string           `json:"tx"`
}

// ReprocessRequestPayload is a signed demand that the receiver re-queue a
// stuck event.
type ReprocessRequestPayload struct {
	RequestID string `json:"requestId"`
	EventID   string `json:"eventId"`
	Timestamp int64  `json:"timestamp"`
}

// ReprocessResponsePayload acknowledges a reprocess request. OK=false
// responses are logged by the requester but never recorded.
type ReprocessResponsePayload struct {
	RequestID string `json:"requestId"`
	EventID   string `json:"eventId"`
	OK        bool   `json:"ok"`
}

// RandomID returns a 16-byte random identifier in lowercase hex, used for
// reprocess request ids and handshake nonces.
func RandomID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(buf)
}
