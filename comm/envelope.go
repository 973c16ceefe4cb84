package comm

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// Envelope is the authenticated wrapper around every payload exchanged over
// the message channel. The signature covers channel, kind, payload, and
// timestamp, so an envelope cannot be replayed onto a different channel or
// rewrapped as a different kind.
type Envelope struct {
	Channel   string          `json:"channel"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	PublicKey string          `json:"publicKey"` // compressed secp256k1, lowercase hex
	Signature string          `json:"signature"` // 65-byte recoverable ECDSA, hex
}

// Signer seals outbound envelopes with the guard's secp256k1 identity key.
type Signer struct {
	key *ecdsa.PrivateKey
	pub string
}

// NewSigner creates a signer from a hex-encoded secp256k1 private key.
func NewSigner(privHex string) (*Signer, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privHex), "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse guard private key")
	}
	return &Signer{
		key: key,
		pub: hex.EncodeToString(ethcrypto.CompressPubkey(&key.PublicKey)),
	}, nil
}

// PublicKey returns the guard's compressed public key in lowercase hex.
func (s *Signer) PublicKey() string {
	return s.pub
}

// Seal marshals payload, signs it, and returns the serialized envelope.
func (s *Signer) Seal(channel string, kind Kind, payload any, timestamp int64) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal %s payload", kind)
	}

	digest := envelopeDigest(channel, kind, raw, timestamp)
	sig, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign envelope")
	}

	env := Envelope{
		Channel:   channel,
		Kind:      kind,
		Payload:   raw,
		Timestamp: timestamp,
		PublicKey: s.pub,
		Signature: hex.EncodeToString(sig),
	}
	out, err := json.Marshal(&env)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal envelope")
	}
	return out, nil
}

// OpenEnvelope parses and authenticates a received envelope. The sender must
// verify against its claimed key and belong to the current guard set; the
// returned index is the sender's position in the ordered membership.
func OpenEnvelope(data []byte, channel string, guards *GuardSet) (*Envelope, int, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, 0, errors.Wrap(err, "failed to unmarshal envelope")
	}
	if env.Channel != channel {
		return nil, 0, errors.Errorf("envelope channel %q does not match %q", env.Channel, channel)
	}

	sig, err := hex.DecodeString(env.Signature)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to decode envelope signature")
	}
	if len(sig) != ethcrypto.SignatureLength {
		return nil, 0, errors.Errorf("unexpected signature length %d", len(sig))
	}

	digest := envelopeDigest(env.Channel, env.Kind, env.Payload, env.Timestamp)
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to recover signer")
	}
	recovered := hex.EncodeToString(ethcrypto.CompressPubkey(pub))
	if recovered != strings.ToLower(env.PublicKey) {
		return nil, 0, errors.Errorf("signature does not match claimed key %s", env.PublicKey)
	}

	index, ok := guards.IndexOf(recovered)
	if !ok {
		return nil, 0, errors.Errorf("sender %s is not a known guard", recovered)
	}
	return &env, index, nil
}

func envelopeDigest(channel string, kind Kind, payload []byte, timestamp int64) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp))
	sep := []byte{0}
	return ethcrypto.Keccak256(
		[]byte(channel), sep,
		[]byte(kind), sep,
		payload, sep,
		ts[:],
	)
}
