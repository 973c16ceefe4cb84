package multisig

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgenet/guard-node/comm"
	"github.com/bridgenet/guard-node/db"
	guarderrors "github.com/bridgenet/guard-node/errors"
	"github.com/bridgenet/guard-node/eventstore"
	"github.com/bridgenet/guard-node/store"
	"github.com/bridgenet/guard-node/transport/mock"
)

// fakePartial is a stand-in for the external signing process: deterministic
// commitments and a share "signature" that appends one byte per contributor.
// signErrs makes that many leading Sign calls fail.
type fakePartial struct {
	name     string
	signErrs int
}

func (f *fakePartial) Commit(_ context.Context, txBytes []byte) ([]string, error) {
	return []string{"commit-" + f.name + "-" + hex.EncodeToString(txBytes)}, nil
}

func (f *fakePartial) Sign(_ context.Context, txBytes []byte, _ map[int][]string, signed, _ []int) ([]byte, error) {
	if f.signErrs > 0 {
		f.signErrs--
		return nil, errors.New("signer process unavailable")
	}
	out := append([]byte(nil), txBytes...)
	return append(out, byte(len(signed))), nil
}

type testGuard struct {
	signer  *comm.Signer
	guards  *comm.GuardSet
	store   *eventstore.Store
	channel *mock.Channel
	partial *fakePartial
	coord   *Coordinator
}

func newSignerKey(t *testing.T) (*comm.Signer, string) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	signer, err := comm.NewSigner(hex.EncodeToString(ethcrypto.FromECDSA(key)))
	require.NoError(t, err)
	return signer, signer.PublicKey()
}

func newTestGuard(t *testing.T, name string, signer *comm.Signer, keys []string, required int) *testGuard {
	t.Helper()
	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	g := &testGuard{
		signer:  signer,
		guards:  comm.NewGuardSet(keys),
		store:   eventstore.NewStore(database.Client(), zerolog.Nop()),
		channel: mock.New(name),
		partial: &fakePartial{name: name},
	}
	g.coord, err = NewCoordinator(Config{
		Store:           g.store,
		Guards:          g.guards,
		Signer:          signer,
		Partial:         g.partial,
		Channel:         g.channel,
		RequiredSigners: required,
		SessionTimeout:  0,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, err)
	return g
}

func (g *testGuard) subscribe(t *testing.T) {
	t.Helper()
	require.NoError(t, g.channel.Subscribe(comm.ChannelMultisig, func(ctx context.Context, _ string, payload []byte) error {
		env, index, err := comm.OpenEnvelope(payload, comm.ChannelMultisig, g.guards)
		if err != nil {
			return err
		}
		return g.coord.HandleMessage(ctx, index, env)
	}))
}

func seedCandidate(t *testing.T, st *eventstore.Store, txID string, txBytes []byte) {
	t.Helper()
	require.NoError(t, st.InsertCandidate(&store.CandidateTransaction{
		TxID:    txID,
		TxType:  store.TxTypePayment,
		Chain:   "cardano",
		Status:  store.TxStatusApproved,
		TxBytes: txBytes,
	}))
}

func rawEnvelope(t *testing.T, kind comm.Kind, payload any) *comm.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &comm.Envelope{Channel: comm.ChannelMultisig, Kind: kind, Payload: raw}
}

func TestTwoGuardSigningRound(t *testing.T) {
	ctx := context.Background()
	signerA, keyA := newSignerKey(t)
	signerB, keyB := newSignerKey(t)
	keys := []string{keyA, keyB}

	a := newTestGuard(t, "A", signerA, keys, 2)
	b := newTestGuard(t, "B", signerB, keys, 2)
	a.subscribe(t)
	b.subscribe(t)
	mock.Link(a.channel, b.channel)

	txBytes := []byte{0xde, 0xad}
	seedCandidate(t, a.store, "aa01", txBytes)
	seedCandidate(t, b.store, "aa01", txBytes)

	// Mock delivery is synchronous: the commitment reaches B, B contributes
	// its own commitment and share, and A folds in its share and finalizes,
	// all before InitiateSign returns.
	require.NoError(t, a.coord.InitiateSign(ctx, "aa01"))

	signed, err := a.store.GetCandidateByTxID("aa01")
	require.NoError(t, err)
	assert.Equal(t, store.TxStatusSigned, signed.Status)

	// B broadcast the payload that completed the round but never saw the
	// finished transaction come back.
	pending, err := b.store.GetCandidateByTxID("aa01")
	require.NoError(t, err)
	assert.Equal(t, store.TxStatusInSign, pending.Status)

	found, err := a.coord.arena.Peek("aa01", func(sess *Session) error {
		require.NotNil(t, sess.Sign)
		assert.Equal(t, []int{0, 1}, sess.Sign.Signed)
		assert.Len(t, sess.Commitments, 2)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, found)
}

func TestInitiateSignRejectsUnsignableCandidate(t *testing.T) {
	ctx := context.Background()
	signerA, keyA := newSignerKey(t)
	a := newTestGuard(t, "A", signerA, []string{keyA}, 1)

	require.NoError(t, a.store.InsertCandidate(&store.CandidateTransaction{
		TxID: "aa01", TxType: store.TxTypePayment, Chain: "cardano", Status: store.TxStatusSigned,
	}))

	err := a.coord.InitiateSign(ctx, "aa01")
	assert.True(t, guarderrors.IsValidation(err))

	err = a.coord.InitiateSign(ctx, "missing")
	assert.True(t, guarderrors.IsNotFound(err))
}

func TestCommitmentEquivocationIsRejected(t *testing.T) {
	ctx := context.Background()
	signerA, keyA := newSignerKey(t)
	_, keyB := newSignerKey(t)
	keys := []string{keyA, keyB}

	// Threshold 3 keeps the round open so only the duplicate matters.
	a := newTestGuard(t, "A", signerA, keys, 3)
	seedCandidate(t, a.store, "aa01", []byte{1})

	idxB, ok := a.guards.IndexOf(keyB)
	require.True(t, ok)

	first := rawEnvelope(t, comm.KindCommitment, &comm.CommitmentPayload{
		TxID: "aa01", Index: idxB, Commitments: []string{"v1"},
	})
	require.NoError(t, a.coord.HandleMessage(ctx, idxB, first))

	// Same guard, same txId, different value.
	second := rawEnvelope(t, comm.KindCommitment, &comm.CommitmentPayload{
		TxID: "aa01", Index: idxB, Commitments: []string{"v2"},
	})
	err := a.coord.HandleMessage(ctx, idxB, second)
	assert.True(t, guarderrors.IsCommitmentMismatch(err))

	// Re-sending the original value stays idempotent.
	require.NoError(t, a.coord.HandleMessage(ctx, idxB, first))
}

func TestTamperedSignPayloadLeavesSessionUntouched(t *testing.T) {
	ctx := context.Background()
	signerA, keyA := newSignerKey(t)
	_, keyB := newSignerKey(t)
	keys := []string{keyA, keyB}

	a := newTestGuard(t, "A", signerA, keys, 2)
	txBytes := []byte{0xbe, 0xef}
	seedCandidate(t, a.store, "aa01", txBytes)

	require.NoError(t, a.coord.InitiateSign(ctx, "aa01"))

	idxA, _ := a.guards.IndexOf(keyA)
	idxB, _ := a.guards.IndexOf(keyB)

	var original []string
	found, err := a.coord.arena.Peek("aa01", func(sess *Session) error {
		original = sess.Commitments[idxA]
		return nil
	})
	require.NoError(t, err)
	require.True(t, found)
	require.NotEmpty(t, original)

	// B claims A used a different commitment than A recorded.
	forged := rawEnvelope(t, comm.KindSign, &comm.SignPayload{
		TxID: "aa01",
		Commitments: map[int][]string{
			idxA: {"tampered"},
			idxB: {"commit-B"},
		},
		Signed:  []int{idxB},
		TxBytes: hex.EncodeToString(txBytes),
	})
	err = a.coord.HandleMessage(ctx, idxB, forged)
	assert.True(t, guarderrors.IsCommitmentMismatch(err))

	// The rejection happens before any session mutation.
	found, err = a.coord.arena.Peek("aa01", func(sess *Session) error {
		assert.Equal(t, original, sess.Commitments[idxA])
		_, merged := sess.Commitments[idxB]
		assert.False(t, merged, "forged payload content must not be merged")
		assert.Nil(t, sess.Sign)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, found)

	// The failed attempt is accounted on the candidate.
	candidate, err := a.store.GetCandidateByTxID("aa01")
	require.NoError(t, err)
	assert.True(t, candidate.FailedInSign)
	assert.Equal(t, 1, candidate.SignFailedCount)
}

func TestCommitmentThresholdForUnknownCandidate(t *testing.T) {
	ctx := context.Background()
	signerA, keyA := newSignerKey(t)
	_, keyB := newSignerKey(t)
	keys := []string{keyA, keyB}

	a := newTestGuard(t, "A", signerA, keys, 1)
	idxB, _ := a.guards.IndexOf(keyB)

	// Threshold reached for a transaction this guard never agreed to: the
	// session exists, but no share is contributed.
	env := rawEnvelope(t, comm.KindCommitment, &comm.CommitmentPayload{
		TxID: "ffff", Index: idxB, Commitments: []string{"v1"},
	})
	require.NoError(t, a.coord.HandleMessage(ctx, idxB, env))

	found, err := a.coord.arena.Peek("ffff", func(sess *Session) error {
		assert.Nil(t, sess.Sign)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, found)
}

func TestParallelInitiatorPayloadGetsRealShare(t *testing.T) {
	ctx := context.Background()
	signerA, keyA := newSignerKey(t)
	_, keyB := newSignerKey(t)
	keys := []string{keyA, keyB}

	a := newTestGuard(t, "A", signerA, keys, 2)
	txBytes := []byte{0xde, 0xad}
	seedCandidate(t, a.store, "aa01", txBytes)

	idxA, _ := a.guards.IndexOf(keyA)
	idxB, _ := a.guards.IndexOf(keyB)

	// Our own round first: B's commitment reaches the threshold, so we fold
	// our share into our own transaction bytes and broadcast it.
	require.NoError(t, a.coord.InitiateSign(ctx, "aa01"))
	commitB := []string{"commit-B"}
	env := rawEnvelope(t, comm.KindCommitment, &comm.CommitmentPayload{
		TxID: "aa01", Index: idxB, Commitments: commitB,
	})
	require.NoError(t, a.coord.HandleMessage(ctx, idxB, env))

	var commitA []string
	found, err := a.coord.arena.Peek("aa01", func(sess *Session) error {
		commitA = sess.Commitments[idxA]
		require.NotNil(t, sess.Sign)
		require.Equal(t, []int{idxA}, sess.Sign.Signed)
		return nil
	})
	require.NoError(t, err)
	require.True(t, found)

	// B initiated in parallel: its payload carries only its own share, in
	// transaction bytes our earlier share was never folded into. Counting
	// that earlier share toward this payload's threshold would finalize a
	// transaction holding a single real signature.
	bLineage := append(append([]byte(nil), txBytes...), 0x0b)
	payload := rawEnvelope(t, comm.KindSign, &comm.SignPayload{
		TxID: "aa01",
		Commitments: map[int][]string{
			idxA: commitA,
			idxB: commitB,
		},
		Signed:  []int{idxB},
		TxBytes: hex.EncodeToString(bLineage),
	})
	require.NoError(t, a.coord.HandleMessage(ctx, idxB, payload))

	candidate, err := a.store.GetCandidateByTxID("aa01")
	require.NoError(t, err)
	assert.Equal(t, store.TxStatusSigned, candidate.Status)

	// The finalized bytes are B's lineage plus the share we folded in now.
	found, err = a.coord.arena.Peek("aa01", func(sess *Session) error {
		require.NotNil(t, sess.Sign)
		assert.Equal(t, []int{0, 1}, sess.Sign.Signed)
		want := append(append([]byte(nil), bLineage...), 1)
		assert.Equal(t, want, sess.Sign.TxBytes)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRedeliveredCommitmentRetriesShareGeneration(t *testing.T) {
	ctx := context.Background()
	signerA, keyA := newSignerKey(t)
	_, keyB := newSignerKey(t)
	keys := []string{keyA, keyB}

	a := newTestGuard(t, "A", signerA, keys, 2)
	seedCandidate(t, a.store, "aa01", []byte{1})
	require.NoError(t, a.coord.InitiateSign(ctx, "aa01"))

	idxA, _ := a.guards.IndexOf(keyA)
	idxB, _ := a.guards.IndexOf(keyB)
	env := rawEnvelope(t, comm.KindCommitment, &comm.CommitmentPayload{
		TxID: "aa01", Index: idxB, Commitments: []string{"commit-B"},
	})

	// The signer process flakes on the first share attempt.
	a.partial.signErrs = 1
	require.Error(t, a.coord.HandleMessage(ctx, idxB, env))

	candidate, err := a.store.GetCandidateByTxID("aa01")
	require.NoError(t, err)
	assert.True(t, candidate.FailedInSign)

	// The peer redelivers the identical commitment: the threshold is
	// re-evaluated and the share produced, without waiting for the session
	// to expire.
	require.NoError(t, a.coord.HandleMessage(ctx, idxB, env))

	found, err := a.coord.arena.Peek("aa01", func(sess *Session) error {
		require.NotNil(t, sess.Sign)
		assert.True(t, sess.Sign.HasSigned(idxA))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, found)
}

func TestRegisterExchangeTerminates(t *testing.T) {
	ctx := context.Background()
	signerA, keyA := newSignerKey(t)
	signerB, keyB := newSignerKey(t)
	keys := []string{keyA, keyB}

	a := newTestGuard(t, "A", signerA, keys, 2)
	b := newTestGuard(t, "B", signerB, keys, 2)
	a.subscribe(t)
	b.subscribe(t)
	mock.Link(a.channel, b.channel)

	// Synchronous delivery: an unbounded reply loop would recurse forever
	// here. Pairing replies only on fresh mappings terminates it.
	require.NoError(t, a.coord.Register(ctx))
	require.NoError(t, a.coord.Register(ctx))
}

func TestRegisterIndexMustMatchSender(t *testing.T) {
	ctx := context.Background()
	signerA, keyA := newSignerKey(t)
	_, keyB := newSignerKey(t)

	a := newTestGuard(t, "A", signerA, []string{keyA, keyB}, 2)
	idxA, _ := a.guards.IndexOf(keyA)
	idxB, _ := a.guards.IndexOf(keyB)

	env := rawEnvelope(t, comm.KindRegister, &comm.RegisterPayload{Index: idxA, MyID: "B"})
	err := a.coord.HandleMessage(ctx, idxB, env)
	assert.Error(t, err)
}
