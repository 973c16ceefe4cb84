package reprocess

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

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

const testCooldown = time.Hour

type testNode struct {
	signer  *comm.Signer
	guards  *comm.GuardSet
	store   *eventstore.Store
	channel *mock.Channel
	arbiter *Arbiter
}

func newSignerKey(t *testing.T) (*comm.Signer, string) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	signer, err := comm.NewSigner(hex.EncodeToString(ethcrypto.FromECDSA(key)))
	require.NoError(t, err)
	return signer, signer.PublicKey()
}

func newTestNode(t *testing.T, name string, signer *comm.Signer, keys []string) *testNode {
	t.Helper()
	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	n := &testNode{
		signer:  signer,
		guards:  comm.NewGuardSet(keys),
		store:   eventstore.NewStore(database.Client(), zerolog.Nop()),
		channel: mock.New(name),
	}
	n.arbiter = NewArbiter(n.store, signer, n.channel, n.guards, nil, testCooldown, zerolog.Nop())
	return n
}

func (n *testNode) subscribe(t *testing.T) {
	t.Helper()
	require.NoError(t, n.channel.Subscribe(comm.ChannelReprocess, func(ctx context.Context, sender string, payload []byte) error {
		env, index, err := comm.OpenEnvelope(payload, comm.ChannelReprocess, n.guards)
		if err != nil {
			return err
		}
		key, _ := n.guards.KeyAt(index)
		return n.arbiter.HandleMessage(ctx, key, sender, env)
	}))
}

func seedEvent(t *testing.T, st *eventstore.Store, id, status string, firstTry int64) {
	t.Helper()
	require.NoError(t, st.InsertEvent(&store.Event{
		EventID:   id,
		FromChain: "ergo",
		ToChain:   "cardano",
		Status:    status,
		FirstTry:  firstTry,
	}))
}

func TestRequestReprocessAppliesLocallyAndRecordsAcceptance(t *testing.T) {
	ctx := context.Background()
	signerA, keyA := newSignerKey(t)
	signerB, keyB := newSignerKey(t)
	keys := []string{keyA, keyB}

	a := newTestNode(t, "A", signerA, keys)
	b := newTestNode(t, "B", signerB, keys)
	a.subscribe(t)
	b.subscribe(t)
	mock.Link(a.channel, b.channel)

	seedEvent(t, a.store, "ev1", store.EventStatusTimeout, 100)
	seedEvent(t, b.store, "ev1", store.EventStatusTimeout, 100)

	requestID, err := a.arbiter.RequestReprocess(ctx, "ev1", nil)
	require.NoError(t, err)
	require.NotEmpty(t, requestID)

	// Requester applied the transition optimistically and restarted the clock.
	eventA, err := a.store.GetEventByID("ev1")
	require.NoError(t, err)
	assert.Equal(t, store.EventStatusPendingPayment, eventA.Status)
	assert.Greater(t, eventA.FirstTry, int64(100))

	// The peer re-validated, honored, and credited the requester.
	eventB, err := b.store.GetEventByID("ev1")
	require.NoError(t, err)
	assert.Equal(t, store.EventStatusPendingPayment, eventB.Status)

	last, err := b.store.LastReprocessRequestAt(keyA)
	require.NoError(t, err)
	assert.NotZero(t, last)

	// The peer's signed ok came back and was recorded.
	acceptances, err := a.store.GetAcceptances(requestID)
	require.NoError(t, err)
	require.Len(t, acceptances, 1)
	assert.Equal(t, keyB, acceptances[0].PeerID)
	assert.Equal(t, store.AcceptanceStatusAccepted, acceptances[0].Status)
}

func TestRequestReprocessValidation(t *testing.T) {
	ctx := context.Background()
	signerA, keyA := newSignerKey(t)
	a := newTestNode(t, "A", signerA, []string{keyA})

	_, err := a.arbiter.RequestReprocess(ctx, "missing", nil)
	assert.True(t, guarderrors.IsNotFound(err))

	seedEvent(t, a.store, "ev1", store.EventStatusPendingPayment, 0)
	_, err = a.arbiter.RequestReprocess(ctx, "ev1", nil)
	assert.True(t, guarderrors.IsValidation(err), "already-pending events are not reprocessable")
}

func TestReprocessCooldownIsPerGuardNotPerEvent(t *testing.T) {
	ctx := context.Background()
	signerA, keyA := newSignerKey(t)
	signerB, keyB := newSignerKey(t)
	keys := []string{keyA, keyB}

	a := newTestNode(t, "A", signerA, keys)
	b := newTestNode(t, "B", signerB, keys)
	a.subscribe(t)
	b.subscribe(t)
	mock.Link(a.channel, b.channel)

	base := time.Unix(1_700_000_000, 0)
	a.arbiter.now = func() time.Time { return base }
	b.arbiter.now = func() time.Time { return base }

	seedEvent(t, a.store, "ev1", store.EventStatusTimeout, 10)
	seedEvent(t, a.store, "ev2", store.EventStatusRewardWaiting, 10)
	seedEvent(t, b.store, "ev1", store.EventStatusTimeout, 10)
	seedEvent(t, b.store, "ev2", store.EventStatusRewardWaiting, 10)

	_, err := a.arbiter.RequestReprocess(ctx, "ev1", nil)
	require.NoError(t, err)

	// A second request from the same guard, for a different event, inside
	// the cooldown window: silently ignored by the peer.
	a.arbiter.now = func() time.Time { return base.Add(testCooldown / 2) }
	b.arbiter.now = func() time.Time { return base.Add(testCooldown / 2) }
	_, err = a.arbiter.RequestReprocess(ctx, "ev2", nil)
	require.NoError(t, err)

	eventB, err := b.store.GetEventByID("ev2")
	require.NoError(t, err)
	assert.Equal(t, store.EventStatusRewardWaiting, eventB.Status, "peer must not honor a request inside the cooldown")

	// Once the cooldown has elapsed the same guard is served again.
	a.arbiter.now = func() time.Time { return base.Add(testCooldown + time.Second) }
	b.arbiter.now = func() time.Time { return base.Add(testCooldown + time.Second) }
	_, err = a.arbiter.RequestReprocess(ctx, "ev2", nil)
	require.NoError(t, err)

	eventB, err = b.store.GetEventByID("ev2")
	require.NoError(t, err)
	assert.Equal(t, store.EventStatusPendingReward, eventB.Status)
}

func TestIgnoredRequestsLeaveNoCooldownRecord(t *testing.T) {
	ctx := context.Background()
	signerA, keyA := newSignerKey(t)
	signerB, keyB := newSignerKey(t)
	keys := []string{keyA, keyB}

	a := newTestNode(t, "A", signerA, keys)
	b := newTestNode(t, "B", signerB, keys)
	a.subscribe(t)
	b.subscribe(t)
	mock.Link(a.channel, b.channel)

	// Eligible on A, not on B: B drops the request without response and
	// without charging A's cooldown.
	seedEvent(t, a.store, "ev1", store.EventStatusTimeout, 10)
	seedEvent(t, b.store, "ev1", store.EventStatusCompleted, 10)

	requestID, err := a.arbiter.RequestReprocess(ctx, "ev1", nil)
	require.NoError(t, err)

	eventB, err := b.store.GetEventByID("ev1")
	require.NoError(t, err)
	assert.Equal(t, store.EventStatusCompleted, eventB.Status)

	last, err := b.store.LastReprocessRequestAt(keyA)
	require.NoError(t, err)
	assert.Zero(t, last, "only honored requests count toward the cooldown")

	// The seeded row never flips: no ok response came back.
	acceptances, err := a.store.GetAcceptances(requestID)
	require.NoError(t, err)
	require.Len(t, acceptances, 1)
	assert.Equal(t, keyB, acceptances[0].PeerID)
	assert.Equal(t, store.AcceptanceStatusPending, acceptances[0].Status)
}

func TestBroadcastSeedsPendingAcceptanceForAllPeers(t *testing.T) {
	ctx := context.Background()
	signerA, keyA := newSignerKey(t)
	signerB, keyB := newSignerKey(t)
	_, keyC := newSignerKey(t)
	keys := []string{keyA, keyB, keyC}

	a := newTestNode(t, "A", signerA, keys)
	b := newTestNode(t, "B", signerB, keys)
	a.subscribe(t)
	b.subscribe(t)
	mock.Link(a.channel, b.channel)

	seedEvent(t, a.store, "ev1", store.EventStatusTimeout, 10)
	seedEvent(t, b.store, "ev1", store.EventStatusTimeout, 10)

	// C is part of the membership but unreachable.
	requestID, err := a.arbiter.RequestReprocess(ctx, "ev1", nil)
	require.NoError(t, err)

	acceptances, err := a.store.GetAcceptances(requestID)
	require.NoError(t, err)
	byPeer := make(map[string]string, len(acceptances))
	for _, acc := range acceptances {
		byPeer[acc.PeerID] = acc.Status
	}
	assert.Equal(t, map[string]string{
		keyB: store.AcceptanceStatusAccepted,
		keyC: store.AcceptanceStatusPending,
	}, byPeer, "every other guard gets a row, no row for ourselves")
}

func TestResponseForForeignRequestIgnored(t *testing.T) {
	ctx := context.Background()
	signerA, keyA := newSignerKey(t)
	_, keyB := newSignerKey(t)

	a := newTestNode(t, "A", signerA, []string{keyA, keyB})

	// A request originated by someone else entirely.
	require.NoError(t, a.store.InsertReprocessRequest(&store.ReprocessRequest{
		RequestID: "r1", EventID: "ev1", RequesterID: keyB, Timestamp: 100,
	}))

	raw, err := json.Marshal(&comm.ReprocessResponsePayload{RequestID: "r1", EventID: "ev1", OK: true})
	require.NoError(t, err)
	env := &comm.Envelope{Channel: comm.ChannelReprocess, Kind: comm.KindReprocessResponse, Payload: raw}

	require.NoError(t, a.arbiter.HandleMessage(ctx, keyB, "B", env))

	acceptances, err := a.store.GetAcceptances("r1")
	require.NoError(t, err)
	assert.Empty(t, acceptances)
}
