package guard

import (
	"context"
	"encoding/hex"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgenet/guard-node/config"
	"github.com/bridgenet/guard-node/store"
	"github.com/bridgenet/guard-node/transport/mock"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	privHex := hex.EncodeToString(ethcrypto.FromECDSA(key))
	pubHex := hex.EncodeToString(ethcrypto.CompressPubkey(&key.PublicKey))

	return config.Config{
		LogFormat:                "json",
		GuardPrivateKeyHex:       privHex,
		GuardPublicKeys:          []string{pubHex},
		RequiredSigners:          1,
		EventTimeoutSeconds:      3600,
		ProcessIntervalSeconds:   3600,
		TimeoutIntervalSeconds:   3600,
		RequeueIntervalSeconds:   3600,
		SessionTimeoutSeconds:    300,
		CleanupIntervalSeconds:   3600,
		SignIntervalSeconds:      3600,
		ReprocessCooldownSeconds: 3600,
		DBPath:                   t.TempDir() + "/guard.db",
	}
}

func TestNodeStartStop(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	node, err := NewNode(ctx, cfg, Options{Channel: mock.New("test")}, zerolog.Nop())
	require.NoError(t, err)

	// A signing round left in flight by a previous run is restarted.
	require.NoError(t, node.store.InsertCandidate(&store.CandidateTransaction{
		TxID: "aa01", TxType: store.TxTypePayment, Chain: "cardano", Status: store.TxStatusInSign,
	}))

	require.NoError(t, node.Start(ctx))
	defer node.Stop()

	candidate, err := node.store.GetCandidateByTxID("aa01")
	require.NoError(t, err)
	assert.Equal(t, store.TxStatusApproved, candidate.Status)
}

func TestNodeRejectsKeyOutsideGuardSet(t *testing.T) {
	cfg := testConfig(t)
	cfg.GuardPublicKeys = []string{"02aa"}

	_, err := NewNode(context.Background(), cfg, Options{Channel: mock.New("test")}, zerolog.Nop())
	assert.Error(t, err)
}

func TestPeerIDFromAddr(t *testing.T) {
	id, ok := peerIDFromAddr("/ip4/10.0.0.1/tcp/39400/p2p/12D3KooWExample")
	require.True(t, ok)
	assert.Equal(t, "12D3KooWExample", id)

	_, ok = peerIDFromAddr("/ip4/10.0.0.1/tcp/39400")
	assert.False(t, ok)

	_, ok = peerIDFromAddr("/ip4/10.0.0.1/tcp/39400/p2p/")
	assert.False(t, ok)
}
