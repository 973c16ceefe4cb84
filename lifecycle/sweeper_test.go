package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bridgenet/guard-node/chains"
	"github.com/bridgenet/guard-node/db"
	"github.com/bridgenet/guard-node/eventstore"
	"github.com/bridgenet/guard-node/resolver"
	"github.com/bridgenet/guard-node/store"
)

const testEventTimeout = 24 * time.Hour

func newTestSweeper(t *testing.T) (*Sweeper, *eventstore.Store) {
	t.Helper()
	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	st := eventstore.NewStore(database.Client(), zerolog.Nop())
	res := resolver.New(st, nil, zerolog.Nop())
	manager := NewManager(st, res, chains.NewRegistry(), nil, zerolog.Nop())

	return NewSweeper(SweeperConfig{
		Store:        st,
		Manager:      manager,
		EventTimeout: testEventTimeout,
		Logger:       zerolog.Nop(),
	}), st
}

func seedTimed(t *testing.T, st *eventstore.Store, id, status string, firstTry int64) {
	t.Helper()
	require.NoError(t, st.InsertEvent(&store.Event{
		EventID:   id,
		FromChain: "ergo",
		ToChain:   "cardano",
		Status:    status,
		FirstTry:  firstTry,
	}))
}

func TestTimeoutSweepOnlyExpiresPayments(t *testing.T) {
	ctx := context.Background()
	s, st := newTestSweeper(t)

	base := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return base }
	stale := base.Add(-testEventTimeout - time.Minute).Unix()

	seedTimed(t, st, "stale-payment", store.EventStatusPendingPayment, stale)
	seedTimed(t, st, "stale-reward", store.EventStatusPendingReward, stale)
	seedTimed(t, st, "fresh-payment", store.EventStatusPendingPayment, base.Add(-time.Minute).Unix())
	seedTimed(t, st, "untried-payment", store.EventStatusPendingPayment, 0)

	s.TimeoutSweep(ctx)

	expect := map[string]string{
		"stale-payment": store.EventStatusTimeout,
		// Rewards are promised to watchers; age never expires them.
		"stale-reward":    store.EventStatusPendingReward,
		"fresh-payment":   store.EventStatusPendingPayment,
		"untried-payment": store.EventStatusPendingPayment,
	}
	for id, status := range expect {
		event, err := st.GetEventByID(id)
		require.NoError(t, err)
		assert.Equal(t, status, event.Status, id)
	}
}

func TestTimeoutSweepBoundary(t *testing.T) {
	ctx := context.Background()
	s, st := newTestSweeper(t)

	base := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return base }

	// Aged exactly the timeout: expired. One second younger: kept.
	seedTimed(t, st, "at-timeout", store.EventStatusPendingPayment, base.Add(-testEventTimeout).Unix())
	seedTimed(t, st, "just-under", store.EventStatusPendingPayment, base.Add(-testEventTimeout+time.Second).Unix())

	s.TimeoutSweep(ctx)

	event, err := st.GetEventByID("at-timeout")
	require.NoError(t, err)
	assert.Equal(t, store.EventStatusTimeout, event.Status)

	event, err = st.GetEventByID("just-under")
	require.NoError(t, err)
	assert.Equal(t, store.EventStatusPendingPayment, event.Status)
}

func TestRequeueSweepIsUnconditional(t *testing.T) {
	ctx := context.Background()
	s, st := newTestSweeper(t)

	seedTimed(t, st, "waiting-payment", store.EventStatusPaymentWaiting, 100)
	seedTimed(t, st, "waiting-reward", store.EventStatusRewardWaiting, 100)
	seedTimed(t, st, "completed", store.EventStatusCompleted, 100)

	s.RequeueSweep(ctx)

	event, err := st.GetEventByID("waiting-payment")
	require.NoError(t, err)
	assert.Equal(t, store.EventStatusPendingPayment, event.Status)

	event, err = st.GetEventByID("waiting-reward")
	require.NoError(t, err)
	assert.Equal(t, store.EventStatusPendingReward, event.Status)

	event, err = st.GetEventByID("completed")
	require.NoError(t, err)
	assert.Equal(t, store.EventStatusCompleted, event.Status)

	// Requeue does not restart the timeout clock; only explicit reprocess does.
	event, err = st.GetEventByID("waiting-payment")
	require.NoError(t, err)
	assert.Equal(t, int64(100), event.FirstTry)
}

func TestProcessPendingEventsIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	s, st := newTestSweeper(t)

	// No builders registered: every advance fails, and the sweep still
	// visits every event without aborting.
	seedTimed(t, st, "ev1", store.EventStatusPendingPayment, 0)
	seedTimed(t, st, "ev2", store.EventStatusPendingPayment, 0)

	s.ProcessPendingEvents(ctx)

	for _, id := range []string{"ev1", "ev2"} {
		event, err := st.GetEventByID(id)
		require.NoError(t, err)
		assert.Equal(t, store.EventStatusPendingPayment, event.Status)
	}
}
