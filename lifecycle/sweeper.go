package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/bridgenet/guard-node/eventstore"
	"github.com/bridgenet/guard-node/metrics"
	"github.com/bridgenet/guard-node/store"
)

const (
	defaultProcessInterval = 30 * time.Second
	defaultTimeoutInterval = 60 * time.Second
	defaultRequeueInterval = 5 * time.Minute
)

// SweeperConfig holds the sweep intervals and the event timeout.
type SweeperConfig struct {
	Store           *eventstore.Store
	Manager         *Manager
	Metrics         *metrics.Metrics
	ProcessInterval time.Duration // how often pending events are advanced
	TimeoutInterval time.Duration // how often the timeout sweep runs
	RequeueInterval time.Duration // how often waiting events are re-queued
	EventTimeout    time.Duration // age after which pendingPayment events time out
	Logger          zerolog.Logger
}

// Sweeper runs the lifecycle's periodic jobs: advancing pending events,
// timing out stale payments, and re-queuing waiting events. Failures on one
// event never abort the sweep of the others.
type Sweeper struct {
	store   *eventstore.Store
	manager *Manager
	metrics *metrics.Metrics
	cfg     SweeperConfig
	logger  zerolog.Logger
	now     func() time.Time
}

// NewSweeper creates a lifecycle sweeper.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	if cfg.ProcessInterval == 0 {
		cfg.ProcessInterval = defaultProcessInterval
	}
	if cfg.TimeoutInterval == 0 {
		cfg.TimeoutInterval = defaultTimeoutInterval
	}
	if cfg.RequeueInterval == 0 {
		cfg.RequeueInterval = defaultRequeueInterval
	}
	return &Sweeper{
		store:   cfg.Store,
		manager: cfg.Manager,
		metrics: cfg.Metrics,
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "lifecycle_sweeper").Logger(),
		now:     time.Now,
	}
}

// Start launches the three background sweep loops.
func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx, s.cfg.ProcessInterval, s.ProcessPendingEvents)
	go s.run(ctx, s.cfg.TimeoutInterval, s.TimeoutSweep)
	go s.run(ctx, s.cfg.RequeueInterval, s.RequeueSweep)
}

func (s *Sweeper) run(ctx context.Context, interval time.Duration, sweep func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(ctx)
		}
	}
}

// ProcessPendingEvents advances every event in a pending state. Each event
// is handled independently; an error on one is logged and the sweep
// continues.
func (s *Sweeper) ProcessPendingEvents(ctx context.Context) {
	events, err := s.store.GetEventsByStatus(store.EventStatusPendingPayment, store.EventStatusPendingReward)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to query pending events, retrying next tick")
		return
	}

	for i := range events {
		event := &events[i]
		if err := s.manager.Advance(ctx, event); err != nil {
			s.logger.Error().Err(err).Str("event_id", event.EventID).Msg("failed to advance event")
		}
	}
}

// TimeoutSweep moves stale pendingPayment events to timeout. pendingReward
// events of the same age are deliberately left alone: reward distribution
// has already been promised to watchers, so it must eventually happen.
func (s *Sweeper) TimeoutSweep(ctx context.Context) {
	events, err := s.store.GetEventsByStatus(store.EventStatusPendingPayment, store.EventStatusPendingReward)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to query events for timeout sweep")
		return
	}

	cutoff := s.now().Unix() - int64(s.cfg.EventTimeout.Seconds())
	var swept int
	for i := range events {
		event := &events[i]
		if event.FirstTry == 0 || event.FirstTry > cutoff {
			continue
		}
		if event.Status != store.EventStatusPendingPayment {
			continue
		}
		if err := s.store.SetEventStatus(event.EventID, store.EventStatusTimeout); err != nil {
			s.logger.Error().Err(err).Str("event_id", event.EventID).Msg("failed to time out event")
			continue
		}
		s.logger.Info().Str("event_id", event.EventID).Msg("event timed out")
		swept++
	}
	s.metrics.AddEventsSwept("timeout", swept)
}

// RequeueSweep moves every waiting event back to its pending state,
// unconditionally. This is distinct from the peer-triggered reprocess path,
// which is cooldown-gated.
func (s *Sweeper) RequeueSweep(ctx context.Context) {
	events, err := s.store.GetEventsByStatus(store.EventStatusPaymentWaiting, store.EventStatusRewardWaiting)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to query waiting events")
		return
	}

	var swept int
	for i := range events {
		event := &events[i]
		next := store.EventStatusPendingPayment
		if event.Status == store.EventStatusRewardWaiting {
			next = store.EventStatusPendingReward
		}
		if err := s.store.SetEventStatus(event.EventID, next); err != nil {
			s.logger.Error().Err(err).Str("event_id", event.EventID).Msg("failed to requeue event")
			continue
		}
		swept++
	}
	if swept > 0 {
		s.logger.Info().Int("requeued", swept).Msg("requeued waiting events")
	}
	s.metrics.AddEventsSwept("requeue", swept)
}
