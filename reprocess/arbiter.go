// Package reprocess implements the peer-initiated reprocessing protocol: any
// guard may demand that a stuck event be re-queued, subject to a global
// per-guard cooldown and local re-validation on every receiving guard.
package reprocess

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/bridgenet/guard-node/comm"
	guarderrors "github.com/bridgenet/guard-node/errors"
	"github.com/bridgenet/guard-node/eventstore"
	"github.com/bridgenet/guard-node/metrics"
	"github.com/bridgenet/guard-node/store"
	"github.com/bridgenet/guard-node/transport"
)

// transitions maps reprocess-eligible statuses to their target state.
var transitions = map[string]string{
	store.EventStatusRejected:       store.EventStatusPendingPayment,
	store.EventStatusTimeout:        store.EventStatusPendingPayment,
	store.EventStatusPaymentWaiting: store.EventStatusPendingPayment,
	store.EventStatusRewardWaiting:  store.EventStatusPendingReward,
}

// Arbiter handles both directions of the reprocess protocol.
type Arbiter struct {
	store    *eventstore.Store
	signer   *comm.Signer
	channel  transport.Channel
	guards   *comm.GuardSet
	metrics  *metrics.Metrics
	cooldown time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewArbiter creates a reprocess arbiter.
func NewArbiter(
	st *eventstore.Store,
	signer *comm.Signer,
	channel transport.Channel,
	guards *comm.GuardSet,
	m *metrics.Metrics,
	cooldown time.Duration,
	logger zerolog.Logger,
) *Arbiter {
	return &Arbiter{
		store:    st,
		signer:   signer,
		channel:  channel,
		guards:   guards,
		metrics:  m,
		cooldown: cooldown,
		logger:   logger.With().Str("component", "reprocess_arbiter").Logger(),
		now:      time.Now,
	}
}

// RequestReprocess validates and optimistically applies a reprocess locally,
// persists the request, and broadcasts it signed to the named peers (or all
// peers when none are named). Returns the generated request id.
//
// A NotFoundError means the event id does not exist; a ValidationError means
// the event is not in a reprocess-eligible state. Neither is ever sent over
// the wire.
func (a *Arbiter) RequestReprocess(ctx context.Context, eventID string, peerIDs []string) (string, error) {
	event, err := a.store.GetEventByID(eventID)
	if err != nil {
		return "", err
	}
	next, ok := transitions[event.Status]
	if !ok {
		return "", guarderrors.NewValidation("event %s is %s, not reprocessable", eventID, event.Status)
	}

	requestID := comm.RandomID()
	now := a.now().Unix()

	// Optimistic: apply our own transition before peers answer. The explicit
	// reprocess is the one path allowed to restart the timeout clock.
	if err := a.store.SetEventStatusWithFirstTry(eventID, next, now); err != nil {
		return "", err
	}
	if err := a.store.InsertReprocessRequest(&store.ReprocessRequest{
		RequestID:   requestID,
		EventID:     eventID,
		RequesterID: a.signer.PublicKey(),
		Timestamp:   now,
	}); err != nil {
		return "", err
	}
	// A broadcast addresses every other guard in the membership; seed the
	// pending rows for all of them so acceptance tracking stays complete
	// whether peers were named or not.
	awaiting := peerIDs
	if len(awaiting) == 0 {
		for _, key := range a.guards.Keys() {
			if key != a.signer.PublicKey() {
				awaiting = append(awaiting, key)
			}
		}
	}
	for _, peerID := range awaiting {
		if err := a.store.UpsertAcceptance(requestID, peerID, store.AcceptanceStatusPending); err != nil {
			a.logger.Warn().Err(err).Str("peer_id", peerID).Msg("failed to seed acceptance record")
		}
	}

	payload := &comm.ReprocessRequestPayload{
		RequestID: requestID,
		EventID:   eventID,
		Timestamp: now,
	}
	data, err := a.signer.Seal(comm.ChannelReprocess, comm.KindReprocessRequest, payload, now)
	if err != nil {
		return "", err
	}

	if len(peerIDs) == 0 {
		if err := a.channel.Send(ctx, comm.ChannelReprocess, data, ""); err != nil {
			return "", errors.Wrap(err, "failed to broadcast reprocess request")
		}
	} else {
		for _, peerID := range peerIDs {
			if err := a.channel.Send(ctx, comm.ChannelReprocess, data, peerID); err != nil {
				a.logger.Warn().Err(err).Str("peer_id", peerID).Msg("failed to send reprocess request")
			}
		}
	}

	a.logger.Info().
		Str("request_id", requestID).
		Str("event_id", eventID).
		Str("target_status", next).
		Msg("requested event reprocess")
	return requestID, nil
}

// HandleMessage routes an authenticated reprocess envelope. senderKey is the
// verified guard public key; senderPeerID is the transport id replies go to.
func (a *Arbiter) HandleMessage(ctx context.Context, senderKey, senderPeerID string, env *comm.Envelope) error {
	switch env.Kind {
	case comm.KindReprocessRequest:
		var p comm.ReprocessRequestPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return errors.Wrap(err, "malformed reprocess request payload")
		}
		return a.handleRequest(ctx, senderKey, senderPeerID, &p)
	case comm.KindReprocessResponse:
		var p comm.ReprocessResponsePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return errors.Wrap(err, "malformed reprocess response payload")
		}
		return a.handleResponse(senderKey, &p)
	default:
		return errors.Errorf("unexpected reprocess message kind %q", env.Kind)
	}
}

// handleRequest re-validates eligibility against this guard's own view of
// the event and enforces the per-guard cooldown: one misbehaving guard is
// rate-limited globally, no matter how many distinct events it targets.
// Ineligible or rate-limited requests are dropped without a response.
func (a *Arbiter) handleRequest(ctx context.Context, senderKey, senderPeerID string, p *comm.ReprocessRequestPayload) error {
	now := a.now().Unix()

	last, err := a.store.LastReprocessRequestAt(senderKey)
	if err != nil {
		return err
	}
	if last != 0 && now-last < int64(a.cooldown.Seconds()) {
		a.metrics.IncReprocessIgnored()
		a.logger.Info().
			Str("requester", senderKey).
			Str("event_id", p.EventID).
			Msg("reprocess request inside cooldown, ignoring")
		return nil
	}

	event, err := a.store.GetEventByID(p.EventID)
	if err != nil {
		if guarderrors.IsNotFound(err) {
			a.metrics.IncReprocessIgnored()
			a.logger.Warn().Str("event_id", p.EventID).Msg("reprocess request for unknown event, ignoring")
			return nil
		}
		return err
	}
	next, ok := transitions[event.Status]
	if !ok {
		a.metrics.IncReprocessIgnored()
		a.logger.Warn().
			Str("event_id", p.EventID).
			Str("status", event.Status).
			Msg("reprocess request for non-reprocessable event, ignoring")
		return nil
	}

	if err := a.store.SetEventStatusWithFirstTry(p.EventID, next, now); err != nil {
		return err
	}
	if err := a.store.InsertReprocessRequest(&store.ReprocessRequest{
		RequestID:   p.RequestID,
		EventID:     p.EventID,
		RequesterID: senderKey,
		Timestamp:   now,
	}); err != nil {
		return err
	}
	a.metrics.IncReprocessHonored()
	a.logger.Info().
		Str("request_id", p.RequestID).
		Str("event_id", p.EventID).
		Str("requester", senderKey).
		Str("target_status", next).
		Msg("honored peer reprocess request")

	response := &comm.ReprocessResponsePayload{
		RequestID: p.RequestID,
		EventID:   p.EventID,
		OK:        true,
	}
	data, err := a.signer.Seal(comm.ChannelReprocess, comm.KindReprocessResponse, response, now)
	if err != nil {
		return err
	}
	return a.channel.Send(ctx, comm.ChannelReprocess, data, senderPeerID)
}

// handleResponse records a peer's acceptance of one of our requests.
// Idempotent; ok=false responses are logged, never recorded.
func (a *Arbiter) handleResponse(senderKey string, p *comm.ReprocessResponsePayload) error {
	if !p.OK {
		a.logger.Info().
			Str("request_id", p.RequestID).
			Str("peer", senderKey).
			Msg("peer rejected reprocess request")
		return nil
	}

	req, err := a.store.GetReprocessRequestByID(p.RequestID)
	if err != nil {
		if guarderrors.IsNotFound(err) {
			a.logger.Warn().Str("request_id", p.RequestID).Msg("response for unknown reprocess request, ignoring")
			return nil
		}
		return err
	}
	if req.RequesterID != a.signer.PublicKey() {
		a.logger.Warn().
			Str("request_id", p.RequestID).
			Msg("response for a request we did not originate, ignoring")
		return nil
	}

	return a.store.UpsertAcceptance(p.RequestID, senderKey, store.AcceptanceStatusAccepted)
}
