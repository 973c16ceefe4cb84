// Package eventstore is the guard's durable-store facade. It exposes the
// primitives the agreement protocol needs over the GORM models in store:
// event lookup and status moves, active-candidate queries per scope, in-place
// candidate replacement, and reprocess bookkeeping.
package eventstore

import (
	stderrors "errors"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	guarderrors "github.com/bridgenet/guard-node/errors"
	"github.com/bridgenet/guard-node/store"
)

// activeExcludedStatuses are the candidate statuses that no longer count as
// active: invalid (superseded) and completed (terminal).
var activeExcludedStatuses = []string{store.TxStatusInvalid, store.TxStatusCompleted}

// Store provides database access for events, candidates, and reprocess
// requests.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewStore creates a new store facade.
func NewStore(db *gorm.DB, logger zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "event_store").Logger(),
	}
}

// GetEventByID retrieves an event by its content-derived id.
func (s *Store) GetEventByID(eventID string) (*store.Event, error) {
	var event store.Event
	if err := s.db.Where("event_id = ?", eventID).First(&event).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, guarderrors.NewNotFound("event", eventID)
		}
		return nil, errors.Wrapf(err, "failed to query event %s", eventID)
	}
	return &event, nil
}

// GetEventsByStatus returns all events whose status is in the given set,
// oldest first.
func (s *Store) GetEventsByStatus(statuses ...string) ([]store.Event, error) {
	var events []store.Event
	if err := s.db.Where("status IN ?", statuses).
		Order("created_at ASC").
		Find(&events).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to query events with statuses %v", statuses)
	}
	return events, nil
}

// InsertEvent stores a newly detected event. Fails if the event id already
// exists.
func (s *Store) InsertEvent(event *store.Event) error {
	if err := s.db.Create(event).Error; err != nil {
		return errors.Wrapf(err, "failed to insert event %s", event.EventID)
	}
	s.logger.Info().
		Str("event_id", event.EventID).
		Str("from_chain", event.FromChain).
		Str("to_chain", event.ToChain).
		Msg("stored new event")
	return nil
}

// SetEventStatus updates the status of an event.
func (s *Store) SetEventStatus(eventID, status string) error {
	result := s.db.Model(&store.Event{}).
		Where("event_id = ?", eventID).
		Update("status", status)
	if result.Error != nil {
		return errors.Wrapf(result.Error, "failed to update event %s", eventID)
	}
	if result.RowsAffected == 0 {
		return guarderrors.NewNotFound("event", eventID)
	}
	return nil
}

// MarkFirstTry records the first entry into a pending state. The value is
// monotonic: a row with a non-zero first_try is left untouched.
func (s *Store) MarkFirstTry(eventID string, now int64) error {
	result := s.db.Model(&store.Event{}).
		Where("event_id = ? AND first_try = 0", eventID).
		Update("first_try", now)
	if result.Error != nil {
		return errors.Wrapf(result.Error, "failed to mark first try for event %s", eventID)
	}
	return nil
}

// SetEventStatusWithFirstTry moves an event and restarts its timeout clock.
// Only the reprocess paths may call this; everywhere else first_try is
// monotonic.
func (s *Store) SetEventStatusWithFirstTry(eventID, status string, firstTry int64) error {
	result := s.db.Model(&store.Event{}).
		Where("event_id = ?", eventID).
		Updates(map[string]any{"status": status, "first_try": firstTry})
	if result.Error != nil {
		return errors.Wrapf(result.Error, "failed to update event %s", eventID)
	}
	if result.RowsAffected == 0 {
		return guarderrors.NewNotFound("event", eventID)
	}
	return nil
}

// GetActiveCandidatesForEvent returns the non-invalid, non-terminal
// candidates for an (event, txType) scope.
func (s *Store) GetActiveCandidatesForEvent(eventID, txType string) ([]store.CandidateTransaction, error) {
	var candidates []store.CandidateTransaction
	if err := s.db.Where("event_id = ? AND tx_type = ? AND status NOT IN ?", eventID, txType, activeExcludedStatuses).
		Find(&candidates).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to query active candidates for event %s", eventID)
	}
	return candidates, nil
}

// GetActiveCandidatesForChain returns the non-invalid, non-terminal cold
// storage candidates for a chain.
func (s *Store) GetActiveCandidatesForChain(chain string) ([]store.CandidateTransaction, error) {
	var candidates []store.CandidateTransaction
	if err := s.db.Where("chain = ? AND tx_type = ? AND status NOT IN ?", chain, store.TxTypeColdStorage, activeExcludedStatuses).
		Find(&candidates).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to query active cold storage candidates for chain %s", chain)
	}
	return candidates, nil
}

// GetCandidateByTxID retrieves a candidate by txId.
func (s *Store) GetCandidateByTxID(txID string) (*store.CandidateTransaction, error) {
	var candidate store.CandidateTransaction
	if err := s.db.Where("tx_id = ?", txID).First(&candidate).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, guarderrors.NewNotFound("candidate", txID)
		}
		return nil, errors.Wrapf(err, "failed to query candidate %s", txID)
	}
	return &candidate, nil
}

// InsertCandidate stores a new candidate transaction.
func (s *Store) InsertCandidate(candidate *store.CandidateTransaction) error {
	if err := s.db.Create(candidate).Error; err != nil {
		return errors.Wrapf(err, "failed to insert candidate %s", candidate.TxID)
	}
	return nil
}

// ReplaceCandidate swaps the content of an existing candidate row for the
// winning competitor while preserving the row identity, so references held
// by other guards still resolve. Sign-failure accounting restarts with the
// new content.
func (s *Store) ReplaceCandidate(oldTxID string, candidate *store.CandidateTransaction) error {
	result := s.db.Model(&store.CandidateTransaction{}).
		Where("tx_id = ?", oldTxID).
		Updates(map[string]any{
			"tx_id":              candidate.TxID,
			"tx_bytes":           candidate.TxBytes,
			"chain":              candidate.Chain,
			"last_status_update": candidate.LastStatusUpdate,
			"failed_in_sign":     false,
			"sign_failed_count":  0,
		})
	if result.Error != nil {
		return errors.Wrapf(result.Error, "failed to replace candidate %s", oldTxID)
	}
	if result.RowsAffected == 0 {
		return guarderrors.NewNotFound("candidate", oldTxID)
	}
	return nil
}

// ResetFailedFlag clears failed_in_sign for a candidate, letting a guard
// retry signing its own already-agreed transaction.
func (s *Store) ResetFailedFlag(txID string) error {
	result := s.db.Model(&store.CandidateTransaction{}).
		Where("tx_id = ?", txID).
		Update("failed_in_sign", false)
	if result.Error != nil {
		return errors.Wrapf(result.Error, "failed to reset failed flag for candidate %s", txID)
	}
	if result.RowsAffected == 0 {
		return guarderrors.NewNotFound("candidate", txID)
	}
	return nil
}

// SetCandidateStatus moves a candidate through its signing lifecycle.
func (s *Store) SetCandidateStatus(txID, status string, now int64) error {
	result := s.db.Model(&store.CandidateTransaction{}).
		Where("tx_id = ?", txID).
		Updates(map[string]any{"status": status, "last_status_update": now})
	if result.Error != nil {
		return errors.Wrapf(result.Error, "failed to update candidate %s", txID)
	}
	if result.RowsAffected == 0 {
		return guarderrors.NewNotFound("candidate", txID)
	}
	return nil
}

// GetCandidatesByStatus returns all candidates in the given status, oldest
// status change first.
func (s *Store) GetCandidatesByStatus(status string) ([]store.CandidateTransaction, error) {
	var candidates []store.CandidateTransaction
	if err := s.db.Where("status = ?", status).
		Order("last_status_update ASC").
		Find(&candidates).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to query candidates with status %s", status)
	}
	return candidates, nil
}

// RequeueInSignCandidates moves every inSign candidate back to approved.
// Called once on startup: in-memory signing sessions do not survive a
// restart, so any signing round left in flight is re-initiated from scratch.
func (s *Store) RequeueInSignCandidates(now int64) (int, error) {
	result := s.db.Model(&store.CandidateTransaction{}).
		Where("status = ?", store.TxStatusInSign).
		Updates(map[string]any{"status": store.TxStatusApproved, "last_status_update": now})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to requeue inSign candidates")
	}
	return int(result.RowsAffected), nil
}

// MarkSignFailure records a failed sign attempt for a candidate.
func (s *Store) MarkSignFailure(txID string) error {
	result := s.db.Model(&store.CandidateTransaction{}).
		Where("tx_id = ?", txID).
		Updates(map[string]any{
			"failed_in_sign":    true,
			"sign_failed_count": gorm.Expr("sign_failed_count + 1"),
		})
	if result.Error != nil {
		return errors.Wrapf(result.Error, "failed to mark sign failure for candidate %s", txID)
	}
	if result.RowsAffected == 0 {
		return guarderrors.NewNotFound("candidate", txID)
	}
	return nil
}

// InsertReprocessRequest persists a reprocess request for cooldown
// bookkeeping and audit.
func (s *Store) InsertReprocessRequest(req *store.ReprocessRequest) error {
	if err := s.db.Create(req).Error; err != nil {
		return errors.Wrapf(err, "failed to insert reprocess request %s", req.RequestID)
	}
	return nil
}

// GetReprocessRequestByID retrieves a reprocess request.
func (s *Store) GetReprocessRequestByID(requestID string) (*store.ReprocessRequest, error) {
	var req store.ReprocessRequest
	if err := s.db.Where("request_id = ?", requestID).First(&req).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, guarderrors.NewNotFound("reprocess request", requestID)
		}
		return nil, errors.Wrapf(err, "failed to query reprocess request %s", requestID)
	}
	return &req, nil
}

// LastReprocessRequestAt returns the timestamp of the most recent reprocess
// request sent by the given guard, across all events. Returns 0 when the
// guard has never sent one. This drives the global per-guard cooldown.
func (s *Store) LastReprocessRequestAt(requesterID string) (int64, error) {
	var req store.ReprocessRequest
	err := s.db.Where("requester_id = ?", requesterID).
		Order("timestamp DESC").
		First(&req).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, errors.Wrapf(err, "failed to query last reprocess request for %s", requesterID)
	}
	return req.Timestamp, nil
}

// UpsertAcceptance records a peer's acceptance status for one of our
// reprocess requests. Idempotent on (request_id, peer_id).
func (s *Store) UpsertAcceptance(requestID, peerID, status string) error {
	acceptance := store.ReprocessAcceptance{
		RequestID: requestID,
		PeerID:    peerID,
		Status:    status,
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "request_id"}, {Name: "peer_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status"}),
	}).Create(&acceptance).Error
	if err != nil {
		return errors.Wrapf(err, "failed to upsert acceptance for request %s peer %s", requestID, peerID)
	}
	return nil
}

// GetAcceptances returns the per-peer acceptance records for a request.
func (s *Store) GetAcceptances(requestID string) ([]store.ReprocessAcceptance, error) {
	var acceptances []store.ReprocessAcceptance
	if err := s.db.Where("request_id = ?", requestID).Find(&acceptances).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to query acceptances for request %s", requestID)
	}
	return acceptances, nil
}
