package api

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	guarderrors "github.com/bridgenet/guard-node/errors"
	"github.com/bridgenet/guard-node/store"
)

// ReprocessRequest is the body of POST /reprocess.
type ReprocessRequest struct {
	EventID string   `json:"eventId"`
	PeerIDs []string `json:"peerIds,omitempty"`
}

// ReprocessResponse is the success body of POST /reprocess.
type ReprocessResponse struct {
	RequestID string `json:"requestId"`
}

// CandidateRequest is the body of POST /candidates: a manually submitted
// unsigned candidate transaction.
type CandidateRequest struct {
	TxID    string `json:"txId"`
	TxType  string `json:"txType"`
	Chain   string `json:"chain"`
	EventID string `json:"eventId,omitempty"`
	TxBytes string `json:"tx"` // hex
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["id"]
	event, err := s.store.GetEventByID(eventID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	var req ReprocessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.EventID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "eventId is required"})
		return
	}

	requestID, err := s.arbiter.RequestReprocess(r.Context(), req.EventID, req.PeerIDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReprocessResponse{RequestID: requestID})
}

func (s *Server) handleSubmitCandidate(w http.ResponseWriter, r *http.Request) {
	var req CandidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	txBytes, err := hex.DecodeString(req.TxBytes)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "tx must be hex encoded"})
		return
	}

	candidate := &store.CandidateTransaction{
		TxID:    req.TxID,
		TxType:  req.TxType,
		Chain:   req.Chain,
		TxBytes: txBytes,
	}

	var event *store.Event
	if req.EventID != "" {
		event, err = s.store.GetEventByID(req.EventID)
		if err != nil {
			s.writeError(w, err)
			return
		}
	}

	if err := s.resolver.Submit(candidate, event); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"txId": req.TxID})
}

// writeError maps the guard error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case guarderrors.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case guarderrors.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
