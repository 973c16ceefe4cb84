// Package api exposes the guard's operator-facing HTTP surface: the
// reprocess trigger, manual candidate submission, event inspection, health,
// and Prometheus metrics.
package api

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/bridgenet/guard-node/eventstore"
	"github.com/bridgenet/guard-node/metrics"
	"github.com/bridgenet/guard-node/reprocess"
	"github.com/bridgenet/guard-node/resolver"
)

// Server provides the operator HTTP endpoints.
type Server struct {
	logger    zerolog.Logger
	server    *http.Server
	store     *eventstore.Store
	arbiter   *reprocess.Arbiter
	resolver  *resolver.Resolver
	metrics   *metrics.Metrics
	startTime time.Time
}

// NewServer creates the operator API server.
func NewServer(
	port int,
	st *eventstore.Store,
	arbiter *reprocess.Arbiter,
	res *resolver.Resolver,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		logger:    logger.With().Str("component", "operator_api").Logger(),
		store:     st,
		arbiter:   arbiter,
		resolver:  res,
		metrics:   m,
		startTime: time.Now(),
	}

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.routes(),
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/events/{id}", s.handleGetEvent).Methods(http.MethodGet)
	r.HandleFunc("/reprocess", s.handleReprocess).Methods(http.MethodPost)
	r.HandleFunc("/candidates", s.handleSubmitCandidate).Methods(http.MethodPost)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	return r
}

// Start starts the HTTP server, verifying the port binds before returning.
func (s *Server) Start() error {
	startupChan := make(chan error, 1)

	go func() {
		ln, err := net.Listen("tcp", s.server.Addr)
		if err != nil {
			startupChan <- fmt.Errorf("failed to bind to address %s: %w", s.server.Addr, err)
			return
		}
		startupChan <- nil

		err = s.server.Serve(ln)
		switch err {
		case nil, http.ErrServerClosed:
			s.logger.Info().Msg("operator API stopped")
		default:
			s.logger.Error().Err(err).Msg("operator API error")
		}
	}()

	select {
	case err := <-startupChan:
		return err
	case <-time.After(5 * time.Second):
		return fmt.Errorf("server startup timeout")
	}
}

// Stop shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}
