package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// TransportStatus abstracts the peer transport's consumer-group join state
// for readiness reporting.
type TransportStatus interface {
	IsJoined() bool
}

// ReplicaStatus abstracts the replica mirror's initial-sync state.
type ReplicaStatus interface {
	IsSynced() bool
}

// BusStatus abstracts the process-wide critical error signal.
type BusStatus interface {
	Raised() bool
}

// DBChecker abstracts the database health check for testability.
type DBChecker interface {
	Ping(ctx context.Context) error
}

type Server struct {
	srv       *http.Server
	pool      *pgxpool.Pool
	dbChecker DBChecker
	transport TransportStatus
	replica   ReplicaStatus // nil when no replica is configured
	bus       BusStatus
	logger    *zap.Logger
}

func NewServer(addr string, pool *pgxpool.Pool, transport TransportStatus, replica ReplicaStatus, bus BusStatus, logger *zap.Logger) *Server {
	s := &Server{
		pool:      pool,
		transport: transport,
		replica:   replica,
		bus:       bus,
		logger:    logger,
	}
	if pool != nil {
		s.dbChecker = pool
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	// Check PostgreSQL.
	if s.dbChecker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.dbChecker.Ping(ctx); err != nil {
			checks["postgres"] = "error"
			allOK = false
		} else {
			checks["postgres"] = "ok"
		}
	} else {
		checks["postgres"] = "error"
		allOK = false
	}

	// Check the peer transport's consumer group join state.
	if s.transport != nil && s.transport.IsJoined() {
		checks["transport"] = "ok"
	} else {
		checks["transport"] = "not_joined"
		allOK = false
	}

	// Check replica sync state, if a replica is configured at all.
	if s.replica == nil {
		checks["replica"] = "disabled"
	} else if s.replica.IsSynced() {
		checks["replica"] = "ok"
	} else {
		checks["replica"] = "syncing"
		allOK = false
	}

	// Check the process-wide critical error bus.
	if s.bus != nil && s.bus.Raised() {
		checks["error_bus"] = "raised"
		allOK = false
	} else {
		checks["error_bus"] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}
