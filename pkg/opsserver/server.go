// Package opsserver is the operator-facing HTTP surface shared by the playsettle processes. Every
// process serves health and Prometheus metrics; the rest is mounted per process from Options.
package opsserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mycelix-network/playsettle/pkg/ledger"
	"github.com/mycelix-network/playsettle/pkg/redis"
)

// Settlements is the slice of the settlement tracker exposed to operators.
type Settlements interface {
	MarkSubmitted(ctx context.Context, id uuid.UUID, tx common.Hash) (*ledger.SettlementBatch, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) (*ledger.SettlementBatch, error)
	PendingSettlements(ctx context.Context, artist string) ([]ledger.SettlementBatch, error)
}

// LedgerQueries are the read-only ledger views exposed to operators.
type LedgerQueries interface {
	BalanceOwed(ctx context.Context, listener string) (ledger.BalanceOwed, error)
	SongStats(ctx context.Context, song string) (ledger.SongStats, error)
}

type Options struct {
	// Addr is <ip>:<port> or :<port>.
	Addr string
	// JWTSecret signs operator bearer tokens. Settlement routes are not mounted without it.
	JWTSecret []byte
	// Status, when set, backs GET /status.
	Status func() any
	// Health, when set, is consulted by GET /healthz.
	Health func(ctx context.Context) error
	// Settlements, when set, mounts the settlement control routes.
	Settlements Settlements
	// Ledger, when set, mounts the balance and song statistics routes.
	Ledger LedgerQueries
	// Reputation, when set, mounts the node and verification routes.
	Reputation ReputationQueries
	// Feed, when set, mounts the settlement status websocket.
	Feed *redis.Client
}

type Server struct {
	logger *zap.Logger
	opts   Options
	srv    *http.Server
}

func New(logger *zap.Logger, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = ":3000"
	}
	s := &Server{logger: logger, opts: opts}
	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router returns the routes enabled by the server options.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.HandleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if s.opts.Status != nil {
		r.HandleFunc("/status", s.HandleStatus).Methods(http.MethodGet)
	}

	if s.opts.Settlements != nil && len(s.opts.JWTSecret) > 0 {
		r.Handle("/settlements", s.RequireAuth(http.HandlerFunc(s.HandlePendingSettlements))).Methods(http.MethodGet)
		r.Handle("/settlements/{id}/submitted", s.RequireAuth(http.HandlerFunc(s.HandleMarkSubmitted))).Methods(http.MethodPost)
		r.Handle("/settlements/{id}/failed", s.RequireAuth(http.HandlerFunc(s.HandleMarkFailed))).Methods(http.MethodPost)
	}

	if s.opts.Ledger != nil && len(s.opts.JWTSecret) > 0 {
		r.Handle("/listeners/{id}/balance", s.RequireAuth(http.HandlerFunc(s.HandleBalanceOwed))).Methods(http.MethodGet)
		r.Handle("/songs/{id}/stats", s.RequireAuth(http.HandlerFunc(s.HandleSongStats))).Methods(http.MethodGet)
	}

	if s.opts.Reputation != nil {
		s.mountReputation(r)
	}

	if s.opts.Feed != nil {
		r.HandleFunc("/ws/settlements", s.HandleSettlementFeed).Methods(http.MethodGet)
	}
	return r
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	s.logger.Info("Starting ops server", zap.String("addr", s.opts.Addr))
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Ops server stopped", zap.Error(err))
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.opts.Health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Status())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
