package opsserver

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/mycelix-network/playsettle/pkg/reputation"
)

// ReputationQueries are the read-only reputation views. They are public.
type ReputationQueries interface {
	Node(ctx context.Context, nodeID string) (*reputation.CdnNodeReputation, error)
	BestNodesForRegion(ctx context.Context, region string, limit int) ([]reputation.CdnNodeReputation, error)
	Verification(ctx context.Context, subject string) (*reputation.VerificationStatus, error)
	ClaimsMadeBy(ctx context.Context, author string) ([]reputation.TrustClaim, error)
}

func (s *Server) mountReputation(r *mux.Router) {
	r.HandleFunc("/nodes/best", s.HandleBestNodes).Methods(http.MethodGet)
	r.HandleFunc("/nodes/{id}", s.HandleNode).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}/verification", s.HandleVerification).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}/claims", s.HandleClaimsMadeBy).Methods(http.MethodGet)
}

// HandleBestNodes serves ?region=<region>&limit=<n>; region defaults to global.
func (s *Server) HandleBestNodes(w http.ResponseWriter, r *http.Request) {
	region := r.URL.Query().Get("region")
	if region == "" {
		region = reputation.GlobalRegion
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	nodes, err := s.opts.Reputation.BestNodesForRegion(r.Context(), region, limit)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if nodes == nil {
		nodes = []reputation.CdnNodeReputation{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) HandleNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.opts.Reputation.Node(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) HandleVerification(w http.ResponseWriter, r *http.Request) {
	status, err := s.opts.Reputation.Verification(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) HandleClaimsMadeBy(w http.ResponseWriter, r *http.Request) {
	claims, err := s.opts.Reputation.ClaimsMadeBy(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if claims == nil {
		claims = []reputation.TrustClaim{}
	}
	writeJSON(w, http.StatusOK, claims)
}
