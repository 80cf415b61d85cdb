package opsserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mycelix-network/playsettle/pkg/faults"
	"github.com/mycelix-network/playsettle/pkg/ledger"
)

type batchView struct {
	ID            uuid.UUID          `json:"id"`
	ArtistID      string             `json:"artist_id"`
	Obligations   int                `json:"obligations"`
	TotalAmount   uint64             `json:"total_amount"`
	MerkleRoot    string             `json:"merkle_root"`
	Status        ledger.BatchStatus `json:"status"`
	TxHash        string             `json:"tx_hash,omitempty"`
	SubmittedTxs  []string           `json:"submitted_txs,omitempty"`
	FailureReason string             `json:"failure_reason,omitempty"`
	Attempts      int                `json:"attempts"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

func viewBatch(b ledger.SettlementBatch) batchView {
	v := batchView{
		ID:            b.ID,
		ArtistID:      b.ArtistID,
		Obligations:   len(b.ObligationIDs),
		TotalAmount:   b.TotalAmount,
		MerkleRoot:    b.MerkleRoot.Hex(),
		Status:        b.Status,
		FailureReason: b.FailureReason,
		Attempts:      b.Attempts,
		CreatedAt:     b.CreatedAt,
		UpdatedAt:     b.UpdatedAt,
	}
	if b.TxHash != nil {
		v.TxHash = b.TxHash.Hex()
	}
	for _, tx := range b.SubmittedTxs {
		v.SubmittedTxs = append(v.SubmittedTxs, tx.Hex())
	}
	return v
}

// HandlePendingSettlements lists pending and submitted batches, optionally for one artist.
func (s *Server) HandlePendingSettlements(w http.ResponseWriter, r *http.Request) {
	batches, err := s.opts.Settlements.PendingSettlements(r.Context(), r.URL.Query().Get("artist"))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	out := make([]batchView, 0, len(batches))
	for _, b := range batches {
		out = append(out, viewBatch(b))
	}
	writeJSON(w, http.StatusOK, out)
}

type submittedRequest struct {
	TxHash string `json:"tx_hash"`
}

// HandleMarkSubmitted records the transaction that carries a batch on chain.
func (s *Server) HandleMarkSubmitted(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	var req submittedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	raw := strings.TrimPrefix(req.TxHash, "0x")
	if len(raw) != 2*common.HashLength {
		writeError(w, http.StatusBadRequest, "tx_hash must be 32 bytes of hex")
		return
	}
	if _, err := hexutil.Decode("0x" + raw); err != nil {
		writeError(w, http.StatusBadRequest, "tx_hash must be 32 bytes of hex")
		return
	}
	b, err := s.opts.Settlements.MarkSubmitted(r.Context(), id, common.HexToHash(req.TxHash))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewBatch(*b))
}

type failedRequest struct {
	Reason string `json:"reason"`
}

// HandleMarkFailed records a reverted or dropped submission.
func (s *Server) HandleMarkFailed(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}
	var req failedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	b, err := s.opts.Settlements.MarkFailed(r.Context(), id, req.Reason)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewBatch(*b))
}

func batchID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) writeFault(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, faults.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, faults.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, faults.ErrInvariant):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("Ops request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type balanceView struct {
	Listener    string            `json:"listener"`
	TotalAmount uint64            `json:"total_amount"`
	PlayCount   uint64            `json:"play_count"`
	ByArtist    map[string]uint64 `json:"by_artist"`
}

// HandleBalanceOwed reports what a listener still owes across unsettled plays.
func (s *Server) HandleBalanceOwed(w http.ResponseWriter, r *http.Request) {
	listener := mux.Vars(r)["id"]
	b, err := s.opts.Ledger.BalanceOwed(r.Context(), listener)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceView{
		Listener:    listener,
		TotalAmount: b.TotalAmount,
		PlayCount:   b.PlayCount,
		ByArtist:    b.ByArtist,
	})
}

type songStatsView struct {
	Song            string  `json:"song"`
	TotalPlays      uint64  `json:"total_plays"`
	TotalEarnings   uint64  `json:"total_earnings"`
	UniqueListeners uint64  `json:"unique_listeners"`
	AvgCompletion   float64 `json:"avg_completion"`
}

func (s *Server) HandleSongStats(w http.ResponseWriter, r *http.Request) {
	song := mux.Vars(r)["id"]
	st, err := s.opts.Ledger.SongStats(r.Context(), song)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, songStatsView{
		Song:            song,
		TotalPlays:      st.TotalPlays,
		TotalEarnings:   st.TotalEarnings,
		UniqueListeners: st.UniqueListeners,
		AvgCompletion:   st.AvgCompletion,
	})
}
