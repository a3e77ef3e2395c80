package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/kjannette/trahn-gateway/internal/apperr"
	"github.com/kjannette/trahn-gateway/internal/trade"
)

type submitRequest struct {
	SignedTransaction string `json:"signedTransaction"`
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	var req trade.BuyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.deps.Trades.Buy(r.Context(), req)
	if err != nil {
		s.log.Warn("buy failed", zap.String("output_mint", req.OutputMint), zap.Error(err))
		writeTradeErr(w, res, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	var req trade.SellRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.deps.Trades.Sell(r.Context(), req)
	if err != nil {
		s.log.Warn("sell failed", zap.String("input_mint", req.InputMint), zap.Error(err))
		writeTradeErr(w, res, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req submitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.deps.Trades.SubmitSignedTransaction(r.Context(), id, req.SignedTransaction)
	if err != nil {
		s.log.Warn("submit failed", zap.String("trade_id", id), zap.Error(err))
		writeTradeErr(w, res, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, ok := s.deps.Trades.GetTrade(id)
	if !ok {
		writeErr(w, apperr.NotFound("trade %s", id))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTradeHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		writeErr(w, apperr.Connection("trade archive not enabled"))
		return
	}
	trades, err := s.deps.Archive.History(r.Context(), parseLimit(r, 100))
	if err != nil {
		s.log.Error("fetch trade history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch trades")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(trades),
		"trades": trades,
	})
}
