package api

import "net/http"

type batchRequest struct {
	Addresses []string `json:"addresses"`
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Accounts.GetAccount(r.Context(), r.PathValue("address"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.deps.Accounts.GetBalance(r.Context(), r.PathValue("address"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (s *Server) handleBatchAccounts(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.deps.Accounts.GetMultipleAccounts(r.Context(), req.Addresses)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": res})
}
