package api

import (
	"net/http"
	"strings"
)

type bundleRequest struct {
	Transactions []string `json:"transactions"`
}

func (s *Server) handleSubmitBundle(w http.ResponseWriter, r *http.Request) {
	var req bundleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.deps.Relay.SubmitBundle(r.Context(), req.Transactions)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTipAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.deps.Relay.TipAccounts(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tipAccounts": accounts})
}

func (s *Server) handleConnectedLeaders(w http.ResponseWriter, r *http.Request) {
	leaders, err := s.deps.Relay.ConnectedLeaders(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leaders": leaders})
}

// handleNextLeader takes an optional comma separated ?regions= list.
func (s *Server) handleNextLeader(w http.ResponseWriter, r *http.Request) {
	var regions []string
	for _, reg := range strings.Split(r.URL.Query().Get("regions"), ",") {
		if reg = strings.TrimSpace(reg); reg != "" {
			regions = append(regions, reg)
		}
	}
	next, err := s.deps.Relay.NextScheduledLeader(r.Context(), regions)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, next)
}
