package api

import (
	"context"
	"net/http"
	"time"

	"github.com/kjannette/trahn-gateway/internal/hub"
	"github.com/kjannette/trahn-gateway/internal/stream"
)

const healthCheckTimeout = 5 * time.Second

type healthResponse struct {
	Status        string                     `json:"status"`
	Timestamp     string                     `json:"timestamp"`
	UptimeSeconds int64                      `json:"uptimeSeconds"`
	Services      healthServices             `json:"services"`
	Ledger        *ledgerHealth              `json:"ledger,omitempty"`
	Upstreams     []upstreamHealth           `json:"upstreams"`
	Subscriptions map[hub.Kind]hub.KindStats `json:"subscriptions,omitempty"`
}

type healthServices struct {
	RPC      string `json:"rpc"`
	Database string `json:"database"`
}

type ledgerHealth struct {
	Slot        uint64 `json:"slot,omitempty"`
	BlockHeight uint64 `json:"blockHeight,omitempty"`
	Error       string `json:"error,omitempty"`
}

type upstreamHealth struct {
	stream.Status
	Healthy bool `json:"healthy"`
}

// handleHealth reports "degraded" when the RPC node or a connected
// upstream is unreachable. Upstreams are dialed lazily, so one that has
// never been used is not counted against the gateway. It always answers
// 200 so load balancers can tell a slow gateway from a dead one by the body.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{
		Status:        "ok",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Services:      healthServices{RPC: "not configured", Database: "disabled"},
	}

	if s.deps.RPC != nil {
		resp.Services.RPC = "connected"
		if err := s.deps.RPC.Health(ctx); err != nil {
			resp.Services.RPC = "disconnected"
			resp.Status = "degraded"
		}
	}

	if s.deps.Archive != nil {
		resp.Services.Database = "connected"
		if err := s.deps.Archive.Ping(ctx); err != nil {
			resp.Services.Database = "disconnected"
		}
	}

	if s.deps.Ledger != nil {
		resp.Ledger = ledgerStatus(ctx, s.deps.Ledger)
	}

	resp.Upstreams = make([]upstreamHealth, 0, len(s.deps.Upstreams))
	for _, up := range s.deps.Upstreams {
		st := up.Status()
		h := upstreamHealth{Status: st}
		switch {
		case st.Connected:
			h.Healthy = up.IsHealthy(ctx)
			if !h.Healthy {
				resp.Status = "degraded"
			}
		case st.LastError != "":
			resp.Status = "degraded"
		}
		resp.Upstreams = append(resp.Upstreams, h)
	}

	if s.deps.Sockets != nil {
		resp.Subscriptions = s.deps.Sockets.Stats()
	}

	writeJSON(w, http.StatusOK, resp)
}

// ledgerStatus reads the chain tip. A failure is reported here and counted
// against the gateway through the upstream list.
func ledgerStatus(ctx context.Context, l Ledger) *ledgerHealth {
	out := &ledgerHealth{}
	slot, err := l.Slot(ctx)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Slot = slot
	if out.BlockHeight, err = l.BlockHeight(ctx); err != nil {
		out.Error = err.Error()
	}
	return out
}
