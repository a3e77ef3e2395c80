package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjannette/trahn-gateway/internal/apperr"
	"github.com/kjannette/trahn-gateway/internal/cache"
	"github.com/kjannette/trahn-gateway/internal/hub"
	"github.com/kjannette/trahn-gateway/internal/models"
	"github.com/kjannette/trahn-gateway/internal/relay"
	"github.com/kjannette/trahn-gateway/internal/stream"
	"github.com/kjannette/trahn-gateway/internal/trade"
)

type fakeTrader struct {
	buyErr    error
	submitErr error
	// recorded makes failures report a failed trade, as the orchestrator
	// does once a flow has started.
	recorded bool
	trades   map[string]models.Trade
	lastBuy  trade.BuyRequest
}

func (f *fakeTrader) failed(id string) *trade.Result {
	if !f.recorded {
		return nil
	}
	return &trade.Result{TradeID: id, Status: models.StatusFailed}
}

func (f *fakeTrader) Buy(_ context.Context, req trade.BuyRequest) (*trade.Result, error) {
	f.lastBuy = req
	if f.buyErr != nil {
		return f.failed("t1"), f.buyErr
	}
	return &trade.Result{Success: true, TradeID: "t1", Status: models.StatusAwaitingSignature, SwapTransaction: "AQID"}, nil
}

func (f *fakeTrader) Sell(_ context.Context, req trade.SellRequest) (*trade.Result, error) {
	return &trade.Result{Success: true, TradeID: "t2", Status: models.StatusSubmitted, BundleID: "b-1"}, nil
}

func (f *fakeTrader) SubmitSignedTransaction(_ context.Context, id, tx string) (*trade.Result, error) {
	if f.submitErr != nil {
		return f.failed(id), f.submitErr
	}
	return &trade.Result{Success: true, TradeID: id, Status: models.StatusSubmitted, BundleID: "b-" + tx}, nil
}

func (f *fakeTrader) GetTrade(id string) (models.Trade, bool) {
	t, ok := f.trades[id]
	return t, ok
}

type fakeAccounts struct{}

func (fakeAccounts) GetAccount(_ context.Context, address string) (cache.Result, error) {
	if address == "missing" {
		return cache.Result{}, apperr.NotFound("account %s", address)
	}
	return cache.Result{Address: address, Account: &models.Account{Address: address, Lamports: 7}, Source: models.SourceCache}, nil
}

func (fakeAccounts) GetMultipleAccounts(_ context.Context, addrs []string) ([]cache.Result, error) {
	if len(addrs) == 0 {
		return nil, apperr.Validation("no addresses given")
	}
	out := make([]cache.Result, len(addrs))
	for i, a := range addrs {
		out[i] = cache.Result{Address: a, Source: models.SourceRPCFallback}
	}
	return out, nil
}

func (fakeAccounts) GetBalance(_ context.Context, address string) (cache.Balance, error) {
	return cache.Balance{Address: address, Lamports: 1_500_000_000, SOL: "1.5", Source: models.SourceGRPC}, nil
}

type fakeRelay struct {
	submitErr error
	regions   []string
}

func (f *fakeRelay) SubmitBundle(_ context.Context, txs []string) (*relay.BundleResponse, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &relay.BundleResponse{BundleID: fmt.Sprintf("bundle-%d", len(txs)), Via: "http"}, nil
}

func (f *fakeRelay) TipAccounts(context.Context) ([]string, error) {
	return nil, apperr.Connection("grpc relay not configured")
}

func (f *fakeRelay) ConnectedLeaders(context.Context) (map[string][]uint64, error) {
	return map[string][]uint64{"leader": {1, 2}}, nil
}

func (f *fakeRelay) NextScheduledLeader(_ context.Context, regions []string) (relay.NextLeader, error) {
	f.regions = regions
	return relay.NextLeader{}, nil
}

type fakeArchive struct {
	trades  []models.Trade
	pingErr error
}

func (f *fakeArchive) History(_ context.Context, limit int) ([]models.Trade, error) {
	if limit < len(f.trades) {
		return f.trades[:limit], nil
	}
	return f.trades, nil
}

func (f *fakeArchive) Ping(context.Context) error { return f.pingErr }

type fakeUpstream struct {
	st      stream.Status
	healthy bool
}

func (f fakeUpstream) Status() stream.Status          { return f.st }
func (f fakeUpstream) IsHealthy(context.Context) bool { return f.healthy }

type fakeRPC struct{ err error }

func (f fakeRPC) Health(context.Context) error { return f.err }

type fakeLedger struct{ err error }

func (f fakeLedger) Slot(context.Context) (uint64, error)        { return 300, f.err }
func (f fakeLedger) BlockHeight(context.Context) (uint64, error) { return 1000, f.err }

type fakeSockets struct{}

func (fakeSockets) ServeWS(kind hub.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Kind", string(kind))
		w.WriteHeader(http.StatusTeapot)
	}
}

func (fakeSockets) Stats() map[hub.Kind]hub.KindStats {
	return map[hub.Kind]hub.KindStats{hub.KindTrades: {Upstreams: 1, Sockets: 2}}
}

func newTestServer(deps Deps) http.Handler {
	if deps.Trades == nil {
		deps.Trades = &fakeTrader{}
	}
	if deps.Accounts == nil {
		deps.Accounts = fakeAccounts{}
	}
	if deps.Relay == nil {
		deps.Relay = &fakeRelay{}
	}
	return NewServer(deps, Options{}).Handler("*")
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var out map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	}
	return rr, out
}

func TestBuyRoute(t *testing.T) {
	trader := &fakeTrader{}
	h := newTestServer(Deps{Trades: trader})

	rr, out := do(t, h, http.MethodPost, "/v1/trades/buy",
		`{"outputMint":"Mint","amountLamports":1000000000,"wallet":"W","slippageBps":75}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "t1", out["tradeId"])
	assert.Equal(t, "awaiting_signature", out["status"])
	assert.Equal(t, uint64(1_000_000_000), trader.lastBuy.AmountLamports)
	assert.Equal(t, 75, trader.lastBuy.SlippageBps)
}

func TestBuyRoute_Errors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		body   string
		status int
		code   string
	}{
		{"bad json", nil, `{"outputMint":`, http.StatusBadRequest, "validation"},
		{"validation", apperr.Validation("amountLamports must be positive"), `{}`, http.StatusBadRequest, "validation"},
		{"quote", fmt.Errorf("%w: no route", apperr.ErrUpstreamQuote), `{}`, http.StatusBadGateway, "upstream_quote"},
		{"no blockhash", apperr.Connection("no blockhash source"), `{}`, http.StatusServiceUnavailable, "connection"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestServer(Deps{Trades: &fakeTrader{buyErr: tc.err}})
			rr, out := do(t, h, http.MethodPost, "/v1/trades/buy", tc.body)
			assert.Equal(t, tc.status, rr.Code)
			assert.Equal(t, tc.code, out["code"])
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestTradeRoutes_FailedTradeReportsID(t *testing.T) {
	relayErr := fmt.Errorf("%w: all endpoints failed", apperr.ErrRelay)

	h := newTestServer(Deps{Trades: &fakeTrader{buyErr: relayErr, recorded: true}})
	rr, out := do(t, h, http.MethodPost, "/v1/trades/buy", `{"outputMint":"Mint","amountLamports":1,"wallet":"W"}`)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, "t1", out["tradeId"])
	assert.Equal(t, "failed", out["status"])
	assert.Equal(t, "relay", out["code"])

	h = newTestServer(Deps{Trades: &fakeTrader{submitErr: relayErr, recorded: true}})
	rr, out = do(t, h, http.MethodPost, "/v1/trades/t9/submit", `{"signedTransaction":"sig"}`)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, "t9", out["tradeId"])
	assert.Equal(t, "failed", out["status"])

	h = newTestServer(Deps{Trades: &fakeTrader{buyErr: apperr.Validation("wallet is required")}})
	_, out = do(t, h, http.MethodPost, "/v1/trades/buy", `{}`)
	assert.NotContains(t, out, "tradeId", "rejected before a trade exists")
}

func TestSellRoute(t *testing.T) {
	h := newTestServer(Deps{})
	rr, out := do(t, h, http.MethodPost, "/v1/trades/sell", `{"inputMint":"Mint","amount":"5","wallet":"W"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "b-1", out["bundleId"])
}

func TestSubmitRoute(t *testing.T) {
	h := newTestServer(Deps{})
	rr, out := do(t, h, http.MethodPost, "/v1/trades/t9/submit", `{"signedTransaction":"sig"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "t9", out["tradeId"])
	assert.Equal(t, "b-sig", out["bundleId"])

	for _, tc := range []struct {
		err    error
		status int
	}{
		{apperr.NotFound("trade t9"), http.StatusNotFound},
		{apperr.InvalidState("trade t9 is submitted"), http.StatusConflict},
		{fmt.Errorf("%w: all endpoints failed", apperr.ErrRelay), http.StatusBadGateway},
	} {
		h := newTestServer(Deps{Trades: &fakeTrader{submitErr: tc.err}})
		rr, _ := do(t, h, http.MethodPost, "/v1/trades/t9/submit", `{"signedTransaction":"sig"}`)
		assert.Equal(t, tc.status, rr.Code, tc.err.Error())
	}
}

func TestGetTradeRoute(t *testing.T) {
	trader := &fakeTrader{trades: map[string]models.Trade{
		"t1": {ID: "t1", Direction: models.DirectionBuy, Status: models.StatusSubmitted, Steps: []models.Step{}},
	}}
	h := newTestServer(Deps{Trades: trader})

	rr, out := do(t, h, http.MethodGet, "/v1/trades/t1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "t1", out["id"])
	assert.Equal(t, "buy", out["type"])

	rr, out = do(t, h, http.MethodGet, "/v1/trades/nope", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "not_found", out["code"])
}

func TestTradeHistoryRoute(t *testing.T) {
	h := newTestServer(Deps{})
	rr, _ := do(t, h, http.MethodGet, "/v1/trades/history", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	archive := &fakeArchive{trades: []models.Trade{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	h = newTestServer(Deps{Archive: archive})
	rr, out := do(t, h, http.MethodGet, "/v1/trades/history?limit=2", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 2, out["count"])
}

func TestAccountRoutes(t *testing.T) {
	h := newTestServer(Deps{})

	rr, out := do(t, h, http.MethodGet, "/v1/accounts/Addr1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "cache", out["source"])

	rr, _ = do(t, h, http.MethodGet, "/v1/accounts/missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr, out = do(t, h, http.MethodGet, "/v1/accounts/Addr1/balance", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "1.5", out["sol"])

	rr, out = do(t, h, http.MethodPost, "/v1/accounts/batch", `{"addresses":["A","B"]}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, out["accounts"], 2)

	rr, _ = do(t, h, http.MethodPost, "/v1/accounts/batch", `{"addresses":[]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRelayRoutes(t *testing.T) {
	rl := &fakeRelay{}
	h := newTestServer(Deps{Relay: rl})

	rr, out := do(t, h, http.MethodPost, "/v1/bundles", `{"transactions":["a","b"]}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "bundle-2", out["bundleId"])

	rr, out = do(t, h, http.MethodGet, "/v1/relay/tip-accounts", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "connection", out["code"])

	rr, _ = do(t, h, http.MethodGet, "/v1/relay/leaders", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr, _ = do(t, h, http.MethodGet, "/v1/relay/next-leader?regions=ny,%20amsterdam,", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"ny", "amsterdam"}, rl.regions)

	h = newTestServer(Deps{Relay: &fakeRelay{submitErr: fmt.Errorf("%w: every endpoint failed", apperr.ErrRelay)}})
	rr, out = do(t, h, http.MethodPost, "/v1/bundles", `{"transactions":["a"]}`)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, "relay", out["code"])
}

func TestWebSocketRoutes(t *testing.T) {
	h := newTestServer(Deps{Sockets: fakeSockets{}})
	for _, kind := range hub.Kinds {
		rr, _ := do(t, h, http.MethodGet, "/ws/"+string(kind), "")
		assert.Equal(t, http.StatusTeapot, rr.Code)
		assert.Equal(t, string(kind), rr.Header().Get("X-Kind"))
	}
}

func TestHealth(t *testing.T) {
	h := newTestServer(Deps{
		RPC:     fakeRPC{},
		Archive: &fakeArchive{},
		Sockets: fakeSockets{},
		Ledger:  fakeLedger{},
		Upstreams: []Upstream{
			fakeUpstream{st: stream.Status{Name: "geyser", Endpoint: "geyser:443", Connected: true}, healthy: true},
			fakeUpstream{st: stream.Status{Name: "relay-grpc"}},
		},
	})
	rr, out := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", out["status"])
	services := out["services"].(map[string]any)
	assert.Equal(t, "connected", services["rpc"])
	assert.Equal(t, "connected", services["database"])
	ups := out["upstreams"].([]any)
	require.Len(t, ups, 2)
	assert.Equal(t, true, ups[0].(map[string]any)["healthy"])
	assert.Equal(t, "relay-grpc", ups[1].(map[string]any)["name"])
	assert.Contains(t, out["subscriptions"], "trades")
	ledger := out["ledger"].(map[string]any)
	assert.Equal(t, float64(300), ledger["slot"])
	assert.Equal(t, float64(1000), ledger["blockHeight"])
}

func TestHealth_Degraded(t *testing.T) {
	h := newTestServer(Deps{
		RPC:     fakeRPC{err: errors.New("connection refused")},
		Archive: &fakeArchive{pingErr: errors.New("down")},
		Upstreams: []Upstream{
			fakeUpstream{st: stream.Status{Name: "geyser", Endpoint: "geyser:443", LastError: "dial failed"}},
		},
	})
	rr, out := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "degraded", out["status"])
	services := out["services"].(map[string]any)
	assert.Equal(t, "disconnected", services["rpc"])
	assert.Equal(t, "disconnected", services["database"])
}

func TestHealth_LedgerError(t *testing.T) {
	h := newTestServer(Deps{Ledger: fakeLedger{err: errors.New("unavailable")}})
	_, out := do(t, h, http.MethodGet, "/health", "")
	ledger := out["ledger"].(map[string]any)
	assert.Equal(t, "unavailable", ledger["error"])
	assert.NotContains(t, ledger, "slot")

	h = newTestServer(Deps{})
	_, out = do(t, h, http.MethodGet, "/health", "")
	assert.NotContains(t, out, "ledger", "no ledger stream configured")
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		apperr.Validation("x"):                              http.StatusBadRequest,
		apperr.NotFound("x"):                                http.StatusNotFound,
		apperr.InvalidState("x"):                            http.StatusConflict,
		apperr.Connection("x"):                              http.StatusServiceUnavailable,
		fmt.Errorf("%w: x", apperr.ErrRelay):                http.StatusBadGateway,
		fmt.Errorf("%w: x", apperr.ErrUpstreamBuild):        http.StatusBadGateway,
		fmt.Errorf("wrapped: %w", context.DeadlineExceeded): http.StatusGatewayTimeout,
		errors.New("boom"):                                  http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}
