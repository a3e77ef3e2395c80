package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/kjannette/trahn-gateway/internal/apperr"
	"github.com/kjannette/trahn-gateway/internal/cache"
	"github.com/kjannette/trahn-gateway/internal/hub"
	"github.com/kjannette/trahn-gateway/internal/models"
	"github.com/kjannette/trahn-gateway/internal/relay"
	"github.com/kjannette/trahn-gateway/internal/stream"
	"github.com/kjannette/trahn-gateway/internal/trade"
)

const (
	maxQueryLimit = 1000
	maxBodyBytes  = 1 << 20
)

type Trader interface {
	Buy(ctx context.Context, req trade.BuyRequest) (*trade.Result, error)
	Sell(ctx context.Context, req trade.SellRequest) (*trade.Result, error)
	SubmitSignedTransaction(ctx context.Context, tradeID, signedTx string) (*trade.Result, error)
	GetTrade(id string) (models.Trade, bool)
}

type Accounts interface {
	GetAccount(ctx context.Context, address string) (cache.Result, error)
	GetMultipleAccounts(ctx context.Context, addresses []string) ([]cache.Result, error)
	GetBalance(ctx context.Context, address string) (cache.Balance, error)
}

type Relay interface {
	SubmitBundle(ctx context.Context, txs []string) (*relay.BundleResponse, error)
	TipAccounts(ctx context.Context) ([]string, error)
	ConnectedLeaders(ctx context.Context) (map[string][]uint64, error)
	NextScheduledLeader(ctx context.Context, regions []string) (relay.NextLeader, error)
}

// Archive is the optional trade history store.
type Archive interface {
	History(ctx context.Context, limit int) ([]models.Trade, error)
	Ping(ctx context.Context) error
}

// Upstream is a connection manager as seen by the health check.
type Upstream interface {
	Status() stream.Status
	IsHealthy(ctx context.Context) bool
}

type RPCHealth interface {
	Health(ctx context.Context) error
}

// Ledger is the ledger stream's view of the chain tip.
type Ledger interface {
	Slot(ctx context.Context) (uint64, error)
	BlockHeight(ctx context.Context) (uint64, error)
}

type Sockets interface {
	ServeWS(kind hub.Kind) http.HandlerFunc
	Stats() map[hub.Kind]hub.KindStats
}

// Deps are the components behind the routes. Archive may be nil.
type Deps struct {
	Trades    Trader
	Accounts  Accounts
	Relay     Relay
	Archive   Archive
	Sockets   Sockets
	RPC       RPCHealth
	Ledger    Ledger
	Upstreams []Upstream
}

type Options struct {
	Port            int
	APIKey          string
	CORSAllowOrigin string
	Logger          *zap.Logger
}

type Server struct {
	deps       Deps
	httpServer *http.Server
	apiKey     string
	log        *zap.Logger
	started    time.Time
}

func NewServer(deps Deps, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		deps:    deps,
		apiKey:  opts.APIKey,
		log:     log.With(zap.String("component", "api")),
		started: time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           s.Handler(opts.CORSAllowOrigin),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	return s
}

// Handler is the full route table wrapped in auth and CORS.
func (s *Server) Handler(corsOrigin string) http.Handler {
	mux := http.NewServeMux()

	// Trade routes
	mux.HandleFunc("POST /v1/trades/buy", s.handleBuy)
	mux.HandleFunc("POST /v1/trades/sell", s.handleSell)
	mux.HandleFunc("POST /v1/trades/{id}/submit", s.handleSubmit)
	mux.HandleFunc("GET /v1/trades/history", s.handleTradeHistory)
	mux.HandleFunc("GET /v1/trades/{id}", s.handleGetTrade)

	// Account routes
	mux.HandleFunc("GET /v1/accounts/{address}", s.handleGetAccount)
	mux.HandleFunc("GET /v1/accounts/{address}/balance", s.handleGetBalance)
	mux.HandleFunc("POST /v1/accounts/batch", s.handleBatchAccounts)

	// Relay routes
	mux.HandleFunc("POST /v1/bundles", s.handleSubmitBundle)
	mux.HandleFunc("GET /v1/relay/tip-accounts", s.handleTipAccounts)
	mux.HandleFunc("GET /v1/relay/leaders", s.handleConnectedLeaders)
	mux.HandleFunc("GET /v1/relay/next-leader", s.handleNextLeader)

	// Subscriptions
	if s.deps.Sockets != nil {
		for _, kind := range hub.Kinds {
			mux.HandleFunc("GET /ws/"+string(kind), s.deps.Sockets.ServeWS(kind))
		}
	}

	// Health check (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.authMiddleware(corsMiddleware(mux, corsOrigin))
}

func (s *Server) Start() error {
	s.log.Info("REST API server started",
		zap.String("addr", s.httpServer.Addr),
		zap.Bool("auth", s.apiKey != ""))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// --- middleware ---

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" || r.URL.Path == "/health" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		// Browsers cannot set headers on a WebSocket handshake.
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			if r.URL.Query().Get("apiKey") == s.apiKey {
				next.ServeHTTP(w, r)
				return
			}
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			writeError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth || token != s.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler, allowOrigin string) http.Handler {
	if allowOrigin == "" {
		allowOrigin = "*"
	}
	c := cors.New(cors.Options{
		AllowedOrigins: strings.Split(allowOrigin, ","),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(next)
}

// --- validation helpers ---

func parseLimit(r *http.Request, defaultLimit int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxQueryLimit {
		return maxQueryLimit
	}
	return n
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErr(w, apperr.Validation("invalid JSON body: %v", err))
		return false
	}
	return true
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr reports err with the status for its kind.
func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{
		"error": err.Error(),
		"code":  apperr.Code(err),
	})
}

// writeTradeErr is writeErr plus the id of the trade the failure was
// recorded on, when there is one.
func writeTradeErr(w http.ResponseWriter, res *trade.Result, err error) {
	if res == nil || res.TradeID == "" {
		writeErr(w, err)
		return
	}
	writeJSON(w, statusFor(err), map[string]string{
		"error":   err.Error(),
		"code":    apperr.Code(err),
		"tradeId": res.TradeID,
		"status":  string(res.Status),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrConnection):
		return http.StatusServiceUnavailable
	case errors.Is(err, apperr.ErrRelay),
		errors.Is(err, apperr.ErrUpstreamQuote),
		errors.Is(err, apperr.ErrUpstreamBuild):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
