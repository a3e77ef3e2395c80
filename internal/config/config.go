package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	// Solana RPC (required; fallback for everything the ledger stream serves)
	SolanaRPCURL string

	// Ledger stream
	GeyserEndpoint   string
	GeyserToken      string
	GeyserCommitment string

	// Bundle relay
	RelayGRPCEndpoint   string
	RelayAuthToken      string
	RelayHTTPEndpoints  []string
	RelayParallelism    int
	RelayRequestTimeout time.Duration
	RelayHTTPRPS        float64
	TipAccounts         []string
	TipRefreshInterval  time.Duration

	// Quote aggregator
	QuoteAPIURL string

	// Account cache
	CacheTTL          time.Duration
	CacheMaxEntries   int
	CacheMaxBatch     int
	CacheFetchTimeout time.Duration

	// Trades
	TradeRetention     time.Duration
	TradeReapInterval  time.Duration
	DefaultSlippageBps int
	DefaultTipLamports uint64

	// Reconnects
	ReconnectMaxAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	// Risk Management
	MaxBuyLamports uint64
	MaxSlippageBps int
	MaxOpenTrades  int

	// API
	APIPort         int
	APIKey          string
	CORSAllowOrigin string

	// Notifications
	WebhookURL  string
	GatewayName string

	// Logging
	LogLevel string
	LogFile  string

	// Archive
	ArchiveEnabled bool
	DBHost         string
	DBPort         int
	DBName         string
	DBUser         string
	DBPassword     string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		SolanaRPCURL: envStr("SOLANA_RPC_URL", ""),

		GeyserEndpoint:   envStr("GEYSER_ENDPOINT", ""),
		GeyserToken:      envStr("GEYSER_TOKEN", ""),
		GeyserCommitment: envStr("GEYSER_COMMITMENT", "confirmed"),

		RelayGRPCEndpoint:   envStr("RELAY_GRPC_ENDPOINT", ""),
		RelayAuthToken:      envStr("RELAY_AUTH_TOKEN", ""),
		RelayHTTPEndpoints:  envList("RELAY_HTTP_ENDPOINTS"),
		RelayParallelism:    envInt("RELAY_PARALLELISM", 3),
		RelayRequestTimeout: envMillis("RELAY_REQUEST_TIMEOUT_MS", 5000),
		RelayHTTPRPS:        envFloat("RELAY_HTTP_RPS", 0),
		TipAccounts:         envList("TIP_ACCOUNTS"),
		TipRefreshInterval:  envDuration("TIP_REFRESH_INTERVAL", 10*time.Minute),

		QuoteAPIURL: envStr("QUOTE_API_URL", "https://quote-api.jup.ag/v6"),

		CacheTTL:          envMillis("CACHE_TTL_MS", 5000),
		CacheMaxEntries:   envInt("CACHE_MAX_ENTRIES", 10_000),
		CacheMaxBatch:     envInt("CACHE_MAX_BATCH", 100),
		CacheFetchTimeout: envMillis("CACHE_FETCH_TIMEOUT_MS", 10_000),

		TradeRetention:     time.Duration(envInt("TRADE_RETENTION_MINUTES", 60)) * time.Minute,
		TradeReapInterval:  time.Duration(envInt("TRADE_REAP_INTERVAL_SECONDS", 60)) * time.Second,
		DefaultSlippageBps: envInt("DEFAULT_SLIPPAGE_BPS", 50),
		DefaultTipLamports: envUint("DEFAULT_TIP_LAMPORTS", 10_000),

		ReconnectMaxAttempts: envInt("RECONNECT_MAX_ATTEMPTS", 5),
		ReconnectBaseDelay:   envMillis("RECONNECT_BASE_DELAY_MS", 1000),
		ReconnectMaxDelay:    envMillis("RECONNECT_MAX_DELAY_MS", 30_000),

		MaxBuyLamports: envUint("MAX_BUY_LAMPORTS", 0),
		MaxSlippageBps: envInt("MAX_SLIPPAGE_BPS", 0),
		MaxOpenTrades:  envInt("MAX_OPEN_TRADES", 0),

		APIPort:         envInt("API_PORT", 3001),
		APIKey:          envStr("API_KEY", ""),
		CORSAllowOrigin: envStr("CORS_ALLOW_ORIGIN", "*"),

		WebhookURL:  envStr("WEBHOOK_URL", ""),
		GatewayName: envStr("GATEWAY_NAME", "TrahnGateway"),

		LogLevel: envStr("LOG_LEVEL", "info"),
		LogFile:  envStr("LOG_FILE", ""),

		ArchiveEnabled: envBool("ARCHIVE_ENABLED", false),
		DBHost:         envStr("DB_HOST", "localhost"),
		DBPort:         envInt("DB_PORT", 5432),
		DBName:         envStr("DB_NAME", "trahn_gateway"),
		DBUser:         envStr("DB_USER", ""),
		DBPassword:     envStr("DB_PASSWORD", ""),
	}

	return cfg, nil
}

// Validate returns an error listing every fatal problem. Non-fatal gaps
// are reported by Warnings.
func (c *Config) Validate() error {
	var errs []string

	if c.SolanaRPCURL == "" {
		errs = append(errs, "SOLANA_RPC_URL is required")
	}
	switch c.GeyserCommitment {
	case "processed", "confirmed", "finalized":
	default:
		errs = append(errs, fmt.Sprintf("GEYSER_COMMITMENT must be processed, confirmed or finalized, got %q", c.GeyserCommitment))
	}
	if c.RelayParallelism < 1 {
		errs = append(errs, "RELAY_PARALLELISM must be at least 1")
	}
	if c.DefaultSlippageBps < 0 || c.DefaultSlippageBps > 10_000 {
		errs = append(errs, "DEFAULT_SLIPPAGE_BPS must be within 0-10000")
	}
	if c.ReconnectMaxAttempts < 1 {
		errs = append(errs, "RECONNECT_MAX_ATTEMPTS must be at least 1")
	}
	if c.ArchiveEnabled && c.DBUser == "" {
		errs = append(errs, "DB_USER is required when ARCHIVE_ENABLED is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}

func (c *Config) Warnings() []string {
	var w []string
	if c.GeyserEndpoint == "" {
		w = append(w, "GEYSER_ENDPOINT not set: blockhashes and accounts come from RPC only, ledger subscriptions disabled")
	}
	if c.RelayGRPCEndpoint == "" && len(c.RelayHTTPEndpoints) == 0 {
		w = append(w, "no bundle relay configured: signed trades cannot be submitted")
	}
	if c.RelayGRPCEndpoint == "" && len(c.TipAccounts) == 0 {
		w = append(w, "TIP_ACCOUNTS not set and no gRPC relay to fetch them from")
	}
	if c.MaxBuyLamports == 0 && c.MaxOpenTrades == 0 {
		w = append(w, "MAX_BUY_LAMPORTS and MAX_OPEN_TRADES are both 0: no per-trade limits active")
	}
	if c.APIKey == "" {
		w = append(w, "API_KEY not set: REST API has no authentication")
	}
	return w
}

func (c *Config) Print(log *zap.Logger) {
	log.Info("gateway configuration",
		zap.String("name", c.GatewayName),
		zap.String("rpc", c.SolanaRPCURL),
		zap.String("geyser", boolLabel(c.GeyserEndpoint != "", c.GeyserEndpoint, "not set")),
		zap.String("geyser_commitment", c.GeyserCommitment),
		zap.Bool("geyser_token", c.GeyserToken != ""),
		zap.String("relay_grpc", boolLabel(c.RelayGRPCEndpoint != "", c.RelayGRPCEndpoint, "not set")),
		zap.Strings("relay_http", c.RelayHTTPEndpoints),
		zap.Int("relay_parallelism", c.RelayParallelism),
		zap.Int("static_tip_accounts", len(c.TipAccounts)),
		zap.String("quote_api", c.QuoteAPIURL),
		zap.Duration("cache_ttl", c.CacheTTL),
		zap.Duration("trade_retention", c.TradeRetention),
		zap.Int("api_port", c.APIPort),
		zap.Bool("api_auth", c.APIKey != ""),
		zap.Bool("webhook", c.WebhookURL != ""),
		zap.Bool("archive", c.ArchiveEnabled),
	)
	for _, w := range c.Warnings() {
		log.Warn(w)
	}
}

func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// --- helpers ---

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envUint(key string, fallback uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(v)
		return v == "true" || v == "1" || v == "yes"
	}
	return fallback
}

// envDuration accepts Go duration strings such as "90s" or "10m".
func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envMillis(key string, fallbackMs int) time.Duration {
	return time.Duration(envInt(key, fallbackMs)) * time.Millisecond
}

// envList splits a comma separated value, dropping blanks.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func boolLabel(cond bool, ifTrue, ifFalse string) string {
	if cond {
		return ifTrue
	}
	return ifFalse
}
