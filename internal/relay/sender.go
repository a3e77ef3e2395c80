package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjannette/trahn-gateway/internal/apperr"
)

const (
	DefaultParallelism    = 4
	defaultRequestTimeout = 5 * time.Second
	maxResponseBytes      = 64 << 10
)

// BundleResponse is the winning relay reply.
type BundleResponse struct {
	BundleID string          `json:"bundleId"`
	Endpoint string          `json:"endpoint,omitempty"`
	Via      string          `json:"via"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

// ValidateBundle enforces the relay's 1..5 transaction limit.
func ValidateBundle(txs []string) error {
	if len(txs) == 0 || len(txs) > MaxBundleSize {
		return apperr.Validation("bundle must contain 1-%d transactions, got %d", MaxBundleSize, len(txs))
	}
	for i, tx := range txs {
		if tx == "" {
			return apperr.Validation("bundle transaction %d is empty", i)
		}
	}
	return nil
}

type SenderOptions struct {
	Endpoints      []string
	RequestTimeout time.Duration
	// RequestsPerSecond caps each endpoint; zero means unlimited.
	RequestsPerSecond float64
	Logger            *zap.Logger
}

// Sender races a bundle across regional HTTP endpoints.
type Sender struct {
	endpoints  []string
	httpClient *http.Client
	limiters   map[string]*rate.Limiter
	log        *zap.Logger
}

func NewSender(opts SenderOptions) *Sender {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Sender{
		endpoints:  opts.Endpoints,
		httpClient: &http.Client{Timeout: opts.RequestTimeout},
		limiters:   make(map[string]*rate.Limiter),
		log:        log.With(zap.String("component", "relay-http")),
	}
	if opts.RequestsPerSecond > 0 {
		for _, ep := range opts.Endpoints {
			s.limiters[ep] = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
		}
	}
	return s
}

func (s *Sender) Endpoints() []string { return s.endpoints }

type attempt struct {
	endpoint string
	resp     *BundleResponse
	err      error
}

// SendBundle posts the bundle to up to parallelism distinct endpoints at
// once. The first endpoint to accept it wins and the others are cancelled.
// If every endpoint fails the error wraps apperr.ErrRelay with the last
// failure.
func (s *Sender) SendBundle(ctx context.Context, txs []string, parallelism int) (*BundleResponse, error) {
	if err := ValidateBundle(txs); err != nil {
		return nil, err
	}
	if len(s.endpoints) == 0 {
		return nil, apperr.Connection("no relay HTTP endpoints configured")
	}

	body, err := json.Marshal(map[string]any{"transactions": txs, "encoding": "base64"})
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}

	targets := s.pick(parallelism)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan attempt, len(targets))
	for _, ep := range targets {
		go func() {
			resp, err := s.post(ctx, ep, body)
			results <- attempt{endpoint: ep, resp: resp, err: err}
		}()
	}

	var lastErr error
	for range targets {
		a := <-results
		if a.err == nil {
			s.log.Info("bundle accepted", zap.String("endpoint", a.endpoint), zap.String("bundle_id", a.resp.BundleID))
			return a.resp, nil
		}
		s.log.Debug("relay endpoint failed", zap.String("endpoint", a.endpoint), zap.Error(a.err))
		lastErr = a.err
	}
	return nil, fmt.Errorf("%w: all %d endpoints failed, last error: %v", apperr.ErrRelay, len(targets), lastErr)
}

// pick chooses n distinct endpoints at random, or all of them.
func (s *Sender) pick(n int) []string {
	if n <= 0 {
		n = DefaultParallelism
	}
	if n >= len(s.endpoints) {
		return s.endpoints
	}
	out := make([]string, 0, n)
	for _, i := range rand.Perm(len(s.endpoints))[:n] {
		out = append(out, s.endpoints[i])
	}
	return out
}

func (s *Sender) post(ctx context.Context, endpoint string, body []byte) (*BundleResponse, error) {
	if l := s.limiters[endpoint]; l != nil {
		if err := l.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(raw))
	}

	parsed := gjson.ParseBytes(raw)
	if e := parsed.Get("error"); e.Exists() && e.Type != gjson.Null {
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.String()
		}
		return nil, fmt.Errorf("relay error: %s", msg)
	}
	id := parsed.Get("result").String()
	if id == "" {
		return nil, fmt.Errorf("relay response has no result: %s", truncate(raw))
	}
	return &BundleResponse{BundleID: id, Endpoint: endpoint, Via: "http", Raw: raw}, nil
}

func truncate(b []byte) string {
	if len(b) > 256 {
		return string(b[:256])
	}
	return string(b)
}
