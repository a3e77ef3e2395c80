// Package stream keeps one live client per upstream service, with
// single-flight connection setup and a bounded reconnect loop.
package stream

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjannette/trahn-gateway/internal/apperr"
)

// Conn is the client handle a Manager owns.
type Conn interface {
	Ping(ctx context.Context) error
	Close() error
}

// Dialer establishes a fresh client.
type Dialer[C Conn] func(ctx context.Context) (C, error)

type Options struct {
	Name          string
	Endpoint      string
	Authenticated bool

	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	DialTimeout time.Duration
	PingTimeout time.Duration

	// Retryable reports whether an operation error means the client is
	// broken and should be replaced.
	Retryable func(error) bool

	Logger *zap.Logger
}

var DefaultOptions = Options{
	MaxAttempts: 5,
	BaseDelay:   1 * time.Second,
	MaxDelay:    30 * time.Second,
	DialTimeout: 10 * time.Second,
	PingTimeout: 5 * time.Second,
}

// Status is a point-in-time view of a Manager. Building it does no I/O.
type Status struct {
	Name                string `json:"name"`
	Connected           bool   `json:"connected"`
	Endpoint            string `json:"endpoint"`
	Authenticated       bool   `json:"authenticated"`
	ReconnectAttempts   int    `json:"reconnectAttempts"`
	LastError           string `json:"lastError,omitempty"`
	ActiveSubscriptions int    `json:"activeSubscriptions"`
}

const flightKey = "connect"

type Manager[C Conn] struct {
	opts Options
	dial Dialer[C]
	log  *zap.Logger

	flight singleflight.Group
	sleep  func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	client    C
	connected bool
	// gen counts installed clients, so a caller can tell whether the client
	// it saw fail is still the current one.
	gen      uint64
	attempts int
	lastErr  error
	subs     map[uint64]io.Closer
	nextSub  uint64
	closed   bool
}

func NewManager[C Conn](opts Options, dial Dialer[C]) *Manager[C] {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions.MaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultOptions.BaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultOptions.MaxDelay
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultOptions.DialTimeout
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = DefaultOptions.PingTimeout
	}
	if opts.Retryable == nil {
		opts.Retryable = func(error) bool { return false }
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager[C]{
		opts:  opts,
		dial:  dial,
		log:   log.With(zap.String("component", "stream"), zap.String("upstream", opts.Name)),
		sleep: sleepCtx,
		subs:  make(map[uint64]io.Closer),
	}
}

func (m *Manager[C]) Name() string { return m.opts.Name }

func (m *Manager[C]) Configured() bool { return m.opts.Endpoint != "" }

// GetClient returns the live client, connecting first if there is none.
// Concurrent callers share a single connection attempt.
func (m *Manager[C]) GetClient(ctx context.Context) (C, error) {
	var zero C
	if !m.Configured() {
		return zero, apperr.Connection("%s endpoint not configured", m.opts.Name)
	}
	if c, ok := m.current(); ok {
		return c, nil
	}
	return m.await(ctx, func(fctx context.Context) (C, error) {
		if c, ok := m.current(); ok {
			return c, nil
		}
		return m.connectOnce(fctx)
	})
}

// Reconnect drops the current client and re-establishes one with bounded
// exponential backoff. Once MaxAttempts is exhausted it fails with
// apperr.ErrConnection.
func (m *Manager[C]) Reconnect(ctx context.Context) (C, error) {
	var zero C
	if !m.Configured() {
		return zero, apperr.Connection("%s endpoint not configured", m.opts.Name)
	}
	return m.await(ctx, m.reconnectLoop)
}

// IsHealthy pings the current client. A missing client or failed ping is
// reported as unhealthy.
func (m *Manager[C]) IsHealthy(ctx context.Context) bool {
	c, ok := m.current()
	if !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.PingTimeout)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		m.log.Debug("health ping failed", zap.Error(err))
		return false
	}
	return true
}

func (m *Manager[C]) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Name:                m.opts.Name,
		Connected:           m.connected,
		Endpoint:            m.opts.Endpoint,
		Authenticated:       m.opts.Authenticated,
		ReconnectAttempts:   m.attempts,
		ActiveSubscriptions: len(m.subs),
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// Close releases every tracked subscription and the client.
func (m *Manager[C]) Close() error {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[uint64]io.Closer)
	c, had := m.client, m.connected
	var zero C
	m.client, m.connected, m.closed = zero, false, true
	m.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	if had {
		return c.Close()
	}
	return nil
}

func (m *Manager[C]) current() (C, bool) {
	c, _, ok := m.currentGen()
	return c, ok
}

func (m *Manager[C]) currentGen() (C, uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client, m.gen, m.connected
}

// acquire is GetClient plus the generation of the returned client.
func (m *Manager[C]) acquire(ctx context.Context) (C, uint64, error) {
	var zero C
	if c, gen, ok := m.currentGen(); ok {
		return c, gen, nil
	}
	if _, err := m.GetClient(ctx); err != nil {
		return zero, 0, err
	}
	if c, gen, ok := m.currentGen(); ok {
		return c, gen, nil
	}
	return zero, 0, apperr.Connection("%s client dropped while connecting", m.opts.Name)
}

// reconnectFrom replaces the client of generation failed. When another
// caller has already replaced it, the current client is returned as is.
func (m *Manager[C]) reconnectFrom(ctx context.Context, failed uint64) (C, error) {
	var zero C
	if !m.Configured() {
		return zero, apperr.Connection("%s endpoint not configured", m.opts.Name)
	}
	return m.await(ctx, func(fctx context.Context) (C, error) {
		if c, gen, ok := m.currentGen(); ok && gen != failed {
			return c, nil
		}
		return m.reconnectLoop(fctx)
	})
}

// await runs fn as the shared connection flight. The flight is detached
// from the caller's context so one caller giving up does not abort it for
// the others.
func (m *Manager[C]) await(ctx context.Context, fn func(context.Context) (C, error)) (C, error) {
	var zero C
	ch := m.flight.DoChan(flightKey, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(C), nil
	}
}

func (m *Manager[C]) connectOnce(ctx context.Context) (C, error) {
	var zero C
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return zero, apperr.Connection("%s manager closed", m.opts.Name)
	}
	m.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	defer cancel()

	c, err := m.dial(dctx)
	if err != nil {
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		return zero, apperr.Connection("%s connect to %s: %v", m.opts.Name, m.opts.Endpoint, err)
	}

	m.mu.Lock()
	m.client, m.connected = c, true
	m.gen++
	m.attempts, m.lastErr = 0, nil
	m.mu.Unlock()

	m.log.Info("connected", zap.String("endpoint", m.opts.Endpoint))
	return c, nil
}

func (m *Manager[C]) reconnectLoop(ctx context.Context) (C, error) {
	var zero C

	m.mu.Lock()
	old, had := m.client, m.connected
	m.client, m.connected = zero, false
	m.mu.Unlock()
	if had {
		_ = old.Close()
	}

	b := &backoff.Backoff{Min: m.opts.BaseDelay, Max: m.opts.MaxDelay, Factor: 2}
	for attempt := 1; attempt <= m.opts.MaxAttempts; attempt++ {
		delay := b.Duration()
		m.mu.Lock()
		m.attempts = attempt
		m.mu.Unlock()

		m.log.Warn("reconnecting",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.opts.MaxAttempts),
			zap.Duration("delay", delay))

		if err := m.sleep(ctx, delay); err != nil {
			return zero, err
		}

		c, err := m.connectOnce(ctx)
		if err == nil {
			return c, nil
		}
		m.log.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}

	m.mu.Lock()
	lastErr := m.lastErr
	m.mu.Unlock()
	m.log.Error("reconnect gave up", zap.Int("attempts", m.opts.MaxAttempts), zap.Error(lastErr))
	return zero, apperr.Connection("%s permanent failure after %d attempts: %v", m.opts.Name, m.opts.MaxAttempts, lastErr)
}

func (m *Manager[C]) track(s io.Closer) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	m.subs[m.nextSub] = s
	return m.nextSub
}

func (m *Manager[C]) untrack(id uint64) {
	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
