package stream

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"
)

// Call runs a unary operation on the managed client. If the operation fails
// with an error the manager classifies as retryable, the client is replaced
// and the operation runs once more. A client some other caller has already
// replaced is left alone.
func Call[C Conn, T any](ctx context.Context, m *Manager[C], fn func(context.Context, C) (T, error)) (T, error) {
	var zero T
	c, gen, err := m.acquire(ctx)
	if err != nil {
		return zero, err
	}
	v, err := fn(ctx, c)
	if err == nil || !m.opts.Retryable(err) {
		return v, err
	}

	m.log.Warn("call failed on transport, reconnecting", zap.Error(err))
	c, err = m.reconnectFrom(ctx, gen)
	if err != nil {
		return zero, err
	}
	return fn(ctx, c)
}

// Tracked is a subscription registered with its Manager until closed.
type Tracked[S io.Closer] struct {
	Stream S

	once    sync.Once
	release func()
	err     error
}

// Close closes the underlying stream and unregisters it. Safe to call
// more than once.
func (t *Tracked[S]) Close() error {
	t.once.Do(func() {
		t.release()
		t.err = t.Stream.Close()
	})
	return t.err
}

// Open creates a subscription on the managed client with the same
// reconnect-and-retry-once rule as Call. The returned handle counts toward
// Status().ActiveSubscriptions until closed.
func Open[C Conn, S io.Closer](ctx context.Context, m *Manager[C], fn func(context.Context, C) (S, error)) (*Tracked[S], error) {
	s, err := Call(ctx, m, fn)
	if err != nil {
		return nil, err
	}
	t := &Tracked[S]{Stream: s}
	id := m.track(t)
	t.release = func() { m.untrack(id) }
	return t, nil
}
