package notifications

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"

	"github.com/kjannette/trahn-gateway/internal/models"
)

// TradeSource is the orchestrator's update feed.
type TradeSource interface {
	SubscribeUpdates(ch chan<- models.TradeUpdate) event.Subscription
}

// TradeHandler is called once per trade that reaches submitted or failed.
type TradeHandler func(ctx context.Context, t models.Trade)

const (
	watchBuffer    = 64
	queueSize      = 256
	handlerTimeout = 30 * time.Second
)

// Watcher runs handlers for finished trades off the update feed. Handlers
// run on their own goroutine so a slow webhook never holds up publishing;
// when the queue is full the trade is dropped and logged.
type Watcher struct {
	sub      event.Subscription
	updates  chan models.TradeUpdate
	queue    chan models.Trade
	handlers []TradeHandler
	log      *zap.Logger

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

func Watch(src TradeSource, log *zap.Logger, handlers ...TradeHandler) *Watcher {
	if log == nil {
		log = zap.NewNop()
	}
	w := &Watcher{
		updates:  make(chan models.TradeUpdate, watchBuffer),
		queue:    make(chan models.Trade, queueSize),
		handlers: handlers,
		log:      log.With(zap.String("component", "trade-watcher")),
		done:     make(chan struct{}),
	}
	w.sub = src.SubscribeUpdates(w.updates)

	w.wg.Add(2)
	go w.collect()
	go w.work()
	return w
}

func (w *Watcher) collect() {
	defer w.wg.Done()
	defer close(w.queue)
	for {
		select {
		case <-w.done:
			return
		case <-w.sub.Err():
			return
		case u := <-w.updates:
			if !u.Trade.Status.Terminal() {
				continue
			}
			select {
			case w.queue <- u.Trade:
			default:
				w.log.Warn("watcher queue full, dropping trade", zap.String("trade_id", u.Trade.ID))
			}
		}
	}
}

func (w *Watcher) work() {
	defer w.wg.Done()
	for t := range w.queue {
		for _, h := range w.handlers {
			ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
			h(ctx, t)
			cancel()
		}
	}
}

// Stop unsubscribes and waits for queued trades to be handled.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.sub.Unsubscribe()
		close(w.done)
		w.wg.Wait()
	})
}
