package hub

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/event"

	"github.com/kjannette/trahn-gateway/internal/geyser"
	"github.com/kjannette/trahn-gateway/internal/models"
	"github.com/kjannette/trahn-gateway/internal/relay"
	"github.com/kjannette/trahn-gateway/internal/stream"
)

const feedBuffer = 256

// chanFeed turns a source channel into Events until the source closes or
// the feed is closed.
type chanFeed[T any] struct {
	events  chan Event
	done    chan struct{}
	once    sync.Once
	errFn   func() error
	closeFn func() error
}

func newChanFeed[T any](src <-chan T, convert func(T) (Event, bool), errFn, closeFn func() error) *chanFeed[T] {
	f := &chanFeed[T]{
		events:  make(chan Event, feedBuffer),
		done:    make(chan struct{}),
		errFn:   errFn,
		closeFn: closeFn,
	}
	go func() {
		defer close(f.events)
		for {
			select {
			case <-f.done:
				return
			case v, ok := <-src:
				if !ok {
					return
				}
				ev, ok := convert(v)
				if !ok {
					continue
				}
				select {
				case f.events <- ev:
				case <-f.done:
					return
				}
			}
		}
	}()
	return f
}

func (f *chanFeed[T]) Events() <-chan Event { return f.events }

func (f *chanFeed[T]) Err() error {
	select {
	case <-f.done:
		return nil
	default:
		return f.errFn()
	}
}

func (f *chanFeed[T]) Close() error {
	var err error
	f.once.Do(func() {
		close(f.done)
		err = f.closeFn()
	})
	return err
}

// GeyserAccounts opens one ledger stream per account filter set.
func GeyserAccounts(p *geyser.Provider) Opener {
	return func(ctx context.Context, f Filter) (Feed, error) {
		h, err := p.Subscribe(ctx, geyser.SubscribeRequest{
			Accounts: map[string]geyser.AccountFilter{
				"client": {Account: f.Accounts, Owner: f.Owners},
			},
			Commitment: f.Commitment,
		})
		if err != nil {
			return nil, err
		}
		return newChanFeed(h.Updates(), func(u geyser.Update) (Event, bool) {
			if u.Account == nil {
				return Event{}, false
			}
			return Event{Account: u.Account.Model()}, true
		}, h.Err, h.Close), nil
	}
}

// GeyserTransactions opens one ledger stream per transaction filter set.
// Mints are matched as account keys of the transaction.
func GeyserTransactions(p *geyser.Provider) Opener {
	return func(ctx context.Context, f Filter) (Feed, error) {
		vote := false
		include := normalize(append(append([]string(nil), f.Accounts...), f.Mints...))
		h, err := p.Subscribe(ctx, geyser.SubscribeRequest{
			Transactions: map[string]geyser.TransactionFilter{
				"client": {Vote: &vote, AccountInclude: include},
			},
			Commitment: f.Commitment,
		})
		if err != nil {
			return nil, err
		}
		return newChanFeed(h.Updates(), func(u geyser.Update) (Event, bool) {
			if u.Transaction == nil {
				return Event{}, false
			}
			return Event{Transaction: u.Transaction}, true
		}, h.Err, h.Close), nil
	}
}

// TradeSource is the orchestrator's update feed.
type TradeSource interface {
	SubscribeUpdates(ch chan<- models.TradeUpdate) event.Subscription
}

// TradeUpdates shares the orchestrator's update feed across all trade
// subscribers.
func TradeUpdates(src TradeSource) Opener {
	return func(context.Context, Filter) (Feed, error) {
		ch := make(chan models.TradeUpdate, feedBuffer)
		sub := src.SubscribeUpdates(ch)
		return newChanFeed(ch, func(u models.TradeUpdate) (Event, bool) {
			return Event{Trade: &u}, true
		}, func() error {
			select {
			case err := <-sub.Err():
				return err
			default:
				return nil
			}
		}, func() error {
			sub.Unsubscribe()
			return nil
		}), nil
	}
}

// BundleResults shares the relay's bundle outcome stream across all
// bundle subscribers.
func BundleResults(r *relay.Router) Opener {
	return func(ctx context.Context, _ Filter) (Feed, error) {
		t, err := r.SubscribeBundleResults(ctx)
		if err != nil {
			return nil, err
		}
		return bundleFeed(t), nil
	}
}

func bundleFeed(t *stream.Tracked[*relay.ResultStream]) Feed {
	return newChanFeed(t.Stream.Results(), func(res relay.BundleResult) (Event, bool) {
		return Event{Bundle: &res}, true
	}, t.Stream.Err, t.Close)
}
