// Package cache serves account reads from a short-lived in-memory copy,
// coalescing concurrent misses and falling back from the ledger stream to
// the RPC node.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kjannette/trahn-gateway/internal/apperr"
	"github.com/kjannette/trahn-gateway/internal/models"
)

const solDecimals = 9

// Fetcher loads one account from an upstream.
type Fetcher interface {
	FetchAccount(ctx context.Context, address string) (*models.Account, error)
}

type Options struct {
	TTL          time.Duration
	MaxEntries   int
	MaxBatch     int
	FetchTimeout time.Duration
	Now          func() time.Time
	Logger       *zap.Logger
}

var DefaultOptions = Options{
	TTL:          5 * time.Second,
	MaxEntries:   10_000,
	MaxBatch:     100,
	FetchTimeout: 10 * time.Second,
}

// Result is an account plus where it came from. Account is nil for an
// address that does not exist (batch reads only).
type Result struct {
	Address string          `json:"address"`
	Account *models.Account `json:"account"`
	Source  models.Source   `json:"source"`
}

type Balance struct {
	Address  string        `json:"address"`
	Lamports uint64        `json:"lamports"`
	SOL      string        `json:"sol"`
	Source   models.Source `json:"source"`
}

type entry struct {
	account    *models.Account
	insertedAt time.Time
}

type Cache struct {
	primary  Fetcher
	fallback Fetcher
	opts     Options
	log      *zap.Logger

	mu      sync.Mutex
	entries *simplelru.LRU[string, entry]

	flight singleflight.Group
}

// New builds a cache over primary (the ledger stream, may be nil) and
// fallback (the RPC node).
func New(primary, fallback Fetcher, opts Options) (*Cache, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultOptions.TTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultOptions.MaxEntries
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultOptions.MaxBatch
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultOptions.FetchTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	entries, err := simplelru.NewLRU[string, entry](opts.MaxEntries, nil)
	if err != nil {
		return nil, err
	}
	return &Cache{
		primary:  primary,
		fallback: fallback,
		opts:     opts,
		log:      log.With(zap.String("component", "cache")),
		entries:  entries,
	}, nil
}

// GetAccount returns a fresh cached copy or fetches one. Concurrent misses
// for the same address share a single upstream fetch.
func (c *Cache) GetAccount(ctx context.Context, address string) (Result, error) {
	if err := validateAddress(address); err != nil {
		return Result{}, err
	}
	if acct, ok := c.lookup(address); ok {
		return Result{Address: address, Account: acct, Source: models.SourceCache}, nil
	}

	ch := c.flight.DoChan(address, func() (any, error) {
		return c.resolve(context.WithoutCancel(ctx), address)
	})
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	}
}

// GetMultipleAccounts resolves up to MaxBatch addresses in input order.
// Misses are fetched concurrently. Addresses that do not exist come back
// with a nil Account; any other failure fails the whole call.
func (c *Cache) GetMultipleAccounts(ctx context.Context, addresses []string) ([]Result, error) {
	if len(addresses) == 0 {
		return nil, apperr.Validation("no addresses given")
	}
	if len(addresses) > c.opts.MaxBatch {
		return nil, apperr.Validation("too many addresses: %d (max %d)", len(addresses), c.opts.MaxBatch)
	}
	for _, a := range addresses {
		if err := validateAddress(a); err != nil {
			return nil, err
		}
	}

	results := make([]Result, len(addresses))
	g, gctx := errgroup.WithContext(ctx)
	for i, addr := range addresses {
		if acct, ok := c.lookup(addr); ok {
			results[i] = Result{Address: addr, Account: acct, Source: models.SourceCache}
			continue
		}
		g.Go(func() error {
			r, err := c.GetAccount(gctx, addr)
			if errors.Is(err, apperr.ErrNotFound) {
				results[i] = Result{Address: addr, Source: models.SourceRPCFallback}
				return nil
			}
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// GetBalance is the lamport view of GetAccount. A missing account has a
// zero balance.
func (c *Cache) GetBalance(ctx context.Context, address string) (Balance, error) {
	r, err := c.GetAccount(ctx, address)
	if errors.Is(err, apperr.ErrNotFound) {
		return Balance{Address: address, SOL: "0", Source: models.SourceRPCFallback}, nil
	}
	if err != nil {
		return Balance{}, err
	}
	sol := decimal.NewFromUint64(r.Account.Lamports).Shift(-solDecimals)
	return Balance{
		Address:  address,
		Lamports: r.Account.Lamports,
		SOL:      sol.String(),
		Source:   r.Source,
	}, nil
}

// Len is the number of stored entries, fresh or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Invalidate drops address so the next read refetches.
func (c *Cache) Invalidate(address string) {
	c.mu.Lock()
	c.entries.Remove(address)
	c.mu.Unlock()
}

func (c *Cache) lookup(address string) (*models.Account, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries.Peek(address)
	if !ok || c.opts.Now().Sub(e.insertedAt) >= c.opts.TTL {
		return nil, false
	}
	return e.account, true
}

// store inserts address as the newest entry. Reads never reorder entries,
// so eviction removes the oldest insertion.
func (c *Cache) store(address string, acct *models.Account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(address)
	c.entries.Add(address, entry{account: acct, insertedAt: c.opts.Now()})
}

func (c *Cache) resolve(ctx context.Context, address string) (Result, error) {
	if c.primary != nil {
		fctx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
		acct, err := c.primary.FetchAccount(fctx, address)
		cancel()
		if err == nil {
			c.store(address, acct)
			return Result{Address: address, Account: acct, Source: models.SourceGRPC}, nil
		}
		c.log.Debug("stream fetch failed, using rpc", zap.String("address", address), zap.Error(err))
	}

	if c.fallback == nil {
		return Result{}, apperr.Connection("no account source configured")
	}
	acct, err := c.fallback.FetchAccount(ctx, address)
	if err != nil {
		return Result{}, err
	}
	c.store(address, acct)
	return Result{Address: address, Account: acct, Source: models.SourceRPCFallback}, nil
}

func validateAddress(address string) error {
	if _, err := solana.PublicKeyFromBase58(address); err != nil {
		return apperr.Validation("invalid address %q", address)
	}
	return nil
}
