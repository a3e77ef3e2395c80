package relay

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

// TipPool holds the accounts a bundle tip may be paid to.
type TipPool struct {
	mu       sync.RWMutex
	accounts []string
	log      *zap.Logger
}

func NewTipPool(static []string, log *zap.Logger) *TipPool {
	if log == nil {
		log = zap.NewNop()
	}
	p := &TipPool{log: log.With(zap.String("component", "tips"))}
	p.Set(static)
	return p
}

// Set replaces the pool, dropping anything that is not a valid public key.
// An empty or fully invalid list leaves the current pool untouched.
func (p *TipPool) Set(accounts []string) int {
	valid := make([]string, 0, len(accounts))
	for _, a := range accounts {
		if _, err := solana.PublicKeyFromBase58(a); err != nil {
			p.log.Warn("ignoring invalid tip account", zap.String("account", a))
			continue
		}
		valid = append(valid, a)
	}
	if len(valid) == 0 {
		return p.Len()
	}
	p.mu.Lock()
	p.accounts = valid
	p.mu.Unlock()
	return len(valid)
}

// Pick returns a uniformly random account from the pool.
func (p *TipPool) Pick() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.accounts) == 0 {
		return "", false
	}
	return p.accounts[rand.IntN(len(p.accounts))], true
}

func (p *TipPool) Accounts() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.accounts...)
}

func (p *TipPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.accounts)
}

// Refresh reloads the pool from the gRPC relay.
func (p *TipPool) Refresh(ctx context.Context, r *Router) error {
	accounts, err := r.TipAccounts(ctx)
	if err != nil {
		return err
	}
	n := p.Set(accounts)
	p.log.Info("tip accounts refreshed", zap.Int("count", n))
	return nil
}
