package risk

import (
	"github.com/kjannette/trahn-gateway/internal/apperr"
	"github.com/kjannette/trahn-gateway/internal/models"
)

// OpenTradeCounter abstracts the trade table so Guardian can be tested
// without an orchestrator.
type OpenTradeCounter interface {
	OpenTrades() int
}

// Limits holds the pre-trade thresholds from config.
// A zero value for any field means that check is disabled.
type Limits struct {
	MaxBuyLamports uint64
	MaxSlippageBps int
	MaxOpenTrades  int
}

// Order is what the guardian needs to know about a trade before it starts.
// Lamports is only meaningful for buys; sells are denominated in token units.
type Order struct {
	Direction   models.Direction
	Lamports    uint64
	SlippageBps int
}

type Guardian struct {
	limits  Limits
	counter OpenTradeCounter
}

func NewGuardian(limits Limits, counter OpenTradeCounter) *Guardian {
	return &Guardian{limits: limits, counter: counter}
}

// SetCounter attaches the open-trade source after construction, since the
// orchestrator that owns the trade table also holds the guardian.
func (g *Guardian) SetCounter(counter OpenTradeCounter) {
	g.counter = counter
}

func (g *Guardian) Limits() Limits {
	return g.limits
}

// PreTradeCheck validates per-trade constraints before any upstream call.
// Returns nil if the trade is allowed, an ErrValidation if blocked.
func (g *Guardian) PreTradeCheck(o Order) error {
	if g == nil {
		return nil
	}
	if g.limits.MaxSlippageBps > 0 && o.SlippageBps > g.limits.MaxSlippageBps {
		return apperr.Validation("trade blocked: slippage %d bps exceeds max %d bps",
			o.SlippageBps, g.limits.MaxSlippageBps)
	}

	if o.Direction == models.DirectionBuy && g.limits.MaxBuyLamports > 0 && o.Lamports > g.limits.MaxBuyLamports {
		return apperr.Validation("trade blocked: buy of %d lamports exceeds max %d",
			o.Lamports, g.limits.MaxBuyLamports)
	}

	if g.limits.MaxOpenTrades > 0 && g.counter != nil {
		if open := g.counter.OpenTrades(); open >= g.limits.MaxOpenTrades {
			return apperr.Validation("trade blocked: %d open trades (limit %d)",
				open, g.limits.MaxOpenTrades)
		}
	}

	return nil
}
