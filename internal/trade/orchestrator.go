// Package trade drives buy and sell flows through blockhash, quote, swap
// construction and relay submission, keeping every trade's audit trail in
// memory and publishing each change to subscribers.
package trade

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kjannette/trahn-gateway/internal/apperr"
	"github.com/kjannette/trahn-gateway/internal/models"
	"github.com/kjannette/trahn-gateway/internal/quote"
	"github.com/kjannette/trahn-gateway/internal/relay"
	"github.com/kjannette/trahn-gateway/internal/risk"
)

// NativeMint is wrapped SOL, the native side of every swap.
const NativeMint = "So11111111111111111111111111111111111111112"

const maxSlippageBps = 10_000

type BlockhashSource interface {
	LatestBlockhash(ctx context.Context) (models.Blockhash, error)
}

type BlockhashValidator interface {
	IsBlockhashValid(ctx context.Context, blockhash string) (bool, error)
}

type Quoter interface {
	GetQuote(ctx context.Context, req quote.Request) (*quote.Quote, error)
	BuildSwap(ctx context.Context, q *quote.Quote, wallet string) (*quote.SwapTransaction, error)
}

type BundleSubmitter interface {
	SubmitBundle(ctx context.Context, txs []string) (*relay.BundleResponse, error)
}

type TipPicker interface {
	Pick() (string, bool)
}

// Deps are the collaborators a trade flow calls out to. Primary and
// Validator may be nil when no ledger stream is configured.
type Deps struct {
	Primary   BlockhashSource
	Fallback  BlockhashSource
	Validator BlockhashValidator
	Quoter    Quoter
	Relay     BundleSubmitter
	Tips      TipPicker
	Guard     *risk.Guardian
}

type Options struct {
	Retention          time.Duration
	DefaultSlippageBps int
	DefaultTipLamports uint64
	Now                func() time.Time
	Logger             *zap.Logger
}

var DefaultOptions = Options{
	Retention:          time.Hour,
	DefaultSlippageBps: 50,
	DefaultTipLamports: 10_000,
}

type BuyRequest struct {
	OutputMint        string `json:"outputMint"`
	AmountLamports    uint64 `json:"amountLamports"`
	SlippageBps       int    `json:"slippageBps"`
	Wallet            string `json:"wallet"`
	SignedTransaction string `json:"signedTransaction,omitempty"`
	TipLamports       uint64 `json:"tipLamports,omitempty"`
}

// SellRequest.Amount is in token base units and kept as a string because
// token supplies overflow float64 precision.
type SellRequest struct {
	InputMint         string `json:"inputMint"`
	Amount            string `json:"amount"`
	SlippageBps       int    `json:"slippageBps"`
	Wallet            string `json:"wallet"`
	SignedTransaction string `json:"signedTransaction,omitempty"`
	TipLamports       uint64 `json:"tipLamports,omitempty"`
}

// Result is returned by Buy, Sell and SubmitSignedTransaction. Which fields
// are set depends on Status: submitted carries BundleID, awaiting_signature
// carries the unsigned transaction and tip details. When a flow fails after
// the trade was recorded, a failed Result carrying TradeID is returned
// alongside the error so the audit trail can be looked up.
type Result struct {
	Success              bool               `json:"success"`
	TradeID              string             `json:"tradeId"`
	Status               models.TradeStatus `json:"status"`
	BundleID             string             `json:"bundleId,omitempty"`
	Quote                json.RawMessage    `json:"quote,omitempty"`
	SwapTransaction      string             `json:"swapTransaction,omitempty"`
	Blockhash            string             `json:"blockhash,omitempty"`
	LastValidBlockHeight uint64             `json:"lastValidBlockHeight,omitempty"`
	TipAccount           string             `json:"tipAccount,omitempty"`
	TipLamports          uint64             `json:"tipLamports,omitempty"`
}

type entry struct {
	trade models.Trade
	// inflight is set while a flow or a submission is running on the trade.
	inflight bool
}

type Orchestrator struct {
	deps Deps
	opts Options
	log  *zap.Logger

	mu     sync.Mutex
	trades map[string]*entry

	feed  event.FeedOf[models.TradeUpdate]
	scope event.SubscriptionScope
}

func New(deps Deps, opts Options) *Orchestrator {
	if opts.Retention <= 0 {
		opts.Retention = DefaultOptions.Retention
	}
	if opts.DefaultSlippageBps <= 0 {
		opts.DefaultSlippageBps = DefaultOptions.DefaultSlippageBps
	}
	if opts.DefaultTipLamports == 0 {
		opts.DefaultTipLamports = DefaultOptions.DefaultTipLamports
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		log:    log.With(zap.String("component", "trade")),
		trades: make(map[string]*entry),
	}
}

// Buy swaps AmountLamports of SOL into OutputMint.
func (o *Orchestrator) Buy(ctx context.Context, req BuyRequest) (*Result, error) {
	if err := validateKey("outputMint", req.OutputMint); err != nil {
		return nil, err
	}
	if req.AmountLamports == 0 {
		return nil, apperr.Validation("amountLamports must be positive")
	}
	f := flow{
		direction:   models.DirectionBuy,
		inputMint:   NativeMint,
		outputMint:  req.OutputMint,
		amount:      strconv.FormatUint(req.AmountLamports, 10),
		lamports:    req.AmountLamports,
		slippageBps: req.SlippageBps,
		wallet:      req.Wallet,
		signedTx:    req.SignedTransaction,
		tipLamports: req.TipLamports,
	}
	return o.execute(ctx, f)
}

// Sell swaps Amount base units of InputMint into SOL.
func (o *Orchestrator) Sell(ctx context.Context, req SellRequest) (*Result, error) {
	if err := validateKey("inputMint", req.InputMint); err != nil {
		return nil, err
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	f := flow{
		direction:   models.DirectionSell,
		inputMint:   req.InputMint,
		outputMint:  NativeMint,
		amount:      amount,
		slippageBps: req.SlippageBps,
		wallet:      req.Wallet,
		signedTx:    req.SignedTransaction,
		tipLamports: req.TipLamports,
	}
	return o.execute(ctx, f)
}

// SubmitSignedTransaction relays the caller-signed transaction for a trade
// left in awaiting_signature.
func (o *Orchestrator) SubmitSignedTransaction(ctx context.Context, tradeID, signedTx string) (*Result, error) {
	if err := o.claim(tradeID); err != nil {
		return nil, err
	}
	defer o.release(tradeID)

	if signedTx == "" {
		// The trade stays awaiting_signature: nothing was attempted.
		return nil, apperr.Validation("signedTransaction is required")
	}

	if err := o.checkBlockhash(ctx, tradeID); err != nil {
		o.fail(tradeID, err)
		return failedResult(tradeID), err
	}
	bundleID, err := o.submit(ctx, tradeID, signedTx)
	if err != nil {
		o.fail(tradeID, err)
		return failedResult(tradeID), err
	}
	return &Result{
		Success:  true,
		TradeID:  tradeID,
		Status:   models.StatusSubmitted,
		BundleID: bundleID,
	}, nil
}

// GetTrade returns a snapshot of the trade, or false when it is unknown or
// has been reaped.
func (o *Orchestrator) GetTrade(id string) (models.Trade, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.trades[id]
	if !ok {
		return models.Trade{}, false
	}
	return e.trade.Clone(), true
}

// OpenTrades counts trades that have not reached a terminal status.
func (o *Orchestrator) OpenTrades() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, e := range o.trades {
		if !e.trade.Status.Terminal() {
			n++
		}
	}
	return n
}

// Reap drops trades created more than Retention before now. Trades with a
// flow or submission in progress are kept.
func (o *Orchestrator) Reap(now time.Time) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for id, e := range o.trades {
		if e.inflight || now.Sub(e.trade.CreatedAt) <= o.opts.Retention {
			continue
		}
		delete(o.trades, id)
		n++
	}
	if n > 0 {
		o.log.Debug("reaped trades", zap.Int("count", n), zap.Int("remaining", len(o.trades)))
	}
	return n
}

// SubscribeUpdates delivers every trade mutation to ch, in mutation order
// per trade. Publishing blocks until ch accepts, so ch must be drained.
func (o *Orchestrator) SubscribeUpdates(ch chan<- models.TradeUpdate) event.Subscription {
	return o.scope.Track(o.feed.Subscribe(ch))
}

// Close ends every update subscription.
func (o *Orchestrator) Close() {
	o.scope.Close()
}

type flow struct {
	direction   models.Direction
	inputMint   string
	outputMint  string
	amount      string
	lamports    uint64
	slippageBps int
	wallet      string
	signedTx    string
	tipLamports uint64
}

func (o *Orchestrator) execute(ctx context.Context, f flow) (*Result, error) {
	if err := validateKey("wallet", f.wallet); err != nil {
		return nil, err
	}
	if f.slippageBps == 0 {
		f.slippageBps = o.opts.DefaultSlippageBps
	}
	if f.slippageBps < 0 || f.slippageBps > maxSlippageBps {
		return nil, apperr.Validation("slippageBps must be between 1 and %d", maxSlippageBps)
	}
	if f.tipLamports == 0 {
		f.tipLamports = o.opts.DefaultTipLamports
	}
	if err := o.deps.Guard.PreTradeCheck(risk.Order{
		Direction:   f.direction,
		Lamports:    f.lamports,
		SlippageBps: f.slippageBps,
	}); err != nil {
		return nil, err
	}

	id := o.create(f)
	defer o.release(id)

	res, err := o.run(ctx, id, f)
	if err != nil {
		o.fail(id, err)
		return failedResult(id), err
	}
	return res, nil
}

func failedResult(id string) *Result {
	return &Result{TradeID: id, Status: models.StatusFailed}
}

func (o *Orchestrator) run(ctx context.Context, id string, f flow) (*Result, error) {
	log := o.log.With(zap.String("trade_id", id), zap.String("type", string(f.direction)))

	bh, source, err := o.blockhash(ctx)
	if err != nil {
		return nil, err
	}
	o.step(id, models.StepBlockhash, models.OutcomeSuccess, map[string]any{
		"blockhash":            bh.Blockhash,
		"lastValidBlockHeight": bh.LastValidBlockHeight,
		"source":               string(source),
	})

	q, err := o.deps.Quoter.GetQuote(ctx, quote.Request{
		InputMint:   f.inputMint,
		OutputMint:  f.outputMint,
		Amount:      f.amount,
		SlippageBps: f.slippageBps,
	})
	if err != nil {
		return nil, err
	}
	o.step(id, models.StepQuote, models.OutcomeSuccess, map[string]any{
		"inAmount":       q.InAmount,
		"outAmount":      q.OutAmount,
		"priceImpactPct": q.PriceImpactPct.String(),
	})

	swap, err := o.deps.Quoter.BuildSwap(ctx, q, f.wallet)
	if err != nil {
		return nil, err
	}
	o.step(id, models.StepSwapTx, models.OutcomeSuccess, map[string]any{
		"lastValidBlockHeight": swap.LastValidBlockHeight,
	})

	if f.signedTx != "" {
		bundleID, err := o.submit(ctx, id, f.signedTx)
		if err != nil {
			return nil, err
		}
		log.Info("trade submitted", zap.String("bundle_id", bundleID))
		return &Result{
			Success:  true,
			TradeID:  id,
			Status:   models.StatusSubmitted,
			BundleID: bundleID,
			Quote:    q.Raw,
		}, nil
	}

	if err := o.transition(id, models.StatusAwaitingSignature); err != nil {
		return nil, err
	}
	tip := ""
	if o.deps.Tips != nil {
		tip, _ = o.deps.Tips.Pick()
	}
	lvbh := swap.LastValidBlockHeight
	if lvbh == 0 {
		lvbh = bh.LastValidBlockHeight
	}
	log.Info("trade awaiting signature")
	return &Result{
		Success:              true,
		TradeID:              id,
		Status:               models.StatusAwaitingSignature,
		Quote:                q.Raw,
		SwapTransaction:      swap.SwapTransaction,
		Blockhash:            bh.Blockhash,
		LastValidBlockHeight: lvbh,
		TipAccount:           tip,
		TipLamports:          f.tipLamports,
	}, nil
}

// blockhash tries the ledger stream, then the RPC node.
func (o *Orchestrator) blockhash(ctx context.Context) (models.Blockhash, models.Source, error) {
	if o.deps.Primary != nil {
		bh, err := o.deps.Primary.LatestBlockhash(ctx)
		if err == nil {
			return bh, models.SourceGRPC, nil
		}
		o.log.Warn("stream blockhash failed, using rpc", zap.Error(err))
	}
	if o.deps.Fallback == nil {
		return models.Blockhash{}, "", apperr.Connection("no blockhash source configured")
	}
	bh, err := o.deps.Fallback.LatestBlockhash(ctx)
	if err != nil {
		return models.Blockhash{}, "", fmt.Errorf("blockhash: %w", err)
	}
	return bh, models.SourceRPCFallback, nil
}

// checkBlockhash rejects a submission whose recorded blockhash has expired.
// When the ledger stream cannot answer, the relay gets to decide.
func (o *Orchestrator) checkBlockhash(ctx context.Context, id string) error {
	if o.deps.Validator == nil {
		return nil
	}
	bh := o.recordedBlockhash(id)
	if bh == "" {
		return nil
	}
	valid, err := o.deps.Validator.IsBlockhashValid(ctx, bh)
	if err != nil {
		o.log.Warn("blockhash check unavailable", zap.String("trade_id", id), zap.Error(err))
		return nil
	}
	if !valid {
		return apperr.Validation("blockhash %s has expired, request a new trade", bh)
	}
	return nil
}

func (o *Orchestrator) recordedBlockhash(id string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.trades[id]
	if !ok {
		return ""
	}
	for _, s := range e.trade.Steps {
		if s.Name == models.StepBlockhash {
			bh, _ := s.Data["blockhash"].(string)
			return bh
		}
	}
	return ""
}

// submit relays signedTx and records bundle_sent plus submitted.
func (o *Orchestrator) submit(ctx context.Context, id, signedTx string) (string, error) {
	if o.deps.Relay == nil {
		return "", apperr.Connection("no relay configured")
	}
	resp, err := o.deps.Relay.SubmitBundle(ctx, []string{signedTx})
	if err != nil {
		return "", err
	}
	err = o.mutate(id, func(t *models.Trade) (*models.Step, error) {
		if !t.Status.CanTransition(models.StatusSubmitted) {
			return nil, apperr.InvalidState("trade %s is %s", t.ID, t.Status)
		}
		s := o.appendStep(t, models.StepBundleSent, models.OutcomeSuccess, map[string]any{
			"bundleId": resp.BundleID,
			"via":      resp.Via,
		})
		t.Status = models.StatusSubmitted
		t.BundleID = resp.BundleID
		return s, nil
	})
	if err != nil {
		return "", err
	}
	return resp.BundleID, nil
}

func validateKey(field, value string) error {
	if value == "" {
		return apperr.Validation("%s is required", field)
	}
	if _, err := solana.PublicKeyFromBase58(value); err != nil {
		return apperr.Validation("%s is not a valid address", field)
	}
	return nil
}

// parseAmount accepts a positive integer string of any size.
func parseAmount(s string) (string, error) {
	if s == "" {
		return "", apperr.Validation("amount is required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsInteger() || !d.IsPositive() {
		return "", apperr.Validation("amount must be a positive integer, got %q", s)
	}
	return d.String(), nil
}

// newID is swapped in tests.
var newID = func() string { return uuid.NewString() }
