package trade

import (
	"maps"

	"go.uber.org/zap"

	"github.com/kjannette/trahn-gateway/internal/apperr"
	"github.com/kjannette/trahn-gateway/internal/models"
)

// create inserts a new trade, moves it to started and marks it in flight.
// Both states are published.
func (o *Orchestrator) create(f flow) string {
	now := o.opts.Now()
	t := models.Trade{
		ID:         newID(),
		Direction:  f.direction,
		InputMint:  f.inputMint,
		OutputMint: f.outputMint,
		Amount:     f.amount,
		Wallet:     f.wallet,
		Status:     models.StatusPending,
		Steps:      []models.Step{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	o.mu.Lock()
	o.trades[t.ID] = &entry{trade: t, inflight: true}
	snap := t.Clone()
	o.mu.Unlock()
	o.feed.Send(models.TradeUpdate{Trade: snap})

	if err := o.transition(t.ID, models.StatusStarted); err != nil {
		o.log.Error("start trade", zap.String("trade_id", t.ID), zap.Error(err))
	}
	o.log.Info("trade started",
		zap.String("trade_id", t.ID),
		zap.String("type", string(f.direction)),
		zap.String("input_mint", f.inputMint),
		zap.String("output_mint", f.outputMint),
		zap.String("amount", f.amount))
	return t.ID
}

// claim marks an awaiting_signature trade as in flight so only one
// submission runs at a time.
func (o *Orchestrator) claim(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.trades[id]
	if !ok {
		return apperr.NotFound("trade %s", id)
	}
	if e.inflight {
		return apperr.InvalidState("trade %s has a submission in progress", id)
	}
	if e.trade.Status != models.StatusAwaitingSignature {
		return apperr.InvalidState("trade %s is %s, not %s", id, e.trade.Status, models.StatusAwaitingSignature)
	}
	e.inflight = true
	return nil
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	if e, ok := o.trades[id]; ok {
		e.inflight = false
	}
	o.mu.Unlock()
}

// mutate applies fn to the stored trade and publishes the result. Nothing
// is published when fn fails or the trade is gone.
func (o *Orchestrator) mutate(id string, fn func(t *models.Trade) (*models.Step, error)) error {
	o.mu.Lock()
	e, ok := o.trades[id]
	if !ok {
		o.mu.Unlock()
		return apperr.NotFound("trade %s", id)
	}
	step, err := fn(&e.trade)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	e.trade.UpdatedAt = o.opts.Now()
	snap := e.trade.Clone()
	o.mu.Unlock()

	o.feed.Send(models.TradeUpdate{Trade: snap, Step: step})
	return nil
}

func (o *Orchestrator) step(id string, name models.StepName, outcome models.StepOutcome, data map[string]any) {
	_ = o.mutate(id, func(t *models.Trade) (*models.Step, error) {
		return o.appendStep(t, name, outcome, data), nil
	})
}

// appendStep returns a copy of the appended step for publishing.
func (o *Orchestrator) appendStep(t *models.Trade, name models.StepName, outcome models.StepOutcome, data map[string]any) *models.Step {
	s := models.Step{Name: name, Outcome: outcome, Data: data, Timestamp: o.opts.Now()}
	t.Steps = append(t.Steps, s)
	s.Data = maps.Clone(data)
	return &s
}

func (o *Orchestrator) transition(id string, next models.TradeStatus) error {
	return o.mutate(id, func(t *models.Trade) (*models.Step, error) {
		if !t.Status.CanTransition(next) {
			return nil, apperr.InvalidState("trade %s cannot move from %s to %s", t.ID, t.Status, next)
		}
		t.Status = next
		return nil, nil
	})
}

// fail records an error step and moves the trade to failed. A trade that
// already reached a terminal status is left alone.
func (o *Orchestrator) fail(id string, cause error) {
	err := o.mutate(id, func(t *models.Trade) (*models.Step, error) {
		if !t.Status.CanTransition(models.StatusFailed) {
			return nil, apperr.InvalidState("trade %s is %s", t.ID, t.Status)
		}
		s := o.appendStep(t, models.StepError, models.OutcomeFailed, map[string]any{
			"error": cause.Error(),
			"code":  apperr.Code(cause),
		})
		t.Status = models.StatusFailed
		t.Error = cause.Error()
		return s, nil
	})
	if err != nil {
		o.log.Warn("could not record failure", zap.String("trade_id", id), zap.Error(err))
		return
	}
	o.log.Warn("trade failed", zap.String("trade_id", id), zap.Error(cause))
}
