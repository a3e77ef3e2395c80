package models

import (
	"maps"
	"time"
)

type TradeStatus string

const (
	StatusPending           TradeStatus = "pending"
	StatusStarted           TradeStatus = "started"
	StatusAwaitingSignature TradeStatus = "awaiting_signature"
	StatusSubmitted         TradeStatus = "submitted"
	StatusFailed            TradeStatus = "failed"
)

var transitions = map[TradeStatus][]TradeStatus{
	StatusPending:           {StatusStarted},
	StatusStarted:           {StatusAwaitingSignature, StatusSubmitted, StatusFailed},
	StatusAwaitingSignature: {StatusSubmitted, StatusFailed},
}

// CanTransition reports whether a trade in status s may move to next.
func (s TradeStatus) CanTransition(next TradeStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s TradeStatus) Terminal() bool {
	return s == StatusSubmitted || s == StatusFailed
}

type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

type StepName string

const (
	StepBlockhash  StepName = "blockhash"
	StepQuote      StepName = "quote"
	StepSwapTx     StepName = "swap_tx"
	StepBundleSent StepName = "bundle_sent"
	StepError      StepName = "error"
)

type StepOutcome string

const (
	OutcomeSuccess StepOutcome = "success"
	OutcomeFailed  StepOutcome = "failed"
)

type Step struct {
	Name      StepName       `json:"step"`
	Outcome   StepOutcome    `json:"status"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Trade is one buy or sell flow. Amount is an unsigned integer in base
// units: lamports for buys, token base units for sells.
type Trade struct {
	ID         string      `json:"id"`
	Direction  Direction   `json:"type"`
	InputMint  string      `json:"inputMint"`
	OutputMint string      `json:"outputMint"`
	Amount     string      `json:"amount"`
	Wallet     string      `json:"wallet"`
	Status     TradeStatus `json:"status"`
	BundleID   string      `json:"bundleId,omitempty"`
	Error      string      `json:"error,omitempty"`
	Steps      []Step      `json:"steps"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
}

// Clone returns a copy that shares no mutable state with t.
func (t *Trade) Clone() Trade {
	c := *t
	c.Steps = make([]Step, len(t.Steps))
	for i, s := range t.Steps {
		s.Data = maps.Clone(s.Data)
		c.Steps[i] = s
	}
	return c
}

// TradeUpdate is published after every trade mutation.
type TradeUpdate struct {
	Trade Trade `json:"trade"`
	Step  *Step `json:"step,omitempty"`
}
