package hub

import (
	"slices"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/kjannette/trahn-gateway/internal/apperr"
	"github.com/kjannette/trahn-gateway/internal/geyser"
	"github.com/kjannette/trahn-gateway/internal/models"
	"github.com/kjannette/trahn-gateway/internal/relay"
)

// Kind is an upstream topic family. Each kind has its own socket route.
type Kind string

const (
	KindAccounts     Kind = "accounts"
	KindTransactions Kind = "transactions"
	KindTrades       Kind = "trades"
	KindBundles      Kind = "bundles"
)

var Kinds = []Kind{KindAccounts, KindTransactions, KindTrades, KindBundles}

const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

const (
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeAccount      = "account"
	TypeTransaction  = "transaction"
	TypeTradeUpdate  = "trade_update"
	TypeBundleResult = "bundle_result"
	TypeError        = "error"
)

// Inbound is a client message.
type Inbound struct {
	Action     string  `json:"action"`
	Filter     *Filter `json:"filter,omitempty"`
	TradeID    string  `json:"tradeId,omitempty"`
	Commitment string  `json:"commitment,omitempty"`
}

// Outbound is a server message. Data carries the event payload or, on a
// trades subscribe, the current trade snapshot.
type Outbound struct {
	Type    string  `json:"type"`
	Channel Kind    `json:"channel,omitempty"`
	Filter  *Filter `json:"filter,omitempty"`
	Data    any     `json:"data,omitempty"`
	Error   string  `json:"error,omitempty"`
	Code    string  `json:"code,omitempty"`
}

// Filter selects the events a socket receives. Which fields apply depends
// on the kind: accounts uses Accounts and Owners, transactions uses
// Accounts and Mints, trades uses TradeID, bundles uses BundleIDs (empty
// means every bundle).
type Filter struct {
	Accounts   []string `json:"accounts,omitempty"`
	Owners     []string `json:"owners,omitempty"`
	Mints      []string `json:"mints,omitempty"`
	BundleIDs  []string `json:"bundleIds,omitempty"`
	TradeID    string   `json:"tradeId,omitempty"`
	Commitment string   `json:"commitment,omitempty"`
}

// Event is one upstream item. Exactly one field is set.
type Event struct {
	Account     *models.Account
	Transaction *geyser.TransactionUpdate
	Trade       *models.TradeUpdate
	Bundle      *relay.BundleResult
}

// filterFor validates msg for kind and returns its canonical filter.
func filterFor(kind Kind, msg Inbound) (Filter, error) {
	var f Filter
	if msg.Filter != nil {
		f = *msg.Filter
	}
	if msg.TradeID != "" {
		f.TradeID = msg.TradeID
	}
	if msg.Commitment != "" {
		f.Commitment = msg.Commitment
	}
	switch f.Commitment {
	case "", geyser.CommitmentProcessed, geyser.CommitmentConfirmed, geyser.CommitmentFinalized:
	default:
		return Filter{}, apperr.Validation("unknown commitment %q", f.Commitment)
	}

	var err error
	switch kind {
	case KindAccounts:
		if f.Accounts, err = normalizeKeys("accounts", f.Accounts); err != nil {
			return Filter{}, err
		}
		if f.Owners, err = normalizeKeys("owners", f.Owners); err != nil {
			return Filter{}, err
		}
		if len(f.Accounts)+len(f.Owners) == 0 {
			return Filter{}, apperr.Validation("filter needs at least one account or owner")
		}
		return Filter{Accounts: f.Accounts, Owners: f.Owners, Commitment: f.Commitment}, nil

	case KindTransactions:
		if f.Accounts, err = normalizeKeys("accounts", f.Accounts); err != nil {
			return Filter{}, err
		}
		if f.Mints, err = normalizeKeys("mints", f.Mints); err != nil {
			return Filter{}, err
		}
		if len(f.Accounts)+len(f.Mints) == 0 {
			return Filter{}, apperr.Validation("filter needs at least one account or mint")
		}
		return Filter{Accounts: f.Accounts, Mints: f.Mints, Commitment: f.Commitment}, nil

	case KindTrades:
		if f.TradeID == "" {
			return Filter{}, apperr.Validation("tradeId is required")
		}
		return Filter{TradeID: f.TradeID}, nil

	case KindBundles:
		return Filter{BundleIDs: normalize(f.BundleIDs)}, nil
	}
	return Filter{}, apperr.Validation("unknown channel %q", kind)
}

func normalizeKeys(field string, keys []string) ([]string, error) {
	for _, k := range keys {
		if _, err := solana.PublicKeyFromBase58(k); err != nil {
			return nil, apperr.Validation("%s: invalid address %q", field, k)
		}
	}
	return normalize(keys), nil
}

// normalize sorts and dedupes so equal sets produce equal keys.
func normalize(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	out := slices.Clone(s)
	slices.Sort(out)
	return slices.Compact(out)
}

// upstreamKey names the upstream subscription serving f. Ledger kinds get
// one upstream per distinct filter; trades and bundles share one stream.
func upstreamKey(kind Kind, f Filter) string {
	switch kind {
	case KindTrades, KindBundles:
		return string(kind)
	}
	var b strings.Builder
	b.WriteString(string(kind))
	b.WriteString("|c=")
	b.WriteString(f.Commitment)
	for _, part := range []struct {
		tag  string
		list []string
	}{{"a", f.Accounts}, {"o", f.Owners}, {"m", f.Mints}} {
		b.WriteString("|" + part.tag + "=")
		b.WriteString(strings.Join(part.list, ","))
	}
	return b.String()
}

// match reports whether ev is relevant to a socket holding f, returning
// the message to push.
func match(f Filter, ev Event) (Outbound, bool) {
	switch {
	case ev.Account != nil:
		if slices.Contains(f.Accounts, ev.Account.Address) || slices.Contains(f.Owners, ev.Account.Owner) {
			return Outbound{Type: TypeAccount, Channel: KindAccounts, Data: ev.Account}, true
		}
	case ev.Transaction != nil:
		for _, a := range ev.Transaction.Accounts {
			if slices.Contains(f.Accounts, a) || slices.Contains(f.Mints, a) {
				return Outbound{Type: TypeTransaction, Channel: KindTransactions, Data: ev.Transaction}, true
			}
		}
	case ev.Trade != nil:
		if ev.Trade.Trade.ID == f.TradeID {
			return Outbound{Type: TypeTradeUpdate, Channel: KindTrades, Data: ev.Trade}, true
		}
	case ev.Bundle != nil:
		if len(f.BundleIDs) == 0 || slices.Contains(f.BundleIDs, ev.Bundle.BundleID) {
			return Outbound{Type: TypeBundleResult, Channel: KindBundles, Data: ev.Bundle}, true
		}
	}
	return Outbound{}, false
}

func errorMessage(kind Kind, err error) Outbound {
	return Outbound{Type: TypeError, Channel: kind, Error: err.Error(), Code: apperr.Code(err)}
}
