package geyser

import "time"

const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

type SubscribeRequest struct {
	Accounts     map[string]AccountFilter     `json:"accounts,omitempty"`
	Transactions map[string]TransactionFilter `json:"transactions,omitempty"`
	Slots        map[string]SlotFilter        `json:"slots,omitempty"`
	Commitment   string                       `json:"commitment,omitempty"`
	Ping         *PingRequest                 `json:"ping,omitempty"`
}

type AccountFilter struct {
	Account []string `json:"account,omitempty"`
	Owner   []string `json:"owner,omitempty"`
}

type TransactionFilter struct {
	Vote            *bool    `json:"vote,omitempty"`
	Failed          *bool    `json:"failed,omitempty"`
	AccountInclude  []string `json:"accountInclude,omitempty"`
	AccountExclude  []string `json:"accountExclude,omitempty"`
	AccountRequired []string `json:"accountRequired,omitempty"`
}

type SlotFilter struct {
	FilterByCommitment bool `json:"filterByCommitment,omitempty"`
}

type PingRequest struct {
	ID int32 `json:"id"`
}

// Update is one message on the subscribe stream. Exactly one of the
// payload pointers is set.
type Update struct {
	Filters     []string           `json:"filters,omitempty"`
	Account     *AccountUpdate     `json:"account,omitempty"`
	Transaction *TransactionUpdate `json:"transaction,omitempty"`
	Slot        *SlotUpdate        `json:"slot,omitempty"`
	Ping        *struct{}          `json:"ping,omitempty"`
	Pong        *PongUpdate        `json:"pong,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
}

type AccountUpdate struct {
	Pubkey       string `json:"pubkey"`
	Lamports     uint64 `json:"lamports"`
	Owner        string `json:"owner"`
	Data         []byte `json:"data"`
	Executable   bool   `json:"executable"`
	RentEpoch    uint64 `json:"rentEpoch"`
	WriteVersion uint64 `json:"writeVersion"`
	TxnSignature string `json:"txnSignature,omitempty"`
	Slot         uint64 `json:"slot"`
	IsStartup    bool   `json:"isStartup,omitempty"`
}

type TransactionUpdate struct {
	Signature string   `json:"signature"`
	Slot      uint64   `json:"slot"`
	IsVote    bool     `json:"isVote"`
	Failed    bool     `json:"failed"`
	Accounts  []string `json:"accounts"`
	Fee       uint64   `json:"fee,omitempty"`
}

type SlotUpdate struct {
	Slot   uint64 `json:"slot"`
	Parent uint64 `json:"parent,omitempty"`
	Status string `json:"status"`
}

type PongUpdate struct {
	ID int32 `json:"id"`
}

type pingRequest struct {
	Count int32 `json:"count"`
}

type pongResponse struct {
	Count int32 `json:"count"`
}

type commitmentRequest struct {
	Commitment string `json:"commitment,omitempty"`
}

type latestBlockhashResponse struct {
	Slot                 uint64 `json:"slot"`
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

type slotResponse struct {
	Slot uint64 `json:"slot"`
}

type blockHeightResponse struct {
	BlockHeight uint64 `json:"blockHeight"`
}

type blockhashValidRequest struct {
	Blockhash  string `json:"blockhash"`
	Commitment string `json:"commitment,omitempty"`
}

type blockhashValidResponse struct {
	Slot  uint64 `json:"slot"`
	Valid bool   `json:"valid"`
}
