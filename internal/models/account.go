package models

// Source records where an account or blockhash came from.
type Source string

const (
	SourceCache       Source = "cache"
	SourceGRPC        Source = "grpc"
	SourceRPCFallback Source = "rpc_fallback"
)

type Account struct {
	Address    string `json:"address"`
	Lamports   uint64 `json:"lamports"`
	Owner      string `json:"owner"`
	Data       []byte `json:"data"`
	Executable bool   `json:"executable"`
	RentEpoch  uint64 `json:"rentEpoch"`
	Slot       uint64 `json:"slot"`
}

type Blockhash struct {
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	Slot                 uint64 `json:"slot,omitempty"`
}
