// Package ledger defines the narrow contract the settlement core uses to talk
// to the ledger, plus the two implementations selected by configuration: a
// JSON-RPC client for a real node and an in-process simulator.
package ledger

import "context"

// TokenUSDC is the stablecoin symbol settled by this service.
const TokenUSDC = "USDC"

// Transaction status values reported by the ledger.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// TxIntent describes a transfer before submission, used for gas estimation.
type TxIntent struct {
	Buyer      string  `json:"buyer"`
	Seller     string  `json:"seller"`
	Collection string  `json:"collection"`
	TokenID    string  `json:"tokenId"`
	Price      float64 `json:"price"`
}

// TxPayload is the canonical transaction submitted to the ledger. Hash is the
// content digest derived by the executor; the ledger echoes it back as the
// transaction identifier.
type TxPayload struct {
	Hash       string  `json:"hash"`
	Buyer      string  `json:"buyer"`
	Seller     string  `json:"seller"`
	Collection string  `json:"collection"`
	TokenID    string  `json:"tokenId"`
	Price      float64 `json:"price"`
	Timestamp  int64   `json:"timestamp"`
}

// Confirmation is one poll's view of a submitted transaction.
type Confirmation struct {
	Count       uint32 `json:"count"`
	BlockNumber uint64 `json:"blockNumber"`
	Status      string `json:"status"`
	GasUsed     uint64 `json:"gasUsed"`
	Reason      string `json:"reason,omitempty"`
}

// Client is the ledger contract consumed by the core. Implementations own all
// network I/O; the core never touches a transport directly.
type Client interface {
	QueryOwnership(ctx context.Context, collection, tokenID, owner string) (bool, error)
	QueryBalance(ctx context.Context, address, token string) (float64, error)
	EstimateGas(ctx context.Context, intent TxIntent) (uint64, error)
	Submit(ctx context.Context, payload TxPayload) (string, error)
	PollConfirmations(ctx context.Context, txHash string) (Confirmation, error)
}
