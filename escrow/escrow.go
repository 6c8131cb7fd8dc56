// Package escrow drives an approved NFT-for-stablecoin deal through a staged
// ledger write: gas estimation, submission, and multi-confirmation finality.
package escrow

// State tracks a transaction through its lifecycle. Transitions are strictly
// sequential per transaction.
type State byte

const (
	StateCreated State = iota + 1
	StateGasEstimated
	StateSubmitted
	StateConfirming
	StateConfirmed
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateGasEstimated:
		return "gas_estimated"
	case StateSubmitted:
		return "submitted"
	case StateConfirming:
		return "confirming"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Deal is the evidence-carrying unit of work handed to the executor. It is
// immutable for the duration of one execution and not persisted by this
// package: OwnershipVerified and BuyerBalance are the ledger state as fetched
// at evaluation time.
type Deal struct {
	ID                string
	Collection        string
	TokenID           string
	Buyer             string
	Seller            string
	Price             float64
	OwnershipVerified bool
	BuyerBalance      float64
	Signatures        []string
}

// Receipt is the terminal record of a confirmed transaction. It is only
// produced once the ledger reports success and the confirmation count has
// reached the configured minimum.
type Receipt struct {
	TxHash        string `json:"tx_hash"`
	BlockNumber   uint64 `json:"block_number"`
	Status        string `json:"status"`
	Confirmations uint32 `json:"confirmations"`
	GasUsed       uint64 `json:"gas_used"`
}
