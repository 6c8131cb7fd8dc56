package server

import "agenticpay/consensus/quorum"

// Service identity reported by the health endpoint.
const (
	ServiceName = "agentic-payments"
	Version     = "0.1.0"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

type VerifySignatureRequest struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
	PublicKey string `json:"public_key"`
}

type VerifySignatureResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

type ConsensusRequest struct {
	DealID       string   `json:"deal_id"`
	NftOwnership bool     `json:"nft_ownership"`
	BuyerBalance float64  `json:"buyer_balance"`
	Signatures   []string `json:"signatures"`
}

type ConsensusResponse struct {
	Approved        bool          `json:"approved"`
	VerifierCount   int           `json:"verifier_count"`
	ApprovalCount   int           `json:"approval_count"`
	Threshold       float64       `json:"threshold"`
	Verifiers       []quorum.Vote `json:"verifiers"`
	ExecutionTimeMS int64         `json:"execution_time_ms"`
}

type EscrowRequest struct {
	DealID        string  `json:"deal_id"`
	BuyerAddress  string  `json:"buyer_address"`
	SellerAddress string  `json:"seller_address"`
	NftID         string  `json:"nft_id"`
	Price         float64 `json:"price"`
}

type EscrowResponse struct {
	Success     bool   `json:"success"`
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
}

type NftOwnershipRequest struct {
	Collection   string `json:"collection"`
	TokenID      string `json:"token_id"`
	OwnerAddress string `json:"owner_address"`
}

type NftOwnershipResponse struct {
	Owned      bool   `json:"owned"`
	Collection string `json:"collection"`
	TokenID    string `json:"token_id"`
	Owner      string `json:"owner"`
}

type BalanceRequest struct {
	Address string `json:"address"`
}

type BalanceResponse struct {
	Address string  `json:"address"`
	Balance float64 `json:"balance"`
}

// ErrorResponse is the uniform error envelope: a stable machine-readable code
// plus a human-readable message.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
