package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"agenticpay/crypto"
	"agenticpay/escrow"
)

// Machine-readable error codes surfaced in the error envelope.
const (
	CodeBadRequest          = "BAD_REQUEST"
	CodeInvalidPublicKey    = "INVALID_PUBLIC_KEY"
	CodeInvalidSignature    = "INVALID_SIGNATURE"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeNftNotOwned         = "NFT_NOT_OWNED"
	CodeTransactionFailed   = "TRANSACTION_FAILED"
	CodeConfirmationTimeout = "CONFIRMATION_TIMEOUT"
	CodeNftQueryFailed      = "NFT_QUERY_FAILED"
	CodeBalanceQueryFailed  = "BALANCE_QUERY_FAILED"
	CodeLedgerUnavailable   = "LEDGER_UNAVAILABLE"
	CodeInternal            = "INTERNAL"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// escrowErrorStatus maps an execution failure to its HTTP status and envelope
// code. Preconditions are the client's problem, a timeout means the outcome is
// unknown, and everything else is a settlement failure.
func escrowErrorStatus(err error) (int, string) {
	var insufficient *escrow.InsufficientBalanceError
	var failed *escrow.TransactionFailedError
	switch {
	case errors.As(err, &insufficient):
		return http.StatusUnprocessableEntity, CodeInsufficientBalance
	case errors.Is(err, escrow.ErrNftNotOwned):
		return http.StatusUnprocessableEntity, CodeNftNotOwned
	case errors.Is(err, escrow.ErrConfirmationTimeout):
		return http.StatusGatewayTimeout, CodeConfirmationTimeout
	case errors.As(err, &failed):
		return http.StatusInternalServerError, CodeTransactionFailed
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// signatureErrorCode distinguishes the two malformed-input cases.
func signatureErrorCode(err error) string {
	if errors.Is(err, crypto.ErrInvalidPublicKey) {
		return CodeInvalidPublicKey
	}
	if errors.Is(err, crypto.ErrInvalidSignature) {
		return CodeInvalidSignature
	}
	return CodeBadRequest
}
