package escrow

import (
	"errors"
	"fmt"
)

// ErrNftNotOwned reports a failed ownership precondition: the seller does not
// hold the token the deal claims to transfer.
var ErrNftNotOwned = errors.New("nft not found or not owned by address")

// ErrConfirmationTimeout reports that the confirmation deadline elapsed before
// the minimum confirmation count was reached. The transaction may still
// confirm on-ledger later; callers must treat this as "outcome unknown", not
// as a negative result.
var ErrConfirmationTimeout = errors.New("confirmation timeout")

// InsufficientBalanceError is returned before any ledger write when the buyer
// cannot cover the price.
type InsufficientBalanceError struct {
	Has   float64
	Needs float64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: has %.2f USDC, needs %.2f USDC", e.Has, e.Needs)
}

// TransactionFailedError is a terminal, ledger-reported rejection. It is never
// retried.
type TransactionFailedError struct {
	Reason string
}

func (e *TransactionFailedError) Error() string {
	return fmt.Sprintf("transaction failed: %s", e.Reason)
}

// ConfigError reports executor misconfiguration. It is raised at construction
// only, never mid-transaction.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}
