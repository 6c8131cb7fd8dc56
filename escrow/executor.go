package escrow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"agenticpay/ledger"
)

// Config captures the executor's tunables. Zero values are filled with
// defaults by NewExecutor; invalid values fail construction.
type Config struct {
	// MinConfirmations a transaction must accumulate before a receipt is
	// issued.
	MinConfirmations uint32
	// ConfirmDeadline bounds the whole confirmation phase.
	ConfirmDeadline time.Duration
	// CallTimeout bounds each individual ledger call.
	CallTimeout time.Duration
	// PollInterval is the pause between confirmation polls.
	PollInterval time.Duration
	// PollRetries is the transient-error budget per confirmation step.
	PollRetries int
	// RetryBackoff is the initial backoff after a failed poll; it doubles on
	// each subsequent retry within a step.
	RetryBackoff time.Duration
}

// DefaultConfig mirrors testnet settlement policy: three confirmations at
// roughly one block per poll.
func DefaultConfig() Config {
	return Config{
		MinConfirmations: 3,
		ConfirmDeadline:  30 * time.Second,
		CallTimeout:      10 * time.Second,
		PollInterval:     2 * time.Second,
		PollRetries:      3,
		RetryBackoff:     200 * time.Millisecond,
	}
}

// Executor stages a deal's ledger write through estimation, submission, and
// confirmation. Executions share no state: any number of distinct deals may
// run concurrently against one Executor.
type Executor struct {
	ledger ledger.Client
	cfg    Config
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
}

// Option customises executor construction.
type Option func(*Executor)

// WithClock replaces the wall clock, pinning submission timestamps and the
// confirmation deadline in tests.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithSleep replaces the inter-poll pause.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// NewExecutor validates configuration up front so misconfiguration can never
// surface mid-transaction.
func NewExecutor(client ledger.Client, cfg Config, opts ...Option) (*Executor, error) {
	if client == nil {
		return nil, &ConfigError{Reason: "ledger client required"}
	}
	def := DefaultConfig()
	if cfg.MinConfirmations == 0 {
		cfg.MinConfirmations = def.MinConfirmations
	}
	if cfg.ConfirmDeadline == 0 {
		cfg.ConfirmDeadline = def.ConfirmDeadline
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.PollRetries == 0 {
		cfg.PollRetries = def.PollRetries
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.ConfirmDeadline < 0 {
		return nil, &ConfigError{Reason: "confirmation deadline must be positive"}
	}
	if cfg.CallTimeout < 0 {
		return nil, &ConfigError{Reason: "call timeout must be positive"}
	}
	if cfg.PollInterval < 0 {
		return nil, &ConfigError{Reason: "poll interval must not be negative"}
	}
	if cfg.PollRetries < 0 {
		return nil, &ConfigError{Reason: "poll retry budget must not be negative"}
	}
	e := &Executor{
		ledger: client,
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute runs the full transaction lifecycle for one deal and returns a
// receipt on confirmed success. The preconditions are checked against the
// deal's already-fetched evidence, so a failing gate performs zero ledger
// calls.
func (e *Executor) Execute(ctx context.Context, deal Deal) (*Receipt, error) {
	if deal.BuyerBalance < deal.Price {
		return nil, &InsufficientBalanceError{Has: deal.BuyerBalance, Needs: deal.Price}
	}
	if !deal.OwnershipVerified {
		return nil, ErrNftNotOwned
	}

	// Created -> GasEstimated
	intent := ledger.TxIntent{
		Buyer:      deal.Buyer,
		Seller:     deal.Seller,
		Collection: deal.Collection,
		TokenID:    deal.TokenID,
		Price:      deal.Price,
	}
	gasEstimate, err := e.estimateGas(ctx, intent)
	if err != nil {
		return nil, &TransactionFailedError{Reason: fmt.Sprintf("gas estimation: %v", err)}
	}

	// GasEstimated -> Submitted
	submittedAt := e.now().UTC().Unix()
	payload := ledger.TxPayload{
		Hash:       HashPayload(deal.Buyer, deal.Seller, deal.Collection, deal.TokenID, deal.Price, submittedAt),
		Buyer:      deal.Buyer,
		Seller:     deal.Seller,
		Collection: deal.Collection,
		TokenID:    deal.TokenID,
		Price:      deal.Price,
		Timestamp:  submittedAt,
	}
	txHash, err := e.submit(ctx, payload)
	if err != nil {
		return nil, &TransactionFailedError{Reason: fmt.Sprintf("submit: %v", err)}
	}

	// Submitted -> Confirming(k) -> Confirmed | Failed | TimedOut
	return e.awaitConfirmations(ctx, txHash, gasEstimate)
}

func (e *Executor) awaitConfirmations(ctx context.Context, txHash string, gasEstimate uint64) (*Receipt, error) {
	deadline := e.now().Add(e.cfg.ConfirmDeadline)
	for {
		conf, err := e.pollWithRetry(ctx, txHash)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// The retry budget is exhausted; the outcome is unknown.
			return nil, fmt.Errorf("%w: %v", ErrConfirmationTimeout, err)
		}
		if conf.Status == ledger.StatusFailed {
			reason := conf.Reason
			if reason == "" {
				reason = "transaction reverted"
			}
			return nil, &TransactionFailedError{Reason: reason}
		}
		if conf.Count >= e.cfg.MinConfirmations {
			gasUsed := conf.GasUsed
			if gasUsed == 0 {
				gasUsed = gasEstimate
			}
			return &Receipt{
				TxHash:        txHash,
				BlockNumber:   conf.BlockNumber,
				Status:        ledger.StatusSuccess,
				Confirmations: conf.Count,
				GasUsed:       gasUsed,
			}, nil
		}
		if !e.now().Before(deadline) {
			return nil, ErrConfirmationTimeout
		}
		if err := e.sleep(ctx, e.cfg.PollInterval); err != nil {
			return nil, err
		}
	}
}

func (e *Executor) pollWithRetry(ctx context.Context, txHash string) (ledger.Confirmation, error) {
	backoff := e.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt <= e.cfg.PollRetries; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, backoff); err != nil {
				return ledger.Confirmation{}, err
			}
			backoff *= 2
		}
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		conf, err := e.ledger.PollConfirmations(callCtx, txHash)
		cancel()
		if err == nil {
			return conf, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ledger.Confirmation{}, ctx.Err()
		}
	}
	return ledger.Confirmation{}, lastErr
}

func (e *Executor) estimateGas(ctx context.Context, intent ledger.TxIntent) (uint64, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return e.ledger.EstimateGas(callCtx, intent)
}

func (e *Executor) submit(ctx context.Context, payload ledger.TxPayload) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	return e.ledger.Submit(callCtx, payload)
}

// HashPayload derives the canonical transaction identifier: a Keccak-256
// digest over the deal fields and submission timestamp joined in a fixed
// order. Two submissions of the same deal at different times therefore yield
// different identifiers, while identical inputs always hash identically.
func HashPayload(buyer, seller, collection, tokenID string, price float64, timestamp int64) string {
	canonical := strings.Join([]string{
		buyer,
		seller,
		collection,
		tokenID,
		strconv.FormatFloat(price, 'f', -1, 64),
		strconv.FormatInt(timestamp, 10),
	}, ":")
	return hexutil.Encode(ethcrypto.Keccak256([]byte(canonical)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
