package ledger

import (
	"context"
	"fmt"
	mrand "math/rand"
	"strings"
	"sync"
	"time"
)

// Simulator defaults mirroring typical testnet behavior.
const (
	simBalanceUSDC  = 10000.0
	simGasEstimate  = 250000
	simGasOverhead  = 10000 // actual gas runs slightly under the estimate
	simBlockFloor   = 1000000
	simBlockCeiling = 2000000
)

// SimClient is an in-process ledger used for development and offline
// operation. It reproduces the observable behavior of the testnet node:
// queries always succeed, submitted transactions gain one confirmation per
// poll, and receipts land in a plausible block range. Randomness and time are
// injected so tests stay deterministic.
type SimClient struct {
	mu      sync.Mutex
	txs     map[string]*simTx
	rand    *mrand.Rand
	now     func() time.Time
	latency time.Duration
}

type simTx struct {
	confirmations uint32
	blockNumber   uint64
	gasUsed       uint64
}

// SimOption customises the simulator.
type SimOption func(*SimClient)

// WithSimRand pins the randomness source used for block numbers.
func WithSimRand(r *mrand.Rand) SimOption {
	return func(s *SimClient) { s.rand = r }
}

// WithSimClock pins the simulator clock.
func WithSimClock(now func() time.Time) SimOption {
	return func(s *SimClient) { s.now = now }
}

// WithSimLatency adds an artificial delay to every call, approximating real
// network round trips. Zero (the default) keeps tests fast.
func WithSimLatency(d time.Duration) SimOption {
	return func(s *SimClient) { s.latency = d }
}

func NewSimClient(opts ...SimOption) *SimClient {
	s := &SimClient{
		txs:  make(map[string]*simTx),
		rand: mrand.New(mrand.NewSource(time.Now().UnixNano())),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SimClient) QueryOwnership(ctx context.Context, collection, tokenID, owner string) (bool, error) {
	if err := s.wait(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SimClient) QueryBalance(ctx context.Context, address, token string) (float64, error) {
	if err := s.wait(ctx); err != nil {
		return 0, err
	}
	return simBalanceUSDC, nil
}

func (s *SimClient) EstimateGas(ctx context.Context, intent TxIntent) (uint64, error) {
	if err := s.wait(ctx); err != nil {
		return 0, err
	}
	return simGasEstimate, nil
}

func (s *SimClient) Submit(ctx context.Context, payload TxPayload) (string, error) {
	if err := s.wait(ctx); err != nil {
		return "", err
	}
	hash := strings.TrimSpace(payload.Hash)
	if hash == "" {
		return "", fmt.Errorf("sim ledger: payload hash required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.txs[hash]; exists {
		return "", fmt.Errorf("sim ledger: duplicate transaction %s", hash)
	}
	s.txs[hash] = &simTx{
		blockNumber: simBlockFloor + uint64(s.rand.Int63n(simBlockCeiling-simBlockFloor)),
		gasUsed:     simGasEstimate - simGasOverhead,
	}
	return hash, nil
}

func (s *SimClient) PollConfirmations(ctx context.Context, txHash string) (Confirmation, error) {
	if err := s.wait(ctx); err != nil {
		return Confirmation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[strings.TrimSpace(txHash)]
	if !ok {
		return Confirmation{}, fmt.Errorf("sim ledger: unknown transaction %s", txHash)
	}
	tx.confirmations++
	return Confirmation{
		Count:       tx.confirmations,
		BlockNumber: tx.blockNumber,
		Status:      StatusSuccess,
		GasUsed:     tx.gasUsed,
	}, nil
}

func (s *SimClient) wait(ctx context.Context) error {
	if s.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
