package quorum

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	// DefaultVerifierCount is the size of the verifier panel.
	DefaultVerifierCount = 7
	// DefaultThreshold is the approval fraction required for a positive
	// decision. With a panel of 7 this demands at least 5 approvals.
	DefaultThreshold = 0.67

	// minSignatures is how many submitted signatures the evidence must carry
	// before a verifier considers the signature check satisfied.
	minSignatures = 2
)

// Evidence is the shared, already-fetched state every verifier slot judges.
// The ledger is not re-queried per verifier: one evaluation sees one snapshot.
type Evidence struct {
	NFTOwnership   bool
	BuyerBalance   float64
	SignatureCount int
}

// Checks records the three per-verifier checks as they were evaluated.
type Checks struct {
	NFTOwnership      bool `json:"nft_ownership"`
	BuyerBalance      bool `json:"buyer_balance"`
	SignatureValidity bool `json:"signature_validity"`
}

// Vote is a single verifier's judgment. Votes are created once and never
// mutated afterwards.
type Vote struct {
	VerifierID string `json:"verifier_id"`
	Approved   bool   `json:"approved"`
	Checks     Checks `json:"checks"`
}

// Result aggregates the full vote sequence into a decision.
type Result struct {
	Approved      bool
	ApprovalCount int
	VerifierCount int
	Threshold     float64
	Votes         []Vote
	Elapsed       time.Duration
}

// Engine runs a fixed panel of verifiers over deal evidence and tallies the
// outcome against a configured approval threshold.
type Engine struct {
	verifierCount int
	threshold     float64
	rand          io.Reader
	now           func() time.Time
}

// Option customises engine construction. Primarily used by tests to pin the
// randomness source and clock.
type Option func(*Engine)

// WithRand replaces the randomness source used to derive verifier identifiers.
func WithRand(r io.Reader) Option {
	return func(e *Engine) { e.rand = r }
}

// WithClock replaces the wall clock used to measure evaluation time.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine validates the panel configuration up front. A bad verifier count
// or threshold is a deployment mistake and must never surface mid-evaluation.
func NewEngine(verifierCount int, threshold float64, opts ...Option) (*Engine, error) {
	if verifierCount < 1 || verifierCount > 256 {
		return nil, fmt.Errorf("quorum: verifier count must be in [1, 256], got %d", verifierCount)
	}
	if threshold <= 0 || threshold > 1 {
		return nil, fmt.Errorf("quorum: approval threshold must be in (0, 1], got %g", threshold)
	}
	e := &Engine{
		verifierCount: verifierCount,
		threshold:     threshold,
		rand:          rand.Reader,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// VerifierCount returns the configured panel size.
func (e *Engine) VerifierCount() int { return e.verifierCount }

// Threshold returns the configured approval fraction.
func (e *Engine) Threshold() float64 { return e.threshold }

// Evaluate runs every verifier slot over the evidence and returns the tallied
// result. Slots are evaluated concurrently; all votes are buffered before the
// aggregate decision is computed, so a mathematically decided outcome still
// reports the complete tally. Slot order is preserved in Votes.
func (e *Engine) Evaluate(ev Evidence) Result {
	start := e.now()

	ids := e.verifierIDs()
	votes := make([]Vote, e.verifierCount)
	var wg sync.WaitGroup
	for i := 0; i < e.verifierCount; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			votes[slot] = judge(ids[slot], ev)
		}(i)
	}
	wg.Wait()

	approvals := 0
	for _, v := range votes {
		if v.Approved {
			approvals++
		}
	}
	return Result{
		Approved:      meetsThreshold(approvals, e.verifierCount, e.threshold),
		ApprovalCount: approvals,
		VerifierCount: e.verifierCount,
		Threshold:     e.threshold,
		Votes:         votes,
		Elapsed:       e.now().Sub(start),
	}
}

// meetsThreshold applies the decision rule to a tally: the approval rate must
// meet or exceed the configured fraction.
func meetsThreshold(approvals, verifierCount int, threshold float64) bool {
	return float64(approvals)/float64(verifierCount) >= threshold
}

// judge evaluates one verifier slot. A verifier approves iff every check
// passes for the shared evidence. There is no per-verifier error path: well
// formed evidence always yields a vote.
func judge(id string, ev Evidence) Vote {
	checks := Checks{
		NFTOwnership:      ev.NFTOwnership,
		BuyerBalance:      ev.BuyerBalance > 0,
		SignatureValidity: ev.SignatureCount >= minSignatures,
	}
	return Vote{
		VerifierID: id,
		Approved:   checks.NFTOwnership && checks.BuyerBalance && checks.SignatureValidity,
		Checks:     checks,
	}
}

// verifierIDs draws one opaque identifier per slot. Identifiers carry no
// semantic weight but must be unique within a single result.
func (e *Engine) verifierIDs() []string {
	ids := make([]string, e.verifierCount)
	seen := make(map[string]struct{}, e.verifierCount)
	var buf [1]byte
	fallback := 0
	for i := range ids {
		for attempts := 0; ; attempts++ {
			if _, err := io.ReadFull(e.rand, buf[:]); err != nil || attempts >= 1024 {
				// Randomness exhaustion only happens with test readers;
				// walk the byte space instead so the loop always terminates.
				buf[0] = byte(fallback)
				fallback++
			}
			id := fmt.Sprintf("verifier-%02x", buf[0])
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				ids[i] = id
				break
			}
		}
	}
	return ids
}
