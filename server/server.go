// Package server exposes the settlement service over HTTP: signature
// verification, consensus evaluation, escrow execution, and the ledger query
// passthroughs.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"agenticpay/consensus/quorum"
	"agenticpay/crypto"
	"agenticpay/escrow"
	"agenticpay/ledger"
	"agenticpay/server/middleware"
	"agenticpay/storage"
)

const (
	maxRequestBody = 1 << 20 // 1 MiB

	queryTimeout   = 15 * time.Second
	executeTimeout = 60 * time.Second

	// The wire format carries a single opaque nft_id; the ledger addresses
	// tokens as (collection, token id). The id maps to the collection and the
	// token slot is fixed until the wire format grows a separate field.
	placeholderTokenID = "1"
)

// Server wires the consensus engine, the escrow executor, and the ledger
// behind the JSON endpoints.
type Server struct {
	logger   *slog.Logger
	engine   *quorum.Engine
	executor *escrow.Executor
	ledger   ledger.Client
	store    *storage.Store
	obs      *middleware.Observability
	limiter  *middleware.RateLimiter
	nowFn    func() time.Time
}

// Option customises server construction.
type Option func(*Server)

// WithStore attaches the audit store. Auditing is best-effort: persistence
// failures are logged, never surfaced to the caller.
func WithStore(store *storage.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithObservability attaches request instrumentation.
func WithObservability(obs *middleware.Observability) Option {
	return func(s *Server) { s.obs = obs }
}

// WithRateLimiter attaches per-client rate limiting.
func WithRateLimiter(limiter *middleware.RateLimiter) Option {
	return func(s *Server) { s.limiter = limiter }
}

// WithClock pins the wall clock used for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.nowFn = now }
}

func New(logger *slog.Logger, engine *quorum.Engine, executor *escrow.Executor, client ledger.Client, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if engine == nil {
		panic("consensus engine required")
	}
	if executor == nil {
		panic("escrow executor required")
	}
	if client == nil {
		panic("ledger client required")
	}
	s := &Server{
		logger:   logger,
		engine:   engine,
		executor: executor,
		ledger:   client,
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router assembles the chi routes with the configured middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	if s.obs != nil {
		r.Use(s.obs.Middleware("api"))
	}
	if s.limiter != nil {
		r.Use(s.limiter.Middleware("api"))
	}

	r.Get("/health", s.handleHealth)
	r.Post("/verify-signature", s.handleVerifySignature)
	r.Post("/run-consensus", s.handleRunConsensus)
	r.Post("/execute-escrow", s.handleExecuteEscrow)
	r.Post("/query-nft-ownership", s.handleQueryOwnership)
	r.Post("/query-usdc-balance", s.handleQueryBalance)

	if s.obs != nil {
		r.Handle("/metrics", s.obs.MetricsHandler())
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Service: ServiceName,
		Version: Version,
	})
}

func (s *Server) handleVerifySignature(w http.ResponseWriter, r *http.Request) {
	var req VerifySignatureRequest
	if !s.decode(w, r, &req) {
		return
	}
	valid, err := crypto.VerifySignature(req.Message, req.Signature, req.PublicKey)
	if err != nil {
		s.logger.Error("signature verification rejected", "error", err)
		writeError(w, http.StatusBadRequest, signatureErrorCode(err), err.Error())
		return
	}
	s.logger.Info("signature verified", "valid", valid)
	writeJSON(w, http.StatusOK, VerifySignatureResponse{Valid: valid})
}

func (s *Server) handleRunConsensus(w http.ResponseWriter, r *http.Request) {
	var req ConsensusRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.DealID) == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "deal_id is required")
		return
	}

	result := s.engine.Evaluate(quorum.Evidence{
		NFTOwnership:   req.NftOwnership,
		BuyerBalance:   req.BuyerBalance,
		SignatureCount: len(req.Signatures),
	})
	s.logger.Info("consensus evaluated",
		"deal_id", req.DealID,
		"approved", result.Approved,
		"approval_count", result.ApprovalCount,
		"verifier_count", result.VerifierCount,
	)
	s.auditConsensus(r.Context(), req.DealID, result)

	writeJSON(w, http.StatusOK, ConsensusResponse{
		Approved:        result.Approved,
		VerifierCount:   result.VerifierCount,
		ApprovalCount:   result.ApprovalCount,
		Threshold:       result.Threshold,
		Verifiers:       result.Votes,
		ExecutionTimeMS: result.Elapsed.Milliseconds(),
	})
}

func (s *Server) handleExecuteEscrow(w http.ResponseWriter, r *http.Request) {
	var req EscrowRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := validateEscrowRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), executeTimeout)
	defer cancel()

	// Fetch the evidence the executor gates on. One snapshot per deal: the
	// executor itself never re-queries the ledger.
	balance, err := s.ledger.QueryBalance(ctx, req.BuyerAddress, ledger.TokenUSDC)
	if err != nil {
		s.logger.Error("balance lookup failed", "deal_id", req.DealID, "error", err)
		writeError(w, http.StatusBadGateway, CodeLedgerUnavailable, fmt.Sprintf("balance lookup failed: %v", err))
		return
	}
	owned, err := s.ledger.QueryOwnership(ctx, req.NftID, placeholderTokenID, req.SellerAddress)
	if err != nil {
		s.logger.Error("ownership lookup failed", "deal_id", req.DealID, "error", err)
		writeError(w, http.StatusBadGateway, CodeLedgerUnavailable, fmt.Sprintf("ownership lookup failed: %v", err))
		return
	}

	deal := escrow.Deal{
		ID:                req.DealID,
		Collection:        req.NftID,
		TokenID:           placeholderTokenID,
		Buyer:             req.BuyerAddress,
		Seller:            req.SellerAddress,
		Price:             req.Price,
		OwnershipVerified: owned,
		BuyerBalance:      balance,
	}
	receipt, err := s.executor.Execute(ctx, deal)
	if err != nil {
		status, code := escrowErrorStatus(err)
		s.logger.Error("escrow execution failed", "deal_id", req.DealID, "code", code, "error", err)
		writeError(w, status, code, err.Error())
		return
	}

	s.logger.Info("escrow settled",
		"deal_id", req.DealID,
		"tx_hash", receipt.TxHash,
		"block_number", receipt.BlockNumber,
		"confirmations", receipt.Confirmations,
	)
	s.auditReceipt(r.Context(), req.DealID, receipt)

	writeJSON(w, http.StatusOK, EscrowResponse{
		Success:     receipt.Status == ledger.StatusSuccess,
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber,
	})
}

func (s *Server) handleQueryOwnership(w http.ResponseWriter, r *http.Request) {
	var req NftOwnershipRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	owned, err := s.ledger.QueryOwnership(ctx, req.Collection, req.TokenID, req.OwnerAddress)
	if err != nil {
		s.logger.Error("ownership query failed", "collection", req.Collection, "error", err)
		writeError(w, http.StatusBadGateway, CodeNftQueryFailed, fmt.Sprintf("failed to query NFT ownership: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, NftOwnershipResponse{
		Owned:      owned,
		Collection: req.Collection,
		TokenID:    req.TokenID,
		Owner:      req.OwnerAddress,
	})
}

func (s *Server) handleQueryBalance(w http.ResponseWriter, r *http.Request) {
	var req BalanceRequest
	if !s.decode(w, r, &req) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	balance, err := s.ledger.QueryBalance(ctx, req.Address, ledger.TokenUSDC)
	if err != nil {
		s.logger.Error("balance query failed", "address", req.Address, "error", err)
		writeError(w, http.StatusBadGateway, CodeBalanceQueryFailed, fmt.Sprintf("failed to query USDC balance: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		Address: req.Address,
		Balance: balance,
	})
}

// decode reads a bounded JSON body into dst, writing the error envelope and
// returning false when the payload is unusable.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	defer r.Body.Close()
	limited := io.LimitReader(r.Body, maxRequestBody+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, err.Error())
		return false
	}
	if len(data) > maxRequestBody {
		writeError(w, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("request body exceeds %d bytes", maxRequestBody))
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("invalid JSON payload: %v", err))
		return false
	}
	return true
}

func (s *Server) auditConsensus(ctx context.Context, dealID string, result quorum.Result) {
	if s.store == nil {
		return
	}
	err := s.store.InsertConsensusAudit(ctx, storage.ConsensusAudit{
		DealID:        dealID,
		Approved:      result.Approved,
		ApprovalCount: result.ApprovalCount,
		VerifierCount: result.VerifierCount,
		Threshold:     result.Threshold,
		ElapsedMS:     result.Elapsed.Milliseconds(),
		CreatedAt:     s.nowFn().UTC(),
	})
	if err != nil {
		s.logger.Error("consensus audit not persisted", "deal_id", dealID, "error", err)
	}
}

func (s *Server) auditReceipt(ctx context.Context, dealID string, receipt *escrow.Receipt) {
	if s.store == nil {
		return
	}
	_, err := s.store.SaveReceipt(ctx, storage.ReceiptRecord{
		DealID:        dealID,
		TxHash:        receipt.TxHash,
		BlockNumber:   receipt.BlockNumber,
		Status:        receipt.Status,
		Confirmations: receipt.Confirmations,
		GasUsed:       receipt.GasUsed,
		CreatedAt:     s.nowFn().UTC(),
	})
	if err != nil {
		s.logger.Error("receipt not persisted", "deal_id", dealID, "tx_hash", receipt.TxHash, "error", err)
	}
}

func validateEscrowRequest(req EscrowRequest) error {
	if strings.TrimSpace(req.DealID) == "" {
		return fmt.Errorf("deal_id is required")
	}
	if strings.TrimSpace(req.BuyerAddress) == "" {
		return fmt.Errorf("buyer_address is required")
	}
	if strings.TrimSpace(req.SellerAddress) == "" {
		return fmt.Errorf("seller_address is required")
	}
	if strings.TrimSpace(req.NftID) == "" {
		return fmt.Errorf("nft_id is required")
	}
	if req.Price <= 0 {
		return fmt.Errorf("price must be positive")
	}
	return nil
}
