package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agenticpay/consensus/quorum"
	"agenticpay/escrow"
	"agenticpay/ledger"
	"agenticpay/storage"
)

// scriptedLedger is a hand-rolled ledger stub with call counters.
type scriptedLedger struct {
	mu             sync.Mutex
	balance        float64
	balanceErr     error
	owned          bool
	ownedErr       error
	gas            uint64
	confirmations  []ledger.Confirmation
	pollErr        error
	pollCalls      int
	submitCalls    int
	ownershipCalls int
	balanceCalls   int
}

func (l *scriptedLedger) QueryOwnership(ctx context.Context, collection, tokenID, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ownershipCalls++
	return l.owned, l.ownedErr
}

func (l *scriptedLedger) QueryBalance(ctx context.Context, address, token string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balanceCalls++
	return l.balance, l.balanceErr
}

func (l *scriptedLedger) EstimateGas(ctx context.Context, intent ledger.TxIntent) (uint64, error) {
	if l.gas == 0 {
		return 250000, nil
	}
	return l.gas, nil
}

func (l *scriptedLedger) Submit(ctx context.Context, payload ledger.TxPayload) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submitCalls++
	return payload.Hash, nil
}

func (l *scriptedLedger) PollConfirmations(ctx context.Context, txHash string) (ledger.Confirmation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pollErr != nil {
		return ledger.Confirmation{}, l.pollErr
	}
	idx := l.pollCalls
	if idx >= len(l.confirmations) {
		idx = len(l.confirmations) - 1
	}
	l.pollCalls++
	return l.confirmations[idx], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, client ledger.Client, opts ...Option) *Server {
	t.Helper()
	engine, err := quorum.NewEngine(quorum.DefaultVerifierCount, quorum.DefaultThreshold)
	require.NoError(t, err)

	clock := time.Unix(1700000000, 0)
	var clockMu sync.Mutex
	stepClock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	executor, err := escrow.NewExecutor(client, escrow.Config{MinConfirmations: 3},
		escrow.WithClock(stepClock),
		escrow.WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
	)
	require.NoError(t, err)

	return New(testLogger(), engine, executor, client, opts...)
}

func postJSON(t *testing.T, handler http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &scriptedLedger{})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[HealthResponse](t, rec)
	require.Equal(t, "healthy", resp.Status)
	require.Equal(t, ServiceName, resp.Service)
	require.Equal(t, Version, resp.Version)
}

func TestVerifySignatureEndpoint(t *testing.T) {
	srv := newTestServer(t, &scriptedLedger{})
	router := srv.Router()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	message := "approve deal-42"
	sig := ed25519.Sign(priv, []byte(message))

	rec := postJSON(t, router, "/verify-signature", VerifySignatureRequest{
		Message:   message,
		Signature: hex.EncodeToString(sig),
		PublicKey: hex.EncodeToString(pub),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, decodeBody[VerifySignatureResponse](t, rec).Valid)

	rec = postJSON(t, router, "/verify-signature", VerifySignatureRequest{
		Message:   message + "!",
		Signature: hex.EncodeToString(sig),
		PublicKey: hex.EncodeToString(pub),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, decodeBody[VerifySignatureResponse](t, rec).Valid)
}

func TestVerifySignatureMalformedInput(t *testing.T) {
	srv := newTestServer(t, &scriptedLedger{})
	router := srv.Router()

	rec := postJSON(t, router, "/verify-signature", VerifySignatureRequest{
		Message:   "hello",
		Signature: "deadbeef",
		PublicKey: "not-hex",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[ErrorResponse](t, rec)
	require.Equal(t, CodeInvalidPublicKey, resp.Error)
	require.NotEmpty(t, resp.Message)
}

func TestRunConsensusApproves(t *testing.T) {
	srv := newTestServer(t, &scriptedLedger{})

	rec := postJSON(t, srv.Router(), "/run-consensus", ConsensusRequest{
		DealID:       "deal-1",
		NftOwnership: true,
		BuyerBalance: 10000,
		Signatures:   []string{"sig-a", "sig-b"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[ConsensusResponse](t, rec)
	require.True(t, resp.Approved)
	require.Equal(t, 7, resp.VerifierCount)
	require.Equal(t, 7, resp.ApprovalCount)
	require.Equal(t, 0.67, resp.Threshold)
	require.Len(t, resp.Verifiers, 7)
	for _, v := range resp.Verifiers {
		require.True(t, v.Approved)
		require.True(t, v.Checks.NFTOwnership)
		require.True(t, v.Checks.BuyerBalance)
		require.True(t, v.Checks.SignatureValidity)
	}
}

func TestRunConsensusRejects(t *testing.T) {
	srv := newTestServer(t, &scriptedLedger{})

	rec := postJSON(t, srv.Router(), "/run-consensus", ConsensusRequest{
		DealID:       "deal-1",
		NftOwnership: true,
		BuyerBalance: 10000,
		Signatures:   []string{"only-one"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[ConsensusResponse](t, rec)
	require.False(t, resp.Approved)
	require.Zero(t, resp.ApprovalCount)
}

func TestRunConsensusRequiresDealID(t *testing.T) {
	srv := newTestServer(t, &scriptedLedger{})
	rec := postJSON(t, srv.Router(), "/run-consensus", ConsensusRequest{NftOwnership: true})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, CodeBadRequest, decodeBody[ErrorResponse](t, rec).Error)
}

func TestExecuteEscrowInsufficientBalance(t *testing.T) {
	client := &scriptedLedger{balance: 10000, owned: true}
	srv := newTestServer(t, client)

	rec := postJSON(t, srv.Router(), "/execute-escrow", EscrowRequest{
		DealID:        "deal-1",
		BuyerAddress:  "0xbuyer",
		SellerAddress: "0xseller",
		NftID:         "bayc",
		Price:         50000,
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	resp := decodeBody[ErrorResponse](t, rec)
	require.Equal(t, CodeInsufficientBalance, resp.Error)
	require.Contains(t, resp.Message, "has 10000.00 USDC")
	require.Contains(t, resp.Message, "needs 50000.00 USDC")
	require.Zero(t, client.submitCalls, "no ledger write may happen after a failed gate")
}

func TestExecuteEscrowNotOwned(t *testing.T) {
	client := &scriptedLedger{balance: 100000, owned: false}
	srv := newTestServer(t, client)

	rec := postJSON(t, srv.Router(), "/execute-escrow", EscrowRequest{
		DealID:        "deal-1",
		BuyerAddress:  "0xbuyer",
		SellerAddress: "0xseller",
		NftID:         "bayc",
		Price:         50000,
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, CodeNftNotOwned, decodeBody[ErrorResponse](t, rec).Error)
}

func TestExecuteEscrowSettles(t *testing.T) {
	client := &scriptedLedger{
		balance: 100000,
		owned:   true,
		confirmations: []ledger.Confirmation{
			{Count: 1, BlockNumber: 1400000, Status: ledger.StatusPending},
			{Count: 2, BlockNumber: 1400000, Status: ledger.StatusPending},
			{Count: 3, BlockNumber: 1400000, Status: ledger.StatusSuccess, GasUsed: 240000},
		},
	}
	store, err := storage.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv := newTestServer(t, client, WithStore(store))

	rec := postJSON(t, srv.Router(), "/execute-escrow", EscrowRequest{
		DealID:        "deal-1",
		BuyerAddress:  "0xbuyer",
		SellerAddress: "0xseller",
		NftID:         "bayc",
		Price:         50000,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[EscrowResponse](t, rec)
	require.True(t, resp.Success)
	require.Regexp(t, `^0x[0-9a-f]{64}$`, resp.TxHash)
	require.Equal(t, uint64(1400000), resp.BlockNumber)

	// The confirmed receipt is persisted for the deal.
	records, err := store.ReceiptsByDeal(context.Background(), "deal-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, resp.TxHash, records[0].TxHash)
	require.Equal(t, uint32(3), records[0].Confirmations)
}

func TestExecuteEscrowTimeout(t *testing.T) {
	client := &scriptedLedger{
		balance: 100000,
		owned:   true,
		confirmations: []ledger.Confirmation{
			{Count: 0, Status: ledger.StatusPending},
		},
	}
	engine, err := quorum.NewEngine(quorum.DefaultVerifierCount, quorum.DefaultThreshold)
	require.NoError(t, err)

	clock := time.Unix(1700000000, 0)
	var mu sync.Mutex
	fastClock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(15 * time.Second)
		return clock
	}
	executor, err := escrow.NewExecutor(client, escrow.Config{MinConfirmations: 3, ConfirmDeadline: 30 * time.Second},
		escrow.WithClock(fastClock),
		escrow.WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
	)
	require.NoError(t, err)
	srv := New(testLogger(), engine, executor, client)

	rec := postJSON(t, srv.Router(), "/execute-escrow", EscrowRequest{
		DealID:        "deal-1",
		BuyerAddress:  "0xbuyer",
		SellerAddress: "0xseller",
		NftID:         "bayc",
		Price:         50000,
	})
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	require.Equal(t, CodeConfirmationTimeout, decodeBody[ErrorResponse](t, rec).Error)
}

func TestExecuteEscrowLedgerUnavailable(t *testing.T) {
	client := &scriptedLedger{balanceErr: errors.New("connection refused")}
	srv := newTestServer(t, client)

	rec := postJSON(t, srv.Router(), "/execute-escrow", EscrowRequest{
		DealID:        "deal-1",
		BuyerAddress:  "0xbuyer",
		SellerAddress: "0xseller",
		NftID:         "bayc",
		Price:         50000,
	})
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, CodeLedgerUnavailable, decodeBody[ErrorResponse](t, rec).Error)
}

func TestExecuteEscrowValidation(t *testing.T) {
	srv := newTestServer(t, &scriptedLedger{})
	rec := postJSON(t, srv.Router(), "/execute-escrow", EscrowRequest{DealID: "deal-1"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, CodeBadRequest, decodeBody[ErrorResponse](t, rec).Error)
}

func TestQueryEndpoints(t *testing.T) {
	client := &scriptedLedger{balance: 10000, owned: true}
	srv := newTestServer(t, client)
	router := srv.Router()

	rec := postJSON(t, router, "/query-nft-ownership", NftOwnershipRequest{
		Collection:   "bayc",
		TokenID:      "1234",
		OwnerAddress: "0xowner",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	owns := decodeBody[NftOwnershipResponse](t, rec)
	require.True(t, owns.Owned)
	require.Equal(t, "bayc", owns.Collection)
	require.Equal(t, "1234", owns.TokenID)
	require.Equal(t, "0xowner", owns.Owner)

	rec = postJSON(t, router, "/query-usdc-balance", BalanceRequest{Address: "0xbuyer"})
	require.Equal(t, http.StatusOK, rec.Code)
	balance := decodeBody[BalanceResponse](t, rec)
	require.Equal(t, "0xbuyer", balance.Address)
	require.Equal(t, 10000.0, balance.Balance)
}

func TestQueryEndpointErrors(t *testing.T) {
	client := &scriptedLedger{ownedErr: errors.New("rpc down"), balanceErr: errors.New("rpc down")}
	srv := newTestServer(t, client)
	router := srv.Router()

	rec := postJSON(t, router, "/query-nft-ownership", NftOwnershipRequest{Collection: "bayc"})
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, CodeNftQueryFailed, decodeBody[ErrorResponse](t, rec).Error)

	rec = postJSON(t, router, "/query-usdc-balance", BalanceRequest{Address: "0xbuyer"})
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, CodeBalanceQueryFailed, decodeBody[ErrorResponse](t, rec).Error)
}

func TestInvalidJSONBody(t *testing.T) {
	srv := newTestServer(t, &scriptedLedger{})
	req := httptest.NewRequest(http.MethodPost, "/run-consensus", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, CodeBadRequest, decodeBody[ErrorResponse](t, rec).Error)
}
