package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeNode answers JSON-RPC requests with canned results keyed by method.
func fakeNode(t *testing.T, results map[string]interface{}, gotAuth *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotAuth != nil {
			*gotAuth = r.Header.Get("Authorization")
		}
		var req jsonRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result, ok := results[req.Method]
		if !ok {
			resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: &jsonRPCErrorObj{Code: -32601, Message: "method not found"}}
			require.NoError(t, json.NewEncoder(w).Encode(resp))
			return
		}
		raw, err := json.Marshal(result)
		require.NoError(t, err)
		resp := jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: raw}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestRPCClientQueries(t *testing.T) {
	var auth string
	node := fakeNode(t, map[string]interface{}{
		"ledger_queryOwnership": map[string]bool{"owned": true},
		"ledger_queryBalance":   map[string]float64{"balance": 1234.5},
		"ledger_estimateGas":    map[string]uint64{"gas": 250000},
	}, &auth)
	defer node.Close()

	client := NewRPCClient(node.URL, "secret-token")
	ctx := context.Background()

	owned, err := client.QueryOwnership(ctx, "bayc", "1", "0xowner")
	require.NoError(t, err)
	require.True(t, owned)
	require.Equal(t, "Bearer secret-token", auth)

	balance, err := client.QueryBalance(ctx, "0xbuyer", TokenUSDC)
	require.NoError(t, err)
	require.Equal(t, 1234.5, balance)

	gas, err := client.EstimateGas(ctx, TxIntent{Buyer: "0xbuyer"})
	require.NoError(t, err)
	require.Equal(t, uint64(250000), gas)
}

func TestRPCClientSubmitAndPoll(t *testing.T) {
	node := fakeNode(t, map[string]interface{}{
		"ledger_submit": map[string]string{"txHash": "0xabc"},
		"ledger_pollConfirmations": Confirmation{
			Count:       2,
			BlockNumber: 1500000,
			Status:      StatusPending,
			GasUsed:     240000,
		},
	}, nil)
	defer node.Close()

	client := NewRPCClient(node.URL, "")
	ctx := context.Background()

	hash, err := client.Submit(ctx, TxPayload{Hash: "0xabc"})
	require.NoError(t, err)
	require.Equal(t, "0xabc", hash)

	conf, err := client.PollConfirmations(ctx, "0xabc")
	require.NoError(t, err)
	require.Equal(t, uint32(2), conf.Count)
	require.Equal(t, uint64(1500000), conf.BlockNumber)
	require.Equal(t, StatusPending, conf.Status)
}

func TestRPCClientSurfacesErrors(t *testing.T) {
	node := fakeNode(t, nil, nil)
	defer node.Close()

	client := NewRPCClient(node.URL, "")
	_, err := client.QueryBalance(context.Background(), "0xbuyer", TokenUSDC)
	require.Error(t, err)
	require.Contains(t, err.Error(), "method not found")
}

func TestRPCClientNonOKStatus(t *testing.T) {
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer node.Close()

	client := NewRPCClient(node.URL, "")
	_, err := client.Submit(context.Background(), TxPayload{Hash: "0xabc"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "status=502")
}
