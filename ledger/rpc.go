package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// RPCClient implements Client against a ledger node's JSON-RPC endpoint.
type RPCClient struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64
}

// NewRPCClient builds a client for the given node URL. The auth token is
// optional and sent as a bearer credential when present.
func NewRPCClient(baseURL, authToken string) *RPCClient {
	return &RPCClient{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *RPCClient) QueryOwnership(ctx context.Context, collection, tokenID, owner string) (bool, error) {
	params := map[string]string{
		"collection": collection,
		"tokenId":    tokenID,
		"owner":      owner,
	}
	var result struct {
		Owned bool `json:"owned"`
	}
	if err := c.call(ctx, "ledger_queryOwnership", []interface{}{params}, &result); err != nil {
		return false, err
	}
	return result.Owned, nil
}

func (c *RPCClient) QueryBalance(ctx context.Context, address, token string) (float64, error) {
	params := map[string]string{"address": address, "token": token}
	var result struct {
		Balance float64 `json:"balance"`
	}
	if err := c.call(ctx, "ledger_queryBalance", []interface{}{params}, &result); err != nil {
		return 0, err
	}
	return result.Balance, nil
}

func (c *RPCClient) EstimateGas(ctx context.Context, intent TxIntent) (uint64, error) {
	var result struct {
		Gas uint64 `json:"gas"`
	}
	if err := c.call(ctx, "ledger_estimateGas", []interface{}{intent}, &result); err != nil {
		return 0, err
	}
	return result.Gas, nil
}

func (c *RPCClient) Submit(ctx context.Context, payload TxPayload) (string, error) {
	var result struct {
		TxHash string `json:"txHash"`
	}
	if err := c.call(ctx, "ledger_submit", []interface{}{payload}, &result); err != nil {
		return "", err
	}
	if strings.TrimSpace(result.TxHash) == "" {
		return "", errors.New("ledger rpc returned empty tx hash")
	}
	return result.TxHash, nil
}

func (c *RPCClient) PollConfirmations(ctx context.Context, txHash string) (Confirmation, error) {
	var result Confirmation
	params := map[string]string{"txHash": txHash}
	if err := c.call(ctx, "ledger_pollConfirmations", []interface{}{params}, &result); err != nil {
		return Confirmation{}, err
	}
	return result, nil
}

func (c *RPCClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	bodyStruct := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}
	buf, err := json.Marshal(bodyStruct)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ledger rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("ledger rpc error: %s", rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("ledger rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
