package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
)

// rpcRequest is a JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// rpcResponse is a JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// rpcError is the error object of a JSON-RPC response. It signals a
// logical rejection by the node, not a transport failure.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcClient issues JSON-RPC calls over HTTP.
type rpcClient struct {
	client *http.Client // client performs the HTTP round trips
}

// call performs one JSON-RPC call against the given endpoint.
// A *rpcError return means the endpoint answered but rejected the call;
// any other error is a transport failure.
func (c *rpcClient) call(ctx context.Context, endpoint, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request:\n%w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request:\n%w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s:\n%w", endpoint, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("POST %s: status %d", endpoint, resp.StatusCode)
	}

	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode response:\n%w", err)
	}

	if envelope.Error != nil {
		return nil, envelope.Error
	}

	return envelope.Result, nil
}

// decodeQuantity parses a 0x-prefixed hex quantity into a uint64.
func decodeQuantity(raw json.RawMessage) (uint64, error) {
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return 0, fmt.Errorf("decode quantity:\n%w", err)
	}

	value, ok := new(big.Int).SetString(strings.TrimPrefix(hexStr, "0x"), 16)
	if !ok {
		return 0, fmt.Errorf("invalid quantity %q", hexStr)
	}

	return value.Uint64(), nil
}

// decodeBig parses a 0x-prefixed hex quantity into a big.Int.
func decodeBig(raw json.RawMessage) (*big.Int, error) {
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return nil, fmt.Errorf("decode quantity:\n%w", err)
	}

	value, ok := new(big.Int).SetString(strings.TrimPrefix(hexStr, "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("invalid quantity %q", hexStr)
	}

	return value, nil
}
