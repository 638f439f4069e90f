package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sneekyboots/verisafe/internal/prover"
)

// rpcStub is a scriptable JSON-RPC test server.
type rpcStub struct {
	server    *httptest.Server
	sendCount atomic.Int32
	sendFails int32     // sendFails makes the first N sends fail at transport level
	sendError *rpcError // sendError makes sends return a logical rejection
	status    string    // status is the receipt status, default success
}

// newRPCStub starts a stub chain node.
func newRPCStub(t *testing.T) *rpcStub {
	t.Helper()

	stub := &rpcStub{status: "0x1"}

	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		switch req.Method {
		case "eth_blockNumber":
			writeResult(w, "0x10")

		case "eth_sendTransaction":
			n := stub.sendCount.Add(1)
			if n <= stub.sendFails {
				http.Error(w, "bad gateway", http.StatusBadGateway)
				return
			}
			if stub.sendError != nil {
				writeRPCError(w, stub.sendError)
				return
			}
			writeResult(w, "0xabc123")

		case "eth_getTransactionReceipt":
			writeResult(w, map[string]string{
				"status":      stub.status,
				"blockNumber": "0x2a",
				"gasUsed":     "0x5208",
			})

		case "eth_getBalance":
			writeResult(w, "0xde0b6b3a7640000")

		default:
			writeRPCError(w, &rpcError{Code: -32601, Message: "method not found"})
		}
	}))

	t.Cleanup(stub.server.Close)

	return stub
}

func writeResult(w http.ResponseWriter, result any) {
	json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": result})
}

func writeRPCError(w http.ResponseWriter, e *rpcError) {
	json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "error": e})
}

// testProof builds a proof-shaped value without a real engine.
func testProof() *prover.Proof {
	blob := make([]byte, 192)
	for i := range blob {
		blob[i] = byte(i)
	}

	return &prover.Proof{
		Blob: blob,
		Signals: prover.Signals{
			Commitment: [32]byte{0xAA},
			PriceFixed: 35_025_000_000,
			Timestamp:  1_700_000_000,
		},
	}
}

// newTestSubmitter builds a fast-retrying submitter against the stub.
func newTestSubmitter(endpoints []string) *Submitter {
	s := NewSubmitter(endpoints, "0xfeed", "0xsigner")
	s.backoff = time.Millisecond
	return s
}

func TestSubmitConfirms(t *testing.T) {
	stub := newRPCStub(t)
	s := newTestSubmitter([]string{stub.server.URL})

	receipt, err := s.Submit(context.Background(), testProof(), [32]byte{0x01})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if receipt.TxHash != "0xabc123" {
		t.Errorf("TxHash = %q, want 0xabc123", receipt.TxHash)
	}

	if receipt.BlockNumber != 42 {
		t.Errorf("BlockNumber = %d, want 42", receipt.BlockNumber)
	}

	if receipt.GasUsed != 21000 {
		t.Errorf("GasUsed = %d, want 21000", receipt.GasUsed)
	}
}

func TestSubmitAllEndpointsUnreachable(t *testing.T) {
	// Ports with nothing listening: every probe fails, so no
	// transaction may be attempted.
	s := newTestSubmitter([]string{"http://127.0.0.1:1", "http://127.0.0.1:2"})

	_, err := s.Submit(context.Background(), testProof(), [32]byte{})

	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("Submit error = %v, want NetworkError", err)
	}

	if netErr.Reason != "all endpoints unreachable" {
		t.Errorf("Reason = %q, want all endpoints unreachable", netErr.Reason)
	}
}

func TestProbeFailsOver(t *testing.T) {
	stub := newRPCStub(t)
	s := newTestSubmitter([]string{"http://127.0.0.1:1", stub.server.URL})

	endpoint, err := s.ProbeHealthy(context.Background())
	if err != nil {
		t.Fatalf("ProbeHealthy failed: %v", err)
	}

	if endpoint != stub.server.URL {
		t.Errorf("endpoint = %q, want the healthy stub", endpoint)
	}
}

func TestSubmitRetriesTransportFailure(t *testing.T) {
	stub := newRPCStub(t)
	stub.sendFails = 2
	s := newTestSubmitter([]string{stub.server.URL})

	receipt, err := s.Submit(context.Background(), testProof(), [32]byte{})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if receipt.TxHash != "0xabc123" {
		t.Errorf("TxHash = %q, want 0xabc123", receipt.TxHash)
	}

	if got := stub.sendCount.Load(); got != 3 {
		t.Errorf("send attempts = %d, want 3", got)
	}
}

func TestSubmitDoesNotRetryRejection(t *testing.T) {
	stub := newRPCStub(t)
	stub.sendError = &rpcError{Code: -32000, Message: "execution reverted"}
	s := newTestSubmitter([]string{stub.server.URL})

	_, err := s.Submit(context.Background(), testProof(), [32]byte{})

	var chainErr *ChainError
	if !errors.As(err, &chainErr) {
		t.Fatalf("Submit error = %v, want ChainError", err)
	}

	if got := stub.sendCount.Load(); got != 1 {
		t.Errorf("send attempts = %d, want 1 (rejections are not retried)", got)
	}
}

func TestSubmitRevertedReceipt(t *testing.T) {
	stub := newRPCStub(t)
	stub.status = "0x0"
	s := newTestSubmitter([]string{stub.server.URL})

	_, err := s.Submit(context.Background(), testProof(), [32]byte{})

	var chainErr *ChainError
	if !errors.As(err, &chainErr) {
		t.Fatalf("Submit error = %v, want ChainError", err)
	}
}

func TestBalance(t *testing.T) {
	stub := newRPCStub(t)
	s := newTestSubmitter([]string{stub.server.URL})

	balance, err := s.Balance(context.Background())
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}

	if balance.String() != "1000000000000000000" {
		t.Errorf("Balance = %s, want 1000000000000000000", balance)
	}
}

func TestSendExhaustsRetries(t *testing.T) {
	stub := newRPCStub(t)
	stub.sendFails = 100
	s := newTestSubmitter([]string{stub.server.URL})

	_, err := s.Submit(context.Background(), testProof(), [32]byte{})

	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("Submit error = %v, want NetworkError", err)
	}

	if got := stub.sendCount.Load(); got != int32(defaultSendAttempts) {
		t.Errorf("send attempts = %d, want %d", got, defaultSendAttempts)
	}
}

func TestRPCErrorIsLogical(t *testing.T) {
	err := error(&rpcError{Code: -32000, Message: "nope"})

	var rejection *rpcError
	if !errors.As(err, &rejection) {
		t.Fatal("rpcError does not unwrap as itself")
	}

	if want := fmt.Sprintf("rpc error %d: nope", -32000); err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
