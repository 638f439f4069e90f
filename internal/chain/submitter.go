package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/Sneekyboots/verisafe/internal/logger"
	"github.com/Sneekyboots/verisafe/internal/prover"
)

const (
	// defaultProbeTimeout bounds each endpoint liveness probe.
	defaultProbeTimeout = 3 * time.Second

	// defaultSendAttempts is the bounded retry count for transient
	// transport failures during submission.
	defaultSendAttempts = 3

	// defaultBackoffBase is the initial retry delay; it doubles per
	// attempt.
	defaultBackoffBase = 1500 * time.Millisecond

	// receiptPollInterval is the delay between receipt polls.
	receiptPollInterval = 2 * time.Second

	// receiptPollLimit bounds how many times a receipt is polled
	// before the confirmation wait gives up.
	receiptPollLimit = 60
)

// NetworkError reports that no RPC endpoint is reachable or a transport
// failure exhausted its retries. It is retried with backoff before the
// cycle fails.
type NetworkError struct {
	Reason string // Reason is the human-readable cause
	Err    error  // Err is the underlying cause, if any
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	if e.Err != nil {
		return "network: " + e.Reason + ": " + e.Err.Error()
	}
	return "network: " + e.Reason
}

// Unwrap returns the underlying cause.
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ChainError reports a logical rejection by the chain (reverted or
// refused transaction). It is surfaced immediately and never retried.
type ChainError struct {
	Reason string // Reason is the human-readable cause
	Err    error  // Err is the underlying cause, if any
}

// Error implements the error interface.
func (e *ChainError) Error() string {
	if e.Err != nil {
		return "chain: " + e.Reason + ": " + e.Err.Error()
	}
	return "chain: " + e.Reason
}

// Unwrap returns the underlying cause.
func (e *ChainError) Unwrap() error {
	return e.Err
}

// Receipt is the confirmed outcome of a submission.
type Receipt struct {
	TxHash      string // TxHash is the transaction hash
	BlockNumber uint64 // BlockNumber is the inclusion block
	GasUsed     uint64 // GasUsed is the resource cost, for observability
}

// LastRound is the feed's latest on-chain state, read back for health
// reporting.
type LastRound struct {
	PriceFixed uint64 // PriceFixed is the last published fixed-point price
	Timestamp  int64  // Timestamp is the last publication time
	Verified   bool   // Verified is the contract's proof-verification flag
}

// Submitter pushes verified proofs to the chain through a pool of RPC
// endpoints with failover. The pool is owned by the submitter and
// constructed once per orchestrator instance; there is no process-wide
// connection state.
type Submitter struct {
	endpoints []string      // endpoints is the ordered RPC endpoint list
	contract  string        // contract is the price feed contract address
	from      string        // from is the signer account address
	rpc       *rpcClient    // rpc issues the JSON-RPC calls
	attempts  int           // attempts bounds the send retries
	backoff   time.Duration // backoff is the initial retry delay
}

// NewSubmitter creates a Submitter over the given endpoint list.
func NewSubmitter(endpoints []string, contract, from string) *Submitter {
	return &Submitter{
		endpoints: endpoints,
		contract:  contract,
		from:      from,
		rpc:       &rpcClient{client: &http.Client{}},
		attempts:  defaultSendAttempts,
		backoff:   defaultBackoffBase,
	}
}

// ProbeHealthy walks the endpoint list in order and returns the first
// endpoint that answers a block-height probe. If none respond it returns
// a NetworkError without attempting any transaction.
func (s *Submitter) ProbeHealthy(ctx context.Context) (string, error) {
	for _, endpoint := range s.endpoints {
		probeCtx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
		result, err := s.rpc.call(probeCtx, endpoint, "eth_blockNumber")
		cancel()

		if err != nil {
			logger.Warn("rpc endpoint unhealthy", "endpoint", endpoint, "error", err)
			continue
		}

		if height, err := decodeQuantity(result); err == nil {
			logger.Debug("rpc endpoint healthy", "endpoint", endpoint, "height", height)
		}

		return endpoint, nil
	}

	return "", &NetworkError{Reason: "all endpoints unreachable"}
}

// Submit serializes the proof, sends it through a healthy endpoint with
// bounded retry, and waits for the confirmation receipt.
func (s *Submitter) Submit(ctx context.Context, proof *prover.Proof, archiveRef [32]byte) (*Receipt, error) {
	endpoint, err := s.ProbeHealthy(ctx)
	if err != nil {
		return nil, err
	}

	calldata, err := EncodeSubmitCall(proof.Signals, proof.Blob, archiveRef)
	if err != nil {
		return nil, &ChainError{Reason: "encode calldata", Err: err}
	}

	txHash, err := s.sendWithRetry(ctx, endpoint, calldata)
	if err != nil {
		return nil, err
	}

	logger.Info("transaction sent", "tx", txHash, "endpoint", endpoint)

	return s.awaitReceipt(ctx, endpoint, txHash)
}

// sendWithRetry sends the transaction, retrying transient transport
// failures with exponential backoff. A logical rejection by the node is
// a ChainError and is never retried.
func (s *Submitter) sendWithRetry(ctx context.Context, endpoint string, calldata []byte) (string, error) {
	tx := map[string]string{
		"from": s.from,
		"to":   s.contract,
		"data": hexData(calldata),
	}

	delay := s.backoff
	var lastErr error

	for attempt := 1; attempt <= s.attempts; attempt++ {
		result, err := s.rpc.call(ctx, endpoint, "eth_sendTransaction", tx)
		if err == nil {
			var txHash string
			if err := json.Unmarshal(result, &txHash); err != nil {
				return "", &ChainError{Reason: "malformed transaction hash", Err: err}
			}

			return txHash, nil
		}

		var rejection *rpcError
		if errors.As(err, &rejection) {
			return "", &ChainError{Reason: "transaction rejected", Err: rejection}
		}

		lastErr = err
		logger.Warn("send attempt failed", "attempt", attempt, "error", err)

		if attempt < s.attempts {
			select {
			case <-ctx.Done():
				return "", &NetworkError{Reason: "submission canceled", Err: ctx.Err()}
			case <-time.After(delay):
			}

			delay *= 2
		}
	}

	return "", &NetworkError{Reason: fmt.Sprintf("send failed after %d attempts", s.attempts), Err: lastErr}
}

// awaitReceipt polls for the transaction receipt until it appears.
// A receipt with status 0x0 is a revert: a ChainError, never retried.
func (s *Submitter) awaitReceipt(ctx context.Context, endpoint, txHash string) (*Receipt, error) {
	for poll := 0; poll < receiptPollLimit; poll++ {
		result, err := s.rpc.call(ctx, endpoint, "eth_getTransactionReceipt", txHash)
		if err == nil && string(result) != "null" {
			return parseReceipt(txHash, result)
		}

		select {
		case <-ctx.Done():
			return nil, &NetworkError{Reason: "confirmation canceled", Err: ctx.Err()}
		case <-time.After(receiptPollInterval):
		}
	}

	return nil, &NetworkError{Reason: "transaction not confirmed in time"}
}

// parseReceipt decodes a receipt object and rejects reverted transactions.
func parseReceipt(txHash string, raw json.RawMessage) (*Receipt, error) {
	var receipt struct {
		Status      string `json:"status"`
		BlockNumber string `json:"blockNumber"`
		GasUsed     string `json:"gasUsed"`
	}

	if err := json.Unmarshal(raw, &receipt); err != nil {
		return nil, &ChainError{Reason: "malformed receipt", Err: err}
	}

	if receipt.Status == "0x0" {
		return nil, &ChainError{Reason: "transaction reverted"}
	}

	block, err := decodeQuantity(json.RawMessage(`"` + receipt.BlockNumber + `"`))
	if err != nil {
		return nil, &ChainError{Reason: "malformed block number", Err: err}
	}

	gas, err := decodeQuantity(json.RawMessage(`"` + receipt.GasUsed + `"`))
	if err != nil {
		gas = 0
	}

	return &Receipt{TxHash: txHash, BlockNumber: block, GasUsed: gas}, nil
}

// Balance returns the signer account balance in wei.
func (s *Submitter) Balance(ctx context.Context) (*big.Int, error) {
	endpoint, err := s.ProbeHealthy(ctx)
	if err != nil {
		return nil, err
	}

	result, err := s.rpc.call(ctx, endpoint, "eth_getBalance", s.from, "latest")
	if err != nil {
		return nil, &NetworkError{Reason: "read balance", Err: err}
	}

	return decodeBig(result)
}

// LastRound reads the feed's latest published round via eth_call.
// The contract returns three words: price, timestamp, verified flag.
func (s *Submitter) LastRound(ctx context.Context) (*LastRound, error) {
	endpoint, err := s.ProbeHealthy(ctx)
	if err != nil {
		return nil, err
	}

	call := map[string]string{
		"to":   s.contract,
		"data": hexData(latestRoundSelector[:]),
	}

	result, err := s.rpc.call(ctx, endpoint, "eth_call", call, "latest")
	if err != nil {
		return nil, &NetworkError{Reason: "read last round", Err: err}
	}

	var hexStr string
	if err := json.Unmarshal(result, &hexStr); err != nil {
		return nil, &ChainError{Reason: "malformed call result", Err: err}
	}

	data, err := hex.DecodeString(trimHexPrefix(hexStr))
	if err != nil || len(data) < 96 {
		return nil, &ChainError{Reason: fmt.Sprintf("short call result %q", hexStr)}
	}

	return &LastRound{
		PriceFixed: wordUint64(data[0:32]),
		Timestamp:  int64(wordUint64(data[32:64])),
		Verified:   wordUint64(data[64:96]) != 0,
	}, nil
}

// trimHexPrefix strips a leading 0x.
func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// wordUint64 reads the low 8 bytes of a 32-byte word.
func wordUint64(w []byte) uint64 {
	var v uint64
	for _, b := range w[24:32] {
		v = v<<8 | uint64(b)
	}
	return v
}
