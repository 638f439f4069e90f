package prover

import (
	"context"
	"fmt"
	"math/big"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/zeebo/blake3"

	"github.com/Sneekyboots/verisafe/internal/logger"
)

// Committer computes the commitment binding a witness. Implementations
// must be deterministic: the same (price, timestamp, salt) always yields
// the same commitment.
type Committer interface {
	Commit(priceFixed uint64, timestamp int64, salt *big.Int) ([32]byte, error)
}

// nativeCommitter hashes the witness directly with blake3.
type nativeCommitter struct{}

// Commit implements Committer.
func (nativeCommitter) Commit(priceFixed uint64, timestamp int64, salt *big.Int) ([32]byte, error) {
	var saltBuf [32]byte
	salt.FillBytes(saltBuf[:])

	h := blake3.New()
	h.Write([]byte("verisafe.commit.v1"))
	h.Write(u64be(priceFixed))
	h.Write(u64be(uint64(timestamp)))
	h.Write(saltBuf[:])

	var out [32]byte
	h.Sum(out[:0])

	return out, nil
}

// circuitCommitter computes commitments by executing the compiled circuit
// WASM artifact. The guest reads the serialized witness through host
// functions and writes back a 32-byte commitment.
type circuitCommitter struct {
	runtime  wazero.Runtime        // runtime is the wazero runtime instance
	compiled wazero.CompiledModule // compiled is the compiled circuit module
}

// circuitCall holds the I/O state for a single circuit invocation.
type circuitCall struct {
	input  []byte     // input is the serialized witness
	output []byte     // output is the commitment written by the guest
	memory api.Memory // memory is the WASM linear memory
}

// newCircuitCommitter compiles the circuit WASM once; instances are
// created per invocation.
func newCircuitCommitter(wasmBytes []byte) (*circuitCommitter, error) {
	ctx := context.Background()
	runtime := wazero.NewRuntime(ctx)

	compiled, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("compile circuit module:\n%w", err)
	}

	return &circuitCommitter{runtime: runtime, compiled: compiled}, nil
}

// Commit implements Committer.
func (c *circuitCommitter) Commit(priceFixed uint64, timestamp int64, salt *big.Int) ([32]byte, error) {
	var saltBuf [32]byte
	salt.FillBytes(saltBuf[:])

	input := make([]byte, 0, 48)
	input = append(input, u64be(priceFixed)...)
	input = append(input, u64be(uint64(timestamp))...)
	input = append(input, saltBuf[:]...)

	output, err := c.execute(input)
	if err != nil {
		return [32]byte{}, err
	}

	if len(output) != 32 {
		return [32]byte{}, fmt.Errorf("circuit returned %d bytes, want 32", len(output))
	}

	var commitment [32]byte
	copy(commitment[:], output)

	return commitment, nil
}

// execute instantiates the circuit and runs its exported commit function.
func (c *circuitCommitter) execute(input []byte) ([]byte, error) {
	ctx := context.Background()
	call := &circuitCall{input: input}

	hostModule, err := c.buildHostModule(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("build host module:\n%w", err)
	}
	defer hostModule.Close(ctx)

	instance, err := c.runtime.InstantiateModule(ctx, c.compiled, wazero.NewModuleConfig())
	if err != nil {
		return nil, fmt.Errorf("instantiate circuit:\n%w", err)
	}
	defer instance.Close(ctx)

	call.memory = instance.Memory()

	commitFn := instance.ExportedFunction("commit")
	if commitFn == nil {
		return nil, fmt.Errorf("circuit does not export commit")
	}

	if _, err := commitFn.Call(ctx); err != nil {
		return nil, fmt.Errorf("circuit commit:\n%w", err)
	}

	return call.output, nil
}

// buildHostModule creates the "env" module with the witness I/O functions.
func (c *circuitCommitter) buildHostModule(ctx context.Context, call *circuitCall) (api.Module, error) {
	return c.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context) uint32 {
			return uint32(len(call.input))
		}).
		Export("input_len").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, ptr uint32) {
			if call.memory != nil && len(call.input) > 0 {
				call.memory.Write(ptr, call.input)
			}
		}).
		Export("read_input").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, ptr, length uint32) {
			if call.memory == nil || length == 0 {
				return
			}
			if data, ok := call.memory.Read(ptr, length); ok {
				call.output = make([]byte, length)
				copy(call.output, data)
			}
		}).
		Export("write_output").
		Instantiate(ctx)
}

// Close releases the wazero runtime.
func (c *circuitCommitter) Close() error {
	return c.runtime.Close(context.Background())
}

// fallbackCommitter tries the primary committer and, only when it fails,
// the fallback. One explicit composite replaces call-time capability
// probing: the strategy is fixed at construction.
type fallbackCommitter struct {
	primary  Committer // primary is usually the compiled circuit
	fallback Committer // fallback is the native hash path
}

// newFallbackCommitter composes primary and fallback.
func newFallbackCommitter(primary, fallback Committer) *fallbackCommitter {
	return &fallbackCommitter{primary: primary, fallback: fallback}
}

// Commit implements Committer.
func (f *fallbackCommitter) Commit(priceFixed uint64, timestamp int64, salt *big.Int) ([32]byte, error) {
	commitment, err := f.primary.Commit(priceFixed, timestamp, salt)
	if err == nil {
		return commitment, nil
	}

	logger.Warn("primary committer failed, using fallback", "error", err)

	return f.fallback.Commit(priceFixed, timestamp, salt)
}
