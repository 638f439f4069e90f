package prover

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/big"
	"os"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// PriceScale converts a float price to its fixed-point witness
	// representation (price * 1e8).
	PriceScale = 100_000_000

	// saltBytes is the number of random bytes drawn per salt sample.
	saltBytes = 32
)

// FieldModulus is the scalar field order of BLS12-381. Every salt must be
// a uniform element of [0, FieldModulus); larger samples are rejected and
// redrawn to avoid modulo bias.
var FieldModulus, _ = new(big.Int).SetString(
	"73eda753299d7d483339d80809a1d80553bda402fffe5bfeffffffff00000001", 16)

// ConfigError reports a missing or inconsistent proof-engine artifact.
// It is fatal and must never be retried.
type ConfigError struct {
	Reason string // Reason is the human-readable cause
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "prover config: " + e.Reason
}

// ProofError reports a proof generation or local verification failure.
// A proof on this path must never reach submission.
type ProofError struct {
	Reason string // Reason is the human-readable cause
	Err    error  // Err is the underlying cause, if any
}

// Error implements the error interface.
func (e *ProofError) Error() string {
	if e.Err != nil {
		return "proof: " + e.Reason + ": " + e.Err.Error()
	}
	return "proof: " + e.Reason
}

// Unwrap returns the underlying cause.
func (e *ProofError) Unwrap() error {
	return e.Err
}

// Witness is the private input bound by a commitment. The salt is secret;
// disclosing it later allows public re-verification via AuditCommitment.
type Witness struct {
	PriceFixed uint64   // PriceFixed is the price at 1e8 fixed-point scale
	Timestamp  int64    // Timestamp is unix seconds
	Salt       *big.Int // Salt is a fresh uniform field element, never reused
}

// Config resolves the proof-engine artifact paths.
type Config struct {
	CircuitPath      string // CircuitPath locates the compiled circuit WASM
	ProvingKeyPath   string // ProvingKeyPath locates the proving key
	VerifyingKeyPath string // VerifyingKeyPath locates the public verification key
}

// Prover turns a consensus price into a committed, locally verified proof.
type Prover struct {
	engine Engine    // engine produces and verifies proofs
	rand   io.Reader // rand is the entropy source for salts
}

// Option customizes Prover construction.
type Option func(*options)

type options struct {
	committer Committer
	rand      io.Reader
}

// WithCommitter overrides the commitment function, bypassing the compiled
// circuit. Used by tests and by deployments without a circuit build.
func WithCommitter(c Committer) Option {
	return func(o *options) { o.committer = c }
}

// WithRand overrides the salt entropy source.
func WithRand(r io.Reader) Option {
	return func(o *options) { o.rand = r }
}

// New creates a Prover from the configured artifacts.
// A missing artifact or a verifying key that does not match the proving
// key is a ConfigError: fatal, never retried.
func New(cfg Config, opts ...Option) (*Prover, error) {
	o := &options{rand: rand.Reader}
	for _, opt := range opts {
		opt(o)
	}

	circuitBytes, err := readArtifact(cfg.CircuitPath, "compiled circuit")
	if err != nil {
		return nil, err
	}

	provingKey, err := readArtifact(cfg.ProvingKeyPath, "proving key")
	if err != nil {
		return nil, err
	}

	verifyingKey, err := readArtifact(cfg.VerifyingKeyPath, "verifying key")
	if err != nil {
		return nil, err
	}

	committer := o.committer
	if committer == nil {
		circuit, err := newCircuitCommitter(circuitBytes)
		if err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("compile circuit %s: %v", cfg.CircuitPath, err)}
		}

		committer = newFallbackCommitter(circuit, nativeCommitter{})
	}

	engine := newBLSEngine(provingKey, committer)

	if string(verifyingKey) != string(engine.VerifyingKey()) {
		return nil, &ConfigError{Reason: "verifying key does not match proving key"}
	}

	return &Prover{engine: engine, rand: o.rand}, nil
}

// readArtifact loads one artifact file, mapping absence to ConfigError.
func readArtifact(path, what string) ([]byte, error) {
	if path == "" {
		return nil, &ConfigError{Reason: what + " path not configured"}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("%s not found at %s: %v", what, path, err)}
	}

	return data, nil
}

// GenerateProof builds a witness for (price, timestamp), produces a proof,
// and verifies it locally before returning.
//
// The local verification gate is a hard invariant: network submission is
// costly and irreversible, so an unverifiable proof must fail here and
// never reach a caller's submit path. A zero timestamp defaults to now.
func (p *Prover) GenerateProof(price float64, timestamp int64) (*Proof, *Witness, error) {
	if price <= 0 {
		return nil, nil, &ProofError{Reason: fmt.Sprintf("non-positive price %v", price)}
	}

	if timestamp == 0 {
		timestamp = time.Now().Unix()
	}

	salt, err := sampleSalt(p.rand)
	if err != nil {
		return nil, nil, &ProofError{Reason: "sample salt", Err: err}
	}

	witness := &Witness{
		PriceFixed: uint64(math.Round(price * PriceScale)),
		Timestamp:  timestamp,
		Salt:       salt,
	}

	proof, err := p.engine.Prove(witness)
	if err != nil {
		return nil, nil, &ProofError{Reason: "engine prove", Err: err}
	}

	if !p.engine.Verify(proof) {
		return nil, nil, &ProofError{Reason: "proof failed local verification"}
	}

	return proof, witness, nil
}

// Verify re-checks a proof against the engine's verification key.
func (p *Prover) Verify(proof *Proof) bool {
	return p.engine.Verify(proof)
}

// sampleSalt draws a uniform element of [0, FieldModulus).
// Samples at or above the modulus are rejected and redrawn.
func sampleSalt(r io.Reader) (*big.Int, error) {
	buf := make([]byte, saltBytes)

	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("read entropy:\n%w", err)
		}

		salt := new(big.Int).SetBytes(buf)
		if salt.Cmp(FieldModulus) < 0 {
			return salt, nil
		}
	}
}

// AuditCommitment computes the direct hash commitment over the witness.
// It is independent of the proof engine: once the salt is disclosed,
// anyone can recompute it for manual public re-verification.
func AuditCommitment(w *Witness) [32]byte {
	var salt [32]byte
	w.Salt.FillBytes(salt[:])

	h := blake3.New()
	h.Write([]byte("verisafe.audit.v1"))
	h.Write(u64be(w.PriceFixed))
	h.Write(u64be(uint64(w.Timestamp)))
	h.Write(salt[:])

	var out [32]byte
	h.Sum(out[:0])

	return out
}

// u64be encodes v as 8 big-endian bytes.
func u64be(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}
