package prover

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"
)

// emptyWasm is the smallest valid WASM module (header only). It compiles
// but exports nothing, so the circuit committer fails at call time and
// the fallback path takes over.
var emptyWasm = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// writeArtifacts writes a consistent artifact set into dir.
func writeArtifacts(t *testing.T, dir string, circuit []byte) Config {
	t.Helper()

	provingKey := make([]byte, 32)
	if _, err := rand.Read(provingKey); err != nil {
		t.Fatalf("generate proving key: %v", err)
	}

	cfg := Config{
		CircuitPath:      filepath.Join(dir, "circuit.wasm"),
		ProvingKeyPath:   filepath.Join(dir, "proving.key"),
		VerifyingKeyPath: filepath.Join(dir, "verify.key"),
	}

	if err := os.WriteFile(cfg.CircuitPath, circuit, 0644); err != nil {
		t.Fatalf("write circuit: %v", err)
	}

	if err := os.WriteFile(cfg.ProvingKeyPath, provingKey, 0600); err != nil {
		t.Fatalf("write proving key: %v", err)
	}

	if err := os.WriteFile(cfg.VerifyingKeyPath, DeriveVerifyingKey(provingKey), 0644); err != nil {
		t.Fatalf("write verifying key: %v", err)
	}

	return cfg
}

// newTestProver creates a Prover backed by temp artifacts.
func newTestProver(t *testing.T) *Prover {
	t.Helper()

	cfg := writeArtifacts(t, t.TempDir(), emptyWasm)

	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	return p
}

func TestGenerateProofVerifies(t *testing.T) {
	p := newTestProver(t)

	proof, witness, err := p.GenerateProof(350.25, 1_700_000_000)
	if err != nil {
		t.Fatalf("GenerateProof failed: %v", err)
	}

	if !p.Verify(proof) {
		t.Fatal("freshly generated proof failed verification")
	}

	if witness.PriceFixed != 35_025_000_000 {
		t.Errorf("PriceFixed = %d, want 35025000000", witness.PriceFixed)
	}

	if witness.Salt.Cmp(FieldModulus) >= 0 {
		t.Error("salt is not below the field modulus")
	}

	if proof.Protocol != ProtocolID || proof.Curve != CurveID {
		t.Errorf("identifiers = %s/%s, want %s/%s", proof.Protocol, proof.Curve, ProtocolID, CurveID)
	}
}

func TestVerifyRejectsMutatedSignals(t *testing.T) {
	p := newTestProver(t)

	proof, _, err := p.GenerateProof(350.25, 1_700_000_000)
	if err != nil {
		t.Fatalf("GenerateProof failed: %v", err)
	}

	mutated := *proof
	mutated.Signals.PriceFixed++
	if p.Verify(&mutated) {
		t.Error("Verify accepted a mutated price")
	}

	mutated = *proof
	mutated.Signals.Timestamp++
	if p.Verify(&mutated) {
		t.Error("Verify accepted a mutated timestamp")
	}

	mutated = *proof
	mutated.Signals.Commitment[0] ^= 0x01
	if p.Verify(&mutated) {
		t.Error("Verify accepted a mutated commitment")
	}

	mutated = *proof
	mutated.Blob = bytes.Clone(proof.Blob)
	mutated.Blob[60] ^= 0x01
	if p.Verify(&mutated) {
		t.Error("Verify accepted a mutated proof blob")
	}

	mutated = *proof
	mutated.Blob = proof.Blob[:proofSize-1]
	if p.Verify(&mutated) {
		t.Error("Verify accepted a truncated proof blob")
	}
}

func TestFreshSaltDistinctCommitments(t *testing.T) {
	p := newTestProver(t)

	first, w1, err := p.GenerateProof(350.25, 1_700_000_000)
	if err != nil {
		t.Fatalf("GenerateProof failed: %v", err)
	}

	second, w2, err := p.GenerateProof(350.25, 1_700_000_000)
	if err != nil {
		t.Fatalf("GenerateProof failed: %v", err)
	}

	if w1.Salt.Cmp(w2.Salt) == 0 {
		t.Fatal("salt was reused between cycles")
	}

	if first.Signals.Commitment == second.Signals.Commitment {
		t.Error("identical commitments for distinct salts")
	}
}

func TestMissingArtifactIsConfigError(t *testing.T) {
	dir := t.TempDir()
	cfg := writeArtifacts(t, dir, emptyWasm)
	cfg.ProvingKeyPath = filepath.Join(dir, "absent.key")

	_, err := New(cfg)

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("New error = %v, want ConfigError", err)
	}
}

func TestVerifyingKeyMismatchIsConfigError(t *testing.T) {
	dir := t.TempDir()
	cfg := writeArtifacts(t, dir, emptyWasm)

	if err := os.WriteFile(cfg.VerifyingKeyPath, []byte("not the key"), 0644); err != nil {
		t.Fatalf("overwrite verifying key: %v", err)
	}

	_, err := New(cfg)

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("New error = %v, want ConfigError", err)
	}
}

func TestCorruptCircuitIsConfigError(t *testing.T) {
	cfg := writeArtifacts(t, t.TempDir(), []byte("not wasm"))

	_, err := New(cfg)

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("New error = %v, want ConfigError", err)
	}
}

func TestSampleSaltRejectsAboveModulus(t *testing.T) {
	// First 32 bytes decode above the modulus and must be rejected;
	// the next 32 decode to 1.
	var feed bytes.Buffer
	feed.Write(bytes.Repeat([]byte{0xFF}, 32))
	low := make([]byte, 32)
	low[31] = 0x01
	feed.Write(low)

	salt, err := sampleSalt(&feed)
	if err != nil {
		t.Fatalf("sampleSalt failed: %v", err)
	}

	if salt.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("salt = %v, want 1 (first sample rejected)", salt)
	}
}

func TestAuditCommitment(t *testing.T) {
	w := &Witness{PriceFixed: 35_025_000_000, Timestamp: 1_700_000_000, Salt: big.NewInt(42)}

	first := AuditCommitment(w)
	second := AuditCommitment(w)
	if first != second {
		t.Error("audit commitment is not deterministic")
	}

	w.Salt = big.NewInt(43)
	if AuditCommitment(w) == first {
		t.Error("audit commitment ignores the salt")
	}
}

// failCommitter always errors, standing in for a broken circuit.
type failCommitter struct{}

func (failCommitter) Commit(uint64, int64, *big.Int) ([32]byte, error) {
	return [32]byte{}, fmt.Errorf("circuit unavailable")
}

func TestFallbackCommitter(t *testing.T) {
	composite := newFallbackCommitter(failCommitter{}, nativeCommitter{})

	got, err := composite.Commit(35_025_000_000, 1_700_000_000, big.NewInt(7))
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	want, err := nativeCommitter{}.Commit(35_025_000_000, 1_700_000_000, big.NewInt(7))
	if err != nil {
		t.Fatalf("native Commit failed: %v", err)
	}

	if got != want {
		t.Error("fallback result differs from native committer")
	}
}

func TestCircuitCommitterMissingExport(t *testing.T) {
	circuit, err := newCircuitCommitter(emptyWasm)
	if err != nil {
		t.Fatalf("newCircuitCommitter failed: %v", err)
	}
	defer circuit.Close()

	if _, err := circuit.Commit(1, 1, big.NewInt(1)); err == nil {
		t.Error("Commit succeeded on a module without a commit export")
	}
}
