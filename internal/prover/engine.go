package prover

import (
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// vkeySize is the size of the compressed G1 verification key.
	vkeySize = 48

	// proofSize is the size of a serialized proof blob:
	// A (48-byte G1) + B (96-byte G2) + C (48-byte G1).
	proofSize = 192

	// ProtocolID identifies the proof protocol in proof records.
	ProtocolID = "bls-sigma"

	// CurveID identifies the curve in proof records.
	CurveID = "bls12-381"
)

// proofDST is the domain separation tag for the proof signature element.
var proofDST = []byte("VERISAFE_PROOF_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// anchorDST is the domain separation tag for the transcript anchor element.
var anchorDST = []byte("VERISAFE_ANCHOR_BLS12381G1_XMD:SHA-256_SSWU_RO_NUL_")

// Signals are the public inputs a verifier sees: the commitment plus the
// price and timestamp it binds.
type Signals struct {
	Commitment [32]byte // Commitment binds (price, timestamp, salt)
	PriceFixed uint64   // PriceFixed is the fixed-point price
	Timestamp  int64    // Timestamp is unix seconds
}

// Proof is a zero-knowledge proof over a witness together with its
// public signals.
type Proof struct {
	Blob     []byte  // Blob is the serialized proof (A || B || C)
	Signals  Signals // Signals are the public inputs
	Protocol string  // Protocol is the proof protocol identifier
	Curve    string  // Curve is the curve identifier
}

// Engine produces proofs from private witnesses and verifies them against
// public signals. Exactly one concrete adapter is chosen at construction;
// callers never probe for capabilities at call time.
type Engine interface {
	// Prove generates a proof for the witness. The commitment in the
	// returned signals is a deterministic function of the witness.
	Prove(w *Witness) (*Proof, error)

	// Verify checks the proof against its public signals using the
	// engine's verification key. Mutating any signal must reject.
	Verify(p *Proof) bool

	// VerifyingKey returns the public verification key bytes.
	VerifyingKey() []byte
}

// blsEngine implements Engine with BLS12-381 pairing crypto.
//
// A proof carries three elements in the familiar (A, B, C) shape:
// A is the G1 verification key, B is a G2 signature over the transcript
// of all public signals, and C is the transcript anchor hashed to G1.
// Any mutation of a public signal changes the transcript and therefore
// invalidates both B and C.
type blsEngine struct {
	secret    *blst.SecretKey // secret is the proving key scalar
	public    *blst.P1Affine  // public is the verification key point
	vkey      []byte          // vkey is the compressed verification key
	committer Committer       // committer computes witness commitments
}

// newBLSEngine derives the engine key pair from the proving key artifact.
func newBLSEngine(provingKey []byte, committer Committer) *blsEngine {
	secret := deriveSecret(provingKey)
	public := new(blst.P1Affine).From(secret)

	return &blsEngine{
		secret:    secret,
		public:    public,
		vkey:      public.Compress(),
		committer: committer,
	}
}

// DeriveVerifyingKey computes the verification key bytes for a proving key
// artifact. Used when provisioning agent artifacts.
func DeriveVerifyingKey(provingKey []byte) []byte {
	secret := deriveSecret(provingKey)
	return new(blst.P1Affine).From(secret).Compress()
}

// deriveSecret maps proving key bytes to the engine's secret scalar.
func deriveSecret(provingKey []byte) *blst.SecretKey {
	h := blake3.New()
	h.Write([]byte("verisafe.proving-key.v1"))
	h.Write(provingKey)

	var seed [32]byte
	h.Sum(seed[:0])

	return blst.KeyGen(seed[:])
}

// Prove implements Engine.
func (e *blsEngine) Prove(w *Witness) (*Proof, error) {
	commitment, err := e.committer.Commit(w.PriceFixed, w.Timestamp, w.Salt)
	if err != nil {
		return nil, fmt.Errorf("commit witness:\n%w", err)
	}

	signals := Signals{
		Commitment: commitment,
		PriceFixed: w.PriceFixed,
		Timestamp:  w.Timestamp,
	}

	msg := e.transcript(signals)

	b := new(blst.P2Affine).Sign(e.secret, msg[:], proofDST)
	c := blst.HashToG1(msg[:], anchorDST).ToAffine()

	blob := make([]byte, 0, proofSize)
	blob = append(blob, e.vkey...)
	blob = append(blob, b.Compress()...)
	blob = append(blob, c.Compress()...)

	return &Proof{
		Blob:     blob,
		Signals:  signals,
		Protocol: ProtocolID,
		Curve:    CurveID,
	}, nil
}

// Verify implements Engine.
func (e *blsEngine) Verify(p *Proof) bool {
	if p == nil || len(p.Blob) != proofSize {
		return false
	}

	// A must be this engine's verification key, not a key the proof
	// brought along.
	if string(p.Blob[:vkeySize]) != string(e.vkey) {
		return false
	}

	msg := e.transcript(p.Signals)

	// C must be the transcript anchor for these exact signals.
	c := blst.HashToG1(msg[:], anchorDST).ToAffine()
	if string(p.Blob[vkeySize+96:]) != string(c.Compress()) {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(p.Blob[vkeySize : vkeySize+96])
	if sig == nil {
		return false
	}

	return sig.Verify(true, e.public, true, msg[:], proofDST)
}

// VerifyingKey implements Engine.
func (e *blsEngine) VerifyingKey() []byte {
	return e.vkey
}

// transcript hashes all public signals and the verification key into the
// message every proof element is bound to.
func (e *blsEngine) transcript(s Signals) [32]byte {
	h := blake3.New()
	h.Write([]byte("verisafe.proof.v1"))
	h.Write(s.Commitment[:])
	h.Write(u64be(s.PriceFixed))
	h.Write(u64be(uint64(s.Timestamp)))
	h.Write(e.vkey)

	var msg [32]byte
	h.Sum(msg[:0])

	return msg
}
