package archive

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/Sneekyboots/verisafe/internal/logger"
)

// refDomain prefixes the hash that derives an archive reference from an
// object name. The reference is deterministic so a downstream on-chain
// pointer is assignable even when the remote store is down.
const refDomain = "verisafe.archive.ref"

// ProofRecord is the full archived artifact for one cycle: the public
// signals, the proof, the secret witness, and the submission outcome
// once known.
//
// The salt is archived in plaintext so the audit commitment can be
// publicly re-verified later. Whether production use requires encrypting
// the witness section before remote upload is an open review item.
type ProofRecord struct {
	ConsensusPrice  float64         `json:"consensus_price"`
	PriceFixed      uint64          `json:"price_fixed"`
	Timestamp       int64           `json:"timestamp"`
	Salt            string          `json:"salt"`
	Commitment      string          `json:"commitment"`
	AuditCommitment string          `json:"audit_commitment"`
	Proof           string          `json:"proof"`
	Protocol        string          `json:"protocol"`
	Curve           string          `json:"curve"`
	Sources         []SourceOutcome `json:"sources"`
	TxHash          string          `json:"tx_hash,omitempty"`
	BlockNumber     uint64          `json:"block_number,omitempty"`
}

// SourceOutcome summarizes one source's contribution to the cycle.
type SourceOutcome struct {
	Name    string  `json:"name"`
	Value   float64 `json:"value,omitempty"`
	OK      bool    `json:"ok"`
	Outlier bool    `json:"outlier,omitempty"`
}

// Entry describes one archived object.
type Entry struct {
	ObjectName  string                   // ObjectName is the store object name
	Size        uint64                   // Size is the compressed payload size
	Checksums   [ChecksumCount][32]byte  // Checksums is the store's required set
	StoredAt    int64                    // StoredAt is the local write time, unix seconds
	OnRemote    bool                     // OnRemote is true when the remote upload succeeded
	Ref         [32]byte                 // Ref is the deterministic archive reference
	TxHash      string                   // TxHash is set by post-submission annotation
	BlockNumber uint64                   // BlockNumber is set by post-submission annotation
}

// Archive persists proof records locally (always) and to the remote
// object store (best effort).
type Archive struct {
	store   *localStore   // store is the durable local half
	remote  *remoteClient // remote is the store gateway client, may be nil
	bucket  string        // bucket is the remote bucket name
	encoder *zstd.Encoder // encoder compresses payloads
	decoder *zstd.Decoder // decoder decompresses payloads
}

// Config configures the archive.
type Config struct {
	Path      string     // Path is the local store directory
	Bucket    string     // Bucket is the remote bucket name
	Providers []Provider // Providers lists candidate remote gateways
	UseHTTP3  bool       // UseHTTP3 selects HTTP/3 transport to the gateway
}

// New opens the archive. A missing or unusable remote gateway is logged
// and degrades the archive to local-only; only a local store failure is
// an error.
func New(cfg Config) (*Archive, error) {
	store, err := openLocalStore(cfg.Path)
	if err != nil {
		return nil, err
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init zstd encoder:\n%w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init zstd decoder:\n%w", err)
	}

	a := &Archive{
		store:   store,
		bucket:  cfg.Bucket,
		encoder: encoder,
		decoder: decoder,
	}

	if len(cfg.Providers) > 0 {
		remote, err := newRemoteClient(cfg.Providers, cfg.UseHTTP3)
		if err != nil {
			logger.Warn("remote archive unavailable, running local-only", "error", err)
		} else {
			a.remote = remote
		}
	}

	return a, nil
}

// Store archives one proof record and returns its entry. It never fails
// the cycle: remote errors degrade to OnRemote=false and even a local
// write failure still yields a valid entry with the deterministic
// reference.
func (a *Archive) Store(ctx context.Context, rec *ProofRecord) *Entry {
	objectName := objectName(rec)
	payload := a.encodePayload(rec)

	entry := &Entry{
		ObjectName: objectName,
		Size:       uint64(len(payload)),
		Checksums:  computeChecksums(payload),
		StoredAt:   rec.Timestamp,
		Ref:        Ref(objectName),
	}

	if err := a.writeLocal(objectName, payload, entry); err != nil {
		logger.Error("local archive write failed", "object", objectName, "error", err)
		return entry
	}

	if a.remote == nil {
		logger.Info("archived locally", "object", objectName, "size", entry.Size)
		return entry
	}

	if err := a.uploadRemote(ctx, objectName, payload, entry); err != nil {
		logger.Warn("remote archive failed, local copy retained", "object", objectName, "error", err)
		return entry
	}

	entry.OnRemote = true
	if err := a.store.putEntry(objectName, encodeEntry(entry)); err != nil {
		logger.Warn("index update failed after upload", "object", objectName, "error", err)
	}

	logger.Info("archived", "object", objectName, "size", entry.Size, "remote", true)

	return entry
}

// AnnotateTx records the submission outcome on an existing entry.
func (a *Archive) AnnotateTx(objectName, txHash string, blockNumber uint64) error {
	record, err := a.store.getEntry(objectName)
	if err != nil {
		return fmt.Errorf("load entry %s:\n%w", objectName, err)
	}
	if record == nil {
		return fmt.Errorf("entry %s not found", objectName)
	}

	entry, err := decodeEntry(record)
	if err != nil {
		return fmt.Errorf("decode entry %s:\n%w", objectName, err)
	}

	entry.TxHash = txHash
	entry.BlockNumber = blockNumber

	return a.store.putEntry(objectName, encodeEntry(entry))
}

// List returns archived entries newest first, capped at limit.
func (a *Archive) List(limit int) ([]*Entry, error) {
	var entries []*Entry

	err := a.store.iterateEntries(func(record []byte) error {
		entry, err := decodeEntry(record)
		if err != nil {
			return err
		}

		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan entries:\n%w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].StoredAt != entries[j].StoredAt {
			return entries[i].StoredAt > entries[j].StoredAt
		}
		return entries[i].ObjectName > entries[j].ObjectName
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	return entries, nil
}

// ReadRecord loads an archived record back from local storage.
func (a *Archive) ReadRecord(objectName string) (*ProofRecord, error) {
	payload, err := a.store.getPayload(objectName)
	if err != nil {
		return nil, fmt.Errorf("load payload %s:\n%w", objectName, err)
	}
	if payload == nil {
		return nil, fmt.Errorf("payload %s not found", objectName)
	}

	raw, err := a.decoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress payload:\n%w", err)
	}

	var rec ProofRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode record:\n%w", err)
	}

	return &rec, nil
}

// Close releases the archive resources.
func (a *Archive) Close() error {
	a.encoder.Close()
	a.decoder.Close()

	return a.store.Close()
}

// encodePayload serializes and compresses the canonical record bytes.
func (a *Archive) encodePayload(rec *ProofRecord) []byte {
	raw, err := json.Marshal(rec)
	if err != nil {
		// A ProofRecord contains only marshalable fields; this is
		// unreachable with well-formed input.
		logger.Error("marshal proof record", "error", err)
		raw = []byte("{}")
	}

	return a.encoder.EncodeAll(raw, nil)
}

// writeLocal persists the payload and its index entry.
func (a *Archive) writeLocal(objectName string, payload []byte, entry *Entry) error {
	if err := a.store.putPayload(objectName, payload); err != nil {
		return err
	}

	return a.store.putEntry(objectName, encodeEntry(entry))
}

// uploadRemote pushes the payload through the gateway: bucket ensure,
// object create with the checksum set, then the binary upload.
func (a *Archive) uploadRemote(ctx context.Context, objectName string, payload []byte, entry *Entry) error {
	if err := a.remote.ensureBucket(ctx, a.bucket); err != nil {
		return err
	}

	if err := a.remote.createObject(ctx, a.bucket, objectName, len(payload), entry.Checksums); err != nil {
		return err
	}

	return a.remote.uploadPayload(ctx, a.bucket, objectName, payload)
}

// Ref derives the deterministic archive reference for an object name.
func Ref(objectName string) [32]byte {
	h := blake3.New()
	h.Write([]byte(refDomain))
	h.Write([]byte(objectName))

	var ref [32]byte
	h.Sum(ref[:0])

	return ref
}

// objectName builds the store object name for a record.
func objectName(rec *ProofRecord) string {
	commitment := rec.Commitment
	if len(commitment) > 16 {
		commitment = commitment[:16]
	}
	if commitment == "" {
		ref := Ref("")
		commitment = hex.EncodeToString(ref[:8])
	}

	return fmt.Sprintf("proof-%d-%s.bin", rec.Timestamp, commitment)
}
