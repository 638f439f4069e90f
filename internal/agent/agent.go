package agent

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/Sneekyboots/verisafe/internal/archive"
	"github.com/Sneekyboots/verisafe/internal/chain"
	"github.com/Sneekyboots/verisafe/internal/logger"
	"github.com/Sneekyboots/verisafe/internal/oracle"
	"github.com/Sneekyboots/verisafe/internal/prover"
)

// proveAttempts bounds retries of proof generation. Proving is CPU-bound
// and may transiently fail under load; configuration errors are never
// retried.
const proveAttempts = 2

// State names one step of the submission cycle.
type State string

// Cycle states, in order. Failed is reachable from any step.
const (
	StateAggregating      State = "aggregating"
	StateProving          State = "proving"
	StateLocallyVerifying State = "locally-verifying"
	StatePreArchiving     State = "pre-archiving"
	StateSubmitting       State = "submitting"
	StateConfirming       State = "confirming"
	StatePostArchiving    State = "post-archiving"
	StateDone             State = "done"
	StateFailed           State = "failed"
)

// Quoter produces a consensus price for one cycle.
type Quoter interface {
	Aggregate(ctx context.Context, override string) (*oracle.Result, error)
}

// ProofMaker generates locally verified proofs over a price.
type ProofMaker interface {
	GenerateProof(price float64, timestamp int64) (*prover.Proof, *prover.Witness, error)
}

// Submitter pushes a proof on-chain and reads chain state back.
type Submitter interface {
	Submit(ctx context.Context, proof *prover.Proof, archiveRef [32]byte) (*chain.Receipt, error)
	Balance(ctx context.Context) (*big.Int, error)
	LastRound(ctx context.Context) (*chain.LastRound, error)
}

// Archiver persists proof records and annotates them post-submission.
type Archiver interface {
	Store(ctx context.Context, rec *archive.ProofRecord) *archive.Entry
	AnnotateTx(objectName, txHash string, blockNumber uint64) error
}

// SubmissionRecord is the immutable outcome of one successful cycle.
type SubmissionRecord struct {
	ConsensusPrice float64  // ConsensusPrice is the published price
	Commitment     [32]byte // Commitment binds the witness
	TxHash         string   // TxHash is the confirmation transaction
	BlockNumber    uint64   // BlockNumber is the inclusion block
	ArchiveRef     [32]byte // ArchiveRef points at the archived proof
	ElapsedMs      int64    // ElapsedMs is the cycle duration
	SourceSummary  string   // SourceSummary is e.g. "3/4 sources agreed"
}

// Agent composes the aggregator, prover, submitter, and archive into
// single-shot and continuous execution. One logical worker: cycles never
// overlap, which is what serializes the signer's account nonce.
type Agent struct {
	quoter    Quoter        // quoter derives the consensus price
	prover    ProofMaker    // prover generates and gates proofs
	submitter Submitter     // submitter talks to the chain
	archiver  Archiver      // archiver persists proof records
	artifacts []string      // artifacts are the proof-engine file paths
	cycleSeq  atomic.Uint64 // cycleSeq numbers cycles for log context
	okCount   atomic.Uint64 // okCount counts successful cycles
	failCount atomic.Uint64 // failCount counts failed cycles
}

// New creates an Agent over its four collaborators.
func New(quoter Quoter, proofMaker ProofMaker, submitter Submitter, archiver Archiver, artifacts []string) *Agent {
	return &Agent{
		quoter:    quoter,
		prover:    proofMaker,
		submitter: submitter,
		archiver:  archiver,
		artifacts: artifacts,
	}
}

// SubmitOnce runs one full cycle: aggregate, prove, verify, archive,
// submit, confirm, annotate. It returns a SubmissionRecord or the
// categorized error of the step that failed.
func (a *Agent) SubmitOnce(ctx context.Context, override string) (*SubmissionRecord, error) {
	start := time.Now()
	cycle := a.cycleSeq.Add(1)
	log := logger.With("cycle", cycle)

	log.Info("cycle started", "state", StateAggregating, "override", override != "")

	result, err := a.quoter.Aggregate(ctx, override)
	if err != nil {
		return nil, a.fail(log, StateAggregating, err)
	}

	log.Info("consensus reached",
		"state", StateProving,
		"price", result.ConsensusPrice,
		"valid", result.ValidCount,
		"outliers", len(result.Outliers),
		"spread_bps", result.SpreadBps,
	)

	proof, witness, err := a.prove(result.ConsensusPrice)
	if err != nil {
		return nil, a.fail(log, StateProving, err)
	}

	// The prover verified the proof before returning it; an unverified
	// proof can never reach this point.
	log.Info("proof verified locally", "state", StateLocallyVerifying,
		"commitment", hex.EncodeToString(proof.Signals.Commitment[:8]))

	rec := buildRecord(result, proof, witness)

	entry := a.archiver.Store(ctx, rec)
	log.Info("proof archived", "state", StatePreArchiving,
		"object", entry.ObjectName, "remote", entry.OnRemote)

	receipt, err := a.submitter.Submit(ctx, proof, entry.Ref)
	if err != nil {
		return nil, a.fail(log, StateSubmitting, err)
	}

	log.Info("submission confirmed", "state", StateConfirming,
		"tx", receipt.TxHash, "block", receipt.BlockNumber, "gas", receipt.GasUsed)

	if err := a.archiver.AnnotateTx(entry.ObjectName, receipt.TxHash, receipt.BlockNumber); err != nil {
		// Annotation is bookkeeping on an already-durable record.
		log.Warn("post-submission annotation failed", "state", StatePostArchiving, "error", err)
	}

	a.okCount.Add(1)

	record := &SubmissionRecord{
		ConsensusPrice: result.ConsensusPrice,
		Commitment:     proof.Signals.Commitment,
		TxHash:         receipt.TxHash,
		BlockNumber:    receipt.BlockNumber,
		ArchiveRef:     entry.Ref,
		ElapsedMs:      time.Since(start).Milliseconds(),
		SourceSummary:  sourceSummary(result),
	}

	log.Info("cycle complete", "state", StateDone,
		"price", record.ConsensusPrice, "sources", record.SourceSummary, logger.Timed(start))

	return record, nil
}

// RunContinuous loops SubmitOnce on a fixed interval until the context
// is canceled. A failed cycle is logged and never blocks the next one;
// the unconditional sleep between cycles is the single mechanism that
// prevents overlapping submissions from the same signer.
func (a *Agent) RunContinuous(ctx context.Context, interval time.Duration, override string) {
	logger.Info("continuous mode started", "interval", interval)

	for {
		if _, err := a.SubmitOnce(ctx, override); err != nil {
			logger.Error("cycle failed",
				"category", errorCategory(err),
				"error", err,
				"ok", a.okCount.Load(),
				"failed", a.failCount.Load(),
			)
		}

		select {
		case <-ctx.Done():
			logger.Info("continuous mode stopped",
				"ok", a.okCount.Load(), "failed", a.failCount.Load())
			return
		case <-time.After(interval):
		}
	}
}

// Counters returns the running success and failure counts.
func (a *Agent) Counters() (ok, failed uint64) {
	return a.okCount.Load(), a.failCount.Load()
}

// prove generates a proof with bounded retries. Configuration errors
// abort immediately; anything else gets one more attempt since proving
// may transiently fail under load.
func (a *Agent) prove(price float64) (*prover.Proof, *prover.Witness, error) {
	var lastErr error

	for attempt := 1; attempt <= proveAttempts; attempt++ {
		proof, witness, err := a.prover.GenerateProof(price, 0)
		if err == nil {
			return proof, witness, nil
		}

		var cfgErr *prover.ConfigError
		if errors.As(err, &cfgErr) {
			return nil, nil, err
		}

		lastErr = err
		logger.Warn("proof attempt failed", "attempt", attempt, "error", err)
	}

	return nil, nil, lastErr
}

// fail records a failed cycle and returns the categorized error.
func (a *Agent) fail(log *slog.Logger, state State, err error) error {
	a.failCount.Add(1)
	log.Error("cycle failed", "state", StateFailed, "step", state,
		"category", errorCategory(err), "error", err)

	return err
}

// buildRecord assembles the full archival record for a cycle.
func buildRecord(result *oracle.Result, proof *prover.Proof, witness *prover.Witness) *archive.ProofRecord {
	audit := prover.AuditCommitment(witness)

	outliers := make(map[string]bool, len(result.Outliers))
	for _, obs := range result.Outliers {
		outliers[obs.Source] = true
	}

	sources := make([]archive.SourceOutcome, len(result.Observations))
	for i, obs := range result.Observations {
		sources[i] = archive.SourceOutcome{
			Name:    obs.Source,
			Value:   obs.Value,
			OK:      obs.OK,
			Outlier: outliers[obs.Source],
		}
	}

	var salt [32]byte
	witness.Salt.FillBytes(salt[:])

	return &archive.ProofRecord{
		ConsensusPrice:  result.ConsensusPrice,
		PriceFixed:      witness.PriceFixed,
		Timestamp:       witness.Timestamp,
		Salt:            hex.EncodeToString(salt[:]),
		Commitment:      hex.EncodeToString(proof.Signals.Commitment[:]),
		AuditCommitment: hex.EncodeToString(audit[:]),
		Proof:           hex.EncodeToString(proof.Blob),
		Protocol:        proof.Protocol,
		Curve:           proof.Curve,
		Sources:         sources,
	}
}

// sourceSummary renders e.g. "3/4 sources agreed".
func sourceSummary(result *oracle.Result) string {
	return fmt.Sprintf("%d/%d sources agreed", result.ValidCount, len(result.Observations))
}

// errorCategory names the taxonomy class of an error for logging.
func errorCategory(err error) string {
	var (
		cfgErr   *prover.ConfigError
		aggErr   *oracle.AggregationError
		proofErr *prover.ProofError
		netErr   *chain.NetworkError
		chainErr *chain.ChainError
		storErr  *archive.StorageError
	)

	switch {
	case errors.As(err, &cfgErr):
		return "config"
	case errors.As(err, &aggErr):
		return "aggregation"
	case errors.As(err, &proofErr):
		return "proof"
	case errors.As(err, &netErr):
		return "network"
	case errors.As(err, &chainErr):
		return "chain"
	case errors.As(err, &storErr):
		return "storage"
	default:
		return "unknown"
	}
}
