package agent

import (
	"context"
	"math/big"
	"os"
	"time"

	"github.com/Sneekyboots/verisafe/internal/prover"
)

// Health is a read-only report of the agent's operational state. It is
// safe to build concurrently with a running cycle: nothing here mutates.
type Health struct {
	BalanceWei       *big.Int // BalanceWei is the signer balance, nil if unreadable
	LastPrice        float64  // LastPrice is the feed's last published price
	LastTimestamp    int64    // LastTimestamp is the last publication time
	LastVerified     bool     // LastVerified is the contract's verification flag
	FreshnessSeconds int64    // FreshnessSeconds is the age of the last round
	ArtifactsPresent bool     // ArtifactsPresent is true when all engine artifacts exist
	CyclesOK         uint64   // CyclesOK counts successful cycles
	CyclesFailed     uint64   // CyclesFailed counts failed cycles
}

// HealthCheck gathers the health report. Chain reads are best effort:
// an unreachable chain leaves those fields zero rather than failing the
// report.
func (a *Agent) HealthCheck(ctx context.Context) *Health {
	h := &Health{
		ArtifactsPresent: artifactsPresent(a.artifacts),
		CyclesOK:         a.okCount.Load(),
		CyclesFailed:     a.failCount.Load(),
	}

	if balance, err := a.submitter.Balance(ctx); err == nil {
		h.BalanceWei = balance
	}

	if round, err := a.submitter.LastRound(ctx); err == nil {
		h.LastPrice = float64(round.PriceFixed) / prover.PriceScale
		h.LastTimestamp = round.Timestamp
		h.LastVerified = round.Verified

		if round.Timestamp > 0 {
			h.FreshnessSeconds = time.Now().Unix() - round.Timestamp
		}
	}

	return h
}

// artifactsPresent reports whether every proof-engine artifact exists.
func artifactsPresent(paths []string) bool {
	if len(paths) == 0 {
		return false
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}

	return true
}
