package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sneekyboots/verisafe/internal/agent"
	"github.com/Sneekyboots/verisafe/internal/archive"
	"github.com/Sneekyboots/verisafe/internal/chain"
	"github.com/Sneekyboots/verisafe/internal/logger"
	"github.com/Sneekyboots/verisafe/internal/oracle"
	"github.com/Sneekyboots/verisafe/internal/prover"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg, err := parseFlags()
	if err != nil {
		return err
	}

	if cfg.Verbose {
		logger.InitLevel(slog.LevelDebug)
	} else {
		logger.Init()
	}

	sources, err := loadSources(cfg.SourcesPath)
	if err != nil {
		return fmt.Errorf("load sources:\n%w", err)
	}

	proofMaker, err := prover.New(prover.Config{
		CircuitPath:      cfg.CircuitPath,
		ProvingKeyPath:   cfg.ProvingKeyPath,
		VerifyingKeyPath: cfg.VerifyingKeyPath,
	})
	if err != nil {
		return fmt.Errorf("init prover:\n%w", err)
	}

	store, err := archive.New(archive.Config{
		Path:      cfg.DataPath,
		Bucket:    cfg.Bucket,
		Providers: cfg.Providers,
		UseHTTP3:  cfg.UseHTTP3,
	})
	if err != nil {
		return fmt.Errorf("open archive:\n%w", err)
	}
	defer store.Close()

	submitter := chain.NewSubmitter(cfg.RPCEndpoints, cfg.Contract, cfg.From)

	artifacts := []string{cfg.CircuitPath, cfg.ProvingKeyPath, cfg.VerifyingKeyPath}
	a := agent.New(oracle.NewAggregator(sources), proofMaker, submitter, store, artifacts)

	printStartupInfo(cfg, len(sources))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Health {
		return printHealth(ctx, a)
	}

	if cfg.Once {
		_, err := a.SubmitOnce(ctx, cfg.PriceOverride)
		return err
	}

	a.RunContinuous(ctx, cfg.Interval, cfg.PriceOverride)

	return nil
}

// printStartupInfo displays the agent configuration at startup.
func printStartupInfo(cfg *Config, sourceCount int) {
	logger.Info("starting verisafe agent",
		"contract", cfg.Contract,
		"from", cfg.From,
		"rpc", len(cfg.RPCEndpoints),
		"sources", sourceCount,
		"data", cfg.DataPath,
		"interval", cfg.Interval,
	)

	if cfg.PriceOverride != "" {
		logger.Warn("price override active, aggregation bypassed", "price", cfg.PriceOverride)
	}
}

// printHealth gathers and prints the health report.
func printHealth(ctx context.Context, a *agent.Agent) error {
	h := a.HealthCheck(ctx)

	fmt.Printf("artifacts present: %v\n", h.ArtifactsPresent)
	fmt.Printf("cycles ok/failed:  %d/%d\n", h.CyclesOK, h.CyclesFailed)

	if h.BalanceWei != nil {
		fmt.Printf("signer balance:    %s wei\n", h.BalanceWei)
	} else {
		fmt.Println("signer balance:    unreachable")
	}

	if h.LastTimestamp > 0 {
		fmt.Printf("last round:        %.2f at %d (verified=%v, %ds old)\n",
			h.LastPrice, h.LastTimestamp, h.LastVerified, h.FreshnessSeconds)
	} else {
		fmt.Println("last round:        none")
	}

	return nil
}
