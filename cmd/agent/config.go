package main

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/Sneekyboots/verisafe/internal/archive"
	"github.com/Sneekyboots/verisafe/internal/oracle"
)

// Config holds the agent configuration.
type Config struct {
	// DataPath is the directory for the local proof archive.
	DataPath string

	// RPCEndpoints lists chain JSON-RPC endpoints in priority order.
	RPCEndpoints []string

	// Contract is the oracle feed contract address.
	Contract string

	// From is the signer account address.
	From string

	// SourcesPath is the price source definition file. Empty uses the
	// compiled-in defaults.
	SourcesPath string

	// CircuitPath is the commitment circuit WASM file.
	CircuitPath string

	// ProvingKeyPath is the proving key file.
	ProvingKeyPath string

	// VerifyingKeyPath is the verifying key file.
	VerifyingKeyPath string

	// Bucket is the remote archive bucket name.
	Bucket string

	// Providers lists remote storage gateways as name=url pairs.
	Providers []archive.Provider

	// UseHTTP3 selects HTTP/3 transport to the storage gateway.
	UseHTTP3 bool

	// Interval is the submission period in continuous mode.
	Interval time.Duration

	// PriceOverride bypasses aggregation with a fixed price when set.
	PriceOverride string

	// Once runs a single submission cycle instead of the loop.
	Once bool

	// Health prints a health report and exits.
	Health bool

	// Verbose enables debug logging.
	Verbose bool
}

// parseFlags parses command-line flags into Config.
func parseFlags() (*Config, error) {
	cfg := &Config{}

	var endpoints, providers string

	flag.StringVar(&cfg.DataPath, "data", "./data", "Local archive directory path")
	flag.StringVar(&endpoints, "rpc", "http://127.0.0.1:8545", "Chain RPC endpoints, comma separated, priority order")
	flag.StringVar(&cfg.Contract, "contract", "", "Oracle feed contract address")
	flag.StringVar(&cfg.From, "from", "", "Signer account address")
	flag.StringVar(&cfg.SourcesPath, "sources", "", "Price source definition file (JSON, defaults compiled in)")
	flag.StringVar(&cfg.CircuitPath, "circuit", "./artifacts/commit.wasm", "Commitment circuit WASM path")
	flag.StringVar(&cfg.ProvingKeyPath, "proving-key", "./artifacts/proving.key", "Proving key path")
	flag.StringVar(&cfg.VerifyingKeyPath, "verifying-key", "./artifacts/verifying.key", "Verifying key path")
	flag.StringVar(&cfg.Bucket, "bucket", "verisafe-proofs", "Remote archive bucket name")
	flag.StringVar(&providers, "providers", "", "Storage gateways as name=url pairs, comma separated")
	flag.BoolVar(&cfg.UseHTTP3, "http3", false, "Use HTTP/3 for the storage gateway")
	flag.DurationVar(&cfg.Interval, "interval", 60*time.Second, "Submission interval in continuous mode")
	flag.StringVar(&cfg.PriceOverride, "price", "", "Manual price override, bypasses aggregation")
	flag.BoolVar(&cfg.Once, "once", false, "Run a single cycle and exit")
	flag.BoolVar(&cfg.Health, "health", false, "Print a health report and exit")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "Enable debug logging")
	flag.Parse()

	cfg.RPCEndpoints = splitList(endpoints)
	if len(cfg.RPCEndpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}

	if cfg.Contract == "" || cfg.From == "" {
		return nil, fmt.Errorf("both -contract and -from are required")
	}

	var err error
	cfg.Providers, err = parseProviders(providers)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// splitList splits a comma-separated flag value, dropping empty items.
func splitList(value string) []string {
	var items []string

	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}

	return items
}

// parseProviders parses name=url pairs into storage providers.
func parseProviders(value string) ([]archive.Provider, error) {
	var providers []archive.Provider

	for _, pair := range splitList(value) {
		name, url, ok := strings.Cut(pair, "=")
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("invalid provider %q, want name=url", pair)
		}

		providers = append(providers, archive.Provider{Name: name, URL: url})
	}

	return providers, nil
}

// loadSources reads the source file, or returns the compiled-in set.
func loadSources(path string) ([]oracle.Source, error) {
	if path != "" {
		return oracle.LoadSources(path)
	}

	return defaultSources(), nil
}

// defaultSources returns the built-in price source adapters.
func defaultSources() []oracle.Source {
	return []oracle.Source{
		{
			Name: "coingecko",
			URL:  "https://api.coingecko.com/api/v3/simple/price?ids=ethereum&vs_currencies=usd",
			Path: "ethereum.usd",
		},
		{
			Name: "coinbase",
			URL:  "https://api.coinbase.com/v2/prices/ETH-USD/spot",
			Path: "data.amount",
		},
		{
			Name: "binance",
			URL:  "https://api.binance.com/api/v3/ticker/price?symbol=ETHUSDT",
			Path: "price",
		},
		{
			Name: "kraken",
			URL:  "https://api.kraken.com/0/public/Ticker?pair=ETHUSD",
			Path: "result.XETHZUSD.c.0",
		},
	}
}
