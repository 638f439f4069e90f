package oracle

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Sneekyboots/verisafe/internal/logger"
)

const (
	// DefaultSourceTimeout bounds each individual source fetch.
	DefaultSourceTimeout = 5 * time.Second

	// DefaultMinSources is the quorum of agreeing sources required
	// before a consensus price is trusted.
	DefaultMinSources = 2

	// DefaultMaxDeviationBps is the maximum deviation from the
	// pre-filter median, in basis points, before a source is
	// rejected as an outlier (200 = 2%).
	DefaultMaxDeviationBps = 200

	// overrideSource is the synthetic source name used when a price
	// override bypasses aggregation.
	overrideSource = "OVERRIDE"
)

// AggregationError reports that no trustworthy consensus price exists
// for this cycle. No commitment may be generated on this path.
type AggregationError struct {
	Reason string // Reason is the human-readable cause
}

// Error implements the error interface.
func (e *AggregationError) Error() string {
	return "aggregation: " + e.Reason
}

// Result is the outcome of one aggregation pass.
// ConsensusPrice is only defined when ValidCount >= the quorum.
type Result struct {
	ConsensusPrice float64       // ConsensusPrice is the median of agreeing sources
	Observations   []Observation // Observations holds every source outcome, failed included
	ValidCount     int           // ValidCount is the number of agreeing sources
	Outliers       []Observation // Outliers are sources rejected by the deviation filter
	SpreadBps      int           // SpreadBps is the max deviation among agreeing sources
	IsOverride     bool          // IsOverride is true when aggregation was bypassed
}

// Aggregator derives a manipulation-resistant consensus price from
// multiple independent, untrusted sources.
type Aggregator struct {
	sources         []Source      // sources is the configured adapter set
	client          *http.Client  // client performs the outbound reads
	timeout         time.Duration // timeout bounds each source fetch
	minSources      int           // minSources is the agreement quorum
	maxDeviationBps int           // maxDeviationBps is the outlier threshold
}

// NewAggregator creates an Aggregator over the given source set.
func NewAggregator(sources []Source) *Aggregator {
	return &Aggregator{
		sources:         sources,
		client:          &http.Client{},
		timeout:         DefaultSourceTimeout,
		minSources:      DefaultMinSources,
		maxDeviationBps: DefaultMaxDeviationBps,
	}
}

// Aggregate queries all sources concurrently and returns the consensus price.
//
// If override is non-empty it is parsed and returned as the sole "OVERRIDE"
// source, bypassing all fault tolerance. Otherwise sources outside the
// quorum or deviating more than the threshold from the pre-filter median
// are rejected; filtering against the pre-filter median means a compromised
// majority cannot drag the reference point toward itself.
func (a *Aggregator) Aggregate(ctx context.Context, override string) (*Result, error) {
	if override != "" {
		return overrideResult(override)
	}

	observations := a.fetchAll(ctx)

	valid := successfulValues(observations)
	if len(valid) < a.minSources {
		return nil, &AggregationError{
			Reason: fmt.Sprintf("insufficient sources responded: %d of %d required", len(valid), a.minSources),
		}
	}

	preMedian := median(valid)

	agreeing, outliers, spreadBps := a.filterOutliers(observations, preMedian)
	if len(agreeing) < a.minSources {
		return nil, &AggregationError{
			Reason: fmt.Sprintf("insufficient agreement between sources: %d of %d required (possible manipulation)", len(agreeing), a.minSources),
		}
	}

	agreed := make([]float64, len(agreeing))
	for i, obs := range agreeing {
		agreed[i] = obs.Value
	}

	return &Result{
		ConsensusPrice: median(agreed),
		Observations:   observations,
		ValidCount:     len(agreeing),
		Outliers:       outliers,
		SpreadBps:      spreadBps,
	}, nil
}

// overrideResult builds the short-circuit result for a price override.
func overrideResult(override string) (*Result, error) {
	price, err := strconv.ParseFloat(override, 64)
	if err != nil || price <= 0 {
		return nil, &AggregationError{Reason: fmt.Sprintf("invalid override price %q", override)}
	}

	return &Result{
		ConsensusPrice: price,
		Observations:   []Observation{{Source: overrideSource, Value: price, OK: true}},
		ValidCount:     1,
		IsOverride:     true,
	}, nil
}

// fetchAll queries every source concurrently, each bounded by its own timeout.
// A failed source becomes an OK=false observation, never a failed cycle.
func (a *Aggregator) fetchAll(ctx context.Context) []Observation {
	observations := make([]Observation, len(a.sources))

	var wg sync.WaitGroup

	for i, src := range a.sources {
		wg.Add(1)

		go func(idx int, s Source) {
			defer wg.Done()

			fetchCtx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()

			value, err := fetchQuote(fetchCtx, a.client, s)
			if err != nil {
				observations[idx] = Observation{Source: s.Name, Err: err.Error()}
				logger.Warn("source fetch failed", "source", s.Name, "error", err)
				return
			}

			observations[idx] = Observation{Source: s.Name, Value: value, OK: true}
		}(i, src)
	}

	wg.Wait()

	return observations
}

// filterOutliers splits successful observations into agreeing sources and
// outliers based on deviation from the pre-filter median. It also returns
// the maximum surviving deviation in basis points as a spread metric.
func (a *Aggregator) filterOutliers(observations []Observation, preMedian float64) ([]Observation, []Observation, int) {
	var agreeing, outliers []Observation
	spreadBps := 0

	for _, obs := range observations {
		if !obs.OK {
			continue
		}

		bps := deviationBps(obs.Value, preMedian)
		if bps > a.maxDeviationBps {
			outliers = append(outliers, obs)
			logger.Warn("source rejected as outlier",
				"source", obs.Source,
				"value", obs.Value,
				"median", preMedian,
				"deviation_bps", bps,
			)
			continue
		}

		agreeing = append(agreeing, obs)
		if bps > spreadBps {
			spreadBps = bps
		}
	}

	return agreeing, outliers, spreadBps
}

// successfulValues extracts the values of all OK observations.
func successfulValues(observations []Observation) []float64 {
	var values []float64

	for _, obs := range observations {
		if obs.OK {
			values = append(values, obs.Value)
		}
	}

	return values
}

// median returns the median of values. For even counts it averages the
// two middle elements. values must be non-empty.
func median(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}

	return (sorted[mid-1] + sorted[mid]) / 2
}

// deviationBps returns the absolute deviation of value from reference
// in basis points, rounded to the nearest integer.
func deviationBps(value, reference float64) int {
	if reference == 0 {
		return 0
	}

	return int(math.Round(math.Abs(value-reference) / reference * 10_000))
}
