package oracle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

// newSourceServer starts a test server answering every request with body.
func newSourceServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
}

// newPriceSources builds one source per price, each backed by its own server.
func newPriceSources(t *testing.T, prices []float64) []Source {
	t.Helper()

	sources := make([]Source, len(prices))

	for i, price := range prices {
		srv := newSourceServer(t, http.StatusOK, fmt.Sprintf(`{"data":{"price":%v}}`, price))
		t.Cleanup(srv.Close)

		sources[i] = Source{
			Name: fmt.Sprintf("source-%d", i),
			URL:  srv.URL,
			Path: "data.price",
		}
	}

	return sources
}

func TestAggregateConsensus(t *testing.T) {
	// Three agreeing sources plus one manipulated 500.00 quote.
	sources := newPriceSources(t, []float64{350.00, 351.00, 349.50, 500.00})
	agg := NewAggregator(sources)

	result, err := agg.Aggregate(context.Background(), "")
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}

	if result.ValidCount != 3 {
		t.Errorf("ValidCount = %d, want 3", result.ValidCount)
	}

	if result.ConsensusPrice != 350.00 {
		t.Errorf("ConsensusPrice = %v, want 350.00", result.ConsensusPrice)
	}

	if len(result.Outliers) != 1 || result.Outliers[0].Value != 500.00 {
		t.Errorf("Outliers = %+v, want the 500.00 source", result.Outliers)
	}

	if result.SpreadBps <= 0 || result.SpreadBps > DefaultMaxDeviationBps {
		t.Errorf("SpreadBps = %d, want within (0, %d]", result.SpreadBps, DefaultMaxDeviationBps)
	}
}

func TestAggregateOverride(t *testing.T) {
	agg := NewAggregator(nil)

	result, err := agg.Aggregate(context.Background(), "200")
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}

	if result.ConsensusPrice != 200.00 {
		t.Errorf("ConsensusPrice = %v, want 200.00", result.ConsensusPrice)
	}

	if result.ValidCount != 1 {
		t.Errorf("ValidCount = %d, want 1", result.ValidCount)
	}

	if len(result.Observations) != 1 || result.Observations[0].Source != "OVERRIDE" {
		t.Errorf("Observations = %+v, want single OVERRIDE source", result.Observations)
	}

	if !result.IsOverride || result.SpreadBps != 0 {
		t.Errorf("IsOverride = %v, SpreadBps = %d, want true, 0", result.IsOverride, result.SpreadBps)
	}
}

func TestAggregateInvalidOverride(t *testing.T) {
	agg := NewAggregator(nil)

	if _, err := agg.Aggregate(context.Background(), "not-a-price"); err == nil {
		t.Fatal("Aggregate accepted a non-numeric override")
	}
}

func TestAggregateInsufficientSources(t *testing.T) {
	good := newPriceSources(t, []float64{350.00})
	bad := newSourceServer(t, http.StatusInternalServerError, "oops")
	t.Cleanup(bad.Close)

	sources := append(good, Source{Name: "broken", URL: bad.URL, Path: "data.price"})
	agg := NewAggregator(sources)

	_, err := agg.Aggregate(context.Background(), "")

	var aggErr *AggregationError
	if !errors.As(err, &aggErr) {
		t.Fatalf("Aggregate error = %v, want AggregationError", err)
	}
}

func TestAggregateInsufficientAgreement(t *testing.T) {
	// Two responsive sources far outside mutual tolerance. Both deviate
	// from the pre-filter median by thousands of basis points, so both
	// are rejected and no consensus exists.
	sources := newPriceSources(t, []float64{100.00, 200.00})
	agg := NewAggregator(sources)

	_, err := agg.Aggregate(context.Background(), "")

	var aggErr *AggregationError
	if !errors.As(err, &aggErr) {
		t.Fatalf("Aggregate error = %v, want AggregationError", err)
	}
}

func TestAggregateToleratesFailedSource(t *testing.T) {
	sources := newPriceSources(t, []float64{350.00, 350.50})

	down := newSourceServer(t, http.StatusOK, `{"unexpected":true}`)
	t.Cleanup(down.Close)
	sources = append(sources, Source{Name: "malformed", URL: down.URL, Path: "data.price"})

	agg := NewAggregator(sources)

	result, err := agg.Aggregate(context.Background(), "")
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}

	if result.ValidCount != 2 {
		t.Errorf("ValidCount = %d, want 2", result.ValidCount)
	}

	if len(result.Observations) != 3 {
		t.Errorf("Observations = %d, want 3 (failed source recorded)", len(result.Observations))
	}
}

func TestAggregateRejectsNonPositive(t *testing.T) {
	sources := newPriceSources(t, []float64{350.00, 350.50})

	zero := newSourceServer(t, http.StatusOK, `{"data":{"price":0}}`)
	t.Cleanup(zero.Close)
	sources = append(sources, Source{Name: "zero", URL: zero.URL, Path: "data.price"})

	agg := NewAggregator(sources)

	result, err := agg.Aggregate(context.Background(), "")
	if err != nil {
		t.Fatalf("Aggregate failed: %v", err)
	}

	if result.ValidCount != 2 {
		t.Errorf("ValidCount = %d, want 2 (zero price excluded)", result.ValidCount)
	}
}

func TestExtractValue(t *testing.T) {
	doc := map[string]any{
		"result": []any{
			map[string]any{"last": "351.25"},
		},
		"data": map[string]any{"rates": map[string]any{"XAG": 34.1}},
	}

	got, err := extractValue(doc, "result.0.last")
	if err != nil {
		t.Fatalf("extractValue failed: %v", err)
	}
	if got != 351.25 {
		t.Errorf("extractValue = %v, want 351.25", got)
	}

	got, err = extractValue(doc, "data.rates.XAG")
	if err != nil {
		t.Fatalf("extractValue failed: %v", err)
	}
	if got != 34.1 {
		t.Errorf("extractValue = %v, want 34.1", got)
	}

	if _, err := extractValue(doc, "data.missing"); err == nil {
		t.Error("extractValue accepted a missing path")
	}

	if _, err := extractValue(doc, "result.x"); err == nil {
		t.Error("extractValue accepted a non-numeric array index")
	}
}

func TestMedian(t *testing.T) {
	if got := median([]float64{3, 1, 2}); got != 2 {
		t.Errorf("median odd = %v, want 2", got)
	}

	if got := median([]float64{4, 1, 3, 2}); got != 2.5 {
		t.Errorf("median even = %v, want 2.5", got)
	}
}
