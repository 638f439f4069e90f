package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
)

// Source describes one price source adapter.
// Adapters are data: an endpoint URL plus a JSON extraction path.
type Source struct {
	Name string `json:"name"` // Name identifies the source in observations
	URL  string `json:"url"`  // URL is the quote endpoint
	Path string `json:"path"` // Path is the dot/index path to the price field
}

// Observation is the outcome of querying a single source.
type Observation struct {
	Source string  // Source is the source name
	Value  float64 // Value is the quoted price (meaningful only when OK)
	OK     bool    // OK is true when a positive price was extracted
	Err    string  // Err holds the failure cause when OK is false
}

// LoadSources reads a source adapter set from a JSON file.
func LoadSources(path string) ([]Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file:\n%w", err)
	}

	var sources []Source
	if err := json.Unmarshal(data, &sources); err != nil {
		return nil, fmt.Errorf("parse sources file:\n%w", err)
	}

	if len(sources) == 0 {
		return nil, fmt.Errorf("sources file %s is empty", path)
	}

	return sources, nil
}

// fetchQuote queries one source and extracts its price.
// Any transport, decode, or extraction failure is returned as an error;
// the caller records it as a failed observation, never a crashed cycle.
func fetchQuote(ctx context.Context, client *http.Client, src Source) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("build request:\n%w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("GET %s:\n%w", src.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("GET %s: status %d", src.URL, resp.StatusCode)
	}

	var doc any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return 0, fmt.Errorf("decode response:\n%w", err)
	}

	value, err := extractValue(doc, src.Path)
	if err != nil {
		return 0, err
	}

	if value <= 0 {
		return 0, fmt.Errorf("non-positive price %v", value)
	}

	return value, nil
}

// extractValue walks a decoded JSON document along a dot-separated path.
// Path segments index either an object key or an array position, so any
// source response shape maps to a single float (e.g. "data.rates.XAG",
// "result.0.last").
func extractValue(doc any, path string) (float64, error) {
	current := doc

	for _, seg := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return 0, fmt.Errorf("path segment %q not found", seg)
			}
			current = next

		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return 0, fmt.Errorf("path segment %q indexes an array", seg)
			}
			if idx < 0 || idx >= len(node) {
				return 0, fmt.Errorf("array index %d out of range", idx)
			}
			current = node[idx]

		default:
			return 0, fmt.Errorf("path segment %q descends into a scalar", seg)
		}
	}

	return toFloat(current)
}

// toFloat converts a terminal JSON value to a float64.
// Sources disagree on whether prices are numbers or quoted strings.
func toFloat(v any) (float64, error) {
	switch value := v.(type) {
	case float64:
		return value, nil
	case string:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, fmt.Errorf("price %q is not numeric", value)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("price field has unsupported type %T", v)
	}
}
