package archive

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/quic-go/quic-go/http3"
)

// Provider is one remote object-store gateway.
type Provider struct {
	Name string `json:"name"` // Name identifies the gateway
	URL  string `json:"url"`  // URL is the gateway base URL
}

// StorageError reports a remote archive failure. It is never fatal: the
// archive degrades to local-only and the cycle continues.
type StorageError struct {
	Reason string // Reason is the human-readable cause
	Err    error  // Err is the underlying cause, if any
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Err != nil {
		return "storage: " + e.Reason + ": " + e.Err.Error()
	}
	return "storage: " + e.Reason
}

// Unwrap returns the underlying cause.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// remoteClient talks to the content-addressed object store's gateway.
type remoteClient struct {
	base   string       // base is the selected gateway URL
	client *http.Client // client performs the HTTP round trips
}

// newRemoteClient selects a production gateway from the provider list
// and builds a client for it. Gateways whose name mentions test or QA
// environments are never selected. When useHTTP3 is set the client
// speaks HTTP/3 to the gateway.
func newRemoteClient(providers []Provider, useHTTP3 bool) (*remoteClient, error) {
	selected := selectProvider(providers)
	if selected == nil {
		return nil, &StorageError{Reason: "no production storage gateway configured"}
	}

	client := &http.Client{}
	if useHTTP3 {
		client.Transport = &http3.Transport{}
	}

	return &remoteClient{
		base:   strings.TrimRight(selected.URL, "/"),
		client: client,
	}, nil
}

// selectProvider returns the first provider not named like a test or QA
// environment.
func selectProvider(providers []Provider) *Provider {
	for i, p := range providers {
		name := strings.ToLower(p.Name)
		if strings.Contains(name, "test") || strings.Contains(name, "qa") {
			continue
		}

		return &providers[i]
	}

	return nil
}

// ensureBucket creates the bucket if it does not exist. Creation is
// idempotent: an already-exists response is success.
func (r *remoteClient) ensureBucket(ctx context.Context, bucket string) error {
	status, _, err := r.do(ctx, http.MethodGet, "/v1/buckets/"+bucket, "", nil)
	if err != nil {
		return &StorageError{Reason: "check bucket", Err: err}
	}

	if status == http.StatusOK {
		return nil
	}

	body, err := json.Marshal(map[string]string{"name": bucket})
	if err != nil {
		return &StorageError{Reason: "marshal bucket request", Err: err}
	}

	status, _, err = r.do(ctx, http.MethodPost, "/v1/buckets", "application/json", body)
	if err != nil {
		return &StorageError{Reason: "create bucket", Err: err}
	}

	if status != http.StatusCreated && status != http.StatusOK && status != http.StatusConflict {
		return &StorageError{Reason: fmt.Sprintf("create bucket: status %d", status)}
	}

	return nil
}

// createObject registers the object's metadata: its size and the full
// checksum set (whole payload plus every shard).
func (r *remoteClient) createObject(ctx context.Context, bucket, name string, size int, sums [ChecksumCount][32]byte) error {
	checksums := make([]string, ChecksumCount)
	for i, sum := range sums {
		checksums[i] = hex.EncodeToString(sum[:])
	}

	body, err := json.Marshal(map[string]any{
		"name":      name,
		"size":      size,
		"checksums": checksums,
	})
	if err != nil {
		return &StorageError{Reason: "marshal object request", Err: err}
	}

	status, _, err := r.do(ctx, http.MethodPost, "/v1/buckets/"+bucket+"/objects", "application/json", body)
	if err != nil {
		return &StorageError{Reason: "create object", Err: err}
	}

	if status != http.StatusCreated && status != http.StatusOK {
		return &StorageError{Reason: fmt.Sprintf("create object: status %d", status)}
	}

	return nil
}

// uploadPayload uploads the object's binary body.
func (r *remoteClient) uploadPayload(ctx context.Context, bucket, name string, payload []byte) error {
	path := "/v1/buckets/" + bucket + "/objects/" + name + "/data"

	status, _, err := r.do(ctx, http.MethodPut, path, "application/octet-stream", payload)
	if err != nil {
		return &StorageError{Reason: "upload payload", Err: err}
	}

	if status != http.StatusOK && status != http.StatusCreated {
		return &StorageError{Reason: fmt.Sprintf("upload payload: status %d", status)}
	}

	return nil
}

// do performs one HTTP round trip and returns the status and body.
func (r *remoteClient) do(ctx context.Context, method, path, contentType string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.base+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request:\n%w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s:\n%w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response:\n%w", err)
	}

	return resp.StatusCode, data, nil
}
