package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPTransport ships batches over plain HTTP. Push posts the encoded
// batch body; Pull posts the client's sync state and reads deltas back.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
	headers map[string]string
}

// NewHTTPTransport targets a backend sync endpoint, e.g.
// "https://backend.example.com/v1/sync".
func NewHTTPTransport(baseURL string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		headers: make(map[string]string),
	}
}

// SetHeader attaches a header (auth token, node ID) to every request.
func (t *HTTPTransport) SetHeader(key, value string) {
	t.headers[key] = value
}

func (t *HTTPTransport) Push(ctx context.Context, payload []byte, compressed bool) (PushResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/push", bytes.NewReader(payload))
	if err != nil {
		return PushResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return PushResult{}, fmt.Errorf("push request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return PushResult{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return PushResult{}, fmt.Errorf("push rejected: status %d: %s", resp.StatusCode, truncate(body, 256))
	}

	var result PushResult
	if err := json.Unmarshal(body, &result); err != nil {
		return PushResult{}, fmt.Errorf("decoding push response: %w", err)
	}
	return result, nil
}

func (t *HTTPTransport) Pull(ctx context.Context, known map[string]string, vector map[string]int64) (PullResult, error) {
	reqBody, err := json.Marshal(struct {
		KnownChecksums map[string]string `json:"known_checksums"`
		Vector         map[string]int64  `json:"vector"`
	}{known, vector})
	if err != nil {
		return PullResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/pull", bytes.NewReader(reqBody))
	if err != nil {
		return PullResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return PullResult{}, fmt.Errorf("pull request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 50<<20))
	if err != nil {
		return PullResult{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return PullResult{}, fmt.Errorf("pull rejected: status %d: %s", resp.StatusCode, truncate(body, 256))
	}

	// Backends may gzip large pull responses the same way pushes are.
	if isGzip(body) {
		body, err = inflate(body)
		if err != nil {
			return PullResult{}, fmt.Errorf("inflating pull response: %w", err)
		}
	}

	var result PullResult
	if err := json.Unmarshal(body, &result); err != nil {
		return PullResult{}, fmt.Errorf("decoding pull response: %w", err)
	}
	return result, nil
}

func (t *HTTPTransport) Close() error { return nil }

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
