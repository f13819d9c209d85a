package answer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// maxAnswerBodySize caps how much of the upstream response is read.
const maxAnswerBodySize = 4 << 20

type askRequest struct {
	Question string `json:"question"`
}

type askResponse struct {
	Answer string `json:"answer"`
}

// HTTPClient calls an answering service exposing POST {"question"} -> {"answer"}.
type HTTPClient struct {
	url    string
	client *http.Client
}

// NewHTTPClient creates a client for the endpoint at url.
func NewHTTPClient(url string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Answer posts the question and returns the answer text.
func (c *HTTPClient) Answer(ctx context.Context, question string) (string, error) {
	body, err := json.Marshal(askRequest{Question: question})
	if err != nil {
		return "", upstreamError("encode request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", upstreamError("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", upstreamError("request failed: %v", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("failed to close answer response body", "error", closeErr)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAnswerBodySize))
	if err != nil {
		return "", upstreamError("read response: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Warn("Answering service returned non-success status", "status", resp.StatusCode)
		return "", upstreamError("status %d", resp.StatusCode)
	}

	var out askResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", upstreamError("decode response: %v", err)
	}
	if strings.TrimSpace(out.Answer) == "" {
		return "", upstreamError("empty answer")
	}
	return out.Answer, nil
}

var _ Answerer = (*HTTPClient)(nil)
