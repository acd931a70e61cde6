package reasoner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPClient is a generic Complete-over-HTTP Client: it POSTs
// {system, prompt} to a configured chat-completions-style endpoint and
// reads {content} back. The concrete reasoning model is an external
// collaborator per spec §1's scope (this package only builds prompts
// and parses replies), so this adapter is intentionally provider-
// agnostic rather than wired to one vendor SDK.
type HTTPClient struct {
	Endpoint   string
	APIKey     string
	Model      string
	httpClient *http.Client
}

// NewHTTPClient constructs an HTTPClient with a bounded default
// timeout.
func NewHTTPClient(endpoint, apiKey, model string) *HTTPClient {
	return &HTTPClient{
		Endpoint:   endpoint,
		APIKey:     apiKey,
		Model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

type completeRequest struct {
	Model  string `json:"model"`
	System string `json:"system"`
	Prompt string `json:"prompt"`
}

type completeResponse struct {
	Content string `json:"content"`
}

// Complete implements Client by POSTing to c.Endpoint.
func (c *HTTPClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	body, err := json.Marshal(completeRequest{Model: c.Model, System: system, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("reasoner: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("reasoner: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("reasoner: calling %s: %w", c.Endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("reasoner: unexpected status %d from %s", resp.StatusCode, c.Endpoint)
	}

	var out completeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("reasoner: decoding response: %w", err)
	}
	return out.Content, nil
}

var _ Client = (*HTTPClient)(nil)
