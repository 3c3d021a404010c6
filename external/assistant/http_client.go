// Package assistant calls the agent backend that owns prompting and tool
// execution for chat sessions.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/foxseedlab/denwaban/internal/assistant"
)

type respondRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type respondResponse struct {
	Text string `json:"text"`
}

type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string) assistant.Client {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

func (c *HTTPClient) Respond(ctx context.Context, sessionID, userText string) (*assistant.Reply, error) {
	b, err := json.Marshal(respondRequest{SessionID: sessionID, Text: userText})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/respond", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if !isHTTPSuccessStatus(resp.StatusCode) {
		return nil, fmt.Errorf("assistant returned status %d", resp.StatusCode)
	}

	var out respondResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode assistant response: %w", err)
	}
	return &assistant.Reply{Text: out.Text}, nil
}

func isHTTPSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
