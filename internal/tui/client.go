package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"reelay/pkg/protocol"
)

// APIClient talks to the gateway's REST surface for everything the event
// stream does not carry: history fetches and the /clear wipe.
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAPIClient creates a REST client for the gateway at baseURL.
func NewAPIClient(baseURL, token string) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// History fetches the default chat's messages, oldest first.
func (c *APIClient) History(ctx context.Context) ([]protocol.Message, error) {
	resp, err := c.do(ctx, http.MethodGet, "/messages")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		Messages []protocol.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return body.Messages, nil
}

// Clear wipes the default chat's messages on the server.
func (c *APIClient) Clear(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodDelete, "/messages")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *APIClient) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		var fail struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.NewDecoder(resp.Body).Decode(&fail) == nil && fail.Message != "" {
			return nil, fmt.Errorf("%s %s: %s", method, path, fail.Message)
		}
		return nil, fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	return resp, nil
}
