package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPClient talks to the issue tracker's REST API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *HTTPClient) GetIssue(ctx context.Context, id string) (*Issue, error) {
	var issue Issue
	if err := c.do(ctx, http.MethodGet, "/issues/"+url.PathEscape(id), nil, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

func (c *HTTPClient) PostComment(ctx context.Context, issueID, body string) error {
	payload := map[string]string{"body": body}
	return c.do(ctx, http.MethodPost, "/issues/"+url.PathEscape(issueID)+"/comments", payload, nil)
}

func (c *HTTPClient) TransitionStatus(ctx context.Context, issueID, stateID string) error {
	payload := map[string]string{"state_id": stateID}
	return c.do(ctx, http.MethodPost, "/issues/"+url.PathEscape(issueID)+"/transitions", payload, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("tracker request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode tracker response: %w", err)
		}
	}
	return nil
}
