// Package cli implements pcdeployctl, a command line client for the
// deployment API.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Message    string
	Body       map[string]any
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if invalid, ok := e.Body["invalid"].([]any); ok && len(invalid) > 0 {
		parts := make([]string, len(invalid))
		for i, v := range invalid {
			parts[i] = fmt.Sprint(v)
		}
		msg += " (invalid: " + strings.Join(parts, ", ") + ")"
	}
	return fmt.Sprintf("api %d: %s", e.StatusCode, msg)
}

// Client calls the deployment API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a Client for baseURL. A nil hc uses a client with a
// timeout long enough for a blocking multicast start.
func NewClient(baseURL string, hc *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("api base url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Minute}
	}
	return &Client{baseURL: baseURL, http: hc}, nil
}

// Do sends body as JSON and decodes the JSON response.
func (c *Client) Do(ctx context.Context, method, path string, body any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	out := map[string]any{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			if resp.StatusCode >= http.StatusBadRequest {
				return nil, &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
			}
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := out["error"].(string)
		return out, &APIError{StatusCode: resp.StatusCode, Message: msg, Body: out}
	}
	return out, nil
}

func deploymentPath(id string, suffix ...string) string {
	p := "/v1/deployments/" + url.PathEscape(strings.TrimSpace(id))
	if len(suffix) > 0 {
		p += "/" + strings.Join(suffix, "/")
	}
	return p
}
