// Package integration drives a running taskboard server over HTTP.
package integration

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/bytedance/sonic"

	"taskboard/session"
)

// Client wraps http.Client with helpers for JSON requests.
type Client struct {
	BaseURL string
	Tokens  session.TokenSource
	HTTP    *http.Client
}

// New creates a new Client.
func New(baseURL string, tokens session.TokenSource) *Client {
	return &Client{BaseURL: baseURL, Tokens: tokens, HTTP: &http.Client{}}
}

// Request builds an authenticated request.
func (c *Client) Request(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Tokens != nil {
		tok, err := c.Tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return req, nil
}

// Do sends a JSON request and decodes a 2xx response body into out.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) (*http.Response, error) {
	req, err := c.Request(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return resp, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, err
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return resp, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	if out != nil && len(data) > 0 {
		if err := sonic.Unmarshal(data, out); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

// GetJSON issues a GET request and decodes the JSON response.
func (c *Client) GetJSON(ctx context.Context, path string, out any) (*http.Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// PostJSON issues a POST request with a JSON body and decodes the response.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) (*http.Response, error) {
	return c.Do(ctx, http.MethodPost, path, body, out)
}
