// Package bookmark is a thin HTTP client for the bookmark relay, a small
// external service that saves URLs into the user's reading list.
package bookmark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	// saveTimeout is generous: the relay fetches and extracts page content
	// before answering.
	saveTimeout  = 90 * time.Second
	queryTimeout = 15 * time.Second
)

// Client talks to one relay instance. The zero value is not usable; use
// NewClient.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a relay client for the given base URL.
func NewClient(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{},
	}
}

// Save submits one URL for bookmarking. It blocks until the relay has
// extracted and stored the page, up to the save deadline.
func (c *Client) Save(ctx context.Context, link string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, saveTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"url": link})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/bookmark", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// Health probes the relay.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// Recent lists the most recently saved bookmarks.
func (c *Client) Recent(ctx context.Context, limit int) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	u := c.base + "/recent"
	if limit > 0 {
		u += "?limit=" + url.QueryEscape(strconv.Itoa(limit))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

// do executes the request and returns the raw JSON body. Relay errors are
// surfaced to the caller untouched; there is no local retry.
func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bookmark relay: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("bookmark relay read: %w", err)
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("bookmark relay: %s", e.Error)
		}
		return nil, fmt.Errorf("bookmark relay: status %d", resp.StatusCode)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("bookmark relay: invalid JSON response")
	}
	return json.RawMessage(body), nil
}
