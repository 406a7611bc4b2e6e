package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// rpcClient is a minimal JSON-RPC 2.0 client for the local signal daemon.
// The daemon exposes three methods: version, receive(timeout) and
// send(recipient|groupId, message).
type rpcClient struct {
	url    string
	http   *http.Client
	nextID atomic.Int64
}

func newRPCClient(url string, timeout time.Duration) *rpcClient {
	return &rpcClient{
		url:  url,
		http: &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error,omitempty"`
}

// call issues one JSON-RPC request and decodes the result into out (out may
// be nil for calls whose result is ignored).
func (c *rpcClient) call(ctx context.Context, method string, params, out any) error {
	req := rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("signal rpc: marshal %s: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("signal rpc: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("signal rpc: %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("signal rpc: %s: unexpected status %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("signal rpc: decode %s: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("signal rpc: %s: %w", method, rpcResp.Error)
	}
	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("signal rpc: result %s: %w", method, err)
		}
	}
	return nil
}

// Version probes the daemon. Used as the connect handshake.
func (c *rpcClient) Version(ctx context.Context) (string, error) {
	var res struct {
		Version string `json:"version"`
	}
	if err := c.call(ctx, "version", nil, &res); err != nil {
		return "", err
	}
	return res.Version, nil
}

// Receive polls the daemon for pending envelopes. timeout is the
// server-side wait, kept short so the poll loop stays responsive.
func (c *rpcClient) Receive(ctx context.Context, timeout time.Duration) ([]envelopeWrapper, error) {
	params := map[string]any{"timeout": timeout.Seconds()}
	var envelopes []envelopeWrapper
	if err := c.call(ctx, "receive", params, &envelopes); err != nil {
		return nil, err
	}
	return envelopes, nil
}

// SendDirect sends a message to an individual recipient.
func (c *rpcClient) SendDirect(ctx context.Context, recipient, message string) error {
	params := map[string]any{
		"recipient": []string{recipient},
		"message":   message,
	}
	return c.call(ctx, "send", params, nil)
}

// SendGroup sends a message to a group.
func (c *rpcClient) SendGroup(ctx context.Context, groupID, message string) error {
	params := map[string]any{
		"groupId": groupID,
		"message": message,
	}
	return c.call(ctx, "send", params, nil)
}

// envelopeWrapper is one entry of the receive result.
type envelopeWrapper struct {
	Envelope envelope `json:"envelope"`
	Account  string   `json:"account,omitempty"`
}

type envelope struct {
	Source       string       `json:"source"`
	SourceNumber string       `json:"sourceNumber,omitempty"`
	SourceName   string       `json:"sourceName,omitempty"`
	Timestamp    int64        `json:"timestamp"` // unix millis
	DataMessage  *dataMessage `json:"dataMessage,omitempty"`
	SyncMessage  *syncMessage `json:"syncMessage,omitempty"`
}

type dataMessage struct {
	Message   string     `json:"message"`
	Timestamp int64      `json:"timestamp,omitempty"`
	GroupInfo *groupInfo `json:"groupInfo,omitempty"`
}

type groupInfo struct {
	GroupID string `json:"groupId"`
	Name    string `json:"name,omitempty"`
}

// syncMessage appears when the bot's own account sent a message from
// another linked device. Treated as a self-echo.
type syncMessage struct {
	SentMessage *dataMessage `json:"sentMessage,omitempty"`
}
