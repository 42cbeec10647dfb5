package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Config configures a Client's underlying HTTP transport.
type Config struct {
	// Timeout bounds every RPC call made through the client, in addition
	// to any deadline on the call's ctx (default 30s).
	Timeout time.Duration
	// MaxIdleConns is the maximum number of idle keep-alive connections
	// held open to the peer (default 10).
	MaxIdleConns int
	// MaxConnsPerHost is the maximum number of connections to the peer
	// (default 10).
	MaxConnsPerHost int
}

// DefaultConfig returns sensible client defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout:         30 * time.Second,
		MaxIdleConns:    10,
		MaxConnsPerHost: 10,
	}
}

// Client calls a single RPC peer (a participant calling its coordinator, or
// a coordinator calling one of its participants).
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logrus.Entry
}

// NewClient creates a Client that addresses the peer at addr (host:port).
func NewClient(addr string, config *Config, log *logrus.Entry) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	transport := &http.Transport{
		MaxIdleConns:        config.MaxIdleConns,
		MaxConnsPerHost:     config.MaxConnsPerHost,
		MaxIdleConnsPerHost: config.MaxConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseURL: fmt.Sprintf("http://%s", addr),
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
		log: log,
	}
}

// Send issues an RPC call of the given kind carrying payload, bounded by
// ctx's deadline (if any) and the client's configured Timeout, whichever
// expires first.
// A transport-level failure (connect, write, read, or deadline exceeded) is
// surfaced as (false, err) - callers in the coordinator and participant
// state machines treat any such outcome as equivalent to a negative vote or
// a lost reply, never as a confirmed server-side effect.
func (c *Client) Send(ctx context.Context, kind string, payload interface{}) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("rpc: encoding %s payload: %w", kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc/"+kind, bytes.NewReader(data))
	if err != nil {
		return false, fmt.Errorf("rpc: building %s request: %w", kind, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("rpc: %s call failed: %w", kind, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("rpc: reading %s response: %w", kind, err)
	}

	var envelope Response
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return false, fmt.Errorf("rpc: decoding %s response: %w", kind, err)
	}
	if !envelope.OK {
		return false, fmt.Errorf("rpc: %s rejected: %s", kind, envelope.Error)
	}
	return envelope.Result, nil
}

// SendTimeout is Send bounded by an explicit per-call timeout on top of any
// deadline already on ctx; the earlier of the two applies.
func (c *Client) SendTimeout(ctx context.Context, kind string, payload interface{}, timeout time.Duration) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Send(callCtx, kind, payload)
}
