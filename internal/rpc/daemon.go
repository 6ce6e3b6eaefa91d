// Package rpc provides coin daemon communication.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/monero-pool/block-manager/internal/util"
)

// The daemon reports "block not found by hash" as an internal error with a
// fixed message, not as a distinct code. See IsBlockNotFound.
const (
	errCodeInternal     = -1
	blockNotFoundPhrase = "can't get block by hash"
)

// HeaderSource is the daemon surface the unlocker depends on
type HeaderSource interface {
	GetLastBlockHeader(ctx context.Context) (*BlockHeader, error)
	GetBlockHeaderByHash(ctx context.Context, hash string) (*BlockHeader, error)
}

// DaemonClient handles communication with a coin daemon over JSON-RPC
type DaemonClient struct {
	url       string
	client    *http.Client
	requestID uint64

	// Health tracking
	mu           sync.RWMutex
	healthy      bool
	lastCheck    time.Time
	successCount int
	failCount    int
}

// NewDaemonClient creates a new daemon RPC client
func NewDaemonClient(url string, timeout time.Duration) *DaemonClient {
	return &DaemonClient{
		url: url,
		client: &http.Client{
			Timeout: timeout,
		},
		healthy: true,
	}
}

// RPCRequest represents a JSON-RPC request
type RPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      uint64      `json:"id"`
}

// RPCResponse represents a JSON-RPC response
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// IsBlockNotFound reports whether err is the daemon's orphan signal: an
// internal error whose message says the block hash is unknown. Every other
// daemon error is unexpected and must abort the caller's cycle.
func IsBlockNotFound(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	return rpcErr.Code == errCodeInternal &&
		strings.Contains(strings.ToLower(rpcErr.Message), blockNotFoundPhrase)
}

// BlockHeader is the daemon's view of one block
type BlockHeader struct {
	Height       uint64 `json:"height"`
	Hash         string `json:"hash"`
	Reward       uint64 `json:"reward"`
	Difficulty   uint64 `json:"difficulty"`
	Timestamp    uint64 `json:"timestamp"`
	Depth        uint64 `json:"depth"`
	OrphanStatus bool   `json:"orphan_status"`
}

// call makes an RPC call
func (c *DaemonClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddUint64(&c.requestID, 1)

	req := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.recordFailure()
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		c.recordFailure()
		return nil, err
	}

	if rpcResp.Error != nil {
		// The orphan signal is an expected daemon response, not a node fault.
		if !IsBlockNotFound(rpcResp.Error) {
			c.recordFailure()
		}
		return nil, rpcResp.Error
	}

	c.recordSuccess()
	return rpcResp.Result, nil
}

// recordSuccess records a successful RPC call
func (c *DaemonClient) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successCount++
	c.failCount = 0
	c.healthy = true
	c.lastCheck = time.Now()
}

// recordFailure records a failed RPC call
func (c *DaemonClient) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCount++
	if c.failCount >= 3 {
		c.healthy = false
		util.Warnf("Daemon %s marked unhealthy after %d failures", c.url, c.failCount)
	}
	c.lastCheck = time.Now()
}

// IsHealthy returns whether the daemon is healthy
func (c *DaemonClient) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

// URL returns the daemon endpoint
func (c *DaemonClient) URL() string {
	return c.url
}

// GetLastBlockHeader returns the chain tip header
func (c *DaemonClient) GetLastBlockHeader(ctx context.Context) (*BlockHeader, error) {
	result, err := c.call(ctx, "get_last_block_header", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		BlockHeader BlockHeader `json:"block_header"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, err
	}

	return &resp.BlockHeader, nil
}

// GetBlockHeaderByHash returns the header for a specific block hash.
// An orphaned hash surfaces as an error matched by IsBlockNotFound.
func (c *DaemonClient) GetBlockHeaderByHash(ctx context.Context, hash string) (*BlockHeader, error) {
	params := map[string]string{"hash": hash}
	result, err := c.call(ctx, "get_block_header_by_hash", params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		BlockHeader BlockHeader `json:"block_header"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, err
	}

	return &resp.BlockHeader, nil
}

// GetBlockHeaderByHeight returns the header at a specific height
func (c *DaemonClient) GetBlockHeaderByHeight(ctx context.Context, height uint64) (*BlockHeader, error) {
	params := map[string]uint64{"height": height}
	result, err := c.call(ctx, "get_block_header_by_height", params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		BlockHeader BlockHeader `json:"block_header"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, err
	}

	return &resp.BlockHeader, nil
}
