// Package mcp is the thin client over the downstream tool-execution child.
// The child is a long-lived subprocess speaking newline-delimited JSON-RPC
// 2.0 on stdio (methods initialize, tools/list, tools/call). Requests carry
// monotonically increasing integer ids; a single reader goroutine dispatches
// responses to the waiting caller by id. If the child dies, every outstanding
// call fails and the process is respawned.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// maxLineBytes bounds a single response line from the child.
const maxLineBytes = 16 * 1024 * 1024

// respawnDelay is the pause before restarting a crashed child.
const respawnDelay = 500 * time.Millisecond

// Config names the child process.
type Config struct {
	Command string
	Args    []string
	Env     []string
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object returned by the child.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ContentItem is one block of tool output.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the result payload of tools/call.
type ToolResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// ToolInfo describes one tool reported by tools/list.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type toolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// Client manages the child process. Writes are serialised under writeMu; the
// reader goroutine owns stdout.
type Client struct {
	cfg    Config
	logger *log.Logger

	mu     sync.Mutex // guards process state and lifecycle flags
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan *rpcResponse

	nextID atomic.Int64
}

// NewClient creates a client; the child is not started until Start.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[TOOL-CLIENT] ", log.LstdFlags),
		pending: make(map[int64]chan *rpcResponse),
	}
}

// Start spawns the child and performs the initialize handshake.
func (c *Client) Start(ctx context.Context) error {
	if err := c.spawn(); err != nil {
		return err
	}
	return c.initialize(ctx)
}

func (c *Client) initialize(ctx context.Context) error {
	_, err := c.call(ctx, "initialize", map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]string{"name": "toolgate", "version": "1.0"},
	})
	if err != nil {
		return fmt.Errorf("initialize handshake failed: %w", err)
	}
	return nil
}

// spawn launches the child and starts the reader goroutine for it.
func (c *Client) spawn() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("client is closed")
	}

	cmd := exec.Command(c.cfg.Command, c.cfg.Args...)
	if len(c.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), c.cfg.Env...)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", c.cfg.Command, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.logger.Printf("child started: %s (pid %d)", c.cfg.Command, cmd.Process.Pid)

	go c.readLoop(cmd, stdout)
	return nil
}

// readLoop dispatches child responses by id until the child's stdout closes,
// then fails outstanding calls and respawns unless the client was closed.
func (c *Client) readLoop(cmd *exec.Cmd, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Printf("unparseable line from child: %v", err)
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- &resp
		}
	}

	err := cmd.Wait()
	c.failAllPending(fmt.Errorf("tool child exited: %v", err))

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	c.logger.Printf("child died (%v), respawning in %s", err, respawnDelay)
	time.Sleep(respawnDelay)
	if spawnErr := c.spawn(); spawnErr != nil {
		c.logger.Printf("respawn failed: %v", spawnErr)
		return
	}
	// The fresh child speaks no calls until it too has been initialized.
	initCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if initErr := c.initialize(initCtx); initErr != nil {
		c.logger.Printf("handshake with respawned child failed: %v", initErr)
	}
}

// failAllPending wakes every waiter with an error response.
func (c *Client) failAllPending(cause error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan *rpcResponse)
	c.pendingMu.Unlock()

	for id, ch := range pending {
		ch <- &rpcResponse{ID: id, Error: &RPCError{Code: -32000, Message: cause.Error()}}
	}
}

// call sends one request and waits for the matching response or ctx expiry.
func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan *rpcResponse, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := c.writeLine(req); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		// Cooperative cancellation: tell the child the call is abandoned.
		c.notify("notifications/cancelled", map[string]interface{}{"requestId": id})
		return nil, ctx.Err()
	}
}

func (c *Client) notify(method string, params interface{}) {
	_ = c.writeLine(rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
}

// writeLine marshals v and writes it newline-framed to the child's stdin.
func (c *Client) writeLine(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	stdin := c.stdin
	c.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("tool child not running")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to child: %w", err)
	}
	return nil
}

// Invoke executes tools/call for name with args.
func (c *Client) Invoke(ctx context.Context, name string, args map[string]interface{}) (*ToolResult, error) {
	raw, err := c.call(ctx, "tools/call", toolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("malformed tools/call result: %w", err)
	}
	return &result, nil
}

// ListTools executes tools/list.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("malformed tools/list result: %w", err)
	}
	return result.Tools, nil
}

// Close terminates the child and fails any in-flight calls. Safe to call
// more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cmd := c.cmd
	stdin := c.stdin
	c.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
	c.failAllPending(fmt.Errorf("client closed"))
	c.logger.Printf("child stopped")
	return nil
}
