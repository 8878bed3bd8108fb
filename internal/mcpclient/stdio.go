package mcpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ServerConfig describes one mcp-stdio upstream server to launch.
type ServerConfig struct {
	ID      string
	Command string
	Args    []string
	Env     map[string]string
	WorkDir string
	Timeout time.Duration
}

// StdioClient is an UpstreamClient that talks JSON-RPC over the stdin/stdout
// pipes of a persistent subprocess, for kind=mcp-stdio tools. Adapted from
// the stdio-transport pattern used across the pack's other MCP clients,
// generalized onto this package's Request/Response wire types so it is a
// drop-in alternative to Client's HTTP transport.
type StdioClient struct {
	cfg *ServerConfig

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr io.ReadCloser

	pending   map[int64]chan *Response
	pendingMu sync.Mutex
	nextID    atomic.Int64

	connected atomic.Bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

var _ UpstreamClient = (*StdioClient)(nil)

// NewStdioClient creates a stdio-transport MCP client for cfg. The
// subprocess is not started until Connect is called.
func NewStdioClient(cfg *ServerConfig) *StdioClient {
	return &StdioClient{
		cfg:     cfg,
		pending: make(map[int64]chan *Response),
		stopCh:  make(chan struct{}),
	}
}

// Connect starts the subprocess and its reader loop.
func (c *StdioClient) Connect(ctx context.Context) error {
	if c.cfg.Command == "" {
		return fmt.Errorf("mcpclient: command is required for stdio transport")
	}

	c.cmd = exec.Command(c.cfg.Command, c.cfg.Args...)
	c.cmd.Env = os.Environ()
	for k, v := range c.cfg.Env {
		c.cmd.Env = append(c.cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if c.cfg.WorkDir != "" {
		c.cmd.Dir = c.cfg.WorkDir
	}

	stdin, err := c.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	c.stdin = stdin

	stdout, err := c.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	c.stderr, _ = c.cmd.StderrPipe()

	if err := c.cmd.Start(); err != nil {
		return fmt.Errorf("start mcp-stdio server %s: %w", c.cfg.ID, err)
	}
	c.connected.Store(true)
	log.Info().Str("server", c.cfg.ID).Str("command", c.cfg.Command).
		Int("pid", c.cmd.Process.Pid).Msg("mcpclient: started stdio server")

	c.wg.Add(1)
	go c.readLoop(stdout)
	if c.stderr != nil {
		c.wg.Add(1)
		go c.drainStderr()
	}
	return nil
}

func (c *StdioClient) readLoop(stdout io.Reader) {
	defer c.wg.Done()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Warn().Str("server", c.cfg.ID).Err(err).Msg("mcpclient: malformed stdio response, dropping")
			continue
		}
		id, ok := toInt64(resp.ID)
		if !ok {
			continue // notification, no waiter
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[id]
		c.pendingMu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

func (c *StdioClient) drainStderr() {
	defer c.wg.Done()
	scanner := bufio.NewScanner(c.stderr)
	for scanner.Scan() {
		log.Debug().Str("server", c.cfg.ID).Str("stderr", scanner.Text()).Msg("mcpclient: server stderr")
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// call sends req over stdin and waits for the matching response.
func (c *StdioClient) call(ctx context.Context, method string, params interface{}) (*Response, error) {
	if !c.connected.Load() {
		return nil, fmt.Errorf("mcpclient: server %s not connected", c.cfg.ID)
	}
	id := c.nextID.Add(1)
	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	respCh := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("write mcp-stdio request: %w", err)
	}

	timeout := c.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("mcp-stdio request timed out after %s", timeout)
	case <-c.stopCh:
		return nil, fmt.Errorf("mcpclient: server %s closed", c.cfg.ID)
	}
}

// Initialize performs the MCP handshake.
func (c *StdioClient) Initialize(ctx context.Context, clientInfo map[string]interface{}) (*Response, error) {
	params := map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]interface{}{},
		"clientInfo":      clientInfo,
	}
	resp, err := c.call(ctx, "initialize", params)
	if err != nil {
		return nil, fmt.Errorf("initialize mcp-stdio server %s: %w", c.cfg.ID, err)
	}
	if resp.Error == nil {
		notif, _ := json.Marshal(map[string]interface{}{"jsonrpc": "2.0", "method": "notifications/initialized"})
		_, _ = c.stdin.Write(append(notif, '\n'))
	}
	return resp, nil
}

// ListTools requests the server's tool list.
func (c *StdioClient) ListTools(ctx context.Context) ([]Tool, error) {
	resp, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("mcp error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	var result ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a tool on the stdio server.
func (c *StdioClient) CallTool(ctx context.Context, name string, arguments interface{}) (*ToolResult, error) {
	params := CallToolParams{Name: name}
	if arguments != nil {
		data, err := json.Marshal(arguments)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		params.Arguments = data
	}
	resp, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return &ToolResult{
			Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("Error: %s", resp.Error.Message)}},
			IsError: true,
		}, nil
	}
	var result ToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &result, nil
}

// Close stops the subprocess and its reader loop.
func (c *StdioClient) Close() error {
	if !c.connected.CompareAndSwap(true, false) {
		return nil
	}
	close(c.stopCh)
	if c.stdin != nil {
		c.stdin.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	c.wg.Wait()
	return nil
}
