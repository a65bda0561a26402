package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	// defaultCallTimeout bounds one request/response round trip.
	defaultCallTimeout = 30 * time.Second

	// killGrace is how long a SIGTERM'd process gets before SIGKILL.
	killGrace = 5 * time.Second

	// maxLineSize bounds one JSON-RPC line on stdout.
	maxLineSize = 1 << 20
)

// StdioTransport runs one subprocess and frames JSON-RPC messages as
// one object per line on its stdin/stdout. One writer, one reader; the
// pending table correlates responses by id.
type StdioTransport struct {
	command string
	args    []string
	env     map[string]string
	workDir string
	timeout time.Duration
	logger  *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	writeMu sync.Mutex

	pending   map[int64]chan *jsonrpcResponse
	pendingMu sync.Mutex
	nextID    atomic.Int64

	connected atomic.Bool
	exited    chan struct{}
	wg        sync.WaitGroup
}

// TransportOptions configure a stdio transport.
type TransportOptions struct {
	Command string
	Args    []string
	Env     map[string]string
	WorkDir string

	// Timeout bounds each Call. Zero means defaultCallTimeout.
	Timeout time.Duration

	Logger *slog.Logger
}

// NewStdioTransport creates an unstarted transport.
func NewStdioTransport(opts TransportOptions) *StdioTransport {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		command: opts.Command,
		args:    opts.Args,
		env:     opts.Env,
		workDir: opts.WorkDir,
		timeout: opts.Timeout,
		logger:  logger,
		pending: make(map[int64]chan *jsonrpcResponse),
		exited:  make(chan struct{}),
	}
}

// Start launches the subprocess and the reader goroutines.
func (t *StdioTransport) Start(ctx context.Context) error {
	if t.command == "" {
		return fmt.Errorf("mcp: command is required")
	}

	t.process = exec.Command(t.command, t.args...)
	t.process.Env = os.Environ()
	for k, v := range t.env {
		t.process.Env = append(t.process.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if t.workDir != "" {
		t.process.Dir = t.workDir
	}

	var err error
	t.stdin, err = t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("mcp: stdin pipe: %w", err)
	}
	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("mcp: stdout pipe: %w", err)
	}
	stderr, _ := t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("mcp: start process: %w", err)
	}
	t.connected.Store(true)
	t.logger.Info("started tool server process",
		"command", t.command,
		"pid", t.process.Process.Pid)

	t.wg.Add(1)
	go t.readLoop(stdout)
	if stderr != nil {
		t.wg.Add(1)
		go t.logStderr(stderr)
	}
	go t.reap()

	return nil
}

// Exited is closed when the subprocess terminates for any reason.
func (t *StdioTransport) Exited() <-chan struct{} { return t.exited }

// Connected reports whether the subprocess is believed alive.
func (t *StdioTransport) Connected() bool { return t.connected.Load() }

// Stop terminates the subprocess gracefully: SIGTERM first, SIGKILL
// after the grace period.
func (t *StdioTransport) Stop() error {
	t.connected.Store(false)
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.process == nil || t.process.Process == nil {
		return nil
	}

	_ = t.process.Process.Signal(syscall.SIGTERM)
	select {
	case <-t.exited:
	case <-time.After(killGrace):
		t.logger.Warn("tool server ignored SIGTERM, killing",
			"pid", t.process.Process.Pid)
		_ = t.process.Process.Kill()
		<-t.exited
	}
	t.wg.Wait()
	return nil
}

// Call sends one request and waits for its response, bounded by the
// transport timeout or the context, whichever fires first.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("mcp: not connected")
	}

	id := t.nextID.Add(1)
	req := jsonrpcRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("mcp: marshal params: %w", err)
		}
		req.Params = data
	}

	respChan := make(chan *jsonrpcResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.writeLine(req); err != nil {
		return nil, err
	}

	timeout := t.timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("mcp: %s timed out after %v", method, timeout)
	case <-t.exited:
		return nil, fmt.Errorf("mcp: server exited during %s", method)
	}
}

// Notify sends a notification; no response is expected.
func (t *StdioTransport) Notify(method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("mcp: not connected")
	}
	notif := jsonrpcNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("mcp: marshal params: %w", err)
		}
		notif.Params = data
	}
	return t.writeLine(notif)
}

func (t *StdioTransport) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("mcp: marshal: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("mcp: write: %w", err)
	}
	return nil
}

func (t *StdioTransport) readLoop(stdout io.Reader) {
	defer t.wg.Done()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		t.dispatch(line)
	}
	if err := scanner.Err(); err != nil {
		t.logger.Error("stdout scanner error", "error", err)
	}
}

// dispatch routes one stdout line to its pending caller. Notifications
// and unparseable lines are logged and dropped.
func (t *StdioTransport) dispatch(line []byte) {
	var resp jsonrpcResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		t.logger.Warn("unparseable server output", "error", err)
		return
	}
	if resp.ID == nil {
		if resp.Method != "" {
			t.logger.Debug("server notification", "method", resp.Method)
		}
		return
	}

	var id int64
	switch v := resp.ID.(type) {
	case float64:
		id = int64(v)
	case int64:
		id = v
	default:
		t.logger.Warn("unexpected response id type", "id", resp.ID)
		return
	}

	t.pendingMu.Lock()
	if ch, ok := t.pending[id]; ok {
		select {
		case ch <- &resp:
		default:
		}
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
}

func (t *StdioTransport) logStderr(stderr io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			t.logger.Debug("server stderr", "message", line)
		}
	}
}

// reap waits for the process, marks the transport dead, and fails every
// pending call.
func (t *StdioTransport) reap() {
	err := t.process.Wait()
	t.connected.Store(false)
	close(t.exited)
	if err != nil {
		t.logger.Info("tool server exited", "error", err)
	}

	t.pendingMu.Lock()
	for id, ch := range t.pending {
		select {
		case ch <- &jsonrpcResponse{Error: &jsonrpcError{
			Code:    -32603,
			Message: "server exited",
		}}:
		default:
		}
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
}
