// Package acp implements the client side of a JSON-RPC-2.0-over-stdio agent
// protocol. The client owns one persistent child process, correlates
// requests to responses by monotonically increasing ID, dispatches
// asynchronous notifications to registered handlers, and answers
// agent-initiated requests (tool permission checks) through a pluggable
// responder.
package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrClosed indicates the client has shut down and can take no more calls.
var ErrClosed = errors.New("acp client closed")

// maxLineBytes bounds a single protocol line; agents streaming large file
// contents stay under this in practice.
const maxLineBytes = 16 * 1024 * 1024

// message is the JSON-RPC 2.0 envelope, covering requests, responses, and
// notifications.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NotificationHandler receives asynchronous agent notifications.
type NotificationHandler func(method string, params json.RawMessage)

// RequestResponder answers agent-initiated requests. It returns the result
// payload or an error that is relayed as a JSON-RPC error.
type RequestResponder func(ctx context.Context, method string, params json.RawMessage) (interface{}, error)

// Client drives one agent child process.
type Client struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu        sync.Mutex
	nextID    int64
	pending   map[int64]chan *message
	notify    map[string]NotificationHandler
	responder RequestResponder
	closed    bool

	readerDone chan struct{}
}

// Start spawns command (split on whitespace, no shell) and begins the
// message loop on its stdio.
func Start(command, workDir string) (*Client, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, errors.New("acp command is empty")
	}
	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Dir = workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting acp agent: %w", err)
	}

	c := &Client{
		cmd:        cmd,
		stdin:      stdin,
		pending:    make(map[int64]chan *message),
		notify:     make(map[string]NotificationHandler),
		readerDone: make(chan struct{}),
	}
	go c.readLoop(stdout)
	return c, nil
}

// OnNotification registers a handler for an agent notification method.
// Handlers run on the read loop goroutine; they must not block.
func (c *Client) OnNotification(method string, h NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify[method] = h
}

// SetResponder installs the handler for agent-initiated requests.
func (c *Client) SetResponder(r RequestResponder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responder = r
}

// Call sends a request and blocks until the agent responds, ctx expires, or
// the client closes. A non-nil result is unmarshaled from the response.
func (c *Client) Call(ctx context.Context, method string, params, result interface{}) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *message, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(message{JSONRPC: "2.0", ID: &id, Method: method, Params: marshalParams(params)}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decoding %s result: %w", method, err)
			}
		}
		return nil
	}
}

// Notify sends a notification (no response expected).
func (c *Client) Notify(method string, params interface{}) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()
	return c.send(message{JSONRPC: "2.0", Method: method, Params: marshalParams(params)})
}

// Close tears the child down: stdin is closed to signal shutdown, then the
// process group is terminated and, after the grace window, killed. The child
// is always reaped.
func (c *Client) Close(grace time.Duration) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	_ = c.stdin.Close()

	waitCh := make(chan error, 1)
	go func() { waitCh <- c.cmd.Wait() }()

	select {
	case <-waitCh:
	case <-time.After(grace):
		if c.cmd.Process != nil {
			_ = syscall.Kill(-c.cmd.Process.Pid, syscall.SIGTERM)
		}
		select {
		case <-waitCh:
		case <-time.After(grace):
			if c.cmd.Process != nil {
				_ = syscall.Kill(-c.cmd.Process.Pid, syscall.SIGKILL)
			}
			<-waitCh
		}
	}
	<-c.readerDone
	return nil
}

func (c *Client) send(msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Method, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing to agent: %w", err)
	}
	return nil
}

func (c *Client) readLoop(stdout io.Reader) {
	defer close(c.readerDone)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue // Non-protocol noise on stdout is tolerated.
		}
		c.dispatch(&msg)
	}

	// EOF: fail all pending calls.
	c.mu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) dispatch(msg *message) {
	switch {
	case msg.ID != nil && msg.Method != "":
		// Agent-initiated request (e.g. permission check).
		c.handleRequest(msg)
	case msg.ID != nil:
		// The send happens under the lock, with the entry removed first, so
		// a concurrent Close can never close a channel this path is about to
		// send on. The channel is buffered, so the send cannot block.
		c.mu.Lock()
		ch, ok := c.pending[*msg.ID]
		if ok {
			delete(c.pending, *msg.ID)
			ch <- msg
		}
		c.mu.Unlock()
	case msg.Method != "":
		c.mu.Lock()
		h := c.notify[msg.Method]
		c.mu.Unlock()
		if h != nil {
			h(msg.Method, msg.Params)
		}
	}
}

func (c *Client) handleRequest(msg *message) {
	c.mu.Lock()
	responder := c.responder
	c.mu.Unlock()

	reply := message{JSONRPC: "2.0", ID: msg.ID}
	if responder == nil {
		reply.Error = &rpcError{Code: -32601, Message: "no responder registered"}
	} else {
		result, err := responder(context.Background(), msg.Method, msg.Params)
		if err != nil {
			reply.Error = &rpcError{Code: -32000, Message: err.Error()}
		} else {
			reply.Result = marshalParams(result)
		}
	}
	_ = c.send(reply)
}

func marshalParams(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
