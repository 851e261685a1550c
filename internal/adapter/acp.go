package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ralph-orchestrator/ralph/internal/acp"
)

// acpAdapter drives a persistent agent over the stdio protocol. The child
// is started lazily on first Execute and survives across iterations; a
// timed-out prompt tears it down so the next iteration gets a fresh
// process.
type acpAdapter struct {
	opts Options

	mu      sync.Mutex
	client  *acp.Client
	session string

	outMu  sync.Mutex
	output *strings.Builder
}

func newACPAdapter(opts Options) (Adapter, error) {
	if strings.TrimSpace(opts.ACPCommand) == "" {
		return nil, errors.New("acp agent requires a command")
	}
	return &acpAdapter{opts: opts}, nil
}

func (a *acpAdapter) Name() string { return "acp" }

func (a *acpAdapter) Available() bool {
	parts := strings.Fields(a.opts.ACPCommand)
	return len(parts) > 0 && binaryOnPath(parts[0])
}

// Execute sends one prompt turn to the persistent agent. Streamed
// session/update notifications accumulate into the response output.
func (a *acpAdapter) Execute(ctx context.Context, req Request) (*Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.ensureStarted(ctx, req.WorkDir); err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = a.opts.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	a.outMu.Lock()
	a.output = &strings.Builder{}
	a.outMu.Unlock()

	start := time.Now()
	var result struct {
		StopReason string `json:"stop_reason"`
		Usage      *struct {
			InputTokens  *int64 `json:"input_tokens"`
			OutputTokens *int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	err := a.client.Call(callCtx, "session/prompt", map[string]interface{}{
		"session_id": a.session,
		"prompt":     req.Prompt,
	}, &result)
	duration := time.Since(start).Seconds()

	a.outMu.Lock()
	captured := a.output.String()
	a.output = nil
	a.outMu.Unlock()

	resp := &Response{
		Output:          capOutput(captured, a.opts.MaxOutputBytes),
		DurationSeconds: duration,
	}

	switch {
	case err == nil:
		resp.Success = true
		if result.Usage != nil {
			resp.TokensIn = result.Usage.InputTokens
			resp.TokensOut = result.Usage.OutputTokens
		}
	case errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil:
		// A hung agent is unrecoverable mid-session; drop the child so the
		// next iteration starts clean.
		a.teardownLocked()
		resp.Success = false
		resp.Error = errTimeout
	case errors.Is(err, acp.ErrClosed):
		a.teardownLocked()
		resp.Success = false
		resp.Error = "agent exited mid-session"
	default:
		resp.Success = false
		resp.Error = err.Error()
	}
	return resp, nil
}

// ensureStarted spawns the agent and runs the initialize / session handshake
// once per child lifetime.
func (a *acpAdapter) ensureStarted(ctx context.Context, workDir string) error {
	if a.client != nil {
		return nil
	}

	client, err := acp.Start(a.opts.ACPCommand, workDir)
	if err != nil {
		return fmt.Errorf("starting acp agent: %w", err)
	}

	policy := &acp.Policy{
		Mode:      acp.PermissionMode(a.opts.ACPPermissionMode),
		Allowlist: a.opts.ACPAllowedTools,
		Prompter:  &acp.ReadlinePrompter{},
	}
	if policy.Mode == "" {
		policy.Mode = acp.PermissionAutoApprove
	}
	client.SetResponder(policy.Responder(ctx))
	client.OnNotification("session/update", a.onUpdate)

	handshakeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := client.Call(handshakeCtx, "initialize", map[string]interface{}{
		"protocol_version": 1,
		"client_info":      map[string]string{"name": "ralph"},
	}, nil); err != nil {
		_ = client.Close(a.opts.TerminateGrace)
		return fmt.Errorf("acp initialize: %w", err)
	}

	var session struct {
		SessionID string `json:"session_id"`
	}
	if err := client.Call(handshakeCtx, "session/new", map[string]interface{}{
		"cwd": workDir,
	}, &session); err != nil {
		_ = client.Close(a.opts.TerminateGrace)
		return fmt.Errorf("acp session/new: %w", err)
	}

	a.client = client
	a.session = session.SessionID
	return nil
}

// onUpdate runs on the client's read loop; it appends any textual content
// of a session/update notification to the in-flight output buffer.
func (a *acpAdapter) onUpdate(_ string, params json.RawMessage) {
	var p struct {
		Text   string `json:"text"`
		Update *struct {
			Content *struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"update"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	text := p.Text
	if text == "" && p.Update != nil && p.Update.Content != nil {
		text = p.Update.Content.Text
	}
	if text == "" {
		return
	}

	a.outMu.Lock()
	defer a.outMu.Unlock()
	if a.output != nil {
		a.output.WriteString(text)
	}
}

func (a *acpAdapter) teardownLocked() {
	if a.client != nil {
		_ = a.client.Close(a.opts.TerminateGrace)
		a.client = nil
		a.session = ""
	}
}

// Close shuts the persistent child down. The loop calls this on exit.
func (a *acpAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.teardownLocked()
	return nil
}

func capOutput(s string, limit int64) string {
	if limit <= 0 || int64(len(s)) <= limit {
		return s
	}
	return s[:limit] + "\n[... output truncated: capture limit reached ...]"
}
