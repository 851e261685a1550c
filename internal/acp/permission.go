package acp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/chzyer/readline"
)

// PermissionMode is the policy for agent-initiated tool calls.
type PermissionMode string

const (
	PermissionAutoApprove PermissionMode = "auto-approve"
	PermissionAsk         PermissionMode = "ask"
	PermissionDenyAll     PermissionMode = "deny-all"
	PermissionAllowlist   PermissionMode = "allowlist"
)

// PermissionRequest is the payload of a session/request_permission call.
type PermissionRequest struct {
	ToolName    string `json:"tool_name"`
	Description string `json:"description,omitempty"`
}

// PermissionOutcome is sent back to the agent.
type PermissionOutcome struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Prompter asks the operator for a yes/no decision. The production form
// reads from the terminal; tests substitute a canned answer.
type Prompter interface {
	Confirm(question string) (bool, error)
}

// ReadlinePrompter prompts on the controlling terminal.
type ReadlinePrompter struct {
	mu sync.Mutex
}

// Confirm asks the question and accepts y/yes/n/no.
func (p *ReadlinePrompter) Confirm(question string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          question + " [y/N]: ",
		InterruptPrompt: "^C",
	})
	if err != nil {
		return false, fmt.Errorf("creating readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			// Interrupt or EOF reads as a denial.
			return false, nil
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		case "n", "no", "":
			return false, nil
		}
	}
}

// Policy decides permission requests under a configured mode.
type Policy struct {
	Mode      PermissionMode
	Allowlist []string
	Prompter  Prompter
}

// Decide evaluates one permission request. A canceled ctx answers "deny"
// without consulting the operator, so shutdown never blocks on a prompt.
func (p *Policy) Decide(ctx context.Context, req PermissionRequest) PermissionOutcome {
	if ctx.Err() != nil {
		return PermissionOutcome{Approved: false, Reason: "run canceled"}
	}
	switch p.Mode {
	case PermissionAutoApprove:
		return PermissionOutcome{Approved: true}
	case PermissionDenyAll:
		return PermissionOutcome{Approved: false, Reason: "deny-all policy"}
	case PermissionAllowlist:
		for _, tool := range p.Allowlist {
			if strings.EqualFold(tool, req.ToolName) {
				return PermissionOutcome{Approved: true}
			}
		}
		return PermissionOutcome{Approved: false, Reason: fmt.Sprintf("tool %q not in allowlist", req.ToolName)}
	case PermissionAsk:
		if p.Prompter == nil {
			return PermissionOutcome{Approved: false, Reason: "no operator available"}
		}
		question := fmt.Sprintf("Agent requests tool %q", req.ToolName)
		if req.Description != "" {
			question += " (" + req.Description + ")"
		}
		ok, err := p.Prompter.Confirm(question)
		if err != nil || !ok {
			return PermissionOutcome{Approved: false, Reason: "operator denied"}
		}
		return PermissionOutcome{Approved: true}
	default:
		return PermissionOutcome{Approved: false, Reason: fmt.Sprintf("unknown permission mode %q", p.Mode)}
	}
}

// Responder adapts the policy to the client's request hook.
func (p *Policy) Responder(runCtx context.Context) RequestResponder {
	return func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		if method != "session/request_permission" {
			return nil, fmt.Errorf("unsupported agent request %q", method)
		}
		var req PermissionRequest
		if len(params) > 0 {
			if err := json.Unmarshal(params, &req); err != nil {
				return nil, fmt.Errorf("decoding permission request: %w", err)
			}
		}
		return p.Decide(runCtx, req), nil
	}
}
