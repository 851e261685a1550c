// Package adapter provides a uniform interface over the external coding
// agents the supervisor can drive. Each variant spawns one agent subprocess
// per invocation (the ACP variant keeps a persistent child), captures output
// with a byte cap, and enforces the caller's deadline with terminate-then-
// kill semantics so no orphaned child survives an iteration.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownAgent indicates an unrecognized adapter tag.
	ErrUnknownAgent = errors.New("unknown agent tag")

	// ErrUnavailable indicates no requested agent binary could be found.
	ErrUnavailable = errors.New("agent unavailable")
)

// errTimeout is the canonical error string for deadline expiry and
// cancellation, per the adapter contract.
const errTimeout = "timeout"

// Response is the typed result of one agent invocation. Nil pointer fields
// mean the agent did not report that quantity.
type Response struct {
	Success         bool     `json:"success"`
	Output          string   `json:"output"`
	Error           string   `json:"error"`
	TokensIn        *int64   `json:"tokens_in"`
	TokensOut       *int64   `json:"tokens_out"`
	Cost            *float64 `json:"cost"`
	DurationSeconds float64  `json:"duration_seconds"`
	ExitCode        *int     `json:"exit_code"`
}

// Request carries one invocation's inputs. The prompt is always passed to
// the child as a positional argument, never through a shell.
type Request struct {
	Prompt     string
	PromptFile string
	WorkDir    string
	// Timeout bounds the invocation. The loop always supplies one; a zero
	// value falls back to the adapter's configured default.
	Timeout time.Duration
}

// Adapter is the interface the loop consumes.
type Adapter interface {
	// Name returns the adapter tag.
	Name() string
	// Available is a cheap check that the agent can be invoked at all.
	Available() bool
	// Execute runs the agent with the prompt and blocks until it finishes,
	// times out, or ctx is canceled. Infrastructure failures (cannot spawn)
	// return an error; agent failures return a Response with Success=false.
	Execute(ctx context.Context, req Request) (*Response, error)
}

// Options configures adapter construction.
type Options struct {
	// MaxOutputBytes caps captured stdout/stderr (default 10 MiB).
	MaxOutputBytes int64
	// DefaultTimeout applies when a request carries none.
	DefaultTimeout time.Duration
	// TerminateGrace is how long a child gets between SIGTERM and SIGKILL.
	TerminateGrace time.Duration

	// ACP variant settings.
	ACPCommand        string
	ACPPermissionMode string
	ACPAllowedTools   []string
}

func (o Options) withDefaults() Options {
	if o.MaxOutputBytes <= 0 {
		o.MaxOutputBytes = 10 * 1024 * 1024
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 10 * time.Minute
	}
	if o.TerminateGrace <= 0 {
		o.TerminateGrace = 5 * time.Second
	}
	return o
}

// New constructs the adapter for a concrete tag.
func New(tag string, opts Options) (Adapter, error) {
	opts = opts.withDefaults()
	switch tag {
	case "claude":
		return &claudeAdapter{opts: opts}, nil
	case "gemini":
		return &geminiAdapter{opts: opts}, nil
	case "qchat":
		return &qchatAdapter{opts: opts}, nil
	case "acp":
		return newACPAdapter(opts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, tag)
	}
}

// Resolve maps a configured tag to a concrete adapter. The "auto" tag picks
// the first available adapter in a fixed preference order.
func Resolve(tag string, opts Options) (Adapter, error) {
	if tag != "auto" {
		a, err := New(tag, opts)
		if err != nil {
			return nil, err
		}
		if !a.Available() {
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, tag)
		}
		return a, nil
	}

	for _, candidate := range []string{"claude", "gemini", "qchat"} {
		a, err := New(candidate, opts)
		if err != nil {
			return nil, err
		}
		if a.Available() {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: no agent found on PATH (tried claude, gemini, qchat)", ErrUnavailable)
}
