package adapter

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// cappedBuffer accumulates writes up to a byte limit, then drops the rest
// and remembers that it truncated.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       strings.Builder
	limit     int64
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.limit - int64(b.buf.Len())
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n[... output truncated: capture limit reached ...]"
	}
	return b.buf.String()
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// runProcess spawns the agent command, waits for it under the request
// deadline, and always reaps the child. On deadline expiry or cancellation
// the child receives SIGTERM, then SIGKILL after the grace window.
func runProcess(ctx context.Context, opts Options, timeout time.Duration, name string, args []string, dir string) (*Response, error) {
	if timeout <= 0 {
		timeout = opts.DefaultTimeout
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	stdout := &cappedBuffer{limit: opts.MaxOutputBytes}
	stderr := &cappedBuffer{limit: opts.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Own process group so terminate/kill reaches the agent's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	timedOut := false

	select {
	case waitErr = <-waitCh:
	case <-timer.C:
		timedOut = true
		waitErr = terminateAndReap(cmd, opts.TerminateGrace, waitCh)
	case <-ctx.Done():
		// Cancellation behaves as timeout.
		timedOut = true
		waitErr = terminateAndReap(cmd, opts.TerminateGrace, waitCh)
	}

	resp := &Response{
		Output:          stdout.String(),
		DurationSeconds: time.Since(start).Seconds(),
	}

	if timedOut {
		resp.Success = false
		resp.Error = errTimeout
		if code, ok := exitCode(waitErr); ok {
			resp.ExitCode = &code
		}
		return resp, nil
	}

	code := 0
	if waitErr != nil {
		if c, ok := exitCode(waitErr); ok {
			code = c
		} else {
			code = -1
		}
	}
	resp.ExitCode = &code

	errText := strings.TrimSpace(stderr.String())
	if code == 0 {
		// A clean exit keeps stderr out of the error field; agents chat on
		// stderr freely.
		resp.Success = true
	} else {
		resp.Success = false
		if errText != "" {
			resp.Error = errText
		} else {
			resp.Error = "agent exited nonzero"
		}
	}
	return resp, nil
}

// terminateAndReap sends SIGTERM to the process group, escalates to SIGKILL
// after the grace window, and waits until the child is reaped.
func terminateAndReap(cmd *exec.Cmd, grace time.Duration, waitCh chan error) error {
	if cmd.Process == nil {
		return <-waitCh
	}
	// Negative pid signals the whole process group.
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()

	select {
	case err := <-waitCh:
		return err
	case <-graceTimer.C:
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		return <-waitCh
	}
}

func exitCode(err error) (int, bool) {
	if err == nil {
		return 0, true
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), true
	}
	return 0, false
}

// binaryOnPath reports whether name resolves to an executable.
func binaryOnPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
