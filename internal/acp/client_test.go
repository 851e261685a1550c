package acp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent is a shell script speaking just enough of the protocol to
// exercise call correlation, notifications, and agent-initiated requests.
const fakeAgent = `#!/bin/sh
while read line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  case "$line" in
    *'"method":"ping"'*)
      printf '{"jsonrpc":"2.0","id":%s,"result":{"pong":true}}\n' "$id"
      ;;
    *'"method":"emit"'*)
      printf '{"jsonrpc":"2.0","method":"session/update","params":{"text":"hello from agent"}}\n'
      printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id"
      ;;
    *'"method":"ask"'*)
      printf '{"jsonrpc":"2.0","id":99,"method":"session/request_permission","params":{"tool_name":"write_file"}}\n'
      printf '{"jsonrpc":"2.0","id":%s,"result":{}}\n' "$id"
      ;;
    *'"method":"boom"'*)
      printf '{"jsonrpc":"2.0","id":%s,"error":{"code":-32000,"message":"kaput"}}\n' "$id"
      ;;
  esac
done
`

func startFakeAgent(t *testing.T) *Client {
	t.Helper()
	script := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(script, []byte(fakeAgent), 0755))
	c, err := Start("/bin/sh "+script, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(2 * time.Second) })
	return c
}

func TestCallResponseCorrelation(t *testing.T) {
	c := startFakeAgent(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var result struct {
		Pong bool `json:"pong"`
	}
	require.NoError(t, c.Call(ctx, "ping", nil, &result))
	assert.True(t, result.Pong)

	// Second call gets a fresh ID and still correlates.
	result.Pong = false
	require.NoError(t, c.Call(ctx, "ping", nil, &result))
	assert.True(t, result.Pong)
}

func TestNotificationDispatch(t *testing.T) {
	c := startFakeAgent(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var got []string
	c.OnNotification("session/update", func(method string, params json.RawMessage) {
		var p struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(params, &p)
		mu.Lock()
		got = append(got, p.Text)
		mu.Unlock()
	})

	require.NoError(t, c.Call(ctx, "emit", nil, nil))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "hello from agent", got[0])
}

func TestAgentInitiatedRequest(t *testing.T) {
	c := startFakeAgent(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	policy := &Policy{Mode: PermissionAutoApprove}
	c.SetResponder(policy.Responder(context.Background()))

	require.NoError(t, c.Call(ctx, "ask", nil, nil))
}

func TestRPCErrorSurfaces(t *testing.T) {
	c := startFakeAgent(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Call(ctx, "boom", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaput")
}

func TestCallAfterClose(t *testing.T) {
	c := startFakeAgent(t)
	require.NoError(t, c.Close(time.Second))
	err := c.Call(context.Background(), "ping", nil, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseWithInFlightCall(t *testing.T) {
	c := startFakeAgent(t)

	errCh := make(chan error, 1)
	go func() {
		// The fake agent never answers this method, so the call is pending
		// when Close tears the client down.
		errCh <- c.Call(context.Background(), "never_answered", nil, nil)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Close(time.Second))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight call did not unblock on close")
	}
}

func TestConcurrentCallsAndClose(t *testing.T) {
	// Responses racing a teardown must never panic; losers see ErrClosed or
	// their normal reply.
	for i := 0; i < 5; i++ {
		c := startFakeAgent(t)
		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = c.Call(ctx, "ping", nil, nil)
			}()
		}
		time.Sleep(time.Millisecond)
		require.NoError(t, c.Close(time.Second))
		wg.Wait()
	}
}

func TestCallContextTimeout(t *testing.T) {
	c := startFakeAgent(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	// The fake agent ignores unknown methods, so this must time out.
	err := c.Call(ctx, "never_answered", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type cannedPrompter struct {
	answer bool
	asked  int
}

func (p *cannedPrompter) Confirm(string) (bool, error) {
	p.asked++
	return p.answer, nil
}

func TestPolicyDecide(t *testing.T) {
	req := PermissionRequest{ToolName: "write_file"}
	ctx := context.Background()

	t.Run("auto approve", func(t *testing.T) {
		p := &Policy{Mode: PermissionAutoApprove}
		assert.True(t, p.Decide(ctx, req).Approved)
	})

	t.Run("deny all", func(t *testing.T) {
		p := &Policy{Mode: PermissionDenyAll}
		assert.False(t, p.Decide(ctx, req).Approved)
	})

	t.Run("allowlist hit and miss", func(t *testing.T) {
		p := &Policy{Mode: PermissionAllowlist, Allowlist: []string{"Write_File"}}
		assert.True(t, p.Decide(ctx, req).Approved)
		assert.False(t, p.Decide(ctx, PermissionRequest{ToolName: "rm_rf"}).Approved)
	})

	t.Run("ask consults operator", func(t *testing.T) {
		prompter := &cannedPrompter{answer: true}
		p := &Policy{Mode: PermissionAsk, Prompter: prompter}
		assert.True(t, p.Decide(ctx, req).Approved)
		assert.Equal(t, 1, prompter.asked)

		prompter.answer = false
		assert.False(t, p.Decide(ctx, req).Approved)
	})

	t.Run("canceled context denies without prompting", func(t *testing.T) {
		canceled, cancel := context.WithCancel(context.Background())
		cancel()
		prompter := &cannedPrompter{answer: true}
		p := &Policy{Mode: PermissionAsk, Prompter: prompter}
		out := p.Decide(canceled, req)
		assert.False(t, out.Approved)
		assert.Zero(t, prompter.asked)
	})
}
