package loop

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ralph-orchestrator/ralph/internal/adapter"
	"github.com/ralph-orchestrator/ralph/internal/config"
	"github.com/ralph-orchestrator/ralph/internal/coordination"
	"github.com/ralph-orchestrator/ralph/internal/metrics"
	"github.com/ralph-orchestrator/ralph/internal/safety"
)

// scriptedAdapter returns one canned response per call; the last response
// repeats once the script runs out.
type scriptedAdapter struct {
	script []func(req adapter.Request) *adapter.Response
	calls  int
}

func (s *scriptedAdapter) Name() string    { return "stub" }
func (s *scriptedAdapter) Available() bool { return true }

func (s *scriptedAdapter) Execute(_ context.Context, req adapter.Request) (*adapter.Response, error) {
	idx := s.calls
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	s.calls++
	return s.script[idx](req), nil
}

func ok(output string) func(adapter.Request) *adapter.Response {
	return func(adapter.Request) *adapter.Response {
		code := 0
		return &adapter.Response{Success: true, Output: output, ExitCode: &code, DurationSeconds: 0.1}
	}
}

func failing(errText string) func(adapter.Request) *adapter.Response {
	return func(adapter.Request) *adapter.Response {
		code := 1
		return &adapter.Response{Success: false, Output: "", Error: errText, ExitCode: &code, DurationSeconds: 0.1}
	}
}

func newRun(t *testing.T, mutate func(*config.Config)) (*config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "PROMPT.md"), []byte("# Task\ndo the work\n"), 0644))
	cfg := config.Default()
	cfg.MaxIterations = 10
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())
	return cfg, dir
}

func markComplete(t *testing.T, dir string) {
	t.Helper()
	path := filepath.Join(dir, "PROMPT.md")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(data, []byte("\n- [x] TASK_COMPLETE\n")...), 0644))
}

func TestRunCompletesOnMarker(t *testing.T) {
	cfg, dir := newRun(t, nil)
	stub := &scriptedAdapter{}
	stub.script = []func(adapter.Request) *adapter.Response{
		ok("working on it"),
		func(req adapter.Request) *adapter.Response {
			markComplete(t, dir)
			return ok("done, marker written")(req)
		},
	}

	l, err := NewWithAdapter(cfg, dir, nil, stub)
	require.NoError(t, err)
	outcome := l.Run(context.Background())

	assert.Equal(t, StateComplete, outcome.State)
	assert.Equal(t, ExitComplete, outcome.ExitCode)
	assert.Equal(t, 2, outcome.Iterations)
	assert.NotEmpty(t, outcome.MetricsPath)

	// Metrics land on disk with both iterations in order.
	doc, err := metrics.Load(outcome.MetricsPath)
	require.NoError(t, err)
	assert.Equal(t, "Complete", doc.Summary.State)
	require.Len(t, doc.Iterations, 2)
	assert.Equal(t, 1, doc.Iterations[0].Sequence)
	assert.Equal(t, metrics.OutcomeSuccess, doc.Iterations[1].Outcome)
}

func TestRunAbortsOnIterationLimit(t *testing.T) {
	cfg, dir := newRun(t, func(c *config.Config) { c.MaxIterations = 3 })
	stub := &scriptedAdapter{script: []func(adapter.Request) *adapter.Response{ok("still going")}}

	l, err := NewWithAdapter(cfg, dir, nil, stub)
	require.NoError(t, err)
	outcome := l.Run(context.Background())

	assert.Equal(t, StateAborted, outcome.State)
	assert.Equal(t, safety.ReasonIterationLimit, outcome.Reason)
	assert.Equal(t, ExitAbortLimit, outcome.ExitCode)
	assert.Equal(t, 3, outcome.Iterations)
	assert.Equal(t, 3, stub.calls)
}

func TestRunAbortsWhenZeroIterationsAllowed(t *testing.T) {
	cfg, dir := newRun(t, func(c *config.Config) { c.MaxIterations = 0 })
	stub := &scriptedAdapter{script: []func(adapter.Request) *adapter.Response{ok("never invoked")}}

	l, err := NewWithAdapter(cfg, dir, nil, stub)
	require.NoError(t, err)
	outcome := l.Run(context.Background())

	assert.Equal(t, StateAborted, outcome.State)
	assert.Equal(t, safety.ReasonIterationLimit, outcome.Reason)
	assert.Zero(t, stub.calls)
}

func TestRunFailsOnConsecutiveFailures(t *testing.T) {
	cfg, dir := newRun(t, nil)
	stub := &scriptedAdapter{script: []func(adapter.Request) *adapter.Response{failing("compile error")}}

	l, err := NewWithAdapter(cfg, dir, nil, stub)
	require.NoError(t, err)
	outcome := l.Run(context.Background())

	assert.Equal(t, StateFailed, outcome.State)
	assert.Equal(t, reasonFailureStreak, outcome.Reason)
	assert.Equal(t, ExitFailed, outcome.ExitCode)
	assert.Equal(t, 3, outcome.Iterations)
}

func TestFailureStreakResetsOnSuccess(t *testing.T) {
	cfg, dir := newRun(t, func(c *config.Config) { c.MaxIterations = 6 })
	stub := &scriptedAdapter{script: []func(adapter.Request) *adapter.Response{
		failing("flaky"),
		failing("flaky"),
		ok("recovered"),
		failing("flaky"),
		failing("flaky"),
		ok("recovered again"),
	}}

	l, err := NewWithAdapter(cfg, dir, nil, stub)
	require.NoError(t, err)
	outcome := l.Run(context.Background())

	// Streak never reaches three, so the run exhausts iterations instead.
	assert.Equal(t, StateAborted, outcome.State)
	assert.Equal(t, safety.ReasonIterationLimit, outcome.Reason)
	assert.Equal(t, 6, outcome.Iterations)
}

func TestRunAbortsOnRepetitionLoop(t *testing.T) {
	cfg, dir := newRun(t, func(c *config.Config) { c.MaxIterations = 20 })
	stub := &scriptedAdapter{script: []func(adapter.Request) *adapter.Response{
		ok("exactly the same output every single time"),
	}}

	l, err := NewWithAdapter(cfg, dir, nil, stub)
	require.NoError(t, err)
	outcome := l.Run(context.Background())

	assert.Equal(t, StateAborted, outcome.State)
	assert.Equal(t, safety.ReasonRepetitionLoop, outcome.Reason)
	assert.Equal(t, ExitAbortLimit, outcome.ExitCode)
	// k=3 repeats: detected at the guard check after the fourth identical
	// output.
	assert.Equal(t, 4, outcome.Iterations)

	// The first output has nothing to repeat; every later one is flagged,
	// including the final iteration whose repeat trips the guard.
	doc, err := metrics.Load(outcome.MetricsPath)
	require.NoError(t, err)
	require.Len(t, doc.Iterations, 4)
	assert.False(t, doc.Iterations[0].SuspectedLoop)
	for _, it := range doc.Iterations[1:] {
		assert.True(t, it.SuspectedLoop, "iteration %d", it.Sequence)
	}
}

func TestRunAbortsOnCostLimit(t *testing.T) {
	cfg, dir := newRun(t, func(c *config.Config) { c.MaxCost = 0 })
	spent := 1.5
	stub := &scriptedAdapter{script: []func(adapter.Request) *adapter.Response{
		func(adapter.Request) *adapter.Response {
			code := 0
			return &adapter.Response{Success: true, Output: "expensive", Cost: &spent, ExitCode: &code}
		},
	}}

	l, err := NewWithAdapter(cfg, dir, nil, stub)
	require.NoError(t, err)
	outcome := l.Run(context.Background())

	assert.Equal(t, StateAborted, outcome.State)
	assert.Equal(t, safety.ReasonCostLimit, outcome.Reason)
	assert.Equal(t, 1, outcome.Iterations)
	assert.InDelta(t, 1.5, outcome.TotalCost, 1e-9)
}

func TestRunOperatorCancel(t *testing.T) {
	cfg, dir := newRun(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	stub := &scriptedAdapter{script: []func(adapter.Request) *adapter.Response{
		func(req adapter.Request) *adapter.Response {
			cancel()
			return ok("interrupted mid-run")(req)
		},
	}}

	l, err := NewWithAdapter(cfg, dir, nil, stub)
	require.NoError(t, err)
	outcome := l.Run(ctx)

	assert.Equal(t, StateAborted, outcome.State)
	assert.Equal(t, reasonOperatorCancel, outcome.Reason)
	assert.Equal(t, ExitAbortOperator, outcome.ExitCode)
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	cfg, dir := newRun(t, nil)
	stub := &scriptedAdapter{script: []func(adapter.Request) *adapter.Response{failing("timeout")}}

	l, err := NewWithAdapter(cfg, dir, nil, stub)
	require.NoError(t, err)
	outcome := l.Run(context.Background())

	assert.Equal(t, StateFailed, outcome.State)
	doc, err := metrics.Load(outcome.MetricsPath)
	require.NoError(t, err)
	assert.Equal(t, metrics.OutcomeTimeout, doc.Iterations[0].Outcome)
}

func TestOrchestratedRunPass(t *testing.T) {
	cfg, dir := newRun(t, func(c *config.Config) {
		c.EnableOrchestration = true
	})
	// The prompt contains "validate", so selection yields the validator.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "PROMPT.md"),
		[]byte("validate the build output\n"), 0644))

	coordDir := filepath.Join(dir, ".agent", "coordination")
	store := coordination.New(coordDir)
	stub := &scriptedAdapter{}
	stub.script = []func(adapter.Request) *adapter.Response{
		func(req adapter.Request) *adapter.Response {
			// Play the sub-agent: write the result file, then mark done.
			entries, err := os.ReadDir(filepath.Join(coordDir, "prompts"))
			require.NoError(t, err)
			for _, e := range entries {
				id := strings.TrimSuffix(e.Name(), ".md")
				require.NoError(t, store.WriteResult(id, &coordination.Result{
					SubAgentType: "validator",
					Success:      true,
					Output:       "ok",
					ReturnCode:   0,
				}))
			}
			markComplete(t, dir)
			return ok("round done")(req)
		},
	}

	l, err := NewWithAdapter(cfg, dir, nil, stub)
	require.NoError(t, err)
	outcome := l.Run(context.Background())

	assert.Equal(t, StateComplete, outcome.State)

	doc, err := metrics.Load(outcome.MetricsPath)
	require.NoError(t, err)
	require.NotNil(t, doc.Orchestration)
	assert.True(t, doc.Orchestration.Enabled)
	require.NotNil(t, doc.Orchestration.Results)
	assert.Equal(t, "PASS", doc.Orchestration.Results.Verdict)
	assert.Equal(t, "1 passed, 0 failed", doc.Orchestration.Results.Summary)
}

func TestValidationGate(t *testing.T) {
	t.Run("passing evidence completes", func(t *testing.T) {
		cfg, dir := newRun(t, func(c *config.Config) { c.EnableValidation = true })
		evidence := filepath.Join(dir, "validation-evidence", "phase-1")
		require.NoError(t, os.MkdirAll(evidence, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(evidence, "report.json"),
			[]byte(`{"status":"ok","checks":4}`), 0644))

		stub := &scriptedAdapter{script: []func(adapter.Request) *adapter.Response{
			func(req adapter.Request) *adapter.Response {
				markComplete(t, dir)
				return ok("done")(req)
			},
		}}
		l, err := NewWithAdapter(cfg, dir, nil, stub)
		require.NoError(t, err)
		outcome := l.Run(context.Background())
		assert.Equal(t, StateComplete, outcome.State)
	})

	t.Run("failing evidence exhausts retries", func(t *testing.T) {
		cfg, dir := newRun(t, func(c *config.Config) {
			c.EnableValidation = true
			c.MaxValidationRetries = 1
		})
		evidence := filepath.Join(dir, "validation-evidence")
		require.NoError(t, os.MkdirAll(evidence, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(evidence, "report.json"),
			[]byte(`{"error":"checks incomplete"}`), 0644))

		stub := &scriptedAdapter{script: []func(adapter.Request) *adapter.Response{
			func(req adapter.Request) *adapter.Response {
				markComplete(t, dir)
				return ok("claims done")(req)
			},
			ok("retrying"),
			func(req adapter.Request) *adapter.Response {
				return ok("claims done again")(req)
			},
		}}
		l, err := NewWithAdapter(cfg, dir, nil, stub)
		require.NoError(t, err)
		outcome := l.Run(context.Background())

		assert.Equal(t, StateFailed, outcome.State)
		assert.Equal(t, reasonEvidenceRejected, outcome.Reason)
		assert.Equal(t, ExitFailed, outcome.ExitCode)
	})

	t.Run("empty evidence fails when strict", func(t *testing.T) {
		cfg, dir := newRun(t, func(c *config.Config) {
			c.EnableValidation = true
			c.MaxValidationRetries = 0
			c.FailOnEmptyEvidence = true
		})
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "validation-evidence"), 0755))

		stub := &scriptedAdapter{script: []func(adapter.Request) *adapter.Response{
			func(req adapter.Request) *adapter.Response {
				markComplete(t, dir)
				return ok("done")(req)
			},
		}}
		l, err := NewWithAdapter(cfg, dir, nil, stub)
		require.NoError(t, err)
		outcome := l.Run(context.Background())
		assert.Equal(t, StateFailed, outcome.State)
	})
}

func TestCheckpointsWrittenAndPruned(t *testing.T) {
	cfg, dir := newRun(t, func(c *config.Config) {
		c.MaxIterations = 5
		c.CheckpointDepth = 2
	})
	stub := &scriptedAdapter{script: []func(adapter.Request) *adapter.Response{ok("loop")}}

	l, err := NewWithAdapter(cfg, dir, nil, stub)
	require.NoError(t, err)
	_ = l.Run(context.Background())

	entries, err := os.ReadDir(filepath.Join(dir, ".agent", "checkpoints"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestWorkspaceScaffolding(t *testing.T) {
	cfg, dir := newRun(t, nil)
	stub := &scriptedAdapter{script: []func(adapter.Request) *adapter.Response{
		func(req adapter.Request) *adapter.Response {
			markComplete(t, dir)
			return ok("done")(req)
		},
	}}

	l, err := NewWithAdapter(cfg, dir, nil, stub)
	require.NoError(t, err)
	_ = l.Run(context.Background())

	// Scratchpad seeded, progress journal appended.
	scratch, err := os.ReadFile(filepath.Join(dir, ".agent", "scratchpad.md"))
	require.NoError(t, err)
	assert.Contains(t, string(scratch), "Scratchpad")

	progress, err := os.ReadFile(filepath.Join(dir, ".agent", "progress.md"))
	require.NoError(t, err)
	assert.Contains(t, string(progress), "iteration 1")
}

func TestNewRejectsMissingPrompt(t *testing.T) {
	cfg := config.Default()
	dir := t.TempDir() // no PROMPT.md
	_, err := NewWithAdapter(cfg, dir, nil, &scriptedAdapter{script: []func(adapter.Request) *adapter.Response{ok("")}})
	assert.Error(t, err)
}

func TestPauseAndResume(t *testing.T) {
	cfg, dir := newRun(t, func(c *config.Config) { c.MaxIterations = 2 })
	stub := &scriptedAdapter{script: []func(adapter.Request) *adapter.Response{ok("tick")}}

	l, err := NewWithAdapter(cfg, dir, nil, stub)
	require.NoError(t, err)

	l.Pause()
	done := make(chan *Outcome, 1)
	go func() { done <- l.Run(context.Background()) }()

	// The loop parks in Paused without invoking the agent.
	assert.Eventually(t, func() bool { return l.State() == StatePaused }, time.Second, 10*time.Millisecond)
	assert.Zero(t, stub.calls)

	l.Resume()
	outcome := <-done
	assert.Equal(t, StateAborted, outcome.State)
	assert.Equal(t, 2, outcome.Iterations)
}
