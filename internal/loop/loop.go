// Package loop is the supervisor: it drives the iteration state machine,
// consulting the safety guard before each iteration, invoking the agent
// (directly or through the orchestrator), and deciding when the run is
// complete, aborted, or failed.
package loop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ralph-orchestrator/ralph/internal/adapter"
	"github.com/ralph-orchestrator/ralph/internal/checkpoint"
	"github.com/ralph-orchestrator/ralph/internal/completion"
	"github.com/ralph-orchestrator/ralph/internal/config"
	"github.com/ralph-orchestrator/ralph/internal/coordination"
	"github.com/ralph-orchestrator/ralph/internal/cost"
	"github.com/ralph-orchestrator/ralph/internal/logging"
	"github.com/ralph-orchestrator/ralph/internal/metrics"
	"github.com/ralph-orchestrator/ralph/internal/orchestrator"
	"github.com/ralph-orchestrator/ralph/internal/promptctx"
	"github.com/ralph-orchestrator/ralph/internal/safety"
	"github.com/ralph-orchestrator/ralph/internal/validation"
)

// State is the supervisor's lifecycle state.
type State string

const (
	StateInitializing State = "Initializing"
	StateRunning      State = "Running"
	StatePaused       State = "Paused"
	StateCompleting   State = "Completing"
	StateValidating   State = "Validating"
	StateComplete     State = "Complete"
	StateAborted      State = "Aborted"
	StateFailed       State = "Failed"
)

// Process exit codes for each terminal verdict.
const (
	ExitComplete      = 0
	ExitFailed        = 1
	ExitAbortLimit    = 2
	ExitAbortOperator = 3
	ExitConfigError   = 4
)

// reason strings for terminal outcomes beyond the guard's own.
const (
	reasonOperatorCancel   = "operator_cancel"
	reasonFailureStreak    = "failure_streak"
	reasonEvidenceRejected = "evidence_rejected"
)

// Outcome is the terminal result of one run.
type Outcome struct {
	State       State
	Reason      string
	ExitCode    int
	Iterations  int
	TotalCost   float64
	MetricsPath string
	LogPath     string
}

// Loop owns every component of one run.
type Loop struct {
	cfg *config.Config
	ws  Workspace
	log *logging.Logger

	agent     adapter.Adapter
	guard     *safety.Guard
	tracker   *cost.Tracker
	recorder  *metrics.Recorder
	ctxmgr    *promptctx.ContextManager
	detector  *completion.Detector
	ckpt      *checkpoint.Manager
	orch      *orchestrator.Orchestrator
	validator *validation.Validator

	mu     sync.Mutex
	state  State
	paused bool
	resume chan struct{}

	start               time.Time
	consecutiveFailures int
	priorOutputs        []string
	validationAttempts  int
}

// New assembles a loop for the run directory, resolving the configured
// agent tag to a concrete adapter. Errors here are configuration errors;
// callers map them to exit code 4.
func New(cfg *config.Config, runDir string, log *logging.Logger) (*Loop, error) {
	if log == nil {
		log = logging.Discard()
	}
	agent, err := adapter.Resolve(cfg.Agent, adapter.Options{
		MaxOutputBytes:    cfg.MaxOutputBytes,
		DefaultTimeout:    cfg.AdapterTimeout(),
		ACPCommand:        cfg.ACP.Command,
		ACPPermissionMode: cfg.ACP.PermissionMode,
		ACPAllowedTools:   cfg.ACP.AllowedTools,
	})
	if err != nil {
		return nil, err
	}
	log.Infof("resolved agent %s", agent.Name())
	return NewWithAdapter(cfg, runDir, log, agent)
}

// NewWithAdapter assembles a loop around an already-constructed adapter.
func NewWithAdapter(cfg *config.Config, runDir string, log *logging.Logger, agent adapter.Adapter) (*Loop, error) {
	if log == nil {
		log = logging.Discard()
	}
	ws := Workspace{Root: runDir}
	if err := ws.Ensure(); err != nil {
		return nil, err
	}

	promptPath := cfg.PromptFile
	if !filepath.IsAbs(promptPath) {
		promptPath = filepath.Join(ws.Root, promptPath)
	}
	if _, err := os.Stat(promptPath); err != nil {
		return nil, fmt.Errorf("prompt file %s: %w", promptPath, err)
	}

	detector, err := completion.New(cfg.CompletionMarker, cfg.CompletionRegex)
	if err != nil {
		return nil, err
	}

	stablePrefix := cfg.Context.StablePrefix
	if stablePrefix == "" {
		stablePrefix = "A scratchpad for working notes is available at .agent/scratchpad.md."
	}
	ctxmgr, err := promptctx.New(promptPath, ws.TaskListPath(), stablePrefix, promptctx.Caps{
		Dynamic: cfg.Context.DynamicCap,
		Errors:  cfg.Context.ErrorCap,
		Success: cfg.Context.SuccessCap,
	})
	if err != nil {
		return nil, err
	}

	ckpt := checkpoint.New(promptPath, ws.CheckpointsDir(), cfg.CheckpointDepth)
	if cfg.CheckpointGitSnapshot && cfg.GitSnapshotCommand != "" {
		ckpt.SetSnapshotCommand(cfg.GitSnapshotCommand, runDir)
	}

	l := &Loop{
		cfg:      cfg,
		ws:       ws,
		log:      log,
		agent:    agent,
		detector: detector,
		ctxmgr:   ctxmgr,
		ckpt:     ckpt,
		tracker:  cost.NewTracker(),
		recorder: metrics.NewRecorder(),
		guard: safety.NewGuard(safety.Limits{
			MaxIterations:          cfg.MaxIterations,
			MaxRuntime:             cfg.MaxRuntime(),
			MaxCost:                cfg.MaxCost,
			MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
			SimilarityThreshold:    cfg.LoopSimilarityThreshold,
			LoopDetectionK:         cfg.LoopDetectionK,
			Window:                 cfg.LoopDetectionWindow,
		}),
		state:  StateInitializing,
		resume: make(chan struct{}, 1),
	}

	if cfg.EnableOrchestration {
		store := coordination.New(ws.CoordinationDir())
		var catalog orchestrator.ToolCatalog = orchestrator.PermissiveCatalog()
		if len(cfg.AvailableTools) > 0 {
			catalog = orchestrator.StaticCatalog(cfg.AvailableTools)
		}
		l.orch = orchestrator.New(agent, store, catalog, cfg.MaxParallelSubagents)
	}
	if cfg.EnableValidation {
		evidenceDir := cfg.EvidenceDir
		if !filepath.IsAbs(evidenceDir) {
			evidenceDir = filepath.Join(ws.Root, evidenceDir)
		}
		l.validator = validation.New(evidenceDir, cfg.FailOnEmptyEvidence)
	}

	return l, nil
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	prev := l.state
	l.state = s
	l.mu.Unlock()
	if prev != s {
		l.log.Infof("state %s -> %s", prev, s)
	}
}

// Pause suspends the loop before its next iteration.
func (l *Loop) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = true
	l.log.Infof("pause requested")
}

// Resume releases a paused loop.
func (l *Loop) Resume() {
	l.mu.Lock()
	wasPaused := l.paused
	l.paused = false
	l.mu.Unlock()
	if wasPaused {
		select {
		case l.resume <- struct{}{}:
		default:
		}
		l.log.Infof("resumed")
	}
}

// Run drives the state machine to a terminal state. Metrics are flushed on
// every exit path.
func (l *Loop) Run(ctx context.Context) *Outcome {
	l.start = time.Now()
	l.setState(StateRunning)

	outcome := l.run(ctx)

	outcome.Iterations = l.recorder.Count()
	outcome.TotalCost = l.tracker.Total()
	outcome.LogPath = l.log.Path()
	if path, err := l.flushMetrics(outcome); err != nil {
		l.log.Errorf("writing metrics: %v", err)
	} else {
		outcome.MetricsPath = path
	}
	l.log.Infof("run finished: %s (%s), %d iterations, $%.4f",
		outcome.State, outcome.Reason, outcome.Iterations, outcome.TotalCost)
	if closer, ok := l.agent.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	return outcome
}

func (l *Loop) run(ctx context.Context) *Outcome {
	for {
		if ctx.Err() != nil {
			l.setState(StateAborted)
			return &Outcome{State: StateAborted, Reason: reasonOperatorCancel, ExitCode: ExitAbortOperator}
		}
		if l.awaitResume(ctx) != nil {
			l.setState(StateAborted)
			return &Outcome{State: StateAborted, Reason: reasonOperatorCancel, ExitCode: ExitAbortOperator}
		}

		// Rule check happens before any work, so a run over budget never
		// starts another iteration.
		verdict := l.guard.Check(safety.Snapshot{
			Iteration:           l.recorder.Count(),
			Elapsed:             time.Since(l.start),
			Cost:                l.tracker.Total(),
			ConsecutiveFailures: l.consecutiveFailures,
			LastOutput:          l.lastOutput(),
			PriorOutputs:        l.priorOutputsWithoutLast(),
		})
		if verdict.Action == safety.ActionAbort {
			l.log.Warnf("safety guard abort: %s", verdict.Reason)
			l.setState(StateAborted)
			return &Outcome{State: StateAborted, Reason: verdict.Reason, ExitCode: ExitAbortLimit}
		}

		stats, err := l.iterate(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				l.setState(StateAborted)
				return &Outcome{State: StateAborted, Reason: reasonOperatorCancel, ExitCode: ExitAbortOperator}
			}
			l.log.Errorf("unrecoverable iteration error: %v", err)
			l.setState(StateFailed)
			return &Outcome{State: StateFailed, Reason: err.Error(), ExitCode: ExitFailed}
		}

		if l.consecutiveFailures >= l.cfg.MaxConsecutiveFailures {
			l.log.Errorf("%d consecutive failures", l.consecutiveFailures)
			l.setState(StateFailed)
			return &Outcome{State: StateFailed, Reason: reasonFailureStreak, ExitCode: ExitFailed}
		}

		if stats.Outcome == metrics.OutcomeSuccess {
			raw, err := l.ctxmgr.RawPrompt()
			if err == nil && l.detector.Detect(raw) {
				l.setState(StateCompleting)
				return l.complete(ctx)
			}
		}

		if err := l.sleep(ctx); err != nil {
			l.setState(StateAborted)
			return &Outcome{State: StateAborted, Reason: reasonOperatorCancel, ExitCode: ExitAbortOperator}
		}
	}
}

// complete handles Completing and, when configured, the Validating gate.
func (l *Loop) complete(ctx context.Context) *Outcome {
	if l.validator == nil {
		l.setState(StateComplete)
		return &Outcome{State: StateComplete, ExitCode: ExitComplete}
	}

	l.setState(StateValidating)
	result := l.validator.Validate()
	for _, w := range result.Warnings {
		l.log.Warnf("evidence: %s", w)
	}
	if result.Success {
		l.setState(StateComplete)
		return &Outcome{State: StateComplete, ExitCode: ExitComplete}
	}

	for _, e := range result.Errors {
		l.log.Errorf("evidence: %s", e)
	}
	if l.validationAttempts < l.cfg.MaxValidationRetries {
		l.validationAttempts++
		l.log.Warnf("evidence rejected; retry %d/%d", l.validationAttempts, l.cfg.MaxValidationRetries)
		l.ctxmgr.AppendErrorNote(fmt.Sprintf(
			"completion claimed but evidence failed validation: %s", strings.Join(result.Errors, "; ")))
		l.setState(StateRunning)
		return l.run(ctx)
	}

	l.setState(StateFailed)
	return &Outcome{State: StateFailed, Reason: reasonEvidenceRejected, ExitCode: ExitFailed}
}

// iterate performs one Running -> Running pass: prompt, checkpoint, invoke,
// record, and context update.
func (l *Loop) iterate(ctx context.Context) (*metrics.IterationStats, error) {
	seq := l.recorder.Count() + 1
	l.log.Infof("iteration %d starting", seq)

	prompt, err := l.ctxmgr.Prompt()
	if err != nil {
		return nil, err
	}

	if err := l.ckpt.Snapshot(seq); err != nil {
		return nil, fmt.Errorf("checkpointing prompt: %w", err)
	}
	if err := l.ckpt.VCSSnapshot(ctx); err != nil {
		// External snapshot failures are informational only.
		l.log.Warnf("vcs snapshot: %v", err)
	}

	started := time.Now()
	resp, err := l.invoke(ctx, prompt)
	if err != nil {
		return nil, err
	}
	ended := time.Now()

	rec := l.tracker.Add(l.agent.Name(), cost.Usage{
		TokensIn:  resp.TokensIn,
		TokensOut: resp.TokensOut,
		Cost:      resp.Cost,
		Output:    resp.Output,
	})
	if rec.Warning != "" {
		l.log.Warnf("cost: %s", rec.Warning)
	}

	// Compared against the outputs that preceded it, so the flag describes
	// this iteration, including the one whose repeat trips the guard.
	similar := l.guard.SimilarCount(resp.Output, l.priorOutputs)

	stats := metrics.IterationStats{
		Sequence:        seq,
		StartTime:       started.UTC(),
		EndTime:         ended.UTC(),
		Agent:           l.agent.Name(),
		Outcome:         classify(resp),
		TokensIn:        resp.TokensIn,
		TokensOut:       resp.TokensOut,
		Cost:            resp.Cost,
		DurationSeconds: resp.DurationSeconds,
		SuspectedLoop:   similar > 0,
	}
	if !resp.Success {
		stats.TriggerReason = resp.Error
	}
	if err := l.recorder.Record(stats); err != nil {
		return nil, err
	}

	l.priorOutputs = append(l.priorOutputs, resp.Output)
	if keep := l.cfg.LoopDetectionWindow + 1; len(l.priorOutputs) > keep {
		l.priorOutputs = l.priorOutputs[len(l.priorOutputs)-keep:]
	}

	summary := fmt.Sprintf("iteration %d: %s (%.1fs)", seq, stats.Outcome, resp.DurationSeconds)
	l.ctxmgr.RecordSummary(summary)
	if resp.Success {
		l.consecutiveFailures = 0
		l.ctxmgr.AppendSuccessNote(fmt.Sprintf("iteration %d succeeded", seq))
	} else {
		l.consecutiveFailures++
		l.ctxmgr.AppendErrorNote(fmt.Sprintf("iteration %d failed: %s", seq, firstLine(resp.Error)))
		if err := l.ckpt.Rollback(); err != nil {
			l.log.Warnf("rollback: %v", err)
		}
	}
	if err := metrics.AppendProgress(l.ws.ProgressPath(), seq, string(stats.Outcome)); err != nil {
		l.log.Warnf("progress journal: %v", err)
	}

	l.log.Infof("iteration %d: %s, failures in a row %d", seq, stats.Outcome, l.consecutiveFailures)
	return &stats, nil
}

// invoke chooses the direct or orchestrated adapter path.
func (l *Loop) invoke(ctx context.Context, prompt string) (*adapter.Response, error) {
	if l.orch != nil {
		return l.orch.Orchestrate(ctx, prompt, l.ws.Root, l.subAgentDeadline())
	}
	return l.agent.Execute(ctx, adapter.Request{
		Prompt:     prompt,
		PromptFile: l.cfg.PromptFile,
		WorkDir:    l.ws.Root,
		Timeout:    l.iterationDeadline(),
	})
}

// iterationDeadline bounds a direct invocation by the configured adapter
// timeout and by what remains of the runtime budget.
func (l *Loop) iterationDeadline() time.Duration {
	deadline := l.cfg.AdapterTimeout()
	if remaining := l.cfg.MaxRuntime() - time.Since(l.start); remaining > 0 && remaining < deadline {
		deadline = remaining
	}
	return deadline
}

// subAgentDeadline divides the remaining budget across remaining iterations.
func (l *Loop) subAgentDeadline() time.Duration {
	remainingIters := l.cfg.MaxIterations - l.recorder.Count()
	if remainingIters < 1 {
		remainingIters = 1
	}
	remaining := l.cfg.MaxRuntime() - time.Since(l.start)
	if remaining <= 0 {
		if l.cfg.MaxIterations > 0 {
			return l.cfg.MaxRuntime() / time.Duration(l.cfg.MaxIterations)
		}
		return l.cfg.AdapterTimeout()
	}
	return remaining / time.Duration(remainingIters)
}

func (l *Loop) awaitResume(ctx context.Context) error {
	l.mu.Lock()
	paused := l.paused
	l.mu.Unlock()
	if !paused {
		return nil
	}
	l.setState(StatePaused)
	defer l.setState(StateRunning)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.resume:
			return nil
		}
	}
}

func (l *Loop) sleep(ctx context.Context) error {
	delay := l.cfg.InterIterationSleep()
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Loop) lastOutput() string {
	if len(l.priorOutputs) == 0 {
		return ""
	}
	return l.priorOutputs[len(l.priorOutputs)-1]
}

func (l *Loop) priorOutputsWithoutLast() []string {
	if len(l.priorOutputs) < 2 {
		return nil
	}
	return l.priorOutputs[:len(l.priorOutputs)-1]
}

// flushMetrics writes the final metrics document, including the
// orchestration verdict when a round ran.
func (l *Loop) flushMetrics(outcome *Outcome) (string, error) {
	in, out := l.tracker.Tokens()
	end := time.Now()
	doc := &metrics.RunMetrics{
		Summary: metrics.Summary{
			State:              string(outcome.State),
			Reason:             outcome.Reason,
			StartTime:          l.start.UTC(),
			EndTime:            end.UTC(),
			WallClockSeconds:   end.Sub(l.start).Seconds(),
			IterationsRecorded: l.recorder.Count(),
			TotalTokensIn:      in,
			TotalTokensOut:     out,
			TotalCost:          l.tracker.Total(),
			ExitCode:           outcome.ExitCode,
		},
		Iterations: l.recorder.Iterations(),
	}
	if l.orch != nil {
		orch := &metrics.Orchestration{Enabled: true}
		if results, err := l.orch.Aggregate(); err == nil {
			orch.Results = results
		} else {
			l.log.Warnf("aggregating orchestration results: %v", err)
		}
		doc.Orchestration = orch
	}
	return metrics.Write(l.ws.MetricsDir(), l.start, doc)
}

// classify maps an agent response to the iteration outcome taxonomy.
func classify(resp *adapter.Response) metrics.Outcome {
	switch {
	case resp.Success:
		return metrics.OutcomeSuccess
	case resp.Error == "timeout":
		return metrics.OutcomeTimeout
	case resp.ExitCode == nil:
		return metrics.OutcomeKilled
	case *resp.ExitCode == -1:
		return metrics.OutcomeParseError
	default:
		return metrics.OutcomeToolError
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
