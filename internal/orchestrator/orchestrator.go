// Package orchestrator replaces one primary adapter invocation with one or
// more specialized sub-agents, each selected from the prompt text, spawned
// through the same adapter layer, and collected through the coordination
// directory.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ralph-orchestrator/ralph/internal/adapter"
	"github.com/ralph-orchestrator/ralph/internal/coordination"
)

// OrchestrationError indicates a pre-spawn verification failure. The
// iteration fails immediately; no sub-agent is started.
type OrchestrationError struct {
	SubAgentType string
	MissingTools []string
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("sub-agent %s requires unavailable tools %v", e.SubAgentType, e.MissingTools)
}

// ToolCatalog answers whether an external tool may be used. The production
// catalog is built from the configured available-tools list.
type ToolCatalog interface {
	Available(tool string) bool
}

// StaticCatalog is a fixed allowlist of tool names.
type StaticCatalog []string

func (c StaticCatalog) Available(tool string) bool {
	for _, t := range c {
		if t == tool {
			return true
		}
	}
	return false
}

// permissiveCatalog allows everything; used when no tool list is configured.
type permissiveCatalog struct{}

func (permissiveCatalog) Available(string) bool { return true }

// PermissiveCatalog returns a catalog that allows every tool.
func PermissiveCatalog() ToolCatalog { return permissiveCatalog{} }

// Orchestrator spawns sub-agents and aggregates their results.
type Orchestrator struct {
	agent       adapter.Adapter
	store       *coordination.Store
	catalog     ToolCatalog
	maxParallel int

	resetOnce sync.Once
	resetErr  error

	mu       sync.Mutex
	launched int
}

// New builds an orchestrator. maxParallel below 1 is treated as 1
// (sequential).
func New(agent adapter.Adapter, store *coordination.Store, catalog ToolCatalog, maxParallel int) *Orchestrator {
	if catalog == nil {
		catalog = PermissiveCatalog()
	}
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Orchestrator{agent: agent, store: store, catalog: catalog, maxParallel: maxParallel}
}

// Launched reports how many sub-agents have been spawned this run.
func (o *Orchestrator) Launched() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.launched
}

// ensureClean clears any previous run's artifacts before the first round.
// Later rounds keep accumulating results so the end-of-run aggregation sees
// every sub-agent the run launched, not just the last round's.
func (o *Orchestrator) ensureClean() error {
	o.resetOnce.Do(func() { o.resetErr = o.store.Reset() })
	return o.resetErr
}

// Orchestrate runs one orchestrated iteration for the prompt: select the
// sub-agent type, verify its tools, spawn it, and map its written result to
// an agent response. The coordination directory is cleared once, before the
// run's first round.
func (o *Orchestrator) Orchestrate(ctx context.Context, prompt, workDir string, timeout time.Duration) (*adapter.Response, error) {
	if err := o.ensureClean(); err != nil {
		return nil, err
	}
	responses, err := o.spawnAll(ctx, []string{prompt}, workDir, timeout)
	if err != nil {
		return nil, err
	}
	return responses[0], nil
}

// OrchestrateMany spawns one sub-agent per prompt within a single round,
// bounded by the configured parallelism.
func (o *Orchestrator) OrchestrateMany(ctx context.Context, prompts []string, workDir string, timeout time.Duration) ([]*adapter.Response, error) {
	if err := o.ensureClean(); err != nil {
		return nil, err
	}
	return o.spawnAll(ctx, prompts, workDir, timeout)
}

func (o *Orchestrator) spawnAll(ctx context.Context, prompts []string, workDir string, timeout time.Duration) ([]*adapter.Response, error) {
	// Verification happens for every prompt before anything spawns, so a
	// missing tool never leaves a half-launched round behind.
	type job struct {
		profile  *Profile
		prompt   string
		criteria []string
	}
	jobs := make([]job, 0, len(prompts))
	for _, prompt := range prompts {
		agentType := SelectType(prompt)
		profile, ok := ProfileFor(agentType)
		if !ok {
			return nil, fmt.Errorf("no profile for sub-agent type %q", agentType)
		}
		if missing := o.missingTools(profile); len(missing) > 0 {
			return nil, &OrchestrationError{SubAgentType: agentType, MissingTools: missing}
		}
		jobs = append(jobs, job{profile: profile, prompt: prompt, criteria: ExtractCriteria(prompt)})
	}

	responses := make([]*adapter.Response, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.maxParallel)
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			resp, err := o.spawnOne(gctx, j.profile, j.prompt, j.criteria, workDir, timeout)
			if err != nil {
				return err
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return responses, nil
}

func (o *Orchestrator) missingTools(p *Profile) []string {
	var missing []string
	for _, tool := range p.RequiredTools {
		if !o.catalog.Available(tool) {
			missing = append(missing, tool)
		}
	}
	return missing
}

func (o *Orchestrator) spawnOne(ctx context.Context, profile *Profile, prompt string, criteria []string, workDir string, timeout time.Duration) (*adapter.Response, error) {
	id := uuid.NewString()
	resultPath := o.store.ResultPath(id)

	rendered, err := profile.Render(prompt, resultPath, criteria)
	if err != nil {
		return nil, err
	}
	promptPath, err := o.store.WritePrompt(id, rendered)
	if err != nil {
		return nil, err
	}

	spawned := time.Now().UTC()
	_ = o.store.WriteStatus(coordination.Status{
		ID:           id,
		SubAgentType: profile.Name,
		State:        "spawned",
		SpawnedAt:    spawned,
	})
	o.mu.Lock()
	o.launched++
	o.mu.Unlock()

	resp, err := o.agent.Execute(ctx, adapter.Request{
		Prompt:     rendered,
		PromptFile: promptPath,
		WorkDir:    workDir,
		Timeout:    timeout,
	})
	if err != nil {
		return nil, err
	}

	result, readErr := o.store.ReadResult(id)
	if readErr != nil {
		// The sub-agent never wrote its result; synthesize one from the raw
		// response so aggregation still sees this spawn.
		result = synthesizeResult(profile.Name, resp, readErr)
		_ = o.store.WriteResult(id, result)
	}

	collected := time.Now().UTC()
	_ = o.store.WriteStatus(coordination.Status{
		ID:           id,
		SubAgentType: profile.Name,
		State:        "collected",
		SpawnedAt:    spawned,
		CollectedAt:  &collected,
	})

	return resultToResponse(result, resp.DurationSeconds), nil
}

// synthesizeResult stands in for a missing result file. Infrastructure
// failures carry return code -1 per the coordination contract.
func synthesizeResult(agentType string, resp *adapter.Response, readErr error) *coordination.Result {
	r := &coordination.Result{
		SubAgentType: agentType,
		Success:      false,
		Output:       resp.Output,
		ReturnCode:   -1,
	}
	msg := readErr.Error()
	if resp.Error != "" {
		msg = resp.Error
	}
	r.Error = &msg
	return r
}

func resultToResponse(r *coordination.Result, duration float64) *adapter.Response {
	resp := &adapter.Response{
		Success:         r.Success,
		Output:          r.Output,
		TokensOut:       r.TokensUsed,
		DurationSeconds: duration,
	}
	if r.Error != nil {
		resp.Error = *r.Error
	}
	code := r.ReturnCode
	resp.ExitCode = &code
	return resp
}
