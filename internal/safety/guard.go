// Package safety evaluates the per-iteration guard predicates: hard limits
// on iterations, wall clock, cost, and failure streaks, plus detection of
// repetition loops in agent output. Rules are evaluated in a fixed order and
// the first match wins, so identical inputs always fire the same rule.
package safety

import "time"

// Action is what the guard tells the loop to do.
type Action int

const (
	ActionContinue Action = iota
	ActionPause
	ActionAbort
)

// String returns the action name.
func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionPause:
		return "pause"
	case ActionAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Guard abort reasons, in rule order.
const (
	ReasonIterationLimit = "iteration_limit"
	ReasonRuntimeLimit   = "runtime_limit"
	ReasonCostLimit      = "cost_limit"
	ReasonFailureStreak  = "failure_streak"
	ReasonRepetitionLoop = "repetition_loop"
)

// Limits are the configured guard thresholds.
type Limits struct {
	MaxIterations          int
	MaxRuntime             time.Duration
	MaxCost                float64
	MaxConsecutiveFailures int

	// SimilarityThreshold is the score above which two outputs count as
	// repeats (0.90 by default).
	SimilarityThreshold float64
	// LoopDetectionK is how many above-threshold repeats trip the guard.
	LoopDetectionK int
	// Window is how many prior outputs to compare against.
	Window int
}

// Snapshot is the loop state the guard evaluates. PriorOutputs holds the
// most recent outputs, newest last; the guard only inspects the trailing
// Window entries.
type Snapshot struct {
	Iteration           int
	Elapsed             time.Duration
	Cost                float64
	ConsecutiveFailures int
	LastOutput          string
	PriorOutputs        []string
}

// Result is the guard's verdict.
type Result struct {
	Action Action
	Reason string
	// SimilarCount is how many prior outputs scored above the similarity
	// threshold; nonzero marks the iteration as a suspected loop even when
	// the guard continues.
	SimilarCount int
}

// Guard holds the configured limits.
type Guard struct {
	limits Limits
}

// NewGuard creates a guard with the given limits.
func NewGuard(limits Limits) *Guard {
	if limits.Window < 1 {
		limits.Window = 5
	}
	if limits.LoopDetectionK < 1 {
		limits.LoopDetectionK = 3
	}
	return &Guard{limits: limits}
}

// Check evaluates the rules in order; the first match wins.
func (g *Guard) Check(s Snapshot) Result {
	if s.Iteration >= g.limits.MaxIterations {
		return Result{Action: ActionAbort, Reason: ReasonIterationLimit}
	}
	if g.limits.MaxRuntime > 0 && s.Elapsed >= g.limits.MaxRuntime {
		return Result{Action: ActionAbort, Reason: ReasonRuntimeLimit}
	}
	// The cost rule only fires once spend is nonzero, so a max_cost of 0
	// means "abort on the first dollar" rather than "abort immediately".
	if s.Cost > 0 && s.Cost >= g.limits.MaxCost {
		return Result{Action: ActionAbort, Reason: ReasonCostLimit}
	}
	if s.ConsecutiveFailures >= g.limits.MaxConsecutiveFailures {
		return Result{Action: ActionAbort, Reason: ReasonFailureStreak}
	}

	similar := g.countSimilar(s.LastOutput, s.PriorOutputs)
	if similar >= g.limits.LoopDetectionK {
		return Result{Action: ActionAbort, Reason: ReasonRepetitionLoop, SimilarCount: similar}
	}

	return Result{Action: ActionContinue, SimilarCount: similar}
}

// SimilarCount reports how many of the trailing window of priors score at
// or above the similarity threshold against last. The loop uses this to
// flag an iteration's own output as a suspected repeat.
func (g *Guard) SimilarCount(last string, priors []string) int {
	return g.countSimilar(last, priors)
}

func (g *Guard) countSimilar(last string, priors []string) int {
	if last == "" || len(priors) == 0 {
		return 0
	}
	window := priors
	if len(window) > g.limits.Window {
		window = window[len(window)-g.limits.Window:]
	}
	count := 0
	for _, prior := range window {
		if Similarity(last, prior) >= g.limits.SimilarityThreshold {
			count++
		}
	}
	return count
}
