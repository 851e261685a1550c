package orchestrator

import (
	"fmt"

	"github.com/ralph-orchestrator/ralph/internal/metrics"
)

// Verdicts for an orchestrated run.
const (
	VerdictPass         = "PASS"
	VerdictFail         = "FAIL"
	VerdictInconclusive = "INCONCLUSIVE"
	VerdictNoResults    = "NO_RESULTS"
)

// Aggregate reads every result in the coordination directory and computes
// the run verdict: PASS when everything succeeded, FAIL on any failure,
// INCONCLUSIVE when results are missing relative to launched sub-agents,
// NO_RESULTS when nothing was written.
func (o *Orchestrator) Aggregate() (*metrics.OrchestrationResults, error) {
	results, err := o.store.Results()
	if err != nil {
		return nil, err
	}

	passed, failed := 0, 0
	subResults := make([]metrics.SubAgentResult, 0, len(results))
	for _, r := range results {
		if r.Success {
			passed++
		} else {
			failed++
		}
		subResults = append(subResults, metrics.SubAgentResult{
			SubAgentType: r.SubAgentType,
			Success:      r.Success,
			Output:       r.Output,
			TokensUsed:   r.TokensUsed,
			Error:        r.Error,
			ReturnCode:   r.ReturnCode,
		})
	}

	verdict := VerdictPass
	switch {
	case len(results) == 0:
		verdict = VerdictNoResults
	case failed > 0:
		verdict = VerdictFail
	case len(results) < o.Launched():
		verdict = VerdictInconclusive
	}

	return &metrics.OrchestrationResults{
		Verdict:         verdict,
		Summary:         fmt.Sprintf("%d passed, %d failed", passed, failed),
		SubAgentResults: subResults,
	}, nil
}
