// Package metrics records per-iteration statistics and serializes the run
// summary to a machine-readable JSON file under .agent/metrics/.
package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Outcome classifies how a single adapter invocation ended.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeToolError  Outcome = "tool_error"
	OutcomeTimeout    Outcome = "timeout"
	OutcomeKilled     Outcome = "killed"
	OutcomeParseError Outcome = "parse_error"
)

// IterationStats captures one iteration of the supervisor loop.
type IterationStats struct {
	Sequence        int       `json:"sequence"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	Agent           string    `json:"agent"`
	Outcome         Outcome   `json:"outcome"`
	TokensIn        *int64    `json:"tokens_in"`
	TokensOut       *int64    `json:"tokens_out"`
	Cost            *float64  `json:"cost"`
	DurationSeconds float64   `json:"duration_seconds"`
	SuspectedLoop   bool      `json:"suspected_loop"`
	TriggerReason   string    `json:"trigger_reason,omitempty"`
}

// SubAgentResult mirrors the coordination result file for the metrics record.
type SubAgentResult struct {
	SubAgentType string  `json:"subagent_type"`
	Success      bool    `json:"success"`
	Output       string  `json:"output"`
	TokensUsed   *int64  `json:"tokens_used"`
	Error        *string `json:"error"`
	ReturnCode   int     `json:"return_code"`
}

// OrchestrationResults aggregates a run's sub-agent round outcomes.
type OrchestrationResults struct {
	Verdict         string           `json:"verdict"`
	Summary         string           `json:"summary"`
	SubAgentResults []SubAgentResult `json:"subagent_results"`
}

// Orchestration is the optional orchestration block in the run metrics.
type Orchestration struct {
	Enabled bool                  `json:"enabled"`
	Results *OrchestrationResults `json:"results,omitempty"`
}

// Summary holds run-level aggregates.
type Summary struct {
	State              string    `json:"state"`
	Reason             string    `json:"reason,omitempty"`
	StartTime          time.Time `json:"start_time"`
	EndTime            time.Time `json:"end_time"`
	WallClockSeconds   float64   `json:"wall_clock_seconds"`
	IterationsRecorded int       `json:"iterations_recorded"`
	TotalTokensIn      int64     `json:"total_tokens_in"`
	TotalTokensOut     int64     `json:"total_tokens_out"`
	TotalCost          float64   `json:"total_cost"`
	ExitCode           int       `json:"exit_code"`
}

// RunMetrics is the top-level metrics document for one run.
type RunMetrics struct {
	Summary       Summary          `json:"summary"`
	Iterations    []IterationStats `json:"iterations"`
	Orchestration *Orchestration   `json:"orchestration,omitempty"`
}

// Recorder accumulates iteration stats in strict sequence order and writes
// the final document.
type Recorder struct {
	mu         sync.Mutex
	iterations []IterationStats
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record appends stats for the next iteration. Sequence numbers must arrive
// in order; a gap or repeat indicates a supervisor bug.
func (r *Recorder) Record(stats IterationStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if want := len(r.iterations) + 1; stats.Sequence != want {
		return fmt.Errorf("iteration recorded out of order: got %d, want %d", stats.Sequence, want)
	}
	r.iterations = append(r.iterations, stats)
	return nil
}

// Iterations returns a copy of the recorded stats.
func (r *Recorder) Iterations() []IterationStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]IterationStats, len(r.iterations))
	copy(out, r.iterations)
	return out
}

// Count returns the number of iterations recorded so far.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.iterations)
}

// Marshal serializes a metrics document with stable key ordering (struct
// field order) and trailing newline.
func Marshal(m *RunMetrics) ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling metrics: %w", err)
	}
	return append(data, '\n'), nil
}

// Load reads a metrics document back from disk.
func Load(path string) (*RunMetrics, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading metrics %s: %w", path, err)
	}
	var m RunMetrics
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing metrics %s: %w", path, err)
	}
	return &m, nil
}

// Write writes the metrics document to dir as metrics_<timestamp>.json and
// returns the path.
func Write(dir string, start time.Time, m *RunMetrics) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating metrics dir: %w", err)
	}
	data, err := Marshal(m)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("metrics_%s.json", start.Format("20060102_150405")))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing metrics: %w", err)
	}
	return path, nil
}

// AppendProgress appends one summary line to the append-only progress
// journal. The journal is advisory; write failures are returned but callers
// treat them as non-fatal.
func AppendProgress(path string, iteration int, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening progress journal: %w", err)
	}
	defer f.Close()
	stamp := time.Now().Format(time.RFC3339)
	if _, err := fmt.Fprintf(f, "- [%s] iteration %d: %s\n", stamp, iteration, line); err != nil {
		return fmt.Errorf("appending progress: %w", err)
	}
	return nil
}
