// Package coordination is the filesystem contract between the orchestrator
// and its sub-agents: prompts go out as markdown files, results and status
// snapshots come back as JSON, all under .agent/coordination/.
package coordination

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
)

// ErrParse indicates a result file exists but cannot be decoded even after
// repair.
var ErrParse = errors.New("unparseable coordination result")

// ErrNoResult indicates the expected result file was never written.
var ErrNoResult = errors.New("coordination result missing")

// Result is the sub-agent result record. Field names and shapes are part of
// the on-disk contract; sub-agents of any implementation write this exact
// schema.
type Result struct {
	SubAgentType string          `json:"subagent_type"`
	Success      bool            `json:"success"`
	Output       string          `json:"output"`
	TokensUsed   *int64          `json:"tokens_used"`
	Error        *string         `json:"error"`
	ReturnCode   int             `json:"return_code"`
	ParsedJSON   json.RawMessage `json:"parsed_json"`
}

// Status is a point-in-time snapshot of one sub-agent's lifecycle.
type Status struct {
	ID           string     `json:"id"`
	SubAgentType string     `json:"subagent_type"`
	State        string     `json:"state"`
	SpawnedAt    time.Time  `json:"spawned_at"`
	CollectedAt  *time.Time `json:"collected_at,omitempty"`
}

// Store owns one coordination directory for the duration of a run.
type Store struct {
	root string
}

// New returns a store rooted at dir (typically .agent/coordination).
func New(dir string) *Store {
	return &Store{root: dir}
}

func (s *Store) promptsDir() string { return filepath.Join(s.root, "prompts") }
func (s *Store) resultsDir() string { return filepath.Join(s.root, "results") }
func (s *Store) statusDir() string  { return filepath.Join(s.root, "status") }

// Reset clears any prior run's artifacts and recreates the layout. The
// orchestrator calls this once, before its first round, so end-of-run
// aggregation sees every round of the current run and nothing older.
func (s *Store) Reset() error {
	for _, dir := range []string{s.promptsDir(), s.resultsDir(), s.statusDir()} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("clearing %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// WritePrompt stores the sub-agent prompt and returns its path, which is
// handed to the spawned agent.
func (s *Store) WritePrompt(id, prompt string) (string, error) {
	if err := os.MkdirAll(s.promptsDir(), 0755); err != nil {
		return "", err
	}
	path := filepath.Join(s.promptsDir(), id+".md")
	if err := os.WriteFile(path, []byte(prompt), 0644); err != nil {
		return "", fmt.Errorf("writing sub-agent prompt: %w", err)
	}
	return path, nil
}

// ResultPath is where the sub-agent with the given id must write its result.
func (s *Store) ResultPath(id string) string {
	return filepath.Join(s.resultsDir(), id+".json")
}

// WriteResult persists a result record. Used when the orchestrator itself
// produces the record (the sub-agent CLI reported no structured result).
func (s *Store) WriteResult(id string, r *Result) error {
	if err := os.MkdirAll(s.resultsDir(), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result %s: %w", id, err)
	}
	return os.WriteFile(s.ResultPath(id), append(data, '\n'), 0644)
}

// ReadResult loads one result. Agent-written JSON is often slightly
// malformed (trailing commas, single quotes); a repair pass runs before the
// read is declared unparseable.
func (s *Store) ReadResult(id string) (*Result, error) {
	data, err := os.ReadFile(s.ResultPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoResult, id)
		}
		return nil, fmt.Errorf("reading result %s: %w", id, err)
	}
	return decodeResult(id, data)
}

func decodeResult(id string, data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err == nil {
		return &r, nil
	}
	repaired, err := jsonrepair.JSONRepair(string(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrParse, id)
	}
	if err := json.Unmarshal([]byte(repaired), &r); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrParse, id)
	}
	return &r, nil
}

// Results loads every result in the directory, sorted by id. Unparseable
// files surface as entries with ReturnCode -1 rather than aborting the
// aggregation.
func (s *Store) Results() (map[string]*Result, error) {
	entries, err := os.ReadDir(s.resultsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Result{}, nil
		}
		return nil, err
	}
	out := make(map[string]*Result, len(entries))
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		id := strings.TrimSuffix(name, ".json")
		r, err := s.ReadResult(id)
		if err != nil {
			reason := err.Error()
			r = &Result{Success: false, Error: &reason, ReturnCode: -1}
		}
		out[id] = r
	}
	return out, nil
}

// WriteStatus persists a status snapshot for one sub-agent.
func (s *Store) WriteStatus(st Status) error {
	if err := os.MkdirAll(s.statusDir(), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding status %s: %w", st.ID, err)
	}
	path := filepath.Join(s.statusDir(), st.ID+".json")
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// ReadStatus loads one status snapshot.
func (s *Store) ReadStatus(id string) (*Status, error) {
	data, err := os.ReadFile(filepath.Join(s.statusDir(), id+".json"))
	if err != nil {
		return nil, err
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding status %s: %w", id, err)
	}
	return &st, nil
}
