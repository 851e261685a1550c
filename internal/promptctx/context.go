// Package promptctx owns the prompt file and the bounded context block the
// loop feeds the agent each iteration: a stable prefix, recent iteration
// summaries, error history, and success patterns, plus the persistent task
// queue.
package promptctx

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Caps bound the context rings.
type Caps struct {
	Dynamic int // recent iteration summaries
	Errors  int // error history
	Success int // success patterns
}

// DefaultCaps mirrors the configuration defaults.
func DefaultCaps() Caps { return Caps{Dynamic: 5, Errors: 5, Success: 3} }

// ContextManager builds enhanced prompts and tracks run context.
type ContextManager struct {
	promptPath string
	taskPath   string

	mu           sync.Mutex
	stablePrefix string
	summaries    *ring
	errNotes     *ring
	successNotes *ring
	tasks        []*Task
}

// New loads the task list (when present) and returns a manager. The prompt
// file itself is read lazily on every Prompt call so agent edits are seen.
func New(promptPath, taskPath, stablePrefix string, caps Caps) (*ContextManager, error) {
	m := &ContextManager{
		promptPath:   promptPath,
		taskPath:     taskPath,
		stablePrefix: stablePrefix,
		summaries:    newRing(caps.Dynamic),
		errNotes:     newRing(caps.Errors),
		successNotes: newRing(caps.Success),
	}
	if taskPath != "" {
		if err := m.loadTasks(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RawPrompt returns the prompt file contents as written.
func (m *ContextManager) RawPrompt() (string, error) {
	data, err := os.ReadFile(m.promptPath)
	if err != nil {
		return "", fmt.Errorf("reading prompt file: %w", err)
	}
	return string(data), nil
}

// Prompt re-reads the prompt file and appends the context block. Sections
// render most-recent-first and are omitted when empty.
func (m *ContextManager) Prompt() (string, error) {
	raw, err := m.RawPrompt()
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder
	b.WriteString(raw)

	if m.stablePrefix == "" && m.summaries.len() == 0 && m.errNotes.len() == 0 && m.successNotes.len() == 0 {
		return b.String(), nil
	}

	b.WriteString("\n\n---\n## Run Context\n")
	if m.stablePrefix != "" {
		b.WriteString("\n")
		b.WriteString(strings.TrimRight(m.stablePrefix, "\n"))
		b.WriteString("\n")
	}
	writeSection(&b, "Recent iterations", m.summaries)
	writeSection(&b, "Recent errors", m.errNotes)
	writeSection(&b, "What worked", m.successNotes)
	return b.String(), nil
}

func writeSection(b *strings.Builder, title string, r *ring) {
	items := r.recentFirst()
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n### %s\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}

// RecordSummary adds one iteration summary to the dynamic ring.
func (m *ContextManager) RecordSummary(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries.add(s)
}

// AppendErrorNote adds one entry to the error history.
func (m *ContextManager) AppendErrorNote(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errNotes.add(s)
}

// AppendSuccessNote adds one entry to the success patterns.
func (m *ContextManager) AppendSuccessNote(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successNotes.add(s)
}
