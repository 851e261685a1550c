package loop

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspace is the on-disk layout of one run directory.
type Workspace struct {
	Root string
}

func (w Workspace) AgentDir() string        { return filepath.Join(w.Root, ".agent") }
func (w Workspace) ScratchpadPath() string  { return filepath.Join(w.AgentDir(), "scratchpad.md") }
func (w Workspace) TaskListPath() string    { return filepath.Join(w.AgentDir(), "task-list.json") }
func (w Workspace) ProgressPath() string    { return filepath.Join(w.AgentDir(), "progress.md") }
func (w Workspace) CoordinationDir() string { return filepath.Join(w.AgentDir(), "coordination") }
func (w Workspace) CheckpointsDir() string  { return filepath.Join(w.AgentDir(), "checkpoints") }
func (w Workspace) MetricsDir() string      { return filepath.Join(w.AgentDir(), "metrics") }
func (w Workspace) LogsDir() string         { return filepath.Join(w.AgentDir(), "logs") }

const scratchpadSeed = `# Scratchpad

Working notes for the agent. Freely editable; never read by the supervisor.
`

// Ensure creates the .agent tree and seeds the scratchpad if absent.
func (w Workspace) Ensure() error {
	for _, dir := range []string{w.AgentDir(), w.CheckpointsDir(), w.MetricsDir(), w.LogsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	if _, err := os.Stat(w.ScratchpadPath()); os.IsNotExist(err) {
		if err := os.WriteFile(w.ScratchpadPath(), []byte(scratchpadSeed), 0644); err != nil {
			return fmt.Errorf("seeding scratchpad: %w", err)
		}
	}
	return nil
}
