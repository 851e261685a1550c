// Package checkpoint snapshots the prompt file before each iteration and can
// restore the most recent snapshot bit-exact after an adapter failure.
// Snapshots rotate: only the most recent K are kept on disk.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrNoCheckpoint indicates a rollback was requested before any snapshot
// was taken.
var ErrNoCheckpoint = errors.New("no checkpoint available")

var snapshotName = regexp.MustCompile(`^PROMPT\.(\d+)\.md$`)

// Manager owns the checkpoint directory for one run.
type Manager struct {
	promptPath string
	dir        string
	depth      int

	// snapshotCommand, when non-empty, is an external VCS command run at
	// snapshot cadence. Its failures never affect run state.
	snapshotCommand string
	workDir         string
}

// New creates a manager keeping the last depth snapshots of promptPath
// under dir.
func New(promptPath, dir string, depth int) *Manager {
	if depth < 1 {
		depth = 3
	}
	return &Manager{promptPath: promptPath, dir: dir, depth: depth}
}

// SetSnapshotCommand configures the optional external VCS snapshot command,
// executed in workDir. The command is split on whitespace and run directly,
// never through a shell.
func (m *Manager) SetSnapshotCommand(command, workDir string) {
	m.snapshotCommand = command
	m.workDir = workDir
}

// Snapshot copies the current prompt bytes to PROMPT.<iter>.md and prunes
// snapshots beyond the rotation depth.
func (m *Manager) Snapshot(iter int) error {
	data, err := os.ReadFile(m.promptPath)
	if err != nil {
		return fmt.Errorf("reading prompt for checkpoint: %w", err)
	}
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("creating checkpoint dir: %w", err)
	}
	path := filepath.Join(m.dir, fmt.Sprintf("PROMPT.%d.md", iter))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing checkpoint %s: %w", path, err)
	}
	return m.prune()
}

// Rollback restores the most recent snapshot over the prompt file,
// bit-for-bit.
func (m *Manager) Rollback() error {
	iters, err := m.list()
	if err != nil {
		return err
	}
	if len(iters) == 0 {
		return ErrNoCheckpoint
	}
	latest := iters[len(iters)-1]
	data, err := os.ReadFile(filepath.Join(m.dir, fmt.Sprintf("PROMPT.%d.md", latest)))
	if err != nil {
		return fmt.Errorf("reading checkpoint: %w", err)
	}
	if err := os.WriteFile(m.promptPath, data, 0644); err != nil {
		return fmt.Errorf("restoring prompt: %w", err)
	}
	return nil
}

// Latest returns the iteration number of the newest snapshot, or
// ErrNoCheckpoint.
func (m *Manager) Latest() (int, error) {
	iters, err := m.list()
	if err != nil {
		return 0, err
	}
	if len(iters) == 0 {
		return 0, ErrNoCheckpoint
	}
	return iters[len(iters)-1], nil
}

// VCSSnapshot runs the configured external snapshot command, if any. The
// returned error is informational; callers log it and move on.
func (m *Manager) VCSSnapshot(ctx context.Context) error {
	if m.snapshotCommand == "" {
		return nil
	}
	parts := strings.Fields(m.snapshotCommand)
	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(runCtx, parts[0], parts[1:]...)
	cmd.Dir = m.workDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("vcs snapshot command failed: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (m *Manager) list() ([]int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	var iters []int
	for _, e := range entries {
		match := snapshotName.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		n, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		iters = append(iters, n)
	}
	sort.Ints(iters)
	return iters, nil
}

func (m *Manager) prune() error {
	iters, err := m.list()
	if err != nil {
		return err
	}
	for len(iters) > m.depth {
		victim := iters[0]
		iters = iters[1:]
		if err := os.Remove(filepath.Join(m.dir, fmt.Sprintf("PROMPT.%d.md", victim))); err != nil {
			return fmt.Errorf("pruning checkpoint %d: %w", victim, err)
		}
	}
	return nil
}
