package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, depth int) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	prompt := filepath.Join(dir, "PROMPT.md")
	require.NoError(t, os.WriteFile(prompt, []byte("# Task\n\ndo the thing\n"), 0644))
	return New(prompt, filepath.Join(dir, "checkpoints"), depth), prompt
}

func TestSnapshotAndRollbackBitExact(t *testing.T) {
	m, prompt := newTestManager(t, 3)

	original := []byte("# Task\r\n\nweird bytes \x00\xff here\n")
	require.NoError(t, os.WriteFile(prompt, original, 0644))
	require.NoError(t, m.Snapshot(1))

	// Agent mangles the prompt.
	require.NoError(t, os.WriteFile(prompt, []byte("clobbered"), 0644))

	require.NoError(t, m.Rollback())
	restored, err := os.ReadFile(prompt)
	require.NoError(t, err)
	assert.Equal(t, original, restored)
}

func TestRotationKeepsLastK(t *testing.T) {
	m, prompt := newTestManager(t, 3)
	for i := 1; i <= 5; i++ {
		require.NoError(t, os.WriteFile(prompt, []byte("v"+string(rune('0'+i))), 0644))
		require.NoError(t, m.Snapshot(i))
	}

	entries, err := os.ReadDir(filepath.Join(filepath.Dir(prompt), "checkpoints"))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"PROMPT.3.md", "PROMPT.4.md", "PROMPT.5.md"}, names)

	// Rollback restores the newest surviving snapshot.
	require.NoError(t, m.Rollback())
	data, err := os.ReadFile(prompt)
	require.NoError(t, err)
	assert.Equal(t, "v5", string(data))
}

func TestRollbackWithoutSnapshot(t *testing.T) {
	m, _ := newTestManager(t, 3)
	assert.ErrorIs(t, m.Rollback(), ErrNoCheckpoint)
}

func TestLatest(t *testing.T) {
	m, _ := newTestManager(t, 3)
	_, err := m.Latest()
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	require.NoError(t, m.Snapshot(1))
	require.NoError(t, m.Snapshot(2))
	latest, err := m.Latest()
	require.NoError(t, err)
	assert.Equal(t, 2, latest)
}

func TestSnapshotMissingPrompt(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "absent.md"), t.TempDir(), 3)
	assert.Error(t, m.Snapshot(1))
}

func TestVCSSnapshotFailureIsReportedNotFatal(t *testing.T) {
	m, _ := newTestManager(t, 3)

	// No command configured: nothing happens.
	assert.NoError(t, m.VCSSnapshot(context.Background()))

	// A failing command returns an error the caller may log and ignore.
	m.SetSnapshotCommand("false", "")
	assert.Error(t, m.VCSSnapshot(context.Background()))

	m.SetSnapshotCommand("true", "")
	assert.NoError(t, m.VCSSnapshot(context.Background()))
}
