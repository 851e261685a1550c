package coordination

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndReadResult(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Reset())

	tokens := int64(321)
	in := &Result{
		SubAgentType: "validator",
		Success:      true,
		Output:       "all checks passed",
		TokensUsed:   &tokens,
		ReturnCode:   0,
	}
	require.NoError(t, s.WriteResult("sub-1", in))

	out, err := s.ReadResult("sub-1")
	require.NoError(t, err)
	assert.Equal(t, in.SubAgentType, out.SubAgentType)
	assert.True(t, out.Success)
	require.NotNil(t, out.TokensUsed)
	assert.Equal(t, int64(321), *out.TokensUsed)
	assert.Nil(t, out.Error)
}

func TestReadResultRepairsMalformedJSON(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Reset())

	// Trailing comma and single quotes, the kind of JSON agents emit.
	raw := `{'subagent_type': 'debugger', 'success': false, 'output': 'stack trace', 'return_code': 2,}`
	require.NoError(t, os.WriteFile(s.ResultPath("sub-2"), []byte(raw), 0644))

	out, err := s.ReadResult("sub-2")
	require.NoError(t, err)
	assert.Equal(t, "debugger", out.SubAgentType)
	assert.False(t, out.Success)
	assert.Equal(t, 2, out.ReturnCode)
}

func TestReadResultMissing(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Reset())

	_, err := s.ReadResult("ghost")
	assert.ErrorIs(t, err, ErrNoResult)
}

func TestReadResultUnparseable(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Reset())
	require.NoError(t, os.WriteFile(s.ResultPath("sub-3"), []byte("\x00\x01 not json at all {{{"), 0644))

	_, err := s.ReadResult("sub-3")
	assert.ErrorIs(t, err, ErrParse)
}

func TestResultsCollectsAllSorted(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Reset())

	require.NoError(t, s.WriteResult("b", &Result{SubAgentType: "validator", Success: true}))
	require.NoError(t, s.WriteResult("a", &Result{SubAgentType: "analyst", Success: false}))
	// A broken file becomes a synthetic failure entry instead of an error.
	require.NoError(t, os.WriteFile(s.ResultPath("c"), []byte("\x00garbage{{{"), 0644))

	results, err := s.Results()
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results["b"].Success)
	assert.False(t, results["a"].Success)
	assert.Equal(t, -1, results["c"].ReturnCode)
	require.NotNil(t, results["c"].Error)
}

func TestResultsEmptyOrMissingDir(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "never-created"))
	results, err := s.Results()
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestResetClearsPriorRound(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Reset())
	require.NoError(t, s.WriteResult("old", &Result{Success: true}))
	_, err := s.WritePrompt("old", "previous round prompt")
	require.NoError(t, err)

	require.NoError(t, s.Reset())

	results, err := s.Results()
	require.NoError(t, err)
	assert.Empty(t, results)
	_, err = os.Stat(filepath.Join(s.promptsDir(), "old.md"))
	assert.True(t, os.IsNotExist(err))
}

func TestWritePromptReturnsPath(t *testing.T) {
	s := New(t.TempDir())
	path, err := s.WritePrompt("sub-9", "# Task\ndo the thing")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# Task\ndo the thing", string(data))
}

func TestStatusRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	spawned := time.Now().UTC().Truncate(time.Second)
	collected := spawned.Add(42 * time.Second)
	require.NoError(t, s.WriteStatus(Status{
		ID:           "sub-4",
		SubAgentType: "researcher",
		State:        "collected",
		SpawnedAt:    spawned,
		CollectedAt:  &collected,
	}))

	st, err := s.ReadStatus("sub-4")
	require.NoError(t, err)
	assert.Equal(t, "researcher", st.SubAgentType)
	assert.Equal(t, "collected", st.State)
	assert.True(t, st.SpawnedAt.Equal(spawned))
	require.NotNil(t, st.CollectedAt)
	assert.True(t, st.CollectedAt.Equal(collected))
}
