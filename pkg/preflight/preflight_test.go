package preflight

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".governance"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".governance", "secret.txt"), []byte("never-staged"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "target.txt"), []byte("original content\n"), 0o644))
	return root
}

func TestRunStaged_NoChecksDeclared(t *testing.T) {
	root := newWorkspace(t)

	report, err := NewRunner(nil).RunStaged(context.Background(), root, "target.txt", []byte("proposed\n"))
	require.NoError(t, err)
	require.True(t, report.AllPass)
	require.Equal(t, ResultNoChecksDeclared, report.Skipped)
	require.Empty(t, report.Results)
}

func TestRunStaged_NilRunner(t *testing.T) {
	root := newWorkspace(t)

	var r *Runner
	report, err := r.RunStaged(context.Background(), root, "target.txt", []byte("proposed\n"))
	require.NoError(t, err)
	require.True(t, report.AllPass)
	require.Equal(t, 0, r.DeclaredChecks())
}

func TestRunStaged_ChecksSeeProposedWrite(t *testing.T) {
	root := newWorkspace(t)

	// grep exits 0 only if the staged copy already contains the
	// proposed content, proving checks observe the write pre-commit.
	r := NewRunner([]Check{{
		Name:    "content-visible",
		Command: "grep",
		Args:    []string{"-q", "proposed marker", "target.txt"},
	}})

	report, err := r.RunStaged(context.Background(), root, "target.txt", []byte("line with proposed marker\n"))
	require.NoError(t, err)
	require.True(t, report.AllPass)
	require.Len(t, report.Results, 1)
	require.True(t, report.Results[0].Passed)
}

func TestRunStaged_WorkspaceUntouched(t *testing.T) {
	root := newWorkspace(t)

	r := NewRunner([]Check{{Name: "always-fails", Command: "false"}})
	report, err := r.RunStaged(context.Background(), root, "target.txt", []byte("proposed\n"))
	require.NoError(t, err)
	require.False(t, report.AllPass)
	require.Equal(t, 1, report.Results[0].ExitCode)

	// A failed preflight must leave the real file exactly as it was.
	content, err := os.ReadFile(filepath.Join(root, "target.txt"))
	require.NoError(t, err)
	require.Equal(t, "original content\n", string(content))
}

func TestRunStaged_GovernanceDirNotStaged(t *testing.T) {
	root := newWorkspace(t)

	// test(1) exits 0 only when the governance state was (correctly)
	// not copied into the staging tree.
	r := NewRunner([]Check{{
		Name:    "governance-absent",
		Command: "test",
		Args:    []string{"!", "-e", ".governance/secret.txt"},
	}})

	report, err := r.RunStaged(context.Background(), root, "target.txt", []byte("proposed\n"))
	require.NoError(t, err)
	require.True(t, report.AllPass)
}

func TestRunStaged_ReportsEveryCheckNotJustFirstFailure(t *testing.T) {
	root := newWorkspace(t)

	r := NewRunner([]Check{
		{Name: "first-fails", Command: "false"},
		{Name: "second-passes", Command: "true"},
	})

	report, err := r.RunStaged(context.Background(), root, "target.txt", []byte("proposed\n"))
	require.NoError(t, err)
	require.False(t, report.AllPass)
	require.Len(t, report.Results, 2)
	require.False(t, report.Results[0].Passed)
	require.True(t, report.Results[1].Passed)
}

func TestRunStaged_TimeoutCountsAsFailure(t *testing.T) {
	root := newWorkspace(t)

	r := NewRunner([]Check{{
		Name:    "sleeper",
		Command: "sleep",
		Args:    []string{"5"},
		Timeout: 50 * time.Millisecond,
	}})

	report, err := r.RunStaged(context.Background(), root, "target.txt", []byte("proposed\n"))
	require.NoError(t, err)
	require.False(t, report.AllPass)
	require.Contains(t, report.Results[0].Err, "timed out")
}

func TestTail_BoundsOutput(t *testing.T) {
	big := make([]byte, outputTailLimit+100)
	for i := range big {
		big[i] = 'a'
	}
	big[len(big)-1] = 'z'

	kept := tail(big)
	require.Len(t, kept, outputTailLimit)
	require.Equal(t, byte('z'), kept[len(kept)-1])
}
