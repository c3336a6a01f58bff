package git

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRealExecutor_NotAGitRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	dir := t.TempDir()
	e := NewRealExecutor(dir, "gh", "origin")

	err := e.FetchMain()
	require.Error(t, err)
}

func TestParseExecError_MergeConflict(t *testing.T) {
	err := parseExecError("git", []string{"merge", "branch"}, "CONFLICT: merge conflict in file.go", nil)
	require.ErrorIs(t, err, ErrMergeConflict)
}

func TestParseExecError_RebaseConflict(t *testing.T) {
	err := parseExecError("git", []string{"rebase", "main"}, "CONFLICT (content): rebase conflict", nil)
	require.ErrorIs(t, err, ErrRebaseConflict)
}

func TestParseExecError_NotAGitRepo(t *testing.T) {
	err := parseExecError("git", []string{"fetch"}, "fatal: not a git repository", nil)
	require.ErrorIs(t, err, ErrNotGitRepo)
}
