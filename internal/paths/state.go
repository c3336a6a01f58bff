// Package paths provides path resolution utilities for the coordinator's
// persisted state layout.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	// StateDirName is the directory under a project that holds the
	// coordinator's database file and socket path-hint.
	StateDirName = ".claude/state"

	// DBFileName is the default embedded database file name.
	DBFileName = "coordinator.db"

	// PathHintFileName names the file that tells CLIs where the command
	// socket lives, for hosts where the state directory cannot host a
	// socket (e.g. an overlong path, or a network filesystem).
	PathHintFileName = "socket-path"
)

// ResolveStateDir resolves "<project>/.claude/state" from a project root,
// following a redirect file if present. Redirects support git worktrees:
// a worktree's .claude/state may contain a "redirect" file pointing at the
// main worktree's state directory so all workers share one coordinator.
func ResolveStateDir(projectDir string) string {
	if projectDir == "" {
		projectDir = "."
	}
	stateDir := filepath.Join(filepath.Clean(projectDir), StateDirName)
	return followRedirect(stateDir)
}

// DBPath returns the embedded database file path for a project.
func DBPath(projectDir string) string {
	return filepath.Join(ResolveStateDir(projectDir), DBFileName)
}

// PathHintPath returns the socket path-hint file path for a project.
func PathHintPath(projectDir string) string {
	return filepath.Join(ResolveStateDir(projectDir), PathHintFileName)
}

// WritePathHint records the actual socket path at the hint file so CLIs
// outside the project directory can find it.
func WritePathHint(projectDir, socketPath string) error {
	stateDir := ResolveStateDir(projectDir)
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return err
	}
	return os.WriteFile(PathHintPath(projectDir), []byte(socketPath+"\n"), 0600)
}

// ReadPathHint reads back a previously written socket path hint.
func ReadPathHint(projectDir string) (string, error) {
	content, err := os.ReadFile(PathHintPath(projectDir)) //nolint:gosec // path is derived from a trusted project dir
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

func followRedirect(stateDir string) string {
	redirectPath := filepath.Join(stateDir, "redirect")

	content, err := os.ReadFile(redirectPath) //nolint:gosec // redirect path is within the state dir
	if err != nil {
		return stateDir
	}

	target := strings.TrimSpace(string(content))
	if target == "" {
		return stateDir
	}

	return filepath.Clean(filepath.Join(stateDir, target))
}
