package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/kilnhq/kiln/internal/kerr"
)

// columnWhitelists gates every dynamic column update against a fixed set
// of known-safe identifiers per table, so a field name can never become
// an SQL identifier injection. This is kept as a private primitive:
// every public update path (UpdateTask, UpdateWorker, ...) is a typed
// function over an options record, never raw field names from untrusted
// input.
var columnWhitelists = map[string]map[string]struct{}{
	"requests": set("tier", "status", "completed_at", "result_summary", "updated_at"),
	"tasks": set("domain", "assigned_to", "status", "pr_url", "branch",
		"completed_at", "result_summary", "updated_at"),
	"workers": set("status", "current_domain", "worktree_path", "branch",
		"session_id", "window_id", "current_task_id", "last_heartbeat_at",
		"launched_at", "tasks_completed", "claimed_by", "claimed_at"),
	"merge_queue": set("status", "merged_at", "error"),
}

func set(cols ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(cols))
	for _, c := range cols {
		m[c] = struct{}{}
	}
	return m
}

// applyUpdate runs an UPDATE against table for the row identified by
// idColumn=idValue, setting only fields whose keys are present in that
// table's whitelist. Returns a kerr.InvalidInputError for unknown columns.
func applyUpdate(exec interface {
	Exec(query string, args ...any) (sql.Result, error)
}, table, idColumn string, idValue any, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	whitelist, ok := columnWhitelists[table]
	if !ok {
		return kerr.InvalidInput(fmt.Sprintf("no column whitelist registered for table %q", table))
	}

	setClauses := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+1)
	for col, val := range fields {
		if _, ok := whitelist[col]; !ok {
			return kerr.InvalidInput(fmt.Sprintf("column %q is not whitelisted for table %q", col, table))
		}
		setClauses = append(setClauses, col+" = ?")
		args = append(args, val)
	}
	args = append(args, idValue)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", table, strings.Join(setClauses, ", "), idColumn)
	_, err := exec.Exec(query, args...)
	return err
}
