package mail

// Payload types for each store.MailKind, replacing untyped string-keyed
// JSON blobs at the API surface. Callers marshal one of these with
// encoding/json before calling Bus.Send, and unmarshal into the matching
// type after Bus.Check/BlockingInbox based on the Mail.Kind tag.

// TaskAssignedPayload is sent to a worker when a task is assigned to it.
type TaskAssignedPayload struct {
	TaskID      int      `json:"task_id"`
	Subject     string   `json:"subject"`
	Description string   `json:"description"`
	Files       []string `json:"files,omitempty"`
	Branch      string   `json:"branch,omitempty"`
}

// TaskCompletedPayload notifies the architect a task finished.
type TaskCompletedPayload struct {
	TaskID        int    `json:"task_id"`
	RequestID     string `json:"request_id"`
	ResultSummary string `json:"result_summary,omitempty"`
}

// TaskFailedPayload notifies the architect a task failed.
type TaskFailedPayload struct {
	TaskID    int    `json:"task_id"`
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

// TasksAvailablePayload hints the architect that ready tasks exist but no
// idle worker is free to take them.
type TasksAvailablePayload struct {
	Count int `json:"count"`
}

// NewRequestPayload notifies the architect of a newly submitted request.
type NewRequestPayload struct {
	RequestID   string `json:"request_id"`
	Description string `json:"description"`
}

// ClarificationRequestPayload asks the architect to clarify a task.
type ClarificationRequestPayload struct {
	TaskID   int    `json:"task_id"`
	WorkerID int    `json:"worker_id"`
	Question string `json:"question"`
}

// ClarificationResponsePayload answers a prior clarification request.
type ClarificationResponsePayload struct {
	TaskID int    `json:"task_id"`
	Answer string `json:"answer"`
}

// NudgePayload is a tier-2 heartbeat escalation nudge to a worker.
type NudgePayload struct {
	WorkerID int    `json:"worker_id"`
	Reason   string `json:"reason"`
}

// TriagePayload is a tier-3 heartbeat escalation, asking the architect to
// intervene on a stalled worker.
type TriagePayload struct {
	WorkerID      int `json:"worker_id"`
	TaskID        int `json:"task_id"`
	StalledForSec int `json:"stalled_for_sec"`
}

// WorkerTerminatedPayload notifies the architect a worker was killed for
// unresponsiveness (tier-4 heartbeat escalation).
type WorkerTerminatedPayload struct {
	WorkerID int    `json:"worker_id"`
	TaskID   *int   `json:"task_id,omitempty"`
	Reason   string `json:"reason"`
}

// MergeConflictPayload notifies the architect a merge needed a fix or
// redo task (tier-3/tier-4 merge resolution).
type MergeConflictPayload struct {
	RequestID  string `json:"request_id"`
	TaskID     int    `json:"task_id"`
	FixTaskID  int    `json:"fix_task_id"`
	Tier       int    `json:"tier"`
	Branch     string `json:"branch"`
}

// MergeSucceededPayload notifies the architect a queued merge landed.
type MergeSucceededPayload struct {
	RequestID string `json:"request_id"`
	TaskID    int    `json:"task_id"`
	PRURL     string `json:"pr_url"`
}

// RequestCompletedPayload notifies the interface (master-1) every task on a request
// resolved (completed or failed) and every queued merge landed.
type RequestCompletedPayload struct {
	RequestID string `json:"request_id"`
}

// RepairPayload asks a worker to repair a broken build/test/lint result.
type RepairPayload struct {
	TaskID   int    `json:"task_id"`
	WorkerID int    `json:"worker_id"`
	Reason   string `json:"reason"`
}
