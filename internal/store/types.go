// Package store is the coordinator's embedded transactional state store:
// requests, tasks, workers, mail, merge queue, activity log and config
// all live here. All other components mutate state exclusively through
// this package's typed operations.
package store

import "time"

// RequestStatus is the lifecycle status of a Request.
type RequestStatus string

const (
	RequestPending         RequestStatus = "pending"
	RequestTriaging        RequestStatus = "triaging"
	RequestExecutingTier1  RequestStatus = "executing_tier1"
	RequestDecomposed      RequestStatus = "decomposed"
	RequestInProgress      RequestStatus = "in_progress"
	RequestIntegrating     RequestStatus = "integrating"
	RequestCompleted       RequestStatus = "completed"
	RequestFailed          RequestStatus = "failed"
)

// Request is a single user intention.
type Request struct {
	ID            string
	Description   string
	Tier          int
	Status        RequestStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
	ResultSummary *string
}

// RequestUpdate is the typed options record for updating a Request:
// only non-nil fields are applied.
type RequestUpdate struct {
	Tier          *int
	Status        *RequestStatus
	CompletedAt   *time.Time
	ResultSummary *string
}

// TaskPriority is the scheduling priority of a Task; lower numeric value
// sorts first in getReady (urgent < high < normal < low).
type TaskPriority string

const (
	PriorityUrgent TaskPriority = "urgent"
	PriorityHigh   TaskPriority = "high"
	PriorityNormal TaskPriority = "normal"
	PriorityLow    TaskPriority = "low"
)

// priorityRank returns the sort rank for a priority; lower sorts first.
func priorityRank(p TaskPriority) int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// TaskStatus is the lifecycle status of a Task.
type TaskStatus string

const (
	TaskPendingStatus   TaskStatus = "pending"
	TaskReady           TaskStatus = "ready"
	TaskAssigned        TaskStatus = "assigned"
	TaskInProgress      TaskStatus = "in_progress"
	TaskCompleted       TaskStatus = "completed"
	TaskFailed          TaskStatus = "failed"
	TaskBlocked         TaskStatus = "blocked"
)

// Validation describes build/test/lint commands to run before a task's
// PR is considered mergeable. Carried as an opaque JSON blob in storage.
type Validation struct {
	Build string `json:"build,omitempty"`
	Test  string `json:"test,omitempty"`
	Lint  string `json:"lint,omitempty"`
}

// Task is a unit of work assignable to exactly one worker.
type Task struct {
	ID            int
	RequestID     string
	Subject       string
	Description   string
	Domain        *string
	Files         []string
	Priority      TaskPriority
	Tier          int
	DependsOn     []int
	AssignedTo    *int
	Status        TaskStatus
	PRURL         *string
	Branch        *string
	Validation    *Validation
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
	ResultSummary *string
}

// TaskUpdate is the typed options record for updating a Task.
type TaskUpdate struct {
	Domain        *string
	AssignedTo    *int
	ClearAssignee bool
	Status        *TaskStatus
	PRURL         *string
	Branch        *string
	CompletedAt   *time.Time
	ResultSummary *string
}

// WorkerStatus is the lifecycle status of a Worker slot.
type WorkerStatus string

const (
	WorkerIdle          WorkerStatus = "idle"
	WorkerAssigned      WorkerStatus = "assigned"
	WorkerRunning       WorkerStatus = "running"
	WorkerBusy          WorkerStatus = "busy"
	WorkerCompletedTask WorkerStatus = "completed_task"
	WorkerResetting     WorkerStatus = "resetting"
)

// Worker is a logical slot numbered 1..maxWorkers, bound to a git worktree.
type Worker struct {
	ID              int
	Status          WorkerStatus
	CurrentDomain   *string
	WorktreePath    *string
	Branch          *string
	SessionID       *string
	WindowID        *string
	CurrentTaskID   *int
	LastHeartbeatAt *time.Time
	LaunchedAt      *time.Time
	TasksCompleted  int
	ClaimedBy       *string
	ClaimedAt       *time.Time
}

// WorkerUpdate is the typed options record for updating a Worker.
type WorkerUpdate struct {
	Status             *WorkerStatus
	CurrentDomain      *string
	WorktreePath       *string
	Branch             *string
	SessionID          *string
	WindowID           *string
	CurrentTaskID      *int
	ClearCurrentTaskID bool
	LastHeartbeatAt    *time.Time
	LaunchedAt         *time.Time
	TasksCompleted     *int
	ClaimedBy          *string
	ClearClaimedBy     bool
	ClaimedAt          *time.Time
	ClearClaimedAt     bool
}

// MailKind is the tagged type of a mail message.
type MailKind string

const (
	MailNewRequest          MailKind = "new_request"
	MailClarificationReply  MailKind = "clarification_reply"
	MailClarificationAsk    MailKind = "clarification_ask"
	MailTasksReady          MailKind = "tasks_ready"
	MailTasksAvailable      MailKind = "tasks_available"
	MailTaskAssigned        MailKind = "task_assigned"
	MailTaskCompleted       MailKind = "task_completed"
	MailTaskFailed          MailKind = "task_failed"
	MailNudge               MailKind = "nudge"
	MailRequestCompleted    MailKind = "request_completed"
	MailRequestAcknowledged MailKind = "request_acknowledged"
	MailHeartbeat           MailKind = "heartbeat"
	MailTerminate           MailKind = "terminate"
	MailRepair              MailKind = "repair"
	MailMergeSucceeded      MailKind = "merge_succeeded"
	MailMergeConflict       MailKind = "merge_conflict"
)

// Mail is a durable, recipient-addressed, read-once message.
type Mail struct {
	ID        int64
	Recipient string
	Kind      MailKind
	Payload   []byte // JSON-encoded payload; see internal/mail for typed wrappers
	Consumed  bool
	CreatedAt time.Time
}

// MergeQueueStatus is the lifecycle status of a merge queue entry.
type MergeQueueStatus string

const (
	MergePending  MergeQueueStatus = "pending"
	MergeReady    MergeQueueStatus = "ready"
	MergeMerging  MergeQueueStatus = "merging"
	MergeMerged   MergeQueueStatus = "merged"
	MergeConflict MergeQueueStatus = "conflict"
	MergeFailed   MergeQueueStatus = "failed"
)

// MergeQueueEntry is one completed PR awaiting integration.
type MergeQueueEntry struct {
	ID        int
	RequestID string
	TaskID    int
	PRURL     string
	Branch    string
	Status    MergeQueueStatus
	Priority  int
	CreatedAt time.Time
	MergedAt  *time.Time
	Error     *string
}

// MergeQueueUpdate is the typed options record for updating a merge
// queue entry.
type MergeQueueUpdate struct {
	Status   *MergeQueueStatus
	MergedAt *time.Time
	Error    *string
}

// ActivityLogEntry is an append-only audit record.
type ActivityLogEntry struct {
	ID        int64
	Actor     string
	Action    string
	Details   []byte // JSON-encoded
	CreatedAt time.Time
}
