package command

import "github.com/kilnhq/kiln/internal/store"

type requestArgs struct {
	Description string `json:"description"`
}

type fixArgs struct {
	Subject     string  `json:"subject"`
	Description string  `json:"description"`
	Domain      *string `json:"domain"`
}

type statusArgs struct {
	RequestID string `json:"request_id"`
}

type clarifyArgs struct {
	TaskID int    `json:"task_id"`
	Answer string `json:"answer"`
}

type logArgs struct {
	Actor   string `json:"actor"`
	Action  string `json:"action"`
	Details any    `json:"details"`
}

type triageArgs struct {
	RequestID string `json:"request_id"`
	Tier      int    `json:"tier"`
}

type newTaskArg struct {
	Subject     string             `json:"subject"`
	Description string             `json:"description"`
	Domain      *string            `json:"domain"`
	Files       []string           `json:"files"`
	Priority    string             `json:"priority"`
	Tier        int                `json:"tier"`
	DependsOn   []int              `json:"depends_on"`
	Validation  *store.Validation  `json:"validation"`
}

type createTaskArgs struct {
	RequestID string `json:"request_id"`
	newTaskArg
}

type distillArgs struct {
	RequestID string       `json:"request_id"`
	Tasks     []newTaskArg `json:"tasks"`
}

type tier1CompleteArgs struct {
	RequestID     string `json:"request_id"`
	ResultSummary string `json:"result_summary"`
}

type askClarificationArgs struct {
	TaskID   int    `json:"task_id"`
	WorkerID int    `json:"worker_id"`
	Question string `json:"question"`
}

type myTaskArgs struct {
	WorkerID int `json:"worker_id"`
}

type startTaskArgs struct {
	TaskID   int `json:"task_id"`
	WorkerID int `json:"worker_id"`
}

type heartbeatArgs struct {
	WorkerID int `json:"worker_id"`
}

type completeTaskArgs struct {
	TaskID        int     `json:"task_id"`
	WorkerID      int     `json:"worker_id"`
	ResultSummary string  `json:"result_summary"`
	PRURL         *string `json:"pr_url"`
	Branch        *string `json:"branch"`
}

type failTaskArgs struct {
	TaskID   int    `json:"task_id"`
	WorkerID int    `json:"worker_id"`
	Reason   string `json:"reason"`
}

type inboxArgs struct {
	Recipient string `json:"recipient"`
}

type inboxBlockArgs struct {
	Recipient       string `json:"recipient"`
	DeadlineSeconds int    `json:"deadline_seconds"`
}

type assignTaskArgs struct {
	TaskID   int `json:"task_id"`
	WorkerID int `json:"worker_id"`
}

type claimWorkerArgs struct {
	WorkerID int    `json:"worker_id"`
	Claimer  string `json:"claimer"`
}

type releaseWorkerArgs struct {
	WorkerID int `json:"worker_id"`
}

type workerStatusArgs struct {
	WorkerID *int `json:"worker_id"`
}

type checkCompletionArgs struct {
	RequestID string `json:"request_id"`
}

type registerWorkerArgs struct {
	WorkerID int `json:"worker_id"`
}

type repairArgs struct {
	TaskID   int    `json:"task_id"`
	WorkerID int    `json:"worker_id"`
	Reason   string `json:"reason"`
}

func priorityOrNormal(s string) store.TaskPriority {
	switch store.TaskPriority(s) {
	case store.PriorityUrgent, store.PriorityHigh, store.PriorityNormal, store.PriorityLow:
		return store.TaskPriority(s)
	default:
		return store.PriorityNormal
	}
}
