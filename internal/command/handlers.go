package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kilnhq/kiln/internal/events"
	"github.com/kilnhq/kiln/internal/kerr"
	"github.com/kilnhq/kiln/internal/mail"
	"github.com/kilnhq/kiln/internal/store"
)

type handlerFunc func(ctx context.Context, s *Server, args json.RawMessage) (map[string]any, error)

var handlers = map[string]handlerFunc{
	"ping":              handlePing,
	"request":           handleRequest,
	"fix":               handleFix,
	"status":            handleStatus,
	"clarify":           handleClarify,
	"log":               handleLog,
	"triage":            handleTriage,
	"create-task":       handleCreateTask,
	"tier1-complete":    handleTier1Complete,
	"ask-clarification": handleAskClarification,
	"my-task":           handleMyTask,
	"start-task":        handleStartTask,
	"heartbeat":         handleHeartbeat,
	"complete-task":     handleCompleteTask,
	"fail-task":         handleFailTask,
	"distill":           handleDistill,
	"inbox":             handleInbox,
	"inbox-block":       handleInboxBlock,
	"ready-tasks":       handleReadyTasks,
	"assign-task":       handleAssignTask,
	"claim-worker":      handleClaimWorker,
	"release-worker":    handleReleaseWorker,
	"worker-status":     handleWorkerStatus,
	"check-completion":  handleCheckCompletion,
	"register-worker":   handleRegisterWorker,
	"repair":            handleRepair,
}

func (s *Server) dispatch(ctx context.Context, req wireRequest) response {
	h, found := handlers[req.Command]
	if !found {
		return fail(kerr.InvalidInput(fmt.Sprintf("unknown command %q", req.Command)))
	}
	fields, err := h(ctx, s, req.Args)
	if err != nil {
		return fail(err)
	}
	return ok(fields)
}

func workerMailbox(id int) string { return fmt.Sprintf("worker-%d", id) }

// mergePriorityFor carries a task's scheduling priority into the merge
// queue's own priority column, so an urgent task's PR integrates first.
func mergePriorityFor(p store.TaskPriority) int {
	switch p {
	case store.PriorityUrgent:
		return 3
	case store.PriorityHigh:
		return 2
	case store.PriorityLow:
		return 0
	default:
		return 1
	}
}

func handlePing(_ context.Context, _ *Server, _ json.RawMessage) (map[string]any, error) {
	return map[string]any{"pong": true}, nil
}

// handleRequest records a new user intention. Tier is undecided until a
// later "triage" call; the architect is notified so it can begin triage.
func handleRequest(_ context.Context, s *Server, raw json.RawMessage) (map[string]any, error) {
	var a requestArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := requireString("description", a.Description); err != nil {
		return nil, err
	}

	req, err := s.store.CreateRequest(a.Description, 0)
	if err != nil {
		return nil, err
	}

	s.eventBus.Publish(events.Event{Kind: events.KindRequestCreated, RequestID: req.ID, At: time.Now()})

	payload, _ := json.Marshal(mail.NewRequestPayload{RequestID: req.ID, Description: req.Description})
	if _, err := s.mailBus.Send("architect", store.MailNewRequest, payload); err != nil {
		return nil, err
	}

	_ = s.store.AppendActivity("request", "request_created", map[string]any{"request_id": req.ID})

	return map[string]any{"request_id": req.ID}, nil
}

// handleFix is the tier-2 shortcut:
// an urgent request with exactly one task, created ready immediately
// rather than waiting on architect triage.
func handleFix(ctx context.Context, s *Server, raw json.RawMessage) (map[string]any, error) {
	var a fixArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := requireString("subject", a.Subject); err != nil {
		return nil, err
	}
	if err := requireString("description", a.Description); err != nil {
		return nil, err
	}

	req, task, err := s.store.CreateFixRequestAndTask(ctx, a.Description, store.NewTask{
		Subject:     a.Subject,
		Description: a.Description,
		Domain:      a.Domain,
		Priority:    store.PriorityUrgent,
	})
	if err != nil {
		return nil, err
	}

	s.eventBus.Publish(events.Event{Kind: events.KindRequestCreated, RequestID: req.ID, At: time.Now()})
	s.eventBus.Publish(events.Event{Kind: events.KindTaskReady, RequestID: req.ID, TaskID: task.ID, At: time.Now()})

	payload, _ := json.Marshal(mail.TasksAvailablePayload{Count: 1})
	if _, err := s.mailBus.Send("allocator", store.MailTasksReady, payload); err != nil {
		return nil, err
	}

	return map[string]any{"request_id": req.ID, "task_id": task.ID}, nil
}

func handleStatus(_ context.Context, s *Server, raw json.RawMessage) (map[string]any, error) {
	var a statusArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := requireString("request_id", a.RequestID); err != nil {
		return nil, err
	}

	req, err := s.store.GetRequest(a.RequestID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(store.TaskFilter{RequestID: &a.RequestID})
	if err != nil {
		return nil, err
	}
	merges, err := s.store.ListMergeQueueByRequest(a.RequestID)
	if err != nil {
		return nil, err
	}

	return map[string]any{"request": req, "tasks": tasks, "merge_queue": merges}, nil
}

func handleClarify(_ context.Context, s *Server, raw json.RawMessage) (map[string]any, error) {
	var a clarifyArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := requirePositiveInt("task_id", a.TaskID); err != nil {
		return nil, err
	}
	if err := requireString("answer", a.Answer); err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(mail.ClarificationResponsePayload{TaskID: a.TaskID, Answer: a.Answer})
	if _, err := s.mailBus.Send("architect", store.MailClarificationReply, payload); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func handleLog(_ context.Context, s *Server, raw json.RawMessage) (map[string]any, error) {
	var a logArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := requireString("actor", a.Actor); err != nil {
		return nil, err
	}
	if err := requireString("action", a.Action); err != nil {
		return nil, err
	}
	if err := s.store.AppendActivity(a.Actor, a.Action, a.Details); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

// handleTriage records the architect's tier decision for a request
//. Task creation (and the resulting
// tasks_ready notification) happens separately via create-task/distill.
func handleTriage(_ context.Context, s *Server, raw json.RawMessage) (map[string]any, error) {
	var a triageArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := requireString("request_id", a.RequestID); err != nil {
		return nil, err
	}
	if a.Tier < 1 || a.Tier > 3 {
		return nil, kerr.InvalidInput("tier must be 1, 2, or 3")
	}

	status := store.RequestDecomposed
	if a.Tier == 1 {
		status = store.RequestExecutingTier1
	}
	tier := a.Tier
	if err := s.store.UpdateRequest(a.RequestID, store.RequestUpdate{Tier: &tier, Status: &status}); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func handleCreateTask(_ context.Context, s *Server, raw json.RawMessage) (map[string]any, error) {
	var a createTaskArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := requireString("request_id", a.RequestID); err != nil {
		return nil, err
	}
	if err := requireString("subject", a.Subject); err != nil {
		return nil, err
	}

	task, err := s.store.CreateTask(store.NewTask{
		RequestID:   a.RequestID,
		Subject:     a.Subject,
		Description: a.Description,
		Domain:      a.Domain,
		Files:       a.Files,
		Priority:    priorityOrNormal(a.Priority),
		Tier:        a.Tier,
		DependsOn:   a.DependsOn,
		Validation:  a.Validation,
	})
	if err != nil {
		return nil, err
	}

	s.eventBus.Publish(events.Event{Kind: events.KindTaskCreated, RequestID: a.RequestID, TaskID: task.ID, At: time.Now()})
	if task.Status == store.TaskReady {
		s.notifyTaskReady(task)
	}

	return map[string]any{"task_id": task.ID}, nil
}

// handleDistill creates every task for a request's tier-3 decomposition
// in one call, then notifies the allocator once rather than per-task.
func handleDistill(_ context.Context, s *Server, raw json.RawMessage) (map[string]any, error) {
	var a distillArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := requireString("request_id", a.RequestID); err != nil {
		return nil, err
	}
	if len(a.Tasks) == 0 {
		return nil, kerr.InvalidInput("tasks must be a non-empty array")
	}

	ids := make([]int, 0, len(a.Tasks))
	readyCount := 0
	for _, nt := range a.Tasks {
		if nt.Subject == "" {
			return nil, kerr.InvalidInput("every task requires a subject")
		}
		task, err := s.store.CreateTask(store.NewTask{
			RequestID:   a.RequestID,
			Subject:     nt.Subject,
			Description: nt.Description,
			Domain:      nt.Domain,
			Files:       nt.Files,
			Priority:    priorityOrNormal(nt.Priority),
			Tier:        nt.Tier,
			DependsOn:   nt.DependsOn,
			Validation:  nt.Validation,
		})
		if err != nil {
			return nil, err
		}
		ids = append(ids, task.ID)
		s.eventBus.Publish(events.Event{Kind: events.KindTaskCreated, RequestID: a.RequestID, TaskID: task.ID, At: time.Now()})
		if task.Status == store.TaskReady {
			readyCount++
		}
	}

	decomposed := store.RequestDecomposed
	if err := s.store.UpdateRequest(a.RequestID, store.RequestUpdate{Status: &decomposed}); err != nil {
		return nil, err
	}

	if readyCount > 0 {
		payload, _ := json.Marshal(mail.TasksAvailablePayload{Count: readyCount})
		if _, err := s.mailBus.Send("allocator", store.MailTasksReady, payload); err != nil {
			return nil, err
		}
	}

	return map[string]any{"task_ids": ids}, nil
}

func (s *Server) notifyTaskReady(task *store.Task) {
	s.eventBus.Publish(events.Event{Kind: events.KindTaskReady, RequestID: task.RequestID, TaskID: task.ID, At: time.Now()})
	payload, _ := json.Marshal(mail.TasksAvailablePayload{Count: 1})
	if _, err := s.mailBus.Send("allocator", store.MailTasksReady, payload); err != nil {
		_ = err // best-effort hint; the allocator's poll loop will still find the task
	}
}

// handleTier1Complete closes out a request the architect executed
// directly, without ever creating a task.
func handleTier1Complete(_ context.Context, s *Server, raw json.RawMessage) (map[string]any, error) {
	var a tier1CompleteArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := requireString("request_id", a.RequestID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	completed := store.RequestCompleted
	if err := s.store.UpdateRequest(a.RequestID, store.RequestUpdate{
		Status:        &completed,
		CompletedAt:   &now,
		ResultSummary: &a.ResultSummary,
	}); err != nil {
		return nil, err
	}

	s.eventBus.Publish(events.Event{Kind: events.KindRequestCompleted, RequestID: a.RequestID, At: now})

	payload, _ := json.Marshal(mail.RequestCompletedPayload{RequestID: a.RequestID})
	if _, err := s.mailBus.Send("master-1", store.MailRequestCompleted, payload); err != nil {
		return nil, err
	}

	return map[string]any{}, nil
}

func handleAskClarification(_ context.Context, s *Server, raw json.RawMessage) (map[string]any, error) {
	var a askClarificationArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := requirePositiveInt("task_id", a.TaskID); err != nil {
		return nil, err
	}
	if err := requirePositiveInt("worker_id", a.WorkerID); err != nil {
		return nil, err
	}
	if err := requireString("question", a.Question); err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(mail.ClarificationRequestPayload{TaskID: a.TaskID, WorkerID: a.WorkerID, Question: a.Question})
	if _, err := s.mailBus.Send("master-1", store.MailClarificationAsk, payload); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func handleMyTask(_ context.Context, s *Server, raw json.RawMessage) (map[string]any, error) {
	var a myTaskArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := requirePositiveInt("worker_id", a.WorkerID); err != nil {
		return nil, err
	}

	tasks, err := s.store.ListTasks(store.TaskFilter{Assignee: &a.WorkerID})
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.Status == store.TaskAssigned || t.Status == store.TaskInProgress {
			return map[string]any{"task": t}, nil
		}
	}
	return map[string]any{"task": nil}, nil
}

func handleStartTask(_ context.Context, s *Server, raw json.RawMessage) (map[string]any, error) {
	var a startTaskArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := requirePositiveInt("task_id", a.TaskID); err != nil {
		return nil, err
	}
	if err := requirePositiveInt("worker_id", a.WorkerID); err != nil {
		return nil, err
	}

	inProgress := store.TaskInProgress
	if err := s.store.UpdateTask(a.TaskID, store.TaskUpdate{Status: &inProgress}); err != nil {
		return nil, err
	}
	running := store.WorkerRunning
	now := time.Now().UTC()
	if err := s.store.UpdateWorker(a.WorkerID, store.WorkerUpdate{Status: &running, LastHeartbeatAt: &now}); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func handleHeartbeat(_ context.Context, s *Server, raw json.RawMessage) (map[string]any, error) {
	var a heartbeatArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := requirePositiveInt("worker_id", a.WorkerID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := s.store.UpdateWorker(a.WorkerID, store.WorkerUpdate{LastHeartbeatAt: &now}); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

// handleCompleteTask records a finished task, queues its PR for merge if
// one was opened, and unblocks any dependents.
func handleCompleteTask(_ context.Context, s *Server, raw json.RawMessage) (map[string]any, error) {
	var a completeTaskArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := requirePositiveInt("task_id", a.TaskID); err != nil {
		return nil, err
	}
	if err := requirePositiveInt("worker_id", a.WorkerID); err != nil {
		return nil, err
	}

	task, err := s.store.GetTask(a.TaskID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	completed := store.TaskCompleted
	if err := s.store.UpdateTask(a.TaskID, store.TaskUpdate{
		Status:        &completed,
		CompletedAt:   &now,
		ResultSummary: &a.ResultSummary,
		PRURL:         a.PRURL,
		Branch:        a.Branch,
	}); err != nil {
		return nil, err
	}

	completedTaskStatus := store.WorkerCompletedTask
	if err := s.store.UpdateWorker(a.WorkerID, store.WorkerUpdate{
		Status:             &completedTaskStatus,
		ClearCurrentTaskID: true,
		LastHeartbeatAt:    &now,
	}); err != nil {
		return nil, err
	}
	if wk, err := s.store.GetWorker(a.WorkerID); err == nil {
		n := wk.TasksCompleted + 1
		_ = s.store.UpdateWorker(a.WorkerID, store.WorkerUpdate{TasksCompleted: &n})
	}

	if a.PRURL != nil && a.Branch != nil {
		if _, err := s.store.EnqueueMerge(task.RequestID, task.ID, *a.PRURL, *a.Branch, mergePriorityFor(task.Priority)); err != nil {
			return nil, err
		}
		s.eventBus.Publish(events.Event{Kind: events.KindMergeQueued, RequestID: task.RequestID, TaskID: task.ID, At: now})
	}

	if _, err := s.store.CheckAndPromoteTasks(); err != nil {
		return nil, err
	}

	s.eventBus.Publish(events.Event{Kind: events.KindTaskCompleted, RequestID: task.RequestID, TaskID: task.ID, WorkerID: a.WorkerID, At: now})

	payload, _ := json.Marshal(mail.TaskCompletedPayload{TaskID: task.ID, RequestID: task.RequestID, ResultSummary: a.ResultSummary})
	if _, err := s.mailBus.Send("allocator", store.MailTaskCompleted, payload); err != nil {
		return nil, err
	}
	if _, err := s.mailBus.Send("architect", store.MailTaskCompleted, payload); err != nil {
		return nil, err
	}

	return map[string]any{}, nil
}

func handleFailTask(_ context.Context, s *Server, raw json.RawMessage) (map[string]any, error) {
	var a failTaskArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := requirePositiveInt("task_id", a.TaskID); err != nil {
		return nil, err
	}
	if err := requirePositiveInt("worker_id", a.WorkerID); err != nil {
		return nil, err
	}
	if err := requireString("reason", a.Reason); err != nil {
		return nil, err
	}

	task, err := s.store.GetTask(a.TaskID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	failed := store.TaskFailed
	if err := s.store.UpdateTask(a.TaskID, store.TaskUpdate{
		Status:        &failed,
		CompletedAt:   &now,
		ResultSummary: &a.Reason,
	}); err != nil {
		return nil, err
	}

	idle := store.WorkerIdle
	if err := s.store.UpdateWorker(a.WorkerID, store.WorkerUpdate{Status: &idle, ClearCurrentTaskID: true, LastHeartbeatAt: &now}); err != nil {
		return nil, err
	}

	s.eventBus.Publish(events.Event{Kind: events.KindTaskFailed, RequestID: task.RequestID, TaskID: task.ID, WorkerID: a.WorkerID, At: now})

	payload, _ := json.Marshal(mail.TaskFailedPayload{TaskID: task.ID, RequestID: task.RequestID, Reason: a.Reason})
	if _, err := s.mailBus.Send("allocator", store.MailTaskFailed, payload); err != nil {
		return nil, err
	}
	if _, err := s.mailBus.Send("architect", store.MailTaskFailed, payload); err != nil {
		return nil, err
	}

	return map[string]any{}, nil
}

func handleInbox(_ context.Context, s *Server, raw json.RawMessage) (map[string]any, error) {
	var a inboxArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := requireString("recipient", a.Recipient); err != nil {
		return nil, err
	}
	msgs, err := s.mailBus.Check(a.Recipient)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": msgs}, nil
}

// handleInboxBlock polls until mail arrives or the deadline elapses. A
// client that disconnects before the server's own shutdown does not
// cause its pending mail to be consumed early: the guarantee is keyed
// off the request's own context, which the connection loop cancels on
// read error or server shutdown.
func handleInboxBlock(ctx context.Context, s *Server, raw json.RawMessage) (map[string]any, error) {
	var a inboxBlockArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := requireString("recipient", a.Recipient); err != nil {
		return nil, err
	}

	deadline := time.Duration(a.DeadlineSeconds) * time.Second
	msgs, err := s.mailBus.BlockingInbox(ctx, a.Recipient, deadline)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": msgs}, nil
}

func handleReadyTasks(_ context.Context, s *Server, _ json.RawMessage) (map[string]any, error) {
	tasks, err := s.store.GetReady()
	if err != nil {
		return nil, err
	}
	return map[string]any{"tasks": tasks}, nil
}

func handleAssignTask(ctx context.Context, s *Server, raw json.RawMessage) (map[string]any, error) {
	var a assignTaskArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := requirePositiveInt("task_id", a.TaskID); err != nil {
		return nil, err
	}
	if err := requirePositiveInt("worker_id", a.WorkerID); err != nil {
		return nil, err
	}

	if err := s.store.AssignTask(ctx, a.TaskID, a.WorkerID); err != nil {
		return nil, err
	}

	task, err := s.store.GetTask(a.TaskID)
	if err != nil {
		return nil, err
	}

	s.eventBus.Publish(events.Event{Kind: events.KindTaskAssigned, RequestID: task.RequestID, TaskID: task.ID, WorkerID: a.WorkerID, At: time.Now()})

	payload, _ := json.Marshal(mail.TaskAssignedPayload{TaskID: task.ID, Subject: task.Subject, Description: task.Description, Files: task.Files})
	if _, err := s.mailBus.Send(workerMailbox(a.WorkerID), store.MailTaskAssigned, payload); err != nil {
		return nil, err
	}

	return map[string]any{}, nil
}

func handleClaimWorker(_ context.Context, s *Server, raw json.RawMessage) (map[string]any, error) {
	var a claimWorkerArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := requirePositiveInt("worker_id", a.WorkerID); err != nil {
		return nil, err
	}
	if err := requireString("claimer", a.Claimer); err != nil {
		return nil, err
	}
	if err := s.store.ClaimWorker(a.WorkerID, a.Claimer); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func handleReleaseWorker(_ context.Context, s *Server, raw json.RawMessage) (map[string]any, error) {
	var a releaseWorkerArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := requirePositiveInt("worker_id", a.WorkerID); err != nil {
		return nil, err
	}
	if err := s.store.ReleaseWorker(a.WorkerID); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func handleWorkerStatus(_ context.Context, s *Server, raw json.RawMessage) (map[string]any, error) {
	var a workerStatusArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if a.WorkerID != nil {
		wk, err := s.store.GetWorker(*a.WorkerID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"worker": wk}, nil
	}
	workers, err := s.store.ListAll()
	if err != nil {
		return nil, err
	}
	return map[string]any{"workers": workers}, nil
}

// handleCheckCompletion is a read-only report of a request's resolution
// state; the authoritative transition to completed/failed is driven by
// the merger after every queued merge lands.
func handleCheckCompletion(_ context.Context, s *Server, raw json.RawMessage) (map[string]any, error) {
	var a checkCompletionArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := requireString("request_id", a.RequestID); err != nil {
		return nil, err
	}

	req, err := s.store.GetRequest(a.RequestID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(store.TaskFilter{RequestID: &a.RequestID})
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListMergeQueueByRequest(a.RequestID)
	if err != nil {
		return nil, err
	}

	allTasksResolved := true
	for _, t := range tasks {
		if t.Status != store.TaskCompleted && t.Status != store.TaskFailed {
			allTasksResolved = false
			break
		}
	}
	allMergesLanded := true
	for _, e := range entries {
		if e.Status != store.MergeMerged && e.Status != store.MergeConflict && e.Status != store.MergeFailed {
			allMergesLanded = false
			break
		}
	}

	return map[string]any{
		"request_status":     req.Status,
		"all_tasks_resolved": allTasksResolved,
		"all_merges_landed":  allMergesLanded,
		"task_count":         len(tasks),
		"merge_count":        len(entries),
	}, nil
}

func handleRegisterWorker(_ context.Context, s *Server, raw json.RawMessage) (map[string]any, error) {
	var a registerWorkerArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := requirePositiveInt("worker_id", a.WorkerID); err != nil {
		return nil, err
	}
	wk, err := s.store.RegisterWorker(a.WorkerID)
	if err != nil {
		return nil, err
	}
	s.eventBus.Publish(events.Event{Kind: events.KindWorkerRegistered, WorkerID: wk.ID, At: time.Now()})
	return map[string]any{"worker": wk}, nil
}

func handleRepair(_ context.Context, s *Server, raw json.RawMessage) (map[string]any, error) {
	var a repairArgs
	if err := decodeArgs(raw, &a); err != nil {
		return nil, err
	}
	if err := requirePositiveInt("task_id", a.TaskID); err != nil {
		return nil, err
	}
	if err := requirePositiveInt("worker_id", a.WorkerID); err != nil {
		return nil, err
	}
	if err := requireString("reason", a.Reason); err != nil {
		return nil, err
	}

	payload, _ := json.Marshal(mail.RepairPayload{TaskID: a.TaskID, WorkerID: a.WorkerID, Reason: a.Reason})
	if _, err := s.mailBus.Send(workerMailbox(a.WorkerID), store.MailRepair, payload); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}
