package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateTask_NoDependenciesAutoPromotes(t *testing.T) {
	s := newTestStore(t)
	req, err := s.CreateRequest("do the thing", 3)
	require.NoError(t, err)

	task, err := s.CreateTask(NewTask{
		RequestID: req.ID,
		Subject:   "subject",
		Priority:  PriorityNormal,
	})
	require.NoError(t, err)
	require.Equal(t, TaskReady, task.Status)
}

func TestCreateTask_WithDependenciesStaysPending(t *testing.T) {
	s := newTestStore(t)
	req, err := s.CreateRequest("do the thing", 3)
	require.NoError(t, err)

	t1, err := s.CreateTask(NewTask{RequestID: req.ID, Subject: "t1", Priority: PriorityNormal})
	require.NoError(t, err)

	t2, err := s.CreateTask(NewTask{
		RequestID: req.ID, Subject: "t2", Priority: PriorityNormal,
		DependsOn: []int{t1.ID},
	})
	require.NoError(t, err)
	require.Equal(t, TaskPendingStatus, t2.Status)

	n, err := s.CheckAndPromoteTasks()
	require.NoError(t, err)
	require.Equal(t, 0, n) // t1 isn't completed yet

	require.NoError(t, s.UpdateTask(t1.ID, TaskUpdate{Status: statusPtr(TaskCompleted)}))

	n, err = s.CheckAndPromoteTasks()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	t2Again, err := s.GetTask(t2.ID)
	require.NoError(t, err)
	require.Equal(t, TaskReady, t2Again.Status)
}

func TestGetReady_PriorityOrder(t *testing.T) {
	s := newTestStore(t)
	req, err := s.CreateRequest("r", 3)
	require.NoError(t, err)

	_, err = s.CreateTask(NewTask{RequestID: req.ID, Subject: "low", Priority: PriorityLow})
	require.NoError(t, err)
	_, err = s.CreateTask(NewTask{RequestID: req.ID, Subject: "urgent", Priority: PriorityUrgent})
	require.NoError(t, err)
	_, err = s.CreateTask(NewTask{RequestID: req.ID, Subject: "normal", Priority: PriorityNormal})
	require.NoError(t, err)
	_, err = s.CreateTask(NewTask{RequestID: req.ID, Subject: "high", Priority: PriorityHigh})
	require.NoError(t, err)

	ready, err := s.GetReady()
	require.NoError(t, err)
	require.Len(t, ready, 4)
	require.Equal(t, PriorityUrgent, ready[0].Priority)
	require.Equal(t, PriorityHigh, ready[1].Priority)
	require.Equal(t, PriorityNormal, ready[2].Priority)
	require.Equal(t, PriorityLow, ready[3].Priority)
}

func TestAssignTask_ConcurrentAssignment(t *testing.T) {
	s := newTestStore(t)
	req, err := s.CreateRequest("r", 2)
	require.NoError(t, err)
	task, err := s.CreateTask(NewTask{RequestID: req.ID, Subject: "t", Priority: PriorityNormal})
	require.NoError(t, err)

	_, err = s.RegisterWorker(1)
	require.NoError(t, err)
	_, err = s.RegisterWorker(2)
	require.NoError(t, err)

	err1 := s.AssignTask(context.Background(), task.ID, 1)
	err2 := s.AssignTask(context.Background(), task.ID, 2)

	// Exactly one of the two assignments succeeds.
	require.True(t, (err1 == nil) != (err2 == nil))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AssignedTo)
	require.Contains(t, []int{1, 2}, *got.AssignedTo)
}

func TestClaimWorker_StaleClaimRelease(t *testing.T) {
	s := newTestStore(t)
	_, err := s.RegisterWorker(4)
	require.NoError(t, err)

	require.NoError(t, s.ClaimWorker(4, "architect"))
	require.Error(t, s.ClaimWorker(4, "architect")) // already claimed

	require.NoError(t, s.ReleaseWorker(4))

	idle, err := s.ListIdle()
	require.NoError(t, err)
	require.Len(t, idle, 1)
	require.Equal(t, 4, idle[0].ID)
}

func TestRegisterWorker_Idempotent(t *testing.T) {
	s := newTestStore(t)
	w1, err := s.RegisterWorker(1)
	require.NoError(t, err)
	w2, err := s.RegisterWorker(1)
	require.NoError(t, err)
	require.Equal(t, w1.ID, w2.ID)
	require.Equal(t, w1.Status, w2.Status)
}

func TestCheckMail_ReadOnce(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SendMail("architect", MailNewRequest, []byte(`{}`))
	require.NoError(t, err)

	msgs, err := s.CheckMail("architect")
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	msgs2, err := s.CheckMail("architect")
	require.NoError(t, err)
	require.Empty(t, msgs2)
}

func TestApplyUpdate_RejectsUnknownColumn(t *testing.T) {
	s := newTestStore(t)
	err := applyUpdate(s.db, "tasks", "id", 1, map[string]any{"evil; DROP TABLE tasks;--": "x"})
	require.Error(t, err)
}

func statusPtr(s TaskStatus) *TaskStatus { return &s }
