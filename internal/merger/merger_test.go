package merger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilnhq/kiln/internal/events"
	"github.com/kilnhq/kiln/internal/mail"
	"github.com/kilnhq/kiln/internal/store"
)

type fakeExecutor struct {
	mergeErr                     error
	fetchErr, rebaseErr, pushErr error
	alwaysFailMerge              bool
	mergeCalls                   int
}

func (f *fakeExecutor) MergeBranch(branch string) error {
	f.mergeCalls++
	if f.alwaysFailMerge {
		return errors.New("conflict")
	}
	if f.mergeCalls == 1 {
		return f.mergeErr
	}
	return nil // tier-2 retry succeeds
}
func (f *fakeExecutor) FetchMain() error                   { return f.fetchErr }
func (f *fakeExecutor) RebaseOnto(branch, base string) error { return f.rebaseErr }
func (f *fakeExecutor) PushForceWithLease(branch string) error { return f.pushErr }
func (f *fakeExecutor) DeleteBranch(branch string) error    { return nil }

func setupRequest(t *testing.T, s *store.Store) (string, int) {
	t.Helper()
	req, err := s.CreateRequest("r", 2)
	require.NoError(t, err)
	task, err := s.CreateTask(store.NewTask{RequestID: req.ID, Subject: "t", Priority: store.PriorityNormal})
	require.NoError(t, err)
	return req.ID, task.ID
}

func TestResolve_Tier1Success(t *testing.T) {
	s, err := store.OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	reqID, taskID := setupRequest(t, s)
	require.NoError(t, s.UpdateTask(taskID, store.TaskUpdate{Status: taskStatusPtr(store.TaskCompleted)}))
	entry, err := s.EnqueueMerge(reqID, taskID, "https://github.com/o/r/pull/1", "feature/x", 0)
	require.NoError(t, err)

	exec := &fakeExecutor{}
	m := New(s, mail.New(s), events.New(), exec, Config{})
	require.NoError(t, m.Tick(context.Background()))

	got, err := s.GetMergeQueueEntry(entry.ID)
	require.NoError(t, err)
	require.Equal(t, store.MergeMerged, got.Status)

	req, err := s.GetRequest(reqID)
	require.NoError(t, err)
	require.Equal(t, store.RequestCompleted, req.Status)
}

func TestResolve_Tier3CreatesFixTaskOnTotalFailure(t *testing.T) {
	s, err := store.OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	reqID, taskID := setupRequest(t, s)
	entry, err := s.EnqueueMerge(reqID, taskID, "https://github.com/o/r/pull/2", "feature/y", 0)
	require.NoError(t, err)

	exec := &fakeExecutor{alwaysFailMerge: true, fetchErr: errors.New("fetch failed")}

	m := New(s, mail.New(s), events.New(), exec, Config{RebaseMaxTries: 1})
	require.NoError(t, m.Tick(context.Background()))

	got, err := s.GetMergeQueueEntry(entry.ID)
	require.NoError(t, err)
	require.Equal(t, store.MergeConflict, got.Status)

	tasks, err := s.ListTasks(store.TaskFilter{RequestID: &reqID})
	require.NoError(t, err)
	require.Len(t, tasks, 2) // original + fix task
}

func TestResolve_InvalidBranchRejected(t *testing.T) {
	s, err := store.OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	reqID, taskID := setupRequest(t, s)
	entry, err := s.EnqueueMerge(reqID, taskID, "not-a-url", "bad branch; rm -rf", 0)
	require.NoError(t, err)

	m := New(s, mail.New(s), events.New(), &fakeExecutor{}, Config{})
	require.NoError(t, m.Tick(context.Background()))

	got, err := s.GetMergeQueueEntry(entry.ID)
	require.NoError(t, err)
	require.Equal(t, store.MergeFailed, got.Status)
}

func TestResolve_Tier4RedoesWhenFixTaskAlsoConflicts(t *testing.T) {
	s, err := store.OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	req, err := s.CreateRequest("r", 2)
	require.NoError(t, err)
	reqID := req.ID
	fixTask, err := s.CreateTask(store.NewTask{
		RequestID:   reqID,
		Subject:     "fix merge conflict for task #1",
		Description: "Resolve the conflict in the original branch.",
		Files:       []string{"a.go", "b.go"},
		Priority:    store.PriorityHigh,
		Tier:        2,
	})
	require.NoError(t, err)
	entry, err := s.EnqueueMerge(reqID, fixTask.ID, "https://github.com/o/r/pull/5", "feature/fix-1", 0)
	require.NoError(t, err)

	exec := &fakeExecutor{alwaysFailMerge: true, fetchErr: errors.New("fetch failed")}
	m := New(s, mail.New(s), events.New(), exec, Config{RebaseMaxTries: 1})
	require.NoError(t, m.Tick(context.Background()))

	got, err := s.GetMergeQueueEntry(entry.ID)
	require.NoError(t, err)
	require.Equal(t, store.MergeConflict, got.Status)
	require.NotNil(t, got.Error)
	require.Equal(t, "Needs reimplementation on latest main", *got.Error)

	tasks, err := s.ListTasks(store.TaskFilter{RequestID: &reqID})
	require.NoError(t, err)
	require.Len(t, tasks, 2) // fix task + redo task
	var sawRedo bool
	for _, tk := range tasks {
		if tk.ID != fixTask.ID {
			sawRedo = true
			require.Contains(t, tk.Subject, "redo task")
			require.Equal(t, store.PriorityHigh, tk.Priority)
			require.Equal(t, fixTask.Description, tk.Description)
			require.Equal(t, fixTask.Files, tk.Files)
		}
	}
	require.True(t, sawRedo)
}

func TestResolve_FailedValidationBlocksMerge(t *testing.T) {
	s, err := store.OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	req, err := s.CreateRequest("r", 2)
	require.NoError(t, err)
	task, err := s.CreateTask(store.NewTask{
		RequestID: req.ID,
		Subject:   "t",
		Priority:  store.PriorityNormal,
		Validation: &store.Validation{
			Test: "exit 1",
		},
	})
	require.NoError(t, err)
	entry, err := s.EnqueueMerge(req.ID, task.ID, "https://github.com/o/r/pull/3", "feature/z", 0)
	require.NoError(t, err)

	m := New(s, mail.New(s), events.New(), &fakeExecutor{}, Config{RequireValidation: true})
	require.NoError(t, m.Tick(context.Background()))

	got, err := s.GetMergeQueueEntry(entry.ID)
	require.NoError(t, err)
	require.Equal(t, store.MergeFailed, got.Status)
}

func TestResolve_PassingValidationAllowsMerge(t *testing.T) {
	s, err := store.OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	req, err := s.CreateRequest("r", 2)
	require.NoError(t, err)
	task, err := s.CreateTask(store.NewTask{
		RequestID: req.ID,
		Subject:   "t",
		Priority:  store.PriorityNormal,
		Validation: &store.Validation{
			Build: "true",
		},
	})
	require.NoError(t, err)
	entry, err := s.EnqueueMerge(req.ID, task.ID, "https://github.com/o/r/pull/4", "feature/w", 0)
	require.NoError(t, err)

	m := New(s, mail.New(s), events.New(), &fakeExecutor{}, Config{RequireValidation: true})
	require.NoError(t, m.Tick(context.Background()))

	got, err := s.GetMergeQueueEntry(entry.ID)
	require.NoError(t, err)
	require.Equal(t, store.MergeMerged, got.Status)
}

func taskStatusPtr(s store.TaskStatus) *store.TaskStatus { return &s }
