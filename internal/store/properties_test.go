package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestProperty_NoDoubleAssignment checks the no-double-assignment
// invariant under repeated concurrent-style assignment attempts against
// a small worker/task pool.
func TestProperty_NoDoubleAssignment(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s, err := OpenMemory()
		require.NoError(rt, err)
		defer s.Close()

		req, err := s.CreateRequest("r", 3)
		require.NoError(rt, err)

		numWorkers := rapid.IntRange(1, 4).Draw(rt, "numWorkers")
		for i := 1; i <= numWorkers; i++ {
			_, err := s.RegisterWorker(i)
			require.NoError(rt, err)
		}

		numTasks := rapid.IntRange(1, 4).Draw(rt, "numTasks")
		var taskIDs []int
		for i := 0; i < numTasks; i++ {
			task, err := s.CreateTask(NewTask{RequestID: req.ID, Subject: "t", Priority: PriorityNormal})
			require.NoError(rt, err)
			taskIDs = append(taskIDs, task.ID)
		}

		attempts := rapid.IntRange(1, 10).Draw(rt, "attempts")
		for i := 0; i < attempts; i++ {
			taskID := taskIDs[rapid.IntRange(0, len(taskIDs)-1).Draw(rt, "taskIdx")]
			workerID := rapid.IntRange(1, numWorkers).Draw(rt, "workerIdx")
			_ = s.AssignTask(context.Background(), taskID, workerID) // error is an expected outcome, not a bug

			// Invariant: at most one worker holds any task at a time.
			owners := 0
			for w := 1; w <= numWorkers; w++ {
				worker, err := s.GetWorker(w)
				require.NoError(rt, err)
				if worker.CurrentTaskID != nil && *worker.CurrentTaskID == taskID {
					owners++
				}
			}
			require.LessOrEqual(rt, owners, 1)
		}
	})
}

// TestProperty_MailReadOnce checks that CheckMail never returns the same
// message twice across repeated calls.
func TestProperty_MailReadOnce(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s, err := OpenMemory()
		require.NoError(rt, err)
		defer s.Close()

		n := rapid.IntRange(0, 8).Draw(rt, "numMessages")
		for i := 0; i < n; i++ {
			_, err := s.SendMail("worker-1", MailNudge, []byte(`{}`))
			require.NoError(rt, err)
		}

		first, err := s.CheckMail("worker-1")
		require.NoError(rt, err)
		require.Len(rt, first, n)

		second, err := s.CheckMail("worker-1")
		require.NoError(rt, err)
		require.Empty(rt, second)
	})
}

// TestProperty_NoDoubleOwnerWorker checks the no-double-owner-worker
// invariant: a worker has a non-null current_task_id iff its status is
// one of {assigned, running, busy, completed_task}.
func TestProperty_NoDoubleOwnerWorker(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s, err := OpenMemory()
		require.NoError(rt, err)
		defer s.Close()

		req, err := s.CreateRequest("r", 3)
		require.NoError(rt, err)
		_, err = s.RegisterWorker(1)
		require.NoError(rt, err)

		steps := rapid.IntRange(1, 8).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 2).Draw(rt, "op") {
			case 0:
				task, err := s.CreateTask(NewTask{RequestID: req.ID, Subject: "t", Priority: PriorityNormal})
				require.NoError(rt, err)
				_ = s.AssignTask(context.Background(), task.ID, 1)
			case 1:
				w, err := s.GetWorker(1)
				require.NoError(rt, err)
				if w.CurrentTaskID != nil {
					_ = s.StartTask(*w.CurrentTaskID, 1)
				}
			case 2:
				w, err := s.GetWorker(1)
				require.NoError(rt, err)
				if w.CurrentTaskID != nil {
					_ = s.CompleteTask(*w.CurrentTaskID, 1, "done")
				}
			}

			w, err := s.GetWorker(1)
			require.NoError(rt, err)
			hasTask := w.CurrentTaskID != nil
			owns := w.Status == WorkerAssigned || w.Status == WorkerRunning ||
				w.Status == WorkerBusy || w.Status == WorkerCompletedTask
			require.Equal(rt, owns, hasTask, "status=%s current_task_id_set=%v", w.Status, hasTask)
		}
	})
}

// TestProperty_MonotonicRequestClosure checks that a request which has
// reached `completed` never transitions again, across an arbitrary
// sequence of UpdateRequest calls.
func TestProperty_MonotonicRequestClosure(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s, err := OpenMemory()
		require.NoError(rt, err)
		defer s.Close()

		req, err := s.CreateRequest("r", 3)
		require.NoError(rt, err)

		statuses := []RequestStatus{RequestPending, RequestDecomposed, RequestCompleted, RequestFailed}
		reachedCompleted := false
		steps := rapid.IntRange(1, 8).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			current, err := s.GetRequest(req.ID)
			require.NoError(rt, err)
			if current.Status == RequestCompleted {
				reachedCompleted = true
			}

			next := statuses[rapid.IntRange(0, len(statuses)-1).Draw(rt, "nextStatus")]
			_ = s.UpdateRequest(req.ID, RequestUpdate{Status: &next}) // rejection of a post-completion transition is expected, not a bug

			after, err := s.GetRequest(req.ID)
			require.NoError(rt, err)
			if reachedCompleted {
				require.Equal(rt, RequestCompleted, after.Status,
					"request transitioned out of completed once reached")
			}
		}
	})
}
