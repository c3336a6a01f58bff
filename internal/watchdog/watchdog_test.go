package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kilnhq/kiln/internal/events"
	"github.com/kilnhq/kiln/internal/mail"
	"github.com/kilnhq/kiln/internal/store"
)

type fakeSupervisor struct {
	alive map[int]bool
	has   map[int]bool
	killed map[int]bool
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{alive: map[int]bool{}, has: map[int]bool{}, killed: map[int]bool{}}
}
func (f *fakeSupervisor) HasWindow(id int) bool { return f.has[id] }
func (f *fakeSupervisor) CreateWindow(ctx context.Context, id int, cmd string, args []string, env map[string]string) error {
	f.has[id] = true
	f.alive[id] = true
	return nil
}
func (f *fakeSupervisor) SendKeys(id int, input string) error { return nil }
func (f *fakeSupervisor) IsAlive(id int) bool                 { return f.alive[id] }
func (f *fakeSupervisor) CapturePane(id int) (string, error)  { return "", nil }
func (f *fakeSupervisor) KillWindow(id int) error              { f.killed[id] = true; f.alive[id] = false; return nil }
func (f *fakeSupervisor) KillSession() error                   { return nil }

func TestTick_DeadWorkerRequeuesTask(t *testing.T) {
	s, err := store.OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	req, err := s.CreateRequest("r", 2)
	require.NoError(t, err)
	task, err := s.CreateTask(store.NewTask{RequestID: req.ID, Subject: "t", Priority: store.PriorityNormal})
	require.NoError(t, err)
	_, err = s.RegisterWorker(1)
	require.NoError(t, err)
	require.NoError(t, s.AssignTask(context.Background(), task.ID, 1))

	longAgo := time.Now().Add(-time.Hour)
	require.NoError(t, s.UpdateWorker(1, store.WorkerUpdate{LaunchedAt: &longAgo}))

	sup := newFakeSupervisor()
	sup.has[1] = true
	sup.alive[1] = false // dead

	w := New(s, mail.New(s), events.New(), sup, Config{})
	require.NoError(t, w.Tick(time.Now()))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskReady, got.Status)
	require.Nil(t, got.AssignedTo)

	wk, err := s.GetWorker(1)
	require.NoError(t, err)
	require.Equal(t, store.WorkerIdle, wk.Status)
}

func TestTick_StaleClaimReleased(t *testing.T) {
	s, err := store.OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	_, err = s.RegisterWorker(1)
	require.NoError(t, err)
	require.NoError(t, s.ClaimWorker(1, "architect"))

	w := New(s, mail.New(s), events.New(), newFakeSupervisor(), Config{StaleClaimAfter: 1 * time.Millisecond})
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, w.Tick(time.Now()))

	wk, err := s.GetWorker(1)
	require.NoError(t, err)
	require.Nil(t, wk.ClaimedBy)
}
