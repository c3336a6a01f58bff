package allocator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilnhq/kiln/internal/events"
	"github.com/kilnhq/kiln/internal/mail"
	"github.com/kilnhq/kiln/internal/store"
)

type fakeSupervisor struct {
	spawned map[int]bool
}

func newFakeSupervisor() *fakeSupervisor { return &fakeSupervisor{spawned: map[int]bool{}} }

func (f *fakeSupervisor) HasWindow(id int) bool { return f.spawned[id] }
func (f *fakeSupervisor) CreateWindow(ctx context.Context, id int, cmd string, args []string, env map[string]string) error {
	f.spawned[id] = true
	return nil
}
func (f *fakeSupervisor) SendKeys(id int, input string) error       { return nil }
func (f *fakeSupervisor) IsAlive(id int) bool                       { return f.spawned[id] }
func (f *fakeSupervisor) CapturePane(id int) (string, error)        { return "", nil }
func (f *fakeSupervisor) KillWindow(id int) error                   { delete(f.spawned, id); return nil }
func (f *fakeSupervisor) KillSession() error                        { f.spawned = map[int]bool{}; return nil }

func TestTick_AssignsReadyTaskToIdleWorker(t *testing.T) {
	s, err := store.OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	req, err := s.CreateRequest("do it", 3)
	require.NoError(t, err)
	task, err := s.CreateTask(store.NewTask{RequestID: req.ID, Subject: "t", Priority: store.PriorityNormal})
	require.NoError(t, err)
	_, err = s.RegisterWorker(1)
	require.NoError(t, err)

	sup := newFakeSupervisor()
	a := New(s, mail.New(s), events.New(), sup, Config{})

	require.NoError(t, a.Tick(context.Background()))

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskAssigned, got.Status)
	require.NotNil(t, got.AssignedTo)
	require.True(t, sup.HasWindow(*got.AssignedTo))

	msgs, err := s.CheckMail("worker-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, store.MailTaskAssigned, msgs[0].Kind)
}

func TestTick_NoIdleWorkersSendsHint(t *testing.T) {
	s, err := store.OpenMemory()
	require.NoError(t, err)
	defer s.Close()

	req, err := s.CreateRequest("do it", 3)
	require.NoError(t, err)
	_, err = s.CreateTask(store.NewTask{RequestID: req.ID, Subject: "t", Priority: store.PriorityNormal})
	require.NoError(t, err)

	a := New(s, mail.New(s), events.New(), newFakeSupervisor(), Config{})
	require.NoError(t, a.Tick(context.Background()))

	msgs, err := s.CheckMail("architect")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, store.MailTasksAvailable, msgs[0].Kind)
}
