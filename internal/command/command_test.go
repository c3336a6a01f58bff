package command

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kilnhq/kiln/internal/events"
	"github.com/kilnhq/kiln/internal/mail"
	"github.com/kilnhq/kiln/internal/store"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	srv := New(s, mail.New(s), events.New())
	path := filepath.Join(t.TempDir(), "kiln.sock")
	require.NoError(t, srv.Listen(path))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx) }()

	return srv, path
}

func dial(t *testing.T, path string) (net.Conn, *bufio.Reader) {
	t.Helper()
	var conn net.Conn
	var err error
	require.Eventually(t, func() bool {
		conn, err = net.Dial("unix", path)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func call(t *testing.T, conn net.Conn, r *bufio.Reader, command string, args any) map[string]any {
	t.Helper()
	req := map[string]any{"command": command}
	if args != nil {
		req["args"] = args
	}
	b, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(append(b, '\n'))
	require.NoError(t, err)

	line, err := r.ReadString('\n')
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	return resp
}

func TestPing(t *testing.T) {
	_, path := newTestServer(t)
	conn, r := dial(t, path)
	resp := call(t, conn, r, "ping", nil)
	require.Equal(t, true, resp["ok"])
	require.Equal(t, true, resp["pong"])
}

func TestUnknownCommand(t *testing.T) {
	_, path := newTestServer(t)
	conn, r := dial(t, path)
	resp := call(t, conn, r, "not-a-command", nil)
	require.Contains(t, resp["error"], "unknown command")
}

func TestRequestMissingDescriptionRejected(t *testing.T) {
	_, path := newTestServer(t)
	conn, r := dial(t, path)
	resp := call(t, conn, r, "request", map[string]any{})
	require.Contains(t, resp["error"], "description is required")
}

func TestFixCreatesReadyTaskAndNotifiesAllocator(t *testing.T) {
	_, path := newTestServer(t)
	conn, r := dial(t, path)

	resp := call(t, conn, r, "fix", map[string]any{"subject": "patch typo", "description": "fix the typo in README"})
	require.Equal(t, true, resp["ok"])
	requestID, _ := resp["request_id"].(string)
	require.NotEmpty(t, requestID)

	ready := call(t, conn, r, "ready-tasks", nil)
	tasks, ok := ready["tasks"].([]any)
	require.True(t, ok)
	require.Len(t, tasks, 1)

	inbox := call(t, conn, r, "inbox", map[string]any{"recipient": "allocator"})
	msgs, ok := inbox["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 1)
}

func TestFullTaskLifecycle(t *testing.T) {
	_, path := newTestServer(t)
	conn, r := dial(t, path)

	call(t, conn, r, "register-worker", map[string]any{"worker_id": 1})

	fixResp := call(t, conn, r, "fix", map[string]any{"subject": "s", "description": "d"})
	requestID := fixResp["request_id"].(string)

	ready := call(t, conn, r, "ready-tasks", nil)
	tasks := ready["tasks"].([]any)
	require.Len(t, tasks, 1)
	taskID := int(tasks[0].(map[string]any)["ID"].(float64))

	assign := call(t, conn, r, "assign-task", map[string]any{"task_id": taskID, "worker_id": 1})
	require.Equal(t, true, assign["ok"])

	start := call(t, conn, r, "start-task", map[string]any{"task_id": taskID, "worker_id": 1})
	require.Equal(t, true, start["ok"])

	complete := call(t, conn, r, "complete-task", map[string]any{
		"task_id": taskID, "worker_id": 1, "result_summary": "done",
	})
	require.Equal(t, true, complete["ok"])

	status := call(t, conn, r, "status", map[string]any{"request_id": requestID})
	require.Equal(t, true, status["ok"])
}

func TestAssignConflictReportsOkFalse(t *testing.T) {
	_, path := newTestServer(t)
	conn, r := dial(t, path)

	call(t, conn, r, "register-worker", map[string]any{"worker_id": 1})
	fixResp := call(t, conn, r, "fix", map[string]any{"subject": "s", "description": "d"})
	require.Equal(t, true, fixResp["ok"])

	ready := call(t, conn, r, "ready-tasks", nil)
	taskID := int(ready["tasks"].([]any)[0].(map[string]any)["ID"].(float64))

	first := call(t, conn, r, "assign-task", map[string]any{"task_id": taskID, "worker_id": 1})
	require.Equal(t, true, first["ok"])

	second := call(t, conn, r, "assign-task", map[string]any{"task_id": taskID, "worker_id": 1})
	require.Equal(t, false, second["ok"])
	require.Contains(t, second["error"], "task_not_ready")
}

func TestInboxBlockReturnsOnMessage(t *testing.T) {
	_, path := newTestServer(t)
	conn1, r1 := dial(t, path)
	conn2, r2 := dial(t, path)

	done := make(chan map[string]any, 1)
	go func() {
		done <- call(t, conn1, r1, "inbox-block", map[string]any{"recipient": "architect", "deadline_seconds": 5})
	}()

	time.Sleep(50 * time.Millisecond)
	call(t, conn2, r2, "request", map[string]any{"description": "please do the thing"})

	select {
	case resp := <-done:
		msgs, ok := resp["messages"].([]any)
		require.True(t, ok)
		require.Len(t, msgs, 1)
	case <-time.After(3 * time.Second):
		t.Fatal("inbox-block did not return after mail arrived")
	}
}
