package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProcessSupervisor_SpawnAndCapture(t *testing.T) {
	s := NewProcessSupervisor()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.CreateWindow(ctx, 1, "sh", []string{"-c", "echo hello"}, nil)
	require.NoError(t, err)
	require.True(t, s.HasWindow(1))

	require.Eventually(t, func() bool {
		out, err := s.CapturePane(1)
		return err == nil && len(out) > 0
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, s.KillWindow(1))
	require.False(t, s.HasWindow(1))
}

func TestProcessSupervisor_CreateWindowTwiceFails(t *testing.T) {
	s := NewProcessSupervisor()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.CreateWindow(ctx, 1, "sleep", []string{"1"}, nil))
	err := s.CreateWindow(ctx, 1, "sleep", []string{"1"}, nil)
	require.ErrorIs(t, err, ErrWindowExists)
	_ = s.KillWindow(1)
}

func TestProcessSupervisor_SendKeysNoWindow(t *testing.T) {
	s := NewProcessSupervisor()
	err := s.SendKeys(99, "x")
	require.ErrorIs(t, err, ErrNoWindow)
}
