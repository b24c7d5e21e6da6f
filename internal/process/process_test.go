package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpawnCapturesLinesAndExitCode(t *testing.T) {
	r := NewRunner(nil)
	ctx := context.Background()

	h, err := r.Spawn(ctx, SpawnOptions{
		ProcessID: "p1",
		Argv:      []string{"/bin/sh", "-c", "echo out-line; echo err-line 1>&2; exit 0"},
		Cwd:       t.TempDir(),
	})
	require.NoError(t, err)

	var lines []Line
	for line := range h.Stream {
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)

	res, err := h.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, res.ExitCode)
	require.Equal(t, 0, *res.ExitCode)
}

func TestSpawnNonZeroExit(t *testing.T) {
	r := NewRunner(nil)
	ctx := context.Background()

	h, err := r.Spawn(ctx, SpawnOptions{ProcessID: "p2", Argv: []string{"/bin/sh", "-c", "exit 3"}, Cwd: t.TempDir()})
	require.NoError(t, err)
	for range h.Stream {
	}
	res, err := h.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, res.ExitCode)
	require.Equal(t, 3, *res.ExitCode)
}

func TestSpawnMissingExecutable(t *testing.T) {
	r := NewRunner(nil)
	_, err := r.Spawn(context.Background(), SpawnOptions{ProcessID: "p3", Argv: []string{"/no/such/binary-xyz"}, Cwd: t.TempDir()})
	require.Error(t, err)
}

func TestKillTerminatesLongRunningProcess(t *testing.T) {
	r := NewRunner(nil)
	ctx := context.Background()

	h, err := r.Spawn(ctx, SpawnOptions{ProcessID: "p4", Argv: []string{"/bin/sh", "-c", "sleep 30"}, Cwd: t.TempDir()})
	require.NoError(t, err)

	require.True(t, r.Registered("p4"))

	go func() {
		for range h.Stream {
		}
	}()

	found, err := r.Kill(ctx, "p4", 500*time.Millisecond)
	require.NoError(t, err)
	require.True(t, found)

	res, err := h.Wait(ctx)
	require.NoError(t, err)
	require.True(t, res.Signaled)

	// Second kill on an already-killed process coalesces and still reports found.
	found, err = r.Kill(ctx, "p4", 500*time.Millisecond)
	require.NoError(t, err)
	require.True(t, found)
}

func TestKillUnknownProcessReturnsFalse(t *testing.T) {
	r := NewRunner(nil)
	found, err := r.Kill(context.Background(), "does-not-exist", time.Second)
	require.NoError(t, err)
	require.False(t, found)
}
