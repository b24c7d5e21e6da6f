package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/execcore/internal/apperror"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db.sqlite")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProjectTaskAttemptProcessLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	project := &Project{ID: uuid.NewString(), Name: "demo", GitRepoPath: "/tmp/demo-repo", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateProject(ctx, project))

	// Duplicate git_repo_path is a Conflict, not a generic error.
	dup := &Project{ID: uuid.NewString(), Name: "demo2", GitRepoPath: project.GitRepoPath, CreatedAt: now, UpdatedAt: now}
	require.ErrorIs(t, s.CreateProject(ctx, dup), apperror.ErrConflict)

	task := &Task{ID: uuid.NewString(), ProjectID: project.ID, Title: "t1", Status: TaskTodo, WishID: "w1", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateTask(ctx, task))

	attempt := &TaskAttempt{
		ID: uuid.NewString(), TaskID: task.ID, Executor: "echo", BaseBranch: "main",
		Branch: "codeforge/" + task.ID, WorktreePath: "/tmp/wt", CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateAttempt(ctx, attempt))

	proc := &ExecutionProcess{
		ID: uuid.NewString(), TaskAttemptID: attempt.ID, ProcessType: ProcessCodingAgent, ExecutorType: "echo",
		Status: ProcessRunning, CommandLine: "echo hello", WorkingDirectory: "/tmp/wt", StartedAt: now, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateProcess(ctx, proc))

	running, err := s.RunningProcessForAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	require.NotNil(t, running)
	require.Equal(t, proc.ID, running.ID)

	ok, err := s.FinishProcess(ctx, proc.ID, ProcessCompleted, intPtr(0), now.Add(time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	// Second finish on an already-terminal row must be a no-op, not an error:
	// this is the single conditional UPDATE that resolves the cancel/exit race.
	ok, err = s.FinishProcess(ctx, proc.ID, ProcessKilled, nil, now.Add(2*time.Second))
	require.NoError(t, err)
	require.False(t, ok)

	got, err := s.GetProcess(ctx, proc.ID)
	require.NoError(t, err)
	require.Equal(t, ProcessCompleted, got.Status)
	require.NotNil(t, got.ExitCode)
	require.Equal(t, 0, *got.ExitCode)
}

func TestAppendEventDenseSeq(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	project := &Project{ID: uuid.NewString(), Name: "demo", GitRepoPath: "/tmp/demo-repo2", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateProject(ctx, project))
	task := &Task{ID: uuid.NewString(), ProjectID: project.ID, Title: "t1", Status: TaskTodo, WishID: "w1", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateTask(ctx, task))
	attempt := &TaskAttempt{ID: uuid.NewString(), TaskID: task.ID, Executor: "echo", BaseBranch: "main", Branch: "b1", WorktreePath: "/tmp/wt2", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateAttempt(ctx, attempt))
	proc := &ExecutionProcess{ID: uuid.NewString(), TaskAttemptID: attempt.ID, ProcessType: ProcessCodingAgent, ExecutorType: "echo", Status: ProcessRunning, CommandLine: "echo", WorkingDirectory: "/tmp/wt2", StartedAt: now, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateProcess(ctx, proc))

	sid := "ext-session-1"
	seq0, err := s.AppendEvent(ctx, proc.ID, EventSessionStarted, `{}`, &sid, now)
	require.NoError(t, err)
	require.Equal(t, int64(0), seq0)

	seq1, err := s.AppendEvent(ctx, proc.ID, EventAssistantMessage, `{"text":"hello"}`, nil, now.Add(time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, int64(1), seq1)

	events, err := s.EventsForProcess(ctx, proc.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, int64(0), events[0].Seq)
	require.Equal(t, int64(1), events[1].Seq)

	latest, err := s.LatestExternalSession(ctx, attempt.ID)
	require.NoError(t, err)
	require.Equal(t, sid, latest)
}

func TestDerivedStatusComputedOnRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	project := &Project{ID: uuid.NewString(), Name: "demo", GitRepoPath: "/tmp/demo-repo3", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateProject(ctx, project))
	task := &Task{ID: uuid.NewString(), ProjectID: project.ID, Title: "t1", Status: TaskInProgress, WishID: "w1", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateTask(ctx, task))
	attempt := &TaskAttempt{ID: uuid.NewString(), TaskID: task.ID, Executor: "echo", BaseBranch: "main", Branch: "b1", WorktreePath: "/tmp/wt3", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateAttempt(ctx, attempt))
	proc := &ExecutionProcess{ID: uuid.NewString(), TaskAttemptID: attempt.ID, ProcessType: ProcessCodingAgent, ExecutorType: "echo", Status: ProcessRunning, CommandLine: "echo", WorkingDirectory: "/tmp/wt3", StartedAt: now, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateProcess(ctx, proc))

	derived, err := s.DerivedStatus(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, derived.HasInProgressAttempt)
	require.False(t, derived.HasMergedAttempt)
	require.NotNil(t, derived.LatestAttemptExecutor)
	require.Equal(t, "echo", *derived.LatestAttemptExecutor)
}

func intPtr(v int) *int { return &v }
