// Package attempt drives one attempt's setup → coding-agent → cleanup
// pipeline, handles cancellation and follow-ups that resume a prior
// external session, and reconciles each stage's terminal status with the
// owning task's derived status. The pipeline is strictly linear —
// SetupScript, then CodingAgent, then CleanupScript — so a failure at any
// stage short-circuits the rest rather than racing independent steps.
package attempt

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/execcore/internal/apperror"
	"github.com/taskforge/execcore/internal/executor"
	"github.com/taskforge/execcore/internal/process"
	"github.com/taskforge/execcore/internal/store"
	"github.com/taskforge/execcore/internal/workspace"
)

// Config carries the orchestrator's tunables, sourced from config.Config.
type Config struct {
	WorkspaceRoot string
	BranchPrefix  string
	KillGrace     time.Duration
	CommitAuthor  string
	CommitEmail   string
}

// Orchestrator is the attempt state machine. One instance serves every
// attempt in the process; per-attempt operations are serialised by a
// per-id mutex, so two calls against the same attempt never interleave
// while calls against distinct attempts still run concurrently.
type Orchestrator struct {
	store    *store.Store
	registry *executor.Registry
	runner   *process.Runner
	cfg      Config
	log      *slog.Logger

	reposMu sync.Mutex
	repos   map[string]*workspace.Handle

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(st *store.Store, registry *executor.Registry, runner *process.Runner, cfg Config, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		store:    st,
		registry: registry,
		runner:   runner,
		cfg:      cfg,
		log:      log,
		repos:    make(map[string]*workspace.Handle),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) lockFor(attemptID string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	l, ok := o.locks[attemptID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[attemptID] = l
	}
	return l
}

func (o *Orchestrator) openRepo(repoPath string) (*workspace.Handle, error) {
	o.reposMu.Lock()
	defer o.reposMu.Unlock()
	if h, ok := o.repos[repoPath]; ok {
		return h, nil
	}
	h, err := workspace.Open(repoPath)
	if err != nil {
		return nil, err
	}
	o.repos[repoPath] = h
	return h, nil
}

// Start materialises a fresh worktree on a branch derived from the attempt
// id, persists the TaskAttempt, and enqueues the first pipeline stage
// (SetupScript if the project defines one, else CodingAgent directly).
func (o *Orchestrator) Start(ctx context.Context, taskID, executorTag, baseBranch string) (*store.TaskAttempt, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == store.TaskDone || task.Status == store.TaskCancelled {
		return nil, apperror.Validation("task %q is closed", taskID)
	}
	project, err := o.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}
	if _, ok := o.registry.Get(executorTag); !ok {
		return nil, apperror.Validation("unknown executor variant %q", executorTag)
	}

	handle, err := o.openRepo(project.GitRepoPath)
	if err != nil {
		return nil, err
	}
	if baseBranch == "" {
		baseBranch, err = handle.CurrentBranch()
		if err != nil {
			return nil, err
		}
	}

	attemptID := uuid.NewString()
	branch := o.cfg.BranchPrefix + attemptID
	worktreePath := filepath.Join(o.cfg.WorkspaceRoot, attemptID)

	if err := handle.CreateWorktree(branch, worktreePath, baseBranch); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	att := &store.TaskAttempt{
		ID: attemptID, TaskID: taskID, Executor: executorTag, BaseBranch: baseBranch,
		Branch: branch, WorktreePath: worktreePath, CreatedAt: now, UpdatedAt: now,
	}
	if err := o.store.CreateAttempt(ctx, att); err != nil {
		handle.RemoveWorktree(worktreePath)
		return nil, err
	}

	if task.Status == store.TaskTodo {
		o.setTaskStatus(ctx, taskID, store.TaskInProgress)
	}

	if project.SetupScript != nil && strings.TrimSpace(*project.SetupScript) != "" {
		if _, err := o.spawnStage(ctx, att, store.ProcessSetupScript, *project.SetupScript, ""); err != nil {
			return att, err
		}
	} else {
		if _, err := o.runCodingAgent(ctx, att, task, ""); err != nil {
			return att, err
		}
	}

	return att, nil
}

// Followup requires the attempt's prior coding-agent to have produced a
// SessionStarted event and spawns a resume-form CodingAgent process.
func (o *Orchestrator) Followup(ctx context.Context, attemptID, prompt string) (*store.ExecutionProcess, error) {
	lock := o.lockFor(attemptID)
	lock.Lock()
	defer lock.Unlock()

	att, err := o.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	task, err := o.store.GetTask(ctx, att.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status == store.TaskDone || task.Status == store.TaskCancelled {
		return nil, &apperror.AppError{Kind: apperror.KindValidation, Err: apperror.ErrAttemptClosed, Message: "attempt is closed", Status: 409}
	}
	merged, err := o.store.AttemptMerged(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if merged {
		return nil, &apperror.AppError{Kind: apperror.KindValidation, Err: apperror.ErrAttemptClosed, Message: "attempt already merged", Status: 409}
	}
	if running, err := o.store.RunningProcessForAttempt(ctx, attemptID); err != nil {
		return nil, err
	} else if running != nil {
		return nil, apperror.Conflict("attempt %q already has a running process", attemptID)
	}

	variant, ok := o.registry.Get(att.Executor)
	if !ok {
		return nil, apperror.Validation("unknown executor variant %q", att.Executor)
	}
	if !variant.SupportsFollowup {
		return nil, &apperror.AppError{Kind: apperror.KindValidation, Err: apperror.ErrFollowUpUnsupported, Message: fmt.Sprintf("executor %q does not support follow-up", att.Executor), Status: 422}
	}

	sessionID, err := o.store.LatestExternalSession(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, &apperror.AppError{Kind: apperror.KindValidation, Err: apperror.ErrNoPriorSession, Message: "no prior session to resume", Status: 422}
	}

	return o.spawnStage(ctx, att, store.ProcessCodingAgent, prompt, sessionID)
}

// Cancel kills the attempt's currently running process, if any. Issued
// between stages (no process currently running), it instead flips the
// owning task straight to Cancelled so the chaining check in advance()
// refuses to spawn the next stage — this is the only way to stop a
// pipeline that has no live process to signal. Idempotent: a second call
// observes either a coalesced kill or an already-Cancelled task and
// returns success without further writes.
func (o *Orchestrator) Cancel(ctx context.Context, attemptID string) error {
	lock := o.lockFor(attemptID)
	lock.Lock()
	defer lock.Unlock()

	att, err := o.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return err
	}

	proc, err := o.store.RunningProcessForAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if proc != nil {
		_, err := o.runner.Kill(ctx, proc.ID, o.cfg.KillGrace)
		return err
	}

	task, err := o.store.GetTask(ctx, att.TaskID)
	if err != nil {
		return err
	}
	if task.Status == store.TaskDone || task.Status == store.TaskCancelled {
		return nil
	}
	return o.store.UpdateTaskStatus(ctx, att.TaskID, store.TaskCancelled, time.Now().UTC())
}

// Merge requires no running processes, merges the attempt's branch into
// its base branch using the configured git identity, and on success
// persists merge_commit and marks the owning task Done. Merge is a pure
// local git operation — opening a pull/merge request against a remote
// host is a separate operation (internal/pr) layered on top, since not
// every task needs a PR and a merge shouldn't block on a remote being
// reachable.
func (o *Orchestrator) Merge(ctx context.Context, attemptID, message string) (string, error) {
	lock := o.lockFor(attemptID)
	lock.Lock()
	defer lock.Unlock()

	att, err := o.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return "", err
	}
	if running, err := o.store.RunningProcessForAttempt(ctx, attemptID); err != nil {
		return "", err
	} else if running != nil {
		return "", apperror.Conflict("attempt %q has a running process", attemptID)
	}

	task, err := o.store.GetTask(ctx, att.TaskID)
	if err != nil {
		return "", err
	}
	project, err := o.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return "", err
	}
	handle, err := o.openRepo(project.GitRepoPath)
	if err != nil {
		return "", err
	}

	commit, err := handle.Merge(att.Branch, att.BaseBranch, message, o.cfg.CommitAuthor, o.cfg.CommitEmail)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	if err := o.store.SetMergeCommit(ctx, attemptID, commit, now); err != nil {
		return "", err
	}
	o.setTaskStatus(ctx, task.ID, store.TaskDone)
	return commit, nil
}

// Diff returns the attempt's worktree diff against its base branch. A
// worktree removed by cleanup fails WorkspaceMissing rather than silently
// recreating it: a diff against a worktree nobody asked to rebuild would
// silently disagree with whatever state the attempt's rows claim.
func (o *Orchestrator) Diff(ctx context.Context, attemptID string) (*workspace.Diff, error) {
	att, err := o.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(att.WorktreePath); os.IsNotExist(err) {
		return nil, apperror.Workspace(apperror.ErrWorkspaceMissing, "worktree for attempt %q no longer exists", attemptID)
	}
	task, err := o.store.GetTask(ctx, att.TaskID)
	if err != nil {
		return nil, err
	}
	project, err := o.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}
	handle, err := o.openRepo(project.GitRepoPath)
	if err != nil {
		return nil, err
	}
	return handle.Diff(att.WorktreePath, att.BaseBranch)
}

func (o *Orchestrator) runCodingAgent(ctx context.Context, att *store.TaskAttempt, task *store.Task, resumeSessionID string) (*store.ExecutionProcess, error) {
	prompt := task.Title
	if task.Description != nil && strings.TrimSpace(*task.Description) != "" {
		prompt = *task.Description
	}
	return o.spawnStage(ctx, att, store.ProcessCodingAgent, prompt, resumeSessionID)
}

// spawnStage builds the variant's command, persists the ExecutionProcess
// row, spawns the child via the Process Runner, and starts the dedicated
// output-pumping goroutine that owns this process's Parser for its whole
// lifetime, since a Parser accumulates state across lines and isn't safe
// to share across goroutines.
func (o *Orchestrator) spawnStage(ctx context.Context, att *store.TaskAttempt, processType store.ProcessType, prompt, resumeSessionID string) (*store.ExecutionProcess, error) {
	variantTag := att.Executor
	switch processType {
	case store.ProcessSetupScript:
		variantTag = "setup_script"
	case store.ProcessCleanupScript:
		variantTag = "cleanup_script"
	}
	variant, ok := o.registry.Get(variantTag)
	if !ok {
		return nil, apperror.Validation("unknown executor variant %q", variantTag)
	}

	cmd, err := variant.BuildCommand(executor.SpawnRequest{WorktreePath: att.WorktreePath, Prompt: prompt, ResumeSessionID: resumeSessionID})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	proc := &store.ExecutionProcess{
		ID: uuid.NewString(), TaskAttemptID: att.ID, ProcessType: processType, ExecutorType: variantTag,
		Status: store.ProcessRunning, CommandLine: strings.Join(cmd.Argv, " "), WorkingDirectory: cmd.Cwd,
		StartedAt: now, CreatedAt: now, UpdatedAt: now,
	}
	if err := o.store.CreateProcess(ctx, proc); err != nil {
		return nil, err
	}

	env := append(os.Environ(), cmd.Env...)
	handle, err := o.runner.Spawn(context.Background(), process.SpawnOptions{ProcessID: proc.ID, Argv: cmd.Argv, Env: env, Cwd: cmd.Cwd, UsePTY: cmd.UsePTY})
	if err != nil {
		failAt := time.Now().UTC()
		o.store.FinishProcess(ctx, proc.ID, store.ProcessFailed, nil, failAt)
		o.store.AppendEvent(ctx, proc.ID, store.EventError, fmt.Sprintf(`{"tag":"SpawnError","detail":%q}`, err.Error()), nil, failAt)
		o.setTaskStatus(ctx, att.TaskID, store.TaskTodo)
		return proc, err
	}

	parser := variant.NewParser()
	go o.pump(att, proc, handle, parser)

	return proc, nil
}

// pump drains one process's combined stdout/stderr stream into the
// Conversation Store, then finalises the row's terminal status and decides
// the next pipeline stage. It runs detached from any request context so a
// spawned child outlives the handler that started it — an HTTP client
// disconnecting should never kill a coding-agent run mid-stream.
func (o *Orchestrator) pump(att *store.TaskAttempt, proc *store.ExecutionProcess, handle *process.Handle, parser executor.Parser) {
	ctx := context.Background()

	for line := range handle.Stream {
		for _, ev := range parser.Feed(line) {
			o.appendEvent(ctx, proc.ID, ev)
		}
	}
	for _, ev := range parser.Flush() {
		o.appendEvent(ctx, proc.ID, ev)
	}

	result, err := handle.Wait(ctx)
	if err != nil {
		o.log.Error("process wait failed", "process_id", proc.ID, "error", err)
		return
	}

	status := store.ProcessCompleted
	switch {
	case result.Signaled:
		status = store.ProcessKilled
	case result.ExitCode == nil || *result.ExitCode != 0:
		status = store.ProcessFailed
	}

	applied, err := o.store.FinishProcess(ctx, proc.ID, status, result.ExitCode, time.Now().UTC())
	if err != nil {
		o.log.Error("finalizing process failed", "process_id", proc.ID, "error", err)
		return
	}
	if !applied {
		// Already finalized by a racing observer (e.g. the monitor's boot
		// reconciliation pass); whoever wins the conditional UPDATE is the
		// one that chains, so the loser returns without scheduling a
		// duplicate next stage.
		return
	}

	o.advance(ctx, att, proc, status)
}

func (o *Orchestrator) appendEvent(ctx context.Context, processID string, ev executor.ParsedEvent) {
	if _, err := o.store.AppendEvent(ctx, processID, ev.Kind, ev.Payload, ev.ExternalSessionID, time.Now().UTC()); err != nil {
		o.log.Error("append conversation event failed", "process_id", processID, "error", err)
	}
}

// advance implements the pipeline's chaining rule: SetupScript success
// enqueues CodingAgent; CodingAgent success enqueues CleanupScript iff one
// exists, else the attempt is done; any non-zero exit or Killed ends the
// attempt without scheduling further stages.
func (o *Orchestrator) advance(ctx context.Context, att *store.TaskAttempt, proc *store.ExecutionProcess, status store.ProcessStatus) {
	task, err := o.store.GetTask(ctx, att.TaskID)
	if err != nil {
		o.log.Error("advance: loading task failed", "attempt_id", att.ID, "error", err)
		return
	}

	if status == store.ProcessKilled {
		o.setTaskStatus(ctx, task.ID, store.TaskCancelled)
		return
	}
	if status == store.ProcessFailed {
		o.setTaskStatus(ctx, task.ID, store.TaskTodo)
		return
	}

	// A cancel landing in the gap between this stage finishing and the
	// next one spawning leaves no running process to kill; it instead
	// flips the task straight to Cancelled, so re-check before chaining.
	if task.Status == store.TaskCancelled {
		return
	}

	project, err := o.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		o.log.Error("advance: loading project failed", "attempt_id", att.ID, "error", err)
		return
	}

	switch proc.ProcessType {
	case store.ProcessSetupScript:
		if _, err := o.runCodingAgent(ctx, att, task, ""); err != nil {
			o.log.Error("advance: spawning coding agent failed", "attempt_id", att.ID, "error", err)
		}
	case store.ProcessCodingAgent:
		if project.CleanupScript != nil && strings.TrimSpace(*project.CleanupScript) != "" {
			if _, err := o.spawnStage(ctx, att, store.ProcessCleanupScript, *project.CleanupScript, ""); err != nil {
				o.log.Error("advance: spawning cleanup script failed", "attempt_id", att.ID, "error", err)
			}
		} else {
			o.setTaskStatus(ctx, task.ID, store.TaskInReview)
		}
	case store.ProcessCleanupScript:
		o.setTaskStatus(ctx, task.ID, store.TaskInReview)
	}
}

// FinalizeOrphan marks a process lost across a restart as Failed with a
// synthetic orphan marker and drives it through the same chaining/task
// status machinery a live exit would. The Execution Monitor calls this
// during its boot reconciliation pass for any Running
// row the Process Runner no longer has registered.
func (o *Orchestrator) FinalizeOrphan(ctx context.Context, proc *store.ExecutionProcess) error {
	code := -1
	at := time.Now().UTC()
	applied, err := o.store.FinishProcess(ctx, proc.ID, store.ProcessFailed, &code, at)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	o.store.AppendEvent(ctx, proc.ID, store.EventError, `{"tag":"Orphaned","detail":"process lost across restart"}`, nil, at)

	att, err := o.store.GetAttempt(ctx, proc.TaskAttemptID)
	if err != nil {
		return err
	}
	o.advance(ctx, att, proc, store.ProcessFailed)
	return nil
}

// RemoveAttemptWorktree removes an attempt's worktree, used by the
// Execution Monitor's merged/closed-attempt cleanup pass. Removal itself is
// idempotent (workspace.Handle.RemoveWorktree), so repeat calls are safe.
func (o *Orchestrator) RemoveAttemptWorktree(ctx context.Context, attemptID string) error {
	att, err := o.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	task, err := o.store.GetTask(ctx, att.TaskID)
	if err != nil {
		return err
	}
	project, err := o.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return err
	}
	handle, err := o.openRepo(project.GitRepoPath)
	if err != nil {
		return err
	}
	return handle.RemoveWorktree(att.WorktreePath)
}

func (o *Orchestrator) setTaskStatus(ctx context.Context, taskID string, status store.TaskStatus) {
	if err := o.store.UpdateTaskStatus(ctx, taskID, status, time.Now().UTC()); err != nil {
		o.log.Error("task status update failed", "task_id", taskID, "status", status, "error", err)
	}
}
