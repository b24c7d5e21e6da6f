// Package monitor is a single long-running background task that
// reconciles the execution_processes table with the live-child registry
// across restarts, and sweeps worktrees for attempts whose task has
// reached a terminal status. Per-process output pumping and stage
// chaining are owned by the attempt package's per-spawn goroutine — a
// Parser has a single owner for its whole lifetime, so that
// responsibility can't live in a second, separately-scheduled loop;
// this package covers the remaining two responsibilities: orphan
// reconciliation and worktree cleanup.
package monitor

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/taskforge/execcore/internal/attempt"
	"github.com/taskforge/execcore/internal/process"
	"github.com/taskforge/execcore/internal/store"
)

// cleanupBackoff is the wait imposed on a worktree after a failed removal
// attempt, before the next tick will retry it.
const cleanupBackoff = 30 * time.Second

type Config struct {
	PollInterval time.Duration
}

type Monitor struct {
	store  *store.Store
	runner *process.Runner
	orch   *attempt.Orchestrator
	cfg    Config
	log    *slog.Logger

	backoffMu sync.Mutex
	backoff   map[string]time.Time
}

func New(st *store.Store, runner *process.Runner, orch *attempt.Orchestrator, cfg Config, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Monitor{
		store:   st,
		runner:  runner,
		orch:    orch,
		cfg:     cfg,
		log:     log,
		backoff: make(map[string]time.Time),
	}
}

// Run blocks, performing boot reconciliation once and then ticking the
// steady-state loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.reconcileOrphans(ctx)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reconcileOrphans(ctx)
			m.cleanupWorktrees(ctx)
		}
	}
}

// reconcileOrphans catches any process lost across a restart or process
// crash: any row still marked Running that the Process Runner no longer
// has registered is lost (across a restart, or because its own pump
// goroutine died without finalizing it) and is marked Failed with a
// synthetic orphan marker. A restarted monitor observing an already
// terminal row does nothing, since FinishProcess's conditional UPDATE
// simply reports no rows affected.
func (m *Monitor) reconcileOrphans(ctx context.Context) {
	running, err := m.store.ListRunning(ctx)
	if err != nil {
		m.log.Error("monitor: listing running processes failed", "error", err)
		return
	}
	for _, p := range running {
		if m.runner.Registered(p.ID) {
			continue
		}
		if err := m.orch.FinalizeOrphan(ctx, p); err != nil {
			m.log.Error("monitor: finalizing orphaned process failed", "process_id", p.ID, "error", err)
		}
	}
}

// cleanupWorktrees sweeps merged/closed-attempt worktrees: any attempt
// whose task reached Done/Cancelled, or whose branch
// already has a merge_commit, has its worktree removed. A worktree already
// gone is treated as success. A failed removal backs off before retrying.
func (m *Monitor) cleanupWorktrees(ctx context.Context) {
	candidates, err := m.store.ListCleanupCandidateAttempts(ctx)
	if err != nil {
		m.log.Error("monitor: listing cleanup candidates failed", "error", err)
		return
	}

	now := time.Now()
	for _, att := range candidates {
		if next, ok := m.nextAttemptAt(att.ID); ok && now.Before(next) {
			continue
		}

		if _, err := os.Stat(att.WorktreePath); os.IsNotExist(err) {
			m.clearBackoff(att.ID)
			continue
		}

		if err := m.orch.RemoveAttemptWorktree(ctx, att.ID); err != nil {
			m.log.Warn("monitor: worktree removal failed, backing off", "attempt_id", att.ID, "error", err)
			m.setBackoff(att.ID, now.Add(cleanupBackoff))
			continue
		}
		m.log.Info("monitor: removed attempt worktree", "attempt_id", att.ID)
		m.clearBackoff(att.ID)
	}
}

func (m *Monitor) nextAttemptAt(attemptID string) (time.Time, bool) {
	m.backoffMu.Lock()
	defer m.backoffMu.Unlock()
	t, ok := m.backoff[attemptID]
	return t, ok
}

func (m *Monitor) setBackoff(attemptID string, at time.Time) {
	m.backoffMu.Lock()
	defer m.backoffMu.Unlock()
	m.backoff[attemptID] = at
}

func (m *Monitor) clearBackoff(attemptID string) {
	m.backoffMu.Lock()
	defer m.backoffMu.Unlock()
	delete(m.backoff, attemptID)
}
