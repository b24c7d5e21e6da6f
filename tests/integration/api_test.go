//go:build integration

// Package integration drives the full attempt lifecycle through the
// operator HTTP API in-process. It spawns the echo executor
// (cmd/echoagent) as the coding agent so the suite never depends on a
// real AI CLI or network access.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/taskforge/execcore/internal/attempt"
	"github.com/taskforge/execcore/internal/executor"
	"github.com/taskforge/execcore/internal/monitor"
	"github.com/taskforge/execcore/internal/process"
	"github.com/taskforge/execcore/internal/server"
	"github.com/taskforge/execcore/internal/store"
)

const authToken = "test-operator-token"

var echoagentPath string

// TestMain builds the echo executor binary once for the whole suite,
// on the fly rather than requiring a prebuilt artifact or docker image
// layer, so the suite runs from a plain checkout with no extra setup.
func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "execcore-echoagent")
	if err != nil {
		fmt.Fprintln(os.Stderr, "mktemp:", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	echoagentPath = filepath.Join(dir, "echoagent")
	build := exec.Command("go", "build", "-o", echoagentPath, "github.com/taskforge/execcore/cmd/echoagent")
	if out, err := build.CombinedOutput(); err != nil {
		fmt.Fprintf(os.Stderr, "building echoagent: %v\n%s\n", err, out)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

// testHarness wires a real Store/Orchestrator/Monitor/Server stack against
// a temp SQLite file and a temp git repo per seeded project, then serves the
// operator API via httptest so the whole suite runs without a running
// binary or containers.
type testHarness struct {
	t       *testing.T
	client  *http.Client
	baseURL string
	st      *store.Store
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "execcore.sqlite")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	workspaceRoot := t.TempDir()

	registry := executor.NewDefaultRegistry(map[string]string{"echo": echoagentPath})
	runner := process.NewRunner(nil)

	orch := attempt.New(st, registry, runner, attempt.Config{
		WorkspaceRoot: workspaceRoot,
		BranchPrefix:  "execcore/",
		KillGrace:     2 * time.Second,
		CommitAuthor:  "execcore-bot",
		CommitEmail:   "execcore@noreply",
	}, nil)

	mon := monitor.New(st, runner, orch, monitor.Config{PollInterval: 200 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go mon.Run(ctx)

	srv := server.New(server.Config{BearerToken: authToken, Version: "test"}, st, orch, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testHarness{t: t, client: ts.Client(), baseURL: ts.URL, st: st}
}

func (h *testHarness) request(method, path string, body interface{}) *http.Response {
	h.t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.baseURL+path, reader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+authToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		h.t.Fatalf("do request %s %s: %v", method, path, err)
	}
	return resp
}

func (h *testHarness) decode(resp *http.Response, dst interface{}) {
	h.t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		h.t.Fatalf("decode response: %v", err)
	}
}

// seedProjectAndTask creates a single git repo with one commit on disk and
// the owning Project/Task rows directly through the store, mirroring how a
// real deployment's separate project-management surface would populate
// them — creating projects and tasks is out of scope for the operator API
// itself.
func (h *testHarness) seedProjectAndTask(title string) (projectID, taskID string) {
	h.t.Helper()
	repoDir := h.t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = repoDir
		cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
		if out, err := cmd.CombinedOutput(); err != nil {
			h.t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init")
	run("config", "user.name", "Test")
	run("config", "user.email", "t@t.com")
	if err := os.WriteFile(filepath.Join(repoDir, "README.md"), []byte("# test\n"), 0o644); err != nil {
		h.t.Fatalf("seed file: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "init")

	now := time.Now().UTC()
	projectID = "proj-" + now.Format("150405.000000000")
	if err := h.st.CreateProject(context.Background(), &store.Project{
		ID: projectID, Name: title, GitRepoPath: repoDir, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		h.t.Fatalf("create project: %v", err)
	}

	taskID = "task-" + now.Format("150405.000000000")
	if err := h.st.CreateTask(context.Background(), &store.Task{
		ID: taskID, ProjectID: projectID, Title: title, Status: store.TaskTodo,
		WishID: "wish-1", CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		h.t.Fatalf("create task: %v", err)
	}
	return projectID, taskID
}

func waitForTaskStatus(t *testing.T, st *store.Store, taskID string, expected store.TaskStatus, timeout time.Duration) *store.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := st.GetTask(context.Background(), taskID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if task.Status == expected {
			return task
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for task %s to reach status %s", taskID, expected)
	return nil
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.baseURL + "/healthz")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var result map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&result)
	if result["status"] != "ok" {
		t.Errorf("expected status ok, got %v", result["status"])
	}
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t)
	req, _ := http.NewRequest("GET", h.baseURL+"/attempts/some-id/diff", nil)
	resp, err := h.client.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestAuthWrongToken(t *testing.T) {
	h := newHarness(t)
	req, _ := http.NewRequest("GET", h.baseURL+"/attempts/some-id/diff", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	resp, err := h.client.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestStartAttemptValidation(t *testing.T) {
	h := newHarness(t)
	resp := h.request("POST", "/attempts", map[string]interface{}{
		"executor": "echo",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 400 for missing task_id, got %d: %s", resp.StatusCode, body)
	}
}

func TestCancelUnknownAttempt(t *testing.T) {
	h := newHarness(t)
	resp := h.request("POST", "/attempts/nonexistent/cancel", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

// TestAttemptLifecycle drives a full happy-path attempt through the
// operator API: start (no setup/cleanup scripts, so the echo coding-agent
// spawns directly), wait for InReview, fetch the diff and conversation
// events, then merge.
func TestAttemptLifecycle(t *testing.T) {
	h := newHarness(t)
	_, taskID := h.seedProjectAndTask("add a hello world function")

	resp := h.request("POST", "/attempts", map[string]interface{}{
		"task_id":  taskID,
		"executor": "echo",
	})
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("start attempt: expected 201, got %d: %s", resp.StatusCode, body)
	}
	var att store.TaskAttempt
	h.decode(resp, &att)
	if att.ID == "" {
		t.Fatal("expected attempt id in response")
	}

	waitForTaskStatus(t, h.st, taskID, store.TaskInReview, 15*time.Second)

	diffResp := h.request("GET", "/attempts/"+att.ID+"/diff", nil)
	defer diffResp.Body.Close()
	if diffResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(diffResp.Body)
		t.Fatalf("diff: expected 200, got %d: %s", diffResp.StatusCode, body)
	}

	processes, err := h.st.ListProcessesByAttempt(context.Background(), att.ID)
	if err != nil || len(processes) == 0 {
		t.Fatalf("expected at least one process, got %v (err %v)", processes, err)
	}
	eventsResp := h.request("GET", fmt.Sprintf("/processes/%s/events", processes[0].ID), nil)
	defer eventsResp.Body.Close()
	if eventsResp.StatusCode != http.StatusOK {
		t.Fatalf("events: expected 200, got %d", eventsResp.StatusCode)
	}

	mergeResp := h.request("POST", "/attempts/"+att.ID+"/merge", map[string]string{"message": "merge attempt"})
	defer mergeResp.Body.Close()
	if mergeResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(mergeResp.Body)
		t.Fatalf("merge: expected 200, got %d: %s", mergeResp.StatusCode, body)
	}

	waitForTaskStatus(t, h.st, taskID, store.TaskDone, 5*time.Second)
}

// TestAttemptCancelMidRun cancels an attempt whose coding agent is still
// running, using the echo variant's TIMEOUT hang trigger (the task title
// becomes the agent's prompt, since no description is set).
func TestAttemptCancelMidRun(t *testing.T) {
	h := newHarness(t)
	_, taskID := h.seedProjectAndTask("TIMEOUT")

	resp := h.request("POST", "/attempts", map[string]interface{}{
		"task_id":  taskID,
		"executor": "echo",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start attempt: expected 201, got %d", resp.StatusCode)
	}
	var att store.TaskAttempt
	h.decode(resp, &att)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if procs, _ := h.st.ListProcessesByAttempt(context.Background(), att.ID); len(procs) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancelResp := h.request("POST", "/attempts/"+att.ID+"/cancel", nil)
	defer cancelResp.Body.Close()
	if cancelResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(cancelResp.Body)
		t.Fatalf("cancel: expected 200, got %d: %s", cancelResp.StatusCode, body)
	}

	waitForTaskStatus(t, h.st, taskID, store.TaskCancelled, 10*time.Second)
}
