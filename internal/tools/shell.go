package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworld/agentworld/internal/world"
)

// maxExecutionRecords bounds the in-memory execution history.
const maxExecutionRecords = 1000

// maxStreamChars caps output forwarded to clients per stream.
const maxStreamChars = 50000

// ExecutionTracker keeps the process-local registry of shell execution
// records and their abort functions. Records are never persisted.
type ExecutionTracker struct {
	mu      sync.Mutex
	records map[string]*world.ShellExecution
	order   []string
	cancels map[string]context.CancelFunc
}

func NewExecutionTracker() *ExecutionTracker {
	return &ExecutionTracker{
		records: make(map[string]*world.ShellExecution),
		cancels: make(map[string]context.CancelFunc),
	}
}

func (t *ExecutionTracker) add(rec *world.ShellExecution, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[rec.ExecutionID] = rec
	t.cancels[rec.ExecutionID] = cancel
	t.order = append(t.order, rec.ExecutionID)
	for len(t.order) > maxExecutionRecords {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.records, oldest)
		delete(t.cancels, oldest)
	}
}

// transition applies a state change, rejecting invalid ones.
func (t *ExecutionTracker) transition(executionID, to string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[executionID]
	if !ok {
		return
	}
	if !world.ValidShellTransition(rec.State, to) {
		slog.Warn("rejected shell state transition",
			"execution", executionID, "from", rec.State, "to", to)
		return
	}
	rec.State = to
	switch to {
	case world.ShellCompleted, world.ShellFailed, world.ShellCanceled, world.ShellTimedOut:
		now := time.Now().UTC()
		rec.EndedAt = &now
		delete(t.cancels, executionID)
	}
}

func (t *ExecutionTracker) setExitCode(executionID string, code int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[executionID]; ok {
		rec.ExitCode = &code
	}
}

// Get returns a copy of one record.
func (t *ExecutionTracker) Get(executionID string) (*world.ShellExecution, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[executionID]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// StopForChat aborts every active execution scoped to the chat. The
// aborted executor yields a canceled result, not a success.
func (t *ExecutionTracker) StopForChat(worldID, chatID string) int {
	t.mu.Lock()
	var cancels []context.CancelFunc
	for id, rec := range t.records {
		if rec.WorldID != worldID || rec.ChatID != chatID {
			continue
		}
		if cancel, ok := t.cancels[id]; ok {
			cancels = append(cancels, cancel)
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// ShellTool runs subprocesses without shell expansion, streaming output
// to the client while returning only the exit status to the LLM.
type ShellTool struct {
	tracker *ExecutionTracker
	timeout time.Duration
}

func NewShellTool(tracker *ExecutionTracker) *ShellTool {
	return &ShellTool{tracker: tracker, timeout: 10 * time.Minute}
}

func (t *ShellTool) Name() string { return "shell_cmd" }
func (t *ShellTool) Description() string {
	return "Execute a command as a subprocess and observe its exit status. Output streams to the user, not back to you."
}
func (t *ShellTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Executable to run. No shell expansion is performed.",
			},
			"args": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Arguments passed verbatim to the command",
			},
			"directory": map[string]interface{}{
				"type":        "string",
				"description": "Working directory for the command",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required")
	}
	cmdArgs := stringSlice(args["args"])

	// Directory resolution: explicit argument, then the world's
	// working_directory variable, otherwise refuse to run.
	dir, _ := args["directory"].(string)
	if dir == "" {
		dir = WorkingDirFromCtx(ctx)
	}
	if dir == "" {
		return ErrorResult("no working directory: pass 'directory' or set the world's working_directory variable")
	}

	execCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	rec := &world.ShellExecution{
		ExecutionID: uuid.NewString(),
		WorldID:     WorldIDFromCtx(ctx),
		ChatID:      ChatIDFromCtx(ctx),
		Command:     command,
		Args:        cmdArgs,
		State:       world.ShellQueued,
		StartedAt:   time.Now().UTC(),
	}
	t.tracker.add(rec, cancel)
	t.tracker.transition(rec.ExecutionID, world.ShellStarting)

	cmd := exec.CommandContext(execCtx, command, cmdArgs...)
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.tracker.transition(rec.ExecutionID, world.ShellFailed)
		return ErrorResult(fmt.Sprintf("stdout pipe: %v", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.tracker.transition(rec.ExecutionID, world.ShellFailed)
		return ErrorResult(fmt.Sprintf("stderr pipe: %v", err))
	}

	if err := cmd.Start(); err != nil {
		t.tracker.transition(rec.ExecutionID, world.ShellFailed)
		return ErrorResult(fmt.Sprintf("start %s: %v", command, err))
	}
	t.tracker.transition(rec.ExecutionID, world.ShellRunning)

	stream := StreamFromCtx(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go pumpStream(&wg, stream, "stdout", stdout)
	go pumpStream(&wg, stream, "stderr", stderr)
	wg.Wait()

	runErr := cmd.Wait()

	exitCode := 0
	status := "ok"
	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		t.tracker.transition(rec.ExecutionID, world.ShellTimedOut)
		return ErrorResult(fmt.Sprintf("command timed out after %s", t.timeout))
	case execCtx.Err() == context.Canceled:
		t.tracker.transition(rec.ExecutionID, world.ShellCanceled)
		return ErrorResult("command canceled")
	case runErr != nil:
		status = "failed"
		if ee, ok := runErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			exitCode = -1
		}
		t.tracker.setExitCode(rec.ExecutionID, exitCode)
		t.tracker.transition(rec.ExecutionID, world.ShellFailed)
	default:
		t.tracker.setExitCode(rec.ExecutionID, 0)
		t.tracker.transition(rec.ExecutionID, world.ShellCompleted)
	}

	// The LLM sees only the exit status; the transcript already went to
	// the client over the stream. A non-zero exit is a normal result the
	// model can react to, not an execution failure.
	minimal, _ := json.Marshal(map[string]interface{}{
		"exitCode": exitCode,
		"status":   status,
	})
	return SilentResult(string(minimal))
}

// pumpStream forwards one output stream line by line, capping the total
// forwarded to maxStreamChars.
func pumpStream(wg *sync.WaitGroup, stream StreamFunc, name string, r io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	sent := 0
	truncated := false
	for scanner.Scan() {
		line := scanner.Text() + "\n"
		if truncated {
			continue
		}
		if sent+len(line) > maxStreamChars {
			line = line[:maxStreamChars-sent]
			truncated = true
		}
		sent += len(line)
		if stream != nil && line != "" {
			stream(name, line)
		}
		if truncated && stream != nil {
			stream(name, fmt.Sprintf("\n[output truncated at %d characters]\n", maxStreamChars))
			slog.Warn("shell output truncated", "stream", name, "limit", maxStreamChars)
		}
	}
}

func stringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
