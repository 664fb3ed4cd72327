package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworld/agentworld/internal/world"
)

func TestRegistryAliasResolvesSameTool(t *testing.T) {
	r := NewRegistry()
	r.Register(GrepTool{})
	r.Alias("grep_search", "grep")

	direct, ok := r.Get("grep")
	require.True(t, ok)
	aliased, ok := r.Get("grep_search")
	require.True(t, ok)
	assert.Equal(t, direct, aliased)

	// Aliases don't appear in the LLM-facing definitions.
	defs := r.Definitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "grep", defs[0].Function.Name)
}

func TestIsClientTool(t *testing.T) {
	assert.True(t, IsClientTool("client.requestApproval"))
	assert.False(t, IsClientTool("shell_cmd"))
}

func TestShellRequiresDirectory(t *testing.T) {
	tool := NewShellTool(NewExecutionTracker())
	res := tool.Execute(context.Background(), map[string]interface{}{"command": "true"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.ForLLM, "working directory")
}

func TestShellDirectoryFallsBackToWorldVariable(t *testing.T) {
	dir := t.TempDir()
	ctx := WithWorkingDir(context.Background(), dir)

	tool := NewShellTool(NewExecutionTracker())
	res := tool.Execute(ctx, map[string]interface{}{"command": "pwd"})
	assert.False(t, res.IsError)
}

func TestShellReturnsMinimalResult(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hi"), 0o644))

	tracker := NewExecutionTracker()
	tool := NewShellTool(tracker)

	var mu sync.Mutex
	var streamed string
	ctx := WithWorkingDir(context.Background(), dir)
	ctx = WithStream(ctx, func(stream, content string) {
		mu.Lock()
		if stream == "stdout" {
			streamed += content
		}
		mu.Unlock()
	})

	res := tool.Execute(ctx, map[string]interface{}{
		"command": "cat",
		"args":    []interface{}{"hello.txt"},
	})
	require.False(t, res.IsError)

	// Transcript goes to the stream, not the LLM.
	var minimal map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(res.ForLLM), &minimal))
	assert.Equal(t, float64(0), minimal["exitCode"])
	assert.Equal(t, "ok", minimal["status"])
	mu.Lock()
	assert.Contains(t, streamed, "hi")
	mu.Unlock()
}

func TestShellFailureReportsExitCode(t *testing.T) {
	tool := NewShellTool(NewExecutionTracker())
	ctx := WithWorkingDir(context.Background(), t.TempDir())

	res := tool.Execute(ctx, map[string]interface{}{
		"command": "sh",
		"args":    []interface{}{"-c", "exit 3"},
	})
	// A non-zero exit is an observable outcome, not an execution error:
	// the model may react to it with another command.
	require.False(t, res.IsError)

	var minimal map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(res.ForLLM), &minimal))
	assert.Equal(t, float64(3), minimal["exitCode"])
	assert.Equal(t, "failed", minimal["status"])
}

func TestStopForChatYieldsCanceledResult(t *testing.T) {
	tracker := NewExecutionTracker()
	tool := NewShellTool(tracker)

	ctx := WithWorkingDir(context.Background(), t.TempDir())
	ctx = WithWorldID(ctx, "w1")
	ctx = WithChatID(ctx, "c1")

	done := make(chan *Result, 1)
	go func() {
		done <- tool.Execute(ctx, map[string]interface{}{
			"command": "sleep",
			"args":    []interface{}{"30"},
		})
	}()

	// Wait until the execution registers, then cancel the chat.
	require.Eventually(t, func() bool {
		return tracker.StopForChat("w1", "c1") > 0
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case res := <-done:
		assert.True(t, res.IsError)
		assert.Contains(t, res.ForLLM, "canceled")
	case <-time.After(10 * time.Second):
		t.Fatal("execution did not cancel")
	}
}

func TestTrackerRejectsReverseTransitions(t *testing.T) {
	tracker := NewExecutionTracker()
	rec := &world.ShellExecution{ExecutionID: "e1", State: world.ShellQueued, StartedAt: time.Now()}
	tracker.add(rec, func() {})

	tracker.transition("e1", world.ShellStarting)
	tracker.transition("e1", world.ShellRunning)
	tracker.transition("e1", world.ShellCompleted)
	tracker.transition("e1", world.ShellRunning) // rejected

	got, ok := tracker.Get("e1")
	require.True(t, ok)
	assert.Equal(t, world.ShellCompleted, got.State)
	assert.NotNil(t, got.EndedAt)
}

func TestTrackerBoundsHistory(t *testing.T) {
	tracker := NewExecutionTracker()
	for i := 0; i < maxExecutionRecords+10; i++ {
		tracker.add(&world.ShellExecution{
			ExecutionID: fmt.Sprintf("e%d", i),
			State:       world.ShellQueued,
		}, func() {})
	}
	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	assert.LessOrEqual(t, len(tracker.records), maxExecutionRecords)
	assert.LessOrEqual(t, len(tracker.order), maxExecutionRecords)
}

func TestReadFileResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "a.txt"), []byte("content"), 0o644))

	ctx := WithWorkingDir(context.Background(), dir)
	res := ReadFileTool{}.Execute(ctx, map[string]interface{}{"path": "sub/a.txt"})
	require.False(t, res.IsError)
	assert.Equal(t, "content", res.ForLLM)
}

func TestReadFileRejectsEscape(t *testing.T) {
	ctx := WithWorkingDir(context.Background(), t.TempDir())
	res := ReadFileTool{}.Execute(ctx, map[string]interface{}{"path": "../../etc/passwd"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.ForLLM, "outside")
}

func TestListFilesMarksDirectories(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "child"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), nil, 0o644))

	ctx := WithWorkingDir(context.Background(), dir)
	res := ListFilesTool{}.Execute(ctx, map[string]interface{}{})
	require.False(t, res.IsError)
	assert.Contains(t, res.ForLLM, "child/")
	assert.Contains(t, res.ForLLM, "file.txt")
}

func TestGrepFindsMatchesWithLineNumbers(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.go"), []byte("package x\nfunc Hello() {}\n"), 0o644))

	ctx := WithWorkingDir(context.Background(), dir)
	res := GrepTool{}.Execute(ctx, map[string]interface{}{"pattern": `func \w+`})
	require.False(t, res.IsError)
	assert.Contains(t, res.ForLLM, "x.go:2:")
	assert.Contains(t, res.ForLLM, "func Hello()")
}

type stubResolver map[string]string

func (s stubResolver) ResolvePath(id string) (string, bool) {
	p, ok := s[id]
	return p, ok
}

func TestLoadSkillWrapsEnvelope(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "SKILL.md")
	require.NoError(t, os.WriteFile(path, []byte("---\nname: deploy\n---\nSteps here."), 0o644))

	tool := NewLoadSkillTool(stubResolver{"deploy": path})
	res := tool.Execute(context.Background(), map[string]interface{}{"skill_id": "deploy"})
	require.False(t, res.IsError)
	assert.Contains(t, res.ForLLM, `<skill_context skill_id="deploy">`)
	assert.Contains(t, res.ForLLM, "Steps here.")
	assert.Contains(t, res.ForLLM, "</skill_context>")
}

func TestLoadSkillUnknownID(t *testing.T) {
	tool := NewLoadSkillTool(stubResolver{})
	res := tool.Execute(context.Background(), map[string]interface{}{"skill_id": "nope"})
	assert.True(t, res.IsError)
}

type stubAsker struct {
	selected  string
	confirmed bool
}

func (s stubAsker) Ask(_ context.Context, _ string, _ []string) (string, bool, error) {
	return s.selected, s.confirmed, nil
}

func TestHitlRequestOutcomes(t *testing.T) {
	tool := NewHitlRequestTool(stubAsker{selected: "blue", confirmed: true})
	res := tool.Execute(context.Background(), map[string]interface{}{
		"message": "pick a color",
		"options": []interface{}{"red", "blue"},
	})
	require.False(t, res.IsError)

	var out map[string]string
	require.NoError(t, json.Unmarshal([]byte(res.ForLLM), &out))
	assert.Equal(t, "confirmed", out["outcome"])
	assert.Equal(t, "blue", out["selected"])

	tool = NewHitlRequestTool(stubAsker{confirmed: false})
	res = tool.Execute(context.Background(), map[string]interface{}{
		"message": "pick",
		"options": []interface{}{"a"},
	})
	require.False(t, res.IsError)
	require.NoError(t, json.Unmarshal([]byte(res.ForLLM), &out))
	assert.Equal(t, "canceled", out["outcome"])
}
