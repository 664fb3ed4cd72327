package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworld/agentworld/internal/store"
	"github.com/agentworld/agentworld/internal/world"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedWorld(t *testing.T, s *Store, id string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, s.Worlds().Create(context.Background(), &world.World{
		ID: id, Name: id, TurnLimit: 10, CreatedAt: now, UpdatedAt: now,
	}))
}

func TestWorldRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedWorld(t, s, "w1")
	w, err := s.Worlds().Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "w1", w.Name)
	assert.Equal(t, 10, w.TurnLimit)

	w.Name = "renamed"
	w.MainAgent = "alice"
	w.Variables = "KEY=value"
	require.NoError(t, s.Worlds().Update(ctx, w))

	got, err := s.Worlds().Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, "alice", got.MainAgent)
	assert.Equal(t, "KEY=value", got.Variables)

	_, err = s.Worlds().Get(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrWorldNotFound)
}

func TestWorldDeleteCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedWorld(t, s, "w1")

	now := time.Now().UTC()
	require.NoError(t, s.Agents().Create(ctx, &world.Agent{
		ID: "alice", WorldID: "w1", Name: "Alice",
		LLMProvider: "openai", LLMModel: "gpt-4o", AutoReply: true,
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.Chats().Create(ctx, &world.Chat{
		ID: "c1", WorldID: "w1", Name: "New Chat", CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.Memory().Append(ctx, "w1", "alice", world.AgentMessage{
		Role: world.RoleUser, Content: "hi", ChatID: "c1", MessageID: "m000000001", CreatedAt: now,
	}))
	_, err := s.Events().Append(ctx, &world.Event{WorldID: "w1", ChatID: "c1", Channel: "message", Payload: map[string]string{"content": "hi"}})
	require.NoError(t, err)

	require.NoError(t, s.Worlds().Delete(ctx, "w1"))

	_, err = s.Agents().Get(ctx, "w1", "alice")
	assert.ErrorIs(t, err, store.ErrAgentNotFound)
	chats, err := s.Chats().ListByWorld(ctx, "w1")
	require.NoError(t, err)
	assert.Empty(t, chats)
	mem, err := s.Memory().Load(ctx, "w1", "alice", "")
	require.NoError(t, err)
	assert.Empty(t, mem)
	evts, err := s.Events().ReadSince(ctx, "w1", 0, "", "")
	require.NoError(t, err)
	assert.Empty(t, evts)
}

func TestEventSeqIsGapFreePerWorld(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedWorld(t, s, "w1")
	seedWorld(t, s, "w2")

	for i := 0; i < 5; i++ {
		seq, err := s.Events().Append(ctx, &world.Event{WorldID: "w1", Channel: "world", Payload: map[string]int{"n": i}})
		require.NoError(t, err)
		assert.EqualValues(t, i+1, seq)
	}
	// A second world starts its own sequence at 1.
	seq, err := s.Events().Append(ctx, &world.Event{WorldID: "w2", Channel: "world", Payload: map[string]int{"n": 0}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, seq)

	evts, err := s.Events().ReadSince(ctx, "w1", 2, "", "")
	require.NoError(t, err)
	require.Len(t, evts, 3)
	assert.EqualValues(t, 3, evts[0].Seq)
	assert.EqualValues(t, 5, evts[2].Seq)
}

func TestEventChatAndChannelFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedWorld(t, s, "w1")

	appendEvt := func(chatID, channel string) {
		_, err := s.Events().Append(ctx, &world.Event{WorldID: "w1", ChatID: chatID, Channel: channel, Payload: map[string]string{}})
		require.NoError(t, err)
	}
	appendEvt("c1", "message")
	appendEvt("c2", "message")
	appendEvt("", "world") // world-scoped, no chat
	appendEvt("c1", "sse")

	byChat, err := s.Events().ReadSince(ctx, "w1", 0, "c1", "")
	require.NoError(t, err)
	// Chat filter keeps world-scoped events visible.
	require.Len(t, byChat, 3)

	byChannel, err := s.Events().ReadSince(ctx, "w1", 0, "", "message")
	require.NoError(t, err)
	assert.Len(t, byChannel, 2)

	require.NoError(t, s.Events().DeleteByChat(ctx, "w1", "c1"))
	left, err := s.Events().ReadSince(ctx, "w1", 0, "", "")
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestMemoryTruncateFrom(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedWorld(t, s, "w1")

	now := time.Now().UTC()
	for i, id := range []string{"m1", "m2", "m3"} {
		for _, agent := range []string{"alice", "bob"} {
			require.NoError(t, s.Memory().Append(ctx, "w1", agent, world.AgentMessage{
				Role: world.RoleUser, Content: "msg " + id, ChatID: "c1",
				MessageID: id, CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
			}))
		}
	}

	require.NoError(t, s.Memory().TruncateFrom(ctx, "w1", "m2"))

	for _, agent := range []string{"alice", "bob"} {
		mem, err := s.Memory().Load(ctx, "w1", agent, "")
		require.NoError(t, err)
		require.Len(t, mem, 1, "agent %s", agent)
		assert.Equal(t, "m1", mem[0].MessageID)
	}
}

func TestMemoryToolCallsSurviveRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedWorld(t, s, "w1")

	require.NoError(t, s.Memory().Append(ctx, "w1", "alice", world.AgentMessage{
		Role: world.RoleAssistant, ChatID: "c1", MessageID: "m1",
		ToolCalls: []world.ToolCall{{
			ID: "call_1", Name: "shell_cmd",
			Arguments: map[string]interface{}{"command": "ls"},
		}},
		CreatedAt: time.Now().UTC(),
	}))

	mem, err := s.Memory().Load(ctx, "w1", "alice", "c1")
	require.NoError(t, err)
	require.Len(t, mem, 1)
	require.Len(t, mem[0].ToolCalls, 1)
	assert.Equal(t, "shell_cmd", mem[0].ToolCalls[0].Name)
	assert.Equal(t, "ls", mem[0].ToolCalls[0].Arguments["command"])
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening applies no new migrations and keeps the data.
	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	seedWorld(t, s2, "w1")
	_, err = s2.Worlds().Get(context.Background(), "w1")
	assert.NoError(t, err)
}
