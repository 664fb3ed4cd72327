package llmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworld/agentworld/internal/providers"
)

// fakeProvider streams a fixed reply, optionally blocking until its
// context is canceled.
type fakeProvider struct {
	reply   string
	err     error
	block   bool
	started chan struct{} // closed when a call begins, if set

	mu    sync.Mutex
	calls []string // agent markers, in execution order
}

func (f *fakeProvider) Name() string         { return "fake" }
func (f *fakeProvider) DefaultModel() string { return "fake-model" }

func (f *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return f.ChatStream(ctx, req, nil)
}

func (f *fakeProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	f.mu.Lock()
	if len(req.Messages) > 0 {
		f.calls = append(f.calls, req.Messages[0].Content)
	}
	f.mu.Unlock()
	if f.started != nil {
		close(f.started)
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	if onChunk != nil {
		for _, r := range f.reply {
			onChunk(providers.StreamChunk{Content: string(r)})
		}
		onChunk(providers.StreamChunk{Done: true})
	}
	return &providers.ChatResponse{
		Content:      f.reply,
		FinishReason: "stop",
		Usage:        &providers.Usage{TotalTokens: len(f.reply)},
	}, nil
}

func TestEnqueueStreamsChunkSequence(t *testing.T) {
	q := New()
	defer q.Close()

	var types []string
	var content string
	var mu sync.Mutex
	ticket, err := q.Enqueue(Request{
		Provider: &fakeProvider{reply: "hi"},
		Chat:     providers.ChatRequest{Messages: []providers.Message{{Role: "user", Content: "x"}}},
		OnChunk: func(c Chunk) {
			mu.Lock()
			types = append(types, c.Type)
			content += c.Content
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	resp, err := ticket.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{ChunkStart, ChunkDelta, ChunkDelta, ChunkEnd}, types)
	assert.Equal(t, "hi", content)
}

func TestRequestsRunInEnqueueOrder(t *testing.T) {
	q := New()
	defer q.Close()

	p := &fakeProvider{reply: "ok"}
	var tickets []*Ticket
	for _, name := range []string{"first", "second", "third"} {
		ticket, err := q.Enqueue(Request{
			Provider: p,
			Chat:     providers.ChatRequest{Messages: []providers.Message{{Role: "user", Content: name}}},
		})
		require.NoError(t, err)
		tickets = append(tickets, ticket)
	}
	for _, ticket := range tickets {
		_, err := ticket.Wait(context.Background())
		require.NoError(t, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, p.calls)
}

func TestCancelQueuedRequestEmitsNothing(t *testing.T) {
	q := New()
	defer q.Close()

	started := make(chan struct{})
	blocker := &fakeProvider{block: true, started: started}
	blocking, err := q.Enqueue(Request{Provider: blocker, Chat: providers.ChatRequest{}})
	require.NoError(t, err)
	<-started

	chunked := false
	queued, err := q.Enqueue(Request{
		Provider: &fakeProvider{reply: "never"},
		OnChunk:  func(Chunk) { chunked = true },
	})
	require.NoError(t, err)

	q.Cancel(queued.ID)
	_, err = queued.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCanceled)
	assert.False(t, chunked)

	// Downstream requests keep running after the removal.
	after, err := q.Enqueue(Request{Provider: &fakeProvider{reply: "done"}})
	require.NoError(t, err)

	q.Cancel(blocking.ID)
	_, err = blocking.Wait(context.Background())
	require.Error(t, err)

	resp, err := after.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
}

func TestCancelInFlightAbortsProvider(t *testing.T) {
	q := New()
	defer q.Close()

	started := make(chan struct{})
	var last Chunk
	var mu sync.Mutex
	ticket, err := q.Enqueue(Request{
		Provider: &fakeProvider{block: true, started: started},
		OnChunk: func(c Chunk) {
			mu.Lock()
			last = c
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	<-started
	q.Cancel(ticket.ID)

	_, err = ticket.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCanceled)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ChunkError, last.Type)
}

func TestCancelWhereMatchesChat(t *testing.T) {
	q := New()
	defer q.Close()

	started := make(chan struct{})
	inFlight, err := q.Enqueue(Request{
		WorldID: "w1", ChatID: "c1",
		Provider: &fakeProvider{block: true, started: started},
	})
	require.NoError(t, err)
	<-started

	sameChat, err := q.Enqueue(Request{WorldID: "w1", ChatID: "c1", Provider: &fakeProvider{reply: "x"}})
	require.NoError(t, err)
	otherChat, err := q.Enqueue(Request{WorldID: "w1", ChatID: "c2", Provider: &fakeProvider{reply: "kept"}})
	require.NoError(t, err)

	q.CancelWhere(func(r Request) bool { return r.WorldID == "w1" && r.ChatID == "c1" })

	_, err = inFlight.Wait(context.Background())
	assert.Error(t, err)
	_, err = sameChat.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCanceled)

	resp, err := otherChat.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "kept", resp.Content)
}

func TestProviderErrorSurfacesAsErrorChunk(t *testing.T) {
	q := New()
	defer q.Close()

	var types []string
	var mu sync.Mutex
	ticket, err := q.Enqueue(Request{
		Provider: &fakeProvider{err: errors.New("rate limited")},
		OnChunk: func(c Chunk) {
			mu.Lock()
			types = append(types, c.Type)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	_, err = ticket.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{ChunkStart, ChunkError}, types)
}

func TestCloseFailsQueuedTickets(t *testing.T) {
	q := New()

	started := make(chan struct{})
	_, err := q.Enqueue(Request{Provider: &fakeProvider{block: true, started: started}})
	require.NoError(t, err)
	<-started

	queued, err := q.Enqueue(Request{Provider: &fakeProvider{reply: "x"}})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		q.Close()
		close(done)
	}()

	_, err = queued.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCanceled)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("queue did not close")
	}

	_, err = q.Enqueue(Request{Provider: &fakeProvider{reply: "x"}})
	assert.Error(t, err)
}
