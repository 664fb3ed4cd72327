// Package llmq is the process-wide serializing executor for LLM calls.
// Requests run strictly in enqueue order, one at a time; each enqueue
// hands back a ticket that doubles as the cancellation token. Canceling
// a queued ticket removes it before it produces any chunks; canceling an
// in-flight ticket aborts the provider call through its context.
package llmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworld/agentworld/internal/providers"
)

// RequestTimeout bounds a single provider call.
const RequestTimeout = 15 * time.Minute

// ErrCanceled reports a ticket canceled before or during execution.
var ErrCanceled = errors.New("llm request canceled")

// ErrTimeout reports a request that exceeded RequestTimeout.
var ErrTimeout = errors.New("llm request timed out")

// Chunk types forming the streaming sequence: start, zero or more
// chunks, then exactly one of end or error.
const (
	ChunkStart = "start"
	ChunkDelta = "chunk"
	ChunkEnd   = "end"
	ChunkError = "error"
)

// Chunk is one element of a request's streaming response.
type Chunk struct {
	Type    string
	Content string
	Usage   *providers.Usage
	Err     string
}

// Request is one queued LLM call.
type Request struct {
	WorldID  string
	ChatID   string
	AgentID  string
	Provider providers.Provider
	Chat     providers.ChatRequest
	OnChunk  func(Chunk) // may be nil
}

// Ticket identifies a queued or running request and carries its result.
type Ticket struct {
	ID string

	done chan struct{}
	resp *providers.ChatResponse
	err  error
}

// Wait blocks until the request finishes, is canceled, or ctx ends.
func (t *Ticket) Wait(ctx context.Context) (*providers.ChatResponse, error) {
	select {
	case <-t.done:
		return t.resp, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type item struct {
	ticket *Ticket
	req    Request
	cancel context.CancelFunc // set while in flight
}

// Queue runs LLM requests one at a time in enqueue order.
type Queue struct {
	mu      sync.Mutex
	items   []*item
	active  *item
	wake    chan struct{}
	closed  bool
	timeout time.Duration

	wg sync.WaitGroup
}

// New starts the queue's worker.
func New() *Queue {
	q := &Queue{
		wake:    make(chan struct{}, 1),
		timeout: RequestTimeout,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Enqueue appends a request and returns its ticket immediately.
func (q *Queue) Enqueue(req Request) (*Ticket, error) {
	t := &Ticket{ID: uuid.NewString(), done: make(chan struct{})}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, errors.New("llm queue closed")
	}
	q.items = append(q.items, &item{ticket: t, req: req})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return t, nil
}

// Cancel aborts the ticket. A queued ticket is removed before producing
// any chunks; downstream requests are unaffected. An in-flight ticket's
// context is canceled, which forwards to the provider's abort path.
// Unknown ids are a no-op.
func (q *Queue) Cancel(ticketID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active != nil && q.active.ticket.ID == ticketID {
		if q.active.cancel != nil {
			q.active.cancel()
		}
		return
	}
	for i, it := range q.items {
		if it.ticket.ID == ticketID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			it.ticket.err = ErrCanceled
			close(it.ticket.done)
			return
		}
	}
}

// CancelWhere aborts every queued or in-flight ticket matching pred.
func (q *Queue) CancelWhere(pred func(Request) bool) {
	q.mu.Lock()
	if q.active != nil && pred(q.active.req) && q.active.cancel != nil {
		q.active.cancel()
	}
	kept := q.items[:0]
	var removed []*item
	for _, it := range q.items {
		if pred(it.req) {
			removed = append(removed, it)
			continue
		}
		kept = append(kept, it)
	}
	q.items = kept
	q.mu.Unlock()

	for _, it := range removed {
		it.ticket.err = ErrCanceled
		close(it.ticket.done)
	}
}

// Len reports queued requests, excluding the in-flight one.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the worker after the in-flight request finishes; queued
// tickets fail with ErrCanceled.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.items
	q.items = nil
	if q.active != nil && q.active.cancel != nil {
		q.active.cancel()
	}
	q.mu.Unlock()

	for _, it := range pending {
		it.ticket.err = ErrCanceled
		close(it.ticket.done)
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.wg.Wait()
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if q.closed && len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			<-q.wake
			continue
		}
		it := q.items[0]
		q.items = q.items[1:]
		q.active = it

		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		it.cancel = cancel
		q.mu.Unlock()

		q.execute(ctx, it)
		cancel()

		q.mu.Lock()
		q.active = nil
		q.mu.Unlock()
	}
}

func (q *Queue) execute(ctx context.Context, it *item) {
	req := it.req
	emit := func(c Chunk) {
		if req.OnChunk != nil {
			req.OnChunk(c)
		}
	}

	warn := time.AfterFunc(q.timeout/2, func() {
		slog.Warn("llm request running long",
			"world", req.WorldID, "agent", req.AgentID, "elapsed", q.timeout/2)
	})
	defer warn.Stop()

	emit(Chunk{Type: ChunkStart})

	resp, err := req.Provider.ChatStream(ctx, req.Chat, func(sc providers.StreamChunk) {
		if sc.Content != "" {
			emit(Chunk{Type: ChunkDelta, Content: sc.Content})
		}
	})
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		case ctx.Err() != nil:
			err = fmt.Errorf("%w: %v", ErrCanceled, err)
		}
		emit(Chunk{Type: ChunkError, Err: err.Error()})
		it.ticket.err = err
		close(it.ticket.done)
		return
	}

	emit(Chunk{Type: ChunkEnd, Usage: resp.Usage})
	it.ticket.resp = resp
	close(it.ticket.done)
}
