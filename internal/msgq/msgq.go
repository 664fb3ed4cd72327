// Package msgq holds the per-chat FIFO of pending user messages. The
// queue dispatches one message at a time and advances only after the
// previous message's full conversation turn has completed, which the
// runtime signals via TurnComplete. Transient dispatch failures retry
// with exponential backoff up to three attempts, then the queue parks
// in the error state until the user retries or skips.
package msgq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Queue states.
const (
	StateIdle    = "idle"
	StateRunning = "running"
	StatePaused  = "paused"
	StateStopped = "stopped"
	StateError   = "error"
)

// Item statuses.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusEditing = "editing"
	StatusFailed  = "failed"
)

// MaxAttempts bounds dispatch retries per item.
const MaxAttempts = 3

// DefaultBackoff is the first retry delay; each retry doubles it.
const DefaultBackoff = 500 * time.Millisecond

// Item is one queued user message.
type Item struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Sender    string    `json:"sender"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Hooks connect a queue to the runtime.
type Hooks struct {
	// Dispatch submits the message for processing. It returns once the
	// message is accepted; turn completion arrives via TurnComplete.
	Dispatch func(ctx context.Context, item *Item) error

	// Stop aborts the in-flight turn (LLM cancel plus shell cancel).
	Stop func()

	// Backoff overrides the first retry delay. Zero means DefaultBackoff.
	Backoff time.Duration
}

// Queue is the user-message FIFO for one (world, chat) pair.
type Queue struct {
	worldID string
	chatID  string
	hooks   Hooks

	mu      sync.Mutex
	items   []*Item
	current *Item
	state   string
	timer   *time.Timer
}

// New creates an empty queue in the idle state.
func New(worldID, chatID string, hooks Hooks) *Queue {
	if hooks.Backoff <= 0 {
		hooks.Backoff = DefaultBackoff
	}
	return &Queue{
		worldID: worldID,
		chatID:  chatID,
		state:   StateIdle,
		hooks:   hooks,
	}
}

// State returns the queue state.
func (q *Queue) State() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Items returns a snapshot of the queue contents, current item first.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, 0, len(q.items)+1)
	if q.current != nil {
		out = append(out, *q.current)
	}
	for _, it := range q.items {
		out = append(out, *it)
	}
	return out
}

// Add enqueues a message and starts dispatch when the queue is free.
// Adding to a stopped queue revives it.
func (q *Queue) Add(content, sender string) *Item {
	item := &Item{
		ID:        uuid.NewString(),
		Content:   content,
		Sender:    sender,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	q.mu.Lock()
	if q.state == StateStopped {
		q.state = StateIdle
	}
	q.items = append(q.items, item)
	q.startNextLocked()
	q.mu.Unlock()
	return item
}

// TurnComplete signals that every agent response for the current message
// has finished. The queue advances to the next item.
func (q *Queue) TurnComplete() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return
	}
	q.current = nil
	if q.state == StateRunning {
		q.state = StateIdle
	}
	q.startNextLocked()
}

// Pause lets the current turn finish but holds the next item.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state == StateStopped {
		return
	}
	q.stopTimerLocked()
	q.state = StatePaused
}

// Resume restarts dispatch after Pause or after an error-state Skip.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != StatePaused && q.state != StateError {
		return
	}
	q.state = StateIdle
	q.startNextLocked()
}

// Stop aborts the current turn and discards every queued item.
func (q *Queue) Stop() {
	q.mu.Lock()
	hadCurrent := q.current != nil
	q.stopTimerLocked()
	q.current = nil
	q.items = nil
	q.state = StateStopped
	q.mu.Unlock()

	if hadCurrent && q.hooks.Stop != nil {
		q.hooks.Stop()
	}
}

// Discard clears pending items. The current turn keeps running.
func (q *Queue) Discard() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopTimerLocked()
	q.items = nil
	if q.state == StateError {
		q.state = StateIdle
	}
}

// Edit puts a pending item into edit mode. The dispatcher auto-pauses
// when it reaches an item being edited.
func (q *Queue) Edit(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.findLocked(id)
	if it == nil {
		return fmt.Errorf("message %s is not queued", id)
	}
	it.Status = StatusEditing
	return nil
}

// CommitEdit replaces an edited item's content and returns it to the
// pending pool.
func (q *Queue) CommitEdit(id, content string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	it := q.findLocked(id)
	if it == nil {
		return fmt.Errorf("message %s is not queued", id)
	}
	it.Content = content
	it.Status = StatusPending
	q.startNextLocked()
	return nil
}

// Delete removes a pending item.
func (q *Queue) Delete(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("message %s is not queued", id)
}

// Retry re-dispatches the failed head item after an error-state park.
func (q *Queue) Retry() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != StateError || len(q.items) == 0 {
		return
	}
	head := q.items[0]
	head.Status = StatusPending
	head.Attempts = 0
	head.LastError = ""
	q.state = StateIdle
	q.startNextLocked()
}

// Skip drops the failed head item and continues with the rest.
func (q *Queue) Skip() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != StateError || len(q.items) == 0 {
		return
	}
	q.items = q.items[1:]
	q.state = StateIdle
	q.startNextLocked()
}

// Snapshot returns the persistable queue contents. A running current
// item is included so Restore can resume it.
func (q *Queue) Snapshot() []Item {
	return q.Items()
}

// Restore loads persisted items. Items captured mid-dispatch come back
// paused: the turn they belonged to is gone with the old process.
func (q *Queue) Restore(items []Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pause := false
	q.items = q.items[:0]
	for _, it := range items {
		cp := it
		if cp.Status == StatusRunning {
			cp.Status = StatusPending
			pause = true
		}
		q.items = append(q.items, &cp)
	}
	if pause {
		q.state = StatePaused
		return
	}
	q.startNextLocked()
}

// startNextLocked dispatches the head item when the queue is free.
// Caller holds q.mu.
func (q *Queue) startNextLocked() {
	if q.current != nil || q.state == StatePaused || q.state == StateStopped || q.state == StateError {
		return
	}
	if len(q.items) == 0 {
		q.state = StateIdle
		return
	}
	head := q.items[0]
	if head.Status == StatusEditing {
		// Reaching an item under edit pauses dispatch until the edit
		// commits.
		q.state = StatePaused
		return
	}

	q.items = q.items[1:]
	head.Status = StatusRunning
	head.Attempts++
	q.current = head
	q.state = StateRunning

	item := head
	go q.dispatch(item)
}

func (q *Queue) dispatch(item *Item) {
	err := q.hooks.Dispatch(context.Background(), item)
	if err == nil {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current != item {
		// Stopped or discarded while dispatching.
		return
	}
	q.current = nil
	item.LastError = err.Error()
	slog.Warn("message dispatch failed",
		"world", q.worldID, "chat", q.chatID, "attempt", item.Attempts, "error", err)

	if item.Attempts >= MaxAttempts {
		item.Status = StatusFailed
		q.items = append([]*Item{item}, q.items...)
		q.state = StateError
		return
	}

	// Put the item back at the head and retry after backoff.
	item.Status = StatusPending
	q.items = append([]*Item{item}, q.items...)
	q.state = StateIdle
	delay := q.hooks.Backoff << (item.Attempts - 1)
	q.timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.timer = nil
		q.startNextLocked()
	})
}

func (q *Queue) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (q *Queue) findLocked(id string) *Item {
	for _, it := range q.items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

// Manager hands out queues keyed by (world, chat).
type Manager struct {
	mu     sync.Mutex
	queues map[string]*Queue
}

func NewManager() *Manager {
	return &Manager{queues: make(map[string]*Queue)}
}

// Get returns the chat's queue, creating it with hooks on first use.
func (m *Manager) Get(worldID, chatID string, hooks Hooks) *Queue {
	key := worldID + "/" + chatID
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[key]; ok {
		return q
	}
	q := New(worldID, chatID, hooks)
	m.queues[key] = q
	return q
}

// Lookup returns an existing queue without creating one.
func (m *Manager) Lookup(worldID, chatID string) (*Queue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[worldID+"/"+chatID]
	return q, ok
}

// Drop removes a chat's queue, stopping it first.
func (m *Manager) Drop(worldID, chatID string) {
	key := worldID + "/" + chatID
	m.mu.Lock()
	q, ok := m.queues[key]
	delete(m.queues, key)
	m.mu.Unlock()
	if ok {
		q.Stop()
	}
}

// DropWorld removes every queue belonging to a world.
func (m *Manager) DropWorld(worldID string) {
	prefix := worldID + "/"
	m.mu.Lock()
	var dropped []*Queue
	for key, q := range m.queues {
		if strings.HasPrefix(key, prefix) {
			dropped = append(dropped, q)
			delete(m.queues, key)
		}
	}
	m.mu.Unlock()
	for _, q := range dropped {
		q.Stop()
	}
}

// Busy reports whether any of the world's queues still has work: a
// dispatched message awaiting turn completion or pending items.
func (m *Manager) Busy(worldID string) bool {
	prefix := worldID + "/"
	m.mu.Lock()
	queues := make([]*Queue, 0, len(m.queues))
	for key, q := range m.queues {
		if strings.HasPrefix(key, prefix) {
			queues = append(queues, q)
		}
	}
	m.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		busy := q.current != nil || len(q.items) > 0
		q.mu.Unlock()
		if busy {
			return true
		}
	}
	return false
}
