package msgq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu         sync.Mutex
	dispatched []string
	failures   int
	stops      int
}

func (r *recorder) hooks(backoff time.Duration) Hooks {
	return Hooks{
		Dispatch: func(_ context.Context, item *Item) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.failures > 0 {
				r.failures--
				return errors.New("provider unreachable")
			}
			r.dispatched = append(r.dispatched, item.Content)
			return nil
		},
		Stop: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.stops++
		},
		Backoff: backoff,
	}
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.dispatched))
	copy(out, r.dispatched)
	return out
}

func (r *recorder) stopCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}

func waitState(t *testing.T, q *Queue, state string) {
	t.Helper()
	require.Eventually(t, func() bool { return q.State() == state },
		2*time.Second, 5*time.Millisecond, "queue never reached state %s", state)
}

func TestDispatchWaitsForTurnCompletion(t *testing.T) {
	r := &recorder{}
	q := New("w1", "c1", r.hooks(time.Millisecond))

	q.Add("first", "human")
	q.Add("second", "human")

	require.Eventually(t, func() bool { return len(r.seen()) == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first"}, r.seen())
	assert.Equal(t, StateRunning, q.State())

	// The second item holds until the first turn finishes.
	q.TurnComplete()
	require.Eventually(t, func() bool { return len(r.seen()) == 2 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, r.seen())

	q.TurnComplete()
	waitState(t, q, StateIdle)
}

func TestPauseHoldsNextItem(t *testing.T) {
	r := &recorder{}
	q := New("w1", "c1", r.hooks(time.Millisecond))

	q.Add("first", "human")
	require.Eventually(t, func() bool { return len(r.seen()) == 1 },
		2*time.Second, 5*time.Millisecond)

	q.Pause()
	q.Add("second", "human")
	q.TurnComplete()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"first"}, r.seen())
	assert.Equal(t, StatePaused, q.State())

	q.Resume()
	require.Eventually(t, func() bool { return len(r.seen()) == 2 },
		2*time.Second, 5*time.Millisecond)
}

func TestStopAbortsAndDiscards(t *testing.T) {
	r := &recorder{}
	q := New("w1", "c1", r.hooks(time.Millisecond))

	q.Add("first", "human")
	require.Eventually(t, func() bool { return len(r.seen()) == 1 },
		2*time.Second, 5*time.Millisecond)
	q.Add("second", "human")

	q.Stop()
	assert.Equal(t, 1, r.stopCount())
	assert.Equal(t, StateStopped, q.State())
	assert.Empty(t, q.Items())

	// A stopped queue revives on the next message.
	q.Add("third", "human")
	require.Eventually(t, func() bool { return len(r.seen()) == 2 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "third", r.seen()[1])
}

func TestDiscardKeepsCurrentTurn(t *testing.T) {
	r := &recorder{}
	q := New("w1", "c1", r.hooks(time.Millisecond))

	q.Add("first", "human")
	require.Eventually(t, func() bool { return len(r.seen()) == 1 },
		2*time.Second, 5*time.Millisecond)
	q.Add("second", "human")

	q.Discard()
	assert.Zero(t, r.stopCount())
	require.Len(t, q.Items(), 1)
	assert.Equal(t, StatusRunning, q.Items()[0].Status)

	q.TurnComplete()
	waitState(t, q, StateIdle)
	assert.Equal(t, []string{"first"}, r.seen())
}

func TestRetriesThenParksInErrorState(t *testing.T) {
	r := &recorder{failures: MaxAttempts}
	q := New("w1", "c1", r.hooks(time.Millisecond))

	q.Add("doomed", "human")
	waitState(t, q, StateError)

	items := q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, StatusFailed, items[0].Status)
	assert.Equal(t, MaxAttempts, items[0].Attempts)
	assert.Equal(t, "provider unreachable", items[0].LastError)
	assert.Empty(t, r.seen())
}

func TestTransientFailureRecovers(t *testing.T) {
	r := &recorder{failures: 2}
	q := New("w1", "c1", r.hooks(time.Millisecond))

	q.Add("flaky", "human")
	require.Eventually(t, func() bool { return len(r.seen()) == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"flaky"}, r.seen())
}

func TestRetryAfterError(t *testing.T) {
	r := &recorder{failures: MaxAttempts}
	q := New("w1", "c1", r.hooks(time.Millisecond))

	q.Add("doomed", "human")
	waitState(t, q, StateError)

	q.Retry()
	require.Eventually(t, func() bool { return len(r.seen()) == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"doomed"}, r.seen())
}

func TestSkipAfterError(t *testing.T) {
	r := &recorder{failures: MaxAttempts}
	q := New("w1", "c1", r.hooks(time.Millisecond))

	q.Add("doomed", "human")
	q.Add("healthy", "human")
	waitState(t, q, StateError)

	q.Skip()
	require.Eventually(t, func() bool { return len(r.seen()) == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"healthy"}, r.seen())
}

func TestEditAutoPausesDispatcher(t *testing.T) {
	r := &recorder{}
	q := New("w1", "c1", r.hooks(time.Millisecond))

	q.Add("first", "human")
	require.Eventually(t, func() bool { return len(r.seen()) == 1 },
		2*time.Second, 5*time.Millisecond)

	second := q.Add("secnod", "human")
	require.NoError(t, q.Edit(second.ID))

	q.TurnComplete()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatePaused, q.State())
	assert.Equal(t, []string{"first"}, r.seen())

	require.NoError(t, q.CommitEdit(second.ID, "second"))
	q.Resume()
	require.Eventually(t, func() bool { return len(r.seen()) == 2 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "second", r.seen()[1])
}

func TestDeletePendingItem(t *testing.T) {
	r := &recorder{}
	q := New("w1", "c1", r.hooks(time.Millisecond))

	q.Pause()
	item := q.Add("unwanted", "human")
	require.NoError(t, q.Delete(item.ID))
	assert.Error(t, q.Delete(item.ID))
	assert.Empty(t, q.Items())
}

func TestRestoreResetsRunningToPaused(t *testing.T) {
	r := &recorder{}
	q := New("w1", "c1", r.hooks(time.Millisecond))

	q.Restore([]Item{
		{ID: "a", Content: "mid-flight", Status: StatusRunning},
		{ID: "b", Content: "queued", Status: StatusPending},
	})

	assert.Equal(t, StatePaused, q.State())
	items := q.Items()
	require.Len(t, items, 2)
	assert.Equal(t, StatusPending, items[0].Status)
	assert.Empty(t, r.seen())

	q.Resume()
	require.Eventually(t, func() bool { return len(r.seen()) == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "mid-flight", r.seen()[0])
}

func TestManagerReusesQueues(t *testing.T) {
	r := &recorder{}
	m := NewManager()

	q1 := m.Get("w1", "c1", r.hooks(time.Millisecond))
	q2 := m.Get("w1", "c1", r.hooks(time.Millisecond))
	assert.Same(t, q1, q2)

	_, ok := m.Lookup("w1", "c2")
	assert.False(t, ok)

	m.Drop("w1", "c1")
	_, ok = m.Lookup("w1", "c1")
	assert.False(t, ok)
	assert.Equal(t, StateStopped, q1.State())
}
