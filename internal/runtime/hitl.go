package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/agentworld/agentworld/internal/tools"
	"github.com/agentworld/agentworld/internal/world"
	"github.com/agentworld/agentworld/pkg/protocol"
)

// hitlBroker implements tools.Asker. A question is published as a
// hitl-request system event; the agent blocks until a client answers
// via the hitl-respond method or the chat context is canceled.
type hitlBroker struct {
	rt *Runtime // set in New after construction

	mu      sync.Mutex
	pending map[string]chan hitlAnswer
}

type hitlAnswer struct {
	selected  string
	confirmed bool
}

func newHitlBroker() *hitlBroker {
	return &hitlBroker{pending: make(map[string]chan hitlAnswer)}
}

func (h *hitlBroker) Ask(ctx context.Context, message string, options []string) (string, bool, error) {
	worldID := tools.WorldIDFromCtx(ctx)
	chatID := tools.ChatIDFromCtx(ctx)
	wr, ok := h.rt.Peek(worldID)
	if !ok {
		return "", false, fmt.Errorf("world %s is not loaded", worldID)
	}

	requestID := uuid.NewString()
	ch := make(chan hitlAnswer, 1)
	h.mu.Lock()
	h.pending[requestID] = ch
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, requestID)
		h.mu.Unlock()
	}()

	if _, err := wr.Bus.Publish(ctx, protocol.ChannelSystem, chatID, world.SystemPayload{
		EventType: protocol.SystemHitlRequest,
		Content:   message,
		RequestID: requestID,
		Options:   options,
	}); err != nil {
		return "", false, err
	}

	select {
	case a := <-ch:
		return a.selected, a.confirmed, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// Answer resolves a pending hitl request. Unknown or already-answered
// ids are rejected.
func (h *hitlBroker) Answer(requestID, selected string, confirmed bool) error {
	h.mu.Lock()
	ch, ok := h.pending[requestID]
	if ok {
		delete(h.pending, requestID)
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending question %s", requestID)
	}
	ch <- hitlAnswer{selected: selected, confirmed: confirmed}
	return nil
}

// AnswerHitl exposes the broker to the gateway.
func (rt *Runtime) AnswerHitl(requestID, selected string, confirmed bool) error {
	return rt.hitl.Answer(requestID, selected, confirmed)
}
