package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/agentworld/agentworld/internal/bus"
	"github.com/agentworld/agentworld/internal/runtime"
	"github.com/agentworld/agentworld/internal/skills"
	"github.com/agentworld/agentworld/internal/store"
	"github.com/agentworld/agentworld/internal/world"
	"github.com/agentworld/agentworld/pkg/protocol"
)

// tokenRegistry enforces single-use subscription ids. A token that was
// ever used, by any client, never attaches again.
type tokenRegistry struct {
	mu   sync.Mutex
	used map[string]bool
}

func newTokenRegistry() *tokenRegistry {
	return &tokenRegistry{used: make(map[string]bool)}
}

// consume marks a token used. Returns false when it was used before.
func (t *tokenRegistry) consume(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.used[token] {
		return false
	}
	t.used[token] = true
	return true
}

// dispatch routes one request frame to its handler and shapes the
// response.
func (s *Server) dispatch(ctx context.Context, c *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	result, err := s.handle(ctx, c, req.Method, req.Params)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, errKind(err), err.Error())
	}
	return protocol.NewResponse(req.ID, result)
}

// errKind maps command errors to protocol error kinds.
func errKind(err error) string {
	switch {
	case errors.Is(err, runtime.ErrBusy):
		return protocol.ErrKindBusy
	case errors.Is(err, store.ErrWorldNotFound),
		errors.Is(err, store.ErrAgentNotFound),
		errors.Is(err, store.ErrChatNotFound),
		errors.Is(err, store.ErrMessageNotFound):
		return protocol.ErrKindNotFound
	default:
		return protocol.ErrKindValidation
	}
}

type subscribeParams struct {
	WorldID        string `json:"worldId"`
	ChatID         string `json:"chatId"`
	SinceSeq       int64  `json:"sinceSeq"`
	SubscriptionID string `json:"subscriptionId"`
}

type worldRef struct {
	WorldID string `json:"worldId"`
}

type agentRef struct {
	WorldID string `json:"worldId"`
	AgentID string `json:"agentId"`
}

type chatRef struct {
	WorldID string `json:"worldId"`
	ChatID  string `json:"chatId"`
}

type messageRef struct {
	WorldID   string `json:"worldId"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

func (s *Server) handle(ctx context.Context, c *Client, method string, raw json.RawMessage) (interface{}, error) {
	switch method {

	// ── worlds ──
	case protocol.MethodListWorlds:
		return s.rt.ListWorlds(ctx)

	case protocol.MethodCreateWorld:
		var p runtime.WorldParams
		if err := unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return s.rt.AddWorld(ctx, p)

	case protocol.MethodGetWorld:
		var p worldRef
		if err := unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return s.rt.GetWorld(ctx, p.WorldID)

	case protocol.MethodUpdateWorld:
		var p struct {
			WorldID string `json:"worldId"`
			runtime.WorldUpdate
		}
		if err := unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return s.rt.UpdateWorld(ctx, p.WorldID, p.WorldUpdate)

	case protocol.MethodDeleteWorld:
		var p worldRef
		if err := unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return nil, s.rt.DeleteWorld(ctx, p.WorldID)

	case protocol.MethodExportWorld:
		var p worldRef
		if err := unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return s.rt.ExportWorld(ctx, p.WorldID)

	// ── agents ──
	case protocol.MethodListAgents:
		var p worldRef
		if err := unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return s.rt.ListAgents(ctx, p.WorldID)

	case protocol.MethodCreateAgent:
		var p struct {
			WorldID string `json:"worldId"`
			runtime.AgentParams
		}
		if err := unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return s.rt.AddAgent(ctx, p.WorldID, p.AgentParams)

	case protocol.MethodUpdateAgent:
		var p struct {
			WorldID string `json:"worldId"`
			AgentID string `json:"agentId"`
			runtime.AgentUpdate
		}
		if err := unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return s.rt.UpdateAgent(ctx, p.WorldID, p.AgentID, p.AgentUpdate)

	case protocol.MethodDeleteAgent:
		var p agentRef
		if err := unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return nil, s.rt.DeleteAgent(ctx, p.WorldID, p.AgentID)

	// ── chats ──
	case protocol.MethodListChats:
		var p worldRef
		if err := unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return s.rt.ListChats(ctx, p.WorldID)

	case protocol.MethodNewChat:
		var p struct {
			WorldID string `json:"worldId"`
			Name    string `json:"name"`
		}
		if err := unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return s.rt.NewChat(ctx, p.WorldID, p.Name)

	case protocol.MethodDeleteChat:
		var p chatRef
		if err := unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return nil, s.rt.DeleteChat(ctx, p.WorldID, p.ChatID)

	case protocol.MethodBranchChat:
		var p struct {
			WorldID       string `json:"worldId"`
			ChatID        string `json:"chatId"`
			FromMessageID string `json:"fromMessageId"`
		}
		if err := unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return s.rt.BranchChat(ctx, p.WorldID, p.ChatID, p.FromMessageID)

	// ── messages ──
	case protocol.MethodSendMessage:
		var p struct {
			WorldID string `json:"worldId"`
			ChatID  string `json:"chatId"`
			Content string `json:"content"`
			Sender  string `json:"sender"`
		}
		if err := unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return s.rt.SendMessage(ctx, p.WorldID, p.ChatID, p.Content, p.Sender)

	case protocol.MethodEditMessage:
		var p messageRef
		if err := unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return s.rt.EditMessage(ctx, p.WorldID, p.MessageID, p.Content)

	case protocol.MethodDeleteMessage:
		var p messageRef
		if err := unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return nil, s.rt.DeleteMessage(ctx, p.WorldID, p.MessageID)

	case protocol.MethodStop:
		var p chatRef
		if err := unmarshal(raw, &p); err != nil {
			return nil, err
		}
		s.rt.StopChat(p.WorldID, p.ChatID)
		return nil, nil

	// ── subscriptions ──
	case protocol.MethodSubscribe:
		var p subscribeParams
		if err := unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return s.subscribe(ctx, c, p)

	case protocol.MethodUnsubscribe:
		var p struct {
			SubscriptionID string `json:"subscriptionId"`
		}
		if err := unmarshal(raw, &p); err != nil {
			return nil, err
		}
		sub, ok := c.takeSub(p.SubscriptionID)
		if !ok {
			return nil, fmt.Errorf("unknown subscription %s", p.SubscriptionID)
		}
		s.detach(sub)
		return nil, nil

	// ── skills ──
	case protocol.MethodListSkills:
		if s.skills == nil {
			return []skills.Skill{}, nil
		}
		return s.skills.List(), nil

	// ── message queue ──
	case protocol.MethodQueueState:
		var p chatRef
		if err := unmarshal(raw, &p); err != nil {
			return nil, err
		}
		state, items := s.rt.QueueItems(p.WorldID, p.ChatID)
		return map[string]interface{}{"state": state, "items": items}, nil

	case protocol.MethodQueuePause:
		return nil, s.queueControl(raw, s.rt.PauseQueue)
	case protocol.MethodQueueResume:
		return nil, s.queueControl(raw, s.rt.ResumeQueue)
	case protocol.MethodQueueDiscard:
		return nil, s.queueControl(raw, s.rt.DiscardQueue)
	case protocol.MethodQueueRetry:
		return nil, s.queueControl(raw, s.rt.RetryQueue)
	case protocol.MethodQueueSkip:
		return nil, s.queueControl(raw, s.rt.SkipQueue)

	// ── human in the loop ──
	case protocol.MethodHitlRespond:
		var p struct {
			RequestID string `json:"requestId"`
			Selected  string `json:"selected"`
			Confirmed bool   `json:"confirmed"`
		}
		if err := unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return nil, s.rt.AnswerHitl(p.RequestID, p.Selected, p.Confirmed)

	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

// unmarshal decodes request params, treating absent params as an empty
// object so required-field checks fire with a useful message.
func unmarshal(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func (s *Server) queueControl(raw json.RawMessage, fn func(worldID, chatID string)) error {
	var p chatRef
	if err := unmarshal(raw, &p); err != nil {
		return err
	}
	fn(p.WorldID, p.ChatID)
	return nil
}

// subscribe attaches the client to a world's bus with replay. The
// subscription id is a single-use token: it is consumed before the
// world loads, so a reused token has no side effects.
func (s *Server) subscribe(ctx context.Context, c *Client, p subscribeParams) (interface{}, error) {
	if p.WorldID == "" {
		return nil, fmt.Errorf("worldId is required")
	}
	subID := p.SubscriptionID
	if subID == "" {
		subID = uuid.NewString()
	}
	if !s.tokens.consume(subID) {
		return nil, fmt.Errorf("subscription id %s was already used", subID)
	}

	wr, err := s.rt.Acquire(ctx, p.WorldID)
	if err != nil {
		return nil, err
	}

	busSub, err := wr.Bus.Subscribe(ctx, bus.SubscribeOptions{
		SinceSeq: p.SinceSeq,
		ChatID:   p.ChatID,
	}, func(evt world.Event) {
		c.SendEvent(evt)
	})
	if err != nil {
		s.rt.Release(p.WorldID)
		return nil, err
	}

	c.addSub(&clientSub{id: subID, worldID: p.WorldID, busID: busSub.ID})
	return map[string]string{"subscriptionId": subID}, nil
}

// detach unbinds one subscription and drops its world reference.
func (s *Server) detach(sub *clientSub) {
	if wr, ok := s.rt.Peek(sub.worldID); ok {
		wr.Bus.Unsubscribe(sub.busID)
	}
	s.rt.Release(sub.worldID)
}
