package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworld/agentworld/internal/approval"
	"github.com/agentworld/agentworld/internal/llmq"
	"github.com/agentworld/agentworld/internal/providers"
	"github.com/agentworld/agentworld/internal/tools"
	"github.com/agentworld/agentworld/internal/world"
	"github.com/agentworld/agentworld/pkg/protocol"
)

// maxToolRounds bounds the tool-call continuation loop per response.
const maxToolRounds = 10

// respond runs one agent's full response cycle for a chat: LLM call,
// tool continuation, and the final published reply. Runs on the agent's
// serial worker, so at most one cycle per agent is in flight.
func (o *Orchestrator) respond(ctx context.Context, agentID, chatID string) {
	if ctx.Err() != nil {
		return
	}

	w, err := o.cfg.Store.Worlds().Get(ctx, o.cfg.WorldID)
	if err != nil {
		slog.Error("load world for response", "world", o.cfg.WorldID, "error", err)
		return
	}
	agent, err := o.cfg.Store.Agents().Get(ctx, o.cfg.WorldID, agentID)
	if err != nil {
		slog.Error("load agent for response", "agent", agentID, "error", err)
		return
	}

	limit := w.TurnLimit
	if limit <= 0 {
		limit = world.DefaultTurnLimit
	}
	if !o.consumeTurn(ctx, chatID, limit) {
		return
	}

	provider, err := o.cfg.Providers.Get(agent.LLMProvider)
	if err != nil {
		o.publishSSE(ctx, chatID, world.SSEPayload{
			Type: protocol.SSEError, AgentID: agentID, Error: err.Error(),
		})
		return
	}

	vars := world.ParseVariables(w.Variables)
	skillBlock := ""
	if o.cfg.Skills != nil {
		skillBlock = o.cfg.Skills.PromptBlock()
	}

	_, _ = o.cfg.Bus.Publish(ctx, protocol.ChannelWorld, chatID, world.WorldPayload{
		Type: protocol.WorldResponseStart, AgentID: agentID,
	})
	defer func() {
		_, _ = o.cfg.Bus.Publish(context.Background(), protocol.ChannelWorld, chatID, world.WorldPayload{
			Type: protocol.WorldResponseEnd, AgentID: agentID,
		})
	}()

	for round := 0; round < maxToolRounds; round++ {
		if ctx.Err() != nil {
			return
		}

		memory, err := o.cfg.Store.Memory().Load(ctx, o.cfg.WorldID, agentID, chatID)
		if err != nil {
			slog.Error("load memory", "agent", agentID, "error", err)
			return
		}

		messageID := world.NewMessageID()
		resp, err := o.callLLM(ctx, agent, provider, chatID, messageID,
			buildLLMInput(agent, vars, skillBlock, memory))
		if err != nil {
			o.handleLLMError(ctx, agent, chatID, messageID, err)
			return
		}

		if len(resp.ToolCalls) == 0 {
			o.publishReply(ctx, w, agent, chatID, messageID, resp.Content)
			return
		}

		done, err := o.runToolCalls(ctx, w, agent, chatID, resp)
		if err != nil || done {
			return
		}
	}
	slog.Warn("tool continuation limit reached", "agent", agentID, "chat", chatID, "rounds", maxToolRounds)
}

// callLLM enqueues one streaming completion, bridging queue chunks onto
// the sse channel.
func (o *Orchestrator) callLLM(ctx context.Context, agent *world.Agent, provider providers.Provider, chatID, messageID string, msgs []providers.Message) (*providers.ChatResponse, error) {
	req := providers.ChatRequest{
		Messages:    msgs,
		Tools:       o.cfg.Tools.Definitions(),
		Model:       agent.LLMModel,
		Temperature: agent.Temperature,
		MaxTokens:   agent.MaxTokens,
	}

	ticket, err := o.cfg.Queue.Enqueue(llmq.Request{
		WorldID:  o.cfg.WorldID,
		ChatID:   chatID,
		AgentID:  agent.ID,
		Provider: provider,
		Chat:     req,
		OnChunk: func(c llmq.Chunk) {
			switch c.Type {
			case llmq.ChunkStart:
				o.publishSSE(ctx, chatID, world.SSEPayload{
					Type: protocol.SSEStart, AgentID: agent.ID, MessageID: messageID,
				})
			case llmq.ChunkDelta:
				o.publishSSE(ctx, chatID, world.SSEPayload{
					Type: protocol.SSEChunk, AgentID: agent.ID, MessageID: messageID, Content: c.Content,
				})
			case llmq.ChunkEnd:
				o.publishSSE(ctx, chatID, world.SSEPayload{
					Type: protocol.SSEEnd, AgentID: agent.ID, MessageID: messageID, Usage: c.Usage,
				})
			}
		},
	})
	if err != nil {
		return nil, err
	}
	return ticket.Wait(ctx)
}

// handleLLMError publishes the sse error, persists an error marker, and
// releases the agent. Cancellation ends the stream without a marker.
func (o *Orchestrator) handleLLMError(ctx context.Context, agent *world.Agent, chatID, messageID string, err error) {
	if errors.Is(err, llmq.ErrCanceled) || errors.Is(err, context.Canceled) {
		o.publishSSE(context.Background(), chatID, world.SSEPayload{
			Type: protocol.SSEEnd, AgentID: agent.ID, MessageID: messageID, Error: "cancelled",
		})
		return
	}

	o.publishSSE(ctx, chatID, world.SSEPayload{
		Type: protocol.SSEError, AgentID: agent.ID, MessageID: messageID, Error: err.Error(),
	})
	_ = o.cfg.Store.Memory().Append(ctx, o.cfg.WorldID, agent.ID, world.AgentMessage{
		Role:      world.RoleAssistant,
		Content:   fmt.Sprintf("[llm error: %v]", err),
		ChatID:    chatID,
		MessageID: messageID,
		CreatedAt: time.Now().UTC(),
	})
}

// runToolCalls applies the approval gate and executes a response's tool
// calls. done reports that the response cycle must halt (approval
// pending or tool failure); a false, nil return continues the loop.
func (o *Orchestrator) runToolCalls(ctx context.Context, w *world.World, agent *world.Agent, chatID string, resp *providers.ChatResponse) (done bool, err error) {
	// Gate scan happens before anything is persisted: a halted response
	// leaves no dangling tool calls in memory.
	for _, tc := range resp.ToolCalls {
		if o.cfg.Gate.Peek(o.cfg.WorldID, chatID, tc.Name) == approval.Ask {
			o.injectApprovalRequest(ctx, agent, chatID, tc)
			return true, nil
		}
	}

	assistantMsg := world.AgentMessage{
		Role:      world.RoleAssistant,
		Content:   resp.Content,
		ChatID:    chatID,
		MessageID: world.NewMessageID(),
		CreatedAt: time.Now().UTC(),
	}
	for _, tc := range resp.ToolCalls {
		assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, world.ToolCall{
			ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments,
		})
	}
	if err := o.cfg.Store.Memory().Append(ctx, o.cfg.WorldID, agent.ID, assistantMsg); err != nil {
		return true, err
	}

	vars := world.ParseVariables(w.Variables)
	for _, tc := range resp.ToolCalls {
		result := o.executeTool(ctx, agent, chatID, vars, tc)

		if err := o.cfg.Store.Memory().Append(ctx, o.cfg.WorldID, agent.ID, world.AgentMessage{
			Role:       world.RoleTool,
			Content:    result.ForLLM,
			ChatID:     chatID,
			MessageID:  world.NewMessageID(),
			ToolCallID: tc.ID,
			CreatedAt:  time.Now().UTC(),
		}); err != nil {
			return true, err
		}

		if result.IsError {
			// A failed tool aborts the continuation chain; the error
			// result stays in memory for the next cycle.
			_, _ = o.cfg.Bus.Publish(ctx, protocol.ChannelSystem, chatID, world.SystemPayload{
				EventType: protocol.SystemToolFailed,
				Content:   fmt.Sprintf("%s: %s", tc.Name, result.ForLLM),
			})
			return true, nil
		}
	}
	return false, nil
}

// executeTool runs one gated tool call with full telemetry.
func (o *Orchestrator) executeTool(ctx context.Context, agent *world.Agent, chatID string, vars map[string]string, tc providers.ToolCall) *tools.Result {
	switch o.cfg.Gate.Check(o.cfg.WorldID, chatID, tc.Name) {
	case approval.Denied:
		return tools.ErrorResult(fmt.Sprintf("tool %s was denied by the user", tc.Name))
	case approval.Ask:
		// The pre-scan granted this call; a concurrent denial landed in
		// between. Treat as denied.
		return tools.ErrorResult(fmt.Sprintf("tool %s requires approval", tc.Name))
	}

	tool, ok := o.cfg.Tools.Get(tc.Name)
	if !ok {
		return tools.ErrorResult(fmt.Sprintf("unknown tool: %s", tc.Name))
	}

	_, _ = o.cfg.Bus.Publish(ctx, protocol.ChannelWorld, chatID, world.WorldPayload{
		Type: protocol.WorldToolStart, AgentID: agent.ID, Tool: tc.Name,
	})

	toolCtx := tools.WithWorldID(ctx, o.cfg.WorldID)
	toolCtx = tools.WithChatID(toolCtx, chatID)
	toolCtx = tools.WithAgentID(toolCtx, agent.ID)
	toolCtx = tools.WithWorkingDir(toolCtx, vars[world.WorkingDirectoryVar])
	toolCtx = tools.WithStream(toolCtx, func(stream, content string) {
		o.publishSSE(ctx, chatID, world.SSEPayload{
			Type: protocol.SSEToolStream, AgentID: agent.ID, Stream: stream, Content: content,
		})
	})

	result := tool.Execute(toolCtx, tc.Arguments)
	if result == nil {
		result = tools.ErrorResult("tool returned no result")
	}

	evType := protocol.WorldToolResult
	if result.IsError {
		evType = protocol.WorldToolError
	}
	_, _ = o.cfg.Bus.Publish(ctx, protocol.ChannelWorld, chatID, world.WorldPayload{
		Type: evType, AgentID: agent.ID, Tool: tc.Name, Detail: truncate(result.ForLLM, 500),
	})
	return result
}

// injectApprovalRequest persists and publishes the synthetic
// client.requestApproval assistant message, then halts the cycle until
// the user answers in chat.
func (o *Orchestrator) injectApprovalRequest(ctx context.Context, agent *world.Agent, chatID string, tc providers.ToolCall) {
	requestID := "approval_" + uuid.NewString()
	message := fmt.Sprintf("%s wants to run %s and needs your approval.", agent.Name, tc.Name)
	call := world.ToolCall{
		ID:   requestID,
		Name: "client.requestApproval",
		Arguments: map[string]interface{}{
			"originalToolCall": map[string]interface{}{
				"id":        tc.ID,
				"name":      tc.Name,
				"arguments": tc.Arguments,
			},
			"message": message,
			"options": approval.Options,
		},
	}

	messageID := world.NewMessageID()
	if err := o.cfg.Store.Memory().Append(ctx, o.cfg.WorldID, agent.ID, world.AgentMessage{
		Role:      world.RoleAssistant,
		ChatID:    chatID,
		MessageID: messageID,
		ToolCalls: []world.ToolCall{call},
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		slog.Error("persist approval request", "agent", agent.ID, "error", err)
		return
	}

	_, _ = o.cfg.Bus.Publish(ctx, protocol.ChannelMessage, chatID, world.MessagePayload{
		MessageID: messageID,
		Sender:    agent.ID,
		Role:      world.RoleAssistant,
		Content:   message,
		ToolCalls: []world.ToolCall{call},
	})

	o.mu.Lock()
	o.pending[chatID] = &pendingApproval{
		agentID:   agent.ID,
		toolName:  tc.Name,
		requestID: requestID,
	}
	o.mu.Unlock()
}

// publishReply persists the final assistant message, publishes it, and
// feeds it back through routing so mentioned agents can respond.
func (o *Orchestrator) publishReply(ctx context.Context, w *world.World, agent *world.Agent, chatID, messageID, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}

	if err := o.cfg.Store.Memory().Append(ctx, o.cfg.WorldID, agent.ID, world.AgentMessage{
		Role:      world.RoleAssistant,
		Content:   content,
		ChatID:    chatID,
		MessageID: messageID,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		slog.Error("persist reply", "agent", agent.ID, "error", err)
		return
	}

	if _, err := o.cfg.Bus.Publish(ctx, protocol.ChannelMessage, chatID, world.MessagePayload{
		MessageID: messageID,
		Sender:    agent.ID,
		Content:   content,
		Role:      world.RoleAssistant,
	}); err != nil {
		slog.Error("publish reply", "agent", agent.ID, "error", err)
		return
	}
	o.bumpMessageCount(ctx, chatID)

	// Agent replies re-enter routing: an @mention from one agent can
	// trigger another, still under the session turn budget.
	o.route(ctx, w, inbound{
		ChatID:    chatID,
		MessageID: messageID,
		Sender:    agent.ID,
		Content:   content,
		FromHuman: false,
	})
}

func (o *Orchestrator) publishSSE(ctx context.Context, chatID string, payload world.SSEPayload) {
	if _, err := o.cfg.Bus.Publish(ctx, protocol.ChannelSSE, chatID, payload); err != nil {
		slog.Error("publish sse event", "chat", chatID, "type", payload.Type, "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
