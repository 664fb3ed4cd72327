package orchestrator

import (
	"strings"

	"github.com/agentworld/agentworld/internal/providers"
	"github.com/agentworld/agentworld/internal/tools"
	"github.com/agentworld/agentworld/internal/world"
)

// FilterMemory removes messages that expose internal mechanics before
// memory reaches the LLM: client.* tool-calls are stripped from
// assistant messages (dropping the message when nothing remains), and
// tool results answering them or carrying approval_* envelopes are
// dropped. Pure function; the stored memory is untouched.
func FilterMemory(msgs []world.AgentMessage) []world.AgentMessage {
	stripped := make(map[string]bool)
	out := make([]world.AgentMessage, 0, len(msgs))

	for _, m := range msgs {
		switch m.Role {
		case world.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, m)
				continue
			}
			kept := make([]world.ToolCall, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				if tools.IsClientTool(tc.Name) {
					stripped[tc.ID] = true
					continue
				}
				kept = append(kept, tc)
			}
			if len(kept) == 0 && m.Content == "" {
				continue
			}
			m.ToolCalls = kept
			out = append(out, m)
		case world.RoleTool:
			if stripped[m.ToolCallID] || strings.HasPrefix(m.Content, "approval_") {
				continue
			}
			out = append(out, m)
		default:
			out = append(out, m)
		}
	}
	return out
}

// buildLLMInput converts an agent's filtered memory plus its system
// prompt into a provider request. The system prompt gets {{var}}
// interpolation from world variables and the available-skills block.
func buildLLMInput(agent *world.Agent, vars map[string]string, skillBlock string, memory []world.AgentMessage) []providers.Message {
	msgs := make([]providers.Message, 0, len(memory)+1)

	system := world.Interpolate(agent.SystemPrompt, vars)
	if skillBlock != "" {
		if system != "" {
			system += "\n\n"
		}
		system += skillBlock
	}
	if system != "" {
		msgs = append(msgs, providers.Message{Role: world.RoleSystem, Content: system})
	}

	for _, m := range FilterMemory(memory) {
		pm := providers.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		// Other participants' messages arrive as user turns prefixed with
		// the sender so the model can tell voices apart.
		if m.Role == world.RoleUser && m.Sender != "" {
			pm.Content = m.Sender + ": " + m.Content
		}
		for _, tc := range m.ToolCalls {
			pm.ToolCalls = append(pm.ToolCalls, providers.ToolCall{
				ID:        tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			})
		}
		msgs = append(msgs, pm)
	}
	return msgs
}
