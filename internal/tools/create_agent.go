package tools

import (
	"context"
	"fmt"
)

// AgentSpec is the shape of a create_agent request.
type AgentSpec struct {
	Name         string
	SystemPrompt string
	Provider     string
	Model        string
}

// AgentCreator adds an agent to a world. Implemented by the runtime.
type AgentCreator interface {
	CreateAgent(ctx context.Context, worldID string, spec AgentSpec) (agentID string, err error)
}

// CreateAgentTool lets an agent define a new agent in its world. On
// success the runtime shows a confirmation that refreshes the client
// roster when dismissed.
type CreateAgentTool struct {
	creator AgentCreator
}

func NewCreateAgentTool(creator AgentCreator) *CreateAgentTool {
	return &CreateAgentTool{creator: creator}
}

func (t *CreateAgentTool) Name() string { return "create_agent" }
func (t *CreateAgentTool) Description() string {
	return "Create a new agent in this world"
}
func (t *CreateAgentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Display name of the new agent",
			},
			"system_prompt": map[string]interface{}{
				"type":        "string",
				"description": "System prompt for the new agent",
			},
			"provider": map[string]interface{}{
				"type":        "string",
				"description": "LLM provider name. Defaults to the calling agent's provider.",
			},
			"model": map[string]interface{}{
				"type":        "string",
				"description": "Model name. Defaults to the provider's default.",
			},
		},
		"required": []string{"name"},
	}
}

func (t *CreateAgentTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	name, _ := args["name"].(string)
	if name == "" {
		return ErrorResult("name is required")
	}
	spec := AgentSpec{Name: name}
	spec.SystemPrompt, _ = args["system_prompt"].(string)
	spec.Provider, _ = args["provider"].(string)
	spec.Model, _ = args["model"].(string)

	agentID, err := t.creator.CreateAgent(ctx, WorldIDFromCtx(ctx), spec)
	if err != nil {
		return ErrorResult(fmt.Sprintf("create agent: %v", err))
	}
	return SilentResult(fmt.Sprintf("created agent %s (@%s)", name, agentID))
}
