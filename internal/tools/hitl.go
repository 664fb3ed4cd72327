package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Asker poses an options-only question to the user and blocks for the
// answer. confirmed is false when the user dismisses the question.
type Asker interface {
	Ask(ctx context.Context, message string, options []string) (selected string, confirmed bool, err error)
}

// HitlRequestTool lets an agent ask the user to pick one of a fixed set
// of options. Free-form questions belong in the chat, not here.
type HitlRequestTool struct {
	asker Asker
}

func NewHitlRequestTool(asker Asker) *HitlRequestTool {
	return &HitlRequestTool{asker: asker}
}

func (t *HitlRequestTool) Name() string { return "hitl_request" }
func (t *HitlRequestTool) Description() string {
	return "Ask the user to choose between fixed options and wait for the answer"
}
func (t *HitlRequestTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"message": map[string]interface{}{
				"type":        "string",
				"description": "Question shown to the user",
			},
			"options": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Choices presented to the user",
			},
		},
		"required": []string{"message", "options"},
	}
}

func (t *HitlRequestTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	message, _ := args["message"].(string)
	options := stringSlice(args["options"])
	if message == "" || len(options) == 0 {
		return ErrorResult("message and options are required")
	}

	selected, confirmed, err := t.asker.Ask(ctx, message, options)
	if err != nil {
		return ErrorResult(fmt.Sprintf("hitl request: %v", err))
	}

	outcome := "canceled"
	if confirmed {
		outcome = "confirmed"
	}
	payload, _ := json.Marshal(map[string]string{
		"outcome":  outcome,
		"selected": selected,
	})
	return SilentResult(string(payload))
}
