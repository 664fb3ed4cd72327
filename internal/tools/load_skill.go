package tools

import (
	"context"
	"fmt"
	"os"
)

// SkillResolver locates a registered skill's markdown file by id.
type SkillResolver interface {
	ResolvePath(skillID string) (string, bool)
}

// LoadSkillTool returns a skill's full instructions wrapped in a
// skill_context envelope. Scripts referenced by the instructions still
// go through HITL approval before execution.
type LoadSkillTool struct {
	resolver SkillResolver
}

func NewLoadSkillTool(resolver SkillResolver) *LoadSkillTool {
	return &LoadSkillTool{resolver: resolver}
}

func (t *LoadSkillTool) Name() string { return "load_skill" }
func (t *LoadSkillTool) Description() string {
	return "Load the full instructions of an available skill by its id"
}
func (t *LoadSkillTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"skill_id": map[string]interface{}{
				"type":        "string",
				"description": "Id of the skill, as listed in available_skills",
			},
		},
		"required": []string{"skill_id"},
	}
}

func (t *LoadSkillTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	skillID, _ := args["skill_id"].(string)
	if skillID == "" {
		return ErrorResult("skill_id is required")
	}

	path, ok := t.resolver.ResolvePath(skillID)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown skill: %s", skillID))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read skill %s: %v", skillID, err))
	}

	return SilentResult(fmt.Sprintf("<skill_context skill_id=%q>\n%s\n</skill_context>", skillID, string(data)))
}
