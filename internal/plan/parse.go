package plan

import (
	"fmt"
	"strings"

	"antigravity/internal/bridge"
)

// Canonical agent aliases, matched case-insensitively. Unknown agents pass
// through with their raw name.
var agentAliases = map[string]string{
	"planner":                 "planner",
	"generic":                 "generic",
	"general":                 "generic",
	"cfo":                     "CFO",
	"chief financial officer": "CFO",
	"finance":                 "CFO",
	"cmo":                     "CMO",
	"chief marketing officer": "CMO",
	"marketing":               "CMO",
	"cto":                     "CTO",
	"chief technology officer": "CTO",
	"engineering":             "CTO",
	"coo":                     "COO",
	"operations":              "COO",
	"analyst":                 "analyst",
	"researcher":              "researcher",
	"research":                "researcher",
}

var criticalKeywords = []string{
	"deploy", "delete", "remove", "execute", "production", "docker", "push",
}

var cautionKeywords = []string{
	"write", "create", "generate", "modify", "update", "code", "script", "file",
}

var cautionTools = map[string]bool{
	"write_file":       true,
	"modify_code":      true,
	"produce_document": true,
	"financial_model":  true,
}

// NormalizeAgent maps an agent alias to its canonical name.
func NormalizeAgent(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if canonical, ok := agentAliases[key]; ok {
		return canonical
	}
	return strings.TrimSpace(raw)
}

// ClassifyRisk applies the keyword rules to a step's description and tools.
func ClassifyRisk(description string, tools []string) string {
	lower := strings.ToLower(description)
	for _, keyword := range criticalKeywords {
		if strings.Contains(lower, keyword) {
			return RiskCritical
		}
	}
	for _, keyword := range cautionKeywords {
		if strings.Contains(lower, keyword) {
			return RiskCaution
		}
	}
	for _, tool := range tools {
		if cautionTools[strings.ToLower(tool)] {
			return RiskCaution
		}
	}
	return RiskSafe
}

// Parse builds an ActionPlan from an LLM response body and the original
// task. Tolerates every format the sanitizer handles plus the
// expected_output.tasks structural variant. Returns nil with an error when
// no usable steps exist.
func Parse(response []byte, task string) (*ActionPlan, error) {
	decoded := bridge.Sanitize(response)

	rawSteps, ok := decoded["steps"].([]any)
	if !ok {
		if nested, isMap := decoded["plan"].(map[string]any); isMap {
			rawSteps, ok = nested["steps"].([]any)
		}
	}
	if !ok || len(rawSteps) == 0 {
		return nil, fmt.Errorf("response carries no plan steps")
	}

	var steps []Step
	for _, raw := range rawSteps {
		stepMap, isMap := raw.(map[string]any)
		if !isMap {
			continue
		}
		steps = append(steps, expandStep(stepMap)...)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("response carries no usable plan steps")
	}

	// Renumber contiguously from 1 after expansion.
	for i := range steps {
		steps[i].StepNumber = i + 1
	}

	return NewActionPlan(task, steps), nil
}

// expandStep converts one raw step, expanding expected_output.tasks[] into
// sibling steps replacing the parent.
func expandStep(stepMap map[string]any) []Step {
	if expected, ok := stepMap["expected_output"].(map[string]any); ok {
		if tasks, ok := expected["tasks"].([]any); ok && len(tasks) > 0 {
			var expanded []Step
			for _, rawTask := range tasks {
				taskMap, isMap := rawTask.(map[string]any)
				if !isMap {
					continue
				}
				expanded = append(expanded, buildStep(taskMap))
			}
			if len(expanded) > 0 {
				return expanded
			}
		}
	}
	return []Step{buildStep(stepMap)}
}

func buildStep(stepMap map[string]any) Step {
	description := stringField(stepMap, "description")
	if description == "" {
		description = stringField(stepMap, "action")
	}
	if description == "" {
		description = stringField(stepMap, "details")
	}

	tools := stringList(stepMap["tools"])

	step := Step{
		Agent:         NormalizeAgent(stringField(stepMap, "agent")),
		Description:   description,
		Tools:         tools,
		ReferenceCode: stringField(stepMap, "reference_code"),
		Status:        StepPending,
	}
	step.RiskLevel = ClassifyRisk(description, tools)
	if pause, ok := stepMap["pause_after"].(bool); ok {
		step.PauseAfter = pause
	}
	return step
}

func stringField(m map[string]any, key string) string {
	if val, ok := m[key].(string); ok {
		return strings.TrimSpace(val)
	}
	return ""
}

func stringList(raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, isString := item.(string); isString && s != "" {
			out = append(out, s)
		}
	}
	return out
}
