package plan

import (
	"fmt"
	"time"

	jsonx "antigravity/internal/shared/json"
)

// BuildRevisionPrompt renders the revision request sent through the
// dispatcher: the current plan serialized as JSON plus the user's feedback.
func BuildRevisionPrompt(p *ActionPlan, feedback string) string {
	serialized, err := jsonx.MarshalIndent(struct {
		Task  string `json:"task"`
		Steps []Step `json:"steps"`
	}{Task: p.Task, Steps: p.Steps}, "", "  ")
	if err != nil {
		serialized = []byte("{}")
	}
	return fmt.Sprintf(
		"Revise the following action plan per the user's feedback.\n"+
			"Respond with the complete revised plan as JSON with the same schema ({\"steps\": [...]}).\n\n"+
			"CURRENT PLAN:\n%s\n\nUSER FEEDBACK:\n%s",
		serialized, feedback)
}

// ApplyRevision replaces the plan's steps with the parsed revision,
// preserving user notes keyed by step number and archiving the prior step
// set. A failed parse leaves the plan unchanged.
func ApplyRevision(p *ActionPlan, response []byte) error {
	revised, err := Parse(response, p.Task)
	if err != nil {
		return fmt.Errorf("revision parse: %w", err)
	}

	notesByNumber := map[int]string{}
	for _, step := range p.Steps {
		if step.UserNotes != "" {
			notesByNumber[step.StepNumber] = step.UserNotes
		}
	}
	for i := range revised.Steps {
		if notes, ok := notesByNumber[revised.Steps[i].StepNumber]; ok {
			revised.Steps[i].UserNotes = notes
		}
	}

	p.RevisionHistory = append(p.RevisionHistory, Revision{
		Timestamp: time.Now().Format(time.RFC3339),
		Steps:     p.Steps,
	})
	p.Steps = revised.Steps
	p.RevisionCount++
	p.Status = PlanReviewing
	return nil
}
