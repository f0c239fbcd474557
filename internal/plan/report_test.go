package plan

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMissionReportRendersStepsAndArtifacts(t *testing.T) {
	p := &ActionPlan{
		Task:          "quarterly review",
		Status:        PlanComplete,
		RevisionCount: 1,
		Steps: []Step{
			{StepNumber: 1, Agent: "CFO", Description: "pull numbers", Status: StepDone,
				ElapsedSeconds: 1.25, Output: "revenue up"},
			{StepNumber: 2, Agent: "CMO", Description: "draft memo", Status: StepFailed,
				Error: "webhook down"},
		},
		Artifacts: []string{
			"Deliverables/memo.md",
			"https://example.com/report",
			"https://example.com/report",
		},
	}

	report := MissionReport(p)

	assert.Contains(t, report, "Task: quarterly review")
	assert.Contains(t, report, "(revised 1x)")
	assert.Contains(t, report, "[done] Step 1 (CFO): pull numbers - 1.2s")
	assert.Contains(t, report, "[FAILED] Step 2 (CMO): draft memo")
	assert.Contains(t, report, "error: webhook down")
	assert.Contains(t, report, "Total time: 1.2s")
	assert.Contains(t, report, "1. Deliverables/memo.md")

	// The duplicate URL collapses to one reference line.
	assert.Equal(t, 1, strings.Count(report, "https://example.com/report"))

	// Emitted text stays ASCII.
	for _, r := range report {
		assert.Less(t, r, rune(128))
	}
}
