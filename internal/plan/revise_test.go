package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func draftPlan(t *testing.T) *ActionPlan {
	t.Helper()
	p, err := Parse([]byte(`{"steps": [
		{"agent": "CFO", "description": "model revenue"},
		{"agent": "CMO", "description": "draft campaign"},
		{"agent": "CTO", "description": "review architecture"}
	]}`), "launch prep")
	require.NoError(t, err)
	return p
}

func TestApplyRevisionRenumbersAndPreservesNotes(t *testing.T) {
	p := draftPlan(t)
	p.Steps[1].UserNotes = "keep the budget flat"

	err := ApplyRevision(p, []byte(`{"steps": [
		{"agent": "CMO", "description": "revised campaign"},
		{"agent": "analyst", "description": "competitive scan"}
	]}`))
	require.NoError(t, err)

	require.Len(t, p.Steps, 2)
	assert.Equal(t, 1, p.Steps[0].StepNumber)
	assert.Equal(t, 2, p.Steps[1].StepNumber)

	// Step number 2 survived the revision, so its note carries over.
	assert.Equal(t, "keep the budget flat", p.Steps[1].UserNotes)
	assert.Empty(t, p.Steps[0].UserNotes)

	assert.Equal(t, 1, p.RevisionCount)
	assert.Equal(t, PlanReviewing, p.Status)
	require.Len(t, p.RevisionHistory, 1)
	assert.Len(t, p.RevisionHistory[0].Steps, 3)
}

func TestApplyRevisionParseFailureLeavesPlanUntouched(t *testing.T) {
	p := draftPlan(t)
	before := len(p.Steps)

	err := ApplyRevision(p, []byte("that does not work for me"))
	assert.Error(t, err)
	assert.Len(t, p.Steps, before)
	assert.Equal(t, 0, p.RevisionCount)
	assert.Empty(t, p.RevisionHistory)
}

func TestBuildRevisionPromptCarriesPlanAndFeedback(t *testing.T) {
	p := draftPlan(t)
	prompt := BuildRevisionPrompt(p, "swap steps 1 and 2")

	assert.Contains(t, prompt, "model revenue")
	assert.Contains(t, prompt, "swap steps 1 and 2")
	assert.Contains(t, prompt, `"steps"`)
}
