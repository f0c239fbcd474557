package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNestedTaskExpansion(t *testing.T) {
	response := []byte(`{
		"steps": [
			{
				"agent": "planner",
				"description": "coordinate",
				"expected_output": {
					"tasks": [
						{"agent": "CFO", "description": "X"},
						{"agent": "CMO", "description": "Y"}
					]
				}
			}
		]
	}`)

	p, err := Parse(response, "quarterly review")
	require.NoError(t, err)
	require.Len(t, p.Steps, 2)

	assert.Equal(t, 1, p.Steps[0].StepNumber)
	assert.Equal(t, 2, p.Steps[1].StepNumber)
	assert.Equal(t, "CFO", p.Steps[0].Agent)
	assert.Equal(t, "CMO", p.Steps[1].Agent)
	assert.Equal(t, "X", p.Steps[0].Description)
	assert.Equal(t, "Y", p.Steps[1].Description)
	assert.Equal(t, PlanDraft, p.Status)
}

func TestParseFencedPlan(t *testing.T) {
	response := []byte("Here is the plan:\n```json\n{\"steps\":[{\"agent\":\"finance\",\"description\":\"summarize revenue\"}]}\n```")

	p, err := Parse(response, "task")
	require.NoError(t, err)
	require.Len(t, p.Steps, 1)
	assert.Equal(t, "CFO", p.Steps[0].Agent)
}

func TestParseNestedPlanObject(t *testing.T) {
	response := []byte(`{"plan": {"steps": [{"agent": "researcher", "description": "gather sources"}]}}`)

	p, err := Parse(response, "task")
	require.NoError(t, err)
	require.Len(t, p.Steps, 1)
	assert.Equal(t, "researcher", p.Steps[0].Agent)
}

func TestParseNoStepsFails(t *testing.T) {
	_, err := Parse([]byte(`{"output": "I cannot plan this"}`), "task")
	assert.Error(t, err)

	_, err = Parse([]byte(`{"steps": []}`), "task")
	assert.Error(t, err)
}

func TestNormalizeAgent(t *testing.T) {
	assert.Equal(t, "CFO", NormalizeAgent("Chief Financial Officer"))
	assert.Equal(t, "CMO", NormalizeAgent(" cmo "))
	assert.Equal(t, "generic", NormalizeAgent("general"))
	assert.Equal(t, "Quartermaster", NormalizeAgent("Quartermaster"))
}

func TestClassifyRisk(t *testing.T) {
	assert.Equal(t, RiskCritical, ClassifyRisk("deploy the service to production", nil))
	assert.Equal(t, RiskCaution, ClassifyRisk("write the summary", nil))
	assert.Equal(t, RiskCaution, ClassifyRisk("review numbers", []string{"financial_model"}))
	assert.Equal(t, RiskSafe, ClassifyRisk("read the brief", []string{"list_files"}))
}
