package plan

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectUnknownTypeBecomesMarkdown(t *testing.T) {
	dir := t.TempDir()
	detector := NewArtifactDetector(dir, nil)

	p := NewActionPlan("make slides", []Step{{StepNumber: 1}})
	step := &p.Steps[0]
	step.Output = `produce_document(file_type="pptx", content="body")`

	detector.Detect(p, step)

	require.Len(t, p.Artifacts, 1)
	path := p.Artifacts[0]
	assert.Equal(t, ".md", filepath.Ext(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "pptx")
	assert.True(t, strings.HasSuffix(content, "body"))

	// Re-running the scan converges on the same artifact.
	detector.Detect(p, step)
	assert.Len(t, p.Artifacts, 1)
}

func TestDetectNativeTypeKeepsExtension(t *testing.T) {
	dir := t.TempDir()
	detector := NewArtifactDetector(dir, nil)

	p := NewActionPlan("export data", []Step{{StepNumber: 2}})
	step := &p.Steps[0]
	step.Output = `produce_document(file_type="csv", content="a,b\n1,2")`

	detector.Detect(p, step)

	require.Len(t, p.Artifacts, 1)
	assert.Equal(t, ".csv", filepath.Ext(p.Artifacts[0]))

	data, err := os.ReadFile(p.Artifacts[0])
	require.NoError(t, err)
	assert.NotContains(t, string(data), "original file type")
}

func TestDetectLongOutputPersisted(t *testing.T) {
	dir := t.TempDir()
	detector := NewArtifactDetector(dir, nil)

	p := NewActionPlan("long analysis", []Step{{StepNumber: 3}})
	step := &p.Steps[0]
	step.Output = strings.Repeat("analysis paragraph ", 20)

	detector.Detect(p, step)

	require.Len(t, p.Artifacts, 1)
	assert.Equal(t, ".md", filepath.Ext(p.Artifacts[0]))
}

func TestDetectScrapesURLsAndPaths(t *testing.T) {
	dir := t.TempDir()
	detector := NewArtifactDetector(dir, nil)

	p := NewActionPlan("research", []Step{{StepNumber: 4}})
	step := &p.Steps[0]
	step.Output = "See https://example.com/report, details in findings/summary.md here."

	detector.Detect(p, step)

	assert.Contains(t, p.Artifacts, "https://example.com/report")
	assert.Contains(t, p.Artifacts, "findings/summary.md")
}
