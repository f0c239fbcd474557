package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"antigravity/internal/logging"
)

var (
	produceDocPattern = regexp.MustCompile(
		`(?s)produce_document\(\s*file_type=["'](\w+)["']\s*,\s*content=["'](.*?)["']\s*\)`)
	urlPattern  = regexp.MustCompile(`https?://[^\s"')\]]+`)
	pathPattern = regexp.MustCompile(`(?:[\w./-]*/)?[\w-]+\.(?:md|txt|csv|json|py|pdf|xlsx|docx|pptx)\b`)
)

// Text-native types materialize with their own extension; everything else
// becomes markdown with a header recording the declared type.
var artifactExtensions = map[string]string{
	"csv":  ".csv",
	"json": ".json",
	"py":   ".py",
	"md":   ".md",
	"txt":  ".txt",
}

const inlineArtifactThreshold = 200

// ArtifactDetector scans step output and materializes files under the
// deliverables directory.
type ArtifactDetector struct {
	dir    string
	logger logging.Logger
}

// NewArtifactDetector creates a detector writing into dir.
func NewArtifactDetector(dir string, logger logging.Logger) *ArtifactDetector {
	return &ArtifactDetector{dir: dir, logger: logging.OrNop(logger)}
}

// Detect applies the three-stage scan to a completed step: explicit
// produce_document calls, long-output persistence, then URL/path scraping.
func (d *ArtifactDetector) Detect(p *ActionPlan, step *Step) {
	output := step.Output
	explicit := false

	for _, match := range produceDocPattern.FindAllStringSubmatch(output, -1) {
		explicit = true
		fileType := strings.ToLower(match[1])
		content := match[2]
		if path := d.materialize(step.StepNumber, fileType, content); path != "" {
			p.AddArtifact(path)
		}
	}

	if !explicit && len(output) > inlineArtifactThreshold {
		name := fmt.Sprintf("step_%d_%s.md", step.StepNumber, time.Now().Format("20060102_150405"))
		path := filepath.Join(d.dir, name)
		if err := d.write(path, []byte(output)); err == nil {
			p.AddArtifact(path)
		}
	}

	for _, url := range urlPattern.FindAllString(output, -1) {
		p.AddArtifact(strings.TrimRight(url, ".,;"))
	}
	for _, path := range pathPattern.FindAllString(output, -1) {
		p.AddArtifact(path)
	}
}

// materialize writes one declared artifact, mapping unknown types to
// markdown with a stamped header.
func (d *ArtifactDetector) materialize(stepNumber int, fileType, content string) string {
	ext, known := artifactExtensions[fileType]
	if !known {
		ext = ".md"
		content = fmt.Sprintf("<!-- original file type: %s -->\n\n%s", fileType, content)
	}

	// Deterministic name so a re-scan of the same step converges on one
	// artifact instead of accumulating copies.
	name := fmt.Sprintf("artifact_step%d_%s%s", stepNumber, fileType, ext)
	path := filepath.Join(d.dir, name)
	if err := d.write(path, []byte(content)); err != nil {
		return ""
	}
	return path
}

func (d *ArtifactDetector) write(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		d.logger.Warn("Cannot create deliverables dir: %v", err)
		return err
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		d.logger.Warn("Cannot write artifact %s: %v", path, err)
		return err
	}
	d.logger.Info("Materialized artifact %s (%d bytes)", path, len(content))
	return nil
}
