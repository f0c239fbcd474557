package plan

import (
	"fmt"
	"strings"
)

const (
	reportPreviewLen = 120
	reportMaxURLs    = 10
)

var stepMarkers = map[string]string{
	StepDone:    "[done]",
	StepFailed:  "[FAILED]",
	StepSkipped: "[skipped]",
	StepPending: "[pending]",
	StepRunning: "[running]",
}

// MissionReport renders a human-readable summary of a finished plan:
// per-step status with timing and an output preview, the numbered artifact
// list, and a deduplicated URL digest.
func MissionReport(p *ActionPlan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== MISSION REPORT ===\n")
	fmt.Fprintf(&b, "Task: %s\n", p.Task)
	fmt.Fprintf(&b, "Status: %s", p.Status)
	if p.RevisionCount > 0 {
		fmt.Fprintf(&b, " (revised %dx)", p.RevisionCount)
	}
	b.WriteString("\n\n")

	var totalSeconds float64
	for _, step := range p.Steps {
		marker, ok := stepMarkers[step.Status]
		if !ok {
			marker = "[?]"
		}
		fmt.Fprintf(&b, "%s Step %d (%s): %s", marker, step.StepNumber, step.Agent, step.Description)
		if step.ElapsedSeconds > 0 {
			fmt.Fprintf(&b, " - %.1fs", step.ElapsedSeconds)
		}
		b.WriteString("\n")

		if preview := previewLine(step.Output); preview != "" {
			fmt.Fprintf(&b, "    %s\n", preview)
		}
		if step.Error != "" {
			fmt.Fprintf(&b, "    error: %s\n", previewLine(step.Error))
		}
		totalSeconds += step.ElapsedSeconds
	}
	fmt.Fprintf(&b, "\nTotal time: %.1fs\n", totalSeconds)

	var files, urls []string
	seenURL := map[string]bool{}
	for _, artifact := range p.Artifacts {
		if strings.HasPrefix(artifact, "http://") || strings.HasPrefix(artifact, "https://") {
			if !seenURL[artifact] {
				seenURL[artifact] = true
				urls = append(urls, artifact)
			}
			continue
		}
		files = append(files, artifact)
	}

	if len(files) > 0 {
		b.WriteString("\nArtifacts:\n")
		for i, file := range files {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, file)
		}
	}
	if len(urls) > 0 {
		if len(urls) > reportMaxURLs {
			urls = urls[:reportMaxURLs]
		}
		b.WriteString("\nReferences:\n")
		for _, url := range urls {
			fmt.Fprintf(&b, "  - %s\n", url)
		}
	}
	return b.String()
}

// previewLine returns the first line of text capped at reportPreviewLen.
func previewLine(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	if len(text) > reportPreviewLen {
		text = text[:reportPreviewLen] + "..."
	}
	return text
}
