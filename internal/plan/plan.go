// Package plan implements the action-plan engine: parsing an LLM response
// into an ordered plan, revising it against user feedback, executing steps
// through a dispatcher, and collecting produced artifacts.
package plan

import (
	"sync"
	"time"
)

// Step statuses. Terminal within one execution pass once done/failed/skipped.
const (
	StepPending = "pending"
	StepRunning = "running"
	StepDone    = "done"
	StepFailed  = "failed"
	StepSkipped = "skipped"
)

// Plan statuses.
const (
	PlanDraft     = "draft"
	PlanReviewing = "reviewing"
	PlanApproved  = "approved"
	PlanExecuting = "executing"
	PlanComplete  = "complete"
	PlanFailed    = "failed"
	PlanFinalized = "finalized"
)

// Risk levels.
const (
	RiskSafe     = "safe"
	RiskCaution  = "caution"
	RiskCritical = "critical"
)

// Step is one unit of work in a plan.
type Step struct {
	StepNumber     int      `json:"step_number"`
	Agent          string   `json:"agent"`
	Description    string   `json:"description"`
	RiskLevel      string   `json:"risk_level"`
	Tools          []string `json:"tools,omitempty"`
	ReferenceCode  string   `json:"reference_code,omitempty"`
	Status         string   `json:"status"`
	Output         string   `json:"output,omitempty"`
	Error          string   `json:"error,omitempty"`
	UserNotes      string   `json:"user_notes,omitempty"`
	TriadNotes     string   `json:"triad_notes,omitempty"`
	ElapsedSeconds float64  `json:"elapsed_seconds"`
	Skipped        bool     `json:"skipped"`
	PauseAfter     bool     `json:"pause_after"`
}

// Revision is one archived pre-revision step set.
type Revision struct {
	Timestamp string `json:"timestamp"`
	Steps     []Step `json:"steps"`
}

// ActionPlan is a full ordered plan. Steps are 1-indexed and contiguous.
type ActionPlan struct {
	Task            string     `json:"task"`
	Steps           []Step     `json:"steps"`
	Status          string     `json:"status"`
	RevisionCount   int        `json:"revision_count"`
	RevisionHistory []Revision `json:"revision_history,omitempty"`
	CreatedAt       string     `json:"created_at"`
	Artifacts       []string   `json:"artifacts,omitempty"`

	mu       sync.Mutex
	paused   bool
	canceled bool
}

// NewActionPlan creates a draft plan for task.
func NewActionPlan(task string, steps []Step) *ActionPlan {
	return &ActionPlan{
		Task:      task,
		Steps:     steps,
		Status:    PlanDraft,
		CreatedAt: time.Now().Format(time.RFC3339),
	}
}

// Cancel requests termination; the executor observes it between steps and
// inside pause waits.
func (p *ActionPlan) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canceled = true
}

// Canceled reports whether cancellation was requested.
func (p *ActionPlan) Canceled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canceled
}

// Pause suspends execution before the next step.
func (p *ActionPlan) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

// Resume lifts a pause.
func (p *ActionPlan) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
}

// Paused reports whether the plan is paused.
func (p *ActionPlan) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// AddArtifact appends a produced file path, deduplicated.
func (p *ActionPlan) AddArtifact(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.Artifacts {
		if existing == path {
			return
		}
	}
	p.Artifacts = append(p.Artifacts, path)
}
