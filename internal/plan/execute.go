package plan

import (
	"context"
	"fmt"
	"strings"
	"time"

	agerrors "antigravity/internal/errors"
	"antigravity/internal/logging"
)

const pausePoll = 500 * time.Millisecond

// Caller dispatches one step prompt and returns the response text. In
// production this is the bridge dispatcher.
type Caller func(ctx context.Context, prompt string) string

// ProgressFunc observes execution after every step settles. step is nil for
// the single callback fired on an empty plan.
type ProgressFunc func(p *ActionPlan, step *Step)

// Executor drives a plan step by step.
type Executor struct {
	caller    Caller
	artifacts *ArtifactDetector
	logger    logging.Logger
}

// NewExecutor builds an Executor dispatching through caller and materializing
// artifacts under deliverablesDir.
func NewExecutor(caller Caller, deliverablesDir string, logger logging.Logger) *Executor {
	return &Executor{
		caller:    caller,
		artifacts: NewArtifactDetector(deliverablesDir, logger),
		logger:    logging.OrNop(logger),
	}
}

// failure prefixes the dispatcher uses for folded errors.
var failurePrefixes = []string{
	"Graceful Failure:",
	"Bridge Connection Error:",
	"System Error:",
}

func isFailureText(output string) bool {
	for _, prefix := range failurePrefixes {
		if strings.HasPrefix(output, prefix) {
			return true
		}
	}
	return false
}

// Execute runs every step in numeric order. A failed non-skipped step aborts
// execution; cancel and pause are honored between steps and inside waits.
func (e *Executor) Execute(ctx context.Context, p *ActionPlan, progress ProgressFunc) error {
	if progress == nil {
		progress = func(*ActionPlan, *Step) {}
	}
	if p == nil || p.Steps == nil {
		return agerrors.ErrFatalInvariant
	}

	p.Status = PlanExecuting

	if len(p.Steps) == 0 {
		p.Status = PlanComplete
		progress(p, nil)
		return nil
	}

	for i := range p.Steps {
		step := &p.Steps[i]

		if p.Canceled() {
			p.Status = PlanFailed
			e.logger.Info("Plan canceled before step %d", step.StepNumber)
			return nil
		}
		if err := e.waitWhilePaused(ctx, p); err != nil {
			p.Status = PlanFailed
			return err
		}
		if p.Canceled() {
			p.Status = PlanFailed
			return nil
		}

		if step.Skipped {
			step.Status = StepSkipped
			progress(p, step)
			continue
		}

		step.Status = StepRunning
		prompt := e.buildStepPrompt(p, step)
		started := time.Now()
		output := e.caller(ctx, prompt)
		step.ElapsedSeconds = time.Since(started).Seconds()

		if isFailureText(output) {
			step.Status = StepFailed
			step.Error = output
			p.Status = PlanFailed
			e.logger.Warn("Step %d failed after %.1fs", step.StepNumber, step.ElapsedSeconds)
			progress(p, step)
			return nil
		}

		step.Status = StepDone
		step.Output = output
		e.artifacts.Detect(p, step)
		e.logger.Info("Step %d done in %.1fs", step.StepNumber, step.ElapsedSeconds)
		progress(p, step)

		if step.PauseAfter {
			p.Pause()
			if err := e.waitWhilePaused(ctx, p); err != nil {
				p.Status = PlanFailed
				return err
			}
			if p.Canceled() {
				p.Status = PlanFailed
				return nil
			}
		}
	}

	p.Status = PlanComplete
	return nil
}

// waitWhilePaused blocks at pausePoll granularity until resume, cancel, or
// context expiry.
func (e *Executor) waitWhilePaused(ctx context.Context, p *ActionPlan) error {
	for p.Paused() {
		if p.Canceled() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pausePoll):
		}
	}
	return nil
}

const stepOutputDigestLen = 300

// buildStepPrompt renders the per-step dispatch prompt: task framing, step
// metadata, prior-output digests, and a closing execute-now instruction.
func (e *Executor) buildStepPrompt(p *ActionPlan, step *Step) string {
	var b strings.Builder
	fmt.Fprintf(&b, "MISSION: %s\n\n", p.Task)
	fmt.Fprintf(&b, "You are executing step %d of %d as %s.\n", step.StepNumber, len(p.Steps), step.Agent)
	fmt.Fprintf(&b, "STEP: %s\n", step.Description)
	if len(step.Tools) > 0 {
		fmt.Fprintf(&b, "TOOLS: %s\n", strings.Join(step.Tools, ", "))
	}
	if step.ReferenceCode != "" {
		fmt.Fprintf(&b, "REFERENCE:\n%s\n", step.ReferenceCode)
	}
	if step.UserNotes != "" {
		fmt.Fprintf(&b, "USER NOTES: %s\n", step.UserNotes)
	}

	var priors []string
	for _, prior := range p.Steps {
		if prior.StepNumber >= step.StepNumber || prior.Status != StepDone || prior.Output == "" {
			continue
		}
		digest := prior.Output
		if len(digest) > stepOutputDigestLen {
			digest = digest[:stepOutputDigestLen] + "..."
		}
		priors = append(priors, fmt.Sprintf("Step %d (%s): %s", prior.StepNumber, prior.Agent, digest))
	}
	if len(priors) > 0 {
		b.WriteString("\nCOMPLETED SO FAR:\n")
		b.WriteString(strings.Join(priors, "\n"))
		b.WriteString("\n")
	}

	b.WriteString("\nExecute this step now. Do not plan further; produce the actual work product.")
	return b.String()
}
