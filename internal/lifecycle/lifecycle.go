// Package lifecycle starts and stops workflow groups against the provider.
// Shutdown is a single idempotent scope: however many exit paths reach it
// (normal return, panic unwind, signal-canceled context), it runs once.
package lifecycle

import (
	"context"
	"strings"
	"sync"
	"time"

	"antigravity/internal/errorlog"
	"antigravity/internal/logging"
	"antigravity/internal/n8nclient"
)

// activationSpacing is the gap between consecutive activations so the
// provider is not hammered with toggles.
const activationSpacing = 300 * time.Millisecond

// Result summarizes one startup or shutdown pass.
type Result struct {
	Matched   []string `json:"matched"`
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
}

// Full reports whether every matched workflow was toggled.
func (r Result) Full() bool {
	return len(r.Failed) == 0
}

// Manager owns workflow group startup and shutdown.
type Manager struct {
	provider *n8nclient.Client
	groups   map[string][]string
	logger   logging.Logger
	errlog   *errorlog.Log
	sleep    func(time.Duration)

	shutdownOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithErrorLog records lifecycle faults to the shared error log.
func WithErrorLog(log *errorlog.Log) Option {
	return func(m *Manager) { m.errlog = log }
}

// WithSleep overrides the inter-activation delay clock.
func WithSleep(sleep func(time.Duration)) Option {
	return func(m *Manager) { m.sleep = sleep }
}

// New builds a Manager. groups maps a group name to workflow-name keywords;
// the reserved group "all" matches every workflow.
func New(provider *n8nclient.Client, groups map[string][]string, logger logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		provider: provider,
		groups:   groups,
		logger:   logging.OrNop(logger),
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Groups returns the configured group names plus the reserved "all".
func (m *Manager) Groups() []string {
	names := []string{"all"}
	for name := range m.groups {
		names = append(names, name)
	}
	return names
}

// resolve matches remote workflows against a group's keywords.
func (m *Manager) resolve(workflows []n8nclient.Workflow, group string) []n8nclient.Workflow {
	if group == "all" {
		return workflows
	}
	keywords := m.groups[group]
	if len(keywords) == 0 {
		return nil
	}
	var matched []n8nclient.Workflow
	for _, wf := range workflows {
		name := strings.ToLower(wf.Name)
		for _, keyword := range keywords {
			if strings.Contains(name, strings.ToLower(keyword)) {
				matched = append(matched, wf)
				break
			}
		}
	}
	return matched
}

// Startup activates the group's workflows sequentially with spacing between
// toggles. Workflows that were already active are counted as succeeded but
// not re-toggled.
func (m *Manager) Startup(ctx context.Context, group string) (Result, error) {
	workflows, err := m.provider.ListWorkflows(ctx)
	if err != nil {
		m.recordFault("startup list failed: " + err.Error())
		return Result{}, err
	}

	var result Result
	matched := m.resolve(workflows, group)
	for i, wf := range matched {
		result.Matched = append(result.Matched, wf.Name)
		if wf.Active {
			result.Succeeded = append(result.Succeeded, wf.Name)
			continue
		}
		if i > 0 {
			m.sleep(activationSpacing)
		}
		if err := m.provider.Activate(ctx, wf.ID); err != nil {
			m.logger.Warn("Activate %s failed: %v", wf.Name, err)
			m.recordFault("activate " + wf.Name + " failed: " + err.Error())
			result.Failed = append(result.Failed, wf.Name)
			continue
		}
		result.Succeeded = append(result.Succeeded, wf.Name)
	}

	m.logger.Info("Startup %s: %d matched, %d succeeded, %d failed",
		group, len(result.Matched), len(result.Succeeded), len(result.Failed))
	return result, nil
}

// Shutdown deactivates the group's workflows. Safe to call from multiple
// paths; only the first call does work.
func (m *Manager) Shutdown(ctx context.Context, group string) Result {
	var result Result
	m.shutdownOnce.Do(func() {
		result = m.shutdown(ctx, group)
	})
	return result
}

func (m *Manager) shutdown(ctx context.Context, group string) Result {
	var result Result
	workflows, err := m.provider.ListWorkflows(ctx)
	if err != nil {
		m.recordFault("shutdown list failed: " + err.Error())
		m.logger.Error("Shutdown cannot list workflows: %v", err)
		return result
	}

	matched := m.resolve(workflows, group)
	for i, wf := range matched {
		result.Matched = append(result.Matched, wf.Name)
		if !wf.Active {
			result.Succeeded = append(result.Succeeded, wf.Name)
			continue
		}
		if i > 0 {
			m.sleep(activationSpacing)
		}
		if err := m.provider.Deactivate(ctx, wf.ID); err != nil {
			m.logger.Warn("Deactivate %s failed: %v", wf.Name, err)
			m.recordFault("deactivate " + wf.Name + " failed: " + err.Error())
			result.Failed = append(result.Failed, wf.Name)
			continue
		}
		result.Succeeded = append(result.Succeeded, wf.Name)
	}

	m.logger.Info("Shutdown %s: %d matched, %d succeeded, %d failed",
		group, len(result.Matched), len(result.Succeeded), len(result.Failed))
	return result
}

func (m *Manager) recordFault(message string) {
	if m.errlog == nil {
		return
	}
	m.errlog.Record("lifecycle", errorlog.SeverityWarning, message, nil, "")
}
