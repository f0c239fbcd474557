// Package budget polls the automation provider's execution history and
// classifies usage against the monthly plan limit. Advisory only; nothing
// here blocks traffic.
package budget

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"antigravity/internal/logging"
	"antigravity/internal/n8nclient"
	jsonx "antigravity/internal/shared/json"
)

const (
	historyLimit    = 30
	executionsLimit = 250

	StatusOK       = "ok"
	StatusWarning  = "warning"
	StatusCritical = "critical"
)

// WorkflowUsage aggregates executions of one workflow.
type WorkflowUsage struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Sample is one point-in-time usage reading.
type Sample struct {
	Timestamp       string                   `json:"timestamp"`
	TotalExecutions int                      `json:"total_executions"`
	Success         int                      `json:"success"`
	Failed          int                      `json:"failed"`
	FailureRate     float64                  `json:"failure_rate"`
	ByWorkflow      map[string]WorkflowUsage `json:"by_workflow"`
	MonthlyLimit    int                      `json:"monthly_limit"`
}

// Guard polls and classifies execution usage.
type Guard struct {
	client       *n8nclient.Client
	historyPath  string
	monthlyLimit int
	logger       logging.Logger
}

// DefaultHistoryPath returns the production sample log under appRoot.
func DefaultHistoryPath(appRoot string) string {
	return filepath.Join(appRoot, "Alpha_Data", "n8n_execution_log.json")
}

// New creates a Guard with the given monthly limit.
func New(client *n8nclient.Client, historyPath string, monthlyLimit int, logger logging.Logger) *Guard {
	if monthlyLimit <= 0 {
		monthlyLimit = 2500
	}
	return &Guard{
		client:       client,
		historyPath:  historyPath,
		monthlyLimit: monthlyLimit,
		logger:       logging.OrNop(logger),
	}
}

// Check polls recent executions, persists a sample, and returns it with its
// classification.
func (g *Guard) Check(ctx context.Context) (Sample, string, error) {
	executions, err := g.client.ListExecutions(ctx, executionsLimit)
	if err != nil {
		return Sample{}, "", fmt.Errorf("budget poll: %w", err)
	}

	cutoff := time.Now().AddDate(0, 0, -30)
	sample := Sample{
		Timestamp:    time.Now().Format(time.RFC3339),
		ByWorkflow:   map[string]WorkflowUsage{},
		MonthlyLimit: g.monthlyLimit,
	}

	for _, execution := range executions {
		if started, err := time.Parse(time.RFC3339, execution.StartedAt); err == nil && started.Before(cutoff) {
			continue
		}
		name := execution.WorkflowName
		if name == "" {
			name = execution.WorkflowID
		}
		usage := sample.ByWorkflow[name]
		usage.Total++
		sample.TotalExecutions++
		if isFailure(execution) {
			usage.Failed++
			sample.Failed++
		} else {
			usage.Success++
			sample.Success++
		}
		sample.ByWorkflow[name] = usage
	}

	if sample.TotalExecutions > 0 {
		sample.FailureRate = float64(sample.Failed) / float64(sample.TotalExecutions)
	}

	status := Classify(sample.TotalExecutions, g.monthlyLimit)
	g.persist(sample)
	g.logger.Info("Budget: %d/%d executions this month (%s)", sample.TotalExecutions, g.monthlyLimit, status)
	return sample, status, nil
}

func isFailure(execution n8nclient.Execution) bool {
	switch execution.Status {
	case "error", "failed", "crashed":
		return true
	}
	return false
}

// Classify maps usage against the limit: ok < 70%, warning < 90%,
// critical >= 90%.
func Classify(total, limit int) string {
	if limit <= 0 {
		return StatusOK
	}
	ratio := float64(total) / float64(limit)
	switch {
	case ratio >= 0.9:
		return StatusCritical
	case ratio >= 0.7:
		return StatusWarning
	default:
		return StatusOK
	}
}

// History returns the persisted samples, oldest first.
func (g *Guard) History() ([]Sample, error) {
	data, err := os.ReadFile(g.historyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var samples []Sample
	if err := jsonx.Unmarshal(data, &samples); err != nil {
		return nil, err
	}
	return samples, nil
}

func (g *Guard) persist(sample Sample) {
	samples, err := g.History()
	if err != nil {
		g.logger.Warn("Budget history unreadable, starting fresh: %v", err)
		samples = nil
	}
	samples = append(samples, sample)
	if len(samples) > historyLimit {
		samples = samples[len(samples)-historyLimit:]
	}
	if err := os.MkdirAll(filepath.Dir(g.historyPath), 0755); err != nil {
		g.logger.Error("Cannot create budget history dir: %v", err)
		return
	}
	data, err := jsonx.MarshalIndent(samples, "", "  ")
	if err != nil {
		g.logger.Error("Cannot encode budget history: %v", err)
		return
	}
	if err := os.WriteFile(g.historyPath, data, 0644); err != nil {
		g.logger.Error("Cannot persist budget history: %v", err)
	}
}
