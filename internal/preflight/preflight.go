// Package preflight validates the environment before launch: secrets,
// dependencies, provider reachability, critical files, and port
// availability. A run fails only when at least one check fails.
package preflight

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"path/filepath"
	"strings"

	"antigravity/internal/logging"
	"antigravity/internal/n8nclient"
)

// Check statuses.
const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

// Result is one check outcome.
type Result struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report aggregates a full run.
type Report struct {
	Profile  string   `json:"profile"`
	Passed   int      `json:"passed"`
	Failed   int      `json:"failed"`
	Warnings int      `json:"warnings"`
	Results  []Result `json:"results"`
}

// OK reports launch readiness: zero failures.
func (r Report) OK() bool {
	return r.Failed == 0
}

// Profile names one launch target's requirements.
type Profile struct {
	Name          string
	RequiredKeys  []string
	Binaries      []string
	CriticalFiles []string
	Port          int
	WantDocker    bool
}

// Profiles returns the known launch profiles rooted at dir.
func Profiles(dir string) map[string]Profile {
	return map[string]Profile{
		"alpha": {
			Name:         "alpha",
			RequiredKeys: []string{"N8N_API_KEY", "GEMINI_API_KEY", "WEBHOOK_URL"},
			CriticalFiles: []string{
				filepath.Join(dir, "Alpha_Data", "portfolio.json"),
			},
			Port:       5005,
			WantDocker: true,
		},
		"meta": {
			Name:         "meta",
			RequiredKeys: []string{"N8N_API_KEY", "ANTHROPIC_API_KEY", "GOOGLE_API_KEY"},
			Port:         8000,
			WantDocker:   true,
		},
		"generic": {
			Name:         "generic",
			RequiredKeys: []string{"N8N_API_KEY"},
		},
	}
}

// placeholder fragments that mean a key was never actually configured.
var placeholderFragments = []string{
	"your-", "your_", "changeme", "change-me", "placeholder", "xxx", "<", "todo",
}

func looksLikePlaceholder(value string) bool {
	lower := strings.ToLower(value)
	for _, fragment := range placeholderFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// Runner executes preflight checks.
type Runner struct {
	secrets  func(key string) string
	provider *n8nclient.Client
	logger   logging.Logger
}

// New builds a Runner resolving secrets through the given getter.
func New(secrets func(key string) string, provider *n8nclient.Client, logger logging.Logger) *Runner {
	return &Runner{
		secrets:  secrets,
		provider: provider,
		logger:   logging.OrNop(logger),
	}
}

// Run executes every check for the profile.
func (r *Runner) Run(ctx context.Context, profile Profile) Report {
	report := Report{Profile: profile.Name}
	add := func(result Result) {
		report.Results = append(report.Results, result)
		switch result.Status {
		case StatusPass:
			report.Passed++
		case StatusWarn:
			report.Warnings++
		case StatusFail:
			report.Failed++
		}
	}

	for _, key := range profile.RequiredKeys {
		add(r.checkSecret(key))
	}
	for _, binary := range profile.Binaries {
		add(checkBinary(binary, StatusFail))
	}
	if profile.WantDocker {
		add(checkBinary("docker", StatusWarn))
	}
	add(r.checkProvider(ctx))
	for _, file := range profile.CriticalFiles {
		add(checkFile(file))
	}
	if profile.Port > 0 {
		add(checkPort(profile.Port))
	}

	r.logger.Info("Preflight %s: %d passed, %d failed, %d warnings",
		profile.Name, report.Passed, report.Failed, report.Warnings)
	return report
}

func (r *Runner) checkSecret(key string) Result {
	value := ""
	if r.secrets != nil {
		value = r.secrets(key)
	}
	switch {
	case value == "":
		return Result{Name: "secret:" + key, Status: StatusFail, Detail: "not set"}
	case looksLikePlaceholder(value):
		return Result{Name: "secret:" + key, Status: StatusFail, Detail: "placeholder value"}
	default:
		return Result{Name: "secret:" + key, Status: StatusPass}
	}
}

func checkBinary(name, missingStatus string) Result {
	if _, err := exec.LookPath(name); err != nil {
		return Result{Name: "binary:" + name, Status: missingStatus, Detail: "not on PATH"}
	}
	return Result{Name: "binary:" + name, Status: StatusPass}
}

func (r *Runner) checkProvider(ctx context.Context) Result {
	if r.provider == nil {
		return Result{Name: "provider", Status: StatusWarn, Detail: "no provider configured"}
	}
	state, err := r.provider.Reachability(ctx)
	if err != nil {
		return Result{Name: "provider", Status: StatusFail, Detail: err.Error()}
	}
	switch state {
	case "ok":
		return Result{Name: "provider", Status: StatusPass}
	case "auth":
		return Result{Name: "provider", Status: StatusFail, Detail: "API key rejected (401)"}
	default:
		return Result{Name: "provider", Status: StatusWarn, Detail: "unexpected response"}
	}
}

func checkFile(path string) Result {
	if _, err := filepath.Glob(path); err != nil {
		return Result{Name: "file:" + path, Status: StatusFail, Detail: err.Error()}
	}
	matches, _ := filepath.Glob(path)
	if len(matches) == 0 {
		return Result{Name: "file:" + path, Status: StatusFail, Detail: "missing"}
	}
	return Result{Name: "file:" + path, Status: StatusPass}
}

func checkPort(port int) Result {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return Result{Name: fmt.Sprintf("port:%d", port), Status: StatusFail, Detail: "already in use"}
	}
	_ = listener.Close()
	return Result{Name: fmt.Sprintf("port:%d", port), Status: StatusPass}
}
