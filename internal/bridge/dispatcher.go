// Package bridge is the central request pipeline. Every inbound task enters
// through Dispatch, which enriches the prompt with session context, calls
// the primary LLM webhook with retries, and interprets the response as final
// text, a tool directive, or a delegation.
package bridge

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"antigravity/internal/breaker"
	agerrors "antigravity/internal/errors"
	"antigravity/internal/errorlog"
	"antigravity/internal/logging"
	"antigravity/internal/memory"
	"antigravity/internal/n8nclient"
	"antigravity/internal/registry"
	jsonx "antigravity/internal/shared/json"
)

// Context tags carried between recursive dispatch calls.
const (
	TagToolResult       = "TOOL_RESULT"
	TagDelegationResult = "DELEGATION_RESULT"
	TagSystemError      = "SYSTEM_ERROR"
	TagHealed           = "HEALED"
	TagSentryRecovery   = "SENTRY_RECOVERY"
)

// Trigger phrases that request a live workspace snapshot in the prompt.
var visionTriggers = []string{
	"SOP Triad Protocol",
	"Triad Execute",
	"Execute per SOP",
}

const maxDispatchDepth = 8

// Payload is one inbound request.
type Payload struct {
	Prompt       string         `json:"prompt"`
	ProjectName  string         `json:"project_name,omitempty"`
	Context      string         `json:"context,omitempty"`
	SuiteCommand bool           `json:"suite_command,omitempty"`
	CleanSlate   bool           `json:"clean_slate,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	ForceTool    map[string]any `json:"force_tool,omitempty"`

	depth int
}

// Config wires a Bridge's collaborators.
type Config struct {
	AppName         string
	AppRoot         string
	DeliverablesDir string
	WebhookURL      string
	RequestTimeout  time.Duration
	DelegateTimeout time.Duration
	HealTokens      []string

	// Retry overrides the webhook retry profile; nil keeps the stock
	// three-attempt flat-3s schedule.
	Retry *agerrors.RetryConfig

	Memory   *memory.Store
	Registry *registry.Registry
	Breakers *breaker.Manager
	ErrorLog *errorlog.Log
	Provider *n8nclient.Client
	Logger   logging.Logger

	// OnProjectSwitch notifies the workspace-initialization collaborator.
	OnProjectSwitch func(project string)
}

// Bridge is the dispatcher. Safe for concurrent use.
type Bridge struct {
	appName         string
	appRoot         string
	deliverablesDir string
	webhookURL      atomic.Value
	http            *http.Client
	delegateTimeout time.Duration
	healTokens      []string
	retry           agerrors.RetryConfig

	memory   *memory.Store
	registry *registry.Registry
	breakers *breaker.Manager
	errlog   *errorlog.Log
	provider *n8nclient.Client
	logger   logging.Logger
	tracer   trace.Tracer
	tools    *ToolSet

	onProjectSwitch func(project string)
}

// New builds a Bridge. The stale-session sweep runs here so a long-idle
// process boots with fresh memory.
func New(cfg Config) *Bridge {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 90 * time.Second
	}
	if cfg.DelegateTimeout <= 0 {
		cfg.DelegateTimeout = 120 * time.Second
	}
	if len(cfg.HealTokens) == 0 {
		cfg.HealTokens = []string{"antigravity", "elite council"}
	}
	retry := agerrors.DispatchRetryConfig()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	b := &Bridge{
		appName:         cfg.AppName,
		appRoot:         cfg.AppRoot,
		deliverablesDir: cfg.DeliverablesDir,
		http:            &http.Client{Timeout: cfg.RequestTimeout},
		delegateTimeout: cfg.DelegateTimeout,
		healTokens:      cfg.HealTokens,
		retry:           retry,
		memory:          cfg.Memory,
		registry:        cfg.Registry,
		breakers:        cfg.Breakers,
		errlog:          cfg.ErrorLog,
		provider:        cfg.Provider,
		logger:          logging.OrNop(cfg.Logger),
		tracer:          otel.Tracer("antigravity/bridge"),
		onProjectSwitch: cfg.OnProjectSwitch,
	}
	b.webhookURL.Store(cfg.WebhookURL)
	b.tools = b.DefaultTools()

	if b.memory != nil && b.memory.SweepStale("") {
		b.logger.Info("Fresh boot: stale session state wiped")
	}
	return b
}

// WebhookURL returns the current primary endpoint.
func (b *Bridge) WebhookURL() string {
	url, _ := b.webhookURL.Load().(string)
	return url
}

// SetWebhookURL swaps the primary endpoint. Observed by subsequent attempts
// only.
func (b *Bridge) SetWebhookURL(url string) {
	b.webhookURL.Store(url)
}

// Tools exposes the registered tool set.
func (b *Bridge) Tools() *ToolSet {
	return b.tools
}

func hasTag(context, tag string) bool {
	return strings.Contains(context, tag)
}

func addTag(context, tag string) string {
	if context == "" {
		return tag
	}
	return context + "|" + tag
}

// Dispatch runs the full pipeline and always returns a string; errors are
// folded into category-prefixed text.
func (b *Bridge) Dispatch(ctx context.Context, p Payload) string {
	ctx, span := b.tracer.Start(ctx, "bridge.dispatch", trace.WithAttributes(
		attribute.String("context_tag", p.Context),
		attribute.Int("depth", p.depth),
	))
	defer span.End()

	if p.depth > maxDispatchDepth {
		b.recordError(errorlog.SeverityError, "dispatch recursion limit reached", nil)
		return "System Error: delegation depth exceeded"
	}

	// User-initiated prompts feed the sentry cache.
	if p.Context == "" {
		b.memory.CachePrompt(p.Prompt)
	}

	b.applyProjectInference(&p)

	enriched := b.assembleContext(p)

	// Optimistic write: the user turn lands before any network attempt so a
	// crash mid-request preserves intent. Exactly once per dispatch.
	if err := b.memory.Append(p.SessionID, "user", p.Prompt); err != nil {
		b.logger.Warn("Memory write failed: %v", err)
	}

	enriched = b.injectVision(p.Prompt, enriched)

	var decoded map[string]any
	if p.ForceTool != nil {
		decoded = p.ForceTool
	} else {
		var err error
		decoded, err = b.callWebhook(ctx, p, enriched)
		if err != nil {
			span.RecordError(err)
			return b.recover(ctx, p, err)
		}
	}

	text := b.interpret(ctx, p, decoded)

	if err := b.memory.Append(p.SessionID, "assistant", text); err != nil {
		b.logger.Warn("Memory write failed: %v", err)
	}
	return text
}

// applyProjectInference parses an explicit project marker from the prompt
// and wipes session memory when the project changed.
func (b *Bridge) applyProjectInference(p *Payload) {
	project := p.ProjectName
	if inferred := inferProject(p.Prompt); inferred != "" {
		project = inferred
	}
	if project == "" {
		return
	}
	p.ProjectName = project

	last := b.memory.Project()
	if last == project {
		return
	}
	b.logger.Info("Project switch: %q -> %q, clearing session memory", last, project)
	if err := b.memory.Clear(p.SessionID); err != nil {
		b.logger.Warn("Memory clear failed: %v", err)
	}
	if b.onProjectSwitch != nil {
		b.onProjectSwitch(project)
	}
	if err := b.memory.SetProject(project); err != nil {
		b.logger.Warn("Project persist failed: %v", err)
	}
}

// inferProject extracts the token following "Project:" or "Project " up to
// the next newline or colon, collapsed to a safe filename form.
func inferProject(prompt string) string {
	idx := strings.Index(prompt, "Project:")
	tokenStart := -1
	if idx >= 0 {
		tokenStart = idx + len("Project:")
	} else if idx = strings.Index(prompt, "Project "); idx >= 0 {
		tokenStart = idx + len("Project ")
	}
	if tokenStart < 0 {
		return ""
	}
	rest := prompt[tokenStart:]
	if end := strings.IndexAny(rest, "\n:"); end >= 0 {
		rest = rest[:end]
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return ""
	}
	rest = strings.Join(strings.Fields(rest), "_")
	var b strings.Builder
	for _, r := range rest {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	name := b.String()
	if len(name) > 50 {
		name = name[:50]
	}
	return name
}

// assembleContext builds the outbound prompt from preamble, history, and the
// user prompt per the clean_slate / suite_command branches.
func (b *Bridge) assembleContext(p Payload) string {
	preamble := b.toolPreamble()

	if p.CleanSlate {
		return preamble + "\n" + p.Prompt
	}

	history := b.memory.HistoryBlock(p.SessionID)
	var parts []string
	if p.SuiteCommand {
		parts = append(parts, "[CONTEXT OVERRIDE: SUITE COMMAND]")
	}
	if history != "" {
		parts = append(parts, history)
	}
	parts = append(parts, preamble, p.Prompt)
	return strings.Join(parts, "\n")
}

// toolPreamble is the fixed tool-awareness block listing each tool with its
// JSON directive shape.
func (b *Bridge) toolPreamble() string {
	var sb strings.Builder
	sb.WriteString("--- SYSTEM CAPABILITIES ---\n")
	sb.WriteString("You may respond with a JSON directive instead of prose:\n")
	sb.WriteString(`  {"action": "use_tool", "tool": "<name>", "query": <string or object>}` + "\n")
	sb.WriteString(`  {"action": "delegate_task", "recipient": "<role>", "task": "<text>"}` + "\n")
	sb.WriteString(`  {"action": "draft_summary", "output": "<draft text>"}` + "\n")
	sb.WriteString("Available tools: ")
	sb.WriteString(strings.Join(b.tools.Names(), ", "))
	sb.WriteString("\n--- END CAPABILITIES ---\n")
	return sb.String()
}

// injectVision prepends a live file tree when the prompt carries a
// plan-execution signal.
func (b *Bridge) injectVision(prompt, enriched string) string {
	triggered := false
	for _, trigger := range visionTriggers {
		if strings.Contains(prompt, trigger) {
			triggered = true
			break
		}
	}
	if !triggered {
		return enriched
	}
	tree, err := renderTree(b.appRoot, 3, 200)
	if err != nil {
		b.logger.Warn("Vision snapshot failed: %v", err)
		return enriched
	}
	return "--- LIVE WORKSPACE SNAPSHOT ---\n" + tree + "--- END SNAPSHOT ---\n" + enriched
}

// transient webhook statuses; 404 is included because re-registering
// workflows briefly drop their webhook routes.
func isTransientWebhookStatus(status int) bool {
	switch status {
	case 500, 502, 503, 504, 404:
		return true
	}
	return false
}

// callWebhook POSTs the enriched payload with up to three attempts spaced
// 3s apart, mediated by the endpoint's circuit breaker.
func (b *Bridge) callWebhook(ctx context.Context, p Payload, enriched string) (map[string]any, error) {
	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = "default"
	}
	body := map[string]any{
		"prompt":    enriched,
		"chatInput": enriched,
		"input":     enriched,
		"sessionId": sessionID,
	}
	if p.ProjectName != "" {
		body["project_name"] = p.ProjectName
	}
	if p.Context != "" {
		body["context"] = p.Context
	}
	payload, err := jsonx.Marshal(body)
	if err != nil {
		return nil, err
	}

	br := b.breakers.Get("primary-webhook")

	attempt := func(ctx context.Context) (map[string]any, error) {
		return breaker.CallWithResult(br, ctx, func(ctx context.Context) (map[string]any, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.WebhookURL(), bytes.NewReader(payload))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := b.http.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
			if err != nil {
				return nil, err
			}
			if isTransientWebhookStatus(resp.StatusCode) {
				return nil, agerrors.NewTransientError(
					fmt.Errorf("webhook status %d", resp.StatusCode), "")
			}
			if resp.StatusCode == http.StatusUnauthorized {
				return nil, fmt.Errorf("%w: webhook returned 401", agerrors.ErrAuthFailure)
			}
			return Sanitize(data), nil
		})
	}

	decoded, err := agerrors.RetryWithResultAndLog(ctx, b.retry, func(ctx context.Context) (map[string]any, error) {
		decoded, err := attempt(ctx)
		if err != nil {
			b.recordError(errorlog.SeverityWarning, "webhook attempt failed", map[string]any{
				"error": err.Error(),
				"url":   b.WebhookURL(),
			})
		}
		return decoded, err
	}, b.logger)
	if err != nil {
		return nil, err
	}
	return decoded, nil
}

// interpret routes a decoded response by its action discriminator.
func (b *Bridge) interpret(ctx context.Context, p Payload, decoded map[string]any) string {
	action, _ := decoded["action"].(string)
	switch strings.ToLower(strings.TrimSpace(action)) {
	case "draft_summary":
		draft := extractText(decoded)
		return "=== DRAFT FOR HUMAN REVIEW ===\n" + draft

	case "use_tool":
		name, _ := decoded["tool"].(string)
		if name == "" {
			name, _ = decoded["tool_name"].(string)
		}
		query := normalizeQuery(decoded["query"])
		observation := b.tools.Run(ctx, name, query)
		return b.Dispatch(ctx, Payload{
			Prompt:      "OBSERVATION: " + observation,
			ProjectName: p.ProjectName,
			Context:     addTag(p.Context, TagToolResult),
			SessionID:   p.SessionID,
			depth:       p.depth + 1,
		})

	case "delegate_task":
		return b.delegate(ctx, p, decoded)

	default:
		return extractText(decoded)
	}
}

// extractText pulls the final text from the first non-empty of the priority
// keys, falling back to the serialized object.
func extractText(decoded map[string]any) string {
	for _, key := range []string{"output", "text", "message", "chatOutput", "response", "answer"} {
		if val, ok := decoded[key].(string); ok && strings.TrimSpace(val) != "" {
			return val
		}
	}
	data, err := jsonx.Marshal(decoded)
	if err != nil {
		return fmt.Sprintf("%v", decoded)
	}
	return string(data)
}

// recover implements the failure ladder: healing for connection-class
// errors, graceful failure for exhausted retries and auth failures, sentry
// recovery for anything else not already tagged.
func (b *Bridge) recover(ctx context.Context, p Payload, err error) string {
	b.recordError(errorlog.SeverityError, "dispatch failed", map[string]any{
		"error":   err.Error(),
		"context": p.Context,
	})

	if agerrors.IsConnectionClass(err) {
		if !hasTag(p.Context, TagHealed) && b.Heal(ctx) {
			p.Context = addTag(p.Context, TagHealed)
			p.depth++
			return b.Dispatch(ctx, p)
		}
		if !hasTag(p.Context, "RECOVERY") {
			return b.sentryRecover(ctx, p, err)
		}
		return fmt.Sprintf("Bridge Connection Error: %v", err)
	}

	if stderrors.Is(err, agerrors.ErrAuthFailure) {
		return fmt.Sprintf("Graceful Failure: authentication rejected by the provider (%v)", err)
	}

	var transient *agerrors.TransientError
	if stderrors.As(err, &transient) {
		return fmt.Sprintf("Graceful Failure: the cognitive core is unreachable after retries (%v)", err)
	}

	if !hasTag(p.Context, "RECOVERY") {
		return b.sentryRecover(ctx, p, err)
	}

	return fmt.Sprintf("Graceful Failure: unrecoverable fault (%v)", err)
}

// sentryRecover synthesizes a recovery prompt from the last cached user
// prompt and the fault, then recurses once.
func (b *Bridge) sentryRecover(ctx context.Context, p Payload, err error) string {
	lastPrompt := b.memory.LastPrompt()
	sentryPrompt := fmt.Sprintf(
		"A system fault interrupted the previous request.\nOriginal request: %s\nFault: %v\nRecover gracefully and complete the original request.",
		lastPrompt, err)
	return b.Dispatch(ctx, Payload{
		Prompt:      sentryPrompt,
		ProjectName: p.ProjectName,
		Context:     addTag(p.Context, TagSentryRecovery),
		SessionID:   p.SessionID,
		depth:       p.depth + 1,
	})
}

func (b *Bridge) recordError(severity, message string, context map[string]any) {
	if b.errlog == nil {
		return
	}
	b.errlog.Record(b.appName, severity, message, context, "")
}
