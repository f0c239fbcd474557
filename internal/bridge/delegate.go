package bridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"antigravity/internal/breaker"
	"antigravity/internal/errorlog"
	"antigravity/internal/registry"
	jsonx "antigravity/internal/shared/json"
)

// delegate routes a delegate_task directive to the named specialist and
// feeds the result back through the dispatcher.
func (b *Bridge) delegate(ctx context.Context, p Payload, decoded map[string]any) string {
	role, _ := decoded["recipient"].(string)
	task, _ := decoded["task"].(string)
	if task == "" {
		task, _ = decoded["prompt"].(string)
	}

	endpoint, err := b.registry.Resolve(role)
	if err != nil {
		b.recordError(errorlog.SeverityWarning, "delegation to unknown agent", map[string]any{
			"recipient": role,
		})
		return b.Dispatch(ctx, Payload{
			Prompt: fmt.Sprintf("SYSTEM: delegation failed, %q is not a registered specialist. Known roles: %s",
				role, strings.Join(b.registry.Roles(), ", ")),
			ProjectName: p.ProjectName,
			Context:     addTag(p.Context, TagSystemError),
			SessionID:   p.SessionID,
			depth:       p.depth + 1,
		})
	}

	output, err := b.postDelegation(ctx, endpoint, b.toolPreamble()+"\n"+task)
	if err != nil {
		b.recordError(errorlog.SeverityError, "delegation failed", map[string]any{
			"recipient": role,
			"error":     err.Error(),
		})
		return fmt.Sprintf("Bridge Connection Error: specialist %s unreachable (%v)", role, err)
	}

	return b.Dispatch(ctx, Payload{
		Prompt:      fmt.Sprintf("OBSERVATION FROM %s:\n%s", strings.ToUpper(role), output),
		ProjectName: p.ProjectName,
		Context:     addTag(p.Context, TagDelegationResult),
		SessionID:   p.SessionID,
		depth:       p.depth + 1,
	})
}

// postDelegation POSTs a task to a specialist endpoint with the delegation
// timeout and extracts the output with the priority-key rule.
func (b *Bridge) postDelegation(ctx context.Context, endpoint registry.Endpoint, task string) (string, error) {
	url := endpoint.URL
	if endpoint.IsShared {
		// Shared fallback endpoints disambiguate by role query parameter.
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "role=" + endpoint.Role
	}

	body := map[string]any{
		"prompt":    task,
		"chatInput": task,
		"input":     task,
		"sessionId": "delegation-" + endpoint.Role,
	}
	payload, err := jsonx.Marshal(body)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, b.delegateTimeout)
	defer cancel()

	br := b.breakers.Get("agent-" + endpoint.Role)
	return breaker.CallWithResult(br, ctx, func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := b.http.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
		if err != nil {
			return "", err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return "", fmt.Errorf("specialist status %d", resp.StatusCode)
		}
		return extractText(Sanitize(data)), nil
	})
}
