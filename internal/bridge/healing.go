package bridge

import (
	"context"
	"strings"

	"antigravity/internal/errorlog"
)

// Heal attempts to repair a broken webhook route: enumerate the provider's
// workflows, pick the first active one matching the brand tokens, and swap
// the dispatcher's webhook URL to the canonical ID-based form. Returns true
// when a swap happened and one retry is warranted.
func (b *Bridge) Heal(ctx context.Context) bool {
	if b.provider == nil {
		return false
	}

	workflows, err := b.provider.ListWorkflows(ctx)
	if err != nil {
		b.logger.Warn("Healing aborted, workflow listing failed: %v", err)
		return false
	}

	for _, workflow := range workflows {
		if !workflow.Active {
			continue
		}
		name := strings.ToLower(workflow.Name)
		for _, token := range b.healTokens {
			if strings.Contains(name, strings.ToLower(token)) {
				next := b.provider.WebhookURL(workflow.ID)
				previous := b.WebhookURL()
				if next == previous {
					return false
				}
				b.SetWebhookURL(next)
				b.logger.Info("Healed webhook route: %s -> %s (workflow %q)", previous, next, workflow.Name)
				b.recordError(errorlog.SeverityInfo, "webhook route healed", map[string]any{
					"workflow": workflow.Name,
					"url":      next,
				})
				return true
			}
		}
	}

	b.logger.Warn("Healing found no matching active workflow")
	return false
}
