// Package stream is the SSE streaming channel to the LLM provider. One
// producer goroutine per request writes events to a channel and closes it;
// the consumer reads until close.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"antigravity/internal/logging"
	"antigravity/internal/memory"
	jsonx "antigravity/internal/shared/json"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/models"

const configSnippetCap = 4 * 1024

// Event is one streamed frame.
type Event struct {
	Text  string `json:"text"`
	Done  bool   `json:"done,omitempty"`
	Error string `json:"error,omitempty"`
}

// RemoteStore is the preferred history backend; the local store is the
// fallback and the write-through copy.
type RemoteStore interface {
	History(ctx context.Context, sessionID string) ([]memory.Turn, error)
	Append(ctx context.Context, sessionID, role, content string) error
}

// Request is one streaming conversation turn.
type Request struct {
	Prompt           string
	SessionID        string
	ProjectName      string
	DashboardContext string
}

// Config wires a Channel.
type Config struct {
	BaseURL      string
	APIKey       func() string
	Models       []string
	Timeout      time.Duration
	SystemPrompt string
	ConfigPaths  []string

	Local  *memory.Store
	Remote RemoteStore
	Logger logging.Logger
}

// Channel streams LLM responses with history persistence.
type Channel struct {
	cfg    Config
	http   *http.Client
	logger logging.Logger
}

// New builds a Channel.
func New(cfg Config) *Channel {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if len(cfg.Models) == 0 {
		cfg.Models = []string{"gemini-2.0-flash"}
	}
	return &Channel{
		cfg:    cfg,
		http:   &http.Client{},
		logger: logging.OrNop(cfg.Logger),
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiChunk struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Stream produces the event sequence for one request. The returned channel
// is closed when the stream ends, errors, or the context expires.
func (c *Channel) Stream(ctx context.Context, req Request) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		c.run(ctx, req, events)
	}()
	return events
}

func (c *Channel) run(ctx context.Context, req Request, events chan<- Event) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	history := c.loadHistory(ctx, req.SessionID)
	conversation := c.buildConversation(req, history)

	body, err := jsonx.Marshal(map[string]any{"contents": conversation})
	if err != nil {
		events <- Event{Error: fmt.Sprintf("encode request: %v", err)}
		return
	}

	var lastErr error
	for _, model := range c.cfg.Models {
		text, err := c.streamModel(ctx, model, body, events)
		if err == nil {
			c.persist(ctx, req.SessionID, req.Prompt, text)
			events <- Event{Text: "", Done: true}
			return
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		c.logger.Warn("Model %s failed, trying next: %v", model, err)
	}

	if ctx.Err() == context.DeadlineExceeded {
		events <- Event{Error: "stream timed out"}
		return
	}
	events <- Event{Error: fmt.Sprintf("all models failed: %v", lastErr)}
}

// streamModel runs one provider call, forwarding text chunks. It returns the
// accumulated text so the caller can persist the assistant turn.
func (c *Channel) streamModel(ctx context.Context, model string, body []byte, events chan<- Event) (string, error) {
	key := ""
	if c.cfg.APIKey != nil {
		key = c.cfg.APIKey()
	}
	url := fmt.Sprintf("%s/%s:streamGenerateContent?alt=sse&key=%s", c.cfg.BaseURL, model, key)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("model %s: status %d", model, resp.StatusCode)
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk geminiChunk
		if err := jsonx.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Debug("Skipping undecodable frame: %v", err)
			continue
		}
		if chunk.Error != nil {
			return "", fmt.Errorf("model %s: %s", model, chunk.Error.Message)
		}
		for _, candidate := range chunk.Candidates {
			for _, part := range candidate.Content.Parts {
				if part.Text == "" {
					continue
				}
				full.WriteString(part.Text)
				select {
				case events <- Event{Text: part.Text}:
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}
			if candidate.FinishReason != "" && candidate.FinishReason != "STOP" {
				c.logger.Warn("Model %s finished with reason %s", model, candidate.FinishReason)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return full.String(), nil
}

// loadHistory prefers the remote store, falling back to local.
func (c *Channel) loadHistory(ctx context.Context, sessionID string) []memory.Turn {
	if c.cfg.Remote != nil {
		if turns, err := c.cfg.Remote.History(ctx, sessionID); err == nil {
			return turns
		} else {
			c.logger.Warn("Remote history unavailable, using local: %v", err)
		}
	}
	if c.cfg.Local != nil {
		return c.cfg.Local.History(sessionID)
	}
	return nil
}

// buildConversation assembles the provider-shaped content list: a synthetic
// opening turn carrying system prompt plus live context, a model ack, prior
// history, then the new user turn.
func (c *Channel) buildConversation(req Request, history []memory.Turn) []geminiContent {
	var opening strings.Builder
	opening.WriteString(c.cfg.SystemPrompt)
	if req.ProjectName != "" {
		fmt.Fprintf(&opening, "\nActive project: %s", req.ProjectName)
	}
	if req.DashboardContext != "" {
		opening.WriteString("\n--- LIVE DASHBOARD ---\n")
		opening.WriteString(req.DashboardContext)
	}
	for _, path := range c.cfg.ConfigPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if len(data) > configSnippetCap {
			data = data[:configSnippetCap]
		}
		fmt.Fprintf(&opening, "\n--- CONFIG %s ---\n%s", path, data)
	}

	conversation := []geminiContent{
		{Role: "user", Parts: []geminiPart{{Text: opening.String()}}},
		{Role: "model", Parts: []geminiPart{{Text: "Understood. Ready."}}},
	}
	for _, turn := range history {
		role := "user"
		if turn.Role == "assistant" || turn.Role == "model" {
			role = "model"
		}
		conversation = append(conversation, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: turn.Content}},
		})
	}
	conversation = append(conversation, geminiContent{
		Role:  "user",
		Parts: []geminiPart{{Text: req.Prompt}},
	})
	return conversation
}

// persist writes the exchange to both stores on success.
func (c *Channel) persist(ctx context.Context, sessionID, prompt, response string) {
	if c.cfg.Local != nil {
		if err := c.cfg.Local.Append(sessionID, "user", prompt); err != nil {
			c.logger.Warn("Local history write failed: %v", err)
		}
		if err := c.cfg.Local.Append(sessionID, "assistant", response); err != nil {
			c.logger.Warn("Local history write failed: %v", err)
		}
	}
	if c.cfg.Remote != nil {
		if err := c.cfg.Remote.Append(ctx, sessionID, "user", prompt); err != nil {
			c.logger.Warn("Remote history write failed: %v", err)
		}
		if err := c.cfg.Remote.Append(ctx, sessionID, "assistant", response); err != nil {
			c.logger.Warn("Remote history write failed: %v", err)
		}
	}
}

// Clear wipes stream history in both stores.
func (c *Channel) Clear(ctx context.Context, sessionID string) error {
	var firstErr error
	if c.cfg.Local != nil {
		if err := c.cfg.Local.Clear(sessionID); err != nil {
			firstErr = err
		}
	}
	if remote, ok := c.cfg.Remote.(interface {
		Clear(ctx context.Context, sessionID string) error
	}); ok && remote != nil {
		if err := remote.Clear(ctx, sessionID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
