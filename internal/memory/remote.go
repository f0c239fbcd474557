package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsonx "antigravity/internal/shared/json"
)

const (
	chatHistoryTable   = "chat_history"
	remoteHistoryLimit = 10
)

// Remote is the Supabase-backed long-term chat store, speaking the
// PostgREST dialect against the chat_history table. Every method returns an
// error the caller can shrug off; the local Store is the fallback.
type Remote struct {
	baseURL string
	key     string
	http    *http.Client
}

// NewRemote builds a Remote against the project URL and service key.
func NewRemote(projectURL, key string) *Remote {
	return &Remote{
		baseURL: strings.TrimRight(projectURL, "/") + "/rest/v1",
		key:     key,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (r *Remote) do(ctx context.Context, method, rawURL string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", r.key)
	req.Header.Set("Authorization", "Bearer "+r.key)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=minimal")
	}
	return r.http.Do(req)
}

// History returns the last messages for a session, oldest first.
func (r *Remote) History(ctx context.Context, sessionID string) ([]Turn, error) {
	query := url.Values{}
	query.Set("select", "role,content")
	query.Set("session_id", "eq."+sessionID)
	query.Set("order", "created_at.desc")
	query.Set("limit", strconv.Itoa(remoteHistoryLimit))

	resp, err := r.do(ctx, http.MethodGet,
		fmt.Sprintf("%s/%s?%s", r.baseURL, chatHistoryTable, query.Encode()), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote history: status %d", resp.StatusCode)
	}

	var turns []Turn
	if err := jsonx.NewDecoder(resp.Body).Decode(&turns); err != nil {
		return nil, fmt.Errorf("remote history: %w", err)
	}
	// The query is newest-first; conversations read oldest-first.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Append inserts one message row.
func (r *Remote) Append(ctx context.Context, sessionID, role, content string) error {
	body, err := jsonx.Marshal(map[string]string{
		"session_id": sessionID,
		"role":       role,
		"content":    content,
	})
	if err != nil {
		return err
	}
	resp, err := r.do(ctx, http.MethodPost,
		fmt.Sprintf("%s/%s", r.baseURL, chatHistoryTable), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("remote append: status %d", resp.StatusCode)
	}
	return nil
}

// Clear deletes every row for a session.
func (r *Remote) Clear(ctx context.Context, sessionID string) error {
	query := url.Values{}
	query.Set("session_id", "eq."+sessionID)

	resp, err := r.do(ctx, http.MethodDelete,
		fmt.Sprintf("%s/%s?%s", r.baseURL, chatHistoryTable, query.Encode()), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("remote clear: status %d", resp.StatusCode)
	}
	return nil
}
