// Package memory owns the dispatcher's persisted session state: the bounded
// chat history, the last-5 prompt ring used for sentry recovery, and the
// active project marker. One Store per app root; single writer by convention.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"antigravity/internal/logging"
	jsonx "antigravity/internal/shared/json"
)

const (
	historyFile = ".chat_history.json"
	cacheFile   = ".sentry_cache.json"
	projectFile = ".project_context.json"
	indexFile   = "MASTER_INDEX.md"

	promptRingSize = 5
)

// Turn is one chat message.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Store persists session state under an app root directory.
type Store struct {
	dir        string
	windowSize int
	staleAfter time.Duration
	logger     logging.Logger
	now        func() time.Time
	mu         sync.Mutex
}

// Option customizes a Store.
type Option func(*Store)

// WithClock injects a clock for staleness tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store rooted at dir. windowSize is in turns; the history
// keeps at most 2*windowSize messages.
func New(dir string, windowSize int, staleAfter time.Duration, logger logging.Logger) *Store {
	if windowSize <= 0 {
		windowSize = 5
	}
	if staleAfter <= 0 {
		staleAfter = 24 * time.Hour
	}
	return &Store{
		dir:        dir,
		windowSize: windowSize,
		staleAfter: staleAfter,
		logger:     logging.OrNop(logger),
		now:        time.Now,
	}
}

// NewWithOptions creates a Store then applies opts.
func NewWithOptions(dir string, windowSize int, staleAfter time.Duration, logger logging.Logger, opts ...Option) *Store {
	s := New(dir, windowSize, staleAfter, logger)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) historyPath(sessionID string) string {
	if sessionID == "" || sessionID == "default" {
		return filepath.Join(s.dir, historyFile)
	}
	safe := sanitizeName(sessionID)
	return filepath.Join(s.dir, fmt.Sprintf(".chat_history.%s.json", safe))
}

// Append adds one turn to the session history and persists immediately,
// trimming to the window.
func (s *Store) Append(sessionID, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := s.readTurns(sessionID)
	turns = append(turns, Turn{Role: role, Content: content})
	if max := 2 * s.windowSize; len(turns) > max {
		turns = turns[len(turns)-max:]
	}
	return s.writeTurns(sessionID, turns)
}

// History returns the bounded turn list, oldest first.
func (s *Store) History(sessionID string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readTurns(sessionID)
}

// HistoryBlock renders the history as a human-readable context block for
// prompt assembly. Empty history yields an empty string.
func (s *Store) HistoryBlock(sessionID string) string {
	turns := s.History(sessionID)
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("--- CONVERSATION HISTORY ---\n")
	for _, turn := range turns {
		b.WriteString(strings.ToUpper(turn.Role))
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}
	b.WriteString("--- END HISTORY ---\n")
	return b.String()
}

// Clear wipes the session history.
func (s *Store) Clear(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeTurns(sessionID, []Turn{})
}

func (s *Store) readTurns(sessionID string) []Turn {
	data, err := os.ReadFile(s.historyPath(sessionID))
	if err != nil {
		return nil
	}
	var turns []Turn
	if err := jsonx.Unmarshal(data, &turns); err != nil {
		s.logger.Warn("Corrupt chat history, starting empty: %v", err)
		return nil
	}
	return turns
}

func (s *Store) writeTurns(sessionID string, turns []Turn) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	data, err := jsonx.MarshalIndent(turns, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.historyPath(sessionID), data, 0644)
}

// CachePrompt appends a user prompt to the last-5 ring on disk.
func (s *Store) CachePrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring := s.readRing()
	ring = append(ring, prompt)
	if len(ring) > promptRingSize {
		ring = ring[len(ring)-promptRingSize:]
	}
	data, err := jsonx.MarshalIndent(ring, "", "  ")
	if err != nil {
		return
	}
	_ = os.MkdirAll(s.dir, 0755)
	if err := os.WriteFile(filepath.Join(s.dir, cacheFile), data, 0644); err != nil {
		s.logger.Warn("Cannot persist prompt cache: %v", err)
	}
}

// LastPrompt returns the newest cached user prompt, or "".
func (s *Store) LastPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring := s.readRing()
	if len(ring) == 0 {
		return ""
	}
	return ring[len(ring)-1]
}

// CachedPrompts returns the full ring, oldest first.
func (s *Store) CachedPrompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readRing()
}

func (s *Store) readRing() []string {
	data, err := os.ReadFile(filepath.Join(s.dir, cacheFile))
	if err != nil {
		return nil
	}
	var ring []string
	if err := jsonx.Unmarshal(data, &ring); err != nil {
		return nil
	}
	return ring
}

// Project returns the last recorded project name, or "".
func (s *Store) Project() string {
	data, err := os.ReadFile(filepath.Join(s.dir, projectFile))
	if err != nil {
		return ""
	}
	var name string
	if err := jsonx.Unmarshal(data, &name); err != nil {
		return strings.TrimSpace(string(data))
	}
	return name
}

// SetProject persists the active project name.
func (s *Store) SetProject(name string) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	data, err := jsonx.Marshal(name)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, projectFile), data, 0644)
}

// SweepStale wipes history and prompt cache when the cache has not been
// touched within the staleness window, then stamps a fresh-boot line into
// the master index. Returns true when a wipe happened.
func (s *Store) SweepStale(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(filepath.Join(s.dir, cacheFile))
	if err != nil {
		return false
	}
	if s.now().Sub(info.ModTime()) < s.staleAfter {
		return false
	}

	_ = s.writeTurns(sessionID, []Turn{})
	_ = os.Remove(filepath.Join(s.dir, cacheFile))
	s.stampFreshBoot()
	s.logger.Info("Stale session state wiped (idle > %s)", s.staleAfter)
	return true
}

// stampFreshBoot appends the wipe marker to the master index. The stamp is
// part of the contract, not incidental logging.
func (s *Store) stampFreshBoot() {
	path := filepath.Join(s.dir, indexFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		s.logger.Warn("Cannot stamp master index: %v", err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "\n- FRESH_BOOT: %s memory wiped after idle period\n", s.now().Format(time.RFC3339))
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
