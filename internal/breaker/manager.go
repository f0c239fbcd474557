package breaker

import (
	"os"
	"sort"
	"strings"
	"sync"

	"antigravity/internal/logging"
)

// Manager hands out breakers by dependency name, one shared instance per name.
type Manager struct {
	dir    string
	config Config
	opts   []Option
	logger logging.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewManager creates a manager persisting under dir.
func NewManager(dir string, config Config, opts ...Option) *Manager {
	return &Manager{
		dir:      dir,
		config:   config,
		opts:     opts,
		logger:   logging.NewComponentLogger("circuit-breaker-manager"),
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	if b, ok := m.breakers[name]; ok {
		m.mu.RUnlock()
		return b
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if b, ok := m.breakers[name]; ok {
		return b
	}

	b := New(name, m.dir, m.config, m.opts...)
	m.breakers[name] = b
	m.logger.Debug("Created circuit breaker for: %s", name)
	return b
}

// Snapshots returns the persisted record for every known breaker, including
// ones written by prior processes, sorted by name.
func (m *Manager) Snapshots() []CircuitState {
	seen := map[string]CircuitState{}

	entries, err := os.ReadDir(m.dir)
	if err == nil {
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ".json") {
				continue
			}
			seen[strings.TrimSuffix(name, ".json")] = CircuitState{}
		}
	}

	m.mu.RLock()
	for name := range m.breakers {
		seen[name] = CircuitState{}
	}
	m.mu.RUnlock()

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]CircuitState, 0, len(names))
	for _, name := range names {
		out = append(out, m.Get(name).Snapshot())
	}
	return out
}

// ResetAll force-closes every known breaker.
func (m *Manager) ResetAll() {
	for _, st := range m.Snapshots() {
		m.Get(st.Name).Reset()
	}
	m.logger.Info("Reset all circuit breakers")
}
