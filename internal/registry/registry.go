// Package registry maps specialist roles to their remote endpoints. The
// authoritative list comes from a discovery URL on the automation provider,
// with a legacy JSON file and a static seed as fallbacks.
package registry

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	agerrors "antigravity/internal/errors"
	"antigravity/internal/logging"
	jsonx "antigravity/internal/shared/json"
)

// Endpoint is one routable specialist.
type Endpoint struct {
	Role     string `json:"role"`
	URL      string `json:"url"`
	IsShared bool   `json:"is_shared"`
}

// Registry resolves roles to endpoints. Safe for concurrent use.
type Registry struct {
	discoveryURL string
	legacyPath   string
	http         *http.Client
	logger       logging.Logger

	mu        sync.RWMutex
	endpoints map[string]Endpoint

	resolveCache *lru.Cache[string, Endpoint]
}

// Option customizes a Registry.
type Option func(*Registry)

// WithDiscoveryURL sets the remote discovery endpoint.
func WithDiscoveryURL(url string) Option {
	return func(r *Registry) { r.discoveryURL = url }
}

// WithLegacyFile sets the fallback JSON registry file.
func WithLegacyFile(path string) Option {
	return func(r *Registry) { r.legacyPath = path }
}

// WithHTTPClient overrides the HTTP client used for discovery and pings.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Registry) { r.http = client }
}

// New builds a Registry seeded with the given endpoints.
func New(seed []Endpoint, logger logging.Logger, opts ...Option) *Registry {
	cache, _ := lru.New[string, Endpoint](64)
	r := &Registry{
		http:         &http.Client{Timeout: 10 * time.Second},
		logger:       logging.OrNop(logger),
		endpoints:    map[string]Endpoint{},
		resolveCache: cache,
	}
	for _, endpoint := range seed {
		r.endpoints[normalizeRole(endpoint.Role)] = endpoint
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

// Refresh reloads the registry: discovery URL first, legacy file second.
// The static seed survives when both fail.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.discoveryURL != "" {
		if endpoints, err := r.fetchRemote(ctx); err == nil {
			r.install(endpoints)
			r.logger.Info("Registry refreshed from discovery (%d roles)", len(endpoints))
			return nil
		} else {
			r.logger.Warn("Registry discovery failed: %v", err)
		}
	}
	if r.legacyPath != "" {
		if endpoints, err := r.loadLegacy(); err == nil {
			r.install(endpoints)
			r.logger.Info("Registry loaded from legacy file (%d roles)", len(endpoints))
			return nil
		} else if !os.IsNotExist(err) {
			r.logger.Warn("Legacy registry unreadable: %v", err)
		}
	}
	return fmt.Errorf("registry refresh: no source available")
}

func (r *Registry) fetchRemote(ctx context.Context) ([]Endpoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.discoveryURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery status %d", resp.StatusCode)
	}
	var endpoints []Endpoint
	if err := jsonx.NewDecoder(resp.Body).Decode(&endpoints); err != nil {
		return nil, err
	}
	return endpoints, nil
}

func (r *Registry) loadLegacy() ([]Endpoint, error) {
	data, err := os.ReadFile(r.legacyPath)
	if err != nil {
		return nil, err
	}
	var endpoints []Endpoint
	if err := jsonx.Unmarshal(data, &endpoints); err != nil {
		return nil, err
	}
	return endpoints, nil
}

func (r *Registry) install(endpoints []Endpoint) {
	next := make(map[string]Endpoint, len(endpoints))
	for _, endpoint := range endpoints {
		next[normalizeRole(endpoint.Role)] = endpoint
	}
	r.mu.Lock()
	r.endpoints = next
	r.mu.Unlock()
	r.resolveCache.Purge()
}

// Resolve returns the endpoint for role, matching case-insensitively.
func (r *Registry) Resolve(role string) (Endpoint, error) {
	key := normalizeRole(role)
	if endpoint, ok := r.resolveCache.Get(key); ok {
		return endpoint, nil
	}

	r.mu.RLock()
	endpoint, ok := r.endpoints[key]
	r.mu.RUnlock()
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %s", agerrors.ErrUnknownAgent, role)
	}
	r.resolveCache.Add(key, endpoint)
	return endpoint, nil
}

// All returns every endpoint sorted by role.
func (r *Registry) All() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Endpoint, 0, len(r.endpoints))
	for _, endpoint := range r.endpoints {
		out = append(out, endpoint)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}

// Roles returns the sorted role names.
func (r *Registry) Roles() []string {
	endpoints := r.All()
	roles := make([]string, 0, len(endpoints))
	for _, endpoint := range endpoints {
		roles = append(roles, endpoint.Role)
	}
	return roles
}

// Ping probes each endpoint host and reports reachability per role. Webhook
// endpoints often reject GETs, so any HTTP answer counts as alive.
func (r *Registry) Ping(ctx context.Context) map[string]bool {
	status := map[string]bool{}
	for _, endpoint := range r.All() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.URL, nil)
		if err != nil {
			status[endpoint.Role] = false
			continue
		}
		resp, err := r.http.Do(req)
		if err != nil {
			status[endpoint.Role] = false
			continue
		}
		resp.Body.Close()
		status[endpoint.Role] = true
	}
	return status
}
