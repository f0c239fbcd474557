// Package supervisor is the periodic watchdog: it checks local server
// health, probes the provider inside the configured window, fires a daily
// trigger, and reacts to portfolio changes as they happen.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"antigravity/internal/errorlog"
	"antigravity/internal/logging"
	"antigravity/internal/n8nclient"
	jsonx "antigravity/internal/shared/json"
)

// triggerTimeout bounds one trigger invocation. Overruns are warnings, not
// faults: the work may still finish in the background.
const triggerTimeout = 120 * time.Second

// TriggerFunc performs the supervised action, e.g. dispatching a briefing
// prompt through the bridge. force marks event-driven invocations that must
// run regardless of the market window; the daily tick passes false.
type TriggerFunc func(ctx context.Context, reason string, force bool) error

// Config wires a Supervisor.
type Config struct {
	Tick          time.Duration
	PortfolioPath string
	DailyTrigger  string // "HH:MM" local time

	// Provider checks run only when the local weekday is in WindowWeekdays
	// (time.Weekday numbering) and the hour is in [WindowStart, WindowEnd).
	WindowWeekdays []int
	WindowStart    int
	WindowEnd      int

	HealthURL string

	Provider *n8nclient.Client
	Trigger  TriggerFunc
	ErrorLog *errorlog.Log
	Logger   logging.Logger
}

// Supervisor runs the watchdog loop.
type Supervisor struct {
	cfg    Config
	logger logging.Logger
	http   *http.Client
	clock  func() time.Time

	lastDaily string
	knownIDs  []string
	primedIDs bool
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock overrides wall-clock reads for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Supervisor) { s.clock = clock }
}

// New builds a Supervisor.
func New(cfg Config, opts ...Option) *Supervisor {
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Minute
	}
	s := &Supervisor{
		cfg:    cfg,
		logger: logging.OrNop(cfg.Logger),
		http:   &http.Client{Timeout: 10 * time.Second},
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until the context is canceled, ticking at the configured
// interval and reacting to portfolio file events between ticks.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	watcher := s.watchPortfolio(ctx)
	if watcher != nil {
		defer watcher.Close()
	}

	// Prime the position set so a restart does not fire a spurious trigger.
	s.knownIDs = s.openPositionIDs()
	s.primedIDs = true

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		case event, ok := <-s.events(watcher):
			if !ok {
				watcher = nil
				continue
			}
			if s.isPortfolioEvent(event) {
				s.checkPortfolio(ctx)
			}
		}
	}
}

// events tolerates a nil watcher so the select stays simple.
func (s *Supervisor) events(watcher *fsnotify.Watcher) <-chan fsnotify.Event {
	if watcher == nil {
		return nil
	}
	return watcher.Events
}

func (s *Supervisor) isPortfolioEvent(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
		return false
	}
	return filepath.Base(event.Name) == filepath.Base(s.cfg.PortfolioPath)
}

// watchPortfolio watches the portfolio's directory; editors replace files,
// so watching the file itself would lose the inode.
func (s *Supervisor) watchPortfolio(ctx context.Context) *fsnotify.Watcher {
	if s.cfg.PortfolioPath == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("Portfolio watcher unavailable: %v", err)
		return nil
	}
	dir := filepath.Dir(s.cfg.PortfolioPath)
	if err := watcher.Add(dir); err != nil {
		s.logger.Warn("Cannot watch %s: %v", dir, err)
		watcher.Close()
		return nil
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("Portfolio watcher error: %v", err)
			}
		}
	}()
	return watcher
}

func (s *Supervisor) tick(ctx context.Context) {
	s.checkHealth(ctx)
	if s.inProviderWindow(s.clock()) {
		s.checkProvider(ctx)
	}
	s.checkPortfolio(ctx)
	s.checkDaily(ctx)
}

func (s *Supervisor) checkHealth(ctx context.Context) {
	if s.cfg.HealthURL == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.HealthURL, nil)
	if err != nil {
		return
	}
	resp, err := s.http.Do(req)
	if err != nil {
		s.record(errorlog.SeverityError, fmt.Sprintf("local server unreachable: %v", err))
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.record(errorlog.SeverityWarning, fmt.Sprintf("local server unhealthy: status %d", resp.StatusCode))
	}
}

func (s *Supervisor) inProviderWindow(now time.Time) bool {
	if len(s.cfg.WindowWeekdays) == 0 {
		return true
	}
	weekday := int(now.Weekday())
	match := false
	for _, day := range s.cfg.WindowWeekdays {
		if day == weekday {
			match = true
			break
		}
	}
	if !match {
		return false
	}
	hour := now.Hour()
	return hour >= s.cfg.WindowStart && hour < s.cfg.WindowEnd
}

func (s *Supervisor) checkProvider(ctx context.Context) {
	if s.cfg.Provider == nil {
		return
	}
	state, err := s.cfg.Provider.Reachability(ctx)
	if err != nil {
		s.record(errorlog.SeverityError, fmt.Sprintf("provider unreachable: %v", err))
		return
	}
	if state != "ok" {
		s.record(errorlog.SeverityWarning, "provider state: "+state)
	}
}

// checkPortfolio diffs open-position IDs against the last observed set and
// fires a trigger when NEW positions appear. Closures only update the known
// set; an exit needs no entry report.
func (s *Supervisor) checkPortfolio(ctx context.Context) {
	if s.cfg.PortfolioPath == "" {
		return
	}
	current := s.openPositionIDs()
	if !s.primedIDs {
		s.knownIDs = current
		s.primedIDs = true
		return
	}
	added := newIDs(current, s.knownIDs)
	s.knownIDs = current
	if len(added) == 0 {
		return
	}
	s.logger.Info("New position(s) detected: %s", strings.Join(added, ", "))
	s.fire(ctx, "new positions detected", true)
}

func (s *Supervisor) checkDaily(ctx context.Context) {
	if s.cfg.DailyTrigger == "" {
		return
	}
	now := s.clock()
	today := now.Format("2006-01-02")
	if s.lastDaily == today {
		return
	}
	trigger, err := time.ParseInLocation("15:04", s.cfg.DailyTrigger, now.Location())
	if err != nil {
		return
	}
	moment := time.Date(now.Year(), now.Month(), now.Day(),
		trigger.Hour(), trigger.Minute(), 0, 0, now.Location())
	if now.Before(moment) {
		return
	}
	s.lastDaily = today
	s.fire(ctx, "daily trigger "+s.cfg.DailyTrigger, false)
}

// fire runs the trigger with the subprocess timeout. A timeout is logged as
// a warning and the loop continues.
func (s *Supervisor) fire(ctx context.Context, reason string, force bool) {
	if s.cfg.Trigger == nil {
		return
	}
	runCtx, cancel := context.WithTimeout(ctx, triggerTimeout)
	defer cancel()

	s.logger.Info("Supervisor trigger: %s (force=%t)", reason, force)
	if err := s.cfg.Trigger(runCtx, reason, force); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			s.record(errorlog.SeverityWarning, "trigger timed out: "+reason)
			return
		}
		s.record(errorlog.SeverityWarning, fmt.Sprintf("trigger failed (%s): %v", reason, err))
	}
}

func (s *Supervisor) record(severity, message string) {
	s.logger.Warn("Supervisor: %s", message)
	if s.cfg.ErrorLog != nil {
		s.cfg.ErrorLog.Record("supervisor", severity, message, nil, "")
	}
}

// openPositionIDs reads the portfolio file and returns the sorted IDs of
// open positions. Both the flat open_positions form and the status-tagged
// positions form are accepted.
func (s *Supervisor) openPositionIDs() []string {
	data, err := os.ReadFile(s.cfg.PortfolioPath)
	if err != nil {
		return nil
	}

	var payload struct {
		OpenPositions []struct {
			ID string `json:"id"`
		} `json:"open_positions"`
		Positions []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"positions"`
	}
	if err := jsonx.Unmarshal(data, &payload); err != nil {
		s.logger.Warn("Portfolio unreadable: %v", err)
		return nil
	}

	var ids []string
	for _, position := range payload.OpenPositions {
		if position.ID != "" {
			ids = append(ids, position.ID)
		}
	}
	for _, position := range payload.Positions {
		if position.ID != "" && strings.EqualFold(position.Status, "open") {
			ids = append(ids, position.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// newIDs returns the members of current absent from known.
func newIDs(current, known []string) []string {
	seen := make(map[string]bool, len(known))
	for _, id := range known {
		seen[id] = true
	}
	var added []string
	for _, id := range current {
		if !seen[id] {
			added = append(added, id)
		}
	}
	return added
}
