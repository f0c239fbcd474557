// Package snapshot backs up tracked config files before mutation and can
// restore any retained version. Snapshots and a single manifest live in one
// directory; retention keeps the newest N versions per original file.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"antigravity/internal/logging"
	jsonx "antigravity/internal/shared/json"
)

const manifestName = "manifest.json"

// Record is one backed-up file version.
type Record struct {
	OriginalPath string `json:"original_path"`
	SnapshotPath string `json:"snapshot_path"`
	Timestamp    string `json:"timestamp"`
	Reason       string `json:"reason"`
	SizeBytes    int64  `json:"size_bytes"`
}

// Snapshotter manages the snapshot directory and manifest.
type Snapshotter struct {
	dir       string
	retention int
	logger    logging.Logger
	mu        sync.Mutex
}

// DefaultDir returns the production snapshot directory under appRoot.
func DefaultDir(appRoot string) string {
	return filepath.Join(appRoot, "Alpha_Data", ".config_snapshots")
}

// New creates a Snapshotter storing into dir, keeping retention versions per
// file (10 when retention <= 0).
func New(dir string, retention int, logger logging.Logger) *Snapshotter {
	if retention <= 0 {
		retention = 10
	}
	return &Snapshotter{
		dir:       dir,
		retention: retention,
		logger:    logging.OrNop(logger),
	}
}

// Snapshot copies path into the snapshot directory and records it in the
// manifest, then prunes old versions of the same file.
func (s *Snapshotter) Snapshot(path, reason string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(path, reason)
}

func (s *Snapshotter) snapshotLocked(path, reason string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Record{}, fmt.Errorf("read original: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return Record{}, fmt.Errorf("create snapshot dir: %w", err)
	}

	now := time.Now()
	stamp := now.Format("20060102_150405.000000000")
	snapPath := filepath.Join(s.dir, fmt.Sprintf("%s.%s.bak", filepath.Base(path), stamp))
	if err := os.WriteFile(snapPath, data, 0644); err != nil {
		return Record{}, fmt.Errorf("write snapshot: %w", err)
	}

	record := Record{
		OriginalPath: path,
		SnapshotPath: snapPath,
		Timestamp:    now.Format(time.RFC3339Nano),
		Reason:       reason,
		SizeBytes:    int64(len(data)),
	}

	manifest, err := s.readManifest()
	if err != nil {
		s.logger.Warn("Manifest unreadable, starting fresh: %v", err)
		manifest = nil
	}
	manifest = append(manifest, record)
	manifest = s.prune(manifest)
	if err := s.writeManifest(manifest); err != nil {
		return record, err
	}

	s.logger.Info("Snapshotted %s (%d bytes, reason: %s)", path, record.SizeBytes, reason)
	return record, nil
}

// prune drops oldest versions beyond retention per original file and deletes
// their snapshot files.
func (s *Snapshotter) prune(manifest []Record) []Record {
	byOriginal := map[string][]int{}
	for i, record := range manifest {
		byOriginal[record.OriginalPath] = append(byOriginal[record.OriginalPath], i)
	}

	drop := map[int]bool{}
	for _, indexes := range byOriginal {
		if len(indexes) <= s.retention {
			continue
		}
		// Manifest is append-only, so earlier indexes are older.
		for _, i := range indexes[:len(indexes)-s.retention] {
			drop[i] = true
			if err := os.Remove(manifest[i].SnapshotPath); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("Cannot delete pruned snapshot %s: %v", manifest[i].SnapshotPath, err)
			}
		}
	}

	if len(drop) == 0 {
		return manifest
	}
	kept := make([]Record, 0, len(manifest)-len(drop))
	for i, record := range manifest {
		if !drop[i] {
			kept = append(kept, record)
		}
	}
	return kept
}

// List returns every manifest record, oldest first. With originalPath
// non-empty, only that file's records.
func (s *Snapshotter) List(originalPath string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	manifest, err := s.readManifest()
	if err != nil {
		return nil, err
	}
	if originalPath == "" {
		return manifest, nil
	}
	var out []Record
	for _, record := range manifest {
		if record.OriginalPath == originalPath {
			out = append(out, record)
		}
	}
	return out, nil
}

// Restore copies the chosen snapshot back over its original. With
// snapshotPath empty, the newest snapshot of originalPath is used. The
// current state is snapshotted first so the restore itself is reversible.
func (s *Snapshotter) Restore(originalPath, snapshotPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	manifest, err := s.readManifest()
	if err != nil {
		return err
	}

	var chosen *Record
	for i := range manifest {
		record := &manifest[i]
		if record.OriginalPath != originalPath {
			continue
		}
		if snapshotPath != "" {
			if record.SnapshotPath == snapshotPath || filepath.Base(record.SnapshotPath) == snapshotPath {
				chosen = record
				break
			}
			continue
		}
		chosen = record // append order, last match is newest
	}
	if chosen == nil {
		return fmt.Errorf("no snapshot of %s", originalPath)
	}

	data, err := os.ReadFile(chosen.SnapshotPath)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	if _, err := os.Stat(originalPath); err == nil {
		if _, err := s.snapshotLocked(originalPath, "pre-restore"); err != nil {
			return fmt.Errorf("pre-restore snapshot: %w", err)
		}
	}

	if err := os.WriteFile(originalPath, data, 0644); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	s.logger.Info("Restored %s from %s", originalPath, chosen.SnapshotPath)
	return nil
}

func (s *Snapshotter) manifestPath() string {
	return filepath.Join(s.dir, manifestName)
}

func (s *Snapshotter) readManifest() ([]Record, error) {
	data, err := os.ReadFile(s.manifestPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var manifest []Record
	if err := jsonx.Unmarshal(data, &manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

func (s *Snapshotter) writeManifest(manifest []Record) error {
	sort.SliceStable(manifest, func(i, j int) bool {
		return manifest[i].Timestamp < manifest[j].Timestamp
	})
	data, err := jsonx.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.manifestPath(), data, 0644)
}
