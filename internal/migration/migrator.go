// Package migration applies versioned, one-time changes to the daemon's
// data directory. Applied versions are recorded in schema.json so each step
// runs once per directory.
package migration

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/moltbunker/usdstake/internal/logging"
)

// stateFile records applied versions inside the data directory.
const stateFile = "schema.json"

// Migration is one versioned step.
type Migration struct {
	Version     int
	Description string
	Up          func(dataDir string) error
}

// Migrator runs registered migrations against one data directory.
type Migrator struct {
	dataDir string

	mu         sync.Mutex
	applied    map[int]time.Time
	migrations []Migration
}

type appliedRecord struct {
	Version   int       `json:"version"`
	AppliedAt time.Time `json:"applied_at"`
}

// NewMigrator creates a migrator for dataDir.
func NewMigrator(dataDir string) *Migrator {
	return &Migrator{
		dataDir: dataDir,
		applied: make(map[int]time.Time),
	}
}

// Register adds a migration. Order of registration does not matter.
func (m *Migrator) Register(mig Migration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.migrations = append(m.migrations, mig)
}

func (m *Migrator) statePath() string {
	return filepath.Join(m.dataDir, stateFile)
}

// LoadApplied reads the applied versions. A missing state file means a
// fresh directory.
func (m *Migrator) LoadApplied() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.statePath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", stateFile, err)
	}

	var records []appliedRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("failed to parse %s: %w", stateFile, err)
	}
	m.applied = make(map[int]time.Time, len(records))
	for _, r := range records {
		m.applied[r.Version] = r.AppliedAt
	}
	return nil
}

// save writes the state atomically; caller holds m.mu.
func (m *Migrator) save() error {
	records := make([]appliedRecord, 0, len(m.applied))
	for v, at := range m.applied {
		records = append(records, appliedRecord{Version: v, AppliedAt: at})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Version < records[j].Version })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", stateFile, err)
	}
	return writeFileAtomic(m.statePath(), data)
}

// Pending returns the migrations not yet applied, lowest version first.
func (m *Migrator) Pending() []Migration {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []Migration
	for _, mig := range m.migrations {
		if _, ok := m.applied[mig.Version]; !ok {
			pending = append(pending, mig)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })
	return pending
}

// Run applies every pending migration in order, persisting progress after
// each step. It stops at the first failure.
func (m *Migrator) Run() error {
	for _, mig := range m.Pending() {
		if err := mig.Up(m.dataDir); err != nil {
			return fmt.Errorf("migration v%d (%s): %w", mig.Version, mig.Description, err)
		}

		m.mu.Lock()
		m.applied[mig.Version] = time.Now().UTC()
		if err := m.save(); err != nil {
			delete(m.applied, mig.Version)
			m.mu.Unlock()
			return fmt.Errorf("failed to record migration v%d: %w", mig.Version, err)
		}
		m.mu.Unlock()

		logging.Info("data directory migrated",
			"version", mig.Version,
			"description", mig.Description,
			logging.Component("migration"))
	}
	return nil
}

// CurrentVersion returns the highest applied version, 0 for a fresh
// directory.
func (m *Migrator) CurrentVersion() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := 0
	for v := range m.applied {
		current = max(current, v)
	}
	return current
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}
