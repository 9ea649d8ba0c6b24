package migration

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

var testUnits = Units{CollateralDecimals: 18, RewardDecimals: 18}

func TestRegisterAndPending(t *testing.T) {
	m := NewMigrator(t.TempDir())
	m.Register(Migration{Version: 2, Description: "second"})
	m.Register(Migration{Version: 1, Description: "first"})

	pending := m.Pending()
	if len(pending) != 2 || pending[0].Version != 1 || pending[1].Version != 2 {
		t.Fatalf("pending = %+v", pending)
	}
	if m.CurrentVersion() != 0 {
		t.Errorf("fresh CurrentVersion = %d", m.CurrentVersion())
	}
}

func TestRunDefaultMigrations(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	m := NewMigrator(dir)
	RegisterDefaultMigrations(m, testUnits)

	if err := m.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.CurrentVersion() != 2 || len(m.Pending()) != 0 {
		t.Errorf("version = %d, pending = %d", m.CurrentVersion(), len(m.Pending()))
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Errorf("data dir perm = %o", perm)
	}
	if _, err := os.Stat(filepath.Join(dir, unitsFile)); err != nil {
		t.Errorf("units not pinned: %v", err)
	}
}

func TestAppliedStateSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	calls := 0
	step := Migration{Version: 1, Description: "count", Up: func(string) error { calls++; return nil }}

	m := NewMigrator(dir)
	m.Register(step)
	if err := m.Run(); err != nil {
		t.Fatal(err)
	}

	m2 := NewMigrator(dir)
	m2.Register(step)
	if err := m2.LoadApplied(); err != nil {
		t.Fatal(err)
	}
	if err := m2.Run(); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("step ran %d times", calls)
	}
}

func TestRunStopsAtFailure(t *testing.T) {
	dir := t.TempDir()
	boom := errors.New("boom")
	ran := false

	m := NewMigrator(dir)
	m.Register(Migration{Version: 1, Description: "fails", Up: func(string) error { return boom }})
	m.Register(Migration{Version: 2, Description: "after", Up: func(string) error { ran = true; return nil }})

	if err := m.Run(); !errors.Is(err, boom) {
		t.Fatalf("Run = %v", err)
	}
	if ran || m.CurrentVersion() != 0 {
		t.Errorf("later step ran=%v, version=%d", ran, m.CurrentVersion())
	}
}

func TestLoadAppliedCorruptState(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, stateFile), []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := NewMigrator(dir).LoadApplied(); err == nil {
		t.Error("expected parse error")
	}
}

func TestPrepareDetectsUnitChange(t *testing.T) {
	dir := t.TempDir()
	if err := Prepare(dir, testUnits); err != nil {
		t.Fatalf("first Prepare: %v", err)
	}
	if err := Prepare(dir, testUnits); err != nil {
		t.Fatalf("second Prepare: %v", err)
	}

	changed := Units{CollateralDecimals: 18, RewardDecimals: 6}
	if err := Prepare(dir, changed); !errors.Is(err, ErrUnitsChanged) {
		t.Errorf("Prepare with new decimals = %v", err)
	}
}

func TestCheckUnitsWithoutPin(t *testing.T) {
	if err := CheckUnits(t.TempDir(), testUnits); err != nil {
		t.Errorf("CheckUnits on empty dir: %v", err)
	}
}
