package migration

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// unitsFile pins the amount scales the stored records were written with.
const unitsFile = "units.json"

// ErrUnitsChanged is returned when the configured decimals differ from the
// ones the data directory was created with. Existing positions would be
// valued at the wrong scale.
var ErrUnitsChanged = errors.New("configured decimals differ from the data directory")

// Units are the decimal scales stake records depend on.
type Units struct {
	CollateralDecimals uint8 `json:"collateral_decimals"`
	RewardDecimals     uint8 `json:"reward_decimals"`
}

// RegisterDefaultMigrations registers the built-in steps. units is pinned
// on first run.
func RegisterDefaultMigrations(m *Migrator, units Units) {
	m.Register(Migration{
		Version:     1,
		Description: "Restrict data directory permissions",
		Up: func(dataDir string) error {
			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return err
			}
			return os.Chmod(dataDir, 0o700)
		},
	})

	m.Register(Migration{
		Version:     2,
		Description: "Pin collateral and reward decimals",
		Up: func(dataDir string) error {
			path := filepath.Join(dataDir, unitsFile)
			if _, err := os.Stat(path); err == nil {
				return nil
			}
			data, err := json.MarshalIndent(units, "", "  ")
			if err != nil {
				return err
			}
			return writeFileAtomic(path, data)
		},
	})
}

// CheckUnits compares units with the pinned ones in dataDir. A directory
// without a pin passes.
func CheckUnits(dataDir string, units Units) error {
	data, err := os.ReadFile(filepath.Join(dataDir, unitsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", unitsFile, err)
	}
	var pinned Units
	if err := json.Unmarshal(data, &pinned); err != nil {
		return fmt.Errorf("failed to parse %s: %w", unitsFile, err)
	}
	if pinned != units {
		return fmt.Errorf("%w: pinned collateral=%d reward=%d, configured collateral=%d reward=%d",
			ErrUnitsChanged, pinned.CollateralDecimals, pinned.RewardDecimals,
			units.CollateralDecimals, units.RewardDecimals)
	}
	return nil
}

// Prepare loads the state of dataDir, applies pending migrations and
// verifies the pinned units.
func Prepare(dataDir string, units Units) error {
	m := NewMigrator(dataDir)
	RegisterDefaultMigrations(m, units)
	if err := m.LoadApplied(); err != nil {
		return err
	}
	if err := m.Run(); err != nil {
		return err
	}
	return CheckUnits(dataDir, units)
}
