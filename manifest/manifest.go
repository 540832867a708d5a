// Package manifest handles cinder.toml host configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/cinder/vm"
)

// FileName is the name of the configuration file.
const FileName = "cinder.toml"

// Manifest represents a cinder.toml configuration.
type Manifest struct {
	Machine LimitsConfig `toml:"limits"`
	Store   StoreConfig  `toml:"store"`

	// Dir is the directory containing the cinder.toml file (set at load time).
	Dir string `toml:"-"`
}

// LimitsConfig sets the machine limits. Unset keys keep the defaults; an
// explicit zero means unlimited (or disabled, for gc-interval).
type LimitsConfig struct {
	MaxBytes          *int64 `toml:"max-bytes"`
	MaxObjectFields   *int   `toml:"max-object-fields"`
	MaxStackDepth     *int   `toml:"max-stack-depth"`
	InstructionBudget *int64 `toml:"instruction-budget"`
	GCInterval        *int   `toml:"gc-interval"`
}

// StoreConfig locates the snapshot store.
type StoreConfig struct {
	Path string `toml:"path"`
}

// Load parses a cinder.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %s", path, undecoded[0])
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	// Defaults
	if m.Store.Path == "" {
		m.Store.Path = filepath.Join(".cinder", "snapshots.db")
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a cinder.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

func (m *Manifest) validate() error {
	l := m.Machine
	switch {
	case l.MaxBytes != nil && *l.MaxBytes < 0:
		return fmt.Errorf("limits.max-bytes must not be negative")
	case l.MaxObjectFields != nil && *l.MaxObjectFields < 0:
		return fmt.Errorf("limits.max-object-fields must not be negative")
	case l.MaxStackDepth != nil && *l.MaxStackDepth < 0:
		return fmt.Errorf("limits.max-stack-depth must not be negative")
	case l.InstructionBudget != nil && *l.InstructionBudget < 0:
		return fmt.Errorf("limits.instruction-budget must not be negative")
	case l.GCInterval != nil && *l.GCInterval < 0:
		return fmt.Errorf("limits.gc-interval must not be negative")
	}
	return nil
}

// Limits converts the [limits] section to machine limits, starting from
// vm.DefaultLimits.
func (m *Manifest) Limits() vm.Limits {
	out := vm.DefaultLimits()
	l := m.Machine
	if l.MaxBytes != nil {
		out.MaxBytes = *l.MaxBytes
	}
	if l.MaxObjectFields != nil {
		out.MaxObjectFields = *l.MaxObjectFields
	}
	if l.MaxStackDepth != nil {
		out.MaxStackDepth = *l.MaxStackDepth
	}
	if l.InstructionBudget != nil {
		out.InstructionBudget = *l.InstructionBudget
	}
	if l.GCInterval != nil {
		out.GCInterval = *l.GCInterval
	}
	return out
}

// StorePath returns the absolute path of the snapshot store.
func (m *Manifest) StorePath() string {
	if filepath.IsAbs(m.Store.Path) {
		return m.Store.Path
	}
	return filepath.Join(m.Dir, m.Store.Path)
}
