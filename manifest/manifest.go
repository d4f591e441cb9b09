// Package manifest reads perch.toml, the per-project runtime configuration.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Filename is the manifest file looked for in a project directory.
const Filename = "perch.toml"

// Manifest is the contents of a perch.toml file. Absent keys keep their
// defaults; unknown keys are rejected.
type Manifest struct {
	Runtime Runtime `toml:"runtime"`
	Store   Store   `toml:"store"`
}

// Runtime configures the virtual machine.
type Runtime struct {
	// MaxCallDepth bounds the frame stack per interpreter thread.
	MaxCallDepth int `toml:"max_call_depth"`
	// Atomics is "auto" (probe the platform) or "off" (force the mutex
	// counting fallback).
	Atomics string `toml:"atomics"`
	// Trace enables per-instruction tracing to stderr.
	Trace bool `toml:"trace"`
}

// Store configures the program store.
type Store struct {
	// Path is the SQLite database file, relative to the manifest.
	Path string `toml:"path"`
}

// Default returns a manifest with every setting at its default.
func Default() *Manifest {
	return &Manifest{
		Runtime: Runtime{
			MaxCallDepth: 1024,
			Atomics:      "auto",
		},
		Store: Store{
			Path: "perch.db",
		},
	}
}

// Load reads a manifest from path, layering it over the defaults.
func Load(path string) (*Manifest, error) {
	m := Default()
	meta, err := toml.DecodeFile(path, m)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %q", path, undecoded[0].String())
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func (m *Manifest) validate() error {
	if m.Runtime.MaxCallDepth <= 0 {
		return errors.New("runtime.max_call_depth must be positive")
	}
	switch m.Runtime.Atomics {
	case "auto", "off":
	default:
		return fmt.Errorf("runtime.atomics must be %q or %q, got %q", "auto", "off", m.Runtime.Atomics)
	}
	return nil
}

// FindAndLoad walks up from dir looking for a manifest. When no manifest
// exists anywhere up the tree, the defaults apply.
func FindAndLoad(dir string) (*Manifest, error) {
	for {
		p := filepath.Join(dir, Filename)
		if _, err := os.Stat(p); err == nil {
			return Load(p)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}
