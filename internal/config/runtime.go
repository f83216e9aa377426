package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Runtime holds the small mutable settings that slash commands flip at
// runtime: the active provider/model and the tools/memory switches. It
// lives in its own overlay file next to the session data so the main
// config stays read-only, and it is re-read once per orchestrator
// invocation rather than held as process-wide mutable state.
type Runtime struct {
	Provider      string `yaml:"provider"`
	Model         string `yaml:"model"`
	ToolsEnabled  bool   `yaml:"tools_enabled"`
	MemoryEnabled bool   `yaml:"memory_enabled"`
}

// RuntimeStore reads and writes the runtime overlay file.
type RuntimeStore struct {
	path     string
	defaults Runtime
}

// NewRuntimeStore creates a store for the overlay at dataDir/runtime.yaml.
// defaults fills in any field the overlay file does not set, and is the
// full answer when the file does not exist yet.
func NewRuntimeStore(dataDir string, defaults Runtime) *RuntimeStore {
	return &RuntimeStore{
		path:     filepath.Join(dataDir, "runtime.yaml"),
		defaults: defaults,
	}
}

// Load reads the current overlay. A missing file is not an error; the
// defaults are returned. A malformed file is an error — silently falling
// back would mask a half-written overlay.
func (s *RuntimeStore) Load() (Runtime, error) {
	rt := s.defaults

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return rt, nil
	}
	if err != nil {
		return rt, fmt.Errorf("read runtime overlay: %w", err)
	}

	if err := yaml.Unmarshal(data, &rt); err != nil {
		return s.defaults, fmt.Errorf("parse runtime overlay: %w", err)
	}
	if rt.Provider == "" {
		rt.Provider = s.defaults.Provider
	}
	if rt.Model == "" {
		rt.Model = s.defaults.Model
	}
	return rt, nil
}

// Save writes the overlay atomically (temp file + rename) so a reader
// never observes a partial write.
func (s *RuntimeStore) Save(rt Runtime) error {
	data, err := yaml.Marshal(rt)
	if err != nil {
		return fmt.Errorf("marshal runtime overlay: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create overlay dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write runtime overlay: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace runtime overlay: %w", err)
	}
	return nil
}
