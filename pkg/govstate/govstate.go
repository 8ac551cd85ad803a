// Package govstate persists small pieces of workspace-wide governance
// state that must survive process restarts but don't belong in the
// audit journal: whether bootstrap may still run, and an approved-plans
// count that bootstrap sets to 1. Load-or-initialize on open, atomic
// rewrite on every mutation.
package govstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// data is the on-disk shape of governance state, matching
// .governance/governance.json's fixed schema.
type data struct {
	BootstrapEnabled   bool `json:"bootstrap_enabled"`
	ApprovedPlansCount int  `json:"approved_plans_count"`
}

// State is a thread-safe, file-backed governance state store.
type State struct {
	mu   sync.Mutex
	path string
	d    data
}

// Load reads state from path, initializing a fresh workspace's state
// (bootstrap enabled, zero approved plans) if the file does not yet
// exist.
func Load(path string) (*State, error) {
	s := &State{path: path, d: data{BootstrapEnabled: true}}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("govstate: read: %w", err)
	}
	if err := json.Unmarshal(raw, &s.d); err != nil {
		return nil, fmt.Errorf("govstate: decode: %w", err)
	}
	return s, nil
}

func (s *State) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("govstate: mkdir: %w", err)
	}
	raw, err := json.MarshalIndent(s.d, "", "  ")
	if err != nil {
		return fmt.Errorf("govstate: encode: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("govstate: write temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("govstate: rename: %w", err)
	}
	return nil
}

// CanBootstrap reports whether the one-shot bootstrap flow may still
// run: bootstrap is enabled and no plan has ever been approved yet.
func (s *State) CanBootstrap() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.BootstrapEnabled && s.d.ApprovedPlansCount == 0
}

// MarkBootstrapDone disables bootstrap and records the foundation plan
// as the first approved plan, so Bootstrapper.Run can never be invoked
// again for this workspace.
func (s *State) MarkBootstrapDone() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d.BootstrapEnabled = false
	s.d.ApprovedPlansCount = 1
	return s.persistLocked()
}

// ApprovedPlansCount returns the current counter value.
func (s *State) ApprovedPlansCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.ApprovedPlansCount
}

// BootstrapEnabled reports the raw governance.bootstrap_enabled flag,
// independent of the approved-plans count.
func (s *State) BootstrapEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.BootstrapEnabled
}
