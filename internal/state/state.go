// Package state persists per-resource incremental cursors between runs.
package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileName is the state file kept in the pipeline working directory.
const FileName = "state.json"

// ResourceState is the persisted progress of one resource.
type ResourceState struct {
	CursorField string    `json:"cursor_field,omitempty"`
	LastValue   any       `json:"last_value,omitempty"`
	LastLoadID  string    `json:"last_load_id,omitempty"`
	RowsLoaded  int64     `json:"rows_loaded"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PipelineState is the content of state.json.
type PipelineState struct {
	Pipeline   string                    `json:"pipeline"`
	LastLoadID string                    `json:"last_load_id,omitempty"`
	UpdatedAt  time.Time                 `json:"updated_at,omitzero"`
	Resources  map[string]*ResourceState `json:"resources"`
}

// Store reads and writes the state file. Every mutation is persisted before
// it returns.
type Store struct {
	mu    sync.Mutex
	path  string
	state PipelineState
}

// Open loads dir/state.json, starting empty when the file does not exist.
func Open(dir, pipeline string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("state: mkdir: %w", err)
	}
	s := &Store{
		path: filepath.Join(dir, FileName),
		state: PipelineState{
			Pipeline:  pipeline,
			Resources: map[string]*ResourceState{},
		},
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: read: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var loaded PipelineState
	if err := dec.Decode(&loaded); err != nil {
		return nil, fmt.Errorf("state: decode %s: %w", s.path, err)
	}
	if loaded.Pipeline != "" && loaded.Pipeline != pipeline {
		return nil, fmt.Errorf("state: %s belongs to pipeline %q, not %q", s.path, loaded.Pipeline, pipeline)
	}
	loaded.Pipeline = pipeline
	if loaded.Resources == nil {
		loaded.Resources = map[string]*ResourceState{}
	}
	s.state = loaded
	return s, nil
}

// Path returns the state file location.
func (s *Store) Path() string { return s.path }

// Cursor returns the stored last value for resource. A value stored for a
// different cursor field is ignored.
func (s *Store) Cursor(resource, field string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.state.Resources[resource]
	if !ok || rs.LastValue == nil {
		return nil, false
	}
	if rs.CursorField != field {
		log.Printf("state: %s cursor field changed from %q to %q, starting over", resource, rs.CursorField, field)
		return nil, false
	}
	return rs.LastValue, true
}

// Advance records a committed load of rows for resource and, when field is
// set, its new cursor value.
func (s *Store) Advance(resource, field string, value any, loadID string, rows int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	rs, ok := s.state.Resources[resource]
	if !ok {
		rs = &ResourceState{}
	}
	next := *rs
	if field != "" {
		next.CursorField = field
		next.LastValue = value
	}
	next.LastLoadID = loadID
	next.RowsLoaded += rows
	next.UpdatedAt = now

	updated := s.cloneLocked()
	updated.Resources[resource] = &next
	updated.LastLoadID = loadID
	updated.UpdatedAt = now
	if err := s.writeLocked(updated); err != nil {
		return err
	}
	s.state = updated
	return nil
}

// Reset drops the stored state of resource. It reports whether anything was removed.
func (s *Store) Reset(resource string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.state.Resources[resource]; !ok {
		return false, nil
	}
	updated := s.cloneLocked()
	delete(updated.Resources, resource)
	updated.UpdatedAt = time.Now().UTC()
	if err := s.writeLocked(updated); err != nil {
		return false, err
	}
	s.state = updated
	return true, nil
}

// ResetAll drops every resource.
func (s *Store) ResetAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := PipelineState{
		Pipeline:  s.state.Pipeline,
		UpdatedAt: time.Now().UTC(),
		Resources: map[string]*ResourceState{},
	}
	if err := s.writeLocked(updated); err != nil {
		return err
	}
	s.state = updated
	return nil
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() PipelineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cloneLocked()
}

func (s *Store) cloneLocked() PipelineState {
	out := s.state
	out.Resources = make(map[string]*ResourceState, len(s.state.Resources))
	for name, rs := range maps.All(s.state.Resources) {
		cp := *rs
		out.Resources[name] = &cp
	}
	return out
}

func (s *Store) writeLocked(st PipelineState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("state: encode: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(s.path), FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("state: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("state: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("state: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("state: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("state: replace %s: %w", s.path, err)
	}
	return nil
}
