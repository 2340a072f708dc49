// plugin_store.go: Installed plugin records and module loading collaborators
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"sort"
	"sync"
)

// PluginStore holds the manifest and module descriptor of every installed
// plugin. Rollbacks restore snapshots through it.
type PluginStore interface {
	// Record returns a copy of the stored record.
	Record(name string) (PluginRecord, bool)

	// Names returns the names of every stored plugin.
	Names() []string

	// Restore replaces the stored record, and its dependency edges, with record.
	Restore(record PluginRecord) error

	// Dependents returns the plugins declaring name as a dependency.
	Dependents(name string) []string
}

// ModuleLoader brings the module of a plugin into the process.
type ModuleLoader interface {
	LoadModule(ctx context.Context, record PluginRecord) (ModuleDescriptor, error)
}

// ModuleLoaderFunc adapts a function to ModuleLoader.
type ModuleLoaderFunc func(ctx context.Context, record PluginRecord) (ModuleDescriptor, error)

// LoadModule implements ModuleLoader.
func (f ModuleLoaderFunc) LoadModule(ctx context.Context, record PluginRecord) (ModuleDescriptor, error) {
	return f(ctx, record)
}

// MemoryPluginStore is the in-process PluginStore. Dependency edges are kept
// in a DependencyGraph.
//
// Example usage:
//
//	store := NewMemoryPluginStore()
//	_ = store.Put(PluginRecord{Manifest: PluginManifest{
//	    Name:         "api",
//	    Version:      "1.0.0",
//	    Dependencies: []string{"auth"},
//	}})
//	store.Dependents("auth") // ["api"]
type MemoryPluginStore struct {
	mu      sync.RWMutex
	records map[string]PluginRecord
	graph   *DependencyGraph
}

// NewMemoryPluginStore creates an empty store.
func NewMemoryPluginStore() *MemoryPluginStore {
	return &MemoryPluginStore{
		records: make(map[string]PluginRecord),
		graph:   NewDependencyGraph(),
	}
}

// Put stores a copy of record.
func (s *MemoryPluginStore) Put(record PluginRecord) error {
	name := record.Name()
	if name == "" {
		return NewInvalidArgumentError("manifest.name", "plugin name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.graph.AddPlugin(name, record.Manifest.Version, record.Manifest.Dependencies); err != nil {
		return err
	}
	s.records[name] = record.Clone()
	return nil
}

// Remove deletes the record of name.
func (s *MemoryPluginStore) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, name)
	s.graph.RemovePlugin(name)
}

// Record implements PluginStore.
func (s *MemoryPluginStore) Record(name string) (PluginRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[name]
	if !ok {
		return PluginRecord{}, false
	}
	return record.Clone(), true
}

// Names implements PluginStore.
func (s *MemoryPluginStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.records))
	for name := range s.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Restore implements PluginStore.
func (s *MemoryPluginStore) Restore(record PluginRecord) error {
	if err := s.Put(record); err != nil {
		return NewStoreRestoreError(record.Name(), err)
	}
	return nil
}

// Dependents implements PluginStore.
func (s *MemoryPluginStore) Dependents(name string) []string {
	return s.graph.Dependents(name)
}

// Graph returns the dependency graph backing the store.
func (s *MemoryPluginStore) Graph() *DependencyGraph {
	return s.graph
}
