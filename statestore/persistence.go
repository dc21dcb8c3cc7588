package statestore

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// PersistenceAdapter saves and loads Snapshots keyed by run id. Thread-safe
// implementations may be shared across concurrently-running workflows.
type PersistenceAdapter interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context, runID string) (*Snapshot, error)
	Delete(ctx context.Context, runID string) error
	List(ctx context.Context) ([]string, error)
}

// memoryAdapter keeps snapshots in process memory; lost on restart.
type memoryAdapter struct {
	mu   sync.RWMutex
	data map[string]*Snapshot
}

// NewMemoryAdapter returns a PersistenceAdapter backed by an in-memory map.
func NewMemoryAdapter() PersistenceAdapter {
	return &memoryAdapter{data: make(map[string]*Snapshot)}
}

func (m *memoryAdapter) Save(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *snap
	m.data[snap.RunID] = &cp
	return nil
}

func (m *memoryAdapter) Load(_ context.Context, runID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.data[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	cp := *snap
	return &cp, nil
}

func (m *memoryAdapter) Delete(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, runID)
	return nil
}

func (m *memoryAdapter) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.data))
	for id := range m.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// filesystemAdapter persists one YAML file per run id under root, written
// via a temp-file-then-rename to avoid torn writes on crash.
type filesystemAdapter struct {
	root string
}

// NewFilesystemAdapter returns a PersistenceAdapter that stores each run's
// snapshot as "<root>/<runID>.yaml".
func NewFilesystemAdapter(root string) PersistenceAdapter {
	return &filesystemAdapter{root: root}
}

func (f *filesystemAdapter) path(runID string) string {
	return filepath.Join(f.root, runID+".yaml")
}

func (f *filesystemAdapter) Save(_ context.Context, snap *Snapshot) error {
	if err := os.MkdirAll(f.root, 0o755); err != nil {
		return fmt.Errorf("statestore: create checkpoint dir: %w", err)
	}
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("statestore: encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(f.root, ".tmp-*")
	if err != nil {
		return fmt.Errorf("statestore: create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("statestore: write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("statestore: close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, f.path(snap.RunID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("statestore: commit checkpoint: %w", err)
	}
	return nil
}

func (f *filesystemAdapter) Load(_ context.Context, runID string) (*Snapshot, error) {
	data, err := os.ReadFile(f.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, fmt.Errorf("statestore: read checkpoint: %w", err)
	}
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("statestore: decode checkpoint: %w", err)
	}
	return &snap, nil
}

func (f *filesystemAdapter) Delete(_ context.Context, runID string) error {
	err := os.Remove(f.path(runID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("statestore: delete checkpoint: %w", err)
	}
	return nil
}

func (f *filesystemAdapter) List(_ context.Context) ([]string, error) {
	var ids []string
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == f.root {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".yaml") {
			return nil
		}
		ids = append(ids, strings.TrimSuffix(d.Name(), ".yaml"))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("statestore: list checkpoints: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// registry mirrors the teacher's named-adapter resolution: a store can be
// referenced by name from configuration instead of constructed directly.
var (
	registryMu sync.RWMutex
	registry   = map[string]PersistenceAdapter{
		"memory": NewMemoryAdapter(),
	}
)

// RegisterAdapter adds or replaces a named PersistenceAdapter in the
// global registry.
func RegisterAdapter(name string, adapter PersistenceAdapter) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = adapter
}

// GetAdapter resolves a PersistenceAdapter by name.
func GetAdapter(name string) (PersistenceAdapter, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	adapter, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("statestore: unknown persistence adapter %q", name)
	}
	return adapter, nil
}
