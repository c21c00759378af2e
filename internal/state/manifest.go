package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/teamcutter/galaxy-ingest/internal/domain"
)

// ManifestState keeps the ledger in a single JSON file.
type ManifestState struct {
	mu       sync.Mutex
	path     string
	manifest *domain.Manifest
}

func New(path string) *ManifestState {
	return &ManifestState{
		path: path,
	}
}

func (m *ManifestState) init() error {
	if m.manifest != nil {
		return nil
	}
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		m.manifest = domain.NewManifest()
		return nil
	}
	if err != nil {
		return err
	}

	var manifest domain.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return err
	}
	if manifest.Trees == nil {
		manifest.Trees = make(map[string]*domain.ExtractedTree)
	}
	m.manifest = &manifest
	return nil
}

func (m *ManifestState) flush() error {
	return writeManifest(m.path, m.manifest)
}

func (m *ManifestState) set(tree *domain.ExtractedTree, status domain.TreeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.init(); err != nil {
		return err
	}
	tree.Status = status
	cp := *tree
	m.manifest.Trees[tree.Key] = &cp
	return m.flush()
}

func (m *ManifestState) Begin(tree *domain.ExtractedTree) error {
	return m.set(tree, domain.TreePending)
}

func (m *ManifestState) Complete(tree *domain.ExtractedTree) error {
	return m.set(tree, domain.TreeExtracted)
}

func (m *ManifestState) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.init(); err != nil {
		return err
	}
	delete(m.manifest.Trees, key)
	return m.flush()
}

func (m *ManifestState) List() (map[string]*domain.ExtractedTree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.init(); err != nil {
		return nil, err
	}

	trees := make(map[string]*domain.ExtractedTree)
	for key, tree := range m.manifest.Trees {
		if tree.Status == domain.TreeExtracted {
			cp := *tree
			trees[key] = &cp
		}
	}
	return trees, nil
}

func (m *ManifestState) Recover() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.init(); err != nil {
		return nil, err
	}

	var recovered []string
	for key, tree := range m.manifest.Trees {
		if tree.Status != domain.TreePending {
			continue
		}
		if tree.Path != "" {
			if err := os.RemoveAll(tree.Path); err != nil {
				return recovered, fmt.Errorf("failed to remove partial tree %s: %w", tree.Path, err)
			}
		}
		delete(m.manifest.Trees, key)
		recovered = append(recovered, key)
	}
	if len(recovered) == 0 {
		return nil, nil
	}
	return recovered, m.flush()
}

func (m *ManifestState) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.init(); err != nil {
		return err
	}
	return m.flush()
}

func (m *ManifestState) Close() error {
	return nil
}

// writeManifest replaces path atomically so a crash never leaves half a manifest.
func writeManifest(path string, manifest *domain.Manifest) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
