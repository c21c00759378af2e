package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/teamcutter/galaxy-ingest/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS trees (
    cache_key    TEXT PRIMARY KEY,
    owner        TEXT NOT NULL,
    repository   TEXT NOT NULL,
    ref          TEXT NOT NULL DEFAULT '',
    archive      TEXT NOT NULL,
    path         TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'pending',
    extracted_at TEXT NOT NULL
);
`

// SQLiteState records extracted trees in SQLite and mirrors the completed
// ones to a JSON manifest.
type SQLiteState struct {
	mu           sync.RWMutex
	db           *sql.DB
	manifestPath string
}

func NewSQLite(dbPath, manifestPath string) (*SQLiteState, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// database/sql would otherwise hand out several connections to one file.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &SQLiteState{
		db:           db,
		manifestPath: manifestPath,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// migrate imports a JSON manifest written by the json backend into an empty
// database.
func (s *SQLiteState) migrate() error {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM trees").Scan(&count); err != nil {
		return err
	}
	if count > 0 || s.manifestPath == "" {
		return nil
	}

	data, err := os.ReadFile(s.manifestPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest domain.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, tree := range manifest.Trees {
		if err := insertTree(tx, tree); err != nil {
			return fmt.Errorf("failed to insert %s: %w", tree.Key, err)
		}
	}

	return tx.Commit()
}

func insertTree(tx *sql.Tx, tree *domain.ExtractedTree) error {
	_, err := tx.Exec(`
		INSERT OR REPLACE INTO trees
		(cache_key, owner, repository, ref, archive, path, status, extracted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tree.Key, tree.Owner, tree.Repository, tree.Ref, tree.Archive, tree.Path,
		string(tree.Status), tree.ExtractedAt.UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteState) put(tree *domain.ExtractedTree) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertTree(tx, tree); err != nil {
		return err
	}

	return tx.Commit()
}

// Begin marks tree as being unpacked. A tree left pending is removed by Recover.
func (s *SQLiteState) Begin(tree *domain.ExtractedTree) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tree.Status = domain.TreePending
	return s.put(tree)
}

func (s *SQLiteState) Complete(tree *domain.ExtractedTree) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tree.Status = domain.TreeExtracted
	return s.put(tree)
}

func (s *SQLiteState) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM trees WHERE cache_key = ?", key)
	return err
}

func (s *SQLiteState) List() (map[string]*domain.ExtractedTree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list(domain.TreeExtracted)
}

func (s *SQLiteState) list(status domain.TreeStatus) (map[string]*domain.ExtractedTree, error) {
	rows, err := s.db.Query(`
		SELECT cache_key, owner, repository, ref, archive, path, status, extracted_at
		FROM trees WHERE status = ?`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trees := make(map[string]*domain.ExtractedTree)
	for rows.Next() {
		var tree domain.ExtractedTree
		var st, extractedAt string

		if err := rows.Scan(&tree.Key, &tree.Owner, &tree.Repository, &tree.Ref,
			&tree.Archive, &tree.Path, &st, &extractedAt); err != nil {
			return nil, err
		}
		tree.Status = domain.TreeStatus(st)
		tree.ExtractedAt, _ = time.Parse(time.RFC3339, extractedAt)

		trees[tree.Key] = &tree
	}

	return trees, rows.Err()
}

// Recover deletes trees whose extraction was interrupted and returns their keys.
func (s *SQLiteState) Recover() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := s.list(domain.TreePending)
	if err != nil {
		return nil, err
	}

	var recovered []string
	for key, tree := range pending {
		if tree.Path != "" {
			if err := os.RemoveAll(tree.Path); err != nil {
				return recovered, fmt.Errorf("failed to remove partial tree %s: %w", tree.Path, err)
			}
		}
		if _, err := s.db.Exec("DELETE FROM trees WHERE cache_key = ?", key); err != nil {
			return recovered, fmt.Errorf("failed to delete pending tree %s: %w", key, err)
		}
		recovered = append(recovered, key)
	}

	return recovered, nil
}

// Flush writes the completed trees to the JSON manifest.
func (s *SQLiteState) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.manifestPath == "" {
		return nil
	}
	trees, err := s.list(domain.TreeExtracted)
	if err != nil {
		return err
	}
	return writeManifest(s.manifestPath, &domain.Manifest{Trees: trees})
}

func (s *SQLiteState) Close() error {
	return s.db.Close()
}
