// Package scratch manages the per-task working directories where
// conversion artifacts are staged before being zipped and served.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zjrosen/docserve/internal/log"
)

// Store is a directory tree with one subdirectory per task. When the
// root was created by the store itself it is removed on Close.
type Store struct {
	root    string
	private bool
}

// New opens a store rooted at path. An empty path creates a private
// temporary directory that Close removes.
func New(path string) (*Store, error) {
	if path == "" {
		tmp, err := os.MkdirTemp("", "docling_")
		if err != nil {
			return nil, fmt.Errorf("create scratch directory: %w", err)
		}
		log.Info(log.CatScratch, "using temporary scratch directory", "path", tmp)
		return &Store{root: tmp, private: true}, nil
	}

	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, fmt.Errorf("create scratch directory %s: %w", path, err)
	}
	return &Store{root: path}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// TaskDir creates (if needed) and returns the directory for a task.
func (s *Store) TaskDir(taskID string) (string, error) {
	dir := filepath.Join(s.root, taskID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create task directory: %w", err)
	}
	return dir, nil
}

// Remove deletes a task's directory and everything under it. Removing a
// directory that does not exist is not an error.
func (s *Store) Remove(taskID string) error {
	dir := filepath.Join(s.root, taskID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove task directory: %w", err)
	}
	return nil
}

// Close removes the root directory when it is private to this store.
func (s *Store) Close() error {
	if !s.private {
		return nil
	}
	log.Info(log.CatScratch, "removing temporary scratch directory", "path", s.root)
	return os.RemoveAll(s.root)
}
