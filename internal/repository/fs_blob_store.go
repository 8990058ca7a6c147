package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FSBlobStore implements BlobStore on a local directory. Used for local
// development and tests.
type FSBlobStore struct {
	root string
}

func NewFSBlobStore(root string) (*FSBlobStore, error) {
	if root == "" {
		return nil, fmt.Errorf("blob root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &FSBlobStore{root: root}, nil
}

func (s *FSBlobStore) Put(ctx context.Context, ref string, data []byte) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	full := filepath.Join(s.root, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}
	return nil
}

func (s *FSBlobStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(ref)))
	if os.IsNotExist(err) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

func (s *FSBlobStore) Delete(ctx context.Context, ref string) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.root, filepath.FromSlash(ref)))
	if os.IsNotExist(err) {
		return ErrBlobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

func (s *FSBlobStore) Close() error { return nil }
