// Package artifact stores uploaded media files and resolves references to them.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidRef is returned for references that escape the storage root
var ErrInvalidRef = errors.New("invalid artifact reference")

// Store is the artifact backend used by the gateway and the sweeper
type Store interface {
	Save(ctx context.Context, ref string, r io.Reader) (int64, error)
	Exists(ctx context.Context, ref string) (bool, error)
	// Delete is idempotent: a missing artifact is not an error.
	Delete(ctx context.Context, ref string) error
}

// LocalStore keeps artifacts as flat files under a root directory
type LocalStore struct {
	root string
}

// NewLocalStore creates the root directory if needed
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifact dir: %w", err)
	}
	return &LocalStore{root: abs}, nil
}

// Root returns the absolute storage directory
func (s *LocalStore) Root() string {
	return s.root
}

func (s *LocalStore) resolve(ref string) (string, error) {
	if ref == "" || ref != filepath.Base(ref) || strings.HasPrefix(ref, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return filepath.Join(s.root, ref), nil
}

// Save writes r to ref atomically and returns the number of bytes written
func (s *LocalStore) Save(ctx context.Context, ref string, r io.Reader) (int64, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(s.root, ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write artifact %s: %w", ref, err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("failed to store artifact %s: %w", ref, err)
	}
	return n, nil
}

func (s *LocalStore) Exists(ctx context.Context, ref string) (bool, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat artifact %s: %w", ref, err)
}

func (s *LocalStore) Delete(ctx context.Context, ref string) error {
	path, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete artifact %s: %w", ref, err)
	}
	return nil
}

// Path returns the local file of ref, or fs.ErrNotExist
func (s *LocalStore) Path(ref string) (string, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}
