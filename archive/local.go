package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const checksumSuffix = ".sha256"

// LocalStore implements Store on the local filesystem. Objects live under
// {baseDir}/{runID}/{key} with the checksum in a {key}.sha256 sidecar.
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates a LocalStore rooted at baseDir.
func NewLocalStore(baseDir string) *LocalStore {
	return &LocalStore{baseDir: baseDir}
}

func (s *LocalStore) objectPath(runID, key string) string {
	return filepath.Join(s.baseDir, runID, key)
}

// Put writes the object, computing SHA256 as it writes.
func (s *LocalStore) Put(_ context.Context, runID, key string, r io.Reader) error {
	path := s.objectPath(runID, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	f, err := os.Create(path) //nolint:gosec // G304: path built from configured base directory
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(f, hasher), r); err != nil {
		f.Close()
		return fmt.Errorf("write archive file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close archive file: %w", err)
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if err := os.WriteFile(path+checksumSuffix, []byte(sum+"\n"), 0o600); err != nil {
		return fmt.Errorf("write checksum: %w", err)
	}
	return nil
}

// Get opens an archived object.
func (s *LocalStore) Get(_ context.Context, runID, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.objectPath(runID, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, runID, key)
	}
	if err != nil {
		return nil, fmt.Errorf("open archive file: %w", err)
	}
	return f, nil
}

// List returns the objects of a run, sorted by key.
func (s *LocalStore) List(_ context.Context, runID string) ([]Object, error) {
	dir := filepath.Join(s.baseDir, runID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}

	var objects []Object
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), checksumSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		sum, _ := os.ReadFile(filepath.Join(dir, e.Name()+checksumSuffix)) //nolint:gosec // G304: sidecar next to archived file
		objects = append(objects, Object{
			Key:       e.Name(),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
			Checksum:  strings.TrimSpace(string(sum)),
		})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Delete removes an object and its checksum.
func (s *LocalStore) Delete(_ context.Context, runID, key string) error {
	path := s.objectPath(runID, key)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, runID, key)
		}
		return fmt.Errorf("delete archive file: %w", err)
	}
	_ = os.Remove(path + checksumSuffix)
	return nil
}
