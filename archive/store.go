// Package archive keeps copies of production backups taken by
// test-and-promote runs. Objects are scoped by run ID and identified by key.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned when an archived object does not exist.
var ErrNotFound = errors.New("archive: object not found")

// Store defines the interface for archive backends.
type Store interface {
	// Put stores the content of r under key for the given run. A SHA256
	// checksum is recorded alongside the object.
	Put(ctx context.Context, runID, key string, r io.Reader) error

	// Get retrieves an object. The caller closes the returned reader.
	Get(ctx context.Context, runID, key string) (io.ReadCloser, error)

	// List returns the objects stored for a run, sorted by key.
	List(ctx context.Context, runID string) ([]Object, error)

	Delete(ctx context.Context, runID, key string) error
}

// Object describes an archived file.
type Object struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Checksum  string    `json:"checksum"`
}

// Open returns the store addressed by rawURL:
//
//	file:///var/backups/dbdelta or a plain path
//	s3://bucket/prefix?region=eu-west-1&endpoint=http://minio:9000
//	gs://bucket/prefix
func Open(ctx context.Context, rawURL string) (Store, error) {
	if !strings.Contains(rawURL, "://") {
		return NewLocalStore(rawURL), nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse archive url: %w", err)
	}
	prefix := strings.Trim(u.Path, "/")
	switch u.Scheme {
	case "file":
		return NewLocalStore(u.Path), nil
	case "s3":
		q := u.Query()
		return OpenS3Store(ctx, S3Config{
			Bucket:   u.Host,
			Prefix:   prefix,
			Region:   q.Get("region"),
			Endpoint: q.Get("endpoint"),
		})
	case "gs", "gcs":
		return OpenGCSStore(ctx, GCSConfig{
			Bucket:          u.Host,
			Prefix:          prefix,
			Project:         u.Query().Get("project"),
			CredentialsFile: u.Query().Get("credentials"),
		})
	default:
		return nil, fmt.Errorf("archive: unsupported scheme %q", u.Scheme)
	}
}

// Upload copies the local file at path into s under the file's base name and
// returns the stored key.
func Upload(ctx context.Context, s Store, runID, path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // G304: backup path chosen by the operator
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	key := filepath.Base(path)
	if err := s.Put(ctx, runID, key, f); err != nil {
		return "", err
	}
	return key, nil
}
