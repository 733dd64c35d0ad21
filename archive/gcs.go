package archive

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSConfig addresses a Google Cloud Storage bucket.
type GCSConfig struct {
	Bucket          string
	Prefix          string
	Project         string
	CredentialsFile string
}

type gcsBucket interface {
	Objects(ctx context.Context, q *storage.Query) gcsIterator
	Object(name string) gcsObject
}

type gcsIterator interface {
	Next() (*storage.ObjectAttrs, error)
}

type gcsObject interface {
	NewReader(ctx context.Context) (io.ReadCloser, error)
	NewWriter(ctx context.Context, metadata map[string]string) io.WriteCloser
	Delete(ctx context.Context) error
}

type bucketHandle struct{ bh *storage.BucketHandle }

func (b bucketHandle) Objects(ctx context.Context, q *storage.Query) gcsIterator {
	return b.bh.Objects(ctx, q)
}

func (b bucketHandle) Object(name string) gcsObject { return objectHandle{b.bh.Object(name)} }

type objectHandle struct{ oh *storage.ObjectHandle }

func (o objectHandle) NewReader(ctx context.Context) (io.ReadCloser, error) {
	return o.oh.NewReader(ctx)
}

func (o objectHandle) NewWriter(ctx context.Context, metadata map[string]string) io.WriteCloser {
	w := o.oh.NewWriter(ctx)
	w.Metadata = metadata
	return w
}

func (o objectHandle) Delete(ctx context.Context) error { return o.oh.Delete(ctx) }

// GCSStore implements Store on Google Cloud Storage. Objects are stored under
// {prefix}/{runID}/{key} with the SHA256 checksum as custom metadata.
type GCSStore struct {
	bucket gcsBucket
	name   string
	prefix string
}

// OpenGCSStore creates a client with application default credentials or the
// configured service account file.
func OpenGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: gcs bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, cfg.CredentialsFile))
	}
	if cfg.Project != "" {
		opts = append(opts, option.WithQuotaProject(cfg.Project))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSStore{bucket: bucketHandle{client.Bucket(cfg.Bucket)}, name: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (g *GCSStore) objectName(runID, key string) string {
	return path.Join(g.prefix, runID, key)
}

// Put uploads the object.
func (g *GCSStore) Put(ctx context.Context, runID, key string, r io.Reader) error {
	body, sum, _, err := hashBody(r)
	if err != nil {
		return fmt.Errorf("read archive data: %w", err)
	}
	w := g.bucket.Object(g.objectName(runID, key)).NewWriter(ctx, map[string]string{"checksum": sum})
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return fmt.Errorf("write gs://%s/%s: %w", g.name, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish gs://%s/%s: %w", g.name, key, err)
	}
	return nil
}

// Get downloads an object.
func (g *GCSStore) Get(ctx context.Context, runID, key string) (io.ReadCloser, error) {
	r, err := g.bucket.Object(g.objectName(runID, key)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, runID, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", g.name, key, err)
	}
	return r, nil
}

// List returns the objects of a run.
func (g *GCSStore) List(ctx context.Context, runID string) ([]Object, error) {
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: path.Join(g.prefix, runID) + "/"})
	var objects []Object
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s: %w", g.name, err)
		}
		o := Object{
			Key:       path.Base(attrs.Name),
			Size:      attrs.Size,
			CreatedAt: attrs.Created,
			Checksum:  attrs.Metadata["checksum"],
		}
		if o.Checksum == "" && len(attrs.MD5) > 0 {
			o.Checksum = "md5:" + hex.EncodeToString(attrs.MD5)
		}
		objects = append(objects, o)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Delete removes an object.
func (g *GCSStore) Delete(ctx context.Context, runID, key string) error {
	err := g.bucket.Object(g.objectName(runID, key)).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, runID, key)
	}
	if err != nil {
		return fmt.Errorf("delete gs://%s/%s: %w", g.name, key, err)
	}
	return nil
}
