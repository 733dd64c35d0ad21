package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config addresses an S3 (or S3 compatible) bucket.
type S3Config struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // custom endpoint for MinIO and similar; enables path style
}

// s3API is the subset of *s3.Client used by S3Store.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Store implements Store on S3. Objects are stored under
// {prefix}/{runID}/{key}; checksum and creation time travel as object
// metadata.
type S3Store struct {
	client s3API
	bucket string
	prefix string
}

// OpenS3Store loads AWS credentials from the default chain and returns a
// store for cfg.
func OpenS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: s3 bucket is required")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Store(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3Store wraps an existing client.
func NewS3Store(client *s3.Client, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) objectKey(runID, key string) string {
	return path.Join(s.prefix, runID, key)
}

// Put uploads the object. Seekable readers are hashed in place and rewound;
// anything else is buffered.
func (s *S3Store) Put(ctx context.Context, runID, key string, r io.Reader) error {
	body, sum, size, err := hashBody(r)
	if err != nil {
		return fmt.Errorf("read archive data: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(runID, key)),
		Body:          body,
		ContentLength: aws.Int64(size),
		Metadata: map[string]string{
			"checksum":   sum,
			"size":       strconv.FormatInt(size, 10),
			"created-at": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("put %s to s3://%s: %w", key, s.bucket, err)
	}
	return nil
}

func hashBody(r io.Reader) (io.ReadSeeker, string, int64, error) {
	h := sha256.New()
	if rs, ok := r.(io.ReadSeeker); ok {
		size, err := io.Copy(h, rs)
		if err != nil {
			return nil, "", 0, err
		}
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			return nil, "", 0, err
		}
		return rs, hex.EncodeToString(h.Sum(nil)), size, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", 0, err
	}
	h.Write(data)
	return bytes.NewReader(data), hex.EncodeToString(h.Sum(nil)), int64(len(data)), nil
}

// Get downloads an object.
func (s *S3Store) Get(ctx context.Context, runID, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(runID, key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, runID, key)
		}
		return nil, fmt.Errorf("get %s from s3://%s: %w", key, s.bucket, err)
	}
	return out.Body, nil
}

// List returns the objects stored under the run prefix.
func (s *S3Store) List(ctx context.Context, runID string) ([]Object, error) {
	prefix := path.Join(s.prefix, runID) + "/"
	var objects []Object
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", s.bucket, prefix, err)
		}
		for _, obj := range out.Contents {
			o, err := s.describe(ctx, obj)
			if err != nil {
				return nil, err
			}
			objects = append(objects, o)
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (s *S3Store) describe(ctx context.Context, obj types.Object) (Object, error) {
	o := Object{Key: path.Base(aws.ToString(obj.Key)), Size: aws.ToInt64(obj.Size)}
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: obj.Key})
	if err != nil {
		return Object{}, fmt.Errorf("head %s: %w", o.Key, err)
	}
	o.Checksum = head.Metadata["checksum"]
	if ts, ok := head.Metadata["created-at"]; ok {
		o.CreatedAt, _ = time.Parse(time.RFC3339, ts)
	}
	if o.CreatedAt.IsZero() && obj.LastModified != nil {
		o.CreatedAt = *obj.LastModified
	}
	return o, nil
}

// Delete removes an object.
func (s *S3Store) Delete(ctx context.Context, runID, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(runID, key)),
	})
	if err != nil {
		return fmt.Errorf("delete %s from s3://%s: %w", key, s.bucket, err)
	}
	return nil
}
