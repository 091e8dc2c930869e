package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/schaermu/gut/internal/config"
)

// S3Adapter stores files as objects in an S3 compatible bucket. Directories
// are virtual and derived from key prefixes.
type S3Adapter struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3 creates a client for the configured endpoint and checks that the
// bucket exists
func NewS3(ctx context.Context, cfg config.LocationConfig) (*S3Adapter, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client for %s: %w", cfg.Endpoint, err)
	}

	ok, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !ok {
		return nil, fmt.Errorf("bucket %s doesn't exist", cfg.Bucket)
	}

	return &S3Adapter{client: client, bucket: cfg.Bucket, prefix: normalize(cfg.Prefix)}, nil
}

func (a *S3Adapter) Has(ctx context.Context, p string) (bool, error) {
	_, err := a.client.StatObject(ctx, a.bucket, a.key(p), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if !isS3NotFound(err) {
		return false, wrap("has", p, err)
	}

	// a directory exists as long as any object lives below it. Returning
	// before the listing is drained must cancel it, or the lister blocks.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	dirPrefix := a.dirKey(p)
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: dirPrefix, MaxKeys: 1}) {
		if obj.Err != nil {
			return false, wrap("has", p, obj.Err)
		}
		return true, nil
	}
	return false, nil
}

func (a *S3Adapter) Read(ctx context.Context, p string) ([]byte, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, a.key(p), minio.GetObjectOptions{})
	if err != nil {
		return nil, wrap("read", p, translateS3Error(err))
	}
	defer func() {
		_ = obj.Close()
	}()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, wrap("read", p, translateS3Error(err))
	}
	return data, nil
}

func (a *S3Adapter) Write(ctx context.Context, p string, data []byte) error {
	exists, err := a.Has(ctx, p)
	if err != nil {
		return err
	}
	if exists {
		return wrap("write", p, ErrExists)
	}
	return wrap("write", p, a.put(ctx, p, data))
}

func (a *S3Adapter) Update(ctx context.Context, p string, data []byte) error {
	exists, err := a.Has(ctx, p)
	if err != nil {
		return err
	}
	if !exists {
		return wrap("update", p, ErrNotFound)
	}
	return wrap("update", p, a.put(ctx, p, data))
}

func (a *S3Adapter) Copy(ctx context.Context, src, dst string) error {
	_, err := a.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: a.bucket, Object: a.key(dst)},
		minio.CopySrcOptions{Bucket: a.bucket, Object: a.key(src)},
	)
	return wrap("copy", src, translateS3Error(err))
}

func (a *S3Adapter) Delete(ctx context.Context, p string) error {
	// RemoveObject succeeds for missing keys, so check first to keep the
	// ErrNotFound contract of the other adapters
	if _, err := a.client.StatObject(ctx, a.bucket, a.key(p), minio.StatObjectOptions{}); err != nil {
		return wrap("delete", p, translateS3Error(err))
	}
	return wrap("delete", p, a.client.RemoveObject(ctx, a.bucket, a.key(p), minio.RemoveObjectOptions{}))
}

func (a *S3Adapter) DeleteDir(ctx context.Context, p string) error {
	if normalize(p) == "" {
		return wrap("delete_dir", p, fmt.Errorf("refusing to delete the adapter root"))
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: a.dirKey(p), Recursive: true}) {
		if obj.Err != nil {
			return wrap("delete_dir", p, obj.Err)
		}
		if err := a.client.RemoveObject(ctx, a.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return wrap("delete_dir", obj.Key, err)
		}
	}
	return nil
}

func (a *S3Adapter) Move(ctx context.Context, src, dst string) error {
	if err := a.Copy(ctx, src, dst); err != nil {
		return err
	}
	return wrap("move", src, a.client.RemoveObject(ctx, a.bucket, a.key(src), minio.RemoveObjectOptions{}))
}

func (a *S3Adapter) ListContents(ctx context.Context, p string, recursive bool) ([]Entry, error) {
	seen := make(map[string]bool)
	var entries []Entry
	add := func(rel string, t EntryType) {
		if rel == "" || seen[rel] {
			return
		}
		seen[rel] = true
		entries = append(entries, Entry{Path: rel, Type: t})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	listRoot := normalize(p)
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: a.dirKey(p), Recursive: recursive}) {
		if obj.Err != nil {
			return nil, wrap("list", p, obj.Err)
		}
		rel := a.rel(obj.Key)
		if strings.HasSuffix(obj.Key, "/") {
			add(strings.TrimSuffix(rel, "/"), TypeDir)
			continue
		}
		add(rel, TypeFile)
		if recursive {
			// synthesize the virtual directories between the listed root and the object
			for dir := path.Dir(rel); dir != "." && dir != listRoot; dir = path.Dir(dir) {
				add(dir, TypeDir)
			}
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (a *S3Adapter) Close() error {
	return nil
}

func (a *S3Adapter) put(ctx context.Context, p string, data []byte) error {
	_, err := a.client.PutObject(ctx, a.bucket, a.key(p), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	return err
}

func (a *S3Adapter) key(p string) string {
	return s3Key(a.prefix, p)
}

func (a *S3Adapter) dirKey(p string) string {
	k := a.key(p)
	if k == "" {
		return ""
	}
	return k + "/"
}

func (a *S3Adapter) rel(key string) string {
	if a.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, a.prefix+"/")
}

func s3Key(prefix, p string) string {
	return strings.TrimPrefix(path.Join(prefix, normalize(p)), "/")
}

func isS3NotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}

func translateS3Error(err error) error {
	if err != nil && isS3NotFound(err) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
