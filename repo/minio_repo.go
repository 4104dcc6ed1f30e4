package repo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type minioObjectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	ReadObject(ctx context.Context, bucket, object string) ([]byte, error)
	WriteObject(ctx context.Context, bucket, object string, payload []byte) error
	RemoveObject(ctx context.Context, bucket, object string) error
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
}

type minioObjectStoreClient struct {
	client *minio.Client
}

func newMinIOObjectStoreClient(endpoint, accessKey, secretKey string, useSSL bool) (minioObjectStore, error) {
	minioClient, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &minioObjectStoreClient{client: minioClient}, nil
}

func (c *minioObjectStoreClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return c.client.BucketExists(ctx, bucket)
}

func (c *minioObjectStoreClient) ReadObject(ctx context.Context, bucket, object string) ([]byte, error) {
	obj, err := c.client.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
	if err != nil {
		if isMinIONotFoundError(err) {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isMinIONotFoundError(err) {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	return data, nil
}

func (c *minioObjectStoreClient) WriteObject(ctx context.Context, bucket, object string, payload []byte) error {
	_, err := c.client.PutObject(
		ctx,
		bucket,
		object,
		bytes.NewReader(payload),
		int64(len(payload)),
		minio.PutObjectOptions{ContentType: contentType(object)},
	)
	return err
}

func (c *minioObjectStoreClient) RemoveObject(ctx context.Context, bucket, object string) error {
	err := c.client.RemoveObject(ctx, bucket, object, minio.RemoveObjectOptions{})
	if isMinIONotFoundError(err) {
		return nil
	}
	return err
}

func (c *minioObjectStoreClient) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj := range c.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		out = append(out, ObjectInfo{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified})
	}
	return out, nil
}

func isMinIONotFoundError(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NoSuchObject" {
		return true
	}
	return resp.StatusCode == http.StatusNotFound
}

// MinIORepoOptions configures a MinIO-backed object store.
type MinIORepoOptions struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// Prefix is prepended to every key. Defaults to "warehouse".
	Prefix string

	client minioObjectStore
}

// MinIORepo stores table files in MinIO-compatible object storage.
type MinIORepo struct {
	client minioObjectStore
	bucket string
	prefix string
}

// NewMinIORepo creates a MinIO-backed ObjectStore.
func NewMinIORepo(opts MinIORepoOptions) (*MinIORepo, error) {
	bucket := strings.TrimSpace(opts.Bucket)
	if bucket == "" {
		return nil, errors.New("minio bucket is required")
	}
	prefix := strings.Trim(strings.TrimSpace(opts.Prefix), "/")
	if prefix == "" {
		prefix = "warehouse"
	}

	storeClient := opts.client
	if storeClient == nil {
		endpoint := strings.TrimSpace(opts.Endpoint)
		accessKey := strings.TrimSpace(opts.AccessKey)
		secretKey := strings.TrimSpace(opts.SecretKey)
		if endpoint == "" {
			return nil, errors.New("minio endpoint is required")
		}
		if accessKey == "" {
			return nil, errors.New("minio access key is required")
		}
		if secretKey == "" {
			return nil, errors.New("minio secret key is required")
		}
		client, err := newMinIOObjectStoreClient(endpoint, accessKey, secretKey, opts.UseSSL)
		if err != nil {
			return nil, err
		}
		storeClient = client
	}

	return &MinIORepo{
		client: storeClient,
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// CheckReady validates that the configured bucket is reachable.
func (r *MinIORepo) CheckReady(ctx context.Context) error {
	exists, err := r.client.BucketExists(ctx, r.bucket)
	if err != nil {
		return fmt.Errorf("check minio bucket: %w", err)
	}
	if !exists {
		return fmt.Errorf("minio bucket %q does not exist", r.bucket)
	}
	return nil
}

func (r *MinIORepo) PutObject(ctx context.Context, key string, data []byte) error {
	object, err := r.objectName(key)
	if err != nil {
		return err
	}
	if err := r.client.WriteObject(ctx, r.bucket, object, data); err != nil {
		return fmt.Errorf("write object %q: %w", object, err)
	}
	return nil
}

func (r *MinIORepo) GetObject(ctx context.Context, key string) ([]byte, error) {
	object, err := r.objectName(key)
	if err != nil {
		return nil, err
	}
	data, err := r.client.ReadObject(ctx, r.bucket, object)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("read object %q: %w", object, err)
	}
	return data, nil
}

func (r *MinIORepo) DeleteObject(ctx context.Context, key string) error {
	object, err := r.objectName(key)
	if err != nil {
		return err
	}
	if err := r.client.RemoveObject(ctx, r.bucket, object); err != nil {
		return fmt.Errorf("delete object %q: %w", object, err)
	}
	return nil
}

// ListObjects returns keys relative to the configured prefix, sorted.
func (r *MinIORepo) ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	full := r.prefix + "/" + strings.TrimLeft(prefix, "/")
	objects, err := r.client.ListObjects(ctx, r.bucket, full)
	if err != nil {
		return nil, fmt.Errorf("list objects %q: %w", full, err)
	}
	out := make([]ObjectInfo, 0, len(objects))
	for _, obj := range objects {
		obj.Key = strings.TrimPrefix(obj.Key, r.prefix+"/")
		out = append(out, obj)
	}
	sortObjects(out)
	return out, nil
}

func (r *MinIORepo) objectName(key string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return path.Join(r.prefix, k), nil
}
