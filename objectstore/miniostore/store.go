// Package miniostore implements objectstore.Store with minio-go, for MinIO and
// other S3-compatible endpoints.
package miniostore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/baldanca/bucket-replicator/objectstore"
)

type minioAPI interface {
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	CopyObject(ctx context.Context, dst minio.CopyDestOptions, src minio.CopySrcOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Config contains the information required to reach a MinIO endpoint.
type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

type Store struct {
	client minioAPI
}

func New(client minioAPI) *Store {
	if client == nil {
		panic("minio client is required")
	}
	return &Store{client: client}
}

func NewFromConfig(cfg Config) (*Store, error) {
	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	return New(cl), nil
}

func (s *Store) Head(ctx context.Context, ref objectstore.Ref) (objectstore.ObjectMeta, error) {
	info, err := s.client.StatObject(ctx, ref.Bucket, ref.Key, minio.StatObjectOptions{})
	if err != nil {
		return objectstore.ObjectMeta{}, wrapError("Head", ref, err)
	}
	return toMeta(info), nil
}

func (s *Store) Copy(ctx context.Context, src, dst objectstore.Ref) error {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: dst.Bucket, Object: dst.Key},
		minio.CopySrcOptions{Bucket: src.Bucket, Object: src.Key},
	)
	if err != nil {
		return wrapError("Copy", dst, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, ref objectstore.Ref) error {
	err := s.client.RemoveObject(ctx, ref.Bucket, ref.Key, minio.RemoveObjectOptions{})
	if err != nil {
		wrapped := wrapError("Delete", ref, err)
		if errors.Is(wrapped, objectstore.ErrNotFound) {
			return nil
		}
		return wrapped
	}
	return nil
}

// Walk lists recursively. minio-go pages internally and streams results over
// a channel; the listing goroutine is stopped when Walk returns.
func (s *Store) Walk(ctx context.Context, bucket string, fn objectstore.WalkFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for info := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Recursive: true}) {
		if info.Err != nil {
			return wrapError("List", objectstore.Ref{Bucket: bucket}, info.Err)
		}
		if err := fn(toMeta(info)); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (s *Store) Put(ctx context.Context, ref objectstore.Ref, body io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, ref.Bucket, ref.Key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return wrapError("Put", ref, err)
	}
	return nil
}

func toMeta(info minio.ObjectInfo) objectstore.ObjectMeta {
	return objectstore.ObjectMeta{
		Key:          info.Key,
		Size:         info.Size,
		LastModified: info.LastModified,
		ETag:         info.ETag,
	}
}

func wrapError(op string, ref objectstore.Ref, err error) error {
	oe := &objectstore.ObjectError{Op: op, Bucket: ref.Bucket, Key: ref.Key, Err: err}

	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchBucket":
		oe.Err = errors.Join(objectstore.ErrBucketNotFound, err)
	case resp.Code == "NoSuchKey", resp.StatusCode == http.StatusNotFound:
		oe.Err = errors.Join(objectstore.ErrNotFound, err)
	case resp.Code == "AccessDenied", resp.StatusCode == http.StatusForbidden:
		oe.Err = errors.Join(objectstore.ErrAccessDenied, err)
	}
	return oe
}
