// Package s3store implements objectstore.Store on top of the AWS SDK S3 client.
package s3store

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/baldanca/bucket-replicator/objectstore"
)

type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config configures the S3 client built by NewFromConfig.
type Config struct {
	// Region defaults to us-east-1.
	Region string

	// Endpoint overrides the service endpoint (LocalStack, MinIO in S3 mode).
	Endpoint string

	// Static credentials; the default credential chain is used when empty.
	AccessKeyID     string
	SecretAccessKey string

	UsePathStyle bool
}

type Store struct {
	client s3API

	// PageSize caps keys per ListObjectsV2 call. Zero lets S3 decide (1000).
	PageSize int32
}

func New(client s3API) *Store {
	if client == nil {
		panic("s3 client is required")
	}
	return &Store{client: client}
}

// NewFromConfig loads the AWS configuration and builds a Store.
func NewFromConfig(ctx context.Context, cfg Config) (*Store, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.DisableLogOutputChecksumValidationSkipped = true
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return New(client), nil
}

func (s *Store) Head(ctx context.Context, ref objectstore.Ref) (objectstore.ObjectMeta, error) {
	bucket, key := ref.Bucket, ref.Key
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return objectstore.ObjectMeta{}, wrapError("Head", ref, err)
	}

	meta := objectstore.ObjectMeta{
		Key:  key,
		Size: aws.ToInt64(out.ContentLength),
		ETag: aws.ToString(out.ETag),
	}
	if out.LastModified != nil {
		meta.LastModified = *out.LastModified
	}
	return meta, nil
}

// Copy issues a server-side CopyObject. S3 overwrites the destination
// unconditionally, so redelivered copies are safe.
func (s *Store) Copy(ctx context.Context, src, dst objectstore.Ref) error {
	bucket, key := dst.Bucket, dst.Key
	source := copySource(src)
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     &bucket,
		Key:        &key,
		CopySource: &source,
	})
	if err != nil {
		return wrapError("Copy", dst, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, ref objectstore.Ref) error {
	bucket, key := ref.Bucket, ref.Key
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		wrapped := wrapError("Delete", ref, err)
		if errors.Is(wrapped, objectstore.ErrNotFound) {
			return nil
		}
		return wrapped
	}
	return nil
}

func (s *Store) Walk(ctx context.Context, bucket string, fn objectstore.WalkFunc) error {
	in := &s3.ListObjectsV2Input{Bucket: &bucket}
	if s.PageSize > 0 {
		in.MaxKeys = aws.Int32(s.PageSize)
	}

	p := s3.NewListObjectsV2Paginator(s.client, in)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return wrapError("List", objectstore.Ref{Bucket: bucket}, err)
		}
		for _, obj := range page.Contents {
			meta := objectstore.ObjectMeta{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
				ETag: aws.ToString(obj.ETag),
			}
			if obj.LastModified != nil {
				meta.LastModified = *obj.LastModified
			}
			if err := fn(meta); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) Put(ctx context.Context, ref objectstore.Ref, body io.Reader, size int64, contentType string) error {
	bucket, key := ref.Bucket, ref.Key
	in := s3.PutObjectInput{
		Bucket:        &bucket,
		Key:           &key,
		Body:          body,
		ContentLength: &size,
	}
	if contentType != "" {
		in.ContentType = &contentType
	}
	if _, err := s.client.PutObject(ctx, &in); err != nil {
		return wrapError("Put", ref, err)
	}
	return nil
}

// copySource renders the x-amz-copy-source value. Each key segment is
// URL-encoded with spaces as %20, since S3 would read '+' as a space.
func copySource(ref objectstore.Ref) string {
	segs := strings.Split(ref.Key, "/")
	for i, seg := range segs {
		segs[i] = strings.ReplaceAll(url.QueryEscape(seg), "+", "%20")
	}
	return ref.Bucket + "/" + strings.Join(segs, "/")
}

func wrapError(op string, ref objectstore.Ref, err error) error {
	oe := &objectstore.ObjectError{Op: op, Bucket: ref.Bucket, Key: ref.Key, Err: err}

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	switch {
	case errors.As(err, &noSuchBucket):
		oe.Err = errors.Join(objectstore.ErrBucketNotFound, err)
		return oe
	case errors.As(err, &noSuchKey), errors.As(err, &notFound):
		oe.Err = errors.Join(objectstore.ErrNotFound, err)
		return oe
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			oe.Err = errors.Join(objectstore.ErrNotFound, err)
		case http.StatusForbidden:
			oe.Err = errors.Join(objectstore.ErrAccessDenied, err)
		}
	}
	return oe
}
