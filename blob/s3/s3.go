// Package s3 implements blob.Store on Amazon S3.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/bidstack/operator/blob"
)

// API captures the subset of the S3 client the store uses.
type API interface {
	PutObject(ctx context.Context, in *awss3.PutObjectInput, opts ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *awss3.GetObjectInput, opts ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *awss3.HeadObjectInput, opts ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, in *awss3.CopyObjectInput, opts ...func(*awss3.Options)) (*awss3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *awss3.DeleteObjectInput, opts ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *awss3.ListObjectsV2Input, opts ...func(*awss3.Options)) (*awss3.ListObjectsV2Output, error)
}

// Store implements blob.Store.
type Store struct {
	api      API
	presign  *awss3.PresignClient
	bucket   string
	enforced bool
}

// Options configures the store.
type Options struct {
	// Client is the S3 API client.
	Client *awss3.Client
	// Bucket is the backing bucket.
	Bucket string
	// SkipAllowlist disables key-prefix enforcement. Internal pipelines only.
	SkipAllowlist bool
}

// New builds an S3-backed store with prefix allowlist enforcement.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("s3: client is required")
	}
	if opts.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	return &Store{
		api:      opts.Client,
		presign:  awss3.NewPresignClient(opts.Client),
		bucket:   opts.Bucket,
		enforced: !opts.SkipAllowlist,
	}, nil
}

func (s *Store) check(keys ...string) error {
	if !s.enforced {
		return nil
	}
	for _, key := range keys {
		if err := blob.CheckKey(key); err != nil {
			return err
		}
	}
	return nil
}

// PutBytes writes an object.
func (s *Store) PutBytes(ctx context.Context, key string, data []byte, contentType string) error {
	if err := s.check(key); err != nil {
		return err
	}
	_, err := s.api.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3: put %s: %w", key, err)
	}
	return nil
}

// GetBytes reads at most maxBytes of an object.
func (s *Store) GetBytes(ctx context.Context, key string, maxBytes int64) ([]byte, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}
	out, err := s.api.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapNotFound(err, key)
	}
	defer out.Body.Close()
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	data, err := io.ReadAll(io.LimitReader(out.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("s3: read %s: %w", key, err)
	}
	if int64(len(data)) > maxBytes {
		return nil, blob.ErrTooLarge
	}
	return data, nil
}

// Head returns object metadata.
func (s *Store) Head(ctx context.Context, key string) (blob.ObjectInfo, error) {
	if err := s.check(key); err != nil {
		return blob.ObjectInfo{}, err
	}
	out, err := s.api.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return blob.ObjectInfo{}, mapNotFound(err, key)
	}
	info := blob.ObjectInfo{Key: key}
	if out.ContentType != nil {
		info.ContentType = *out.ContentType
	}
	if out.ContentLength != nil {
		info.ContentLength = *out.ContentLength
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

// Copy duplicates an object within the bucket.
func (s *Store) Copy(ctx context.Context, srcKey, dstKey string) error {
	if err := s.check(srcKey, dstKey); err != nil {
		return err
	}
	_, err := s.api.CopyObject(ctx, &awss3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(url.PathEscape(s.bucket + "/" + srcKey)),
	})
	if err != nil {
		return mapNotFound(err, srcKey)
	}
	return nil
}

// Move copies then deletes the source.
func (s *Store) Move(ctx context.Context, srcKey, dstKey string) error {
	if err := s.Copy(ctx, srcKey, dstKey); err != nil {
		return err
	}
	return s.Delete(ctx, srcKey)
}

// Delete removes an object.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.check(key); err != nil {
		return err
	}
	if _, err := s.api.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("s3: delete %s: %w", key, err)
	}
	return nil
}

// PresignGet returns a download URL valid for at most 24 hours.
func (s *Store) PresignGet(ctx context.Context, key string, expires time.Duration) (string, error) {
	if err := s.check(key); err != nil {
		return "", err
	}
	expires = blob.ClampPresign(expires, blob.MaxPresignGet)
	req, err := s.presign.PresignGetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, awss3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("s3: presign get %s: %w", key, err)
	}
	return req.URL, nil
}

// PresignPut returns an upload URL valid for at most 1 hour.
func (s *Store) PresignPut(ctx context.Context, key, contentType string, expires time.Duration) (string, error) {
	if err := s.check(key); err != nil {
		return "", err
	}
	expires = blob.ClampPresign(expires, blob.MaxPresignPut)
	req, err := s.presign.PresignPutObject(ctx, &awss3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, awss3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("s3: presign put %s: %w", key, err)
	}
	return req.URL, nil
}

// List returns object infos under a prefix.
func (s *Store) List(ctx context.Context, prefix string, limit int) ([]blob.ObjectInfo, error) {
	if err := s.check(prefix); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	out, err := s.api.ListObjectsV2(ctx, &awss3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("s3: list %s: %w", prefix, err)
	}
	infos := make([]blob.ObjectInfo, 0, len(out.Contents))
	for _, obj := range out.Contents {
		info := blob.ObjectInfo{}
		if obj.Key != nil {
			info.Key = *obj.Key
		}
		if obj.Size != nil {
			info.ContentLength = *obj.Size
		}
		if obj.LastModified != nil {
			info.LastModified = *obj.LastModified
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func mapNotFound(err error, key string) error {
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return blob.ErrNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return blob.ErrNotFound
		}
	}
	return fmt.Errorf("s3: %s: %w", key, err)
}
