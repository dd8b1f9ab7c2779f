package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"

	"tracerun/internal/blob"
	"tracerun/pkg/platform/sentinel"
)

// Store keeps artifact bytes in an S3-compatible bucket. Locations are
// object keys within the bucket.
type Store struct {
	client *minio.Client
	bucket string
}

func New(client *minio.Client, bucket string) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("artifacts bucket is required")
	}
	return &Store{client: client, bucket: bucket}, nil
}

func (s *Store) Write(ctx context.Context, key string, content []byte, contentType string) (string, error) {
	key, err := blob.CleanKey(key)
	if err != nil {
		return "", err
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(content), int64(len(content)), opts); err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return key, nil
}

func (s *Store) Read(ctx context.Context, location string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, location, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer obj.Close()

	b, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("blob %s: %w", location, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("read object: %w", err)
	}
	return b, nil
}

func (s *Store) Delete(ctx context.Context, location string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, location, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}
