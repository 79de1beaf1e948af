package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Store implements Interface against any S3-compatible endpoint.
type S3Store struct {
	client *minio.Client
	bucket string
	// publicBaseURL, when set, marks the bucket as publicly readable (e.g. a
	// Cloudflare R2 public bucket); download URLs are plain joins instead of
	// signed requests.
	publicBaseURL string
}

func NewS3Store(endpoint, accessKey, secretKey, bucket string, useSSL bool, publicBaseURL string) (*S3Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &S3Store{client: client, bucket: bucket, publicBaseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (*Object, error) {
	info, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return nil, fmt.Errorf("put %s: %w", key, err)
	}
	return &Object{Key: key, Size: info.Size, ETag: info.ETag}, nil
}

func (s *S3Store) Stat(ctx context.Context, key string) (*Object, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return &Object{Key: key, Size: info.Size, ETag: info.ETag, LastModified: info.LastModified}, nil
}

func (s *S3Store) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return obj, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) PresignGet(ctx context.Context, key, filename string, expiry time.Duration) (string, error) {
	if s.publicBaseURL != "" {
		parts := strings.Split(key, "/")
		for i, p := range parts {
			parts[i] = url.PathEscape(p)
		}
		return s.publicBaseURL + "/" + strings.Join(parts, "/"), nil
	}

	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, params)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}
