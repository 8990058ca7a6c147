package repository

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSBlobStore implements BlobStore on a Google Cloud Storage bucket.
type GCSBlobStore struct {
	client *storage.Client
	bucket string
}

func NewGCSBlobStore(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCSBlobStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCSBlobStore{client: client, bucket: bucket}, nil
}

func (s *GCSBlobStore) Close() error {
	return s.client.Close()
}

func (s *GCSBlobStore) Put(ctx context.Context, ref string, data []byte) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(ref).NewWriter(ctx)
	if ct := contentTypeForRef(ref); ct != "" {
		w.ContentType = ct
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write blob to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

func (s *GCSBlobStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(ref).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open blob reader: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob from GCS: %w", err)
	}
	return data, nil
}

func (s *GCSBlobStore) Delete(ctx context.Context, ref string) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	err := s.client.Bucket(s.bucket).Object(ref).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrBlobNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete blob from GCS: %w", err)
	}
	return nil
}

func contentTypeForRef(ref string) string {
	s := strings.ToLower(ref)
	switch {
	case strings.HasSuffix(s, ".png"):
		return "image/png"
	case strings.HasSuffix(s, ".json"):
		return "application/json"
	case strings.HasSuffix(s, ".tif"), strings.HasSuffix(s, ".tiff"):
		return "image/tiff"
	case strings.HasSuffix(s, ".h5"), strings.HasSuffix(s, ".hdf5"):
		return "application/x-hdf5"
	default:
		return ""
	}
}
