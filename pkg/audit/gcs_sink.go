//go:build gcp

package audit

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSSink uploads bundles to a Google Cloud Storage bucket using ambient
// application-default credentials.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSink builds the sink.
func NewGCSSink(ctx context.Context, bucket, prefix string) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSSink{client: client, bucket: bucket, prefix: prefix}, nil
}

// Put implements Sink.
func (s *GCSSink) Put(ctx context.Context, key string, data []byte) error {
	w := s.client.Bucket(s.bucket).Object(s.prefix + key).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close %s: %w", key, err)
	}
	return nil
}
