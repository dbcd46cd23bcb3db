package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Sink receives exported audit bundles.
type Sink interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Exporter serializes the trail into a JSON bundle and ships it to a sink.
type Exporter struct {
	trail *Trail
	sink  Sink
}

// NewExporter pairs a trail with a sink.
func NewExporter(trail *Trail, sink Sink) *Exporter {
	return &Exporter{trail: trail, sink: sink}
}

// Export verifies the chain, bundles up to limit entries (0 = all), and
// uploads under a timestamped key. The key is returned for logging.
func (x *Exporter) Export(ctx context.Context, limit int) (string, error) {
	if err := x.trail.Verify(ctx); err != nil {
		return "", fmt.Errorf("refusing to export a broken chain: %w", err)
	}
	entries, err := x.trail.List(ctx, limit)
	if err != nil {
		return "", err
	}

	bundle := struct {
		ExportedAt time.Time `json:"exported_at"`
		Count      int       `json:"count"`
		Entries    []Entry   `json:"entries"`
	}{ExportedAt: time.Now().UTC(), Count: len(entries), Entries: entries}

	data, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("bundle marshal: %w", err)
	}
	key := fmt.Sprintf("audit/%s-%d.json", bundle.ExportedAt.Format("20060102T150405Z"), len(entries))
	if err := x.sink.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("bundle upload: %w", err)
	}
	return key, nil
}

// S3Sink uploads bundles to an S3 bucket.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3SinkConfig configures the S3 sink. Endpoint supports MinIO/LocalStack.
type S3SinkConfig struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// NewS3Sink builds the sink from ambient AWS credentials.
func NewS3Sink(ctx context.Context, cfg S3SinkConfig) (*S3Sink, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Sink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Put implements Sink.
func (s *S3Sink) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.prefix + key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}
	return nil
}

// MemorySink captures bundles for tests.
type MemorySink struct {
	mu      sync.Mutex
	Objects map[string][]byte
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{Objects: make(map[string][]byte)}
}

// Put implements Sink.
func (s *MemorySink) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.Objects[key] = cp
	return nil
}
