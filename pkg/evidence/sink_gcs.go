//go:build gcp

package evidence

import (
	"context"
	"errors"
	"fmt"
	"os"

	"cloud.google.com/go/storage"

	"github.com/capstanhq/capstan/pkg/canonical"
)

// GCSSink writes packs to a Google Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSSinkConfig holds GCS sink settings.
type GCSSinkConfig struct {
	Bucket string
	Prefix string
}

// NewGCSSink creates a GCS-backed pack sink using ADC credentials.
func NewGCSSink(ctx context.Context, cfg GCSSinkConfig) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("evidence: create GCS client: %w", err)
	}
	return &GCSSink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Write uploads the pack to <prefix><pack_id>.json and returns the object
// path. An object that already exists is the same pack retried.
func (s *GCSSink) Write(ctx context.Context, pack *Pack) (string, error) {
	objectPath := s.prefix + pack.PackID + ".json"
	obj := s.client.Bucket(s.bucket).Object(objectPath)

	if _, err := obj.Attrs(ctx); err == nil {
		return objectPath, nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return "", fmt.Errorf("evidence: gcs attrs %s: %w", objectPath, err)
	}

	data, err := canonical.Canonical(pack)
	if err != nil {
		return "", fmt.Errorf("evidence: encode pack %s: %w", pack.PackID, err)
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("evidence: gcs write %s: %w", objectPath, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("evidence: gcs close %s: %w", objectPath, err)
	}
	return objectPath, nil
}

// Close releases the GCS client.
func (s *GCSSink) Close() error {
	return s.client.Close()
}

func newGCSSinkFromEnv(ctx context.Context) (Sink, error) {
	bucket := os.Getenv("EVIDENCE_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("evidence: EVIDENCE_GCS_BUCKET is required for the gcs sink")
	}
	return NewGCSSink(ctx, GCSSinkConfig{
		Bucket: bucket,
		Prefix: os.Getenv("EVIDENCE_GCS_PREFIX"),
	})
}
