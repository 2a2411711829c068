package evidence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/capstanhq/capstan/pkg/canonical"
)

// Sink persists sealed packs. Write returns a locator the caller can log:
// a filesystem path, an object key, or a URL depending on the backend.
type Sink interface {
	Write(ctx context.Context, pack *Pack) (string, error)
}

// SinkType selects a sink backend.
type SinkType string

const (
	SinkTypeFS  SinkType = "fs"
	SinkTypeS3  SinkType = "s3"
	SinkTypeGCS SinkType = "gcs"
)

// NewSinkFromEnv builds a sink from environment variables.
//
//   - EVIDENCE_SINK_TYPE: "fs" (default), "s3", or "gcs"
//   - EVIDENCE_DIR: directory for the fs sink (default: "data/evidence")
//
// For S3:
//   - EVIDENCE_S3_BUCKET (required)
//   - EVIDENCE_S3_REGION or AWS_REGION
//   - EVIDENCE_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - EVIDENCE_S3_PREFIX (optional)
//
// For GCS:
//   - EVIDENCE_GCS_BUCKET (required)
//   - EVIDENCE_GCS_PREFIX (optional)
func NewSinkFromEnv(ctx context.Context) (Sink, error) {
	sinkType := SinkType(os.Getenv("EVIDENCE_SINK_TYPE"))
	if sinkType == "" {
		sinkType = SinkTypeFS
	}

	switch sinkType {
	case SinkTypeFS:
		dir := os.Getenv("EVIDENCE_DIR")
		if dir == "" {
			dir = filepath.Join("data", "evidence")
		}
		return NewFSSink(dir)
	case SinkTypeS3:
		return newS3SinkFromEnv(ctx)
	case SinkTypeGCS:
		return newGCSSinkFromEnv(ctx)
	default:
		return nil, fmt.Errorf("evidence: unsupported sink type: %s", sinkType)
	}
}

// FSSink writes packs as canonical JSON files under one directory.
type FSSink struct {
	dir string
}

// NewFSSink creates the sink directory if needed.
func NewFSSink(dir string) (*FSSink, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("evidence: create sink dir: %w", err)
	}
	return &FSSink{dir: dir}, nil
}

// Write stores the pack at <dir>/<pack_id>.json and returns that path.
func (s *FSSink) Write(_ context.Context, pack *Pack) (string, error) {
	data, err := canonical.Canonical(pack)
	if err != nil {
		return "", fmt.Errorf("evidence: encode pack %s: %w", pack.PackID, err)
	}
	path := filepath.Join(s.dir, pack.PackID+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("evidence: write pack %s: %w", pack.PackID, err)
	}
	return path, nil
}

// LoadPack reads a pack file written by any sink. Numbers decode as
// json.Number so re-verification reproduces the exact canonical bytes.
func LoadPack(path string) (*Pack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("evidence: read pack: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var pack Pack
	if err := dec.Decode(&pack); err != nil {
		return nil, fmt.Errorf("evidence: decode pack: %w", err)
	}
	return &pack, nil
}
