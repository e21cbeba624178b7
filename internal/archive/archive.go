// Package archive stores finished benchmark results in object storage so a
// transcript outlives the scratch directory of its run.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"patchbench/internal/config"
)

// Archiver persists one JSON document per run.
type Archiver interface {
	Put(ctx context.Context, runID string, at time.Time, body []byte) (string, error)
}

// Nop discards everything. It is used when archiving is disabled.
type Nop struct{}

func (Nop) Put(context.Context, string, time.Time, []byte) (string, error) { return "", nil }

// MinIO writes results to an S3-compatible bucket.
type MinIO struct {
	client *minio.Client
	bucket string
	region string
}

// New returns the configured archiver, or Nop when archiving is disabled.
func New(ctx context.Context, cfg config.ArchiveConfig) (Archiver, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	m, err := NewMinIO(cfg)
	if err != nil {
		return nil, err
	}
	if err := m.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func NewMinIO(cfg config.ArchiveConfig) (*MinIO, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("archive endpoint is required")
	}
	if strings.Contains(cfg.Endpoint, "://") {
		return nil, fmt.Errorf("archive endpoint must not include scheme: %q", cfg.Endpoint)
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("archive bucket is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinIO{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (m *MinIO) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("archive bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region}); err != nil {
		return fmt.Errorf("creating archive bucket %s: %w", m.bucket, err)
	}
	log.Info().Str("bucket", m.bucket).Msg("created archive bucket")
	return nil
}

// Put uploads body and returns its object key.
func (m *MinIO) Put(ctx context.Context, runID string, at time.Time, body []byte) (string, error) {
	key := ObjectKey(runID, at)
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", fmt.Errorf("archiving run %s: %w", runID, err)
	}
	return key, nil
}

// ObjectKey is runs/<YYYYMMDD>/<runID>.json, dated in UTC.
func ObjectKey(runID string, at time.Time) string {
	return fmt.Sprintf("runs/%s/%s.json", at.UTC().Format("20060102"), runID)
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
