package orchestrator

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"pcdeploy/services/drbl"
)

// ErrArchiveDisabled is returned when no object store is configured.
var ErrArchiveDisabled = errors.New("tool output archive is not configured")

const defaultLogURLTTL = 15 * time.Minute

// ObjectStore is the subset of pkg/s3.Client used for archiving.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// Archiver stores the captured output of an imaging tool invocation and
// hands out download links for it.
type Archiver interface {
	Archive(ctx context.Context, deploymentID uuid.UUID, op string, res drbl.Result) (string, error)
	URL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// S3Archiver writes tool output as a zstd-compressed tar holding stdout.log
// and stderr.log.
type S3Archiver struct {
	store  ObjectStore
	bucket string
	now    func() time.Time
}

func NewS3Archiver(store ObjectStore, bucket string) (*S3Archiver, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &S3Archiver{store: store, bucket: bucket, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (a *S3Archiver) Archive(ctx context.Context, deploymentID uuid.UUID, op string, res drbl.Result) (string, error) {
	at := a.now()
	body, err := packToolOutput(res, at)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(body)
	key := fmt.Sprintf("deployments/%s/%s-%s.tar.zst", deploymentID, op, at.Format("20060102T150405Z"))
	if err := a.store.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), hex.EncodeToString(sum[:])); err != nil {
		return "", fmt.Errorf("upload tool output: %w", err)
	}
	return key, nil
}

func (a *S3Archiver) URL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = defaultLogURLTTL
	}
	return a.store.PresignGet(ctx, a.bucket, key, ttl)
}

func packToolOutput(res drbl.Result, at time.Time) ([]byte, error) {
	var buf bytes.Buffer
	encoder, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}

	tw := tar.NewWriter(encoder)
	for _, entry := range []struct {
		name string
		data string
	}{
		{"stdout.log", res.Stdout},
		{"stderr.log", res.Stderr},
	} {
		header := &tar.Header{
			Name:     entry.name,
			Mode:     0o644,
			Size:     int64(len(entry.data)),
			ModTime:  at,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("write %s header: %w", entry.name, err)
		}
		if _, err := tw.Write([]byte(entry.data)); err != nil {
			return nil, fmt.Errorf("write %s: %w", entry.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := encoder.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
