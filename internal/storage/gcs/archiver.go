// Package gcs archives finished run artifacts to Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
)

// Config captures the bucket layout used for archives.
type Config struct {
	Bucket string
	Prefix string
}

// Archiver uploads local files under gs://bucket/prefix/<run_id>/.
type Archiver struct {
	client *storage.Client
	bucket string
	prefix string
	owns   bool
	logger *zap.Logger
}

// NewArchiver creates a client using Application Default Credentials.
func NewArchiver(ctx context.Context, cfg Config, logger *zap.Logger) (*Archiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	a, err := NewArchiverWithClient(client, cfg, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	a.owns = true
	return a, nil
}

// NewArchiverWithClient wraps an existing client. The caller keeps ownership of it.
func NewArchiverWithClient(client *storage.Client, cfg Config, logger *zap.Logger) (*Archiver, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}, nil
}

// ObjectName returns the key used for a local file in a given run.
func (a *Archiver) ObjectName(runID, localPath string) string {
	return path.Join(a.prefix, runID, filepath.Base(localPath))
}

// Archive uploads each path and returns the gs:// URIs that succeeded.
// Missing files are skipped; the first upload error stops the batch.
func (a *Archiver) Archive(ctx context.Context, runID string, paths ...string) ([]string, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, errors.New("run id is required")
	}
	uris := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		f, err := os.Open(filepath.Clean(p))
		if errors.Is(err, os.ErrNotExist) {
			a.logger.Debug("Skipping missing artifact", zap.String("path", p))
			continue
		}
		if err != nil {
			return uris, fmt.Errorf("open %s: %w", p, err)
		}
		uri, err := a.putObject(ctx, a.ObjectName(runID, p), contentType(p), f)
		_ = f.Close()
		if err != nil {
			return uris, err
		}
		a.logger.Info("Archived artifact", zap.String("path", p), zap.String("uri", uri))
		uris = append(uris, uri)
	}
	return uris, nil
}

func (a *Archiver) putObject(ctx context.Context, name, ct string, r io.Reader) (string, error) {
	writer := a.client.Bucket(a.bucket).Object(name).NewWriter(ctx)
	if ct != "" {
		writer.ContentType = ct
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object %s: %w (close writer: %v)", name, err, closeErr)
		}
		return "", fmt.Errorf("copy object %s: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer for %s: %w", name, err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, name), nil
}

// Close releases the client when the archiver created it.
func (a *Archiver) Close() error {
	if !a.owns {
		return nil
	}
	return a.client.Close()
}

func contentType(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".json":
		return "application/json"
	case ".jsonl":
		return "application/x-ndjson"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}
