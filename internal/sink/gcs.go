package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

var _ Uploader = (*GCSUploader)(nil)

// GCSConfig contains Google Cloud Storage configuration.
type GCSConfig struct {
	Bucket               string
	ProjectID            string
	CredentialsFile      string
	CredentialsJSON      string
	Endpoint             string
	UseDefaultCredential bool
}

func validateGCSConfig(cfg GCSConfig) error {
	if cfg.Bucket == "" {
		return fmt.Errorf("gcs bucket is required")
	}
	return nil
}

// clientOptions picks the authentication method: default credentials,
// an inline JSON key or a key file, in that order.
func clientOptions(cfg GCSConfig) []option.ClientOption {
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	switch {
	case cfg.UseDefaultCredential:
	case cfg.CredentialsJSON != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(cfg.CredentialsJSON)))
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	return opts
}

// GCSUploader uploads streams to a Google Cloud Storage bucket.
type GCSUploader struct {
	client *storage.Client
	bucket string
	logger *slog.Logger
}

// NewGCSUploader creates a GCS uploader.
func NewGCSUploader(ctx context.Context, cfg GCSConfig, logger *slog.Logger) (*GCSUploader, error) {
	if err := validateGCSConfig(cfg); err != nil {
		return nil, err
	}

	client, err := storage.NewClient(ctx, clientOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	logger.Info("GCS uploader created",
		"bucket", cfg.Bucket,
		"project_id", cfg.ProjectID)

	return &GCSUploader{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

// Upload writes the object under key.
func (u *GCSUploader) Upload(ctx context.Context, key string, body io.Reader, size int64) error {
	w := u.client.Bucket(u.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"

	written, err := io.Copy(w, body)
	if err != nil {
		w.Close()
		return fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	if written != size {
		return fmt.Errorf("uploaded %d of %d bytes to GCS", written, size)
	}
	u.logger.Debug("uploaded object to GCS", "bucket", u.bucket, "object", key, "bytes_written", written)
	return nil
}

// Backend returns "gcs".
func (u *GCSUploader) Backend() string { return BackendGCS }

// Close closes the GCS client.
func (u *GCSUploader) Close() error {
	if u.client != nil {
		return u.client.Close()
	}
	return nil
}
