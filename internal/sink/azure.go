package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

var _ Uploader = (*AzureUploader)(nil)

// AzureConfig contains Azure Blob Storage configuration.
type AzureConfig struct {
	AccountName   string
	AccountKey    string
	ContainerName string
	Endpoint      string
}

func validateAzureConfig(cfg AzureConfig) error {
	if cfg.AccountName == "" {
		return fmt.Errorf("azure account name is required")
	}
	if cfg.ContainerName == "" {
		return fmt.Errorf("azure container name is required")
	}
	return nil
}

func connectionString(cfg AzureConfig) string {
	if cfg.Endpoint != "" {
		return fmt.Sprintf("DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;BlobEndpoint=%s",
			cfg.AccountName, cfg.AccountKey, cfg.Endpoint)
	}
	return fmt.Sprintf("DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;EndpointSuffix=core.windows.net",
		cfg.AccountName, cfg.AccountKey)
}

// AzureUploader uploads streams to an Azure Blob Storage container.
type AzureUploader struct {
	client    *azblob.Client
	container string
	logger    *slog.Logger
}

// NewAzureUploader creates an Azure Blob uploader using account key
// authentication.
func NewAzureUploader(cfg AzureConfig, logger *slog.Logger) (*AzureUploader, error) {
	if err := validateAzureConfig(cfg); err != nil {
		return nil, err
	}

	client, err := azblob.NewClientFromConnectionString(connectionString(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}

	logger.Info("Azure uploader created",
		"container", cfg.ContainerName,
		"account", cfg.AccountName)

	return &AzureUploader{client: client, container: cfg.ContainerName, logger: logger}, nil
}

// Upload streams the blob under key.
func (u *AzureUploader) Upload(ctx context.Context, key string, body io.Reader, size int64) error {
	if _, err := u.client.UploadStream(ctx, u.container, key, body, nil); err != nil {
		return fmt.Errorf("failed to upload to Azure Blob: %w", err)
	}
	u.logger.Debug("uploaded blob to Azure", "container", u.container, "blob", key, "size", size)
	return nil
}

// Backend returns "azure".
func (u *AzureUploader) Backend() string { return BackendAzure }

// Close is a no-op.
func (u *AzureUploader) Close() error { return nil }
