package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"go.uber.org/zap"

	talerrors "github.com/wehubfusion/Talos/pkg/errors"
)

// ErrBlobNotFound is returned by Get when the blob or its container does not exist
var ErrBlobNotFound = errors.New("blob not found")

// BlobConfig configures the Azure Blob result sink
type BlobConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ConnectionString string `yaml:"connection_string" validate:"required_if=Enabled true"`
	Container        string `yaml:"container" validate:"required_if=Enabled true"`
	Compress         bool   `yaml:"compress"`
}

// DefaultBlobConfig is disabled and points at the talos-results container
func DefaultBlobConfig() BlobConfig {
	return BlobConfig{Container: "talos-results", Compress: true}
}

// BlobObject is one stored file plus the headers it was written with
type BlobObject struct {
	Data            []byte
	ContentType     string
	ContentEncoding string
	Metadata        map[string]string
}

// BlobStore puts and gets objects by path inside one container
type BlobStore interface {
	Put(ctx context.Context, path string, obj BlobObject) (string, error)
	Get(ctx context.Context, path string) (BlobObject, error)
}

// AzureBlobStore is a BlobStore on an Azure storage account. Plain http
// endpoints are accepted so Azurite works locally.
type AzureBlobStore struct {
	client   *azblob.Client
	endpoint string
	name     string
	logger   *zap.Logger

	mu    sync.Mutex
	ready bool
}

type storageAccount struct {
	name     string
	key      string
	endpoint string
}

// parseAccount reads AccountName, AccountKey and the blob endpoint out of a
// connection string, deriving the endpoint from EndpointSuffix when absent
func parseAccount(connectionString string) (storageAccount, error) {
	var acc storageAccount
	suffix := "core.windows.net"
	protocol := "https"
	for _, field := range strings.Split(connectionString, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok || key == "" {
			continue
		}
		switch key {
		case "AccountName":
			acc.name = value
		case "AccountKey":
			acc.key = value
		case "BlobEndpoint":
			acc.endpoint = strings.TrimRight(value, "/")
		case "EndpointSuffix":
			suffix = value
		case "DefaultEndpointsProtocol":
			protocol = value
		}
	}
	if acc.name == "" || acc.key == "" {
		return acc, talerrors.New(talerrors.KindConfiguration, "connection string needs AccountName and AccountKey", nil)
	}
	if acc.endpoint == "" {
		acc.endpoint = fmt.Sprintf("%s://%s.blob.%s", protocol, acc.name, suffix)
	}
	return acc, nil
}

// NewAzureBlobStore builds a store from cfg. The container is created on the first Put.
func NewAzureBlobStore(cfg BlobConfig, logger *zap.Logger) (*AzureBlobStore, error) {
	if cfg.ConnectionString == "" || cfg.Container == "" {
		return nil, talerrors.New(talerrors.KindConfiguration, "blob store needs a connection string and a container", nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	acc, err := parseAccount(cfg.ConnectionString)
	if err != nil {
		return nil, err
	}

	cred, err := azblob.NewSharedKeyCredential(acc.name, acc.key)
	if err != nil {
		return nil, talerrors.New(talerrors.KindConfiguration, "invalid storage account key", err)
	}
	opts := &azblob.ClientOptions{}
	if strings.HasPrefix(acc.endpoint, "http://") {
		opts.ClientOptions = azcore.ClientOptions{InsecureAllowCredentialWithHTTP: true}
	}
	client, err := azblob.NewClientWithSharedKeyCredential(acc.endpoint, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	return &AzureBlobStore{
		client:   client,
		endpoint: acc.endpoint,
		name:     cfg.Container,
		logger:   logger,
	}, nil
}

// Endpoint returns the blob service URL the store talks to
func (s *AzureBlobStore) Endpoint() string { return s.endpoint }

// Put uploads obj as a block blob, replacing any blob at path, and returns its URL
func (s *AzureBlobStore) Put(ctx context.Context, path string, obj BlobObject) (string, error) {
	if err := s.ensureContainer(ctx); err != nil {
		return "", err
	}

	headers := &blob.HTTPHeaders{BlobContentType: to.Ptr(obj.ContentType)}
	if obj.ContentEncoding != "" {
		headers.BlobContentEncoding = to.Ptr(obj.ContentEncoding)
	}
	meta := make(map[string]*string, len(obj.Metadata))
	for k, v := range obj.Metadata {
		meta[k] = to.Ptr(v)
	}

	bc := s.client.ServiceClient().NewContainerClient(s.name).NewBlockBlobClient(path)
	if _, err := bc.UploadBuffer(ctx, obj.Data, &azblob.UploadBufferOptions{
		HTTPHeaders: headers,
		Metadata:    meta,
	}); err != nil {
		return "", fmt.Errorf("upload %s: %w", path, err)
	}

	s.logger.Debug("Blob written",
		zap.String("path", path),
		zap.String("encoding", obj.ContentEncoding),
		zap.Int("bytes", len(obj.Data)))
	return bc.URL(), nil
}

// Get downloads the blob at path. Data is returned as stored, still encoded.
func (s *AzureBlobStore) Get(ctx context.Context, path string) (BlobObject, error) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "/")
	if path == "" {
		return BlobObject{}, talerrors.New(talerrors.KindConfiguration, "blob path is empty", nil)
	}

	bc := s.client.ServiceClient().NewContainerClient(s.name).NewBlobClient(path)
	resp, err := bc.DownloadStream(ctx, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return BlobObject{}, fmt.Errorf("%s: %w", path, ErrBlobNotFound)
	}
	if err != nil {
		return BlobObject{}, fmt.Errorf("download %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return BlobObject{}, fmt.Errorf("read %s: %w", path, err)
	}
	obj := BlobObject{Data: data, Metadata: make(map[string]string, len(resp.Metadata))}
	if resp.ContentType != nil {
		obj.ContentType = *resp.ContentType
	}
	if resp.ContentEncoding != nil {
		obj.ContentEncoding = *resp.ContentEncoding
	}
	for k, v := range resp.Metadata {
		if v != nil {
			obj.Metadata[strings.ToLower(k)] = *v
		}
	}
	return obj, nil
}

func (s *AzureBlobStore) ensureContainer(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	_, err := s.client.CreateContainer(ctx, s.name, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("create container %s: %w", s.name, err)
	}
	s.ready = true
	return nil
}
