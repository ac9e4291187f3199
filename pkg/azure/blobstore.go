package azure

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/openfroyo/hubctl/pkg/settings"
)

const (
	// DefaultContainer is the hub container holding the settings document.
	DefaultContainer = "config"

	// DefaultBlob is the settings document name.
	DefaultBlob = "settings.json"
)

// BlobStore keeps the settings document in a blob and uses the blob ETag
// for optimistic concurrency.
type BlobStore struct {
	client    *azblob.Client
	container string
	blob      string
}

// NewBlobStore creates a store for container/blob in the account at
// serviceURL (e.g. "https://hub.blob.core.windows.net/"). opts may be nil.
func NewBlobStore(serviceURL, container, blobName string, cred azcore.TokenCredential, opts *azblob.ClientOptions) (*BlobStore, error) {
	client, err := azblob.NewClient(serviceURL, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}
	if container == "" {
		container = DefaultContainer
	}
	if blobName == "" {
		blobName = DefaultBlob
	}
	return &BlobStore{client: client, container: container, blob: blobName}, nil
}

// ServiceURL returns the blob endpoint of a storage account.
func ServiceURL(account string) string {
	return fmt.Sprintf("https://%s.blob.core.windows.net/", account)
}

// Location implements settings.Store.
func (b *BlobStore) Location() string {
	return strings.TrimSuffix(b.client.URL(), "/") + "/" + b.container + "/" + b.blob
}

// Load implements settings.Store.
func (b *BlobStore) Load(ctx context.Context) (*settings.Document, error) {
	resp, err := b.client.DownloadStream(ctx, b.container, b.blob, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, settings.ErrNotFound
		}
		return nil, fmt.Errorf("failed to download %s: %w", b.Location(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", b.Location(), err)
	}

	s, err := settings.Decode(data)
	if err != nil {
		return nil, err
	}

	etag := ""
	if resp.ETag != nil {
		etag = string(*resp.ETag)
	}
	return &settings.Document{Settings: s, ETag: etag}, nil
}

// Save implements settings.Store. An empty etag sends If-None-Match: *.
func (b *BlobStore) Save(ctx context.Context, s settings.Settings, etag string) (string, error) {
	data, err := settings.Encode(s)
	if err != nil {
		return "", err
	}

	cond := &blob.ModifiedAccessConditions{}
	if etag == "" {
		cond.IfNoneMatch = to.Ptr(azcore.ETagAny)
	} else {
		cond.IfMatch = to.Ptr(azcore.ETag(etag))
	}

	resp, err := b.client.UploadBuffer(ctx, b.container, b.blob, data, &azblob.UploadBufferOptions{
		HTTPHeaders:      &blob.HTTPHeaders{BlobContentType: to.Ptr("application/json")},
		AccessConditions: &blob.AccessConditions{ModifiedAccessConditions: cond},
	})
	if err != nil {
		if bloberror.HasCode(err, bloberror.ConditionNotMet, bloberror.BlobAlreadyExists) {
			return "", fmt.Errorf("%w: %s", settings.ErrConflict, b.Location())
		}
		return "", fmt.Errorf("failed to upload %s: %w", b.Location(), err)
	}

	if resp.ETag == nil {
		return "", nil
	}
	return string(*resp.ETag), nil
}
