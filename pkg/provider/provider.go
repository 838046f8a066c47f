// Package provider defines abstractions for cloud object storage operations.
//
// Every backend implements the small Provider interface. Optional
// capabilities (ranged reads, native multipart, server-side compose) are
// separate interfaces discovered by type assertion so callers can degrade
// gracefully when a vendor lacks them.
package provider

import (
	"context"
	"io"
	"strings"
	"time"
)

// Provider abstracts file-level operations against one bucket of one vendor.
//
// Implementations should:
//   - Be constructed fully authenticated (no lazy auth on first call)
//   - Handle list pagination internally
//   - Be safe for concurrent use
type Provider interface {
	// UploadFile streams body to key without knowing its length up front.
	UploadFile(ctx context.Context, key string, body io.Reader) error

	// DownloadFile returns a lazily-read stream of the object starting at offset 0.
	// Returns ErrNotFound if the object does not exist.
	DownloadFile(ctx context.Context, key string) (io.ReadCloser, error)

	// DeleteFile removes key. Deleting a missing key is not an error.
	DeleteFile(ctx context.Context, key string) error

	// ListFiles returns every entry whose key starts with prefix.
	// The result is complete; order is vendor-defined.
	ListFiles(ctx context.Context, prefix string) ([]FileEntry, error)

	// ShareURL returns a time-limited URL granting read access to key
	// without further credentials. Vendors may not check existence.
	ShareURL(ctx context.Context, key string, expires time.Duration) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}

// FileEntry is a single listing result.
type FileEntry struct {
	// Name is the full object key.
	Name string

	// Size is the object size in bytes.
	Size int64

	// LastModified is when the object was last written, if the vendor reports it.
	LastModified time.Time
}

// IsFolder reports whether the entry is a folder marker.
func (e FileEntry) IsFolder() bool {
	return strings.HasSuffix(e.Name, FolderDelimiter)
}

// FolderDelimiter separates folder segments in object keys.
const FolderDelimiter = "/"

// ObjectMeta contains metadata for a single object.
// Returned by Stat operations.
type ObjectMeta struct {
	// Key is the full object key.
	Key string

	// Size is the object size in bytes.
	Size int64

	// ETag is the entity tag, typically an MD5 hash of the object.
	ETag string

	// LastModified is when the object was last modified.
	LastModified time.Time

	// ContentType is the MIME type of the object.
	ContentType string
}

// ProviderType identifies a storage vendor.
type ProviderType string

const (
	// ProviderAWS represents Amazon S3.
	ProviderAWS ProviderType = "aws"

	// ProviderWasabi represents Wasabi hot cloud storage (S3-compatible).
	ProviderWasabi ProviderType = "wasabi"

	// ProviderDigitalOcean represents DigitalOcean Spaces (S3-compatible).
	ProviderDigitalOcean ProviderType = "digitalocean"

	// ProviderCloudflare represents Cloudflare R2 (S3-compatible).
	ProviderCloudflare ProviderType = "cloudflare"

	// ProviderHetzner represents Hetzner Object Storage (S3-compatible).
	ProviderHetzner ProviderType = "hetzner"

	// ProviderBackblaze represents Backblaze B2 native API.
	ProviderBackblaze ProviderType = "backblaze"

	// ProviderGCS represents Google Cloud Storage.
	ProviderGCS ProviderType = "gcs"

	// ProviderLocal represents a local filesystem directory.
	ProviderLocal ProviderType = "local"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}

// IsS3Compatible reports whether the vendor speaks the S3 API.
func (p ProviderType) IsS3Compatible() bool {
	switch p {
	case ProviderAWS, ProviderWasabi, ProviderDigitalOcean, ProviderCloudflare, ProviderHetzner:
		return true
	}
	return false
}
