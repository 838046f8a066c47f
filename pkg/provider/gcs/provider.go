// Package gcs implements the provider interface for Google Cloud Storage.
//
// Multipart uploads are emulated with staged part objects that are joined
// by server-side compose on completion.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/3leaps/nimbusgate/pkg/provider"
	"github.com/3leaps/nimbusgate/pkg/provider/partstore"
)

// MaxSignedExpiry is the longest lifetime V4 signed URLs accept.
const MaxSignedExpiry = 7 * 24 * time.Hour

// maxComposeSources is the GCS limit on sources per compose request.
const maxComposeSources = 32

// Provider implements provider.Provider for Google Cloud Storage.
type Provider struct {
	client     *storage.Client
	bucket     *storage.BucketHandle
	name       string
	chunkSize  int
	accessID   string
	privateKey []byte
	parts      *partstore.Store
}

var (
	_ provider.Provider          = (*Provider)(nil)
	_ provider.ObjectStatter     = (*Provider)(nil)
	_ provider.ObjectRanger      = (*Provider)(nil)
	_ provider.MultipartUploader = (*Provider)(nil)
	_ provider.Composer          = (*Provider)(nil)
)

// NewFromCredentials builds a provider from a credential map.
func NewFromCredentials(ctx context.Context, creds map[string]string) (*Provider, error) {
	cfg, err := ConfigFromCredentials(creds)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg)
}

// New creates the storage client and fetches bucket attributes so that a bad
// bucket or credential fails here rather than on first use.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	creds, err := google.CredentialsFromJSON(ctx, []byte(cfg.CredentialsJSON), storage.ScopeFullControl)
	if err != nil {
		return nil, configError("credentials_json", err.Error())
	}

	opts := []option.ClientOption{option.WithCredentials(creds)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, wrapError("New", cfg.Bucket, "", err)
	}

	bucket := client.Bucket(cfg.Bucket)
	if _, err := bucket.Attrs(ctx); err != nil {
		_ = client.Close()
		wrapped := wrapError("New", cfg.Bucket, "", err)
		if provider.IsNotFound(wrapped) {
			return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderGCS, Bucket: cfg.Bucket, Err: provider.ErrBucketNotFound}
		}
		return nil, wrapped
	}

	p := &Provider{
		client:     client,
		bucket:     bucket,
		name:       cfg.Bucket,
		chunkSize:  cfg.ChunkSize,
		accessID:   cfg.jwt.Email,
		privateKey: cfg.jwt.PrivateKey,
	}
	p.parts = partstore.New(p, provider.ProviderGCS, partstore.WithComposer(p))
	return p, nil
}

// Close closes the underlying storage client.
func (p *Provider) Close() error {
	return p.client.Close()
}

// UploadFile streams body to key with a resumable upload.
func (p *Provider) UploadFile(ctx context.Context, key string, body io.Reader) error {
	w := p.bucket.Object(key).NewWriter(ctx)
	w.ContentType = provider.ContentTypeFor(key)
	if p.chunkSize > 0 {
		w.ChunkSize = p.chunkSize
	}

	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return wrapError("UploadFile", p.name, key, err)
	}
	if err := w.Close(); err != nil {
		return wrapError("UploadFile", p.name, key, err)
	}
	return nil
}

// DownloadFile returns a reader for the whole object.
func (p *Provider) DownloadFile(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := p.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return nil, wrapError("DownloadFile", p.name, key, err)
	}
	return r, nil
}

// GetRange reads [start, endInclusive] of key. GCS truncates at the object end.
func (p *Provider) GetRange(ctx context.Context, key string, start, endInclusive int64) (io.ReadCloser, int64, error) {
	if start < 0 || endInclusive < start {
		return nil, 0, wrapError("GetRange", p.name, key, fmt.Errorf("invalid range %d-%d", start, endInclusive))
	}
	r, err := p.bucket.Object(key).NewRangeReader(ctx, start, endInclusive-start+1)
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusRequestedRangeNotSatisfiable {
			return io.NopCloser(strings.NewReader("")), 0, nil
		}
		return nil, 0, wrapError("GetRange", p.name, key, err)
	}
	return r, r.Remain(), nil
}

// Stat returns object metadata.
func (p *Provider) Stat(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	attrs, err := p.bucket.Object(key).Attrs(ctx)
	if err != nil {
		return nil, wrapError("Stat", p.name, key, err)
	}
	return &provider.ObjectMeta{
		Key:          key,
		Size:         attrs.Size,
		ETag:         attrs.Etag,
		LastModified: attrs.Updated,
		ContentType:  attrs.ContentType,
	}, nil
}

// DeleteFile removes key. Missing keys are not an error.
func (p *Provider) DeleteFile(ctx context.Context, key string) error {
	if err := p.bucket.Object(key).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return wrapError("DeleteFile", p.name, key, err)
	}
	return nil
}

// ListFiles lists every object under prefix.
func (p *Provider) ListFiles(ctx context.Context, prefix string) ([]provider.FileEntry, error) {
	query := &storage.Query{Prefix: prefix}
	if err := query.SetAttrSelection([]string{"Name", "Size", "Updated"}); err != nil {
		return nil, wrapError("ListFiles", p.name, prefix, err)
	}

	entries := []provider.FileEntry{}
	it := p.bucket.Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, wrapError("ListFiles", p.name, prefix, err)
		}
		entries = append(entries, provider.FileEntry{
			Name:         attrs.Name,
			Size:         attrs.Size,
			LastModified: attrs.Updated,
		})
	}
	return entries, nil
}

// ShareURL returns a V4 signed GET URL signed with the service account key.
func (p *Provider) ShareURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	_ = ctx
	if err := provider.CheckShareExpiry(expires); err != nil {
		return "", err
	}
	expires = min(expires, MaxSignedExpiry)
	u, err := p.bucket.SignedURL(key, &storage.SignedURLOptions{
		GoogleAccessID: p.accessID,
		PrivateKey:     p.privateKey,
		Method:         http.MethodGet,
		Expires:        time.Now().Add(expires),
		Scheme:         storage.SigningSchemeV4,
	})
	if err != nil {
		return "", wrapError("ShareURL", p.name, key, err)
	}
	return u, nil
}

// Compose concatenates srcs into dst server-side, batching past the 32-source
// limit by folding the intermediate result back in as the first source.
func (p *Provider) Compose(ctx context.Context, dst string, srcs []string) error {
	dstHandle := p.bucket.Object(dst)
	for _, batch := range composeBatches(dst, srcs) {
		handles := make([]*storage.ObjectHandle, 0, len(batch))
		for _, name := range batch {
			handles = append(handles, p.bucket.Object(name))
		}
		composer := dstHandle.ComposerFrom(handles...)
		composer.ContentType = provider.ContentTypeFor(dst)
		if _, err := composer.Run(ctx); err != nil {
			return wrapError("Compose", p.name, dst, err)
		}
	}
	return nil
}

// composeBatches splits srcs into compose calls of at most maxComposeSources.
// Every batch after the first starts with dst.
func composeBatches(dst string, srcs []string) [][]string {
	var batches [][]string
	rest := srcs
	first := true
	for len(rest) > 0 {
		limit := maxComposeSources
		var batch []string
		if !first {
			batch = append(batch, dst)
			limit--
		}
		n := min(limit, len(rest))
		batch = append(batch, rest[:n]...)
		rest = rest[n:]
		batches = append(batches, batch)
		first = false
	}
	return batches
}

// CreateMultipartUpload starts an emulated multipart upload.
func (p *Provider) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	return p.parts.CreateMultipartUpload(ctx, key)
}

// UploadPart stores one part as a staged object.
func (p *Provider) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) (provider.CompletedPart, error) {
	return p.parts.UploadPart(ctx, key, uploadID, partNumber, body, size)
}

// ListParts lists staged parts.
func (p *Provider) ListParts(ctx context.Context, key, uploadID string) ([]provider.CompletedPart, error) {
	return p.parts.ListParts(ctx, key, uploadID)
}

// CompleteMultipartUpload composes the staged parts into key.
func (p *Provider) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []provider.CompletedPart) error {
	return p.parts.CompleteMultipartUpload(ctx, key, uploadID, parts)
}

// AbortMultipartUpload discards staged parts.
func (p *Provider) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	return p.parts.AbortMultipartUpload(ctx, key, uploadID)
}

// ListMultipartUploads lists open emulated uploads.
func (p *Provider) ListMultipartUploads(ctx context.Context, prefix string) ([]provider.MultipartUpload, error) {
	return p.parts.ListMultipartUploads(ctx, prefix)
}

func wrapError(op, bucket, key string, err error) error {
	return &provider.ProviderError{
		Op:       op,
		Provider: provider.ProviderGCS,
		Bucket:   bucket,
		Key:      key,
		Err:      classify(err),
	}
}

func classify(err error) error {
	if err == nil {
		return fmt.Errorf("unknown error")
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return provider.ErrNotFound
	}
	if errors.Is(err, storage.ErrBucketNotExist) {
		return provider.ErrBucketNotFound
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized:
			return provider.ErrInvalidCredentials
		case gerr.Code == http.StatusForbidden:
			return provider.ErrAccessDenied
		case gerr.Code == http.StatusNotFound:
			return provider.ErrNotFound
		case gerr.Code == http.StatusTooManyRequests:
			return provider.ErrThrottled
		case gerr.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(gerr.Message), "name"):
			return provider.ErrInvalidKey
		case gerr.Code >= 500:
			return provider.ErrProviderUnavailable
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"):
		return provider.ErrProviderUnavailable
	}
	return err
}
