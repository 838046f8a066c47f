// Package b2 implements the provider interface for Backblaze B2 using the
// native B2 API.
//
// B2 large files are driven through the blazer writer inside UploadFile. The
// client-visible multipart protocol is emulated with staged part objects
// (see package partstore), since blazer does not expose per-part uploads.
package b2

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Backblaze/blazer/b2"

	"github.com/3leaps/nimbusgate/pkg/provider"
	"github.com/3leaps/nimbusgate/pkg/provider/partstore"
)

// MaxAuthExpiry is the longest download authorization B2 grants.
const MaxAuthExpiry = 7 * 24 * time.Hour

// Provider implements provider.Provider for Backblaze B2.
type Provider struct {
	client            *b2.Client
	bucket            *b2.Bucket
	name              string
	concurrentUploads int
	parts             *partstore.Store
}

var (
	_ provider.Provider          = (*Provider)(nil)
	_ provider.ObjectStatter     = (*Provider)(nil)
	_ provider.ObjectRanger      = (*Provider)(nil)
	_ provider.MultipartUploader = (*Provider)(nil)
)

// NewFromCredentials builds a provider from a credential map.
func NewFromCredentials(ctx context.Context, creds map[string]string) (*Provider, error) {
	cfg, err := ConfigFromCredentials(creds)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg)
}

// New authorizes the account and resolves the bucket. It never returns a
// partially initialized provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := b2.NewClient(ctx, cfg.KeyID, cfg.ApplicationKey, b2.UserAgent("nimbusgate"))
	if err != nil {
		return nil, wrapError("New", cfg.Bucket, "", err)
	}

	bucket, err := client.Bucket(ctx, cfg.Bucket)
	if err != nil {
		wrapped := wrapError("New", cfg.Bucket, "", err)
		if provider.IsNotFound(wrapped) {
			return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderBackblaze, Bucket: cfg.Bucket, Err: provider.ErrBucketNotFound}
		}
		return nil, wrapped
	}

	p := &Provider{
		client:            client,
		bucket:            bucket,
		name:              cfg.Bucket,
		concurrentUploads: cfg.ConcurrentUploads,
	}
	if p.concurrentUploads <= 0 {
		p.concurrentUploads = 1
	}
	p.parts = partstore.New(p, provider.ProviderBackblaze)
	return p, nil
}

// writerOptions sets the object's content type from its extension when one
// is known.
func writerOptions(key string) []b2.WriterOption {
	var opts []b2.WriterOption
	if ct := provider.ContentTypeFor(key); ct != "" {
		opts = append(opts, b2.WithAttrsOption(&b2.Attrs{ContentType: ct}))
	}
	return opts
}

// Close is a no-op; blazer clients hold no persistent connections.
func (p *Provider) Close() error { return nil }

// UploadFile streams body to key. blazer switches to the large-file API once
// the body exceeds its chunk size.
func (p *Provider) UploadFile(ctx context.Context, key string, body io.Reader) error {
	w := p.bucket.Object(key).NewWriter(ctx, writerOptions(key)...)
	w.ConcurrentUploads = p.concurrentUploads

	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return wrapError("UploadFile", p.name, key, err)
	}
	if err := w.Close(); err != nil {
		return wrapError("UploadFile", p.name, key, err)
	}
	return nil
}

// DownloadFile returns a reader for key. Existence is checked first because
// blazer readers fail only on the first Read.
func (p *Provider) DownloadFile(ctx context.Context, key string) (io.ReadCloser, error) {
	obj := p.bucket.Object(key)
	if _, err := obj.Attrs(ctx); err != nil {
		return nil, wrapError("DownloadFile", p.name, key, err)
	}
	return obj.NewReader(ctx), nil
}

// GetRange reads [start, endInclusive] of key, truncated at the object end.
func (p *Provider) GetRange(ctx context.Context, key string, start, endInclusive int64) (io.ReadCloser, int64, error) {
	if start < 0 || endInclusive < start {
		return nil, 0, wrapError("GetRange", p.name, key, fmt.Errorf("invalid range %d-%d", start, endInclusive))
	}
	obj := p.bucket.Object(key)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return nil, 0, wrapError("GetRange", p.name, key, err)
	}
	if start >= attrs.Size {
		return io.NopCloser(strings.NewReader("")), 0, nil
	}
	length := endInclusive - start + 1
	if start+length > attrs.Size {
		length = attrs.Size - start
	}
	return obj.NewRangeReader(ctx, start, length), length, nil
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
		ETag:         attrs.SHA1,
		LastModified: attrs.UploadTimestamp,
		ContentType:  attrs.ContentType,
	}, nil
}

// DeleteFile removes key. Missing keys are not an error.
func (p *Provider) DeleteFile(ctx context.Context, key string) error {
	if err := p.bucket.Object(key).Delete(ctx); err != nil {
		if b2.IsNotExist(err) {
			return nil
		}
		return wrapError("DeleteFile", p.name, key, err)
	}
	return nil
}

// ListFiles lists every object under prefix.
func (p *Provider) ListFiles(ctx context.Context, prefix string) ([]provider.FileEntry, error) {
	iter := p.bucket.List(ctx, b2.ListPrefix(prefix))

	entries := []provider.FileEntry{}
	for iter.Next() {
		obj := iter.Object()
		attrs, err := obj.Attrs(ctx)
		if err != nil {
			return nil, wrapError("ListFiles", p.name, prefix, err)
		}
		entries = append(entries, provider.FileEntry{
			Name:         obj.Name(),
			Size:         attrs.Size,
			LastModified: attrs.UploadTimestamp,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, wrapError("ListFiles", p.name, prefix, err)
	}
	return entries, nil
}

// ShareURL returns a download URL carrying a B2 download authorization token
// scoped to key. B2 validates nothing about existence here.
func (p *Provider) ShareURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	if err := provider.CheckShareExpiry(expires); err != nil {
		return "", err
	}
	u, err := p.bucket.Object(key).AuthURL(ctx, clampExpiry(expires), "")
	if err != nil {
		return "", wrapError("ShareURL", p.name, key, err)
	}
	return u.String(), nil
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

// CompleteMultipartUpload streams the staged parts into key.
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

// clampExpiry fits a positive lifetime into B2's whole-second range.
func clampExpiry(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	if d > MaxAuthExpiry {
		return MaxAuthExpiry
	}
	return d
}

func wrapError(op, bucket, key string, err error) error {
	return &provider.ProviderError{
		Op:       op,
		Provider: provider.ProviderBackblaze,
		Bucket:   bucket,
		Key:      key,
		Err:      classify(err),
	}
}

// classify maps blazer errors onto provider sentinels. blazer exposes only
// IsNotExist; everything else is matched on B2 status codes in the message.
func classify(err error) error {
	if err == nil {
		return fmt.Errorf("unknown error")
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if b2.IsNotExist(err) {
		return provider.ErrNotFound
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "bad_auth_token"),
		strings.Contains(msg, "expired_auth_token"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "401"):
		return provider.ErrInvalidCredentials
	case strings.Contains(msg, "access_denied"),
		strings.Contains(msg, "403"):
		return provider.ErrAccessDenied
	case strings.Contains(msg, "too_many_requests"),
		strings.Contains(msg, "429"):
		return provider.ErrThrottled
	case strings.Contains(msg, "bad_request") && strings.Contains(msg, "file name"):
		return provider.ErrInvalidKey
	case strings.Contains(msg, "service_unavailable"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"):
		return provider.ErrProviderUnavailable
	case strings.Contains(msg, "not found"),
		strings.Contains(msg, "not_found"):
		return provider.ErrNotFound
	}
	return err
}
