// Package file implements the provider interface over a local directory.
//
// It backs the "local" provider type used for development and as the
// in-process backend in tests. Keys are slash-separated paths relative to
// BaseDir; a key ending in "/" is a folder marker and maps to a directory.
package file

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/3leaps/nimbusgate/pkg/provider"
	"github.com/3leaps/nimbusgate/pkg/provider/partstore"
)

// Provider implements provider.Provider for local filesystem paths.
type Provider struct {
	baseDir string
	parts   *partstore.Store
}

// Ensure Provider implements provider capability interfaces.
var (
	_ provider.Provider          = (*Provider)(nil)
	_ provider.ObjectStatter     = (*Provider)(nil)
	_ provider.ObjectRanger      = (*Provider)(nil)
	_ provider.MultipartUploader = (*Provider)(nil)
)

// Config configures a local provider.
type Config struct {
	BaseDir string `mapstructure:"base_dir"`

	// Create makes BaseDir if it does not exist.
	Create bool
}

// Validate checks that a base directory was given.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return &provider.ConfigError{Provider: provider.ProviderLocal, Field: provider.FieldBaseDir, Message: "field is required"}
	}
	return nil
}

// New returns a provider rooted at cfg.BaseDir. The directory must exist
// unless cfg.Create is set.
func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := filepath.Abs(filepath.Clean(cfg.BaseDir))
	if err != nil {
		return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderLocal, Err: err}
	}

	if cfg.Create {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderLocal, Bucket: base, Err: err}
		}
	}
	st, err := os.Stat(base)
	if err != nil || !st.IsDir() {
		return nil, &provider.ProviderError{Op: "New", Provider: provider.ProviderLocal, Bucket: base, Err: provider.ErrBucketNotFound}
	}

	p := &Provider{baseDir: base}
	p.parts = partstore.New(p, provider.ProviderLocal)
	return p, nil
}

// Close releases any resources held by the provider.
func (p *Provider) Close() error { return nil }

// BaseDir returns the absolute root directory.
func (p *Provider) BaseDir() string { return p.baseDir }

// UploadFile writes body to key atomically via a temp file and rename.
// A key ending in "/" creates the folder directory.
func (p *Provider) UploadFile(ctx context.Context, key string, body io.Reader) error {
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("UploadFile", key, err)
	}
	if strings.HasSuffix(key, provider.FolderDelimiter) {
		if err := os.MkdirAll(full, 0o755); err != nil {
			return p.wrapError("UploadFile", key, err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return p.wrapError("UploadFile", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".nimbusgate-put-*")
	if err != nil {
		return p.wrapError("UploadFile", key, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: body}); err != nil {
		return p.wrapError("UploadFile", key, err)
	}
	if err := tmp.Close(); err != nil {
		return p.wrapError("UploadFile", key, err)
	}

	if err := os.Rename(tmpName, full); err != nil {
		return p.wrapError("UploadFile", key, err)
	}
	return nil
}

// DownloadFile opens key for reading.
func (p *Provider) DownloadFile(ctx context.Context, key string) (io.ReadCloser, error) {
	_ = ctx
	f, _, err := p.open("DownloadFile", key)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// GetRange returns a reader over [start, endInclusive], truncated at EOF.
func (p *Provider) GetRange(ctx context.Context, key string, start, endInclusive int64) (io.ReadCloser, int64, error) {
	_ = ctx
	if start < 0 {
		return nil, 0, p.wrapError("GetRange", key, fmt.Errorf("start must be >= 0"))
	}
	if endInclusive < start {
		return nil, 0, p.wrapError("GetRange", key, fmt.Errorf("end must be >= start"))
	}

	f, st, err := p.open("GetRange", key)
	if err != nil {
		return nil, 0, err
	}

	length := (endInclusive - start) + 1
	if start >= st.Size() {
		_ = f.Close()
		return io.NopCloser(strings.NewReader("")), 0, nil
	}
	if start+length > st.Size() {
		length = st.Size() - start
	}

	return &sectionReadCloser{r: io.NewSectionReader(f, start, length), c: f}, length, nil
}

type sectionReadCloser struct {
	r io.Reader
	c io.Closer
}

func (s *sectionReadCloser) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *sectionReadCloser) Close() error               { return s.c.Close() }

// Stat returns size and modification time for key.
func (p *Provider) Stat(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	_ = ctx
	full, err := p.fullPath(key)
	if err != nil {
		return nil, p.wrapError("Stat", key, err)
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, p.wrapError("Stat", key, err)
	}
	if st.IsDir() {
		return nil, p.wrapError("Stat", key, provider.ErrNotFound)
	}
	return &provider.ObjectMeta{Key: key, Size: st.Size(), LastModified: st.ModTime()}, nil
}

// DeleteFile removes key. Missing keys and non-empty folders are left alone
// without error; folders are removed only once empty.
func (p *Provider) DeleteFile(ctx context.Context, key string) error {
	_ = ctx
	full, err := p.fullPath(key)
	if err != nil {
		return p.wrapError("DeleteFile", key, err)
	}
	if full == p.baseDir {
		return nil
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) || isNotEmpty(full) {
			return nil
		}
		return p.wrapError("DeleteFile", key, err)
	}
	return nil
}

// ListFiles returns files and folder markers (empty or not) under prefix.
// prefix is matched as a plain string, not as a directory.
func (p *Provider) ListFiles(ctx context.Context, prefix string) ([]provider.FileEntry, error) {
	prefix = strings.TrimPrefix(prefix, "/")

	// Walk from the deepest directory fully contained in prefix.
	dirPart := prefix[:strings.LastIndex(prefix, "/")+1]
	root, err := p.fullPath(dirPart)
	if err != nil {
		return nil, p.wrapError("ListFiles", prefix, err)
	}
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return []provider.FileEntry{}, nil
		}
		return nil, p.wrapError("ListFiles", prefix, err)
	}

	entries := []provider.FileEntry{}
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path == p.baseDir {
			return nil
		}
		rel, err := filepath.Rel(p.baseDir, path)
		if err != nil {
			return nil
		}
		name := filepath.ToSlash(rel)
		if d.IsDir() {
			name += provider.FolderDelimiter
		} else if strings.HasPrefix(d.Name(), ".nimbusgate-put-") {
			return nil
		}
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		entry := provider.FileEntry{Name: name, LastModified: info.ModTime()}
		if !d.IsDir() {
			entry.Size = info.Size()
		}
		entries = append(entries, entry)
		return nil
	})
	if walkErr != nil {
		return nil, p.wrapError("ListFiles", prefix, walkErr)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// ShareURL returns a file:// URL. Local files have no expiring grants, so
// expires is ignored.
func (p *Provider) ShareURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	if err := provider.CheckShareExpiry(expires); err != nil {
		return "", err
	}
	if _, err := p.Stat(ctx, key); err != nil {
		return "", err
	}
	full, _ := p.fullPath(key)
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(full)}
	return u.String(), nil
}

// CreateMultipartUpload starts an emulated multipart upload.
func (p *Provider) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	return p.parts.CreateMultipartUpload(ctx, key)
}

// UploadPart stores one part of an emulated multipart upload.
func (p *Provider) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) (provider.CompletedPart, error) {
	return p.parts.UploadPart(ctx, key, uploadID, partNumber, body, size)
}

// ListParts lists the parts uploaded so far.
func (p *Provider) ListParts(ctx context.Context, key, uploadID string) ([]provider.CompletedPart, error) {
	return p.parts.ListParts(ctx, key, uploadID)
}

// CompleteMultipartUpload concatenates the parts into key.
func (p *Provider) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []provider.CompletedPart) error {
	return p.parts.CompleteMultipartUpload(ctx, key, uploadID, parts)
}

// AbortMultipartUpload discards the staged parts.
func (p *Provider) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	return p.parts.AbortMultipartUpload(ctx, key, uploadID)
}

// ListMultipartUploads lists open emulated uploads.
func (p *Provider) ListMultipartUploads(ctx context.Context, prefix string) ([]provider.MultipartUpload, error) {
	return p.parts.ListMultipartUploads(ctx, prefix)
}

func (p *Provider) open(op, key string) (*os.File, os.FileInfo, error) {
	full, err := p.fullPath(key)
	if err != nil {
		return nil, nil, p.wrapError(op, key, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, nil, p.wrapError(op, key, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, p.wrapError(op, key, err)
	}
	if st.IsDir() {
		_ = f.Close()
		return nil, nil, p.wrapError(op, key, provider.ErrNotFound)
	}
	return f, st, nil
}

func (p *Provider) fullPath(key string) (string, error) {
	key = strings.TrimSpace(key)
	key = strings.TrimPrefix(key, "/")
	// Prevent path traversal.
	clean := filepath.Clean("/" + key)
	clean = strings.TrimPrefix(clean, "/")
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: path escapes base directory", provider.ErrInvalidKey)
	}
	return filepath.Join(p.baseDir, filepath.FromSlash(clean)), nil
}

func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{Op: op, Provider: provider.ProviderLocal, Bucket: p.baseDir, Key: key, Err: err}
	if err == nil {
		wrapped.Err = fmt.Errorf("unknown error")
	}
	// Normalize common filesystem errors to provider sentinels.
	if os.IsNotExist(err) {
		wrapped.Err = provider.ErrNotFound
	}
	if os.IsPermission(err) {
		wrapped.Err = provider.ErrAccessDenied
	}
	return wrapped
}

func isNotEmpty(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

// ctxReader stops a copy once ctx is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
