// Package gateway implements the file and folder operations exposed over
// HTTP on top of a provider: filtered listings with synthesized folders,
// folder create/delete and key validation.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/pkg/match"
	"github.com/3leaps/nimbusgate/pkg/provider"
	"github.com/3leaps/nimbusgate/pkg/provider/partstore"
)

// DefaultPreviewExpiry is the lifetime of preview URLs in listings.
const DefaultPreviewExpiry = time.Hour

// Entry types.
const (
	TypeFile   = "file"
	TypeFolder = "folder"
)

// Entry is one listing row.
type Entry struct {
	Name         string     `json:"name"`
	Size         int64      `json:"size"`
	Type         string     `json:"type"`
	MimeType     *string    `json:"mime_type"`
	PreviewURL   *string    `json:"preview_url"`
	LastModified *time.Time `json:"last_modified,omitempty"`
}

// ListOptions controls List.
type ListOptions struct {
	Prefix   string
	Includes []string
	Excludes []string

	// ExcludeHidden drops keys with a dot-prefixed segment. Hidden keys are
	// listed by default.
	ExcludeHidden bool

	// MinSize and MaxSize bound file sizes; MaxSize <= 0 means unbounded.
	MinSize int64
	MaxSize int64

	// PreviewExpiry is the lifetime of preview URLs. Zero uses DefaultPreviewExpiry.
	PreviewExpiry time.Duration

	// NoPreview skips share URL generation.
	NoPreview bool

	Logger *zap.Logger
}

// List returns every file under opts.Prefix plus one folder entry for each
// immediate child folder of the prefix. Files that are images, PDFs or videos
// carry a short-lived preview URL. Staging objects of emulated multipart
// uploads are never listed.
func List(ctx context.Context, p provider.Provider, opts ListOptions) ([]Entry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	expiry := opts.PreviewExpiry
	if expiry <= 0 {
		expiry = DefaultPreviewExpiry
	}

	m, err := match.New(match.Config{Includes: opts.Includes, Excludes: opts.Excludes, IncludeHidden: !opts.ExcludeHidden})
	if err != nil {
		return nil, err
	}
	filter := match.Filter{Matcher: m, MinSize: opts.MinSize, MaxSize: opts.MaxSize}

	raw, err := p.ListFiles(ctx, m.ListPrefix(opts.Prefix))
	if err != nil {
		return nil, err
	}

	folders := make(map[string]struct{})
	var files []Entry
	for _, fe := range raw {
		if partstore.IsStagingKey(fe.Name) || !strings.HasPrefix(fe.Name, opts.Prefix) {
			continue
		}
		if folder, ok := childFolder(opts.Prefix, fe.Name); ok {
			if filter.Keep(provider.FileEntry{Name: folder}) {
				folders[folder] = struct{}{}
			}
		}
		if fe.IsFolder() || !filter.Keep(fe) {
			continue
		}
		files = append(files, fileEntry(ctx, p, fe, expiry, opts.NoPreview, logger))
	}

	entries := make([]Entry, 0, len(folders)+len(files))
	for name := range folders {
		entries = append(entries, Entry{Name: name, Type: TypeFolder})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return append(entries, files...), nil
}

// childFolder returns the immediate child folder of prefix that contains key,
// or the folder key itself when key is a direct child marker.
func childFolder(prefix, key string) (string, bool) {
	rest := strings.TrimPrefix(key, prefix)
	i := strings.Index(rest, provider.FolderDelimiter)
	if i <= 0 {
		return "", false
	}
	return prefix + rest[:i+1], true
}

func fileEntry(ctx context.Context, p provider.Provider, fe provider.FileEntry, expiry time.Duration, noPreview bool, logger *zap.Logger) Entry {
	e := Entry{Name: fe.Name, Size: fe.Size, Type: TypeFile}
	if !fe.LastModified.IsZero() {
		ts := fe.LastModified.UTC()
		e.LastModified = &ts
	}

	ct := provider.ContentTypeFor(fe.Name)
	if ct == "" {
		return e
	}
	e.MimeType = &ct
	if noPreview || !Previewable(ct) {
		return e
	}

	u, err := p.ShareURL(ctx, fe.Name, expiry)
	if err != nil {
		logger.Warn("Preview URL failed", zap.String("key", fe.Name), zap.Error(err))
		return e
	}
	e.PreviewURL = &u
	return e
}

// Previewable reports whether browsers can render the content type inline.
func Previewable(contentType string) bool {
	ct, _, _ := strings.Cut(contentType, ";")
	return strings.HasPrefix(ct, "image/") || strings.HasPrefix(ct, "video/") || ct == "application/pdf"
}

// CleanKey validates an object key from a client. Leading slashes are
// dropped; empty keys and ".." segments are rejected.
func CleanKey(key string) (string, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty key", provider.ErrInvalidKey)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q contains '..'", provider.ErrInvalidKey, key)
		}
	}
	if partstore.IsStagingKey(key) {
		return "", fmt.Errorf("%w: %q is reserved", provider.ErrInvalidKey, key)
	}
	return key, nil
}

// JoinKey joins an optional folder and a filename into a key.
func JoinKey(folder, filename string) (string, error) {
	folder = strings.Trim(strings.TrimSpace(folder), "/")
	if folder == "" {
		return CleanKey(filename)
	}
	return CleanKey(folder + "/" + strings.TrimLeft(filename, "/"))
}

// CreateFolder stores an empty marker object for name and returns its key.
func CreateFolder(ctx context.Context, p provider.Provider, name string) (string, error) {
	key, err := CleanKey(name)
	if err != nil {
		return "", err
	}
	key = match.EnsureTrailingSlash(key)
	if err := p.UploadFile(ctx, key, strings.NewReader("")); err != nil {
		return "", err
	}
	return key, nil
}

// DeleteFolder deletes every object under name, then the folder marker. It
// returns the number of keys removed, marker included. A missing folder is
// not an error.
func DeleteFolder(ctx context.Context, p provider.Provider, name string) (int, error) {
	key, err := CleanKey(name)
	if err != nil {
		return 0, err
	}
	prefix := match.EnsureTrailingSlash(key)

	entries, err := p.ListFiles(ctx, prefix)
	if err != nil {
		return 0, err
	}

	// Deepest first so directory-backed providers can remove emptied folders.
	keys := make([]string, 0, len(entries)+1)
	seenMarker := false
	for _, e := range entries {
		keys = append(keys, e.Name)
		seenMarker = seenMarker || e.Name == prefix
	}
	if !seenMarker {
		keys = append(keys, prefix)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	deleted := 0
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if err := p.DeleteFile(ctx, k); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}
