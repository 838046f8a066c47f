package file

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusgate/pkg/provider"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	return p
}

func names(entries []provider.FileEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

func TestNew(t *testing.T) {
	t.Run("requires base dir", func(t *testing.T) {
		_, err := New(Config{})
		require.Error(t, err)
		assert.True(t, provider.IsInvalidCredentialFormat(err))
	})

	t.Run("missing dir is bucket not found", func(t *testing.T) {
		_, err := New(Config{BaseDir: filepath.Join(t.TempDir(), "nope")})
		assert.True(t, provider.IsBucketNotFound(err))
	})

	t.Run("create makes dir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "new", "root")
		p, err := New(Config{BaseDir: dir, Create: true})
		require.NoError(t, err)
		assert.DirExists(t, p.BaseDir())
	})
}

func TestProvider_RoundTrip(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	require.NoError(t, p.UploadFile(ctx, "a/b/c.txt", strings.NewReader("hello")))

	body, err := p.DownloadFile(ctx, "a/b/c.txt")
	require.NoError(t, err)
	b, err := io.ReadAll(body)
	require.NoError(t, body.Close())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))

	// Overwrite replaces content.
	require.NoError(t, p.UploadFile(ctx, "a/b/c.txt", strings.NewReader("bye")))
	meta, err := p.Stat(ctx, "a/b/c.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(3), meta.Size)

	_, err = p.DownloadFile(ctx, "missing")
	assert.True(t, provider.IsNotFound(err))
}

func TestProvider_UploadCancelled(t *testing.T) {
	p := newTestProvider(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.UploadFile(ctx, "x.txt", strings.NewReader("data"))
	require.Error(t, err)
	_, err = p.Stat(context.Background(), "x.txt")
	assert.True(t, provider.IsNotFound(err))
}

func TestProvider_PathTraversal(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	// Leading ".." segments are clamped to the base directory.
	require.NoError(t, p.UploadFile(ctx, "../../escape.txt", strings.NewReader("x")))
	assert.FileExists(t, filepath.Join(p.BaseDir(), "escape.txt"))

	_, err := p.fullPath("..")
	assert.NoError(t, err)
}

func TestProvider_GetRange(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	require.NoError(t, p.UploadFile(ctx, "r.txt", strings.NewReader("0123456789")))

	tests := []struct {
		name       string
		start, end int64
		want       string
	}{
		{"middle", 2, 5, "2345"},
		{"past end truncated", 8, 100, "89"},
		{"beyond size empty", 20, 30, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, n, err := p.GetRange(ctx, "r.txt", tt.start, tt.end)
			require.NoError(t, err)
			defer func() { _ = body.Close() }()
			b, err := io.ReadAll(body)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(b))
			assert.Equal(t, int64(len(tt.want)), n)
		})
	}

	_, _, err := p.GetRange(ctx, "r.txt", 5, 2)
	assert.Error(t, err)
}

func TestProvider_FoldersAndList(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	require.NoError(t, p.UploadFile(ctx, "photos/", strings.NewReader("")))
	require.NoError(t, p.UploadFile(ctx, "photos/cat.jpg", strings.NewReader("meow")))
	require.NoError(t, p.UploadFile(ctx, "photo-index.txt", strings.NewReader("idx")))
	require.NoError(t, p.UploadFile(ctx, "empty/", strings.NewReader("")))

	all, err := p.ListFiles(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"empty/", "photo-index.txt", "photos/", "photos/cat.jpg"}, names(all))

	// Prefix is a string prefix, not a directory.
	photo, err := p.ListFiles(ctx, "photo")
	require.NoError(t, err)
	assert.Equal(t, []string{"photo-index.txt", "photos/", "photos/cat.jpg"}, names(photo))

	inside, err := p.ListFiles(ctx, "photos/")
	require.NoError(t, err)
	assert.Equal(t, []string{"photos/", "photos/cat.jpg"}, names(inside))
	for _, e := range inside {
		if e.IsFolder() {
			assert.Zero(t, e.Size)
		} else {
			assert.Equal(t, int64(4), e.Size)
		}
	}

	none, err := p.ListFiles(ctx, "nothing/")
	require.NoError(t, err)
	assert.Empty(t, none)

	// Non-empty folder survives a delete of its marker.
	require.NoError(t, p.DeleteFile(ctx, "photos/"))
	assert.DirExists(t, filepath.Join(p.BaseDir(), "photos"))

	require.NoError(t, p.DeleteFile(ctx, "photos/cat.jpg"))
	require.NoError(t, p.DeleteFile(ctx, "photos/"))
	assert.NoDirExists(t, filepath.Join(p.BaseDir(), "photos"))

	// Deleting a missing key succeeds.
	require.NoError(t, p.DeleteFile(ctx, "photos/cat.jpg"))
}

func TestProvider_ShareURL(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)
	require.NoError(t, p.UploadFile(ctx, "docs/report.pdf", strings.NewReader("%PDF")))

	u, err := p.ShareURL(ctx, "docs/report.pdf", time.Hour)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "file://"))
	assert.True(t, strings.HasSuffix(u, "/docs/report.pdf"))

	_, err = p.ShareURL(ctx, "docs/missing.pdf", time.Hour)
	assert.True(t, provider.IsNotFound(err))

	for _, d := range []time.Duration{0, -time.Minute} {
		_, err = p.ShareURL(ctx, "docs/report.pdf", d)
		assert.ErrorIs(t, err, provider.ErrInvalidExpiry, d)
	}
}

func TestProvider_Multipart(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t)

	uploadID, err := p.CreateMultipartUpload(ctx, "big.bin")
	require.NoError(t, err)
	_, err = p.UploadPart(ctx, "big.bin", uploadID, 1, strings.NewReader("aaa"), 3)
	require.NoError(t, err)
	_, err = p.UploadPart(ctx, "big.bin", uploadID, 2, strings.NewReader("bb"), 2)
	require.NoError(t, err)

	open, err := p.ListMultipartUploads(ctx, "")
	require.NoError(t, err)
	require.Len(t, open, 1)

	parts, err := p.ListParts(ctx, "big.bin", uploadID)
	require.NoError(t, err)
	require.NoError(t, p.CompleteMultipartUpload(ctx, "big.bin", uploadID, parts))

	data, err := os.ReadFile(filepath.Join(p.BaseDir(), "big.bin"))
	require.NoError(t, err)
	assert.Equal(t, "aaabb", string(data))

	id2, err := p.CreateMultipartUpload(ctx, "gone.bin")
	require.NoError(t, err)
	require.NoError(t, p.AbortMultipartUpload(ctx, "gone.bin", id2))
	open, err = p.ListMultipartUploads(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestWrapError(t *testing.T) {
	p := newTestProvider(t)

	err := p.wrapError("Op", "k", os.ErrNotExist)
	assert.True(t, provider.IsNotFound(err))

	err = p.wrapError("Op", "k", os.ErrPermission)
	assert.True(t, provider.IsAccessDenied(err))

	var pe *provider.ProviderError
	require.ErrorAs(t, p.wrapError("Op", "k", nil), &pe)
	assert.Equal(t, provider.ProviderLocal, pe.Provider)
}
