// Package stream serves object downloads as a sequence of bounded range
// fetches written to one outbound stream.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"

	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/pkg/provider"
)

// DefaultSliceSize is the largest single range fetch.
const DefaultSliceSize int64 = 100 << 20

// ErrAborted marks a failure after response headers were sent. The response
// is truncated and cannot carry an error body.
var ErrAborted = errors.New("download aborted after headers were sent")

// Download describes a resolved object ready to stream.
type Download struct {
	Key         string
	Filename    string
	ContentType string

	// Size is -1 when the provider cannot report it.
	Size int64
}

// Streamer fetches objects slice by slice.
type Streamer struct {
	sliceSize int64
	logger    *zap.Logger
	onFetch   func(start, length int64)
}

// Option configures a Streamer.
type Option func(*Streamer)

// WithSliceSize sets the range fetch size.
func WithSliceSize(n int64) Option {
	return func(s *Streamer) {
		if n > 0 {
			s.sliceSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Streamer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithFetchHook is called before every range fetch.
func WithFetchHook(fn func(start, length int64)) Option {
	return func(s *Streamer) { s.onFetch = fn }
}

// New returns a Streamer.
func New(opts ...Option) *Streamer {
	s := &Streamer{sliceSize: DefaultSliceSize, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open resolves size and content type for key.
func (s *Streamer) Open(ctx context.Context, p provider.Provider, key string) (*Download, error) {
	d := &Download{Key: key, Filename: path.Base(key), Size: -1}

	if statter, ok := p.(provider.ObjectStatter); ok {
		meta, err := statter.Stat(ctx, key)
		if err != nil {
			return nil, err
		}
		d.Size = meta.Size
		d.ContentType = meta.ContentType
	}
	if d.ContentType == "" {
		d.ContentType = provider.ContentTypeFor(key)
	}
	if d.ContentType == "" {
		d.ContentType = "application/octet-stream"
	}
	return d, nil
}

// WriteTo copies the object to w. Providers with range support are read in
// slices of at most the configured size; the context is checked before each
// fetch so a closed client stops further reads.
func (s *Streamer) WriteTo(ctx context.Context, w io.Writer, p provider.Provider, d *Download) (int64, error) {
	ranger, ok := p.(provider.ObjectRanger)
	if !ok || d.Size < 0 {
		return s.copyWhole(ctx, w, p, d.Key)
	}

	var written int64
	for start := int64(0); start < d.Size; start += s.sliceSize {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		end := min(start+s.sliceSize, d.Size) - 1
		if s.onFetch != nil {
			s.onFetch(start, end-start+1)
		}

		n, err := s.copyRange(ctx, w, ranger, d.Key, start, end)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (s *Streamer) copyRange(ctx context.Context, w io.Writer, ranger provider.ObjectRanger, key string, start, end int64) (int64, error) {
	body, length, err := ranger.GetRange(ctx, key, start, end)
	if err != nil {
		return 0, err
	}
	defer func() { _ = body.Close() }()

	n, err := io.CopyN(w, body, length)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return n, fmt.Errorf("range %d-%d: %w", start, end, err)
	}
	if length < end-start+1 {
		return n, fmt.Errorf("range %d-%d: object shorter than reported: %w", start, end, io.ErrUnexpectedEOF)
	}
	return n, nil
}

func (s *Streamer) copyWhole(ctx context.Context, w io.Writer, p provider.Provider, key string) (int64, error) {
	if s.onFetch != nil {
		s.onFetch(0, -1)
	}
	body, err := p.DownloadFile(ctx, key)
	if err != nil {
		return 0, err
	}
	defer func() { _ = body.Close() }()
	return io.Copy(w, body)
}

// Serve writes the download response for key. Errors before any header is
// written are returned as-is so the caller can render them; errors after that
// wrap ErrAborted.
func (s *Streamer) Serve(w http.ResponseWriter, r *http.Request, p provider.Provider, key string) (int64, error) {
	ctx := r.Context()
	d, err := s.Open(ctx, p, key)
	if err != nil {
		return 0, err
	}

	h := w.Header()
	h.Set("Content-Type", d.ContentType)
	h.Set("Content-Disposition", ContentDisposition(d.Filename))
	if d.Size >= 0 {
		h.Set("Content-Length", strconv.FormatInt(d.Size, 10))
	}
	w.WriteHeader(http.StatusOK)

	n, err := s.WriteTo(ctx, w, p, d)
	if err != nil {
		s.logger.Warn("Download aborted",
			zap.String("key", key),
			zap.Int64("written", n),
			zap.Int64("size", d.Size),
			zap.Error(err),
		)
		return n, fmt.Errorf("%w: %w", ErrAborted, err)
	}
	return n, nil
}

// ContentDisposition returns an attachment header for filename.
func ContentDisposition(filename string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); v != "" {
		return v
	}
	return "attachment"
}
