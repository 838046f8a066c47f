// Package chunked drives the client-side chunked upload protocol against a
// provider's multipart capability.
//
// The client sends chunk i of n for one file per request and carries the
// upload ID between requests. Nothing about a session is kept here beyond the
// lifetime of a single request: parts live in the vendor, the upload ID lives
// in the client.
package chunked

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/nimbusgate/pkg/provider"
)

const (
	// DefaultChunkSize is the chunk size clients are told to use.
	DefaultChunkSize int64 = 100 << 20

	// DefaultThreshold is the declared file size at which uploads switch to multipart.
	DefaultThreshold int64 = 100 << 20

	// MaxParts is the largest part count every backend accepts.
	MaxParts = 10000
)

var (
	// ErrInvalidChunk indicates a malformed chunk request.
	ErrInvalidChunk = errors.New("invalid chunk request")

	// ErrChunkInProgress indicates another request is already writing to the
	// same upload.
	ErrChunkInProgress = errors.New("chunk upload already in progress")
)

// Mode identifies which upload path served a chunk.
type Mode string

const (
	ModeSingle    Mode = "single"
	ModeMultipart Mode = "multipart"
)

// Request is one chunk of a client upload.
type Request struct {
	// Key is the destination object key.
	Key string

	// FileSize is the declared size of the whole file.
	FileSize int64

	// ChunkNumber is 0-indexed.
	ChunkNumber int

	TotalChunks int

	// UploadID is empty on the first chunk and required afterwards.
	UploadID string

	Body io.Reader

	// Size is the chunk length in bytes, or -1 if unknown.
	Size int64
}

// Result reports what a chunk request did.
type Result struct {
	Mode       Mode
	UploadID   string
	PartNumber int32

	// Completed is true once the object is visible under Key.
	Completed bool

	// Parts is the number of parts joined at completion.
	Parts int
}

// Coordinator runs chunk requests. It is safe for concurrent use.
type Coordinator struct {
	threshold int64
	logger    *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithThreshold sets the multipart threshold.
func WithThreshold(n int64) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.threshold = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a Coordinator.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		threshold: DefaultThreshold,
		logger:    zap.NewNop(),
		inflight:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Threshold returns the multipart threshold in bytes.
func (c *Coordinator) Threshold() int64 { return c.threshold }

// HandleChunk processes one chunk.
//
// Files smaller than the threshold must arrive as a single chunk and are
// uploaded directly. Otherwise chunk 0 creates the multipart upload, every
// chunk i uploads part i+1, and the final chunk verifies parts 1..n against
// the vendor's listing and completes the upload. A failure at that point is
// reported as provider.ErrIncompleteMultipart and the upload stays open.
func (c *Coordinator) HandleChunk(ctx context.Context, p provider.Provider, req Request) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}

	if req.FileSize < c.threshold {
		if req.TotalChunks != 1 {
			return Result{}, fmt.Errorf("%w: file below %d bytes must be sent as one chunk, got %d", ErrInvalidChunk, c.threshold, req.TotalChunks)
		}
		if err := p.UploadFile(ctx, req.Key, req.Body); err != nil {
			return Result{}, err
		}
		c.logger.Debug("Uploaded file in one request", zap.String("key", req.Key), zap.Int64("size", req.FileSize))
		return Result{Mode: ModeSingle, Completed: true}, nil
	}

	mp, ok := p.(provider.MultipartUploader)
	if !ok {
		return Result{}, fmt.Errorf("%w: provider does not support multipart uploads", ErrInvalidChunk)
	}

	uploadID := req.UploadID
	if req.ChunkNumber == 0 {
		id, err := mp.CreateMultipartUpload(ctx, req.Key)
		if err != nil {
			return Result{}, err
		}
		uploadID = id
		c.logger.Info("Started multipart upload",
			zap.String("key", req.Key),
			zap.String("upload_id", uploadID),
			zap.Int("total_chunks", req.TotalChunks),
		)
	}

	release, err := c.acquire(req.Key, uploadID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	partNumber := int32(req.ChunkNumber + 1)
	if _, err := mp.UploadPart(ctx, req.Key, uploadID, partNumber, req.Body, req.Size); err != nil {
		if req.ChunkNumber == 0 {
			// The client never saw this upload ID and cannot resume it.
			c.abort(ctx, mp, req.Key, uploadID)
		}
		return Result{}, err
	}

	res := Result{Mode: ModeMultipart, UploadID: uploadID, PartNumber: partNumber}
	if req.ChunkNumber < req.TotalChunks-1 {
		return res, nil
	}

	n, err := c.complete(ctx, mp, req.Key, uploadID, req.TotalChunks)
	if err != nil {
		c.logger.Warn("Multipart completion failed; upload left open",
			zap.String("key", req.Key),
			zap.String("upload_id", uploadID),
			zap.Error(err),
		)
		return res, err
	}

	c.logger.Info("Completed multipart upload",
		zap.String("key", req.Key),
		zap.String("upload_id", uploadID),
		zap.Int("parts", n),
	)
	res.Completed = true
	res.Parts = n
	return res, nil
}

func (c *Coordinator) abort(ctx context.Context, mp provider.MultipartUploader, key, uploadID string) {
	if err := mp.AbortMultipartUpload(context.WithoutCancel(ctx), key, uploadID); err != nil {
		c.logger.Warn("Failed to abort multipart upload after first part failed",
			zap.String("key", key),
			zap.String("upload_id", uploadID),
			zap.Error(err),
		)
		return
	}
	c.logger.Info("Aborted multipart upload after first part failed",
		zap.String("key", key),
		zap.String("upload_id", uploadID),
	)
}

func (c *Coordinator) complete(ctx context.Context, mp provider.MultipartUploader, key, uploadID string, total int) (int, error) {
	parts, err := mp.ListParts(ctx, key, uploadID)
	if err != nil {
		return 0, incomplete(err)
	}
	if err := checkParts(parts, total); err != nil {
		return 0, err
	}
	if err := mp.CompleteMultipartUpload(ctx, key, uploadID, parts); err != nil {
		return 0, incomplete(err)
	}
	return len(parts), nil
}

// checkParts requires exactly parts 1..total in order.
func checkParts(parts []provider.CompletedPart, total int) error {
	if len(parts) != total {
		return fmt.Errorf("%w: expected %d parts, vendor has %d", provider.ErrIncompleteMultipart, total, len(parts))
	}
	for i, part := range parts {
		if part.PartNumber != int32(i+1) {
			return fmt.Errorf("%w: part %d missing", provider.ErrIncompleteMultipart, i+1)
		}
	}
	return nil
}

func incomplete(err error) error {
	if provider.IsIncompleteMultipart(err) {
		return err
	}
	return fmt.Errorf("%w: %w", provider.ErrIncompleteMultipart, err)
}

func validate(req Request) error {
	switch {
	case req.Key == "":
		return fmt.Errorf("%w: filename is required", ErrInvalidChunk)
	case req.FileSize < 0:
		return fmt.Errorf("%w: file_size must be >= 0", ErrInvalidChunk)
	case req.TotalChunks < 1:
		return fmt.Errorf("%w: total_chunks must be >= 1", ErrInvalidChunk)
	case req.TotalChunks > MaxParts:
		return fmt.Errorf("%w: total_chunks must be <= %d", ErrInvalidChunk, MaxParts)
	case req.ChunkNumber < 0 || req.ChunkNumber >= req.TotalChunks:
		return fmt.Errorf("%w: chunk_number %d out of range [0,%d)", ErrInvalidChunk, req.ChunkNumber, req.TotalChunks)
	case req.ChunkNumber > 0 && req.UploadID == "":
		return fmt.Errorf("%w: upload_id is required after the first chunk", ErrInvalidChunk)
	case req.Body == nil:
		return fmt.Errorf("%w: chunk body is required", ErrInvalidChunk)
	}
	return nil
}

// acquire marks (key, uploadID) busy for the duration of one request.
func (c *Coordinator) acquire(key, uploadID string) (func(), error) {
	k := key + "\x00" + uploadID
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[k]; busy {
		return nil, fmt.Errorf("%w: %s", ErrChunkInProgress, uploadID)
	}
	c.inflight[k] = struct{}{}
	return func() {
		c.mu.Lock()
		delete(c.inflight, k)
		c.mu.Unlock()
	}, nil
}

// InFlight returns the number of chunk requests currently writing parts.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}
