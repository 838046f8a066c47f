package provider

import (
	"context"
	"io"
	"time"
)

// Optional provider capability interfaces.
//
// These interfaces are used for feature detection (type assertions). The core
// Provider interface remains intentionally small.

// ObjectStatter returns metadata for a single object.
type ObjectStatter interface {
	// Stat returns ErrNotFound if the object does not exist.
	Stat(ctx context.Context, key string) (*ObjectMeta, error)
}

// ObjectRanger can read an inclusive byte range of an object.
//
// The returned length is the number of bytes the reader will yield, which may
// be shorter than requested at the end of the object.
type ObjectRanger interface {
	GetRange(ctx context.Context, key string, start, endInclusive int64) (io.ReadCloser, int64, error)
}

// CompletedPart identifies one uploaded part of a multipart upload.
type CompletedPart struct {
	// PartNumber is 1-indexed.
	PartNumber int32

	// ETag is the integrity tag returned by the vendor for the part.
	ETag string

	// Size is the part size in bytes, when known.
	Size int64
}

// MultipartUpload describes an open (uncompleted, unaborted) multipart upload.
type MultipartUpload struct {
	Key       string
	UploadID  string
	Initiated time.Time
}

// MultipartUploader exposes the vendor multipart protocol.
//
// Upload IDs are opaque vendor-assigned strings. Part numbers start at 1 and
// must be strictly increasing at completion. The object becomes visible only
// after CompleteMultipartUpload succeeds.
type MultipartUploader interface {
	CreateMultipartUpload(ctx context.Context, key string) (uploadID string, err error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) (CompletedPart, error)
	ListParts(ctx context.Context, key, uploadID string) ([]CompletedPart, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
	ListMultipartUploads(ctx context.Context, prefix string) ([]MultipartUpload, error)
}

// Composer concatenates existing objects into dst server-side.
type Composer interface {
	Compose(ctx context.Context, dst string, srcs []string) error
}
