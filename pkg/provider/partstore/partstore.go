// Package partstore emulates the multipart upload protocol on top of any
// backend that can store plain objects.
//
// Each upload lives under a hidden staging prefix:
//
//	.nimbusgate-uploads/<upload-id>/upload.json             target key + start time
//	.nimbusgate-uploads/<upload-id>/part-00001              part payload
//	.nimbusgate-uploads/<upload-id>/part-00001.etag-<md5>   empty tag object
//
// The part's MD5 is encoded in the tag object's name so ListParts can recover
// integrity tags from a listing alone. A payload without a tag object is
// treated as missing. Completion either composes parts
// server-side (when the backend implements provider.Composer) or streams
// them back into a single upload.
package partstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/nimbusgate/pkg/provider"
)

// StagingPrefix is the hidden prefix holding in-progress uploads.
const StagingPrefix = ".nimbusgate-uploads/"

const (
	markerName = "upload.json"
	partPrefix = "part-"
	tagInfix   = ".etag-"
)

// Backend is the object surface the emulation needs.
type Backend interface {
	UploadFile(ctx context.Context, key string, body io.Reader) error
	DownloadFile(ctx context.Context, key string) (io.ReadCloser, error)
	DeleteFile(ctx context.Context, key string) error
	ListFiles(ctx context.Context, prefix string) ([]provider.FileEntry, error)
}

// Store implements provider.MultipartUploader over a Backend.
type Store struct {
	backend  Backend
	composer provider.Composer
	vendor   provider.ProviderType
	now      func() time.Time
}

var _ provider.MultipartUploader = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithComposer completes uploads with server-side composition.
func WithComposer(c provider.Composer) Option {
	return func(s *Store) { s.composer = c }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a Store persisting parts through backend. vendor is used only
// for error context.
func New(backend Backend, vendor provider.ProviderType, opts ...Option) *Store {
	s := &Store{backend: backend, vendor: vendor, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type marker struct {
	Key       string    `json:"key"`
	Initiated time.Time `json:"initiated"`
}

// IsStagingKey reports whether key belongs to the staging area.
func IsStagingKey(key string) bool {
	return strings.HasPrefix(key, StagingPrefix)
}

func uploadDir(uploadID string) string {
	return StagingPrefix + uploadID + "/"
}

func partKey(uploadID string, partNumber int32) string {
	return fmt.Sprintf("%s%s%05d", uploadDir(uploadID), partPrefix, partNumber)
}

func tagKey(uploadID string, partNumber int32, etag string) string {
	return partKey(uploadID, partNumber) + tagInfix + etag
}

// CreateMultipartUpload records a new upload for key.
func (s *Store) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	uploadID := uuid.NewString()
	m := marker{Key: key, Initiated: s.now().UTC()}
	data, err := json.Marshal(m)
	if err != nil {
		return "", s.wrap("CreateMultipartUpload", key, err)
	}
	if err := s.backend.UploadFile(ctx, uploadDir(uploadID)+markerName, strings.NewReader(string(data))); err != nil {
		return "", s.wrap("CreateMultipartUpload", key, err)
	}
	return uploadID, nil
}

// UploadPart stores one part and returns its MD5 tag. Re-uploading a part
// number replaces the earlier payload.
func (s *Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) (provider.CompletedPart, error) {
	if partNumber < 1 {
		return provider.CompletedPart{}, s.wrap("UploadPart", key, fmt.Errorf("%w: part number %d", provider.ErrInvalidKey, partNumber))
	}
	if err := s.checkUpload(ctx, key, uploadID); err != nil {
		return provider.CompletedPart{}, s.wrap("UploadPart", key, err)
	}

	h := md5.New()
	counter := &countingReader{r: io.TeeReader(body, h)}
	if err := s.backend.UploadFile(ctx, partKey(uploadID, partNumber), counter); err != nil {
		return provider.CompletedPart{}, s.wrap("UploadPart", key, err)
	}
	etag := hex.EncodeToString(h.Sum(nil))

	stale, err := s.backend.ListFiles(ctx, partKey(uploadID, partNumber)+tagInfix)
	if err != nil {
		return provider.CompletedPart{}, s.wrap("UploadPart", key, err)
	}
	if err := s.backend.UploadFile(ctx, tagKey(uploadID, partNumber, etag), strings.NewReader("")); err != nil {
		return provider.CompletedPart{}, s.wrap("UploadPart", key, err)
	}
	for _, e := range stale {
		if e.Name != tagKey(uploadID, partNumber, etag) {
			_ = s.backend.DeleteFile(ctx, e.Name)
		}
	}

	if size >= 0 && counter.n != size {
		return provider.CompletedPart{}, s.wrap("UploadPart", key, fmt.Errorf("part %d: read %d bytes, expected %d", partNumber, counter.n, size))
	}

	return provider.CompletedPart{PartNumber: partNumber, ETag: etag, Size: counter.n}, nil
}

// ListParts returns the stored parts ordered by part number.
func (s *Store) ListParts(ctx context.Context, key, uploadID string) ([]provider.CompletedPart, error) {
	if err := s.checkUpload(ctx, key, uploadID); err != nil {
		return nil, s.wrap("ListParts", key, err)
	}
	objs, err := s.listPartObjects(ctx, uploadID)
	if err != nil {
		return nil, s.wrap("ListParts", key, err)
	}
	parts := make([]provider.CompletedPart, 0, len(objs))
	for _, obj := range objs {
		parts = append(parts, obj.part)
	}
	return parts, nil
}

// CompleteMultipartUpload assembles parts into key and removes the staging
// objects. Every listed part must exist with a matching tag and part
// numbers must be strictly increasing.
func (s *Store) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []provider.CompletedPart) error {
	if err := s.checkUpload(ctx, key, uploadID); err != nil {
		return s.wrap("CompleteMultipartUpload", key, err)
	}
	if len(parts) == 0 {
		return s.wrap("CompleteMultipartUpload", key, fmt.Errorf("%w: no parts", provider.ErrIncompleteMultipart))
	}

	objs, err := s.listPartObjects(ctx, uploadID)
	if err != nil {
		return s.wrap("CompleteMultipartUpload", key, err)
	}
	stored := make(map[int32]partObject, len(objs))
	for _, obj := range objs {
		stored[obj.part.PartNumber] = obj
	}

	srcs := make([]string, 0, len(parts))
	var last int32
	for _, part := range parts {
		if part.PartNumber <= last {
			return s.wrap("CompleteMultipartUpload", key, fmt.Errorf("%w: part %d out of order", provider.ErrIncompleteMultipart, part.PartNumber))
		}
		last = part.PartNumber
		obj, ok := stored[part.PartNumber]
		if !ok || (part.ETag != "" && obj.part.ETag != part.ETag) {
			return s.wrap("CompleteMultipartUpload", key, fmt.Errorf("%w: part %d missing or changed", provider.ErrIncompleteMultipart, part.PartNumber))
		}
		srcs = append(srcs, obj.key)
	}

	if s.composer != nil {
		err = s.composer.Compose(ctx, key, srcs)
	} else {
		err = s.backend.UploadFile(ctx, key, &concatReader{ctx: ctx, backend: s.backend, keys: srcs})
	}
	if err != nil {
		return s.wrap("CompleteMultipartUpload", key, fmt.Errorf("%w: %w", provider.ErrIncompleteMultipart, err))
	}

	if err := s.removeUpload(ctx, uploadID); err != nil {
		return s.wrap("CompleteMultipartUpload", key, err)
	}
	return nil
}

// AbortMultipartUpload discards all staged objects of the upload.
func (s *Store) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	if err := s.checkUpload(ctx, key, uploadID); err != nil {
		return s.wrap("AbortMultipartUpload", key, err)
	}
	if err := s.removeUpload(ctx, uploadID); err != nil {
		return s.wrap("AbortMultipartUpload", key, err)
	}
	return nil
}

// ListMultipartUploads returns open uploads whose target key starts with prefix.
func (s *Store) ListMultipartUploads(ctx context.Context, prefix string) ([]provider.MultipartUpload, error) {
	entries, err := s.backend.ListFiles(ctx, StagingPrefix)
	if err != nil {
		return nil, s.wrap("ListMultipartUploads", "", err)
	}

	var uploads []provider.MultipartUpload
	for _, e := range entries {
		rest := strings.TrimPrefix(e.Name, StagingPrefix)
		id, name, ok := strings.Cut(rest, "/")
		if !ok || name != markerName {
			continue
		}
		m, err := s.readMarker(ctx, id)
		if err != nil {
			if provider.IsNotFound(err) {
				continue
			}
			return nil, s.wrap("ListMultipartUploads", "", err)
		}
		if !strings.HasPrefix(m.Key, prefix) {
			continue
		}
		uploads = append(uploads, provider.MultipartUpload{Key: m.Key, UploadID: id, Initiated: m.Initiated})
	}

	sort.Slice(uploads, func(i, j int) bool { return uploads[i].Initiated.Before(uploads[j].Initiated) })
	return uploads, nil
}

func (s *Store) readMarker(ctx context.Context, uploadID string) (*marker, error) {
	body, err := s.backend.DownloadFile(ctx, uploadDir(uploadID)+markerName)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	var m marker
	if err := json.NewDecoder(body).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode upload marker: %w", err)
	}
	return &m, nil
}

// checkUpload verifies the upload exists and targets key.
func (s *Store) checkUpload(ctx context.Context, key, uploadID string) error {
	if _, err := uuid.Parse(uploadID); err != nil {
		return fmt.Errorf("%w: unknown upload id %q", provider.ErrNotFound, uploadID)
	}
	m, err := s.readMarker(ctx, uploadID)
	if err != nil {
		if provider.IsNotFound(err) {
			return fmt.Errorf("%w: no such upload %s", provider.ErrNotFound, uploadID)
		}
		return err
	}
	if m.Key != key {
		return fmt.Errorf("%w: upload %s targets %q", provider.ErrNotFound, uploadID, m.Key)
	}
	return nil
}

type partObject struct {
	key  string
	part provider.CompletedPart
}

func (s *Store) listPartObjects(ctx context.Context, uploadID string) ([]partObject, error) {
	dir := uploadDir(uploadID)
	entries, err := s.backend.ListFiles(ctx, dir+partPrefix)
	if err != nil {
		return nil, err
	}

	sizes := make(map[int32]int64)
	tags := make(map[int32]string)
	for _, e := range entries {
		num, etag, ok := parsePartName(strings.TrimPrefix(e.Name, dir))
		if !ok {
			continue
		}
		if etag == "" {
			sizes[num] = e.Size
		} else {
			tags[num] = etag
		}
	}

	objs := make([]partObject, 0, len(tags))
	for num, etag := range tags {
		size, ok := sizes[num]
		if !ok {
			continue
		}
		objs = append(objs, partObject{
			key:  partKey(uploadID, num),
			part: provider.CompletedPart{PartNumber: num, ETag: etag, Size: size},
		})
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].part.PartNumber < objs[j].part.PartNumber })
	return objs, nil
}

// parsePartName decodes "part-00001" (payload) or "part-00001.etag-<md5>" (tag).
func parsePartName(name string) (int32, string, bool) {
	rest, ok := strings.CutPrefix(name, partPrefix)
	if !ok {
		return 0, "", false
	}
	num, etag, hasTag := strings.Cut(rest, tagInfix)
	if hasTag && len(etag) != md5.Size*2 {
		return 0, "", false
	}
	n, err := strconv.ParseInt(num, 10, 32)
	if err != nil || n < 1 {
		return 0, "", false
	}
	return int32(n), etag, true
}

func (s *Store) removeUpload(ctx context.Context, uploadID string) error {
	dir := uploadDir(uploadID)
	entries, err := s.backend.ListFiles(ctx, dir)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if e.Name == dir+markerName {
			continue
		}
		if err := s.backend.DeleteFile(ctx, e.Name); err != nil {
			errs = append(errs, err)
		}
	}
	// Marker last so a partial cleanup is still listed as open.
	if len(errs) == 0 {
		if err := s.backend.DeleteFile(ctx, dir+markerName); err != nil {
			errs = append(errs, err)
		}
		// Directory-backed stores keep an empty folder behind.
		_ = s.backend.DeleteFile(ctx, dir)
	}
	return errors.Join(errs...)
}

func (s *Store) wrap(op, key string, err error) error {
	if pe, ok := err.(*provider.ProviderError); ok {
		return &provider.ProviderError{Op: op, Provider: s.vendor, Bucket: pe.Bucket, Key: key, Err: pe.Err}
	}
	return &provider.ProviderError{Op: op, Provider: s.vendor, Key: key, Err: err}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// concatReader opens each part only when the previous one is exhausted.
type concatReader struct {
	ctx     context.Context
	backend Backend
	keys    []string
	cur     io.ReadCloser
}

func (c *concatReader) Read(p []byte) (int, error) {
	for {
		if c.cur == nil {
			if len(c.keys) == 0 {
				return 0, io.EOF
			}
			body, err := c.backend.DownloadFile(c.ctx, c.keys[0])
			if err != nil {
				return 0, err
			}
			c.cur = body
			c.keys = c.keys[1:]
		}
		n, err := c.cur.Read(p)
		if err == io.EOF {
			_ = c.cur.Close()
			c.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}
