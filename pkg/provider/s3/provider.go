package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/nimbusgate/pkg/provider"
)

// MaxPresignExpiry is the longest lifetime SigV4 presigned URLs accept.
const MaxPresignExpiry = 7 * 24 * time.Hour

// Provider implements provider.Provider for AWS S3 and S3-compatible storage.
type Provider struct {
	client   *s3.Client
	presign  *s3.PresignClient
	uploader *manager.Uploader
	vendor   provider.ProviderType
	bucket   string
	maxKeys  int
}

// Ensure Provider implements the interfaces.
var (
	_ provider.Provider          = (*Provider)(nil)
	_ provider.ObjectStatter     = (*Provider)(nil)
	_ provider.ObjectRanger      = (*Provider)(nil)
	_ provider.MultipartUploader = (*Provider)(nil)
)

// NewFromCredentials builds a provider for vendor from a credential map.
func NewFromCredentials(ctx context.Context, vendor provider.ProviderType, creds map[string]string) (*Provider, error) {
	cfg, err := ConfigFromCredentials(vendor, creds)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg)
}

// New creates a new S3 provider with the given configuration.
//
// Unless SkipBucketCheck is set, New issues HeadBucket so that bad
// credentials or a missing bucket fail here rather than on first use.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	vendor := cfg.vendor()

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &provider.ProviderError{
			Op:       "New",
			Provider: vendor,
			Bucket:   cfg.Bucket,
			Err:      err,
		}
	}

	// Build S3 client options
	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}

	// Custom endpoint for S3-compatible stores
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Opts...)

	maxKeys := cfg.MaxKeys
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}

	p := &Provider{
		client:  client,
		presign: s3.NewPresignClient(client),
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			if cfg.PartSize > 0 {
				u.PartSize = cfg.PartSize
			}
		}),
		vendor:  vendor,
		bucket:  cfg.Bucket,
		maxKeys: maxKeys,
	}

	if !cfg.SkipBucketCheck {
		if err := p.checkBucket(ctx); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"", // session token (empty for long-term credentials)
		)
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)

	return awsCfg, nil
}

func (p *Provider) checkBucket(ctx context.Context) error {
	_, err := p.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(p.bucket)})
	if err == nil {
		return nil
	}
	wrapped := p.wrapError("New", "", err)
	// HeadBucket reports a missing bucket as a bare 404.
	var pe *provider.ProviderError
	if errors.As(wrapped, &pe) && errors.Is(pe.Err, provider.ErrNotFound) {
		pe.Err = provider.ErrBucketNotFound
	}
	return wrapped
}

// UploadFile streams body to key using the SDK upload manager, which
// switches to multipart transparently once body exceeds one part.
func (p *Provider) UploadFile(ctx context.Context, key string, body io.Reader) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if ct := provider.ContentTypeFor(key); ct != "" {
		input.ContentType = aws.String(ct)
	}

	if _, err := p.uploader.Upload(ctx, input); err != nil {
		return p.wrapError("UploadFile", key, err)
	}
	return nil
}

// DownloadFile returns the object body as a stream.
func (p *Provider) DownloadFile(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, p.wrapError("DownloadFile", key, err)
	}
	return out.Body, nil
}

// GetRange reads the inclusive byte range [start, endInclusive] of key.
func (p *Provider) GetRange(ctx context.Context, key string, start, endInclusive int64) (io.ReadCloser, int64, error) {
	if start < 0 || endInclusive < start {
		return nil, 0, &provider.ProviderError{
			Op: "GetRange", Provider: p.vendor, Bucket: p.bucket, Key: key,
			Err: fmt.Errorf("invalid range %d-%d", start, endInclusive),
		}
	}

	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", start, endInclusive)),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
			return io.NopCloser(strings.NewReader("")), 0, nil
		}
		return nil, 0, p.wrapError("GetRange", key, err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

// Stat returns metadata for a single object.
func (p *Provider) Stat(ctx context.Context, key string) (*provider.ObjectMeta, error) {
	out, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, p.wrapError("Stat", key, err)
	}

	return &provider.ObjectMeta{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         cleanETag(aws.ToString(out.ETag)),
		LastModified: aws.ToTime(out.LastModified),
		ContentType:  aws.ToString(out.ContentType),
	}, nil
}

// DeleteFile deletes an object. S3 already treats a missing key as success.
func (p *Provider) DeleteFile(ctx context.Context, key string) error {
	_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(p.bucket), Key: aws.String(key)})
	if err != nil {
		wrapped := p.wrapError("DeleteFile", key, err)
		if provider.IsNotFound(wrapped) {
			return nil
		}
		return wrapped
	}
	return nil
}

// ListFiles walks every ListObjectsV2 page under prefix.
func (p *Provider) ListFiles(ctx context.Context, prefix string) ([]provider.FileEntry, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		MaxKeys: aws.Int32(int32(clampMaxKeys(0, p.maxKeys))),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}

	var entries []provider.FileEntry
	paginator := s3.NewListObjectsV2Paginator(p.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, p.wrapError("ListFiles", "", err)
		}
		for _, obj := range page.Contents {
			entries = append(entries, provider.FileEntry{
				Name:         aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return entries, nil
}

// ShareURL presigns a GET for key. The object is not checked for existence.
func (p *Provider) ShareURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	if err := provider.CheckShareExpiry(expires); err != nil {
		return "", err
	}
	expires = min(expires, MaxPresignExpiry)
	req, err := p.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", p.wrapError("ShareURL", key, err)
	}
	return req.URL, nil
}

// Close releases any resources held by the provider.
// The S3 client doesn't require explicit cleanup, but this satisfies the interface.
func (p *Provider) Close() error {
	return nil
}

// Vendor returns the S3-compatible vendor this provider talks to.
func (p *Provider) Vendor() provider.ProviderType {
	return p.vendor
}

// wrapError converts S3 errors to provider errors with appropriate sentinel errors.
func (p *Provider) wrapError(op, key string, err error) error {
	wrapped := &provider.ProviderError{
		Op:       op,
		Provider: p.vendor,
		Bucket:   p.bucket,
		Key:      key,
		Err:      err,
	}

	if sentinel := classify(err); sentinel != nil {
		wrapped.Err = sentinel
	}
	return wrapped
}

// classify maps an SDK error to a provider sentinel, or nil if unknown.
func classify(err error) error {
	// Check for specific S3 error types first
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	var noSuchUpload *types.NoSuchUpload

	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey), errors.As(err, &noSuchUpload):
		return provider.ErrNotFound
	case errors.As(err, &noSuchBucket):
		return provider.ErrBucketNotFound
	}

	// Check smithy API errors for error codes
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchUpload":
			return provider.ErrNotFound
		case "NoSuchBucket":
			return provider.ErrBucketNotFound
		case "AccessDenied", "Forbidden", "AllAccessDisabled":
			return provider.ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidToken", "ExpiredToken":
			return provider.ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded", "TooManyRequests":
			return provider.ErrThrottled
		case "ServiceUnavailable", "InternalError":
			return provider.ErrProviderUnavailable
		case "KeyTooLongError", "InvalidObjectName", "InvalidArgument":
			return provider.ErrInvalidKey
		case "InvalidPart", "InvalidPartOrder", "EntityTooSmall":
			return provider.ErrIncompleteMultipart
		}
		return nil
	}

	// Fallback: check error message for common cases
	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "NoSuchKey") || strings.Contains(errMsg, "NotFound") || strings.Contains(errMsg, "404"):
		return provider.ErrNotFound
	case strings.Contains(errMsg, "NoSuchBucket"):
		return provider.ErrBucketNotFound
	case strings.Contains(errMsg, "AccessDenied") || strings.Contains(errMsg, "Forbidden") || strings.Contains(errMsg, "403"):
		return provider.ErrAccessDenied
	case strings.Contains(errMsg, "InvalidAccessKeyId") || strings.Contains(errMsg, "SignatureDoesNotMatch"):
		return provider.ErrInvalidCredentials
	case strings.Contains(errMsg, "SlowDown") || strings.Contains(errMsg, "Throttling") || strings.Contains(errMsg, "429"):
		return provider.ErrThrottled
	case strings.Contains(errMsg, "ServiceUnavailable") || strings.Contains(errMsg, "503"),
		strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "no such host"):
		return provider.ErrProviderUnavailable
	}
	return nil
}

// cleanETag removes surrounding quotes from an ETag value.
// S3 returns ETags with quotes, e.g., "d41d8cd98f00b204e9800998ecf8427e".
func cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

// clampMaxKeys applies defaults and limits to maxKeys values.
func clampMaxKeys(requested, providerDefault int) int {
	if requested <= 0 {
		requested = providerDefault
	}
	if requested > MaxAllowedKeys {
		return MaxAllowedKeys
	}
	return requested
}

// resolveRegion determines the final region to use after SDK config loading.
//
// sdkRegion already incorporates an explicit region or env/profile
// resolution. This only applies the fallback: AWS (no custom endpoint)
// defaults to us-east-1, S3-compatible stores get no default.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}

