package provider

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for provider operations.
var (
	// ErrNotFound indicates the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrAccessDenied indicates insufficient permissions.
	ErrAccessDenied = errors.New("access denied")

	// ErrBucketNotFound indicates the bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProviderUnavailable indicates the provider service is unavailable.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrThrottled indicates the request was rate limited by the provider.
	ErrThrottled = errors.New("request throttled")

	// ErrUnsupportedProvider indicates an unknown provider type tag.
	ErrUnsupportedProvider = errors.New("unsupported provider")

	// ErrInvalidCredentialFormat indicates a required credential field is
	// missing or malformed.
	ErrInvalidCredentialFormat = errors.New("invalid credential format")

	// ErrInvalidKey indicates the backend rejected the object name.
	ErrInvalidKey = errors.New("invalid object key")

	// ErrIncompleteMultipart indicates parts were uploaded but the multipart
	// upload could not be completed. The upload may still be open.
	ErrIncompleteMultipart = errors.New("multipart upload incomplete")

	// ErrInvalidExpiry indicates a share URL lifetime that is not positive.
	ErrInvalidExpiry = errors.New("share expiry must be positive")
)

// CheckShareExpiry rejects non-positive share URL lifetimes. Adapters clamp
// long lifetimes to their vendor maximum but never invent a short one.
func CheckShareExpiry(expires time.Duration) error {
	if expires <= 0 {
		return fmt.Errorf("%w: got %s", ErrInvalidExpiry, expires)
	}
	return nil
}

// ProviderError wraps provider-specific errors with context.
type ProviderError struct {
	// Op is the operation that failed (e.g., "ListFiles", "UploadPart").
	Op string

	// Provider is the provider type (e.g., "wasabi").
	Provider ProviderType

	// Bucket is the bucket name, if applicable.
	Bucket string

	// Key is the object key, if applicable.
	Key string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Provider, e.Op, e.Bucket, e.Key, e.Err)
	}
	if e.Bucket != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Bucket, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ConfigError reports a field-specific configuration problem found before
// any network call is made.
type ConfigError struct {
	Provider ProviderType
	Field    string
	Message  string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return string(e.Provider) + " config: " + e.Field + ": " + e.Message
}

// Unwrap makes every ConfigError match ErrInvalidCredentialFormat.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidCredentialFormat
}

// IsNotFound returns true if the error indicates an object was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAccessDenied returns true if the error indicates insufficient permissions.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsBucketNotFound returns true if the error indicates the bucket does not exist.
func IsBucketNotFound(err error) bool {
	return errors.Is(err, ErrBucketNotFound)
}

// IsInvalidCredentials returns true if the error indicates authentication failed.
func IsInvalidCredentials(err error) bool {
	return errors.Is(err, ErrInvalidCredentials)
}

// IsProviderUnavailable returns true if the error indicates the provider service is unavailable.
func IsProviderUnavailable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}

// IsThrottled returns true if the error indicates the request was rate limited.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}

// IsUnsupportedProvider returns true if the error names an unknown provider type.
func IsUnsupportedProvider(err error) bool {
	return errors.Is(err, ErrUnsupportedProvider)
}

// IsInvalidCredentialFormat returns true if configuration failed validation.
func IsInvalidCredentialFormat(err error) bool {
	return errors.Is(err, ErrInvalidCredentialFormat)
}

// IsInvalidKey returns true if the backend rejected an object name.
func IsInvalidKey(err error) bool {
	return errors.Is(err, ErrInvalidKey)
}

// IsIncompleteMultipart returns true if a multipart completion failed.
func IsIncompleteMultipart(err error) bool {
	return errors.Is(err, ErrIncompleteMultipart)
}

// IsAuthFailure returns true for any credential or permission failure.
func IsAuthFailure(err error) bool {
	return IsInvalidCredentials(err) || IsAccessDenied(err)
}
