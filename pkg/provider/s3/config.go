// Package s3 implements the provider interface for AWS S3 and the
// S3-compatible vendors (Wasabi, DigitalOcean Spaces, Cloudflare R2, Hetzner).
package s3

import (
	"slices"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/3leaps/nimbusgate/pkg/provider"
)

// Config configures an S3 provider.
//
// Vendor selects endpoint construction, addressing style and region rules
// from the vendor table. Endpoint, when set, overrides the derived endpoint
// (useful for moto or MinIO during development).
type Config struct {
	// Vendor is the S3-compatible vendor. Empty means AWS.
	Vendor provider.ProviderType

	// Bucket is the bucket name (required).
	Bucket string

	// Region is the vendor region. Cloudflare R2 always uses "auto".
	Region string

	// Endpoint is a custom endpoint URL. Leave empty to derive it from Vendor.
	Endpoint string

	// AccessKeyID and SecretAccessKey are the static credentials.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle forces path-style URLs (bucket in path, not subdomain).
	ForcePathStyle bool

	// MaxKeys is the page size for list operations.
	// Zero uses the provider default (1000). Values over 1000 are clamped.
	MaxKeys int

	// PartSize is the part size used when streaming uploads of unknown length.
	// Zero uses the SDK uploader default.
	PartSize int64

	// SkipBucketCheck disables the HeadBucket check during construction.
	SkipBucketCheck bool
}

// DefaultMaxKeys is the default page size for List operations.
const DefaultMaxKeys = 1000

// MaxAllowedKeys is the maximum page size allowed by S3.
const MaxAllowedKeys = 1000

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// credentialFields is the credential map shape shared by all S3 vendors.
type credentialFields struct {
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	AccountID string `mapstructure:"account_id"`
	Endpoint  string `mapstructure:"endpoint"`
}

// ConfigFromCredentials builds a Config for vendor from a credential map,
// applying the vendor's endpoint template, region and addressing rules.
func ConfigFromCredentials(vendor provider.ProviderType, creds map[string]string) (Config, error) {
	v, ok := vendors[vendor]
	if !ok {
		return Config{}, &provider.ProviderError{Op: "Config", Provider: vendor, Err: provider.ErrUnsupportedProvider}
	}

	var fields credentialFields
	if err := mapstructure.Decode(creds, &fields); err != nil {
		return Config{}, &provider.ConfigError{Provider: vendor, Field: "credentials", Message: err.Error()}
	}

	region := strings.TrimSpace(fields.Region)
	if v.fixedRegion != "" {
		region = v.fixedRegion
	}

	if v.needsAccountID && strings.TrimSpace(fields.AccountID) == "" {
		return Config{}, &provider.ConfigError{Provider: vendor, Field: provider.FieldAccountID, Message: "field is required"}
	}

	endpoint := strings.TrimSpace(fields.Endpoint)
	if endpoint == "" {
		endpoint = v.endpoint(region, strings.TrimSpace(fields.AccountID))
	}

	cfg := Config{
		Vendor:          vendor,
		Bucket:          strings.TrimSpace(fields.Bucket),
		Region:          region,
		Endpoint:        endpoint,
		AccessKeyID:     strings.TrimSpace(fields.AccessKey),
		SecretAccessKey: strings.TrimSpace(fields.SecretKey),
		ForcePathStyle:  v.pathStyle || fields.Endpoint != "",
	}
	return cfg, cfg.Validate()
}

// Validate checks that required configuration is present and that bucket
// and region match the vendor's rules.
func (c *Config) Validate() error {
	vendor := c.vendor()
	v, ok := vendors[vendor]
	if !ok {
		return &provider.ProviderError{Op: "Validate", Provider: vendor, Err: provider.ErrUnsupportedProvider}
	}

	if c.Bucket == "" {
		return &provider.ConfigError{Provider: vendor, Field: "Bucket", Message: "bucket name is required"}
	}
	if v.bucketPattern != nil && !v.bucketPattern.MatchString(c.Bucket) {
		return &provider.ConfigError{Provider: vendor, Field: "Bucket", Message: "invalid bucket name format"}
	}

	// If one explicit credential is set, both must be set
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &provider.ConfigError{
			Provider: vendor,
			Field:    "AccessKeyID/SecretAccessKey",
			Message:  "both access key ID and secret access key must be provided together",
		}
	}

	if len(v.regions) > 0 && !slices.Contains(v.regions, c.Region) {
		return &provider.ConfigError{
			Provider: vendor,
			Field:    "Region",
			Message:  "unsupported region " + c.Region + " (valid: " + strings.Join(v.regions, ", ") + ")",
		}
	}

	return nil
}

func (c *Config) vendor() provider.ProviderType {
	if c.Vendor == "" {
		return provider.ProviderAWS
	}
	return c.Vendor
}
