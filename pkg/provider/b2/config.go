package b2

import (
	"regexp"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/3leaps/nimbusgate/pkg/provider"
)

// bucketPattern is B2's bucket naming rule.
var bucketPattern = regexp.MustCompile(`^[a-z0-9-]{6,50}$`)

// Config configures a Backblaze B2 provider.
type Config struct {
	// KeyID is the application key ID (or master account ID).
	KeyID string `mapstructure:"application_key_id"`

	// ApplicationKey is the secret half of the key pair.
	ApplicationKey string `mapstructure:"application_key"`

	// Bucket is the bucket name.
	Bucket string `mapstructure:"bucket_name"`

	// ConcurrentUploads sets parallel large-file parts inside one UploadFile.
	// Zero uses 1.
	ConcurrentUploads int `mapstructure:"-"`
}

// ConfigFromCredentials decodes a credential map into a Config and validates it.
func ConfigFromCredentials(creds map[string]string) (Config, error) {
	var cfg Config
	if err := mapstructure.Decode(creds, &cfg); err != nil {
		return Config{}, &provider.ConfigError{Provider: provider.ProviderBackblaze, Field: "credentials", Message: err.Error()}
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)
	cfg.ApplicationKey = strings.TrimSpace(cfg.ApplicationKey)
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and the bucket name format.
func (c Config) Validate() error {
	switch {
	case c.KeyID == "":
		return configError(provider.FieldApplicationKeyID, "field is required")
	case c.ApplicationKey == "":
		return configError(provider.FieldApplicationKey, "field is required")
	case c.Bucket == "":
		return configError(provider.FieldBucketName, "field is required")
	case !bucketPattern.MatchString(c.Bucket):
		return configError(provider.FieldBucketName, "invalid bucket name format")
	}
	return nil
}

func configError(field, msg string) error {
	return &provider.ConfigError{Provider: provider.ProviderBackblaze, Field: field, Message: msg}
}
