package gcs

import (
	"strings"

	"cloud.google.com/go/storage"
	"github.com/go-viper/mapstructure/v2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"

	"github.com/3leaps/nimbusgate/pkg/provider"
)

// Config configures a Google Cloud Storage provider.
type Config struct {
	ProjectID       string `mapstructure:"project_id"`
	Bucket          string `mapstructure:"bucket_name"`
	CredentialsJSON string `mapstructure:"credentials_json"`

	// Endpoint overrides the JSON API endpoint (emulators). Optional.
	Endpoint string `mapstructure:"endpoint"`

	// ChunkSize is the resumable upload chunk size. Zero uses the library default.
	ChunkSize int `mapstructure:"-"`

	jwt *jwt.Config
}

// ConfigFromCredentials decodes a credential map and parses the service
// account document once. Malformed JSON is a config error.
func ConfigFromCredentials(creds map[string]string) (Config, error) {
	var cfg Config
	if err := mapstructure.Decode(creds, &cfg); err != nil {
		return Config{}, configError("credentials", err.Error())
	}
	cfg.ProjectID = strings.TrimSpace(cfg.ProjectID)
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and parses the service account document.
func (c *Config) Validate() error {
	switch {
	case c.ProjectID == "":
		return configError(provider.FieldProjectID, "field is required")
	case c.Bucket == "":
		return configError(provider.FieldBucketName, "field is required")
	case strings.TrimSpace(c.CredentialsJSON) == "":
		return configError(provider.FieldCredentialsJSON, "field is required")
	}
	if c.jwt == nil {
		jc, err := google.JWTConfigFromJSON([]byte(c.CredentialsJSON), storage.ScopeFullControl)
		if err != nil {
			return configError(provider.FieldCredentialsJSON, "invalid service account JSON: "+err.Error())
		}
		c.jwt = jc
	}
	return nil
}

// ServiceAccount returns the client email of the parsed service account.
func (c *Config) ServiceAccount() string {
	if c.jwt == nil {
		return ""
	}
	return c.jwt.Email
}

func configError(field, msg string) error {
	return &provider.ConfigError{Provider: provider.ProviderGCS, Field: field, Message: msg}
}
