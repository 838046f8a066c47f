package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Config selects a provider type and carries its credential fields.
//
// The required field set is determined entirely by Type. A Config is treated
// as an immutable value: reconfiguration replaces it wholesale.
type Config struct {
	Type        ProviderType      `json:"provider_type" yaml:"provider_type" mapstructure:"provider_type"`
	Credentials map[string]string `json:"credentials" yaml:"credentials" mapstructure:"credentials"`
}

// Credential field names shared across vendors.
const (
	FieldAccessKey        = "access_key"
	FieldSecretKey        = "secret_key"
	FieldBucket           = "bucket"
	FieldRegion           = "region"
	FieldAccountID        = "account_id"
	FieldEndpoint         = "endpoint"
	FieldApplicationKeyID = "application_key_id"
	FieldApplicationKey   = "application_key"
	FieldBucketName       = "bucket_name"
	FieldProjectID        = "project_id"
	FieldCredentialsJSON  = "credentials_json"
	FieldBaseDir          = "base_dir"
)

var requiredFields = map[ProviderType][]string{
	ProviderAWS:          {FieldAccessKey, FieldSecretKey, FieldBucket, FieldRegion},
	ProviderWasabi:       {FieldAccessKey, FieldSecretKey, FieldBucket, FieldRegion},
	ProviderDigitalOcean: {FieldAccessKey, FieldSecretKey, FieldBucket, FieldRegion},
	ProviderCloudflare:   {FieldAccountID, FieldAccessKey, FieldSecretKey, FieldBucket},
	ProviderHetzner:      {FieldAccessKey, FieldSecretKey, FieldBucket, FieldRegion},
	ProviderBackblaze:    {FieldApplicationKeyID, FieldApplicationKey, FieldBucketName},
	ProviderGCS:          {FieldProjectID, FieldBucketName, FieldCredentialsJSON},
	ProviderLocal:        {FieldBaseDir},
}

// secretFields are never echoed back to clients or logs.
var secretFields = map[string]bool{
	FieldSecretKey:       true,
	FieldApplicationKey:  true,
	FieldCredentialsJSON: true,
}

// KnownTypes returns the supported provider types in sorted order.
func KnownTypes() []ProviderType {
	types := make([]ProviderType, 0, len(requiredFields))
	for t := range requiredFields {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// RequiredFields returns the credential fields required by t.
func RequiredFields(t ProviderType) ([]string, bool) {
	fields, ok := requiredFields[t]
	if !ok {
		return nil, false
	}
	out := make([]string, len(fields))
	copy(out, fields)
	return out, true
}

// Validate checks the type tag and that every required field is present and
// non-blank. It performs no network calls.
func (c Config) Validate() error {
	fields, ok := requiredFields[c.Type]
	if !ok {
		return &ProviderError{Op: "Validate", Provider: c.Type, Err: ErrUnsupportedProvider}
	}
	for _, f := range fields {
		if strings.TrimSpace(c.Credentials[f]) == "" {
			return &ConfigError{Provider: c.Type, Field: f, Message: "field is required"}
		}
	}
	return nil
}

// Get returns a trimmed credential value.
func (c Config) Get(field string) string {
	return strings.TrimSpace(c.Credentials[field])
}

// Bucket returns the configured bucket name regardless of the vendor's field name.
func (c Config) Bucket() string {
	if b := c.Get(FieldBucket); b != "" {
		return b
	}
	if b := c.Get(FieldBucketName); b != "" {
		return b
	}
	return c.Get(FieldBaseDir)
}

// Redacted returns a copy of the credentials with secret values masked.
func (c Config) Redacted() map[string]string {
	out := make(map[string]string, len(c.Credentials))
	for k, v := range c.Credentials {
		if secretFields[k] && v != "" {
			out[k] = "****"
			continue
		}
		out[k] = v
	}
	return out
}

// Fingerprint returns a stable digest identifying this exact configuration.
func (c Config) Fingerprint() string {
	keys := make([]string, 0, len(c.Credentials))
	for k := range c.Credentials {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(c.Type))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(c.Credentials[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}
