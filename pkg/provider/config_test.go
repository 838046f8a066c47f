package provider

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fullCredentials(t ProviderType) map[string]string {
	fields, _ := RequiredFields(t)
	creds := make(map[string]string, len(fields))
	for _, f := range fields {
		creds[f] = "value-" + f
	}
	return creds
}

func TestConfig_Validate_MissingFieldPerType(t *testing.T) {
	for _, pt := range KnownTypes() {
		fields, ok := RequiredFields(pt)
		require.True(t, ok)

		for _, missing := range fields {
			t.Run(string(pt)+"/"+missing, func(t *testing.T) {
				creds := fullCredentials(pt)
				delete(creds, missing)

				err := Config{Type: pt, Credentials: creds}.Validate()
				require.Error(t, err)
				assert.True(t, IsInvalidCredentialFormat(err))

				var cfgErr *ConfigError
				require.True(t, errors.As(err, &cfgErr))
				assert.Equal(t, missing, cfgErr.Field)
				assert.Equal(t, pt, cfgErr.Provider)
			})
		}

		t.Run(string(pt)+"/complete", func(t *testing.T) {
			assert.NoError(t, Config{Type: pt, Credentials: fullCredentials(pt)}.Validate())
		})
	}
}

func TestConfig_Validate_BlankFieldIsMissing(t *testing.T) {
	creds := fullCredentials(ProviderAWS)
	creds[FieldRegion] = "   "

	err := Config{Type: ProviderAWS, Credentials: creds}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "region")
}

func TestConfig_Validate_UnknownType(t *testing.T) {
	err := Config{Type: "dropbox", Credentials: map[string]string{"bucket": "x"}}.Validate()
	require.Error(t, err)
	assert.True(t, IsUnsupportedProvider(err))
	assert.False(t, IsInvalidCredentialFormat(err))
}

func TestKnownTypes(t *testing.T) {
	types := KnownTypes()
	assert.ElementsMatch(t, []ProviderType{
		ProviderAWS, ProviderWasabi, ProviderDigitalOcean, ProviderCloudflare,
		ProviderHetzner, ProviderBackblaze, ProviderGCS, ProviderLocal,
	}, types)
}

func TestRequiredFields_ReturnsCopy(t *testing.T) {
	fields, ok := RequiredFields(ProviderGCS)
	require.True(t, ok)
	fields[0] = "mutated"

	again, _ := RequiredFields(ProviderGCS)
	assert.Equal(t, FieldProjectID, again[0])

	_, ok = RequiredFields("nope")
	assert.False(t, ok)
}

func TestConfig_Bucket(t *testing.T) {
	assert.Equal(t, "b1", Config{Credentials: map[string]string{FieldBucket: "b1"}}.Bucket())
	assert.Equal(t, "b2", Config{Credentials: map[string]string{FieldBucketName: "b2"}}.Bucket())
	assert.Equal(t, "/tmp/x", Config{Credentials: map[string]string{FieldBaseDir: "/tmp/x"}}.Bucket())
}

func TestConfig_Redacted(t *testing.T) {
	cfg := Config{Type: ProviderAWS, Credentials: map[string]string{
		FieldAccessKey: "AKIA",
		FieldSecretKey: "shh",
		FieldBucket:    "b",
	}}
	red := cfg.Redacted()
	assert.Equal(t, "AKIA", red[FieldAccessKey])
	assert.Equal(t, "****", red[FieldSecretKey])
	assert.Equal(t, "shh", cfg.Credentials[FieldSecretKey])
}

func TestConfig_Fingerprint(t *testing.T) {
	a := Config{Type: ProviderAWS, Credentials: map[string]string{"a": "1", "b": "2"}}
	b := Config{Type: ProviderAWS, Credentials: map[string]string{"b": "2", "a": "1"}}
	c := Config{Type: ProviderWasabi, Credentials: map[string]string{"a": "1", "b": "2"}}
	d := Config{Type: ProviderAWS, Credentials: map[string]string{"a": "12", "b": ""}}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), d.Fingerprint())
}

func TestFileEntry_IsFolder(t *testing.T) {
	assert.True(t, FileEntry{Name: "photos/"}.IsFolder())
	assert.False(t, FileEntry{Name: "photos/a.jpg"}.IsFolder())
}

func TestProviderType(t *testing.T) {
	assert.Equal(t, "hetzner", ProviderHetzner.String())
	assert.True(t, ProviderCloudflare.IsS3Compatible())
	assert.False(t, ProviderBackblaze.IsS3Compatible())
	assert.False(t, ProviderLocal.IsS3Compatible())
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "application/pdf", ContentTypeFor("docs/report.pdf"))
	assert.Equal(t, "image/png", ContentTypeFor("a/b/pic.png"))
	assert.Equal(t, "", ContentTypeFor("README"))
	assert.Equal(t, "application/yaml", ContentTypeFor("deploy/values.yml"))
	assert.Equal(t, "application/x-ndjson", ContentTypeFor("logs/events.NDJSON"))
	assert.Equal(t, "text/csv", ContentTypeFor("exports/q3.csv"))
}
