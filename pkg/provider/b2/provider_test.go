package b2

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Backblaze/blazer/b2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusgate/pkg/provider"
)

func TestConfigFromCredentials(t *testing.T) {
	valid := map[string]string{
		"application_key_id": " 0012ab ",
		"application_key":    "K001secret",
		"bucket_name":        "my-b2-bucket",
	}

	cfg, err := ConfigFromCredentials(valid)
	require.NoError(t, err)
	assert.Equal(t, "0012ab", cfg.KeyID)
	assert.Equal(t, "K001secret", cfg.ApplicationKey)
	assert.Equal(t, "my-b2-bucket", cfg.Bucket)

	tests := []struct {
		name      string
		mutate    func(map[string]string)
		wantField string
	}{
		{"missing key id", func(m map[string]string) { delete(m, "application_key_id") }, provider.FieldApplicationKeyID},
		{"missing key", func(m map[string]string) { m["application_key"] = "  " }, provider.FieldApplicationKey},
		{"missing bucket", func(m map[string]string) { delete(m, "bucket_name") }, provider.FieldBucketName},
		{"short bucket", func(m map[string]string) { m["bucket_name"] = "abc" }, provider.FieldBucketName},
		{"uppercase bucket", func(m map[string]string) { m["bucket_name"] = "My-Bucket" }, provider.FieldBucketName},
		{"dotted bucket", func(m map[string]string) { m["bucket_name"] = "my.bucket" }, provider.FieldBucketName},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds := make(map[string]string, len(valid))
			for k, v := range valid {
				creds[k] = v
			}
			tt.mutate(creds)

			_, err := ConfigFromCredentials(creds)
			require.Error(t, err)
			assert.True(t, provider.IsInvalidCredentialFormat(err))

			var cfgErr *provider.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantField, cfgErr.Field)
			assert.Equal(t, provider.ProviderBackblaze, cfgErr.Provider)
		})
	}
}

func TestNew_InvalidConfigMakesNoCalls(t *testing.T) {
	_, err := New(context.Background(), Config{KeyID: "id", ApplicationKey: "key"})
	require.Error(t, err)
	assert.True(t, provider.IsInvalidCredentialFormat(err))
}

func TestShareURL_RejectsNonPositiveExpiry(t *testing.T) {
	p := &Provider{}
	for _, d := range []time.Duration{0, -time.Second} {
		_, err := p.ShareURL(context.Background(), "a.txt", d)
		assert.ErrorIs(t, err, provider.ErrInvalidExpiry, d)
	}
}

func TestClampExpiry(t *testing.T) {
	assert.Equal(t, time.Second, clampExpiry(10*time.Millisecond))
	assert.Equal(t, 30*time.Minute, clampExpiry(30*time.Minute))
	assert.Equal(t, MaxAuthExpiry, clampExpiry(30*24*time.Hour))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"bad auth token", errors.New("b2 error 401: bad_auth_token"), provider.ErrInvalidCredentials},
		{"unauthorized", errors.New("unauthorized: key revoked"), provider.ErrInvalidCredentials},
		{"access denied", errors.New("403 access_denied"), provider.ErrAccessDenied},
		{"rate limited", errors.New("429 too_many_requests"), provider.ErrThrottled},
		{"bad file name", errors.New("400 bad_request: file name too long"), provider.ErrInvalidKey},
		{"unavailable", errors.New("503 service_unavailable"), provider.ErrProviderUnavailable},
		{"dns", errors.New("dial tcp: lookup api.backblazeb2.com: no such host"), provider.ErrProviderUnavailable},
		{"bucket missing", errors.New("my-bucket: bucket not found"), provider.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tt.err), tt.want)
		})
	}

	t.Run("context errors pass through", func(t *testing.T) {
		err := fmt.Errorf("upload: %w", context.Canceled)
		assert.ErrorIs(t, classify(err), context.Canceled)
	})

	t.Run("unknown keeps original", func(t *testing.T) {
		orig := errors.New("something odd")
		assert.Equal(t, orig, classify(orig))
	})

	t.Run("nil", func(t *testing.T) {
		assert.EqualError(t, classify(nil), "unknown error")
	})
}

func TestWrapError(t *testing.T) {
	err := wrapError("Stat", "bkt", "k.txt", errors.New("401 bad_auth_token"))
	var pe *provider.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, provider.ProviderBackblaze, pe.Provider)
	assert.Equal(t, "Stat", pe.Op)
	assert.True(t, provider.IsAuthFailure(err))
}

func TestWriterOptions(t *testing.T) {
	assert.Empty(t, writerOptions("notes/README"))

	opts := writerOptions("docs/report.pdf")
	require.Len(t, opts, 1)
	w := &b2.Writer{}
	assert.NotPanics(t, func() {
		for _, opt := range opts {
			opt(w)
		}
	})
}
