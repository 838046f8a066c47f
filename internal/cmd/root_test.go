package cmd

import (
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusgate/internal/credstore"
	"github.com/3leaps/nimbusgate/internal/server/handlers"
	"github.com/3leaps/nimbusgate/pkg/chunked"
	"github.com/3leaps/nimbusgate/pkg/provider"
)

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	t.Cleanup(func() { SetVersionInfo(orig.Version, orig.Commit, orig.BuildDate) })

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{"release", "1.0.0", "abc123", "2026-01-15"},
		{"dev", "dev", "HEAD", "unknown"},
		{"empty", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
			assert.Equal(t, tt.version, handlers.GetVersionInfo().Version)
		})
	}
}

func TestExitError(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		message string
		want    string
	}{
		{"basic error", ExitFailure, "Something failed", "Something failed"},
		{"includes exit code", ExitAuthFailure, "Auth failed", "exit code 70"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := exitError(tt.code, tt.message, assert.AnError)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.ErrorIs(t, err, assert.AnError)
			assert.Equal(t, tt.code, ExitCode(err))
		})
	}

	assert.Equal(t, ExitSuccess, ExitCode(nil))
	assert.Equal(t, ExitFailure, ExitCode(assert.AnError))
	assert.Equal(t, ExitNotFound, ExitCode(fmt.Errorf("wrapped: %w", exitError(ExitNotFound, "gone", assert.AnError))))
}

func TestExitCodesFollowFoundryCatalog(t *testing.T) {
	assert.Equal(t, foundry.ExitInvalidArgument, ExitInvalidArgument)
	assert.Equal(t, foundry.ExitConfigInvalid, ExitConfigInvalid)
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, ExitProviderUnavailable)
	assert.Equal(t, foundry.ExitAuthenticationFailed, ExitAuthFailure)
	assert.Equal(t, foundry.ExitAuthorizationFailed, ExitAccessDenied)
}

func TestServerExit(t *testing.T) {
	bindErr := &net.OpError{Op: "listen", Net: "tcp", Err: &os.SyscallError{Syscall: "bind", Err: syscall.EADDRINUSE}}
	assert.Equal(t, ExitPortInUse, ExitCode(serverExit("Server failed", bindErr)))
	assert.Equal(t, ExitServerFailure, ExitCode(serverExit("Server failed", assert.AnError)))
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{credstore.ErrNotConfigured, ExitNotConfigured},
		{provider.ErrUnsupportedProvider, ExitConfigInvalid},
		{&provider.ConfigError{Provider: provider.ProviderAWS, Field: provider.FieldBucket, Message: "field is required"}, ExitConfigInvalid},
		{chunked.ErrInvalidChunk, ExitInvalidArgument},
		{provider.ErrInvalidKey, ExitInvalidKey},
		{&provider.ProviderError{Op: "Stat", Err: provider.ErrNotFound}, ExitNotFound},
		{provider.ErrBucketNotFound, ExitNotFound},
		{provider.ErrInvalidCredentials, ExitAuthFailure},
		{provider.ErrAccessDenied, ExitAccessDenied},
		{provider.ErrIncompleteMultipart, ExitIncompleteUpload},
		{provider.ErrThrottled, ExitThrottled},
		{provider.ErrProviderUnavailable, ExitProviderUnavailable},
		{assert.AnError, ExitFailure},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCodeFor(tt.err), "%v", tt.err)
		assert.Equal(t, tt.want, ExitCode(providerExit("op", tt.err)), "%v", tt.err)
	}
}

func TestCollectOverrides(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "", "")
	flags.String("host", "", "")
	flags.Int("port", 0, "")
	flags.Bool("json", false, "")
	require.NoError(t, flags.Parse([]string{"--port", "9001", "--json"}))

	got := collectOverrides(flags)
	assert.Equal(t, map[string]any{"server.port": "9001"}, got)
}
