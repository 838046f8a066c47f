package cmd

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"

	"github.com/3leaps/nimbusgate/internal/credstore"
	"github.com/3leaps/nimbusgate/pkg/chunked"
	"github.com/3leaps/nimbusgate/pkg/match"
	"github.com/3leaps/nimbusgate/pkg/provider"
)

// Process exit codes, drawn from the Foundry exit-code catalog so scripts
// can branch on the same numbers other Fulmen tools use.
const (
	ExitSuccess         = foundry.ExitSuccess
	ExitFailure         = foundry.ExitFailure
	ExitInvalidArgument = foundry.ExitInvalidArgument

	ExitConfigInvalid = foundry.ExitConfigInvalid
	ExitNotConfigured = foundry.ExitConfigFileNotFound

	ExitNotFound   = foundry.ExitFileNotFound
	ExitInvalidKey = foundry.ExitDataInvalid

	ExitProviderUnavailable = foundry.ExitExternalServiceUnavailable
	ExitThrottled           = foundry.ExitResourceExhausted
	ExitAuthFailure         = foundry.ExitAuthenticationFailed
	ExitAccessDenied        = foundry.ExitAuthorizationFailed
	ExitIncompleteUpload    = foundry.ExitFileWriteError

	ExitPortInUse     = foundry.ExitPortInUse
	ExitServerFailure = foundry.ExitHealthCheckFailed
)

// ExitError carries the exit code a command failed with.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode returns the code carried by err, ExitFailure for other errors and
// ExitSuccess for nil.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// providerExit classifies a storage error.
func providerExit(message string, err error) error {
	return exitError(exitCodeFor(err), message, err)
}

func exitCodeFor(err error) int {
	var cfgErr *provider.ConfigError
	switch {
	case errors.Is(err, credstore.ErrNotConfigured):
		return ExitNotConfigured
	case provider.IsUnsupportedProvider(err), provider.IsInvalidCredentialFormat(err), errors.As(err, &cfgErr):
		return ExitConfigInvalid
	case errors.Is(err, chunked.ErrInvalidChunk), errors.Is(err, match.ErrInvalidPattern), errors.Is(err, match.ErrInvalidSize),
		errors.Is(err, provider.ErrInvalidExpiry):
		return ExitInvalidArgument
	case provider.IsInvalidKey(err):
		return ExitInvalidKey
	case provider.IsNotFound(err), provider.IsBucketNotFound(err):
		return ExitNotFound
	case provider.IsInvalidCredentials(err):
		return ExitAuthFailure
	case provider.IsAccessDenied(err):
		return ExitAccessDenied
	case provider.IsIncompleteMultipart(err):
		return ExitIncompleteUpload
	case provider.IsThrottled(err):
		return ExitThrottled
	case provider.IsProviderUnavailable(err):
		return ExitProviderUnavailable
	}
	return ExitFailure
}

// serverExit classifies a listener or shutdown failure.
func serverExit(message string, err error) error {
	if errors.Is(err, syscall.EADDRINUSE) {
		return exitError(ExitPortInUse, message, err)
	}
	return exitError(ExitServerFailure, message, err)
}
