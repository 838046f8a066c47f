// Package errors renders application and provider errors as JSON HTTP
// responses. Callers import it as apperrors.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"

	"github.com/3leaps/nimbusgate/pkg/chunked"
	"github.com/3leaps/nimbusgate/pkg/match"
	"github.com/3leaps/nimbusgate/pkg/provider"
)

// RequestIDHeader carries the request ID on requests and responses.
const RequestIDHeader = "X-Request-ID"

// Error codes returned in the envelope's Code field.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeNotConfigured       = "NOT_CONFIGURED"
	CodeUnsupportedProvider = "UNSUPPORTED_PROVIDER"
	CodeInvalidConfig       = "INVALID_CONFIG"
	CodeAuthFailure         = "AUTH_FAILURE"
	CodeAccessDenied        = "ACCESS_DENIED"
	CodeNotFound            = "NOT_FOUND"
	CodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	CodeBackendUnavailable  = "BACKEND_UNAVAILABLE"
	CodeThrottled           = "THROTTLED"
	CodeIncompleteMultipart = "INCOMPLETE_MULTIPART"
	CodeInvalidKey          = "INVALID_KEY"
	CodeInvalidChunk        = "INVALID_CHUNK"
	CodeChunkInProgress     = "CHUNK_IN_PROGRESS"
	CodePayloadTooLarge     = "PAYLOAD_TOO_LARGE"
	CodeRateLimited         = "RATE_LIMITED"
	CodeRequestCancelled    = "REQUEST_CANCELLED"
	CodeExternalService     = "EXTERNAL_SERVICE_ERROR"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	CodeNotSupported        = "NOT_SUPPORTED"
	CodeInternal            = "INTERNAL_ERROR"
)

// StatusClientClosedRequest is the non-standard status logged when the client
// went away before the response was written.
const StatusClientClosedRequest = 499

// ErrNotConfigured is returned by handlers that need a provider before one
// has been configured.
var ErrNotConfigured = stderrors.New("storage not configured")

// HTTPError is the body of every error response. The request ID travels
// as the envelope's correlation ID.
type HTTPError = gferrors.ErrorEnvelope

// HTTPErrorResponse wraps the envelope under an "error" key.
type HTTPErrorResponse struct {
	Error *HTTPError `json:"error"`
}

// NewEnvelope builds an error envelope with optional details.
func NewEnvelope(code, message string, details map[string]any) *HTTPError {
	env := gferrors.NewErrorEnvelope(code, message)
	if len(details) > 0 {
		env = env.WithDetails(details)
	}
	return env
}

// AppError is an error that already knows its HTTP rendering.
type AppError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// NewValidationError reports a bad request parameter.
func NewValidationError(field, message string) *AppError {
	details := map[string]any{}
	if field != "" {
		details["field"] = field
	}
	return &AppError{
		Status:  http.StatusBadRequest,
		Code:    CodeValidation,
		Message: message,
		Details: details,
	}
}

// NewExternalServiceError reports a failed call to a storage backend. The
// message stays generic; the cause goes into details.
func NewExternalServiceError(service string, err error) *AppError {
	details := map[string]any{"service": service}
	if err != nil {
		details["cause"] = err.Error()
	}
	return &AppError{
		Status:  http.StatusBadGateway,
		Code:    CodeExternalService,
		Message: "storage backend request failed",
		Details: details,
		Err:     err,
	}
}

// NewError builds an AppError with an explicit status and code.
func NewError(status int, code, message string) *AppError {
	return &AppError{Status: status, Code: code, Message: message}
}

// RespondWithError maps err onto a status and error code and writes the JSON
// envelope.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status, env := Classify(err)
	if r != nil {
		env = env.WithPath(r.URL.Path)
	}
	WriteJSON(w, status, HTTPErrorResponse{Error: env.WithCorrelationID(requestID(w, r))})
}

// Classify returns the status code and envelope for err.
func Classify(err error) (int, *HTTPError) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Status, NewEnvelope(appErr.Code, appErr.Message, appErr.Details)
	}

	var cfgErr *provider.ConfigError
	if stderrors.As(err, &cfgErr) {
		return http.StatusBadRequest, NewEnvelope(CodeInvalidConfig, cfgErr.Field+": "+cfgErr.Message,
			map[string]any{"field": cfgErr.Field, "provider": string(cfgErr.Provider)})
	}

	var maxErr *http.MaxBytesError
	if stderrors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge, NewEnvelope(CodePayloadTooLarge, "request body too large", map[string]any{"limit": maxErr.Limit})
	}

	switch {
	case stderrors.Is(err, ErrNotConfigured):
		return http.StatusBadRequest, NewEnvelope(CodeNotConfigured, "Storage not configured", nil)
	case stderrors.Is(err, context.Canceled):
		return StatusClientClosedRequest, NewEnvelope(CodeRequestCancelled, "request cancelled", nil)
	case stderrors.Is(err, chunked.ErrInvalidChunk):
		return http.StatusBadRequest, NewEnvelope(CodeInvalidChunk, err.Error(), nil)
	case stderrors.Is(err, chunked.ErrChunkInProgress):
		return http.StatusConflict, NewEnvelope(CodeChunkInProgress, err.Error(), nil)
	case stderrors.Is(err, match.ErrInvalidPattern), stderrors.Is(err, match.ErrInvalidSize), stderrors.Is(err, provider.ErrInvalidExpiry):
		return http.StatusBadRequest, NewEnvelope(CodeValidation, err.Error(), nil)
	case provider.IsUnsupportedProvider(err):
		return http.StatusBadRequest, NewEnvelope(CodeUnsupportedProvider, err.Error(), nil)
	case provider.IsInvalidCredentialFormat(err):
		return http.StatusBadRequest, NewEnvelope(CodeInvalidConfig, err.Error(), nil)
	case provider.IsInvalidKey(err):
		return http.StatusBadRequest, NewEnvelope(CodeInvalidKey, "invalid object key", cause(err))
	case provider.IsInvalidCredentials(err):
		return http.StatusUnauthorized, NewEnvelope(CodeAuthFailure, "storage credentials were rejected", cause(err))
	case provider.IsAccessDenied(err):
		return http.StatusForbidden, NewEnvelope(CodeAccessDenied, "access denied by storage backend", cause(err))
	case provider.IsNotFound(err), provider.IsBucketNotFound(err):
		return http.StatusNotFound, NewEnvelope(CodeNotFound, "resource not found", cause(err))
	case provider.IsIncompleteMultipart(err):
		return http.StatusBadGateway, NewEnvelope(CodeIncompleteMultipart, "multipart upload could not be completed", cause(err))
	case provider.IsThrottled(err):
		return http.StatusServiceUnavailable, NewEnvelope(CodeThrottled, "storage backend is throttling requests", cause(err))
	case provider.IsProviderUnavailable(err):
		return http.StatusBadGateway, NewEnvelope(CodeBackendUnavailable, "storage backend unavailable", cause(err))
	}

	var provErr *provider.ProviderError
	if stderrors.As(err, &provErr) {
		return http.StatusBadGateway, NewEnvelope(CodeBackendUnavailable, "storage backend request failed", cause(err))
	}

	return http.StatusInternalServerError, NewEnvelope(CodeInternal, "internal server error", cause(err))
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func cause(err error) map[string]any {
	if err == nil {
		return nil
	}
	return map[string]any{"cause": err.Error()}
}

func requestID(w http.ResponseWriter, r *http.Request) string {
	if id := w.Header().Get(RequestIDHeader); id != "" {
		return id
	}
	if r != nil {
		return r.Header.Get(RequestIDHeader)
	}
	return ""
}
