package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"WARN", zapcore.WarnLevel, false},
		{" error ", zapcore.ErrorLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInit(t *testing.T) {
	origCLI, origServer := CLILogger, ServerLogger
	defer func() { CLILogger, ServerLogger = origCLI, origServer }()

	require.NoError(t, Init("debug", "STRUCTURED"))
	assert.True(t, ServerLogger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))

	require.NoError(t, Init("warn", "console"))
	assert.False(t, ServerLogger.Core().Enabled(zapcore.InfoLevel))

	assert.Error(t, Init("info", "xml"))
	assert.Error(t, Init("nope", "console"))
}

func TestMetricsExposed(t *testing.T) {
	RecordHTTPRequest(http.MethodGet, "/list", http.StatusOK, 15*time.Millisecond)
	RecordProviderOperation("local", "ListFiles", nil)
	RecordProviderOperation("local", "UploadFile", errors.New("boom"))
	RecordUploadBytes(10)
	RecordDownloadBytes(20)
	RecordChunk("multipart", nil)
	RecordChunk("", errors.New("bad"))
	RecordRangeFetch()
	RecordRateLimitHit()
	RecordJanitorAbort(nil)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	for _, want := range []string{
		`nimbusgate_http_requests_total{method="GET",route="/list",status="200"}`,
		`nimbusgate_provider_operations_total{operation="UploadFile",provider="local",result="error"}`,
		`nimbusgate_chunk_uploads_total{mode="unknown",result="error"}`,
		"nimbusgate_bytes_uploaded_total",
		"nimbusgate_range_fetches_total",
		"nimbusgate_rate_limit_hits_total",
		`nimbusgate_janitor_aborted_uploads_total{result="success"}`,
	} {
		assert.Contains(t, body, want)
	}
}
