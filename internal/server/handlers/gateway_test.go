package handlers

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/nimbusgate/internal/credstore"
	apperrors "github.com/3leaps/nimbusgate/internal/errors"
	"github.com/3leaps/nimbusgate/pkg/chunked"
)

type gatewayHarness struct {
	gw      *Gateway
	router  chi.Router
	baseDir string
}

func newHarness(t *testing.T, opts ...chunked.Option) *gatewayHarness {
	t.Helper()
	store, err := credstore.New("")
	require.NoError(t, err)

	gw := NewGateway(GatewayConfig{
		Store:       store,
		Coordinator: chunked.New(opts...),
	})
	t.Cleanup(func() { _ = gw.Close() })

	r := chi.NewRouter()
	gw.Routes(r)
	return &gatewayHarness{gw: gw, router: r, baseDir: t.TempDir()}
}

func (h *gatewayHarness) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *gatewayHarness) configureLocal(t *testing.T) {
	t.Helper()
	body := `{"provider_type":"local","base_dir":` + strconv.Quote(h.baseDir) + `}`
	req := httptest.NewRequest(http.MethodPost, "/configure", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := h.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func (h *gatewayHarness) writeObject(t *testing.T, key, content string) {
	t.Helper()
	full := filepath.Join(h.baseDir, filepath.FromSlash(key))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Error.Code
}

func multipartRequest(t *testing.T, target string, fields map[string]string, fileField, filename string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if fileField != "" {
		fw, err := mw.CreateFormFile(fileField, filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestConfigure(t *testing.T) {
	t.Run("json body", func(t *testing.T) {
		h := newHarness(t)
		h.configureLocal(t)

		rec := h.do(t, httptest.NewRequest(http.MethodGet, "/configure", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var resp ConfigurationResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Configured)
		assert.Equal(t, "local", resp.ProviderType)
	})

	t.Run("form body", func(t *testing.T) {
		h := newHarness(t)
		form := url.Values{"provider_type": {"local"}, "base_dir": {h.baseDir}}
		req := httptest.NewRequest(http.MethodPost, "/configure", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := h.do(t, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "Configuration updated successfully", decodeBody(t, rec)["message"])
	})

	t.Run("missing provider type", func(t *testing.T) {
		h := newHarness(t)
		req := httptest.NewRequest(http.MethodPost, "/configure", strings.NewReader(`{"base_dir":"/tmp"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := h.do(t, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, apperrors.CodeValidation, errorCode(t, rec))
	})

	t.Run("unsupported provider", func(t *testing.T) {
		h := newHarness(t)
		req := httptest.NewRequest(http.MethodPost, "/configure", strings.NewReader(`{"provider_type":"ftp"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := h.do(t, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, apperrors.CodeUnsupportedProvider, errorCode(t, rec))
	})

	t.Run("missing credential field", func(t *testing.T) {
		h := newHarness(t)
		req := httptest.NewRequest(http.MethodPost, "/configure", strings.NewReader(`{"provider_type":"aws","access_key":"AK"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := h.do(t, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, apperrors.CodeInvalidConfig, errorCode(t, rec))
	})

	t.Run("failed configure keeps previous", func(t *testing.T) {
		h := newHarness(t)
		h.configureLocal(t)

		missing := filepath.Join(h.baseDir, "does-not-exist")
		body := `{"provider_type":"local","base_dir":` + strconv.Quote(missing) + `}`
		req := httptest.NewRequest(http.MethodPost, "/configure", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := h.do(t, req)
		assert.NotEqual(t, http.StatusOK, rec.Code)

		cfg, err := h.gw.store.Get()
		require.NoError(t, err)
		assert.Equal(t, h.baseDir, cfg.Get("base_dir"))
	})

	t.Run("delete clears", func(t *testing.T) {
		h := newHarness(t)
		h.configureLocal(t)

		rec := h.do(t, httptest.NewRequest(http.MethodDelete, "/configure", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		rec = h.do(t, httptest.NewRequest(http.MethodGet, "/configure", nil))
		assert.False(t, decodeBody(t, rec)["configured"].(bool))
	})
}

func TestUnconfigured(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/list", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "Storage not configured", body["message"])
	assert.Empty(t, body["files"])

	for _, tc := range []struct{ method, target string }{
		{http.MethodGet, "/download/a.txt"},
		{http.MethodDelete, "/delete/a.txt"},
		{http.MethodGet, "/share/a.txt"},
		{http.MethodGet, "/uploads"},
	} {
		rec := h.do(t, httptest.NewRequest(tc.method, tc.target, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, tc.target)
		assert.Equal(t, apperrors.CodeNotConfigured, errorCode(t, rec), tc.target)
	}
}

func TestUploadAndDownload(t *testing.T) {
	h := newHarness(t)
	h.configureLocal(t)

	req := multipartRequest(t, "/upload", map[string]string{"folder": "docs"}, "file", "report.pdf", []byte("pdf bytes"))
	rec := h.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "File uploaded successfully", body["message"])
	assert.Equal(t, "docs/report.pdf", body["key"])

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/download/docs/report.pdf", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pdf bytes", rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, "9", rec.Header().Get("Content-Length"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename=report.pdf`)
}

func TestUploadValidation(t *testing.T) {
	h := newHarness(t)
	h.configureLocal(t)

	t.Run("no file part", func(t *testing.T) {
		rec := h.do(t, multipartRequest(t, "/upload", map[string]string{"folder": "x"}, "", "", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, apperrors.CodeValidation, errorCode(t, rec))
	})

	t.Run("not multipart", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("{}"))
		req.Header.Set("Content-Type", "application/json")
		rec := h.do(t, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("traversal folder", func(t *testing.T) {
		rec := h.do(t, multipartRequest(t, "/upload", map[string]string{"folder": "../etc"}, "file", "passwd", []byte("x")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, apperrors.CodeInvalidKey, errorCode(t, rec))
	})
}

func TestDownloadMissing(t *testing.T) {
	h := newHarness(t)
	h.configureLocal(t)

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/download/nope.bin", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.CodeNotFound, errorCode(t, rec))
}

func TestDownloadKeysWithPercent(t *testing.T) {
	h := newHarness(t)
	h.configureLocal(t)
	h.writeObject(t, "a%41.txt", "percent")
	h.writeObject(t, "aA.txt", "letter")
	h.writeObject(t, "50%off.txt", "sale")
	h.writeObject(t, "sub/deep.txt", "nested")

	tests := []struct {
		target string
		want   string
	}{
		{"/download/a%2541.txt", "percent"},
		{"/download/aA.txt", "letter"},
		{"/download/50%25off.txt", "sale"},
		{"/download/sub%2Fdeep.txt", "nested"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := h.do(t, httptest.NewRequest(http.MethodGet, tt.target, nil))
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, tt.want, rec.Body.String())
		})
	}
}

func TestChunkedUpload(t *testing.T) {
	t.Run("single chunk below threshold", func(t *testing.T) {
		h := newHarness(t)
		h.configureLocal(t)

		rec := h.do(t, multipartRequest(t, "/upload_chunk", map[string]string{
			"filename": "small.txt", "file_size": "5", "chunk_number": "0", "total_chunks": "1",
		}, "chunk", "blob", []byte("hello")))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "File uploaded successfully", decodeBody(t, rec)["message"])

		got, err := os.ReadFile(filepath.Join(h.baseDir, "small.txt"))
		require.NoError(t, err)
		assert.Equal(t, "hello", string(got))
	})

	t.Run("multipart across three chunks", func(t *testing.T) {
		h := newHarness(t, chunked.WithThreshold(4))
		h.configureLocal(t)

		chunks := []string{"aaaa", "bbbb", "cc"}
		uploadID := ""
		for i, c := range chunks {
			fields := map[string]string{
				"filename": "big/file.bin", "file_size": "10",
				"chunk_number": strconv.Itoa(i), "total_chunks": "3",
			}
			if uploadID != "" {
				fields["upload_id"] = uploadID
			}
			rec := h.do(t, multipartRequest(t, "/upload_chunk", fields, "chunk", "blob", []byte(c)))
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			body := decodeBody(t, rec)
			if i < len(chunks)-1 {
				id, _ := body["upload_id"].(string)
				require.NotEmpty(t, id)
				uploadID = id
				assert.EqualValues(t, i+1, body["part_number"])
			} else {
				assert.Equal(t, "File uploaded successfully", body["message"])
			}
		}

		got, err := os.ReadFile(filepath.Join(h.baseDir, "big", "file.bin"))
		require.NoError(t, err)
		assert.Equal(t, "aaaabbbbcc", string(got))
	})

	t.Run("missing upload id after first chunk", func(t *testing.T) {
		h := newHarness(t, chunked.WithThreshold(4))
		h.configureLocal(t)

		rec := h.do(t, multipartRequest(t, "/upload_chunk", map[string]string{
			"filename": "f.bin", "file_size": "10", "chunk_number": "1", "total_chunks": "3",
		}, "chunk", "blob", []byte("bbbb")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, apperrors.CodeInvalidChunk, errorCode(t, rec))
	})

	t.Run("chunk number past part limit", func(t *testing.T) {
		h := newHarness(t, chunked.WithThreshold(4))
		h.configureLocal(t)

		rec := h.do(t, multipartRequest(t, "/upload_chunk", map[string]string{
			"filename": "f.bin", "file_size": "10", "chunk_number": "4294967295", "total_chunks": "4294967296", "upload_id": "u",
		}, "chunk", "blob", []byte("bbbb")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, apperrors.CodeInvalidChunk, errorCode(t, rec))
	})

	t.Run("non integer field", func(t *testing.T) {
		h := newHarness(t)
		h.configureLocal(t)

		rec := h.do(t, multipartRequest(t, "/upload_chunk", map[string]string{
			"filename": "f.bin", "file_size": "ten", "chunk_number": "0", "total_chunks": "1",
		}, "chunk", "blob", []byte("x")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, apperrors.CodeInvalidChunk, errorCode(t, rec))
	})
}

func TestList(t *testing.T) {
	h := newHarness(t)
	h.configureLocal(t)
	h.writeObject(t, "docs/a.pdf", "12345")
	h.writeObject(t, "docs/b.txt", "1")
	h.writeObject(t, "docs/.hidden", "x")
	h.writeObject(t, "top.png", "png")

	names := func(rec *httptest.ResponseRecorder) []string {
		var resp ListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		out := make([]string, 0, len(resp.Files))
		for _, e := range resp.Files {
			out = append(out, e.Name)
		}
		return out
	}

	t.Run("prefix", func(t *testing.T) {
		rec := h.do(t, httptest.NewRequest(http.MethodGet, "/list?prefix=docs/", nil))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		got := names(rec)
		assert.Contains(t, got, "docs/a.pdf")
		assert.Contains(t, got, "docs/b.txt")
		assert.Contains(t, got, "docs/.hidden")
	})

	t.Run("hidden opt out", func(t *testing.T) {
		rec := h.do(t, httptest.NewRequest(http.MethodGet, "/list?prefix=docs/&hidden=false", nil))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, []string{"docs/a.pdf", "docs/b.txt"}, names(rec))
	})

	t.Run("include pattern", func(t *testing.T) {
		rec := h.do(t, httptest.NewRequest(http.MethodGet, "/list?prefix=docs/&include=**/*.pdf", nil))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, []string{"docs/a.pdf"}, names(rec))
	})

	t.Run("min size", func(t *testing.T) {
		rec := h.do(t, httptest.NewRequest(http.MethodGet, "/list?prefix=docs/&min_size=2B", nil))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, []string{"docs/a.pdf"}, names(rec))
	})

	t.Run("bad size", func(t *testing.T) {
		rec := h.do(t, httptest.NewRequest(http.MethodGet, "/list?min_size=lots", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, apperrors.CodeValidation, errorCode(t, rec))
	})

	t.Run("bad bool", func(t *testing.T) {
		rec := h.do(t, httptest.NewRequest(http.MethodGet, "/list?hidden=maybe", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad pattern", func(t *testing.T) {
		rec := h.do(t, httptest.NewRequest(http.MethodGet, "/list?include=%5Bbad", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, apperrors.CodeValidation, errorCode(t, rec))
	})
}

func TestDeleteAndShare(t *testing.T) {
	h := newHarness(t)
	h.configureLocal(t)
	h.writeObject(t, "pics/cat.jpg", "meow")

	rec := h.do(t, httptest.NewRequest(http.MethodGet, "/share/pics/cat.jpg?expires_in=60", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.True(t, strings.HasPrefix(body["url"].(string), "file://"))
	assert.EqualValues(t, 60, body["expires_in"])

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/share/pics/cat.jpg?expires_in=99999999", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, int64(DefaultShareExpiry.Seconds()), decodeBody(t, rec)["expires_in"])

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/share/pics/cat.jpg?expires_in=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, httptest.NewRequest(http.MethodDelete, "/delete/pics/cat.jpg", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	_, err := os.Stat(filepath.Join(h.baseDir, "pics", "cat.jpg"))
	assert.True(t, os.IsNotExist(err))

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/share/pics/cat.jpg", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFolders(t *testing.T) {
	h := newHarness(t)
	h.configureLocal(t)

	req := httptest.NewRequest(http.MethodPost, "/create_folder", strings.NewReader(`{"folder_name":"albums/2024"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := h.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "albums/2024/", decodeBody(t, rec)["folder"])

	h.writeObject(t, "albums/2024/one.jpg", "1")
	h.writeObject(t, "albums/2024/two.jpg", "2")

	rec = h.do(t, httptest.NewRequest(http.MethodDelete, "/delete_folder/albums/2024", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "Folder deleted successfully", body["message"])
	assert.GreaterOrEqual(t, body["deleted"].(float64), float64(2))

	_, err := os.Stat(filepath.Join(h.baseDir, "albums", "2024", "one.jpg"))
	assert.True(t, os.IsNotExist(err))

	t.Run("empty name", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/create_folder", strings.NewReader(`{"folder_name":"  "}`))
		rec := h.do(t, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, apperrors.CodeValidation, errorCode(t, rec))
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := h.do(t, httptest.NewRequest(http.MethodPost, "/create_folder", strings.NewReader(`{`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestMultipartUploads(t *testing.T) {
	h := newHarness(t, chunked.WithThreshold(4))
	h.configureLocal(t)

	rec := h.do(t, multipartRequest(t, "/upload_chunk", map[string]string{
		"filename": "pending.bin", "file_size": "8", "chunk_number": "0", "total_chunks": "2",
	}, "chunk", "blob", []byte("aaaa")))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	uploadID := decodeBody(t, rec)["upload_id"].(string)

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/uploads", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var listed struct {
		Uploads []UploadInfo `json:"uploads"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Uploads, 1)
	assert.Equal(t, "pending.bin", listed.Uploads[0].Key)
	assert.Equal(t, uploadID, listed.Uploads[0].UploadID)

	rec = h.do(t, httptest.NewRequest(http.MethodDelete, "/uploads/"+uploadID, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "key is required")

	rec = h.do(t, httptest.NewRequest(http.MethodDelete, "/uploads/"+uploadID+"?key=pending.bin", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, httptest.NewRequest(http.MethodGet, "/uploads", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Empty(t, listed.Uploads)
}

func TestProviderChecker(t *testing.T) {
	h := newHarness(t)
	checker := h.gw.ProviderChecker()
	assert.NoError(t, checker.CheckHealth(t.Context()), "unconfigured gateway is healthy")

	h.configureLocal(t)
	assert.NoError(t, checker.CheckHealth(t.Context()))
}
