package handlers

import (
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/nimbusgate/internal/errors"
	"github.com/3leaps/nimbusgate/internal/observability"
	"github.com/3leaps/nimbusgate/pkg/gateway"
	"github.com/3leaps/nimbusgate/pkg/match"
	"github.com/3leaps/nimbusgate/pkg/stream"
)

// ListResponse is the body of GET /list.
type ListResponse struct {
	Files   []gateway.Entry `json:"files"`
	Prefix  string          `json:"prefix,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Upload stores the multipart form field "file" under the optional "folder".
func (g *Gateway) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(g.formMemory); err != nil {
		respondWithError(w, r, formError(err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	f, hdr, err := r.FormFile("file")
	if err != nil {
		respondWithError(w, r, apperrors.NewValidationError("file", "No file part"))
		return
	}
	defer func() { _ = f.Close() }()

	name := path.Base(strings.ReplaceAll(hdr.Filename, "\\", "/"))
	if name == "" || name == "." || name == "/" {
		respondWithError(w, r, apperrors.NewValidationError("file", "No selected file"))
		return
	}
	key, err := gateway.JoinKey(r.FormValue("folder"), name)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	p, release, err := g.Provider(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	defer release()

	err = p.UploadFile(r.Context(), key, f)
	g.record("UploadFile", err)
	if err != nil {
		g.logger.Error("Upload failed", zap.String("key", key), zap.Error(err))
		respondWithError(w, r, err)
		return
	}
	observability.RecordUploadBytes(hdr.Size)

	g.logger.Info("File uploaded", zap.String("key", key), zap.Int64("size", hdr.Size))
	writeMessage(w, "File uploaded successfully", map[string]any{"key": key})
}

// Download streams an object as an attachment. Once headers are sent a
// backend failure can only abort the connection.
func (g *Gateway) Download(w http.ResponseWriter, r *http.Request) {
	key, err := wildcardKey(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	p, release, err := g.Provider(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	defer release()

	n, err := g.streamer.Serve(w, r, p, key)
	observability.RecordDownloadBytes(n)
	g.record("Download", err)
	if err != nil {
		if errors.Is(err, stream.ErrAborted) {
			panic(http.ErrAbortHandler)
		}
		respondWithError(w, r, err)
	}
}

// List returns files and folders under ?prefix=, filtered by include/exclude
// globs, hidden and size bounds. Without a configured provider it returns an
// empty listing rather than an error.
func (g *Gateway) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts, err := g.listOptions(q.Get("prefix"), q)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	p, release, err := g.Provider(r.Context())
	if errors.Is(err, apperrors.ErrNotConfigured) {
		apperrors.WriteJSON(w, http.StatusOK, ListResponse{Files: []gateway.Entry{}, Message: "Storage not configured"})
		return
	}
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	defer release()

	entries, err := gateway.List(r.Context(), p, opts)
	g.record("ListFiles", err)
	if err != nil {
		g.logger.Error("Listing failed", zap.String("prefix", opts.Prefix), zap.Error(err))
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, ListResponse{Files: entries, Prefix: opts.Prefix})
}

func (g *Gateway) listOptions(prefix string, q map[string][]string) (gateway.ListOptions, error) {
	opts := gateway.ListOptions{
		Prefix:        strings.TrimLeft(prefix, "/"),
		Includes:      nonEmpty(q["include"]),
		Excludes:      nonEmpty(q["exclude"]),
		PreviewExpiry: g.previewExpiry,
		Logger:        g.logger,
	}
	if v := first(q["hidden"]); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, apperrors.NewValidationError("hidden", "hidden must be a boolean")
		}
		opts.ExcludeHidden = !b
	}
	if v := first(q["preview"]); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, apperrors.NewValidationError("preview", "preview must be a boolean")
		}
		opts.NoPreview = !b
	}
	for field, dst := range map[string]*int64{"min_size": &opts.MinSize, "max_size": &opts.MaxSize} {
		v := first(q[field])
		if v == "" {
			continue
		}
		n, err := match.ParseSize(v)
		if err != nil {
			return opts, apperrors.NewValidationError(field, err.Error())
		}
		*dst = n
	}
	return opts, nil
}

// Delete removes one object. Deleting a missing object succeeds.
func (g *Gateway) Delete(w http.ResponseWriter, r *http.Request) {
	key, err := wildcardKey(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	p, release, err := g.Provider(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	defer release()

	err = p.DeleteFile(r.Context(), key)
	g.record("DeleteFile", err)
	if err != nil {
		g.logger.Error("Delete failed", zap.String("key", key), zap.Error(err))
		respondWithError(w, r, err)
		return
	}
	g.logger.Info("File deleted", zap.String("key", key))
	writeMessage(w, "File deleted successfully", nil)
}

// Share returns a time-limited URL. ?expires_in= is in seconds and is capped
// at the configured maximum.
func (g *Gateway) Share(w http.ResponseWriter, r *http.Request) {
	key, err := wildcardKey(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	expires := g.shareDefault
	if v := r.URL.Query().Get("expires_in"); v != "" {
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil || secs <= 0 {
			respondWithError(w, r, apperrors.NewValidationError("expires_in", "expires_in must be a positive number of seconds"))
			return
		}
		expires = time.Duration(secs) * time.Second
	}
	if expires > g.shareMax {
		expires = g.shareMax
	}

	p, release, err := g.Provider(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	defer release()

	u, err := p.ShareURL(r.Context(), key, expires)
	g.record("ShareURL", err)
	if err != nil {
		g.logger.Error("Share link failed", zap.String("key", key), zap.Error(err))
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]any{
		"url":        u,
		"expires_in": int64(expires / time.Second),
	})
}

func formError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return err
	}
	return apperrors.NewValidationError("", "request must be multipart/form-data")
}

// nonEmpty drops blank repeated parameters. Patterns are not split on commas
// because brace alternation uses them.
func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}
