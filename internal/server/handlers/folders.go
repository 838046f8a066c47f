package handlers

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/nimbusgate/internal/errors"
	"github.com/3leaps/nimbusgate/pkg/gateway"
	"github.com/3leaps/nimbusgate/pkg/provider"
)

type createFolderRequest struct {
	FolderName string `json:"folder_name"`
}

// CreateFolder creates an empty folder marker from JSON {folder_name}.
func (g *Gateway) CreateFolder(w http.ResponseWriter, r *http.Request) {
	var req createFolderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, r, apperrors.NewValidationError("", "request body must be JSON"))
		return
	}
	if strings.TrimSpace(req.FolderName) == "" {
		respondWithError(w, r, apperrors.NewValidationError("folder_name", "folder_name is required"))
		return
	}

	p, release, err := g.Provider(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	defer release()

	name, err := gateway.CreateFolder(r.Context(), p, req.FolderName)
	g.record("CreateFolder", err)
	if err != nil {
		g.logger.Error("Create folder failed", zap.String("folder", req.FolderName), zap.Error(err))
		respondWithError(w, r, err)
		return
	}
	g.logger.Info("Folder created", zap.String("folder", name))
	writeMessage(w, "Folder created successfully", map[string]any{"folder": name})
}

// DeleteFolder removes a folder marker and everything under it.
func (g *Gateway) DeleteFolder(w http.ResponseWriter, r *http.Request) {
	name, err := wildcardKey(r)
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

	n, err := gateway.DeleteFolder(r.Context(), p, name)
	g.record("DeleteFolder", err)
	if err != nil {
		g.logger.Error("Delete folder failed", zap.String("folder", name), zap.Int("deleted", n), zap.Error(err))
		respondWithError(w, r, err)
		return
	}
	g.logger.Info("Folder deleted", zap.String("folder", name), zap.Int("deleted", n))
	writeMessage(w, "Folder deleted successfully", map[string]any{"deleted": n})
}

// UploadInfo is one open multipart upload.
type UploadInfo struct {
	Key       string    `json:"key"`
	UploadID  string    `json:"upload_id"`
	Initiated time.Time `json:"initiated"`
}

// ListUploads lists open multipart uploads under ?prefix=.
func (g *Gateway) ListUploads(w http.ResponseWriter, r *http.Request) {
	mp, release, err := g.multipart(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	defer release()

	uploads, err := mp.ListMultipartUploads(r.Context(), r.URL.Query().Get("prefix"))
	g.record("ListMultipartUploads", err)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	out := make([]UploadInfo, 0, len(uploads))
	for _, u := range uploads {
		out = append(out, UploadInfo{Key: u.Key, UploadID: u.UploadID, Initiated: u.Initiated})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Initiated.Before(out[j].Initiated) })
	apperrors.WriteJSON(w, http.StatusOK, map[string]any{"uploads": out})
}

// AbortUpload aborts the upload named in the path for ?key=.
func (g *Gateway) AbortUpload(w http.ResponseWriter, r *http.Request) {
	uploadID := strings.TrimSpace(chi.URLParam(r, "uploadID"))
	key, err := gateway.CleanKey(r.URL.Query().Get("key"))
	if err != nil {
		respondWithError(w, r, apperrors.NewValidationError("key", "key is required"))
		return
	}
	if uploadID == "" {
		respondWithError(w, r, apperrors.NewValidationError("upload_id", "upload_id is required"))
		return
	}

	mp, release, err := g.multipart(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	defer release()

	err = mp.AbortMultipartUpload(r.Context(), key, uploadID)
	g.record("AbortMultipartUpload", err)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	g.logger.Info("Upload aborted", zap.String("key", key), zap.String("upload_id", uploadID))
	writeMessage(w, "Upload aborted", map[string]any{"key": key, "upload_id": uploadID})
}

func (g *Gateway) multipart(r *http.Request) (provider.MultipartUploader, func(), error) {
	p, release, err := g.Provider(r.Context())
	if err != nil {
		return nil, nil, err
	}
	mp, ok := p.(provider.MultipartUploader)
	if !ok {
		release()
		return nil, nil, apperrors.NewError(http.StatusNotImplemented, apperrors.CodeNotSupported, "provider does not support multipart uploads")
	}
	return mp, release, nil
}
