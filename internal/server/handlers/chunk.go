package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/nimbusgate/internal/errors"
	"github.com/3leaps/nimbusgate/internal/observability"
	"github.com/3leaps/nimbusgate/pkg/chunked"
	"github.com/3leaps/nimbusgate/pkg/gateway"
)

// UploadChunk serves the chunk protocol. Form fields: chunk (file part),
// filename, file_size, chunk_number (0-indexed), total_chunks and upload_id
// on every chunk after the first of a multipart upload.
//
// While a multipart upload is in progress the response carries upload_id;
// once the object is visible it carries message.
func (g *Gateway) UploadChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(g.formMemory); err != nil {
		respondWithError(w, r, formError(err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	req, err := chunkRequest(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	f, hdr, err := r.FormFile("chunk")
	if err != nil {
		respondWithError(w, r, fmt.Errorf("%w: missing chunk file part", chunked.ErrInvalidChunk))
		return
	}
	defer func() { _ = f.Close() }()
	req.Body = f
	req.Size = hdr.Size

	p, release, err := g.Provider(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	defer release()

	res, err := g.coordinator.HandleChunk(r.Context(), p, req)
	observability.RecordChunk(string(res.Mode), err)
	g.record("UploadChunk", err)
	if err != nil {
		g.logger.Error("Chunk upload failed",
			zap.String("key", req.Key),
			zap.Int("chunk", req.ChunkNumber),
			zap.Int("total", req.TotalChunks),
			zap.String("upload_id", req.UploadID),
			zap.Error(err))
		respondWithError(w, r, err)
		return
	}
	observability.RecordUploadBytes(hdr.Size)

	if res.Completed {
		writeMessage(w, "File uploaded successfully", map[string]any{"key": req.Key})
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]any{
		"upload_id":   res.UploadID,
		"part_number": res.PartNumber,
	})
}

func chunkRequest(r *http.Request) (chunked.Request, error) {
	var req chunked.Request

	key, err := gateway.CleanKey(r.FormValue("filename"))
	if err != nil {
		return req, err
	}
	req.Key = key

	if req.FileSize, err = formInt(r, "file_size"); err != nil {
		return req, err
	}
	n, err := formInt(r, "chunk_number")
	if err != nil {
		return req, err
	}
	if n >= chunked.MaxParts {
		return req, fmt.Errorf("%w: chunk_number must be < %d", chunked.ErrInvalidChunk, chunked.MaxParts)
	}
	req.ChunkNumber = int(n)
	if n, err = formInt(r, "total_chunks"); err != nil {
		return req, err
	}
	if n > chunked.MaxParts {
		return req, fmt.Errorf("%w: total_chunks must be <= %d", chunked.ErrInvalidChunk, chunked.MaxParts)
	}
	req.TotalChunks = int(n)
	req.UploadID = strings.TrimSpace(r.FormValue("upload_id"))
	return req, nil
}

func formInt(r *http.Request, field string) (int64, error) {
	v := strings.TrimSpace(r.FormValue(field))
	if v == "" {
		return 0, fmt.Errorf("%w: %s is required", chunked.ErrInvalidChunk, field)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", chunked.ErrInvalidChunk, field)
	}
	return n, nil
}
