package handlers

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"reelforge/internal/httpkit"
	"reelforge/internal/ports"
)

const maxUploadBytes = 512 << 20

// PostAsset accepts one multipart file upload and stores it as a job
// input. The returned ref goes into a job's input_refs verbatim.
func (h *Handler) PostAsset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		httpkit.WriteErr(w, 400, "VALIDATION_ERROR", "invalid multipart form", nil)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		httpkit.WriteErr(w, 400, "VALIDATION_ERROR", "file is required",
			map[string]any{"field": "file"})
		return
	}
	defer file.Close()

	ext := filepath.Ext(header.Filename)
	if ext == "" {
		ext = extByType(header.Header.Get("Content-Type"))
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = mime.TypeByExtension(ext)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	assetID := "ast_" + uuid.NewString() + ext
	objectKey := fmt.Sprintf("uploads/%s", assetID)

	out, err := h.sp.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   objectKey,
		ContentType: contentType,
		Reader:      file,
		Size:        header.Size,
	})
	if err != nil {
		log.Error("asset upload failed", "object_key", objectKey, "error", err.Error())
		httpkit.WriteErr(w, 500, "INTERNAL_ERROR", "storage put failed", nil)
		return
	}

	log.Info("asset stored", "ref", out.ObjectKey, "size", out.Size, "mime", contentType)
	httpkit.WriteJSON(w, 201, map[string]any{
		"asset": map[string]any{
			"id":         assetID,
			"ref":        out.ObjectKey,
			"provider":   h.sp.Provider(),
			"mime":       contentType,
			"size_bytes": out.Size,
		},
	})
}

// StreamAsset serves an uploaded input back, mostly for debugging
// submissions.
func (h *Handler) StreamAsset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	assetID := chi.URLParam(r, "assetId")
	objectKey := "uploads/" + assetID

	rc, contentType, size, err := h.sp.GetObject(ctx, objectKey)
	if err != nil {
		httpkit.WriteErr(w, 404, "NOT_FOUND", "asset not found",
			map[string]any{"asset_id": assetID})
		return
	}
	defer rc.Close()

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	_, _ = io.Copy(w, rc)
}

func (h *Handler) DeleteAsset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	assetID := chi.URLParam(r, "assetId")
	objectKey := "uploads/" + assetID

	if _, err := h.sp.StatObject(ctx, objectKey); err != nil {
		httpkit.WriteErr(w, 404, "NOT_FOUND", "asset not found",
			map[string]any{"asset_id": assetID})
		return
	}
	if err := h.sp.DeleteObject(ctx, objectKey); err != nil {
		h.log.FromContext(ctx).Error("asset delete failed", "asset_id", assetID, "error", err.Error())
		httpkit.WriteErr(w, 500, "INTERNAL_ERROR", "storage delete failed", nil)
		return
	}

	httpkit.WriteJSON(w, 200, map[string]any{"deleted": assetID})
}

func extByType(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0])) {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "video/mp4":
		return ".mp4"
	default:
		return ".bin"
	}
}
