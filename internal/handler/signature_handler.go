// Package handler はHTTPハンドラを提供する。
package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"signature-vault/internal/domain"
	"signature-vault/internal/middleware"
	"signature-vault/internal/usecase"
	"signature-vault/pkg/httputil"
)

// 受け付ける画像の最大サイズ。
const maxImageBytes = 32 << 20

// name が指定されなかった場合の識別子の接頭辞。
const defaultBaseName = "sig"

// SignatureHandler は署名画像のHTTPハンドラを提供する。
type SignatureHandler struct {
	service *usecase.ArtifactService
}

// NewSignatureHandler は新しいSignatureHandlerを生成する。
func NewSignatureHandler(service *usecase.ArtifactService) *SignatureHandler {
	return &SignatureHandler{service: service}
}

// SaveResponse は保存結果のレスポンス形式。
type SaveResponse struct {
	ID string `json:"id"`
}

// SignatureResponse は署名画像一覧の要素の形式。
type SignatureResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Size        int64  `json:"size"`
	CreatedAt   string `json:"created_at"`
}

// SignatureListResponse は署名画像一覧のレスポンス形式。
type SignatureListResponse struct {
	Signatures []SignatureResponse `json:"signatures"`
}

// ConsistencyResponse は整合性検査のレスポンス形式。
type ConsistencyResponse struct {
	Clean            bool     `json:"clean"`
	Checked          int      `json:"checked"`
	BlobsWithoutKeys []string `json:"blobs_without_keys"`
	KeysWithoutBlobs []string `json:"keys_without_blobs"`
}

// writeError はユースケースのエラーをHTTPステータスとエラーコードに変換して返す。
// 不整合は他の分類より優先する。
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidArtifactID):
		httputil.Error(w, http.StatusBadRequest, "INVALID_ARTIFACT_ID", "invalid artifact ID format")
	case errors.Is(err, domain.ErrInvalidBaseName):
		httputil.Error(w, http.StatusBadRequest, "INVALID_NAME", "invalid signature name")
	case errors.Is(err, domain.ErrEmptyImage):
		httputil.Error(w, http.StatusBadRequest, "EMPTY_IMAGE", "image body is empty")
	case errors.Is(err, domain.ErrCorruption):
		httputil.Error(w, http.StatusConflict, "CORRUPTED", "signature and key record are out of sync")
	case errors.Is(err, domain.ErrKeyNotFound):
		httputil.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "no key found for this signature")
	case errors.Is(err, domain.ErrBlobNotFound):
		httputil.Error(w, http.StatusNotFound, "ARTIFACT_NOT_FOUND", "signature not found")
	case errors.Is(err, domain.ErrDecryption), errors.Is(err, domain.ErrKeyDecode):
		httputil.Error(w, http.StatusUnprocessableEntity, "DECRYPTION_FAILED", "signature could not be decrypted")
	default:
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

// Save はリクエストボディの画像を暗号化して保存する。
func (h *SignatureHandler) Save(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		name = defaultBaseName
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImageBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.Error(w, http.StatusRequestEntityTooLarge, "IMAGE_TOO_LARGE", "image exceeds the size limit")
			return
		}
		httputil.Error(w, http.StatusBadRequest, "INVALID_BODY", "failed to read request body")
		return
	}

	id, err := h.service.Save(r.Context(), body, name)
	middleware.WriteOperationLog(r.Context(), "SAVE_SIGNATURE", id, err)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Location", "/v1/signatures/"+id.String())
	httputil.JSON(w, http.StatusCreated, SaveResponse{ID: id.String()})
}

// Load は署名画像を復号して返す。download=1 の場合は添付ファイルとして返す。
func (h *SignatureHandler) Load(w http.ResponseWriter, r *http.Request) {
	id := domain.ArtifactID(chi.URLParam(r, "id"))

	plaintext, err := h.service.Load(r.Context(), id)
	middleware.WriteOperationLog(r.Context(), "LOAD_SIGNATURE", id, err)
	if err != nil {
		writeError(w, err)
		return
	}

	httputil.Binary(w, http.StatusOK, plaintext, id.String(), r.URL.Query().Get("download") == "1")
}

// Delete は署名画像と鍵を削除する。
func (h *SignatureHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := domain.ArtifactID(chi.URLParam(r, "id"))

	err := h.service.Delete(r.Context(), id)
	middleware.WriteOperationLog(r.Context(), "DELETE_SIGNATURE", id, err)
	if err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// List は署名画像の一覧を返す。
func (h *SignatureHandler) List(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.service.List(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to list signatures", "error", err)
		writeError(w, err)
		return
	}

	response := SignatureListResponse{
		Signatures: make([]SignatureResponse, len(summaries)),
	}
	for i, s := range summaries {
		response.Signatures[i] = SignatureResponse{
			ID:          s.ArtifactID.String(),
			DisplayName: s.DisplayName,
			Size:        s.Size,
			CreatedAt:   s.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	httputil.JSON(w, http.StatusOK, response)
}

// Consistency は暗号文と鍵レコードの対応を検査する。不整合がある場合は 409 を返す。
func (h *SignatureHandler) Consistency(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Verify(r.Context())
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to verify signatures", "error", err)
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if !report.Clean() {
		status = http.StatusConflict
		slog.WarnContext(r.Context(), "inconsistent signature store",
			"blobs_without_keys", len(report.BlobsWithoutKeys),
			"keys_without_blobs", len(report.KeysWithoutBlobs),
		)
	}
	httputil.JSON(w, status, ConsistencyResponse{
		Clean:            report.Clean(),
		Checked:          report.Checked,
		BlobsWithoutKeys: idStrings(report.BlobsWithoutKeys),
		KeysWithoutBlobs: idStrings(report.KeysWithoutBlobs),
	})
}

func idStrings(ids []domain.ArtifactID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
