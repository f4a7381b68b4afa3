// Package middleware はHTTPミドルウェアと操作ログの出力を提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"signature-vault/internal/domain"
)

// 操作結果。
const (
	ResultSuccess = "SUCCESS"
	ResultFailed  = "FAILED"
)

// WriteOperationLog は署名画像の操作結果を1行のログとして出力する。
// err が nil でない場合は失敗したステップも出力する。
func WriteOperationLog(ctx context.Context, operation string, artifactID domain.ArtifactID, err error) {
	if err == nil {
		slog.InfoContext(ctx, "signature operation completed",
			"operation", operation,
			"artifact_id", artifactID,
			"result", ResultSuccess,
		)
		return
	}

	attrs := []any{
		"operation", operation,
		"artifact_id", artifactID,
		"result", ResultFailed,
		"error", err,
	}
	if step := domain.FailedStep(err); step != "" {
		attrs = append(attrs, "step", step)
	}
	slog.WarnContext(ctx, "signature operation failed", attrs...)
}

// RequestLogger はリクエストごとの処理時間を構造化ログで出力する。
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		slog.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}
