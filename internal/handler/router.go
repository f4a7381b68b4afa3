package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"signature-vault/config"
	"signature-vault/internal/middleware"
)

// NewRouter はルーターを生成する。
func NewRouter(h *SignatureHandler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	// ルート定義
	r.Route("/v1/signatures", func(r chi.Router) {
		r.Post("/", h.Save)
		r.Get("/", h.List)
		r.Get("/consistency", h.Consistency)
		r.Get("/{id}", h.Load)
		r.Delete("/{id}", h.Delete)
	})

	if !cfg.OtelEnabled {
		return r
	}
	return otelhttp.NewHandler(r, cfg.OtelServiceName)
}
