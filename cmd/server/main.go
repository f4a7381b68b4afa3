// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/gorm"

	"signature-vault/config"
	"signature-vault/internal/envelope"
	"signature-vault/internal/handler"
	"signature-vault/internal/infra"
	"signature-vault/internal/repository"
	"signature-vault/internal/usecase"
	"signature-vault/migrations"
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(os.Stdout, cfg)

	// DB初期化
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is not set")
		os.Exit(1)
	}
	db, err := infra.NewDB(cfg)
	if err != nil {
		slog.Error("failed to init database", "error", err)
		os.Exit(1)
	}

	// マイグレーション適用
	var source fs.FS = migrations.FS
	if cfg.MigrationsDir != "" {
		source = os.DirFS(cfg.MigrationsDir)
	}
	applied, err := usecase.NewMigrationService(repository.NewMigrationRepository(db), db, source).ApplyMigrations(ctx)
	if err != nil {
		slog.Error("failed to apply migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("migrations applied", "count", applied)

	// 暗号方式
	codec, err := envelope.New(cfg.CodecMode)
	if err != nil {
		slog.Error("failed to init codec", "error", err)
		os.Exit(1)
	}

	// KMSクライアント初期化（鍵名が設定されている場合のみ）
	var wrapper usecase.KMSClient
	if cfg.KMSKeyName != "" {
		kmsClient, err := infra.NewKMSClient(ctx, cfg.KMSKeyName)
		if err != nil {
			slog.Error("failed to init KMS client", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := kmsClient.Close(); closeErr != nil {
				slog.Error("failed to close KMS client", "error", closeErr)
			}
		}()
		wrapper = kmsClient
	}

	blobs, err := newBlobStore(cfg, db)
	if err != nil {
		slog.Error("failed to init blob store", "error", err)
		os.Exit(1)
	}

	// DI
	keys := usecase.NewRecordKeyStore(repository.NewKeyRecordRepository(db, cfg.KeyNamespace), codec.KeySize(), wrapper)
	service := usecase.NewArtifactService(codec, keys, blobs,
		usecase.WithMimeType(cfg.ArtifactMimeType),
		usecase.WithDirectory(cfg.BlobDirectory),
		usecase.WithIDGenerator(usecase.NewIDGenerator(cfg.ArtifactExt, nil)),
	)
	h := handler.NewSignatureHandler(service)
	router := handler.NewRouter(h, cfg)

	// サーバー起動
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server",
		"port", cfg.Port,
		"codec", codec.Name(),
		"blob_backend", cfg.BlobBackend,
		"kms_wrapping", wrapper != nil,
	)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// newBlobStore は設定に応じて暗号文の保存先を生成する。
func newBlobStore(cfg *config.Config, db *gorm.DB) (usecase.BlobStore, error) {
	if cfg.BlobBackend == config.BlobBackendDB {
		return repository.NewBlobRepository(db), nil
	}
	return infra.NewFSBlobStore(cfg.BlobRoot)
}
