// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
)

// データベースドライバ。
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// 暗号文の保存先。
const (
	BlobBackendFS = "fs"
	BlobBackendDB = "db"
)

// 暗号化方式。
const (
	CodecModeLegacy = "legacy"
	CodecModeSealed = "sealed"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	DatabaseDriver     string
	DatabaseURL        string
	BlobBackend        string
	BlobRoot           string
	BlobDirectory      string
	KeyNamespace       string
	CodecMode          string
	ArtifactExt        string
	ArtifactMimeType   string
	KMSKeyName         string
	GoogleCloudProject string
	LogLevel           string
	MigrationsDir      string

	OtelEnabled      bool
	OtelEndpoint     string
	OtelServiceName  string
	OtelSamplingRate float64
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseDriver:     getEnv("DATABASE_DRIVER", DriverSQLite),
		DatabaseURL:        getEnv("DATABASE_URL", "signature-vault.db"),
		BlobBackend:        getEnv("BLOB_BACKEND", BlobBackendFS),
		BlobRoot:           getEnv("BLOB_ROOT", "./data"),
		BlobDirectory:      getEnv("BLOB_DIRECTORY", "Pictures/EncryptedSignatures"),
		KeyNamespace:       getEnv("KEY_NAMESPACE", "encrypted-signatures"),
		CodecMode:          getEnv("CODEC_MODE", CodecModeLegacy),
		ArtifactExt:        getEnv("ARTIFACT_EXT", ".png"),
		ArtifactMimeType:   getEnv("ARTIFACT_MIME_TYPE", "image/png"),
		KMSKeyName:         os.Getenv("KMS_KEY_NAME"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),
		MigrationsDir:      os.Getenv("MIGRATIONS_DIR"),
		OtelEnabled:        getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:       getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelServiceName:    getEnv("OTEL_SERVICE_NAME", "signature-vault"),
		OtelSamplingRate:   getEnvFloat("OTEL_SAMPLING_RATE", 1.0),
	}
}

// Validate は列挙値の設定が既知の値であることを確認する。
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite, DriverMySQL:
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	switch c.BlobBackend {
	case BlobBackendFS, BlobBackendDB:
	default:
		return fmt.Errorf("unsupported BLOB_BACKEND %q", c.BlobBackend)
	}
	switch c.CodecMode {
	case CodecModeLegacy, CodecModeSealed:
	default:
		return fmt.Errorf("unsupported CODEC_MODE %q", c.CodecMode)
	}
	if c.KeyNamespace == "" {
		return fmt.Errorf("KEY_NAMESPACE must not be empty")
	}
	if c.OtelSamplingRate < 0 || c.OtelSamplingRate > 1 {
		return fmt.Errorf("OTEL_SAMPLING_RATE must be within [0, 1], got %v", c.OtelSamplingRate)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvFloat(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return f
}
