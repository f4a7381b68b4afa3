package repository

import (
	"io/fs"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"signature-vault/migrations"
)

// setupTestDB はマイグレーション適用済みのインメモリSQLiteデータベースを作成する。
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	// :memory: は接続ごとに別DBになるため1接続に固定する
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	files, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		t.Fatalf("failed to list migrations: %v", err)
	}
	for _, name := range files {
		sql, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			t.Fatalf("failed to read %s: %v", name, err)
		}
		if err := db.Exec(string(sql)).Error; err != nil {
			t.Fatalf("failed to apply %s: %v", name, err)
		}
	}

	return db
}
