package repository

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"signature-vault/internal/domain"
)

// ArtifactBlobModel は暗号文を格納するgorm用のモデル定義。
type ArtifactBlobModel struct {
	ID          string    `gorm:"type:char(36);primaryKey"`
	ArtifactID  string    `gorm:"type:varchar(255);not null;uniqueIndex:uk_artifact_id"`
	DisplayName string    `gorm:"type:varchar(255);not null"`
	MimeType    string    `gorm:"type:varchar(64);not null"`
	Directory   string    `gorm:"type:varchar(255);not null;index:idx_directory"`
	Data        []byte    `gorm:"type:longblob;not null"`
	Size        int64     `gorm:"not null"`
	CreatedAt   time.Time `gorm:"type:datetime(6);not null;autoCreateTime"`
}

// TableName はテーブル名を返す。
func (ArtifactBlobModel) TableName() string {
	return "artifact_blobs"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *ArtifactBlobModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *ArtifactBlobModel) toInfo() domain.BlobInfo {
	return domain.BlobInfo{
		ArtifactID:  domain.ArtifactID(m.ArtifactID),
		DisplayName: m.DisplayName,
		MimeType:    m.MimeType,
		Directory:   m.Directory,
		Size:        m.Size,
		CreatedAt:   m.CreatedAt,
	}
}

// BlobRepository はデータベースを暗号文の保存先として使う。
type BlobRepository struct {
	db *gorm.DB
}

// NewBlobRepository は新しいBlobRepositoryを生成する。
func NewBlobRepository(db *gorm.DB) *BlobRepository {
	return &BlobRepository{db: db}
}

// Write は暗号文を保存する。同じ識別子の暗号文は置き換えられる。
func (r *BlobRepository) Write(ctx context.Context, id domain.ArtifactID, data []byte, mimeType, directory string) error {
	model := &ArtifactBlobModel{
		ArtifactID:  id.String(),
		DisplayName: id.String(),
		MimeType:    mimeType,
		Directory:   directory,
		Data:        data,
		Size:        int64(len(data)),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "artifact_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name", "mime_type", "directory", "data", "size"}),
		}).
		Create(model).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to write blob",
			"operation", "write",
			"artifact_id", id,
			"size", len(data),
			"error", err,
		)
		return err
	}
	return nil
}

// Read は暗号文を取得する。存在しない場合は domain.ErrBlobNotFound を返す。
func (r *BlobRepository) Read(ctx context.Context, id domain.ArtifactID) ([]byte, error) {
	var model ArtifactBlobModel
	err := r.db.WithContext(ctx).
		Where("artifact_id = ?", id.String()).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrBlobNotFound
		}
		slog.ErrorContext(ctx, "failed to read blob",
			"operation", "read",
			"artifact_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.Data, nil
}

// Exists は暗号文が存在するか確認する。
func (r *BlobRepository) Exists(ctx context.Context, id domain.ArtifactID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&ArtifactBlobModel{}).
		Where("artifact_id = ?", id.String()).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count blobs",
			"operation", "exists",
			"artifact_id", id,
			"error", err,
		)
		return false, err
	}
	return count > 0, nil
}

// Delete は暗号文を削除する。存在しない場合は何もしない。
func (r *BlobRepository) Delete(ctx context.Context, id domain.ArtifactID) error {
	err := r.db.WithContext(ctx).
		Where("artifact_id = ?", id.String()).
		Delete(&ArtifactBlobModel{}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to delete blob",
			"operation", "delete",
			"artifact_id", id,
			"error", err,
		)
		return err
	}
	return nil
}

// List はディレクトリ名に filter を含む暗号文のメタデータを作成日時順に取得する。
// filter が空の場合は全件を返す。大文字小文字は区別しない。
func (r *BlobRepository) List(ctx context.Context, filter string) ([]domain.BlobInfo, error) {
	var models []ArtifactBlobModel
	q := r.db.WithContext(ctx).
		Select("artifact_id", "display_name", "mime_type", "directory", "size", "created_at")
	if filter != "" {
		q = q.Where("LOWER(directory) LIKE ?", "%"+strings.ToLower(filter)+"%")
	}
	if err := q.Order("created_at ASC, artifact_id ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to list blobs",
			"operation", "list",
			"filter", filter,
			"error", err,
		)
		return nil, err
	}

	infos := make([]domain.BlobInfo, len(models))
	for i := range models {
		infos[i] = models[i].toInfo()
	}
	return infos, nil
}
