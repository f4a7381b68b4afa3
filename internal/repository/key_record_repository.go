// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"signature-vault/internal/domain"
)

// KeyRecordModel はgorm用のモデル定義。
// namespace と artifact_id の組で一意な、文字列キー・文字列値の永続マップとして使う。
type KeyRecordModel struct {
	ID         string    `gorm:"type:char(36);primaryKey"`
	Namespace  string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_namespace_artifact"`
	ArtifactID string    `gorm:"type:varchar(255);not null;uniqueIndex:uk_namespace_artifact"`
	EncodedKey string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (KeyRecordModel) TableName() string {
	return "key_records"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *KeyRecordModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *KeyRecordModel) toDomain() *domain.KeyRecord {
	return &domain.KeyRecord{
		Namespace:  m.Namespace,
		ArtifactID: domain.ArtifactID(m.ArtifactID),
		EncodedKey: m.EncodedKey,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

// KeyRecordRepository は鍵レコードへのデータアクセスを提供する。
type KeyRecordRepository struct {
	db        *gorm.DB
	namespace string
}

// NewKeyRecordRepository は namespace 配下の鍵レコードを扱う KeyRecordRepository を生成する。
func NewKeyRecordRepository(db *gorm.DB, namespace string) *KeyRecordRepository {
	return &KeyRecordRepository{db: db, namespace: namespace}
}

// Upsert は鍵レコードを保存する。既存のレコードは上書きされる。
func (r *KeyRecordRepository) Upsert(ctx context.Context, id domain.ArtifactID, encodedKey string) error {
	model := &KeyRecordModel{
		Namespace:  r.namespace,
		ArtifactID: id.String(),
		EncodedKey: encodedKey,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "namespace"}, {Name: "artifact_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"encoded_key", "updated_at"}),
		}).
		Create(model).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to upsert key record",
			"operation", "upsert",
			"namespace", r.namespace,
			"artifact_id", id,
			"error", err,
		)
		return err
	}
	return nil
}

// Find は指定された識別子の鍵レコードを取得する。存在しない場合は nil を返す。
func (r *KeyRecordRepository) Find(ctx context.Context, id domain.ArtifactID) (*domain.KeyRecord, error) {
	var model KeyRecordModel
	err := r.db.WithContext(ctx).
		Where("namespace = ? AND artifact_id = ?", r.namespace, id.String()).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key record",
			"operation", "find",
			"namespace", r.namespace,
			"artifact_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// Delete は指定された識別子の鍵レコードを削除する。存在しない場合は何もしない。
func (r *KeyRecordRepository) Delete(ctx context.Context, id domain.ArtifactID) error {
	err := r.db.WithContext(ctx).
		Where("namespace = ? AND artifact_id = ?", r.namespace, id.String()).
		Delete(&KeyRecordModel{}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to delete key record",
			"operation", "delete",
			"namespace", r.namespace,
			"artifact_id", id,
			"error", err,
		)
		return err
	}
	return nil
}

// ListArtifactIDs は namespace 配下の全識別子を昇順で取得する。
func (r *KeyRecordRepository) ListArtifactIDs(ctx context.Context) ([]domain.ArtifactID, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&KeyRecordModel{}).
		Where("namespace = ?", r.namespace).
		Order("artifact_id ASC").
		Pluck("artifact_id", &ids).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list key records",
			"operation", "list_artifact_ids",
			"namespace", r.namespace,
			"error", err,
		)
		return nil, err
	}

	result := make([]domain.ArtifactID, len(ids))
	for i, id := range ids {
		result[i] = domain.ArtifactID(id)
	}
	return result, nil
}
