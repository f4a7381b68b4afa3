package usecase

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"signature-vault/internal/domain"
)

// KeyRecordRepository は鍵レコード（文字列キー・文字列値の永続マップ）のインターフェース。
type KeyRecordRepository interface {
	Upsert(ctx context.Context, id domain.ArtifactID, encodedKey string) error
	Find(ctx context.Context, id domain.ArtifactID) (*domain.KeyRecord, error)
	Delete(ctx context.Context, id domain.ArtifactID) error
	ListArtifactIDs(ctx context.Context) ([]domain.ArtifactID, error)
}

// KMSClient は鍵素材を保存前にラップするための暗号化/復号のインターフェース。
type KMSClient interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// RecordKeyStore は識別子から共通鍵への対応を鍵レコードとして永続化する。
// 値は鍵バイト列（KMS 利用時はラップ済みバイト列）の Base64 文字列。
type RecordKeyStore struct {
	repo    KeyRecordRepository
	keySize int
	kms     KMSClient
}

// NewRecordKeyStore は新しいRecordKeyStoreを生成する。kms が nil の場合は鍵をそのまま保存する。
func NewRecordKeyStore(repo KeyRecordRepository, keySize int, kms KMSClient) *RecordKeyStore {
	return &RecordKeyStore{
		repo:    repo,
		keySize: keySize,
		kms:     kms,
	}
}

// Put は鍵を保存する。既存のレコードは上書きされる。
func (s *RecordKeyStore) Put(ctx context.Context, id domain.ArtifactID, key domain.SymmetricKey) error {
	raw := []byte(key)
	if s.kms != nil {
		wrapped, err := s.kms.Encrypt(ctx, key)
		if err != nil {
			return fmt.Errorf("wrapping key: %w", err)
		}
		raw = wrapped
	}

	if err := s.repo.Upsert(ctx, id, base64.StdEncoding.EncodeToString(raw)); err != nil {
		return fmt.Errorf("storing key record: %w", err)
	}
	return nil
}

// Get は鍵を取得する。
// レコードが無い場合は domain.ErrKeyNotFound、鍵長のバイト列に戻せない場合は domain.ErrKeyDecode を返す。
func (s *RecordKeyStore) Get(ctx context.Context, id domain.ArtifactID) (domain.SymmetricKey, error) {
	rec, err := s.repo.Find(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding key record: %w", err)
	}
	if rec == nil {
		return nil, domain.ErrKeyNotFound
	}

	// 改行付きで書き込まれた古いレコードも読めるよう空白を除去する
	encoded := strings.Join(strings.Fields(rec.EncodedKey), "")
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyDecode, err)
	}

	if s.kms != nil {
		unwrapped, err := s.kms.Decrypt(ctx, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: unwrapping key: %v", domain.ErrKeyDecode, err)
		}
		raw = unwrapped
	}

	if len(raw) != s.keySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", domain.ErrKeyDecode, s.keySize, len(raw))
	}
	return raw, nil
}

// Delete は鍵レコードを削除する。存在しない場合は何もしない。
func (s *RecordKeyStore) Delete(ctx context.Context, id domain.ArtifactID) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting key record: %w", err)
	}
	return nil
}

// List は鍵レコードが存在する識別子を取得する。
func (s *RecordKeyStore) List(ctx context.Context) ([]domain.ArtifactID, error) {
	ids, err := s.repo.ListArtifactIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing key records: %w", err)
	}
	return ids, nil
}
