// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"signature-vault/internal/domain"
)

// 識別子の衝突を避けるために払い出しを試みる最大回数。
const maxIDAttempts = 16

// 失敗したステップ名。
const (
	StepValidate    = "validate"
	StepGenerateID  = "generate_id"
	StepGenerateKey = "generate_key"
	StepEncrypt     = "encrypt"
	StepWriteBlob   = "write_blob"
	StepPutKey      = "put_key"
	StepGetKey      = "get_key"
	StepReadBlob    = "read_blob"
	StepDecrypt     = "decrypt"
	StepDeleteBlob  = "delete_blob"
	StepDeleteKey   = "delete_key"
	StepDeleteBoth  = "delete_blob_and_key"
	StepListBlobs   = "list_blobs"
	StepListKeys    = "list_keys"
)

// EnvelopeCodec は鍵生成と暗号化/復号のインターフェース。
type EnvelopeCodec interface {
	GenerateKey() (domain.SymmetricKey, error)
	Encrypt(plaintext []byte, key domain.SymmetricKey) (domain.Envelope, error)
	Decrypt(envelope domain.Envelope, key domain.SymmetricKey) ([]byte, error)
}

// KeyStore は識別子から共通鍵への永続的な対応のインターフェース。
type KeyStore interface {
	Put(ctx context.Context, id domain.ArtifactID, key domain.SymmetricKey) error
	Get(ctx context.Context, id domain.ArtifactID) (domain.SymmetricKey, error)
	Delete(ctx context.Context, id domain.ArtifactID) error
	List(ctx context.Context) ([]domain.ArtifactID, error)
}

// BlobStore は識別子で参照する暗号文保存先のインターフェース。
type BlobStore interface {
	Write(ctx context.Context, id domain.ArtifactID, data []byte, mimeType, directory string) error
	Read(ctx context.Context, id domain.ArtifactID) ([]byte, error)
	Exists(ctx context.Context, id domain.ArtifactID) (bool, error)
	Delete(ctx context.Context, id domain.ArtifactID) error
	List(ctx context.Context, filter string) ([]domain.BlobInfo, error)
}

// ArtifactService は署名画像の暗号化保存・復号読み込み・削除を提供する。
// 同じ識別子に対する操作は直列化される。
type ArtifactService struct {
	codec     EnvelopeCodec
	keys      KeyStore
	blobs     BlobStore
	ids       *IDGenerator
	locks     *artifactLocks
	mimeType  string
	directory string
	tracer    trace.Tracer
}

// ServiceOption は ArtifactService の生成オプション。
type ServiceOption func(*ArtifactService)

// WithMimeType は暗号文に付与するMIMEタイプを指定する。
func WithMimeType(mimeType string) ServiceOption {
	return func(s *ArtifactService) { s.mimeType = mimeType }
}

// WithDirectory は暗号文の保存先ディレクトリ名（一覧の絞り込みにも使う）を指定する。
func WithDirectory(directory string) ServiceOption {
	return func(s *ArtifactService) { s.directory = directory }
}

// WithIDGenerator は識別子の払い出し方法を差し替える。
func WithIDGenerator(g *IDGenerator) ServiceOption {
	return func(s *ArtifactService) { s.ids = g }
}

// NewArtifactService は新しいArtifactServiceを生成する。
func NewArtifactService(codec EnvelopeCodec, keys KeyStore, blobs BlobStore, opts ...ServiceOption) *ArtifactService {
	s := &ArtifactService{
		codec:     codec,
		keys:      keys,
		blobs:     blobs,
		ids:       NewIDGenerator(".png", nil),
		locks:     newArtifactLocks(),
		mimeType:  "image/png",
		directory: "Pictures/EncryptedSignatures",
		tracer:    otel.Tracer("signature-vault/usecase"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func opFailed(span trace.Span, op, step string, id domain.ArtifactID, err error) error {
	opErr := &domain.OpError{Op: op, Step: step, ArtifactID: id, Err: err}
	span.RecordError(opErr)
	span.SetStatus(codes.Error, step)
	return opErr
}

// Save は画像を新しい鍵で暗号化して保存し、識別子を返す。
// 鍵レコードの書き込みに失敗した場合は書き込んだ暗号文を削除する。
func (s *ArtifactService) Save(ctx context.Context, plaintext []byte, baseName string) (domain.ArtifactID, error) {
	ctx, span := s.tracer.Start(ctx, "artifact.save")
	defer span.End()

	if len(plaintext) == 0 {
		return "", opFailed(span, domain.OpSave, StepValidate, "", domain.ErrEmptyImage)
	}

	id, err := s.nextID(ctx, baseName)
	if err != nil {
		return "", opFailed(span, domain.OpSave, StepGenerateID, "", err)
	}
	span.SetAttributes(attribute.String("artifact.id", id.String()))

	unlock := s.locks.Lock(id)
	defer unlock()

	key, err := s.codec.GenerateKey()
	if err != nil {
		return "", opFailed(span, domain.OpSave, StepGenerateKey, id, err)
	}

	envelope, err := s.codec.Encrypt(plaintext, key)
	if err != nil {
		return "", opFailed(span, domain.OpSave, StepEncrypt, id, err)
	}

	if err := s.blobs.Write(ctx, id, envelope, s.mimeType, s.directory); err != nil {
		// 書き込み途中で失敗した場合に備えて削除を試みる
		if rbErr := s.blobs.Delete(ctx, id); rbErr != nil {
			err = errors.Join(err, fmt.Errorf("%w: removing partial blob: %v", domain.ErrCorruption, rbErr))
		}
		return "", opFailed(span, domain.OpSave, StepWriteBlob, id, err)
	}

	if err := s.keys.Put(ctx, id, key); err != nil {
		if rbErr := s.blobs.Delete(ctx, id); rbErr != nil {
			slog.ErrorContext(ctx, "failed to roll back blob after key write failure",
				"operation", "save",
				"artifact_id", id,
				"error", rbErr,
			)
			err = errors.Join(err, fmt.Errorf("%w: orphaned blob left behind: %v", domain.ErrCorruption, rbErr))
		}
		return "", opFailed(span, domain.OpSave, StepPutKey, id, err)
	}

	return id, nil
}

// nextID は暗号文が存在しない識別子を払い出す。
func (s *ArtifactService) nextID(ctx context.Context, baseName string) (domain.ArtifactID, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id, err := s.ids.Next(baseName)
		if err != nil {
			return "", err
		}
		exists, err := s.blobs.Exists(ctx, id)
		if err != nil {
			return "", fmt.Errorf("checking identifier %s: %w", id, err)
		}
		if !exists {
			return id, nil
		}
	}
	return "", fmt.Errorf("no free identifier for %q after %d attempts", baseName, maxIDAttempts)
}

// Load は鍵を引いて暗号文を復号し、平文画像を返す。
//
// 正しい形式の別の鍵で暗号化されていた場合は意味のないバイト列が返ることがあり、
// 画像として妥当かどうかの検証は呼び出し側の責任とする。
func (s *ArtifactService) Load(ctx context.Context, id domain.ArtifactID) ([]byte, error) {
	ctx, span := s.tracer.Start(ctx, "artifact.load",
		trace.WithAttributes(attribute.String("artifact.id", id.String())))
	defer span.End()

	if err := id.Validate(); err != nil {
		return nil, opFailed(span, domain.OpLoad, StepValidate, id, err)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	key, err := s.keys.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrKeyNotFound) {
			// 暗号文だけが残っている場合は不整合として報告する
			if exists, xerr := s.blobs.Exists(ctx, id); xerr == nil && exists {
				err = errors.Join(err, domain.ErrCorruption)
			}
		}
		return nil, opFailed(span, domain.OpLoad, StepGetKey, id, err)
	}

	envelope, err := s.blobs.Read(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrBlobNotFound) {
			err = errors.Join(err, domain.ErrCorruption)
		}
		return nil, opFailed(span, domain.OpLoad, StepReadBlob, id, err)
	}

	plaintext, err := s.codec.Decrypt(envelope, key)
	if err != nil {
		return nil, opFailed(span, domain.OpLoad, StepDecrypt, id, err)
	}
	return plaintext, nil
}

// Delete は暗号文と鍵レコードを削除する。
// 一方が失敗してももう一方の削除を試み、両方の失敗を報告する。
func (s *ArtifactService) Delete(ctx context.Context, id domain.ArtifactID) error {
	ctx, span := s.tracer.Start(ctx, "artifact.delete",
		trace.WithAttributes(attribute.String("artifact.id", id.String())))
	defer span.End()

	if err := id.Validate(); err != nil {
		return opFailed(span, domain.OpDelete, StepValidate, id, err)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	blobErr := s.blobs.Delete(ctx, id)
	keyErr := s.keys.Delete(ctx, id)

	switch {
	case blobErr != nil && keyErr != nil:
		return opFailed(span, domain.OpDelete, StepDeleteBoth, id, errors.Join(
			fmt.Errorf("%s: %w", StepDeleteBlob, blobErr),
			fmt.Errorf("%s: %w", StepDeleteKey, keyErr),
		))
	case blobErr != nil:
		// 鍵だけが消えて暗号文が残った状態
		return opFailed(span, domain.OpDelete, StepDeleteBlob, id, errors.Join(blobErr, domain.ErrCorruption))
	case keyErr != nil:
		return opFailed(span, domain.OpDelete, StepDeleteKey, id, errors.Join(keyErr, domain.ErrCorruption))
	}
	return nil
}

// List は保存先ディレクトリの成果物を作成日時順に返す。
func (s *ArtifactService) List(ctx context.Context) ([]domain.ArtifactSummary, error) {
	ctx, span := s.tracer.Start(ctx, "artifact.list")
	defer span.End()

	infos, err := s.blobs.List(ctx, s.directory)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, StepListBlobs)
		return nil, fmt.Errorf("listing blobs: %w", err)
	}

	summaries := make([]domain.ArtifactSummary, len(infos))
	for i, info := range infos {
		summaries[i] = domain.ArtifactSummary{
			ArtifactID:  info.ArtifactID,
			DisplayName: info.DisplayName,
			Size:        info.Size,
			CreatedAt:   info.CreatedAt,
		}
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.Before(summaries[j].CreatedAt)
	})
	return summaries, nil
}

// Verify は暗号文と鍵レコードを突き合わせ、一方だけが存在する識別子を報告する。
func (s *ArtifactService) Verify(ctx context.Context) (*domain.ConsistencyReport, error) {
	ctx, span := s.tracer.Start(ctx, "artifact.verify")
	defer span.End()

	infos, err := s.blobs.List(ctx, s.directory)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%s: %w", StepListBlobs, err)
	}
	keyIDs, err := s.keys.List(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%s: %w", StepListKeys, err)
	}

	blobSet := make(map[domain.ArtifactID]struct{}, len(infos))
	for _, info := range infos {
		blobSet[info.ArtifactID] = struct{}{}
	}
	keySet := make(map[domain.ArtifactID]struct{}, len(keyIDs))
	for _, id := range keyIDs {
		keySet[id] = struct{}{}
	}

	report := &domain.ConsistencyReport{}
	for id := range blobSet {
		if _, ok := keySet[id]; !ok {
			report.BlobsWithoutKeys = append(report.BlobsWithoutKeys, id)
		}
	}
	for id := range keySet {
		if _, ok := blobSet[id]; !ok {
			report.KeysWithoutBlobs = append(report.KeysWithoutBlobs, id)
		}
	}
	report.Checked = len(blobSet) + len(report.KeysWithoutBlobs)
	sort.Slice(report.BlobsWithoutKeys, func(i, j int) bool { return report.BlobsWithoutKeys[i] < report.BlobsWithoutKeys[j] })
	sort.Slice(report.KeysWithoutBlobs, func(i, j int) bool { return report.KeysWithoutBlobs[i] < report.KeysWithoutBlobs[j] })

	span.SetAttributes(
		attribute.Int("artifact.checked", report.Checked),
		attribute.Int("artifact.orphan_blobs", len(report.BlobsWithoutKeys)),
		attribute.Int("artifact.orphan_keys", len(report.KeysWithoutBlobs)),
	)
	return report, nil
}
