package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyGeneration は乱数源の初期化に失敗し鍵を生成できない場合のエラー。
	ErrKeyGeneration = errors.New("key generation failed")

	// ErrEncryption は鍵の形式不正などで暗号化できない場合のエラー。
	ErrEncryption = errors.New("encryption failed")

	// ErrDecryption は暗号文長・パディング・鍵の不正で復号できない場合のエラー。
	ErrDecryption = errors.New("decryption failed")

	// ErrKeyNotFound は指定された識別子の鍵レコードが存在しない場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyDecode は鍵レコードの文字列を鍵長のバイト列に復元できない場合のエラー。
	ErrKeyDecode = errors.New("key record cannot be decoded")

	// ErrBlobNotFound は指定された識別子の暗号文が存在しない場合のエラー。
	ErrBlobNotFound = errors.New("artifact blob not found")

	// ErrCorruption は暗号文と鍵レコードの一方だけが存在する場合のエラー。
	ErrCorruption = errors.New("artifact and key record are inconsistent")

	// ErrSave は保存処理のいずれかのステップが失敗した場合のエラー。
	ErrSave = errors.New("save failed")

	// ErrLoad は読み込み処理のいずれかのステップが失敗した場合のエラー。
	ErrLoad = errors.New("load failed")

	// ErrDelete は削除処理のいずれかのステップが失敗した場合のエラー。
	ErrDelete = errors.New("delete failed")

	// ErrInvalidArtifactID は識別子の形式が不正な場合のエラー。
	ErrInvalidArtifactID = errors.New("invalid artifact ID")

	// ErrInvalidBaseName は識別子の元になる名前が不正な場合のエラー。
	ErrInvalidBaseName = errors.New("invalid base name")

	// ErrEmptyImage は保存対象の画像が空の場合のエラー。
	ErrEmptyImage = errors.New("image is empty")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrMigrationFileNotFound はマイグレーションファイルが見つからない場合のエラー。
	ErrMigrationFileNotFound = errors.New("migration file not found")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)

// 成果物のライフサイクル操作。
const (
	OpSave   = "save"
	OpLoad   = "load"
	OpDelete = "delete"
)

// OpError はライフサイクル操作の失敗を、失敗したステップと識別子付きで保持する。
type OpError struct {
	Op         string
	Step       string
	ArtifactID ArtifactID
	Err        error
}

func (e *OpError) Error() string {
	if e == nil {
		return "<nil>"
	}
	base := fmt.Sprintf("%s %s", e.Op, e.Step)
	if e.ArtifactID != "" {
		base += fmt.Sprintf(" (artifact=%s)", e.ArtifactID)
	}
	if e.Err != nil {
		base += fmt.Sprintf(": %v", e.Err)
	}
	return base
}

func (e *OpError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is は操作種別に対応する ErrSave / ErrLoad / ErrDelete と一致させる。
func (e *OpError) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case ErrSave:
		return e.Op == OpSave
	case ErrLoad:
		return e.Op == OpLoad
	case ErrDelete:
		return e.Op == OpDelete
	}
	return false
}

// FailedStep は err に含まれる最初の OpError のステップ名を返す。
func FailedStep(err error) string {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Step
	}
	return ""
}
