// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"strings"
	"time"
)

// ArtifactID は暗号化された署名画像を一意に識別する文字列。
// 暗号文の保存先と鍵レコードの双方で同じ値を検索キーとして使う。
type ArtifactID string

// String は識別子の文字列表現を返す。
func (id ArtifactID) String() string {
	return string(id)
}

// Validate は識別子がパス区切りや制御文字を含まないことを確認する。
func (id ArtifactID) Validate() error {
	s := string(id)
	if s == "" || len(s) > 255 {
		return ErrInvalidArtifactID
	}
	if s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return ErrInvalidArtifactID
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return ErrInvalidArtifactID
		}
	}
	return nil
}

// SymmetricKey は一つの成果物に紐づく共通鍵。
type SymmetricKey []byte

// Envelope は平文画像を暗号化したバイト列。生成した鍵とのペアでのみ意味を持つ。
type Envelope []byte

// KeyRecord は永続化された鍵レコード（識別子 → Base64エンコード済み鍵）。
type KeyRecord struct {
	Namespace  string
	ArtifactID ArtifactID
	EncodedKey string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// BlobInfo は保存済み暗号文のメタデータを表す（暗号文そのものは含まない）。
type BlobInfo struct {
	ArtifactID  ArtifactID
	DisplayName string
	MimeType    string
	Directory   string
	Size        int64
	CreatedAt   time.Time
}

// ArtifactSummary は一覧表示用の成果物情報。
type ArtifactSummary struct {
	ArtifactID  ArtifactID
	DisplayName string
	Size        int64
	CreatedAt   time.Time
}

// ConsistencyReport は暗号文と鍵レコードの対応関係の検査結果。
type ConsistencyReport struct {
	Checked          int
	BlobsWithoutKeys []ArtifactID
	KeysWithoutBlobs []ArtifactID
}

// Clean は孤立した暗号文・鍵レコードが存在しない場合に true を返す。
func (r *ConsistencyReport) Clean() bool {
	return len(r.BlobsWithoutKeys) == 0 && len(r.KeysWithoutBlobs) == 0
}
