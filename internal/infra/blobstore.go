package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"signature-vault/internal/domain"
)

const (
	objectsDir = "objects"
	metaDir    = "meta"
)

// blobMeta は暗号文ファイルに対応するメタデータファイルの内容。
type blobMeta struct {
	ArtifactID  string    `json:"artifact_id"`
	DisplayName string    `json:"display_name"`
	MimeType    string    `json:"mime_type"`
	Directory   string    `json:"directory"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// FSBlobStore はローカルディレクトリに暗号文を保存する。
//
// レイアウト:
//
//	<root>/objects/<artifact_id>      暗号文
//	<root>/meta/<artifact_id>.json    メタデータ（ディレクトリ名・MIMEタイプ・作成日時）
type FSBlobStore struct {
	mu   sync.RWMutex
	root string
	now  func() time.Time
}

// FSOption は FSBlobStore の生成オプション。
type FSOption func(*FSBlobStore)

// WithNow はテスト用に時刻取得関数を差し替える。
func WithNow(now func() time.Time) FSOption {
	return func(s *FSBlobStore) { s.now = now }
}

// NewFSBlobStore は root 配下に保存する FSBlobStore を生成する。
func NewFSBlobStore(root string, opts ...FSOption) (*FSBlobStore, error) {
	for _, dir := range []string{objectsDir, metaDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o700); err != nil {
			return nil, fmt.Errorf("creating blob directory: %w", err)
		}
	}
	s := &FSBlobStore{root: root, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FSBlobStore) objectPath(id domain.ArtifactID) string {
	return filepath.Join(s.root, objectsDir, id.String())
}

func (s *FSBlobStore) metaPath(id domain.ArtifactID) string {
	return filepath.Join(s.root, metaDir, id.String()+".json")
}

// Write は暗号文とメタデータを一時ファイル経由で書き込む。同じ識別子のファイルは置き換えられる。
func (s *FSBlobStore) Write(ctx context.Context, id domain.ArtifactID, data []byte, mimeType, directory string) error {
	if err := id.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeFileAtomic(s.objectPath(id), data); err != nil {
		slog.ErrorContext(ctx, "failed to write blob",
			"operation", "write",
			"artifact_id", id,
			"error", err,
		)
		return err
	}

	meta, err := json.Marshal(blobMeta{
		ArtifactID:  id.String(),
		DisplayName: id.String(),
		MimeType:    mimeType,
		Directory:   directory,
		Size:        int64(len(data)),
		CreatedAt:   s.now().UTC(),
	})
	if err != nil {
		_ = os.Remove(s.objectPath(id))
		return fmt.Errorf("encoding blob metadata: %w", err)
	}
	if err := writeFileAtomic(s.metaPath(id), meta); err != nil {
		_ = os.Remove(s.objectPath(id))
		slog.ErrorContext(ctx, "failed to write blob metadata",
			"operation", "write",
			"artifact_id", id,
			"error", err,
		)
		return err
	}
	return nil
}

// Read は暗号文を読み込む。存在しない場合は domain.ErrBlobNotFound を返す。
func (s *FSBlobStore) Read(ctx context.Context, id domain.ArtifactID) ([]byte, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.objectPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.ErrBlobNotFound
		}
		slog.ErrorContext(ctx, "failed to read blob",
			"operation", "read",
			"artifact_id", id,
			"error", err,
		)
		return nil, err
	}
	return data, nil
}

// Exists は暗号文が存在するか確認する。
func (s *FSBlobStore) Exists(ctx context.Context, id domain.ArtifactID) (bool, error) {
	if err := id.Validate(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.objectPath(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Delete は暗号文とメタデータを削除する。存在しない場合は何もしない。
func (s *FSBlobStore) Delete(ctx context.Context, id domain.ArtifactID) error {
	if err := id.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, path := range []string{s.objectPath(id), s.metaPath(id)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		slog.ErrorContext(ctx, "failed to delete blob",
			"operation", "delete",
			"artifact_id", id,
			"error", err,
		)
		return err
	}
	return nil
}

// List はディレクトリ名に filter を含む暗号文のメタデータを作成日時順に返す。
// filter が空の場合は全件を返す。大文字小文字は区別しない。
func (s *FSBlobStore) List(ctx context.Context, filter string) ([]domain.BlobInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.root, metaDir))
	if err != nil {
		return nil, fmt.Errorf("reading metadata directory: %w", err)
	}

	filter = strings.ToLower(filter)
	var infos []domain.BlobInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.root, metaDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading metadata %s: %w", entry.Name(), err)
		}
		var meta blobMeta
		if err := json.Unmarshal(b, &meta); err != nil {
			slog.WarnContext(ctx, "skipping unreadable blob metadata",
				"operation", "list",
				"file", entry.Name(),
				"error", err,
			)
			continue
		}
		if filter != "" && !strings.Contains(strings.ToLower(meta.Directory), filter) {
			continue
		}
		infos = append(infos, domain.BlobInfo{
			ArtifactID:  domain.ArtifactID(meta.ArtifactID),
			DisplayName: meta.DisplayName,
			MimeType:    meta.MimeType,
			Directory:   meta.Directory,
			Size:        meta.Size,
			CreatedAt:   meta.CreatedAt,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		}
		return infos[i].ArtifactID < infos[j].ArtifactID
	})
	return infos, nil
}

// writeFileAtomic は一時ファイルに書き込んでから rename する。
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
