package usecase

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"signature-vault/internal/domain"
)

// IDGenerator は <baseName>_<unix-millis><ext> 形式の識別子を払い出す。
// 払い出すミリ秒値はプロセス内で単調増加し、同一ミリ秒内の連続呼び出しでも重複しない。
type IDGenerator struct {
	mu   sync.Mutex
	ext  string
	now  func() time.Time
	last int64
}

// NewIDGenerator は新しいIDGeneratorを生成する。now が nil の場合は time.Now を使う。
func NewIDGenerator(ext string, now func() time.Time) *IDGenerator {
	if now == nil {
		now = time.Now
	}
	return &IDGenerator{ext: ext, now: now}
}

// Next は baseName から次の識別子を生成する。
func (g *IDGenerator) Next(baseName string) (domain.ArtifactID, error) {
	baseName = strings.TrimSpace(baseName)
	if baseName == "" || strings.ContainsAny(baseName, `/\`) {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidBaseName, baseName)
	}

	g.mu.Lock()
	ms := g.now().UnixMilli()
	if ms <= g.last {
		ms = g.last + 1
	}
	g.last = ms
	g.mu.Unlock()

	id := domain.ArtifactID(fmt.Sprintf("%s_%d%s", baseName, ms, g.ext))
	if err := id.Validate(); err != nil {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidBaseName, baseName)
	}
	return id, nil
}
