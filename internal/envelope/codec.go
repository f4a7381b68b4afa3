// Package envelope は成果物ごとの共通鍵生成と、画像バイト列の暗号化・復号を提供する。
package envelope

import (
	"crypto/rand"
	"fmt"
	"io"

	"signature-vault/internal/domain"
)

// Codec は鍵生成と暗号化・復号の変換を行う。
type Codec interface {
	// Name は保存形式を区別するための方式名を返す。
	Name() string
	// KeySize は鍵のバイト長を返す。
	KeySize() int
	GenerateKey() (domain.SymmetricKey, error)
	Encrypt(plaintext []byte, key domain.SymmetricKey) (domain.Envelope, error)
	Decrypt(envelope domain.Envelope, key domain.SymmetricKey) ([]byte, error)
}

// Option は Codec の生成オプション。
type Option func(*options)

type options struct {
	random io.Reader
}

// WithRandom は鍵・ノンス生成に使う乱数源を差し替える。
func WithRandom(r io.Reader) Option {
	return func(o *options) { o.random = r }
}

func buildOptions(opts []Option) options {
	o := options{random: rand.Reader}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New は方式名から Codec を生成する。
func New(mode string, opts ...Option) (Codec, error) {
	switch mode {
	case ModeLegacy:
		return NewLegacyCodec(opts...), nil
	case ModeSealed:
		return NewSealedCodec(opts...), nil
	default:
		return nil, fmt.Errorf("unknown codec mode %q", mode)
	}
}

// randomKey は r から size バイトの鍵を読み出す。
func randomKey(r io.Reader, size int) (domain.SymmetricKey, error) {
	key := make([]byte, size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("%w: reading random bytes: %v", domain.ErrKeyGeneration, err)
	}
	return key, nil
}
