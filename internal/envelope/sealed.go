package envelope

import (
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"

	"signature-vault/internal/domain"
)

// ModeSealed は XSalsa20-Poly1305 (secretbox) の方式名。
const ModeSealed = "sealed"

const (
	sealedKeySize   = 32
	sealedNonceSize = 24
)

// SealedCodec はランダムノンスと認証タグ付きで暗号化する。
// 暗号文の形式は nonce(24) || secretbox.Seal の出力。
type SealedCodec struct {
	opts options
}

// NewSealedCodec は新しい SealedCodec を生成する。
func NewSealedCodec(opts ...Option) *SealedCodec {
	return &SealedCodec{opts: buildOptions(opts)}
}

func (c *SealedCodec) Name() string { return ModeSealed }

func (c *SealedCodec) KeySize() int { return sealedKeySize }

// GenerateKey は 256 bit 鍵を生成する。
func (c *SealedCodec) GenerateKey() (domain.SymmetricKey, error) {
	return randomKey(c.opts.random, sealedKeySize)
}

// Encrypt は平文を暗号化し、先頭にノンスを付けて返す。
func (c *SealedCodec) Encrypt(plaintext []byte, key domain.SymmetricKey) (domain.Envelope, error) {
	if len(key) != sealedKeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", domain.ErrEncryption, sealedKeySize, len(key))
	}
	var k [sealedKeySize]byte
	copy(k[:], key)

	var nonce [sealedNonceSize]byte
	if _, err := io.ReadFull(c.opts.random, nonce[:]); err != nil {
		return nil, fmt.Errorf("%w: generating nonce: %v", domain.ErrEncryption, err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &k), nil
}

// Decrypt は認証タグを検証して平文を返す。鍵が異なる場合は必ず失敗する。
func (c *SealedCodec) Decrypt(envelope domain.Envelope, key domain.SymmetricKey) ([]byte, error) {
	if len(key) != sealedKeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", domain.ErrDecryption, sealedKeySize, len(key))
	}
	if len(envelope) < sealedNonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}
	var k [sealedKeySize]byte
	copy(k[:], key)
	var nonce [sealedNonceSize]byte
	copy(nonce[:], envelope[:sealedNonceSize])

	plaintext, ok := secretbox.Open(nil, envelope[sealedNonceSize:], &nonce, &k)
	if !ok {
		return nil, fmt.Errorf("%w: authentication failed", domain.ErrDecryption)
	}
	return plaintext, nil
}
