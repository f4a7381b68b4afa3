package envelope

import (
	"crypto/aes"
	"fmt"

	"signature-vault/internal/domain"
)

// ModeLegacy は AES-128 / ECB / PKCS#7 パディングの方式名。
const ModeLegacy = "legacy"

const legacyKeySize = 16 // AES-128 = 128 bits = 16 bytes

// LegacyCodec は IV も認証タグも持たない AES-128-ECB で暗号化する。
//
// 同じ鍵と平文からは常に同じ暗号文が得られ、改ざん検知もできない。
// 既存の保存データとの互換のために残している方式であり、新規データには SealedCodec を使うこと。
type LegacyCodec struct {
	opts options
}

// NewLegacyCodec は新しい LegacyCodec を生成する。
func NewLegacyCodec(opts ...Option) *LegacyCodec {
	return &LegacyCodec{opts: buildOptions(opts)}
}

func (c *LegacyCodec) Name() string { return ModeLegacy }

func (c *LegacyCodec) KeySize() int { return legacyKeySize }

// GenerateKey は AES-128 鍵を生成する。
func (c *LegacyCodec) GenerateKey() (domain.SymmetricKey, error) {
	return randomKey(c.opts.random, legacyKeySize)
}

// Encrypt は平文全体を PKCS#7 でパディングしてブロック単位に暗号化する。
func (c *LegacyCodec) Encrypt(plaintext []byte, key domain.SymmetricKey) (domain.Envelope, error) {
	if len(key) != legacyKeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", domain.ErrEncryption, legacyKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEncryption, err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], padded[i:i+aes.BlockSize])
	}
	return out, nil
}

// Decrypt は Encrypt の逆変換を行う。
// 正しい形式の別の鍵で復号した場合、パディング検査をすり抜けて意味のないバイト列を返すことがある。
func (c *LegacyCodec) Decrypt(envelope domain.Envelope, key domain.SymmetricKey) ([]byte, error) {
	if len(key) != legacyKeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", domain.ErrDecryption, legacyKeySize, len(key))
	}
	if len(envelope) == 0 || len(envelope)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of %d", domain.ErrDecryption, len(envelope), aes.BlockSize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}

	out := make([]byte, len(envelope))
	for i := 0; i < len(envelope); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], envelope[i:i+aes.BlockSize])
	}
	plaintext, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	return plaintext, nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	padded := make([]byte, len(b)+n)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, fmt.Errorf("invalid padding length %d", n)
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return b[:len(b)-n], nil
}
