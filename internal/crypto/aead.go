// Package crypto 剪贴板内容的端到端加密（AES-256-GCM）与配对密钥协商（X25519 + HKDF）。
//
// 附加认证数据固定为发送方设备 ID，密文被转交或冒充其他发送方时认证失败。
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

var (
	// ErrAuthenticationFailure 密钥错误、数据被篡改或 aad 不匹配，不区分具体原因
	ErrAuthenticationFailure = errors.New("crypto: authentication failure")
	ErrInvalidKey            = errors.New("crypto: key must be 32 bytes")
)

// Sealed 分离存放的密文、nonce 与 tag，对应线上 encryption 块
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt 每次调用生成新的随机 nonce
func Encrypt(plaintext, key, aad []byte) (*Sealed, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return seal(plaintext, key, nonce, aad)
}

func seal(plaintext, key, nonce, aad []byte) (*Sealed, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	out := aead.Seal(nil, nonce, plaintext, aad)
	split := len(out) - TagSize
	return &Sealed{
		Ciphertext: out[:split:split],
		Nonce:      nonce,
		Tag:        out[split:],
	}, nil
}

// Decrypt 认证失败时不返回任何明文
func Decrypt(s *Sealed, key, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if s == nil || len(s.Nonce) != NonceSize || len(s.Tag) != TagSize {
		return nil, ErrAuthenticationFailure
	}
	buf := make([]byte, 0, len(s.Ciphertext)+TagSize)
	buf = append(buf, s.Ciphertext...)
	buf = append(buf, s.Tag...)
	pt, err := aead.Open(nil, s.Nonce, buf, aad)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return pt, nil
}
