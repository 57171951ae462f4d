package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfSalt = "clipsync-ecdh"
	hkdfInfo = "clipsync-aes-256-gcm"
)

// KeyPair X25519 密钥对，配对时交换公钥
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

func GenerateKeyPair() (*KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.Public[:], pub)
	return &kp, nil
}

// GenerateKey 随机对称密钥，用于手工配对
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveKey 由本端私钥与对端公钥导出双方一致的 32 字节对称密钥
func DeriveKey(private, peerPublic []byte) ([]byte, error) {
	if len(private) != 32 || len(peerPublic) != 32 {
		return nil, fmt.Errorf("crypto: x25519 keys must be 32 bytes")
	}
	shared, err := curve25519.X25519(private, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("crypto: x25519: %w", err)
	}
	r := hkdf.New(sha256.New, shared, []byte(hkdfSalt), []byte(hkdfInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ParseKey 解析 base64 编码的 32 字节密钥（CLI 与中继 register_key 共用）
func ParseKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return key, nil
}

func EncodeKey(key []byte) string { return base64.StdEncoding.EncodeToString(key) }
