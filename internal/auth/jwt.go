// Package auth 中继的设备令牌：HS256 JWT，subject 为设备 ID。
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrEmptySecret  = errors.New("auth: empty secret")
)

const issuer = "clipsync-relay"

type Claims struct {
	Platform string `json:"platform,omitempty"`
	jwt.RegisteredClaims
}

// Issue 为设备签发令牌，ttl<=0 表示不过期
func Issue(secret []byte, deviceID string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  deviceID,
			Issuer:   issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Verify 校验签名与有效期，返回令牌中的设备 ID
func Verify(secret []byte, tokenStr string) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// BearerToken 取出 Authorization: Bearer 头中的令牌
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", ErrMissingToken
	}
	tok := strings.TrimSpace(h[len(prefix):])
	if tok == "" {
		return "", ErrMissingToken
	}
	return tok, nil
}

// Authorize 校验请求令牌且 subject 必须与声明的设备 ID 一致
func Authorize(secret []byte, r *http.Request, deviceID string) error {
	tok, err := BearerToken(r)
	if err != nil {
		return err
	}
	sub, err := Verify(secret, tok)
	if err != nil {
		return err
	}
	if sub != deviceID {
		return ErrInvalidToken
	}
	return nil
}
