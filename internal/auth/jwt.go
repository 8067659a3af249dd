package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims 是访问令牌中客户端关心的声明。
// 服务端把用户 ID 放在 sub 中。
type Claims struct {
	jwt.RegisteredClaims
}

// UserID returns the subject of the token.
func (c *Claims) UserID() string {
	return c.Subject
}

// ExpiresIn returns the time left before expiry, or zero when the token has
// no expiry claim.
func (c *Claims) ExpiresIn(now time.Time) time.Duration {
	if c.ExpiresAt == nil {
		return 0
	}
	return c.ExpiresAt.Time.Sub(now)
}

// ErrNoSubject is returned when a token carries no sub claim.
var ErrNoSubject = errors.New("令牌缺少 sub 声明")

// ParseClaims reads the claims of an access token without verifying its
// signature. The client never holds the signing key; the server checks the
// token when the channel connects.
func ParseClaims(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("解析 JWT 失败: %w", err)
	}
	if claims.Subject == "" {
		return nil, ErrNoSubject
	}
	return claims, nil
}
