package middleware

import (
	"net/http"
	"strings"

	jww "github.com/spf13/jwalterweatherman"

	"im-realtime/internal/auth"
)

// AuthTransport 是一个 http.RoundTripper，为每个请求附加 Bearer 令牌。
// 令牌在每次请求时从 CredentialStore 读取，因此轮换后立即生效。
type AuthTransport struct {
	Creds auth.CredentialStore
	Base  http.RoundTripper
}

// NewAuthTransport wraps base. A nil base uses http.DefaultTransport.
func NewAuthTransport(creds auth.CredentialStore, base http.RoundTripper) *AuthTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &AuthTransport{Creds: creds, Base: base}
}

// RoundTrip implements http.RoundTripper.
func (t *AuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token := ""
	if t.Creds != nil {
		token = strings.TrimSpace(t.Creds.Token())
	}
	if token == "" || req.Header.Get("Authorization") != "" {
		return t.Base.RoundTrip(req)
	}
	// RoundTripper 不得修改原请求
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.Base.RoundTrip(r)
	if err == nil && resp.StatusCode == http.StatusUnauthorized {
		jww.WARN.Printf("[api] %s %s 返回 401，令牌可能已过期", req.Method, req.URL.Path)
	}
	return resp, err
}

// BearerToken extracts the token of an "Authorization: Bearer x" header.
// ok is false when the header is missing or malformed.
func BearerToken(header string) (string, bool) {
	parts := strings.Split(header, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
