// Package api 是会话 REST 接口的客户端。
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"im-realtime/internal/auth"
	"im-realtime/internal/config"
	"im-realtime/internal/middleware"
)

// Client calls the conversation REST endpoints. Requests carry the current
// bearer token of the credential store.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for cfg.BaseURL. A nil httpClient gets a fresh
// client with cfg.Timeout.
func NewClient(cfg config.APIConfig, creds auth.CredentialStore, httpClient *http.Client) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	hc := *httpClient
	hc.Transport = middleware.NewAuthTransport(creds, httpClient.Transport)
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &hc,
	}
}

func conversationPath(conversationID string, parts ...string) string {
	p := "/conversations/" + url.PathEscape(conversationID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// do 发送 JSON 请求并把响应体解码到 out（可为 nil）。
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) (http.Header, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("编码请求体失败: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) (http.Header, error) {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	jww.DEBUG.Printf("[api] %s %s -> %d (%s)", req.Method, req.URL.Path, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.Header, decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.Header, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return resp.Header, fmt.Errorf("解码 %s %s 响应失败: %w", req.Method, req.URL.Path, err)
	}
	return resp.Header, nil
}
