package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// CodeConversationBlocked is returned when one side blocked the conversation.
const CodeConversationBlocked = "conversation_blocked"

// Reasons carried by a conversation_blocked error.
const (
	ReasonBlockedByOther = "blocked_by_other"
	ReasonBlockedByMe    = "blocked_by_me"
)

// Error is a non-2xx response of the REST API.
type Error struct {
	Status int
	Code   string
	Reason string
	// Detail 是服务端返回的可读信息，可能为空。
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("api: %d %s", e.Status, e.Detail)
	}
	if e.Code != "" {
		return fmt.Sprintf("api: %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("api: %d %s", e.Status, http.StatusText(e.Status))
}

// IsBlocked reports whether err is a conversation_blocked rejection.
func IsBlocked(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == CodeConversationBlocked
}

// IsStatus reports whether err is an API error with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == status
}

type errorBody struct {
	Detail  json.RawMessage `json:"detail"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

type detailObject struct {
	Code    string `json:"code"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// decodeError 解析 {"detail": "..."}、{"detail": [...]}、
// {"detail": {"code": ...}} 以及 {"message"} / {"error"} 形式的错误体。
func decodeError(resp *http.Response) error {
	apiErr := &Error{Status: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		apiErr.Detail = strings.TrimSpace(string(raw))
		if len(apiErr.Detail) > 200 {
			apiErr.Detail = ""
		}
		return apiErr
	}

	apiErr.Detail = detailText(body.Detail)
	var obj detailObject
	if len(body.Detail) > 0 && body.Detail[0] == '{' && json.Unmarshal(body.Detail, &obj) == nil {
		apiErr.Code = obj.Code
		apiErr.Reason = obj.Reason
		apiErr.Detail = obj.Message
	}
	if apiErr.Detail == "" {
		apiErr.Detail = strings.TrimSpace(body.Message)
	}
	if apiErr.Detail == "" {
		apiErr.Detail = strings.TrimSpace(body.Error)
	}
	return apiErr
}

func detailText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	var list []json.RawMessage
	if json.Unmarshal(raw, &list) == nil && len(list) > 0 {
		if json.Unmarshal(list[0], &s) == nil {
			return strings.TrimSpace(s)
		}
		// 校验错误形如 {"msg": "..."}
		var item struct {
			Msg string `json:"msg"`
		}
		if json.Unmarshal(list[0], &item) == nil {
			return strings.TrimSpace(item.Msg)
		}
	}
	return ""
}

// UserMessage turns err into a message for the user. Blocked conversations
// get a dedicated wording; otherwise the server detail is used, then the
// error text, then fallback.
func UserMessage(err error, fallback string) string {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == CodeConversationBlocked {
			if apiErr.Reason == ReasonBlockedByOther {
				return "Ce contact a bloqué cette conversation."
			}
			return "Vous avez bloqué cette conversation."
		}
		if msg := strings.TrimSpace(apiErr.Detail); msg != "" {
			return msg
		}
		return fallback
	}
	if msg := strings.TrimSpace(err.Error()); msg != "" {
		return msg
	}
	return fallback
}
