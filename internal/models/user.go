package models

// MemberState 会话成员状态。
type MemberState string

const (
	MemberActive  MemberState = "active"
	MemberInvited MemberState = "invited"
	MemberLeft    MemberState = "left"
)

// Member 代表会话中的一个用户。
type Member struct {
	UserID        string      `json:"user_id"`
	DisplayName   string      `json:"display_name,omitempty"`
	Role          string      `json:"role,omitempty"`
	State         MemberState `json:"state,omitempty"`
	StatusMessage string      `json:"status_message,omitempty"`
}

// Active reports whether the member takes part in the conversation. A
// missing state counts as active.
func (m Member) Active() bool {
	return m.State == "" || m.State == MemberActive
}
