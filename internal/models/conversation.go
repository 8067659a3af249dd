package models

// ConversationType 定义了会话的类型。
type ConversationType string

const (
	DirectConversation ConversationType = "direct" // 一对一聊天
	GroupConversation  ConversationType = "group"  // 群组聊天
)

// Conversation 是客户端持有的会话成员快照。
type Conversation struct {
	ID      string           `json:"id"`
	Title   string           `json:"title,omitempty"`
	Type    ConversationType `json:"type"`
	Members []Member         `json:"members"`
}

// ActiveMembers returns the members whose state is active.
func (c Conversation) ActiveMembers() []Member {
	out := make([]Member, 0, len(c.Members))
	for _, m := range c.Members {
		if m.Active() {
			out = append(out, m)
		}
	}
	return out
}

// DefaultCallTarget returns the first active member that is not selfID.
func (c Conversation) DefaultCallTarget(selfID string) (string, bool) {
	for _, m := range c.ActiveMembers() {
		if m.UserID != "" && m.UserID != selfID {
			return m.UserID, true
		}
	}
	return "", false
}

// Member looks up a member by user id.
func (c Conversation) Member(userID string) (Member, bool) {
	for _, m := range c.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return Member{}, false
}

// Cursor is the pagination window of an open conversation.
type Cursor struct {
	Before    *int64
	After     *int64
	HasBefore bool
	HasAfter  bool
}
