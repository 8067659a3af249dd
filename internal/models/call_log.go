package models

import "time"

// CallDirection 通话方向。
type CallDirection string

const (
	CallOutgoing CallDirection = "outgoing"
	CallIncoming CallDirection = "incoming"
)

// CallLog 是本地保存的一条通话记录。
// Reason 原样保存挂断原因 (hangup, decline, canceled, busy, failed)。
type CallLog struct {
	BaseModel
	CallID         string        `gorm:"type:varchar(64);uniqueIndex;not null" json:"callId"`
	ConversationID string        `gorm:"type:varchar(64);index;not null" json:"conversationId"`
	PeerUserID     string        `gorm:"type:varchar(64)" json:"peerUserId"`
	Kind           string        `gorm:"type:varchar(10);not null" json:"kind"`
	Direction      CallDirection `gorm:"type:varchar(10);not null" json:"direction"`
	Reason         string        `gorm:"type:varchar(20)" json:"reason"`
	StartedAt      time.Time     `gorm:"not null" json:"startedAt"`
	AnsweredAt     *time.Time    `json:"answeredAt,omitempty"`
	EndedAt        time.Time     `gorm:"not null" json:"endedAt"`
	DurationMs     int64         `json:"durationMs"`
}

// TableName 指定 CallLog 模型的表名。
func (CallLog) TableName() string {
	return "call_logs"
}

// Duration returns the connected duration of the call.
func (c CallLog) Duration() time.Duration {
	return time.Duration(c.DurationMs) * time.Millisecond
}
