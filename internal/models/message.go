package models

import (
	"strings"
	"time"
)

// DeliveryState 消息投递状态。
type DeliveryState string

const (
	DeliveryQueued    DeliveryState = "queued"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
)

// ParseDeliveryState normalizes a wire delivery state. Unknown values count
// as delivered.
func ParseDeliveryState(s string) DeliveryState {
	switch DeliveryState(strings.ToLower(strings.TrimSpace(s))) {
	case DeliveryQueued:
		return DeliveryQueued
	case DeliveryRead:
		return DeliveryRead
	default:
		return DeliveryDelivered
	}
}

// Attachment describes a file attached to a message.
type Attachment struct {
	ID          string `json:"id"`
	FileName    string `json:"file_name"`
	MimeType    string `json:"mime_type"`
	SizeBytes   int64  `json:"size_bytes"`
	SHA256      string `json:"sha256,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
}

// Reaction 是某个 emoji 的聚合计数。
type Reaction struct {
	Emoji   string `json:"emoji"`
	Count   int    `json:"count"`
	Reacted bool   `json:"reacted"`
}

// Reference is the denormalized snapshot of a replied-to or forwarded message.
type Reference struct {
	ID                string     `json:"id"`
	AuthorDisplayName string     `json:"author_display_name,omitempty"`
	Excerpt           string     `json:"excerpt,omitempty"`
	CreatedAt         *time.Time `json:"created_at,omitempty"`
	Deleted           bool       `json:"deleted,omitempty"`
	Attachments       int        `json:"attachments,omitempty"`
}

// DeliverySummary counts recipients per delivery state.
type DeliverySummary struct {
	Total     int `json:"total"`
	Delivered int `json:"delivered"`
	Read      int `json:"read"`
	Pending   int `json:"pending"`
}

// Security carries the end-to-end encryption envelope of a message.
type Security struct {
	Scheme   string         `json:"scheme"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Message 是客户端内存中的消息视图。
// StreamPosition 为 nil 表示尚未被服务端确认的本地草稿。
type Message struct {
	ID                string
	ConversationID    string
	AuthorID          string
	AuthorDisplayName string
	Content           string
	IsSystem          bool
	StreamPosition    *int64
	DeliveryState     DeliveryState
	CreatedAt         time.Time
	DeliveredAt       *time.Time
	ReadAt            *time.Time
	EditedAt          *time.Time
	DeletedAt         *time.Time
	Deleted           bool
	Pinned            bool
	PinnedAt          *time.Time
	PinnedBy          string
	Reactions         []Reaction
	Attachments       []Attachment
	Security          *Security
	ReplyTo           *Reference
	ForwardFrom       *Reference
	DeliverySummary   *DeliverySummary

	// 本地字段
	SentByMe  bool
	LocalOnly bool
}

// Position returns the stream position, or -1 for unconfirmed drafts.
func (m *Message) Position() int64 {
	if m.StreamPosition == nil {
		return -1
	}
	return *m.StreamPosition
}

// MessageUpdate is a server message payload in which every field is
// optional. A nil field means "absent" and never erases an existing value.
type MessageUpdate struct {
	ID                 string           `json:"id"`
	ConversationID     *string          `json:"conversation_id,omitempty"`
	AuthorID           *string          `json:"author_id,omitempty"`
	AuthorDisplayName  *string          `json:"author_display_name,omitempty"`
	Content            *string          `json:"content,omitempty"`
	IsSystem           *bool            `json:"is_system,omitempty"`
	StreamPosition     *int64           `json:"stream_position,omitempty"`
	DeliveryState      *string          `json:"delivery_state,omitempty"`
	CreatedAt          *time.Time       `json:"created_at,omitempty"`
	DeliveredAt        *time.Time       `json:"delivered_at,omitempty"`
	ReadAt             *time.Time       `json:"read_at,omitempty"`
	EditedAt           *time.Time       `json:"edited_at,omitempty"`
	DeletedAt          *time.Time       `json:"deleted_at,omitempty"`
	Deleted            *bool            `json:"deleted,omitempty"`
	Pinned             *bool            `json:"pinned,omitempty"`
	PinnedAt           *time.Time       `json:"pinned_at,omitempty"`
	PinnedBy           *string          `json:"pinned_by,omitempty"`
	Reactions          []Reaction       `json:"reactions,omitempty"`
	Attachments        []Attachment     `json:"attachments,omitempty"`
	EncryptionScheme   *string          `json:"encryption_scheme,omitempty"`
	EncryptionMetadata map[string]any   `json:"encryption_metadata,omitempty"`
	ReplyTo            *Reference       `json:"reply_to,omitempty"`
	ForwardFrom        *Reference       `json:"forward_from,omitempty"`
	DeliverySummary    *DeliverySummary `json:"delivery_summary,omitempty"`
}

// NewMessage builds a message from a full server payload.
func NewMessage(u MessageUpdate) Message {
	m := Message{ID: u.ID, DeliveryState: DeliveryDelivered}
	m.Apply(u)
	return m
}

// Apply merges u into m field by field. Present fields win, absent fields
// keep the current value. A deleted message always has its content cleared.
func (m *Message) Apply(u MessageUpdate) {
	if u.ConversationID != nil {
		m.ConversationID = *u.ConversationID
	}
	if u.AuthorID != nil {
		m.AuthorID = *u.AuthorID
	}
	if u.AuthorDisplayName != nil {
		m.AuthorDisplayName = *u.AuthorDisplayName
	}
	if u.Content != nil {
		m.Content = *u.Content
	}
	if u.IsSystem != nil {
		m.IsSystem = *u.IsSystem
	}
	if u.StreamPosition != nil {
		pos := *u.StreamPosition
		m.StreamPosition = &pos
	}
	if u.DeliveryState != nil {
		m.DeliveryState = ParseDeliveryState(*u.DeliveryState)
	}
	if u.CreatedAt != nil {
		m.CreatedAt = *u.CreatedAt
	}
	m.DeliveredAt = pickTime(u.DeliveredAt, m.DeliveredAt)
	m.ReadAt = pickTime(u.ReadAt, m.ReadAt)
	m.EditedAt = pickTime(u.EditedAt, m.EditedAt)
	m.DeletedAt = pickTime(u.DeletedAt, m.DeletedAt)
	m.PinnedAt = pickTime(u.PinnedAt, m.PinnedAt)
	if u.Deleted != nil {
		m.Deleted = *u.Deleted
	}
	if u.Pinned != nil {
		m.Pinned = *u.Pinned
	}
	if u.PinnedBy != nil {
		m.PinnedBy = *u.PinnedBy
	}
	if u.Reactions != nil {
		m.Reactions = append([]Reaction(nil), u.Reactions...)
	}
	if u.Attachments != nil {
		m.Attachments = append([]Attachment(nil), u.Attachments...)
	}
	if u.EncryptionScheme != nil || u.EncryptionMetadata != nil {
		sec := Security{}
		if m.Security != nil {
			sec = *m.Security
		}
		if u.EncryptionScheme != nil {
			sec.Scheme = *u.EncryptionScheme
		}
		if u.EncryptionMetadata != nil {
			sec.Metadata = u.EncryptionMetadata
		}
		m.Security = &sec
	}
	if u.ReplyTo != nil {
		ref := *u.ReplyTo
		m.ReplyTo = &ref
	}
	if u.ForwardFrom != nil {
		ref := *u.ForwardFrom
		m.ForwardFrom = &ref
	}
	if u.DeliverySummary != nil {
		sum := *u.DeliverySummary
		m.DeliverySummary = &sum
	}
	if m.Deleted || m.DeletedAt != nil {
		m.Deleted = true
		m.Content = ""
	}
}

func pickTime(next, cur *time.Time) *time.Time {
	if next == nil {
		return cur
	}
	t := *next
	return &t
}

// Clone returns a deep enough copy for handing to observers.
func (m Message) Clone() Message {
	c := m
	if m.StreamPosition != nil {
		pos := *m.StreamPosition
		c.StreamPosition = &pos
	}
	c.Reactions = append([]Reaction(nil), m.Reactions...)
	c.Attachments = append([]Attachment(nil), m.Attachments...)
	if m.ReplyTo != nil {
		ref := *m.ReplyTo
		c.ReplyTo = &ref
	}
	if m.ForwardFrom != nil {
		ref := *m.ForwardFrom
		c.ForwardFrom = &ref
	}
	return c
}
