package imtypes

// AttachmentRef 引用一个已上传的附件。
type AttachmentRef struct {
	UploadToken string `json:"upload_token"`
}

// SendMessageRequest is the body of a message create call.
// 这是客户端发往服务端的原始消息 DTO。
type SendMessageRequest struct {
	Content          string          `json:"content"`
	Attachments      []AttachmentRef `json:"attachments"`
	ReplyToMessageID string          `json:"reply_to_message_id,omitempty"`
	ForwardMessageID string          `json:"forward_message_id,omitempty"`
}

// EditMessageRequest is the body of a message edit call.
type EditMessageRequest struct {
	Content string `json:"content"`
}

// ReadRequest marks messages as read. An empty list means all unread.
type ReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// ReactionRequest toggles a reaction on a message.
type ReactionRequest struct {
	Emoji  string `json:"emoji"`
	Action string `json:"action"`
}
