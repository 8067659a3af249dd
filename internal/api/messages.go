package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"im-realtime/internal/imtypes"
	"im-realtime/internal/models"
)

// PageQuery selects a message page. At most one of Before and After is set.
type PageQuery struct {
	Limit  int
	Before *int64
	After  *int64
}

// Page 是一页消息以及服务端返回的分页元数据。
type Page struct {
	Messages []models.MessageUpdate
	Meta     PageMeta
}

// ListMessages fetches a page of messages in ascending stream order.
func (c *Client) ListMessages(ctx context.Context, conversationID string, q PageQuery) (Page, error) {
	query := url.Values{}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Before != nil {
		query.Set("before", strconv.FormatInt(*q.Before, 10))
	}
	if q.After != nil {
		query.Set("after", strconv.FormatInt(*q.After, 10))
	}

	var list []models.MessageUpdate
	header, err := c.do(ctx, http.MethodGet, conversationPath(conversationID, "messages"), query, nil, &list)
	if err != nil {
		return Page{}, err
	}
	return Page{Messages: list, Meta: ParsePageMeta(header)}, nil
}

// SendMessage posts a new message and returns the server copy.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req imtypes.SendMessageRequest) (models.MessageUpdate, error) {
	if req.Attachments == nil {
		req.Attachments = []imtypes.AttachmentRef{}
	}
	var out models.MessageUpdate
	_, err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "messages"), nil, req, &out)
	return out, err
}

// EditMessage replaces the content of a message.
func (c *Client) EditMessage(ctx context.Context, conversationID, messageID, content string) (models.MessageUpdate, error) {
	var out models.MessageUpdate
	_, err := c.do(ctx, http.MethodPatch, conversationPath(conversationID, "messages", messageID), nil,
		imtypes.EditMessageRequest{Content: content}, &out)
	return out, err
}

// DeleteMessage soft-deletes a message. The returned copy has no content.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) (models.MessageUpdate, error) {
	var out models.MessageUpdate
	_, err := c.do(ctx, http.MethodDelete, conversationPath(conversationID, "messages", messageID), nil, nil, &out)
	return out, err
}

// MarkRead acknowledges messageIDs. An empty list marks every unread message.
func (c *Client) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	if messageIDs == nil {
		messageIDs = []string{}
	}
	_, err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "read"), nil,
		imtypes.ReadRequest{MessageIDs: messageIDs}, nil)
	return err
}

// ToggleReaction adds or removes the current user's emoji reaction.
func (c *Client) ToggleReaction(ctx context.Context, conversationID, messageID, emoji string) (models.MessageUpdate, error) {
	var out models.MessageUpdate
	_, err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "messages", messageID, "reactions"), nil,
		imtypes.ReactionRequest{Emoji: emoji, Action: "toggle"}, &out)
	return out, err
}

// Pin pins a message in the conversation.
func (c *Client) Pin(ctx context.Context, conversationID, messageID string) (models.MessageUpdate, error) {
	var out models.MessageUpdate
	_, err := c.do(ctx, http.MethodPost, conversationPath(conversationID, "messages", messageID, "pin"), nil, nil, &out)
	return out, err
}

// Unpin removes the pin of a message.
func (c *Client) Unpin(ctx context.Context, conversationID, messageID string) (models.MessageUpdate, error) {
	var out models.MessageUpdate
	_, err := c.do(ctx, http.MethodDelete, conversationPath(conversationID, "messages", messageID, "pin"), nil, nil, &out)
	return out, err
}

// Search runs a full-text search inside a conversation.
func (c *Client) Search(ctx context.Context, conversationID, q string, limit int) ([]models.MessageUpdate, error) {
	if limit <= 0 {
		limit = 50
	}
	query := url.Values{"q": {q}, "limit": {strconv.Itoa(limit)}}
	var out []models.MessageUpdate
	_, err := c.do(ctx, http.MethodGet, conversationPath(conversationID, "messages", "search"), query, nil, &out)
	return out, err
}

// GetConversation fetches the conversation with its member list.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	var out models.Conversation
	_, err := c.do(ctx, http.MethodGet, conversationPath(conversationID), nil, nil, &out)
	return out, err
}
