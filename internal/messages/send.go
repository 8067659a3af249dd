package messages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aquilax/truncate"
	"github.com/google/uuid"
	jww "github.com/spf13/jwalterweatherman"

	"im-realtime/internal/api"
	"im-realtime/internal/imtypes"
	"im-realtime/internal/metrics"
	"im-realtime/internal/models"
)

// DefaultSendError is shown when a send fails without a usable detail.
const DefaultSendError = "Impossible d'envoyer le message."

const excerptLength = 120

var (
	ErrEmptyMessage    = errors.New("messages: nothing to send")
	ErrContentTooLong  = errors.New("messages: content too long")
	ErrUploadsPending  = errors.New("messages: attachments still uploading")
	ErrUploadsFailed   = errors.New("messages: remove or retry failed attachments first")
	ErrNotOwnMessage   = errors.New("messages: only the author may change this message")
	ErrMessageDeleted  = errors.New("messages: message was deleted")
	ErrDraftNotPersist = errors.New("messages: message is not confirmed yet")
)

// Draft is what the composer submits.
type Draft struct {
	Content     string
	ReplyTo     *models.Message
	ForwardFrom *models.Message
}

// SendError wraps a failed send. Input is the original composer text to
// restore for a retry.
type SendError struct {
	Input string
	Err   error
}

func (e *SendError) Error() string { return fmt.Sprintf("发送消息失败: %v", e.Err) }

func (e *SendError) Unwrap() error { return e.Err }

// UserMessage returns the text to show next to the composer.
func (e *SendError) UserMessage() string {
	return api.UserMessage(e.Err, DefaultSendError)
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

// reference 生成回复/转发的轻量快照。
func reference(m *models.Message) *models.Reference {
	if m == nil {
		return nil
	}
	created := m.CreatedAt
	ref := &models.Reference{
		ID:                m.ID,
		AuthorDisplayName: m.AuthorDisplayName,
		Deleted:           m.Deleted,
		Attachments:       len(m.Attachments),
	}
	if !created.IsZero() {
		ref.CreatedAt = &created
	}
	if !m.Deleted {
		ref.Excerpt = truncate.Truncate(strings.TrimSpace(m.Content), excerptLength, "…", truncate.PositionEnd)
	}
	return ref
}

func (c *Controller) validContent(content string) error {
	if utf8.RuneCountInString(content) > c.cfg.MaxContentLength {
		return fmt.Errorf("%w: %d characters max", ErrContentTooLong, c.cfg.MaxContentLength)
	}
	return nil
}

// Send appends a queued draft, posts it and replaces the draft with the
// server copy. On failure the draft is removed and a *SendError carrying the
// original input is returned.
func (c *Controller) Send(ctx context.Context, d Draft) (models.Message, error) {
	content := strings.TrimSpace(d.Content)
	if err := c.validContent(content); err != nil {
		return models.Message{}, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return models.Message{}, ErrClosed
	}
	ready, err := c.readyAttachmentsLocked()
	if err != nil {
		c.mu.Unlock()
		return models.Message{}, err
	}
	if content == "" && len(ready) == 0 {
		c.mu.Unlock()
		return models.Message{}, ErrEmptyMessage
	}

	req := imtypes.SendMessageRequest{Content: content, Attachments: make([]imtypes.AttachmentRef, 0, len(ready))}
	draft := models.Message{
		ID:             "local-" + uuid.NewString(),
		ConversationID: c.conversationID,
		AuthorID:       c.selfID,
		Content:        content,
		DeliveryState:  models.DeliveryQueued,
		CreatedAt:      time.Now().UTC(),
		SentByMe:       true,
		LocalOnly:      true,
	}
	for _, p := range ready {
		req.Attachments = append(req.Attachments, imtypes.AttachmentRef{UploadToken: p.Descriptor.UploadToken})
		draft.Attachments = append(draft.Attachments, models.Attachment{
			ID:        p.Descriptor.ID,
			FileName:  p.Descriptor.FileName,
			MimeType:  p.Descriptor.MimeType,
			SizeBytes: p.Descriptor.SizeBytes,
		})
	}
	if d.ReplyTo != nil && isUUID(d.ReplyTo.ID) {
		req.ReplyToMessageID = d.ReplyTo.ID
		draft.ReplyTo = reference(d.ReplyTo)
	}
	// 只允许转发同一会话中的消息
	if d.ForwardFrom != nil && d.ForwardFrom.ConversationID == c.conversationID && isUUID(d.ForwardFrom.ID) {
		req.ForwardMessageID = d.ForwardFrom.ID
		draft.ForwardFrom = reference(d.ForwardFrom)
	}
	c.messages = append(c.messages, draft)
	c.sortLocked()
	c.mu.Unlock()
	c.notify()

	out, err := c.api.SendMessage(ctx, c.conversationID, req)
	if err != nil {
		metrics.MessagesSent.WithLabelValues("failed").Inc()
		c.mu.Lock()
		c.removeLocked(draft.ID)
		c.mu.Unlock()
		c.notify()
		jww.WARN.Printf("[messages] 会话 %s 发送失败: %v", c.conversationID, err)
		return models.Message{}, &SendError{Input: d.Content, Err: err}
	}
	metrics.MessagesSent.WithLabelValues("ok").Inc()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.normalize(out), nil
	}
	confirmed := c.resolveDraftLocked(draft.ID, out)
	c.clearUsedAttachmentsLocked(ready)
	c.mu.Unlock()
	c.notify()
	return confirmed, nil
}

// resolveDraftLocked replaces the draft with the server copy. If a live
// event already delivered the confirmed message, the draft is dropped and
// the two server copies are merged.
func (c *Controller) resolveDraftLocked(draftID string, out models.MessageUpdate) models.Message {
	di := c.indexLocked(draftID)
	if out.ID == "" {
		if di >= 0 {
			c.messages[di].LocalOnly = false
			c.messages[di].DeliveryState = models.DeliveryDelivered
			return c.messages[di].Clone()
		}
		return models.Message{}
	}
	if ci := c.indexLocked(out.ID); ci >= 0 {
		c.messages[ci].Apply(out)
		c.messages[ci].SentByMe = true
		if di >= 0 {
			c.removeLocked(draftID)
		}
		c.sortLocked()
		return c.messages[c.indexLocked(out.ID)].Clone()
	}

	confirmed := c.normalize(out)
	confirmed.SentByMe = true
	if di >= 0 {
		c.messages[di] = confirmed
	} else {
		c.messages = append(c.messages, confirmed)
	}
	if confirmed.StreamPosition != nil {
		c.cursor = bumpAfter(c.cursor, *confirmed.StreamPosition)
	}
	c.sortLocked()
	return confirmed.Clone()
}

func (c *Controller) removeLocked(id string) {
	if i := c.indexLocked(id); i >= 0 {
		c.messages = append(c.messages[:i], c.messages[i+1:]...)
	}
}

func (c *Controller) ownedMessage(id string) (models.Message, error) {
	m, ok := c.Message(id)
	if !ok {
		return models.Message{}, ErrUnknownMessage
	}
	if m.LocalOnly {
		return models.Message{}, ErrDraftNotPersist
	}
	if m.Deleted {
		return models.Message{}, ErrMessageDeleted
	}
	if !m.SentByMe {
		return models.Message{}, ErrNotOwnMessage
	}
	return m, nil
}

// Edit replaces the content of one of the user's messages.
func (c *Controller) Edit(ctx context.Context, id, content string) (models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return models.Message{}, ErrEmptyMessage
	}
	if err := c.validContent(content); err != nil {
		return models.Message{}, err
	}
	if _, err := c.ownedMessage(id); err != nil {
		return models.Message{}, err
	}
	out, err := c.api.EditMessage(ctx, c.conversationID, id, content)
	if err != nil {
		return models.Message{}, fmt.Errorf("编辑消息 %s 失败: %w", id, err)
	}
	return c.commit(id, out)
}

// Delete soft-deletes one of the user's messages. The entry stays in the
// window with its content cleared.
func (c *Controller) Delete(ctx context.Context, id string) (models.Message, error) {
	if _, err := c.ownedMessage(id); err != nil {
		return models.Message{}, err
	}
	out, err := c.api.DeleteMessage(ctx, c.conversationID, id)
	if err != nil {
		return models.Message{}, fmt.Errorf("删除消息 %s 失败: %w", id, err)
	}
	if out.Deleted == nil {
		deleted := true
		out.Deleted = &deleted
	}
	return c.commit(id, out)
}

// ToggleReaction adds or removes the user's reaction.
func (c *Controller) ToggleReaction(ctx context.Context, id, emoji string) (models.Message, error) {
	if err := ValidateReaction(emoji); err != nil {
		return models.Message{}, err
	}
	m, ok := c.Message(id)
	if !ok {
		return models.Message{}, ErrUnknownMessage
	}
	if m.LocalOnly {
		return models.Message{}, ErrDraftNotPersist
	}
	out, err := c.api.ToggleReaction(ctx, c.conversationID, id, emoji)
	if err != nil {
		return models.Message{}, fmt.Errorf("更新表情回应失败: %w", err)
	}
	return c.commit(id, out)
}

// SetPinned pins or unpins a message.
func (c *Controller) SetPinned(ctx context.Context, id string, pinned bool) (models.Message, error) {
	m, ok := c.Message(id)
	if !ok {
		return models.Message{}, ErrUnknownMessage
	}
	if m.LocalOnly {
		return models.Message{}, ErrDraftNotPersist
	}
	var (
		out models.MessageUpdate
		err error
	)
	if pinned {
		out, err = c.api.Pin(ctx, c.conversationID, id)
	} else {
		out, err = c.api.Unpin(ctx, c.conversationID, id)
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("更新置顶状态失败: %w", err)
	}
	return c.commit(id, out)
}

// commit merges a server copy of message id into the window.
func (c *Controller) commit(id string, out models.MessageUpdate) (models.Message, error) {
	if out.ID == "" {
		out.ID = id
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.normalize(out), nil
	}
	c.applyLocked(out)
	c.sortLocked()
	m := c.messages[c.indexLocked(out.ID)].Clone()
	c.mu.Unlock()
	c.notify()
	return m, nil
}
