package messages

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	jww "github.com/spf13/jwalterweatherman"

	"im-realtime/internal/api"
	"im-realtime/internal/imtypes"
)

// UploadStatus 是待发送附件的状态。
type UploadStatus string

const (
	UploadInProgress UploadStatus = "uploading"
	UploadReady      UploadStatus = "ready"
	UploadFailed     UploadStatus = "error"
)

// DefaultUploadError is shown when an upload fails without a usable detail.
const DefaultUploadError = "Échec du téléversement."

// PendingAttachment is a file attached to the composer but not sent yet.
type PendingAttachment struct {
	ID         string
	FileName   string
	Size       int64
	Sent       int64
	Status     UploadStatus
	Descriptor imtypes.AttachmentDescriptor
	Error      string
}

// Attachments returns a snapshot of the composer attachments.
func (c *Controller) Attachments() []PendingAttachment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingAttachment, len(c.pending))
	for i, p := range c.pending {
		out[i] = *p
	}
	return out
}

// RemoveAttachment drops a composer attachment, typically a failed one.
func (c *Controller) RemoveAttachment(id string) {
	c.mu.Lock()
	for i, p := range c.pending {
		if p.ID == id {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	c.notify()
}

// Upload sends a file to the conversation and tracks it as a composer
// attachment. A failed upload stays listed with status error until removed.
func (c *Controller) Upload(ctx context.Context, fileName string, body io.Reader, size int64, encryption map[string]any) (PendingAttachment, error) {
	p := &PendingAttachment{
		ID:       uuid.NewString(),
		FileName: fileName,
		Size:     size,
		Status:   UploadInProgress,
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return PendingAttachment{}, ErrClosed
	}
	c.pending = append(c.pending, p)
	c.mu.Unlock()
	c.notify()

	desc, err := c.api.UploadAttachment(ctx, c.conversationID, api.UploadRequest{
		FileName:   fileName,
		Body:       body,
		Size:       size,
		Encryption: encryption,
		Progress: func(sent, _ int64) {
			c.mu.Lock()
			p.Sent = sent
			c.mu.Unlock()
		},
	})

	c.mu.Lock()
	if err != nil {
		p.Status = UploadFailed
		p.Error = api.UserMessage(err, DefaultUploadError)
	} else {
		p.Status = UploadReady
		p.Descriptor = desc
		p.Sent = size
	}
	snap := *p
	c.mu.Unlock()
	c.notify()

	if err != nil {
		jww.WARN.Printf("[messages] 附件 %s 上传失败: %v", fileName, err)
		return snap, fmt.Errorf("上传附件 %s 失败: %w", fileName, err)
	}
	return snap, nil
}

func (c *Controller) readyAttachmentsLocked() ([]*PendingAttachment, error) {
	var ready []*PendingAttachment
	for _, p := range c.pending {
		switch p.Status {
		case UploadInProgress:
			return nil, ErrUploadsPending
		case UploadFailed:
			return nil, ErrUploadsFailed
		case UploadReady:
			if p.Descriptor.UploadToken != "" {
				ready = append(ready, p)
			}
		}
	}
	return ready, nil
}

func (c *Controller) clearUsedAttachmentsLocked(used []*PendingAttachment) {
	if len(used) == 0 {
		return
	}
	kept := c.pending[:0]
	for _, p := range c.pending {
		drop := false
		for _, u := range used {
			if p == u {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, p)
		}
	}
	c.pending = kept
}
