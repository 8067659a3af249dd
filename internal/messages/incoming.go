package messages

import (
	"context"
	"slices"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"im-realtime/internal/models"
)

// UnreadTracker counts live messages received for conversations that are
// not open. It outlives any single Controller.
type UnreadTracker struct {
	mu        sync.Mutex
	counts    map[string]int
	observers []func(conversationID string, count int)
}

// NewUnreadTracker creates an empty tracker.
func NewUnreadTracker() *UnreadTracker {
	return &UnreadTracker{counts: make(map[string]int)}
}

// OnUnread registers an observer of counter changes.
func (t *UnreadTracker) OnUnread(fn func(conversationID string, count int)) {
	t.mu.Lock()
	t.observers = append(t.observers, fn)
	t.mu.Unlock()
}

// Increment adds one unread message to conversationID.
func (t *UnreadTracker) Increment(conversationID string) {
	t.set(conversationID, func(n int) int { return n + 1 })
}

// Reset clears the counter of conversationID.
func (t *UnreadTracker) Reset(conversationID string) {
	t.set(conversationID, func(int) int { return 0 })
}

// Count returns the unread counter of conversationID.
func (t *UnreadTracker) Count(conversationID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[conversationID]
}

func (t *UnreadTracker) set(conversationID string, fn func(int) int) {
	t.mu.Lock()
	prev := t.counts[conversationID]
	next := fn(prev)
	if next == 0 {
		delete(t.counts, conversationID)
	} else {
		t.counts[conversationID] = next
	}
	observers := slices.Clone(t.observers)
	t.mu.Unlock()
	if next == prev {
		return
	}
	for _, o := range observers {
		o(conversationID, next)
	}
}

// HandleIncoming applies a live "message" event. Messages of the open
// conversation are merged and, when authored by someone else, marked read.
// Messages of other conversations only bump their unread counter.
func (c *Controller) HandleIncoming(u models.MessageUpdate, updated bool) {
	if u.ID == "" {
		return
	}
	if u.ConversationID != nil && *u.ConversationID != "" && *u.ConversationID != c.conversationID {
		if !updated && c.unread != nil {
			c.unread.Increment(*u.ConversationID)
		}
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.applyLocked(u)
	if u.StreamPosition != nil {
		c.cursor = bumpAfter(c.cursor, *u.StreamPosition)
	}
	c.sortLocked()
	m := c.messages[c.indexLocked(u.ID)]
	needsRead := !updated && !m.SentByMe && !m.IsSystem && !m.Deleted && m.DeliveryState != models.DeliveryRead
	c.mu.Unlock()
	c.notify()

	if needsRead {
		go func() {
			if err := c.MarkRead(context.Background(), []string{u.ID}); err != nil {
				jww.DEBUG.Printf("[messages] 标记已读失败: %v", err)
			}
		}()
	}
}

// MarkRead marks ids as read locally, then acknowledges them to the server.
// An empty ids marks every unread message of other authors. The local change
// is never reverted.
func (c *Controller) MarkRead(ctx context.Context, ids []string) error {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	now := time.Now().UTC()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	changed := 0
	for i := range c.messages {
		m := &c.messages[i]
		if len(want) > 0 && !want[m.ID] {
			continue
		}
		if m.SentByMe || m.LocalOnly || m.Deleted || m.DeliveryState == models.DeliveryRead {
			continue
		}
		m.DeliveryState = models.DeliveryRead
		ts := now
		m.ReadAt = &ts
		changed++
	}
	c.mu.Unlock()
	if changed > 0 {
		c.notify()
	}
	if len(ids) > 0 && changed == 0 {
		return nil
	}
	if c.unread != nil {
		c.unread.Reset(c.conversationID)
	}

	if err := c.api.MarkRead(ctx, c.conversationID, ids); err != nil {
		jww.WARN.Printf("[messages] 会话 %s 已读回执失败: %v", c.conversationID, err)
		return err
	}
	return nil
}
