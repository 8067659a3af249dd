// Package messages 维护当前会话的消息流：分页加载、乐观发送以及与实时事件的合并。
package messages

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"

	jww "github.com/spf13/jwalterweatherman"
	"go.uber.org/ratelimit"

	"im-realtime/internal/api"
	"im-realtime/internal/config"
	"im-realtime/internal/imtypes"
	"im-realtime/internal/models"
)

var (
	// ErrStale is returned when a result arrives after the controller was
	// reset or closed. The result has been discarded.
	ErrStale = errors.New("messages: result superseded by a newer load")
	// ErrClosed is returned by operations on a closed controller.
	ErrClosed = errors.New("messages: controller closed")
	// ErrUnknownMessage is returned when the message is not in the loaded window.
	ErrUnknownMessage = errors.New("messages: unknown message")
)

// API is the REST surface the controller needs. *api.Client implements it.
type API interface {
	ListMessages(ctx context.Context, conversationID string, q api.PageQuery) (api.Page, error)
	SendMessage(ctx context.Context, conversationID string, req imtypes.SendMessageRequest) (models.MessageUpdate, error)
	EditMessage(ctx context.Context, conversationID, messageID, content string) (models.MessageUpdate, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) (models.MessageUpdate, error)
	MarkRead(ctx context.Context, conversationID string, messageIDs []string) error
	ToggleReaction(ctx context.Context, conversationID, messageID, emoji string) (models.MessageUpdate, error)
	Pin(ctx context.Context, conversationID, messageID string) (models.MessageUpdate, error)
	Unpin(ctx context.Context, conversationID, messageID string) (models.MessageUpdate, error)
	Search(ctx context.Context, conversationID, q string, limit int) ([]models.MessageUpdate, error)
	UploadAttachment(ctx context.Context, conversationID string, up api.UploadRequest) (imtypes.AttachmentDescriptor, error)
}

// Controller owns the message collection of one open conversation. Switching
// conversations closes the controller and creates a new one.
type Controller struct {
	conversationID string
	selfID         string
	api            API
	cfg            config.MessagesConfig
	unread         *UnreadTracker
	pacer          ratelimit.Limiter

	mu           sync.Mutex
	closed       bool
	epoch        uint64
	messages     []models.Message
	cursor       models.Cursor
	loading      bool
	loadingOlder bool
	loadingNewer bool
	pending      []*PendingAttachment

	obsMu    sync.RWMutex
	onChange []func([]models.Message)
}

// NewController creates a controller for conversationID. unread may be nil.
func NewController(conversationID, selfID string, client API, cfg config.MessagesConfig, unread *UnreadTracker) *Controller {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = 2000
	}
	if cfg.EnsureVisibleMaxPages <= 0 {
		cfg.EnsureVisibleMaxPages = 20
	}
	pacer := ratelimit.NewUnlimited()
	if cfg.EnsureVisibleRate > 0 {
		pacer = ratelimit.New(cfg.EnsureVisibleRate, ratelimit.WithoutSlack)
	}
	return &Controller{
		conversationID: conversationID,
		selfID:         selfID,
		api:            client,
		cfg:            cfg,
		unread:         unread,
		pacer:          pacer,
	}
}

// ConversationID returns the conversation this controller is bound to.
func (c *Controller) ConversationID() string { return c.conversationID }

// OnChange registers an observer called with a snapshot after every change.
func (c *Controller) OnChange(fn func([]models.Message)) {
	c.obsMu.Lock()
	c.onChange = append(c.onChange, fn)
	c.obsMu.Unlock()
}

// Close abandons the controller. In-flight results are discarded.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.epoch++
	c.mu.Unlock()
}

// Messages returns a snapshot of the loaded window in display order.
func (c *Controller) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Message returns the loaded message with id.
func (c *Controller) Message(id string) (models.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexLocked(id); i >= 0 {
		return c.messages[i].Clone(), true
	}
	return models.Message{}, false
}

// Cursor returns the current pagination window.
func (c *Controller) Cursor() models.Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

func (c *Controller) snapshotLocked() []models.Message {
	out := make([]models.Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = m.Clone()
	}
	return out
}

func (c *Controller) notify() {
	c.mu.Lock()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.obsMu.RLock()
	fns := slices.Clone(c.onChange)
	c.obsMu.RUnlock()
	for _, fn := range fns {
		fn(snap)
	}
}

func (c *Controller) indexLocked(id string) int {
	for i := range c.messages {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// normalize 把服务端负载转换为本地消息。
func (c *Controller) normalize(u models.MessageUpdate) models.Message {
	m := models.NewMessage(u)
	if m.ConversationID == "" {
		m.ConversationID = c.conversationID
	}
	m.SentByMe = c.selfID != "" && m.AuthorID == c.selfID
	return m
}

// applyLocked merges u into the collection and reports whether the entry
// is new.
func (c *Controller) applyLocked(u models.MessageUpdate) bool {
	if i := c.indexLocked(u.ID); i >= 0 {
		c.messages[i].Apply(u)
		c.messages[i].SentByMe = c.selfID != "" && c.messages[i].AuthorID == c.selfID
		c.messages[i].LocalOnly = false
		return false
	}
	c.messages = append(c.messages, c.normalize(u))
	return true
}

// sortLocked keeps confirmed messages in stream order. Unconfirmed drafts
// stay at the end in insertion order.
func (c *Controller) sortLocked() {
	key := func(m models.Message) int64 {
		if m.StreamPosition == nil {
			return math.MaxInt64
		}
		return *m.StreamPosition
	}
	slices.SortStableFunc(c.messages, func(a, b models.Message) int {
		ka, kb := key(a), key(b)
		switch {
		case ka < kb:
			return -1
		case ka > kb:
			return 1
		}
		return 0
	})
}

// ApplyUpdate merges a server update into the collection. Absent fields
// never erase existing values.
func (c *Controller) ApplyUpdate(u models.MessageUpdate) {
	if u.ID == "" {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.applyLocked(u)
	c.sortLocked()
	c.mu.Unlock()
	c.notify()
}

// Load clears the window and fetches the newest page.
func (c *Controller) Load(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.epoch++
	epoch := c.epoch
	c.messages = nil
	c.pending = nil
	c.cursor = models.Cursor{}
	c.loading = true
	c.loadingOlder = false
	c.loadingNewer = false
	c.mu.Unlock()
	c.notify()

	page, err := c.api.ListMessages(ctx, c.conversationID, api.PageQuery{Limit: c.cfg.PageSize})

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return ErrStale
	}
	c.loading = false
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("加载会话 %s 的消息失败: %w", c.conversationID, err)
	}
	// 加载期间到达的实时消息已在集合中，合并即可
	for _, u := range page.Messages {
		if u.ID != "" {
			c.applyLocked(u)
		}
	}
	c.sortLocked()
	c.cursor = resetCursor(page.Meta, c.positions(page.Messages))
	c.mu.Unlock()

	if c.unread != nil {
		c.unread.Reset(c.conversationID)
	}
	jww.DEBUG.Printf("[messages] 会话 %s 加载 %d 条消息", c.conversationID, len(page.Messages))
	c.notify()
	return nil
}

// LoadOlder prepends the page before the current window. loaded is false
// when a guard prevented the fetch.
func (c *Controller) LoadOlder(ctx context.Context) (loaded bool, err error) {
	return c.loadDirection(ctx, true)
}

// LoadNewer appends the page after the current window.
func (c *Controller) LoadNewer(ctx context.Context) (loaded bool, err error) {
	return c.loadDirection(ctx, false)
}

func (c *Controller) loadDirection(ctx context.Context, older bool) (bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}
	busy, more, cur := &c.loadingNewer, c.cursor.HasAfter, c.cursor.After
	if older {
		busy, more, cur = &c.loadingOlder, c.cursor.HasBefore, c.cursor.Before
	}
	if *busy || !more || cur == nil {
		c.mu.Unlock()
		return false, nil
	}
	*busy = true
	epoch := c.epoch
	q := api.PageQuery{Limit: c.cfg.PageSize}
	pos := *cur
	if older {
		q.Before = &pos
	} else {
		q.After = &pos
	}
	c.mu.Unlock()

	page, err := c.api.ListMessages(ctx, c.conversationID, q)

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return false, ErrStale
	}
	if older {
		c.loadingOlder = false
	} else {
		c.loadingNewer = false
	}
	if err != nil {
		c.mu.Unlock()
		return false, fmt.Errorf("加载更多消息失败: %w", err)
	}
	for _, u := range page.Messages {
		if u.ID != "" {
			c.applyLocked(u)
		}
	}
	c.sortLocked()
	c.cursor = advanceCursor(c.cursor, page.Meta, c.positions(page.Messages), older)
	c.mu.Unlock()
	c.notify()
	return true, nil
}

func (c *Controller) positions(list []models.MessageUpdate) []int64 {
	out := make([]int64, 0, len(list))
	for _, u := range list {
		if u.StreamPosition != nil {
			out = append(out, *u.StreamPosition)
		}
	}
	return out
}

// EnsureVisible loads older pages until the message with id is in the
// window. knownPos, when set, stops the search once the before cursor is
// no longer above it.
func (c *Controller) EnsureVisible(ctx context.Context, id string, knownPos *int64) (bool, error) {
	for i := 0; i < c.cfg.EnsureVisibleMaxPages; i++ {
		c.mu.Lock()
		found := c.indexLocked(id) >= 0
		cur := c.cursor
		c.mu.Unlock()

		if found {
			return true, nil
		}
		if !cur.HasBefore || cur.Before == nil {
			return false, nil
		}
		if knownPos != nil && *knownPos >= *cur.Before {
			return false, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}

		c.pacer.Take()
		loaded, err := c.LoadOlder(ctx)
		if err != nil {
			return false, err
		}
		if !loaded {
			return false, nil
		}
	}
	_, ok := c.Message(id)
	if !ok {
		jww.WARN.Printf("[messages] 消息 %s 在 %d 页内未找到", id, c.cfg.EnsureVisibleMaxPages)
	}
	return ok, nil
}

// Search runs a server-side search. Results are not merged into the window.
func (c *Controller) Search(ctx context.Context, q string) ([]models.Message, error) {
	list, err := c.api.Search(ctx, c.conversationID, q, c.cfg.PageSize)
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(list))
	for _, u := range list {
		out = append(out, c.normalize(u))
	}
	return out, nil
}
