package presence

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"im-realtime/internal/imtypes"
)

// Sender transmits a realtime frame. websocket.Manager implements it.
type Sender interface {
	Send(kind imtypes.EventKind, payload any) bool
}

// Typist emits the local user's typing:start and typing:stop frames.
// typing:start goes out once per burst, typing:stop after an idle delay.
type Typist struct {
	sender         Sender
	conversationID string
	delay          time.Duration
	limiter        *rate.Limiter

	mu     sync.Mutex
	active bool
	timer  *time.Timer
	gen    uint64
}

// NewTypist creates a Typist for one conversation. startsPerSecond bounds
// typing:start frames; zero means unlimited.
func NewTypist(sender Sender, conversationID string, stopDelay time.Duration, startsPerSecond float64) *Typist {
	if stopDelay <= 0 {
		stopDelay = 3500 * time.Millisecond
	}
	limit := rate.Inf
	if startsPerSecond > 0 {
		limit = rate.Limit(startsPerSecond)
	}
	return &Typist{
		sender:         sender,
		conversationID: conversationID,
		delay:          stopDelay,
		limiter:        rate.NewLimiter(limit, 1),
	}
}

// Input reports the current composer text. Blank text stops typing.
func (t *Typist) Input(text string) {
	if strings.TrimSpace(text) == "" {
		t.Stop()
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active && t.limiter.Allow() {
		t.sender.Send(imtypes.EventTypingStart, imtypes.TypingPayload{ConversationID: t.conversationID})
		t.active = true
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.delay, func() { t.expire(gen) })
}

func (t *Typist) expire(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return
	}
	t.stopLocked()
}

// Stop sends typing:stop if a burst is active. Called on send and blur.
func (t *Typist) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *Typist) stopLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
	if !t.active {
		return
	}
	t.active = false
	t.sender.Send(imtypes.EventTypingStop, imtypes.TypingPayload{ConversationID: t.conversationID})
}

// Active reports whether a typing burst is in progress.
func (t *Typist) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}
