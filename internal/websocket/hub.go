package websocket

import (
	"sync"

	"im-realtime/internal/imtypes"
)

// Hub fans decoded events out to typed observers. Plug Hub.Dispatch into
// Handlers.OnEvent.
type Hub struct {
	mu           sync.RWMutex
	ready        []func(imtypes.ReadyEvent)
	messages     []func(imtypes.MessageEvent)
	typing       []func(imtypes.TypingEvent)
	presence     []func(imtypes.PresenceEvent)
	calls        []func(imtypes.CallEvent)
	notification []func(imtypes.NotificationEvent)
	pong         []func()
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{}
}

func (h *Hub) OnReady(fn func(imtypes.ReadyEvent)) {
	h.mu.Lock()
	h.ready = append(h.ready, fn)
	h.mu.Unlock()
}

func (h *Hub) OnMessage(fn func(imtypes.MessageEvent)) {
	h.mu.Lock()
	h.messages = append(h.messages, fn)
	h.mu.Unlock()
}

func (h *Hub) OnTyping(fn func(imtypes.TypingEvent)) {
	h.mu.Lock()
	h.typing = append(h.typing, fn)
	h.mu.Unlock()
}

func (h *Hub) OnPresence(fn func(imtypes.PresenceEvent)) {
	h.mu.Lock()
	h.presence = append(h.presence, fn)
	h.mu.Unlock()
}

func (h *Hub) OnCall(fn func(imtypes.CallEvent)) {
	h.mu.Lock()
	h.calls = append(h.calls, fn)
	h.mu.Unlock()
}

func (h *Hub) OnNotification(fn func(imtypes.NotificationEvent)) {
	h.mu.Lock()
	h.notification = append(h.notification, fn)
	h.mu.Unlock()
}

func (h *Hub) OnPong(fn func()) {
	h.mu.Lock()
	h.pong = append(h.pong, fn)
	h.mu.Unlock()
}

// Dispatch delivers evt to the observers registered for its type. Unknown
// events and decode errors have no observers.
func (h *Hub) Dispatch(evt imtypes.Event) {
	switch e := evt.(type) {
	case imtypes.ReadyEvent:
		for _, fn := range snapshot(&h.mu, &h.ready) {
			fn(e)
		}
	case imtypes.MessageEvent:
		for _, fn := range snapshot(&h.mu, &h.messages) {
			fn(e)
		}
	case imtypes.TypingEvent:
		for _, fn := range snapshot(&h.mu, &h.typing) {
			fn(e)
		}
	case imtypes.PresenceEvent:
		for _, fn := range snapshot(&h.mu, &h.presence) {
			fn(e)
		}
	case imtypes.CallEvent:
		for _, fn := range snapshot(&h.mu, &h.calls) {
			fn(e)
		}
	case imtypes.NotificationEvent:
		for _, fn := range snapshot(&h.mu, &h.notification) {
			fn(e)
		}
	case imtypes.PongEvent:
		for _, fn := range snapshot(&h.mu, &h.pong) {
			fn()
		}
	}
}

// snapshot copies an observer list so observers may register more observers.
func snapshot[T any](mu *sync.RWMutex, fns *[]T) []T {
	mu.RLock()
	defer mu.RUnlock()
	return append([]T(nil), *fns...)
}
