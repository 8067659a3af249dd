package imtypes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"im-realtime/internal/models"
)

// Event is a decoded inbound frame. Exactly one concrete type exists per
// recognized kind, plus UnknownEvent and DecodeError.
type Event interface {
	Kind() EventKind
}

type ReadyEvent struct{ ConversationID string }

type PongEvent struct{}

// MessageEvent carries a message or message.updated frame.
type MessageEvent struct {
	Update  models.MessageUpdate
	Updated bool
}

type TypingEvent struct {
	Payload TypingPayload
	Active  bool
}

type PresenceEvent struct{ Payload PresencePayload }

type CallEvent struct {
	Type   EventKind
	Signal CallSignal
}

type NotificationEvent struct{ Payload json.RawMessage }

// UnknownEvent is a well-formed frame whose kind is not recognized.
type UnknownEvent struct {
	Name    string
	Payload json.RawMessage
}

// DecodeError is a frame that could not be decoded.
type DecodeError struct {
	Raw []byte
	Err error
}

func (ReadyEvent) Kind() EventKind        { return EventReady }
func (PongEvent) Kind() EventKind         { return EventPong }
func (PresenceEvent) Kind() EventKind     { return EventPresenceUpdate }
func (NotificationEvent) Kind() EventKind { return EventNotification }
func (e CallEvent) Kind() EventKind       { return e.Type }
func (e UnknownEvent) Kind() EventKind    { return EventKind(e.Name) }
func (DecodeError) Kind() EventKind       { return "" }

func (e MessageEvent) Kind() EventKind {
	if e.Updated {
		return EventMessageUpdated
	}
	return EventMessage
}

func (e TypingEvent) Kind() EventKind {
	if e.Active {
		return EventTypingStart
	}
	return EventTypingStop
}

func (e DecodeError) Error() string {
	return fmt.Sprintf("decode frame: %v", e.Err)
}

var errMissingEvent = errors.New("missing event kind")

// DecodeFrame turns one raw frame into a typed Event. It never panics and
// never returns nil.
func DecodeFrame(raw []byte) Event {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return DecodeError{Raw: raw, Err: err}
	}
	if frame.Event == "" {
		return DecodeError{Raw: raw, Err: errMissingEvent}
	}

	// message frames are published flat, with the message fields next to "event"
	body := frame.Payload
	if len(bytes.TrimSpace(body)) == 0 || bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
		body = raw
	}

	if frame.Event.IsCall() {
		var s CallSignal
		if err := json.Unmarshal(body, &s); err != nil {
			return DecodeError{Raw: raw, Err: err}
		}
		return CallEvent{Type: frame.Event, Signal: s}
	}

	switch frame.Event {
	case EventReady:
		var p ReadyPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return DecodeError{Raw: raw, Err: err}
		}
		return ReadyEvent{ConversationID: p.ConversationID}
	case EventPong:
		return PongEvent{}
	case EventMessage, EventMessageUpdated:
		var u models.MessageUpdate
		if err := json.Unmarshal(body, &u); err != nil {
			return DecodeError{Raw: raw, Err: err}
		}
		if u.ID == "" {
			return DecodeError{Raw: raw, Err: errors.New("message without id")}
		}
		return MessageEvent{Update: u, Updated: frame.Event == EventMessageUpdated}
	case EventTypingStart, EventTypingStop:
		var p TypingPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return DecodeError{Raw: raw, Err: err}
		}
		return TypingEvent{Payload: p, Active: frame.Event == EventTypingStart}
	case EventPresenceUpdate:
		var p PresencePayload
		if err := json.Unmarshal(body, &p); err != nil {
			return DecodeError{Raw: raw, Err: err}
		}
		return PresenceEvent{Payload: p}
	case EventNotification:
		return NotificationEvent{Payload: frame.Payload}
	default:
		return UnknownEvent{Name: string(frame.Event), Payload: frame.Payload}
	}
}
