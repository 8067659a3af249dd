package imtypes

import (
	"encoding/json"
	"time"
)

// EventKind is the "event" discriminator of a realtime frame.
type EventKind string

const (
	EventReady          EventKind = "ready"
	EventPing           EventKind = "ping"
	EventPong           EventKind = "pong"
	EventSubscribe      EventKind = "subscribe"
	EventMessage        EventKind = "message"
	EventMessageUpdated EventKind = "message.updated"
	EventTypingStart    EventKind = "typing:start"
	EventTypingStop     EventKind = "typing:stop"
	EventPresenceUpdate EventKind = "presence:update"
	EventCallOffer      EventKind = "call:offer"
	EventCallAnswer     EventKind = "call:answer"
	EventCallCandidate  EventKind = "call:candidate"
	EventCallHangup     EventKind = "call:hangup"
	EventNotification   EventKind = "notification"
)

// IsCall reports whether k belongs to the call:* family.
func (k EventKind) IsCall() bool {
	switch k {
	case EventCallOffer, EventCallAnswer, EventCallCandidate, EventCallHangup:
		return true
	}
	return false
}

// Frame is the wire envelope exchanged over the realtime channel.
type Frame struct {
	Event   EventKind       `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeFrame serializes an outbound frame.
func EncodeFrame(kind EventKind, payload any) ([]byte, error) {
	frame := struct {
		Event   EventKind `json:"event"`
		Payload any       `json:"payload,omitempty"`
	}{Event: kind, Payload: payload}
	return json.Marshal(frame)
}

// SubscribePayload 在连接建立后订阅会话。
type SubscribePayload struct {
	ConversationID string `json:"conversation_id"`
}

// PingPayload 心跳负载，ts 为毫秒时间戳。
type PingPayload struct {
	Ts int64 `json:"ts"`
}

// ReadyPayload is sent by the server once the channel is authorized.
type ReadyPayload struct {
	ConversationID string `json:"conversation_id"`
}

// TypingPayload is the rebroadcast form of typing:start / typing:stop.
type TypingPayload struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	Timestamp      *time.Time `json:"timestamp,omitempty"`
}

// PresenceUser is one member entry of a presence snapshot.
type PresenceUser struct {
	UserID   string     `json:"user_id"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// PresencePayload is a full presence snapshot for a conversation.
type PresencePayload struct {
	ConversationID string         `json:"conversation_id"`
	Timestamp      *time.Time     `json:"timestamp,omitempty"`
	Users          []PresenceUser `json:"users"`
}

// SessionDescription is a serialized SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors the browser RTCIceCandidateInit shape.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// CallSignal is the payload of every call:* frame. The server fills in
// conversation_id and from_user_id when relaying.
type CallSignal struct {
	CallID         string              `json:"call_id"`
	ConversationID string              `json:"conversation_id,omitempty"`
	TargetUserID   string              `json:"target_user_id,omitempty"`
	FromUserID     string              `json:"from_user_id,omitempty"`
	Kind           string              `json:"kind,omitempty"`
	SDP            *SessionDescription `json:"sdp,omitempty"`
	Candidate      *ICECandidate       `json:"candidate,omitempty"`
	Reason         string              `json:"reason,omitempty"`
}
