package call

import (
	"context"
	"sync"

	"im-realtime/internal/imtypes"
)

// Kind 通话类型。
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// ParseKind returns KindVideo for "video" and KindAudio otherwise.
func ParseKind(s string) Kind {
	if Kind(s) == KindVideo {
		return KindVideo
	}
	return KindAudio
}

// MediaTrack is one local or remote audio/video track.
type MediaTrack interface {
	// Kind is "audio" or "video".
	Kind() string
	SetEnabled(enabled bool)
	Enabled() bool
	Stop()
}

// MediaStream groups tracks.
type MediaStream interface {
	Tracks() []MediaTrack
}

// MediaDevices acquires local media. It is the only place a call can fail
// for lack of a camera or microphone.
type MediaDevices interface {
	GetUserMedia(ctx context.Context, kind Kind) (MediaStream, error)
}

// PeerState mirrors the peer connection state names.
type PeerState string

const (
	PeerNew          PeerState = "new"
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerDisconnected PeerState = "disconnected"
	PeerFailed       PeerState = "failed"
	PeerClosed       PeerState = "closed"
)

// PeerConnection is the subset of a WebRTC peer connection the controller
// drives. Passing nil to an On* method detaches the handler.
type PeerConnection interface {
	AddStream(stream MediaStream) error
	CreateOffer() (imtypes.SessionDescription, error)
	CreateAnswer() (imtypes.SessionDescription, error)
	SetLocalDescription(desc imtypes.SessionDescription) error
	SetRemoteDescription(desc imtypes.SessionDescription) error
	LocalDescription() *imtypes.SessionDescription
	AddICECandidate(candidate imtypes.ICECandidate) error
	OnICECandidate(fn func(imtypes.ICECandidate))
	OnTrack(fn func(MediaTrack))
	OnConnectionStateChange(fn func(PeerState))
	Close() error
}

// PeerFactory creates peer connections.
type PeerFactory interface {
	NewPeerConnection(iceServers []string) (PeerConnection, error)
}

// Signaler transmits call frames. websocket.Manager implements it.
type Signaler interface {
	Send(kind imtypes.EventKind, payload any) bool
}

// Stream is a plain MediaStream.
type Stream struct {
	mu     sync.Mutex
	tracks []MediaTrack
}

// NewStream creates a stream holding tracks.
func NewStream(tracks ...MediaTrack) *Stream {
	return &Stream{tracks: tracks}
}

// Tracks implements MediaStream.
func (s *Stream) Tracks() []MediaTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MediaTrack(nil), s.tracks...)
}

// Add appends a track.
func (s *Stream) Add(t MediaTrack) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func stopStream(s MediaStream) {
	if s == nil {
		return
	}
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

func enableTracks(s MediaStream, kind string, enabled bool) {
	if s == nil {
		return
	}
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
}
