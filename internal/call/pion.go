package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	jww "github.com/spf13/jwalterweatherman"

	"im-realtime/internal/imtypes"
)

// PionFactory creates pion peer connections.
type PionFactory struct{}

// NewPeerConnection implements PeerFactory.
func (PionFactory) NewPeerConnection(iceServers []string) (PeerConnection, error) {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	p := &pionPeer{pc: pc}
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		j := cand.ToJSON()
		if fn := p.candidateHandler(); fn != nil {
			fn(imtypes.ICECandidate{
				Candidate:     j.Candidate,
				SDPMid:        j.SDPMid,
				SDPMLineIndex: j.SDPMLineIndex,
			})
		}
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		track := newRemoteTrack(tr)
		if fn := p.trackHandler(); fn != nil {
			fn(track)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if fn := p.stateHandler(); fn != nil {
			fn(PeerState(s.String()))
		}
	})
	return p, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection

	mu          sync.Mutex
	onCandidate func(imtypes.ICECandidate)
	onTrack     func(MediaTrack)
	onState     func(PeerState)
}

func (p *pionPeer) AddStream(stream MediaStream) error {
	for _, t := range stream.Tracks() {
		local, ok := t.(*SampleTrack)
		if !ok {
			return fmt.Errorf("unsupported local track %T", t)
		}
		if _, err := p.pc.AddTrack(local.local); err != nil {
			return err
		}
	}
	return nil
}

func (p *pionPeer) CreateOffer() (imtypes.SessionDescription, error) {
	d, err := p.pc.CreateOffer(nil)
	if err != nil {
		return imtypes.SessionDescription{}, err
	}
	return fromPion(d), nil
}

func (p *pionPeer) CreateAnswer() (imtypes.SessionDescription, error) {
	d, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return imtypes.SessionDescription{}, err
	}
	return fromPion(d), nil
}

func (p *pionPeer) SetLocalDescription(desc imtypes.SessionDescription) error {
	return p.pc.SetLocalDescription(toPion(desc))
}

func (p *pionPeer) SetRemoteDescription(desc imtypes.SessionDescription) error {
	return p.pc.SetRemoteDescription(toPion(desc))
}

func (p *pionPeer) LocalDescription() *imtypes.SessionDescription {
	d := p.pc.LocalDescription()
	if d == nil {
		return nil
	}
	out := fromPion(*d)
	return &out
}

func (p *pionPeer) AddICECandidate(c imtypes.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (p *pionPeer) OnICECandidate(fn func(imtypes.ICECandidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *pionPeer) OnTrack(fn func(MediaTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *pionPeer) OnConnectionStateChange(fn func(PeerState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *pionPeer) candidateHandler() func(imtypes.ICECandidate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onCandidate
}

func (p *pionPeer) trackHandler() func(MediaTrack) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onTrack
}

func (p *pionPeer) stateHandler() func(PeerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onState
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

func fromPion(d webrtc.SessionDescription) imtypes.SessionDescription {
	return imtypes.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func toPion(d imtypes.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

// remoteTrack drains RTP from a remote track until stopped.
type remoteTrack struct {
	tr *webrtc.TrackRemote

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func newRemoteTrack(tr *webrtc.TrackRemote) *remoteTrack {
	t := &remoteTrack{tr: tr, enabled: true}
	go t.drain()
	return t
}

func (t *remoteTrack) drain() {
	buf := make([]byte, 1500)
	for {
		if _, _, err := t.tr.Read(buf); err != nil {
			return
		}
		t.mu.Lock()
		stopped := t.stopped
		t.mu.Unlock()
		if stopped {
			return
		}
	}
}

func (t *remoteTrack) Kind() string { return t.tr.Kind().String() }

func (t *remoteTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *remoteTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *remoteTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// SampleTrack is a local track fed with encoded samples. Samples written
// while the track is disabled or stopped are discarded.
type SampleTrack struct {
	local *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	stopped bool
}

// NewSampleTrack creates a local track for kind ("audio" uses Opus, "video"
// uses VP8).
func NewSampleTrack(kind Kind, streamID string) (*SampleTrack, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == KindVideo {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	local, err := webrtc.NewTrackLocalStaticSample(codec, string(kind), streamID)
	if err != nil {
		return nil, err
	}
	return &SampleTrack{local: local, enabled: true}, nil
}

// WriteSample forwards an encoded sample to the peer.
func (t *SampleTrack) WriteSample(data []byte, d time.Duration) error {
	t.mu.Lock()
	drop := !t.enabled || t.stopped
	t.mu.Unlock()
	if drop {
		return nil
	}
	return t.local.WriteSample(media.Sample{Data: data, Duration: d})
}

func (t *SampleTrack) Kind() string { return t.local.Kind().String() }

func (t *SampleTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *SampleTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *SampleTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// ErrNoCamera is returned by SampleDevices when video is requested without
// a camera.
var ErrNoCamera = errors.New("call: no camera available")

// SampleDevices hands out sample tracks. A terminal client has no capture
// pipeline; the tracks carry whatever the caller writes into them.
type SampleDevices struct {
	Camera bool
}

// GetUserMedia implements MediaDevices.
func (d SampleDevices) GetUserMedia(ctx context.Context, kind Kind) (MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if kind == KindVideo && !d.Camera {
		return nil, ErrNoCamera
	}
	streamID := "im-realtime"
	audio, err := NewSampleTrack(KindAudio, streamID)
	if err != nil {
		return nil, err
	}
	stream := NewStream(audio)
	if kind == KindVideo {
		video, err := NewSampleTrack(KindVideo, streamID)
		if err != nil {
			return nil, err
		}
		stream.Add(video)
	}
	jww.DEBUG.Printf("[call] acquired %s sample tracks", kind)
	return stream, nil
}

// BellSink rings the terminal bell on the first tone of each cycle.
type BellSink struct {
	Write func(s string)

	mu    sync.Mutex
	first int
}

// Play implements ToneSink.
func (b *BellSink) Play(freq int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.first == 0 {
		b.first = freq
	}
	if freq == b.first && b.Write != nil {
		b.Write("\a")
	}
	jww.TRACE.Printf("[call] tone %dHz", freq)
}

// Silence implements ToneSink.
func (b *BellSink) Silence() {
	b.mu.Lock()
	b.first = 0
	b.mu.Unlock()
}
