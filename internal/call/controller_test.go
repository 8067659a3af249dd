package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"im-realtime/internal/config"
	"im-realtime/internal/imtypes"
	"im-realtime/internal/models"
)

type fakeTrack struct {
	mu      sync.Mutex
	kind    string
	enabled bool
	stopped bool
}

func (t *fakeTrack) Kind() string { return t.kind }

func (t *fakeTrack) SetEnabled(v bool) {
	t.mu.Lock()
	t.enabled = v
	t.mu.Unlock()
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeDevices struct {
	mu      sync.Mutex
	fail    map[Kind]error
	asked   []Kind
	streams []*Stream
}

func (d *fakeDevices) GetUserMedia(_ context.Context, kind Kind) (MediaStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.asked = append(d.asked, kind)
	if err := d.fail[kind]; err != nil {
		return nil, err
	}
	s := NewStream(&fakeTrack{kind: "audio", enabled: true})
	if kind == KindVideo {
		s.Add(&fakeTrack{kind: "video", enabled: true})
	}
	d.streams = append(d.streams, s)
	return s, nil
}

type fakePeer struct {
	mu          sync.Mutex
	remote      *imtypes.SessionDescription
	local       *imtypes.SessionDescription
	candidates  []imtypes.ICECandidate
	rejectCand  bool
	closed      bool
	onCandidate func(imtypes.ICECandidate)
	onTrack     func(MediaTrack)
	onState     func(PeerState)
}

func (p *fakePeer) AddStream(MediaStream) error { return nil }

func (p *fakePeer) CreateOffer() (imtypes.SessionDescription, error) {
	return imtypes.SessionDescription{Type: "offer", SDP: "v=0 offer"}, nil
}

func (p *fakePeer) CreateAnswer() (imtypes.SessionDescription, error) {
	return imtypes.SessionDescription{Type: "answer", SDP: "v=0 answer"}, nil
}

func (p *fakePeer) SetLocalDescription(d imtypes.SessionDescription) error {
	p.mu.Lock()
	p.local = &d
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) SetRemoteDescription(d imtypes.SessionDescription) error {
	p.mu.Lock()
	p.remote = &d
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) LocalDescription() *imtypes.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *fakePeer) AddICECandidate(c imtypes.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rejectCand || p.remote == nil {
		return errors.New("no remote description")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(imtypes.ICECandidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnTrack(fn func(MediaTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(fn func(PeerState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) fireState(s PeerState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (p *fakePeer) fireCandidate(c imtypes.ICECandidate) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

type fakeFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakeFactory) NewPeerConnection([]string) (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[len(f.peers)-1]
}

type sentFrame struct {
	Kind   imtypes.EventKind
	Signal imtypes.CallSignal
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []sentFrame
}

func (s *fakeSignaler) Send(kind imtypes.EventKind, payload any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentFrame{Kind: kind, Signal: payload.(imtypes.CallSignal)})
	return true
}

func (s *fakeSignaler) frames() []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentFrame(nil), s.sent...)
}

type fakeLogs struct {
	mu      sync.Mutex
	entries []models.CallLog
}

func (l *fakeLogs) SaveCallLog(_ context.Context, e *models.CallLog) error {
	l.mu.Lock()
	l.entries = append(l.entries, *e)
	l.mu.Unlock()
	return nil
}

type fakeSink struct {
	mu     sync.Mutex
	played []int
	silent int
}

func (s *fakeSink) Play(f int) {
	s.mu.Lock()
	s.played = append(s.played, f)
	s.mu.Unlock()
}

func (s *fakeSink) Silence() {
	s.mu.Lock()
	s.silent++
	s.mu.Unlock()
}

type rig struct {
	c       *Controller
	devices *fakeDevices
	peers   *fakeFactory
	sig     *fakeSignaler
	logs    *fakeLogs
	sink    *fakeSink
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		devices: &fakeDevices{fail: map[Kind]error{}},
		peers:   &fakeFactory{},
		sig:     &fakeSignaler{},
		logs:    &fakeLogs{},
		sink:    &fakeSink{},
	}
	r.c = NewController("me", config.CallConfig{ICEServers: []string{"stun:stun.l.google.com:19302"}}, Deps{
		Devices:  r.devices,
		Peers:    r.peers,
		Signaler: r.sig,
		Ringer:   NewRinger(r.sink, time.Hour),
		Logs:     r.logs,
	})
	r.c.SetConversation(models.Conversation{
		ID:      "c1",
		Type:    models.DirectConversation,
		Members: []models.Member{{UserID: "me"}, {UserID: "bob", DisplayName: "Bob"}},
	})
	t.Cleanup(r.c.Teardown)
	return r
}

func offerFrom(callID, from, kind string) imtypes.CallEvent {
	return imtypes.CallEvent{Type: imtypes.EventCallOffer, Signal: imtypes.CallSignal{
		CallID:         callID,
		ConversationID: "c1",
		FromUserID:     from,
		TargetUserID:   "me",
		Kind:           kind,
		SDP:            &imtypes.SessionDescription{Type: "offer", SDP: "v=0 remote"},
	}}
}

func TestController_StartSendsOffer(t *testing.T) {
	r := newRig(t)

	require.NoError(t, r.c.Start(context.Background(), KindVideo))
	st := r.c.State()
	require.Equal(t, StatusOutgoing, st.Status)
	require.True(t, st.Initiator)
	require.Equal(t, "bob", st.RemoteUserID)
	require.True(t, st.CameraEnabled)
	require.True(t, r.c.deps.Ringer.Ringing())

	frames := r.sig.frames()
	require.Len(t, frames, 1)
	require.Equal(t, imtypes.EventCallOffer, frames[0].Kind)
	require.Equal(t, st.CallID, frames[0].Signal.CallID)
	require.Equal(t, "bob", frames[0].Signal.TargetUserID)
	require.Equal(t, "video", frames[0].Signal.Kind)
	require.Equal(t, "v=0 offer", frames[0].Signal.SDP.SDP)

	require.ErrorIs(t, r.c.Start(context.Background(), KindAudio), ErrNotIdle)
}

func TestController_StartGuards(t *testing.T) {
	r := newRig(t)
	r.c.SetConversation(models.Conversation{ID: "solo", Members: []models.Member{{UserID: "me"}}})
	require.ErrorIs(t, r.c.Start(context.Background(), KindAudio), ErrNoTarget)

	c := NewController("me", config.CallConfig{}, Deps{})
	require.ErrorIs(t, c.Start(context.Background(), KindAudio), ErrNoConversation)
}

func TestUserMessage(t *testing.T) {
	require.Equal(t, "Un autre appel est déjà en cours.", UserMessage(fmt.Errorf("start: %w", ErrNotIdle)))
	require.Equal(t, "Aucune conversation active.", UserMessage(ErrNoConversation))
	require.Equal(t, "Aucun interlocuteur disponible dans cette conversation.", UserMessage(ErrNoTarget))
	require.Equal(t, "camera busy", UserMessage(errors.New("camera busy")))
	require.Empty(t, UserMessage(nil))
	for _, err := range []error{ErrNoConversation, ErrNotIdle, ErrNoTarget} {
		msg := err.Error()
		require.Equal(t, strings.ToLower(msg[:1]), msg[:1])
		require.False(t, strings.HasSuffix(msg, "."))
	}
}

func TestController_OfferWhileOutgoingRepliesBusy(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.c.Start(context.Background(), KindAudio))
	ours := r.c.State().CallID

	r.c.HandleSignal(offerFrom("other-call", "alice", "audio"))

	st := r.c.State()
	require.Equal(t, ours, st.CallID)
	require.Equal(t, StatusOutgoing, st.Status)
	frames := r.sig.frames()
	require.Len(t, frames, 2)
	want := sentFrame{Kind: imtypes.EventCallHangup, Signal: imtypes.CallSignal{
		CallID:       "other-call",
		TargetUserID: "alice",
		Reason:       ReasonBusy,
	}}
	require.Empty(t, cmp.Diff(want, frames[1]))
}

func TestController_CandidatesQueuedUntilAccepted(t *testing.T) {
	r := newRig(t)
	r.c.HandleSignal(offerFrom("call-1", "bob", "audio"))
	require.Equal(t, StatusIncoming, r.c.State().Status)
	require.True(t, r.c.deps.Ringer.Ringing())

	mid := "0"
	for _, cand := range []string{"candidate:1", "candidate:2"} {
		r.c.HandleSignal(imtypes.CallEvent{Type: imtypes.EventCallCandidate, Signal: imtypes.CallSignal{
			CallID:         "call-1",
			ConversationID: "c1",
			Candidate:      &imtypes.ICECandidate{Candidate: cand, SDPMid: &mid},
		}})
	}
	// a candidate for another call is ignored
	r.c.HandleSignal(imtypes.CallEvent{Type: imtypes.EventCallCandidate, Signal: imtypes.CallSignal{
		CallID:         "call-2",
		ConversationID: "c1",
		Candidate:      &imtypes.ICECandidate{Candidate: "candidate:x"},
	}})
	require.Equal(t, 2, r.c.State().PendingCandidates)

	require.NoError(t, r.c.Accept(context.Background()))
	peer := r.peers.last()
	peer.mu.Lock()
	require.Len(t, peer.candidates, 2)
	require.Equal(t, "candidate:1", peer.candidates[0].Candidate)
	require.Equal(t, "v=0 remote", peer.remote.SDP)
	peer.mu.Unlock()
	require.Zero(t, r.c.State().PendingCandidates)
	require.False(t, r.c.deps.Ringer.Ringing())

	frames := r.sig.frames()
	require.Len(t, frames, 1)
	require.Equal(t, imtypes.EventCallAnswer, frames[0].Kind)
	require.Equal(t, "bob", frames[0].Signal.TargetUserID)
	require.Equal(t, "v=0 answer", frames[0].Signal.SDP.SDP)

	peer.fireState(PeerConnected)
	require.Equal(t, StatusConnected, r.c.State().Status)
}

func TestController_RejectedCandidateAfterRemoteDescriptionIsDropped(t *testing.T) {
	r := newRig(t)
	r.c.HandleSignal(offerFrom("call-1", "bob", "audio"))
	require.NoError(t, r.c.Accept(context.Background()))

	peer := r.peers.last()
	peer.mu.Lock()
	peer.rejectCand = true
	peer.mu.Unlock()

	r.c.HandleSignal(imtypes.CallEvent{Type: imtypes.EventCallCandidate, Signal: imtypes.CallSignal{
		CallID:         "call-1",
		ConversationID: "c1",
		Candidate:      &imtypes.ICECandidate{Candidate: "candidate:bad"},
	}})
	require.Zero(t, r.c.State().PendingCandidates)
}

func TestController_CallerQueuesCandidatesUntilAnswer(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.c.Start(context.Background(), KindAudio))
	callID := r.c.State().CallID

	r.c.HandleSignal(imtypes.CallEvent{Type: imtypes.EventCallCandidate, Signal: imtypes.CallSignal{
		CallID:         callID,
		ConversationID: "c1",
		Candidate:      &imtypes.ICECandidate{Candidate: "candidate:early"},
	}})
	require.Equal(t, 1, r.c.State().PendingCandidates)

	r.c.HandleSignal(imtypes.CallEvent{Type: imtypes.EventCallAnswer, Signal: imtypes.CallSignal{
		CallID:         callID,
		ConversationID: "c1",
		FromUserID:     "bob",
		SDP:            &imtypes.SessionDescription{Type: "answer", SDP: "v=0 remote answer"},
	}})
	require.Zero(t, r.c.State().PendingCandidates)
	peer := r.peers.last()
	peer.mu.Lock()
	defer peer.mu.Unlock()
	require.Len(t, peer.candidates, 1)
	require.Equal(t, "candidate:early", peer.candidates[0].Candidate)
}

func TestController_AcceptFallsBackToAudio(t *testing.T) {
	r := newRig(t)
	r.devices.fail[KindVideo] = errors.New("camera busy")
	r.c.HandleSignal(offerFrom("call-1", "bob", "video"))

	require.NoError(t, r.c.Accept(context.Background()))
	require.Equal(t, []Kind{KindVideo, KindAudio}, r.devices.asked)
	st := r.c.State()
	require.Equal(t, KindAudio, st.Kind)
	require.False(t, st.CameraEnabled)
	require.Equal(t, "audio", r.sig.frames()[0].Signal.Kind)
}

func TestController_AcceptFailsWithoutMicrophone(t *testing.T) {
	r := newRig(t)
	r.devices.fail[KindAudio] = errors.New("permission denied")
	r.c.HandleSignal(offerFrom("call-1", "bob", "audio"))

	require.Error(t, r.c.Accept(context.Background()))
	st := r.c.State()
	require.Equal(t, StatusIdle, st.Status)
	require.Equal(t, "permission denied", st.Error)
	// failures end silently
	require.Empty(t, r.sig.frames())
}

func TestController_HangupStopsEverythingAndLogs(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.c.Start(context.Background(), KindVideo))
	callID := r.c.State().CallID
	peer := r.peers.last()

	r.c.HandleSignal(imtypes.CallEvent{Type: imtypes.EventCallAnswer, Signal: imtypes.CallSignal{
		CallID:         callID,
		ConversationID: "c1",
		FromUserID:     "bob",
		Kind:           "video",
		SDP:            &imtypes.SessionDescription{Type: "answer", SDP: "v=0 bob"},
	}})
	peer.fireState(PeerConnected)
	require.Equal(t, StatusConnected, r.c.State().Status)

	r.c.Hangup()

	st := r.c.State()
	require.Equal(t, StatusIdle, st.Status)
	require.Empty(t, st.CallID)
	require.True(t, st.MicEnabled)
	require.True(t, st.CameraEnabled)
	require.Nil(t, st.LocalStream)
	require.False(t, r.c.deps.Ringer.Ringing())

	for _, tr := range r.devices.streams[0].Tracks() {
		require.True(t, tr.(*fakeTrack).isStopped())
	}
	peer.mu.Lock()
	require.True(t, peer.closed)
	require.Nil(t, peer.onCandidate)
	peer.mu.Unlock()

	frames := r.sig.frames()
	last := frames[len(frames)-1]
	require.Equal(t, imtypes.EventCallHangup, last.Kind)
	require.Equal(t, ReasonHangup, last.Signal.Reason)

	require.Len(t, r.logs.entries, 1)
	entry := r.logs.entries[0]
	require.Equal(t, callID, entry.CallID)
	require.Equal(t, models.CallOutgoing, entry.Direction)
	require.Equal(t, ReasonHangup, entry.Reason)
	require.NotNil(t, entry.AnsweredAt)
}

func TestController_UnansweredHangupIsCanceled(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.c.Start(context.Background(), KindAudio))
	r.c.Hangup()

	frames := r.sig.frames()
	require.Equal(t, ReasonCanceled, frames[len(frames)-1].Signal.Reason)
	require.Nil(t, r.logs.entries[0].AnsweredAt)
}

func TestController_DeclineAndRemoteHangup(t *testing.T) {
	r := newRig(t)
	r.c.HandleSignal(offerFrom("call-1", "bob", "audio"))
	r.c.Decline()
	frames := r.sig.frames()
	require.Len(t, frames, 1)
	require.Equal(t, ReasonDecline, frames[0].Signal.Reason)
	require.Equal(t, "call-1", frames[0].Signal.CallID)

	r.c.HandleSignal(offerFrom("call-2", "bob", "audio"))
	r.c.HandleSignal(imtypes.CallEvent{Type: imtypes.EventCallHangup, Signal: imtypes.CallSignal{
		CallID:         "call-2",
		ConversationID: "c1",
		Reason:         ReasonBusy,
	}})
	require.Equal(t, StatusIdle, r.c.State().Status)
	// remote hangups are not echoed back
	require.Len(t, r.sig.frames(), 1)
	require.Equal(t, ReasonBusy, r.logs.entries[1].Reason)
	require.Equal(t, models.CallIncoming, r.logs.entries[1].Direction)
}

func TestController_RoutingGuard(t *testing.T) {
	r := newRig(t)

	evt := offerFrom("call-1", "bob", "audio")
	evt.Signal.ConversationID = "c2"
	r.c.HandleSignal(evt)
	require.Equal(t, StatusIdle, r.c.State().Status)

	evt = offerFrom("call-1", "bob", "audio")
	evt.Signal.TargetUserID = "someone-else"
	r.c.HandleSignal(evt)
	require.Equal(t, StatusIdle, r.c.State().Status)

	evt = offerFrom("call-1", "bob", "audio")
	evt.Signal.TargetUserID = ""
	r.c.HandleSignal(evt)
	require.Equal(t, StatusIncoming, r.c.State().Status)
}

func TestController_LocalCandidatesAreSignaled(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.c.Start(context.Background(), KindAudio))
	peer := r.peers.last()

	idx := uint16(0)
	peer.fireCandidate(imtypes.ICECandidate{Candidate: "candidate:local", SDPMLineIndex: &idx})

	frames := r.sig.frames()
	last := frames[len(frames)-1]
	require.Equal(t, imtypes.EventCallCandidate, last.Kind)
	require.Equal(t, "bob", last.Signal.TargetUserID)
	require.Equal(t, "candidate:local", last.Signal.Candidate.Candidate)
}

func TestController_PeerFailureEndsSilently(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.c.Start(context.Background(), KindAudio))
	r.peers.last().fireState(PeerFailed)

	st := r.c.State()
	require.Equal(t, StatusIdle, st.Status)
	require.Equal(t, ConnectionFailedMessage, st.Error)
	require.Len(t, r.sig.frames(), 1)
	require.Equal(t, ReasonFailed, r.logs.entries[0].Reason)
}

func TestController_Toggles(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.c.Start(context.Background(), KindAudio))

	require.False(t, r.c.ToggleMic())
	audio := r.devices.streams[0].Tracks()[0]
	require.False(t, audio.Enabled())
	// camera toggling is a no-op on audio calls
	require.False(t, r.c.ToggleCamera())
	require.True(t, r.c.ToggleMic())
	require.True(t, audio.Enabled())
}

func TestController_ConversationSwitchTearsDown(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.c.Start(context.Background(), KindAudio))
	r.c.SetConversation(models.Conversation{ID: "c2"})

	require.Equal(t, StatusIdle, r.c.State().Status)
	require.Len(t, r.sig.frames(), 1)
}

func TestState_Label(t *testing.T) {
	require.Equal(t, "Bob vous appelle", State{Status: StatusIncoming}.Label("Bob"))
	require.Equal(t, "Connexion avec Bob", State{Status: StatusOutgoing}.Label("Bob"))
	require.Equal(t, "Initialisation de l'appel", State{Status: StatusConnecting}.Label("Bob"))
	require.Equal(t, "En communication avec Bob", State{Status: StatusConnected}.Label("Bob"))
	require.Equal(t, "Appel sécurisé", State{Status: StatusIdle}.Label(""))
}

func TestRinger_CyclesAndStops(t *testing.T) {
	sink := &fakeSink{}
	r := NewRinger(sink, 2*time.Millisecond)
	r.Start(IncomingTones)
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.played) >= 5
	}, time.Second, time.Millisecond)
	r.Stop()

	sink.mu.Lock()
	require.Equal(t, []int{523, 659, 784, 659, 523}, sink.played[:5])
	require.Equal(t, 1, sink.silent)
	sink.mu.Unlock()
	require.False(t, r.Ringing())
	r.Stop()
}
