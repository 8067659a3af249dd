package call

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	jww "github.com/spf13/jwalterweatherman"

	"im-realtime/internal/config"
	"im-realtime/internal/imtypes"
	"im-realtime/internal/metrics"
	"im-realtime/internal/models"
)

// Status 通话状态。
type Status string

const (
	StatusIdle       Status = "idle"
	StatusOutgoing   Status = "outgoing"
	StatusIncoming   Status = "incoming"
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
)

// Hangup reasons carried in call:hangup and stored verbatim in the call log.
const (
	ReasonHangup   = "hangup"
	ReasonDecline  = "decline"
	ReasonCanceled = "canceled"
	ReasonBusy     = "busy"
	ReasonFailed   = "failed"
)

var (
	ErrNoConversation = errors.New("call: no active conversation")
	ErrNotIdle        = errors.New("call: another call is in progress")
	ErrNoTarget       = errors.New("call: no member to call in this conversation")
	ErrNoIncoming     = errors.New("call: no incoming call to accept")
	// ErrSuperseded is returned when the call ended while a start or accept
	// was waiting on media or negotiation.
	ErrSuperseded = errors.New("call: superseded")
)

// ConnectionFailedMessage is the error shown when the peer connection fails.
const ConnectionFailedMessage = "La connexion a échoué."

// UserMessage 返回给用户看的错误文案。
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoConversation):
		return "Aucune conversation active."
	case errors.Is(err, ErrNotIdle):
		return "Un autre appel est déjà en cours."
	case errors.Is(err, ErrNoTarget):
		return "Aucun interlocuteur disponible dans cette conversation."
	case errors.Is(err, ErrNoIncoming):
		return "Aucun appel entrant."
	}
	return err.Error()
}

// State is a snapshot of the call.
type State struct {
	Status        Status
	CallID        string
	Kind          Kind
	RemoteUserID  string
	Initiator     bool
	Error         string
	MicEnabled    bool
	CameraEnabled bool
	LocalStream   MediaStream
	RemoteStream  MediaStream
	// PendingCandidates counts remote candidates waiting for a peer connection.
	PendingCandidates int
}

// Label is the status line shown to the user.
func (s State) Label(remoteName string) string {
	if remoteName == "" {
		remoteName = "votre contact"
	}
	switch s.Status {
	case StatusIncoming:
		return fmt.Sprintf("%s vous appelle", remoteName)
	case StatusOutgoing:
		return fmt.Sprintf("Connexion avec %s", remoteName)
	case StatusConnecting:
		return "Initialisation de l'appel"
	case StatusConnected:
		return fmt.Sprintf("En communication avec %s", remoteName)
	default:
		return "Appel sécurisé"
	}
}

// Deps are the collaborators of a Controller. Ringer and Logs are optional.
type Deps struct {
	Devices  MediaDevices
	Peers    PeerFactory
	Signaler Signaler
	Ringer   *Ringer
	Logs     imtypes.CallLogWriter
}

// Controller is the call signaling state machine for one selected
// conversation. At most one call exists at a time.
type Controller struct {
	selfID string
	cfg    config.CallConfig
	deps   Deps
	now    func() time.Time

	mu           sync.Mutex
	conv         models.Conversation
	state        State
	pc           PeerConnection
	remoteStream *Stream
	offer        *imtypes.CallSignal
	pending      []imtypes.ICECandidate
	remoteSet    bool
	startedAt    time.Time
	answeredAt   *time.Time

	obsMu   sync.Mutex
	onState []func(State)
}

// NewController creates an idle controller.
func NewController(selfID string, cfg config.CallConfig, deps Deps) *Controller {
	c := &Controller{
		selfID: selfID,
		cfg:    cfg,
		deps:   deps,
		now:    time.Now,
	}
	c.state = idleState()
	return c
}

func idleState() State {
	return State{Status: StatusIdle, Kind: KindAudio, MicEnabled: true, CameraEnabled: true}
}

// OnState registers an observer called after every state change.
func (c *Controller) OnState(fn func(State)) {
	c.obsMu.Lock()
	c.onState = append(c.onState, fn)
	c.obsMu.Unlock()
}

// State returns the current snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() State {
	s := c.state
	s.PendingCandidates = len(c.pending)
	return s
}

// SetConversation selects the conversation calls are routed for. A call in
// progress is torn down silently when the conversation changes.
func (c *Controller) SetConversation(conv models.Conversation) {
	c.mu.Lock()
	changed := c.conv.ID != conv.ID
	active := c.state.Status != StatusIdle
	c.conv = conv
	c.mu.Unlock()
	if changed && active {
		c.end(true, ReasonHangup)
	}
}

// Start places an outgoing call to the first other active member.
func (c *Controller) Start(ctx context.Context, kind Kind) error {
	c.mu.Lock()
	if c.conv.ID == "" {
		c.mu.Unlock()
		return ErrNoConversation
	}
	if c.state.Status != StatusIdle {
		c.mu.Unlock()
		return ErrNotIdle
	}
	target, ok := c.conv.DefaultCallTarget(c.selfID)
	if !ok {
		c.mu.Unlock()
		return ErrNoTarget
	}
	callID := uuid.NewString()
	c.state = State{
		Status:        StatusConnecting,
		CallID:        callID,
		Kind:          kind,
		RemoteUserID:  target,
		Initiator:     true,
		MicEnabled:    true,
		CameraEnabled: kind == KindVideo,
	}
	c.startedAt = c.now()
	c.answeredAt = nil
	convID := c.conv.ID
	c.mu.Unlock()
	c.emit()
	jww.INFO.Printf("[call] starting %s call %s to %s in %s", kind, callID, target, convID)

	stream, err := c.deps.Devices.GetUserMedia(ctx, kind)
	if err != nil {
		return c.fail(callID, err)
	}
	pc, err := c.attachPeer(callID, stream, kind == KindVideo)
	if err != nil {
		return c.fail(callID, err)
	}

	offer, err := pc.CreateOffer()
	if err == nil {
		err = pc.SetLocalDescription(offer)
	}
	if err != nil {
		return c.fail(callID, err)
	}
	sdp := localOr(pc, offer)

	c.mu.Lock()
	if c.state.CallID != callID {
		c.mu.Unlock()
		return ErrSuperseded
	}
	c.state.Status = StatusOutgoing
	c.mu.Unlock()
	c.emit()

	c.deps.Ringer.Start(OutgoingTones)
	c.deps.Signaler.Send(imtypes.EventCallOffer, imtypes.CallSignal{
		CallID:       callID,
		TargetUserID: target,
		Kind:         string(kind),
		SDP:          &sdp,
	})
	return nil
}

// Accept answers the incoming call. A video call falls back to audio only
// when the camera cannot be acquired.
func (c *Controller) Accept(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Status != StatusIncoming || c.offer == nil {
		c.mu.Unlock()
		return ErrNoIncoming
	}
	offer := *c.offer
	callID := c.state.CallID
	remote := c.state.RemoteUserID
	kind := c.state.Kind
	c.state.Status = StatusConnecting
	c.mu.Unlock()
	c.deps.Ringer.Stop()
	c.emit()

	attempts := []Kind{KindAudio}
	if kind == KindVideo {
		attempts = []Kind{KindVideo, KindAudio}
	}

	var stream MediaStream
	var err error
	for _, attempt := range attempts {
		stream, err = c.deps.Devices.GetUserMedia(ctx, attempt)
		if err == nil {
			kind = attempt
			break
		}
		jww.WARN.Printf("[call] %s media unavailable for %s: %v", attempt, callID, err)
	}
	if err != nil {
		return c.fail(callID, err)
	}

	c.mu.Lock()
	if c.state.CallID != callID {
		c.mu.Unlock()
		stopStream(stream)
		return ErrSuperseded
	}
	c.state.Kind = kind
	c.state.CameraEnabled = kind == KindVideo
	c.mu.Unlock()

	pc, err := c.attachPeer(callID, stream, kind == KindVideo)
	if err != nil {
		return c.fail(callID, err)
	}
	if offer.SDP == nil {
		return c.fail(callID, errors.New("call: offer without sdp"))
	}
	if err := pc.SetRemoteDescription(*offer.SDP); err != nil {
		return c.fail(callID, err)
	}
	answer, err := pc.CreateAnswer()
	if err == nil {
		err = pc.SetLocalDescription(answer)
	}
	if err != nil {
		return c.fail(callID, err)
	}
	c.flushCandidates(callID, pc)
	sdp := localOr(pc, answer)

	c.mu.Lock()
	if c.state.CallID != callID {
		c.mu.Unlock()
		return ErrSuperseded
	}
	c.offer = nil
	c.mu.Unlock()
	c.emit()

	c.deps.Signaler.Send(imtypes.EventCallAnswer, imtypes.CallSignal{
		CallID:       callID,
		TargetUserID: remote,
		Kind:         string(kind),
		SDP:          &sdp,
	})
	return nil
}

// Decline rejects the incoming call.
func (c *Controller) Decline() {
	c.mu.Lock()
	incoming := c.state.Status == StatusIncoming
	c.mu.Unlock()
	if incoming {
		c.end(false, ReasonDecline)
	}
}

// Hangup ends the call and notifies the peer. An outgoing call that was never
// answered is reported as canceled.
func (c *Controller) Hangup() {
	c.mu.Lock()
	status := c.state.Status
	c.mu.Unlock()
	switch status {
	case StatusIdle:
		return
	case StatusIncoming:
		c.end(false, ReasonDecline)
	case StatusOutgoing:
		c.end(false, ReasonCanceled)
	default:
		c.end(false, ReasonHangup)
	}
}

// Teardown ends any call without signaling, e.g. when leaving the screen.
func (c *Controller) Teardown() {
	c.end(true, ReasonHangup)
}

// ToggleMic flips the local audio tracks.
func (c *Controller) ToggleMic() bool {
	c.mu.Lock()
	c.state.MicEnabled = !c.state.MicEnabled
	enabled := c.state.MicEnabled
	enableTracks(c.state.LocalStream, string(KindAudio), enabled)
	c.mu.Unlock()
	c.emit()
	return enabled
}

// ToggleCamera flips the local video tracks. It does nothing on audio calls.
func (c *Controller) ToggleCamera() bool {
	c.mu.Lock()
	if c.state.Kind != KindVideo {
		enabled := c.state.CameraEnabled
		c.mu.Unlock()
		return enabled
	}
	c.state.CameraEnabled = !c.state.CameraEnabled
	enabled := c.state.CameraEnabled
	enableTracks(c.state.LocalStream, string(KindVideo), enabled)
	c.mu.Unlock()
	c.emit()
	return enabled
}

// HandleSignal applies an inbound call frame. Frames for another
// conversation or addressed to another user are ignored.
func (c *Controller) HandleSignal(evt imtypes.CallEvent) {
	sig := evt.Signal

	c.mu.Lock()
	if sig.ConversationID == "" || sig.ConversationID != c.conv.ID {
		c.mu.Unlock()
		return
	}
	if sig.TargetUserID != "" && c.selfID != "" && sig.TargetUserID != c.selfID {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	switch evt.Type {
	case imtypes.EventCallOffer:
		c.handleOffer(sig)
	case imtypes.EventCallAnswer:
		c.handleAnswer(sig)
	case imtypes.EventCallCandidate:
		c.handleCandidate(sig)
	case imtypes.EventCallHangup:
		c.mu.Lock()
		match := c.state.CallID != "" && c.state.CallID == sig.CallID
		c.mu.Unlock()
		if match {
			reason := sig.Reason
			if reason == "" {
				reason = ReasonHangup
			}
			jww.INFO.Printf("[call] remote hangup %s (%s)", sig.CallID, reason)
			c.end(true, reason)
		}
	}
}

func (c *Controller) handleOffer(sig imtypes.CallSignal) {
	c.mu.Lock()
	if c.state.Status != StatusIdle {
		c.mu.Unlock()
		if sig.CallID != "" && sig.FromUserID != "" {
			jww.INFO.Printf("[call] busy, rejecting %s from %s", sig.CallID, sig.FromUserID)
			c.deps.Signaler.Send(imtypes.EventCallHangup, imtypes.CallSignal{
				CallID:       sig.CallID,
				TargetUserID: sig.FromUserID,
				Reason:       ReasonBusy,
			})
		}
		return
	}
	callID := sig.CallID
	if callID == "" {
		callID = uuid.NewString()
	}
	kind := ParseKind(sig.Kind)
	offer := sig
	c.offer = &offer
	c.pending = nil
	c.state = State{
		Status:        StatusIncoming,
		CallID:        callID,
		Kind:          kind,
		RemoteUserID:  sig.FromUserID,
		MicEnabled:    true,
		CameraEnabled: kind == KindVideo,
	}
	c.startedAt = c.now()
	c.answeredAt = nil
	c.mu.Unlock()

	jww.INFO.Printf("[call] incoming %s call %s from %s", kind, callID, sig.FromUserID)
	c.deps.Ringer.Start(IncomingTones)
	c.emit()
}

func (c *Controller) handleAnswer(sig imtypes.CallSignal) {
	c.mu.Lock()
	if c.state.CallID == "" || c.state.CallID != sig.CallID || c.pc == nil {
		c.mu.Unlock()
		return
	}
	pc := c.pc
	callID := c.state.CallID
	if sig.Kind != "" {
		c.state.Kind = ParseKind(sig.Kind)
		c.state.CameraEnabled = c.state.Kind == KindVideo
	}
	if c.state.RemoteUserID == "" {
		c.state.RemoteUserID = sig.FromUserID
	}
	c.mu.Unlock()
	c.deps.Ringer.Stop()

	if sig.SDP != nil {
		if err := pc.SetRemoteDescription(*sig.SDP); err != nil {
			jww.ERROR.Printf("[call] applying answer for %s: %v", callID, err)
			_ = c.fail(callID, err)
			return
		}
	}
	c.flushCandidates(callID, pc)
	c.emit()
}

func (c *Controller) handleCandidate(sig imtypes.CallSignal) {
	if sig.Candidate == nil {
		return
	}
	c.mu.Lock()
	if c.state.CallID == "" || c.state.CallID != sig.CallID {
		c.mu.Unlock()
		return
	}
	pc := c.pc
	if pc == nil {
		c.pending = append(c.pending, *sig.Candidate)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := pc.AddICECandidate(*sig.Candidate); err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		// 远端描述已设置后不会再有 flush
		if c.remoteSet || c.state.CallID != sig.CallID {
			jww.WARN.Printf("[call] dropping candidate for %s: %v", sig.CallID, err)
			return
		}
		jww.DEBUG.Printf("[call] queueing candidate for %s: %v", sig.CallID, err)
		c.pending = append(c.pending, *sig.Candidate)
	}
}

// flushCandidates applies queued candidates once a remote description is
// set. Candidates that still fail are dropped.
func (c *Controller) flushCandidates(callID string, pc PeerConnection) {
	c.mu.Lock()
	if c.state.CallID != callID {
		c.mu.Unlock()
		return
	}
	queued := c.pending
	c.pending = nil
	c.remoteSet = true
	c.mu.Unlock()

	for _, cand := range queued {
		if err := pc.AddICECandidate(cand); err != nil {
			jww.WARN.Printf("[call] dropping candidate for %s: %v", callID, err)
		}
	}
}

// attachPeer creates the peer connection for callID, wires its handlers and
// publishes the local stream.
func (c *Controller) attachPeer(callID string, stream MediaStream, camera bool) (PeerConnection, error) {
	c.mu.Lock()
	if c.state.CallID != callID {
		c.mu.Unlock()
		stopStream(stream)
		return nil, ErrSuperseded
	}
	enableTracks(stream, string(KindAudio), c.state.MicEnabled)
	enableTracks(stream, string(KindVideo), camera && c.state.CameraEnabled)
	c.state.LocalStream = stream
	c.mu.Unlock()

	pc, err := c.deps.Peers.NewPeerConnection(c.cfg.ICEServers)
	if err != nil {
		return nil, err
	}
	pc.OnICECandidate(func(cand imtypes.ICECandidate) { c.onLocalCandidate(pc, cand) })
	pc.OnTrack(func(track MediaTrack) { c.onRemoteTrack(pc, track) })
	pc.OnConnectionStateChange(func(s PeerState) { c.onPeerState(pc, s) })

	if err := pc.AddStream(stream); err != nil {
		_ = pc.Close()
		return nil, err
	}

	c.mu.Lock()
	if c.state.CallID != callID {
		c.mu.Unlock()
		detach(pc)
		return nil, ErrSuperseded
	}
	c.pc = pc
	c.remoteSet = false
	c.mu.Unlock()
	c.emit()
	return pc, nil
}

func (c *Controller) onLocalCandidate(pc PeerConnection, cand imtypes.ICECandidate) {
	c.mu.Lock()
	if c.pc != pc || c.state.CallID == "" || c.state.RemoteUserID == "" {
		c.mu.Unlock()
		return
	}
	sig := imtypes.CallSignal{
		CallID:       c.state.CallID,
		TargetUserID: c.state.RemoteUserID,
		Candidate:    &cand,
	}
	c.mu.Unlock()
	c.deps.Signaler.Send(imtypes.EventCallCandidate, sig)
}

func (c *Controller) onRemoteTrack(pc PeerConnection, track MediaTrack) {
	c.mu.Lock()
	if c.pc != pc {
		c.mu.Unlock()
		return
	}
	if c.remoteStream == nil {
		c.remoteStream = NewStream()
		c.state.RemoteStream = c.remoteStream
	}
	c.remoteStream.Add(track)
	c.mu.Unlock()
	c.emit()
}

func (c *Controller) onPeerState(pc PeerConnection, s PeerState) {
	c.mu.Lock()
	if c.pc != pc {
		c.mu.Unlock()
		return
	}
	callID := c.state.CallID
	switch s {
	case PeerConnected:
		c.state.Status = StatusConnected
		if c.answeredAt == nil {
			t := c.now()
			c.answeredAt = &t
		}
	case PeerFailed:
		c.state.Error = ConnectionFailedMessage
	}
	c.mu.Unlock()

	switch s {
	case PeerConnected, PeerDisconnected, PeerClosed:
		c.deps.Ringer.Stop()
		c.emit()
	case PeerFailed:
		jww.WARN.Printf("[call] peer connection failed for %s", callID)
		c.deps.Ringer.Stop()
		c.end(true, ReasonFailed)
	}
}

// fail records err on the call and ends it silently.
func (c *Controller) fail(callID string, err error) error {
	c.mu.Lock()
	if c.state.CallID != callID {
		c.mu.Unlock()
		return ErrSuperseded
	}
	c.state.Error = err.Error()
	c.mu.Unlock()
	jww.ERROR.Printf("[call] %s: %v", callID, err)
	c.end(true, ReasonFailed)
	return err
}

// end stops ringing, closes the peer connection, stops every track, resets
// the state, stores the call log and, unless silent, sends call:hangup.
// The error of a failed call survives the reset so it can be displayed.
func (c *Controller) end(silent bool, reason string) {
	c.mu.Lock()
	prev := c.state
	pc := c.pc
	started := c.startedAt
	answered := c.answeredAt
	convID := c.conv.ID

	c.pc = nil
	c.remoteSet = false
	c.remoteStream = nil
	c.offer = nil
	c.pending = nil
	c.answeredAt = nil
	c.state = idleState()
	if reason == ReasonFailed {
		c.state.Error = prev.Error
	}
	c.mu.Unlock()

	c.deps.Ringer.Stop()
	if pc != nil {
		detach(pc)
	}
	stopStream(prev.LocalStream)
	stopStream(prev.RemoteStream)

	if prev.CallID != "" {
		c.record(prev, convID, reason, started, answered)
	}
	if !silent && prev.CallID != "" && prev.RemoteUserID != "" {
		c.deps.Signaler.Send(imtypes.EventCallHangup, imtypes.CallSignal{
			CallID:       prev.CallID,
			TargetUserID: prev.RemoteUserID,
			Reason:       reason,
		})
	}
	if prev.Status != StatusIdle || prev.CallID != "" {
		c.emit()
	}
}

func detach(pc PeerConnection) {
	pc.OnICECandidate(nil)
	pc.OnTrack(nil)
	pc.OnConnectionStateChange(nil)
	if err := pc.Close(); err != nil {
		jww.DEBUG.Printf("[call] closing peer connection: %v", err)
	}
}

func (c *Controller) record(prev State, convID, reason string, started time.Time, answered *time.Time) {
	direction := models.CallIncoming
	if prev.Initiator {
		direction = models.CallOutgoing
	}
	metrics.CallsEnded.WithLabelValues(string(direction), reason).Inc()

	if c.deps.Logs == nil {
		return
	}
	ended := c.now()
	entry := &models.CallLog{
		CallID:         prev.CallID,
		ConversationID: convID,
		PeerUserID:     prev.RemoteUserID,
		Kind:           string(prev.Kind),
		Direction:      direction,
		Reason:         reason,
		StartedAt:      started,
		AnsweredAt:     answered,
		EndedAt:        ended,
	}
	if answered != nil {
		entry.DurationMs = ended.Sub(*answered).Milliseconds()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.deps.Logs.SaveCallLog(ctx, entry); err != nil {
		jww.ERROR.Printf("[call] saving call log %s: %v", prev.CallID, err)
	}
}

func (c *Controller) emit() {
	state := c.State()
	c.obsMu.Lock()
	fns := slices.Clone(c.onState)
	c.obsMu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

func localOr(pc PeerConnection, fallback imtypes.SessionDescription) imtypes.SessionDescription {
	if d := pc.LocalDescription(); d != nil {
		return *d
	}
	return fallback
}
