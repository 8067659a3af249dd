package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	jww "github.com/spf13/jwalterweatherman"

	"im-realtime/internal/auth"
	"im-realtime/internal/call"
	"im-realtime/internal/config"
	"im-realtime/internal/imtypes"
	"im-realtime/internal/messages"
	"im-realtime/internal/models"
	"im-realtime/internal/presence"
	"im-realtime/internal/websocket"
)

// NotificationsTarget is the target name of the notification feed.
const NotificationsTarget = "notifications"

// ErrNoConversation is returned by operations that need an open conversation.
var ErrNoConversation = errors.New("aucune conversation ouverte")

// RestAPI 是会话服务依赖的 REST 接口，*api.Client 实现了它。
type RestAPI interface {
	messages.API
	GetConversation(ctx context.Context, conversationID string) (models.Conversation, error)
}

// Deps are the collaborators of a RealtimeService.
type Deps struct {
	Config config.Config
	// SelfID defaults to the sub claim of the current token.
	SelfID   string
	API      RestAPI
	Creds    auth.CredentialStore
	Dialer   websocket.Dialer
	Devices  call.MediaDevices
	Peers    call.PeerFactory
	Tones    call.ToneSink
	CallLogs imtypes.CallLogWriter
}

// RealtimeService wires the realtime components of one signed-in user: the
// conversation channel, the notification feed, the message stream of the
// open conversation, presence and calls.
type RealtimeService struct {
	cfg    config.Config
	selfID string
	api    RestAPI
	creds  auth.CredentialStore

	conv     *websocket.Manager
	notif    *websocket.Manager
	hub      *websocket.Hub
	notifHub *websocket.Hub
	unread   *messages.UnreadTracker
	presence *presence.Aggregator
	calls    *call.Controller

	mu           sync.Mutex
	conversation models.Conversation
	msgs         *messages.Controller
	typist       *presence.Typist
	ready        bool

	obsMu          sync.Mutex
	onConversation []func(models.Conversation, *messages.Controller)
	onReady        []func(bool)
	onNotification []func(json.RawMessage)
	onNotifStatus  []func(bool)
}

// NewRealtimeService creates the service. Nothing connects until Run.
func NewRealtimeService(d Deps) (*RealtimeService, error) {
	selfID := d.SelfID
	if selfID == "" && d.Creds != nil {
		claims, err := auth.ParseClaims(d.Creds.Token())
		if err != nil {
			return nil, fmt.Errorf("identifier l'utilisateur: %w", err)
		}
		selfID = claims.UserID()
	}

	s := &RealtimeService{
		cfg:      d.Config,
		selfID:   selfID,
		api:      d.API,
		creds:    d.Creds,
		hub:      websocket.NewHub(),
		notifHub: websocket.NewHub(),
		unread:   messages.NewUnreadTracker(),
		presence: presence.NewAggregator(selfID, d.Config.Presence),
	}

	wsCfg := d.Config.WebSocket
	s.conv = websocket.NewManager(websocket.Options{
		Name:             "conversation",
		Reconnect:        d.Config.Reconnect,
		Heartbeat:        d.Config.Heartbeat,
		HandshakeTimeout: wsCfg.HandshakeTimeout,
		Endpoint:         websocket.ConversationEndpoint(wsCfg.URL),
	}, d.Dialer, d.Creds, websocket.Handlers{
		OnOpen:   s.onConversationOpen,
		OnEvent:  s.hub.Dispatch,
		OnStatus: s.onConversationStatus,
	})
	s.notif = websocket.NewManager(websocket.Options{
		Name:             NotificationsTarget,
		Reconnect:        d.Config.Notifications,
		Heartbeat:        d.Config.Heartbeat,
		HandshakeTimeout: wsCfg.HandshakeTimeout,
		Endpoint:         websocket.NotificationsEndpoint(wsCfg.URL),
	}, d.Dialer, d.Creds, websocket.Handlers{
		OnEvent:  s.notifHub.Dispatch,
		OnStatus: s.onNotificationStatus,
	})

	s.calls = call.NewController(selfID, d.Config.Call, call.Deps{
		Devices:  d.Devices,
		Peers:    d.Peers,
		Signaler: s.conv,
		Ringer:   call.NewRinger(d.Tones, d.Config.Call.RingStep),
		Logs:     d.CallLogs,
	})

	s.hub.OnReady(s.onReadyFrame)
	s.hub.OnMessage(s.onMessage)
	s.hub.OnTyping(s.presence.HandleTyping)
	s.hub.OnPresence(func(e imtypes.PresenceEvent) { s.presence.ApplyPresence(e.Payload) })
	s.hub.OnCall(s.calls.HandleSignal)
	s.hub.OnPong(func() { jww.TRACE.Printf("[realtime] conversation pong") })

	s.notifHub.OnNotification(s.onNotificationEvent)
	s.notifHub.OnPong(func() { jww.TRACE.Printf("[realtime] notifications pong") })
	return s, nil
}

// Run starts both channels and the presence sweep, and blocks until ctx is
// done. Any call in progress is torn down silently on exit.
func (s *RealtimeService) Run(ctx context.Context) {
	go s.conv.Run(ctx)
	go s.notif.Run(ctx)
	s.presence.Start()
	s.notif.Connect(NotificationsTarget, s.token())

	<-ctx.Done()

	s.calls.Teardown()
	s.mu.Lock()
	if s.typist != nil {
		s.typist.Stop()
	}
	if s.msgs != nil {
		s.msgs.Close()
	}
	s.mu.Unlock()
	s.presence.Stop()
	<-s.conv.Done()
	<-s.notif.Done()
	jww.INFO.Println("[session] stopped")
}

func (s *RealtimeService) token() string {
	if s.creds == nil {
		return ""
	}
	return s.creds.Token()
}

// SelfID returns the signed-in user id.
func (s *RealtimeService) SelfID() string { return s.selfID }

// Presence returns the presence aggregator.
func (s *RealtimeService) Presence() *presence.Aggregator { return s.presence }

// Calls returns the call controller.
func (s *RealtimeService) Calls() *call.Controller { return s.calls }

// Unread returns the unread counters of conversations other than the open one.
func (s *RealtimeService) Unread() *messages.UnreadTracker { return s.unread }

// ConnectionStatus returns the status of the conversation channel.
func (s *RealtimeService) ConnectionStatus() websocket.Status { return s.conv.Status() }

// Ready reports whether the server acknowledged the conversation channel.
func (s *RealtimeService) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Conversation returns the open conversation and its message controller.
func (s *RealtimeService) Conversation() (models.Conversation, *messages.Controller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversation, s.msgs
}

// Open switches to conversationID. The previous conversation's message
// stream, typing state and call are torn down before the new one starts.
func (s *RealtimeService) Open(ctx context.Context, conversationID string) (*messages.Controller, error) {
	conv, err := s.api.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("charger la conversation %s: %w", conversationID, err)
	}
	if conv.ID == "" {
		conv.ID = conversationID
	}

	s.mu.Lock()
	if s.typist != nil {
		s.typist.Stop()
	}
	if s.msgs != nil {
		s.msgs.Close()
	}
	msgs := messages.NewController(conv.ID, s.selfID, s.api, s.cfg.Messages, s.unread)
	s.msgs = msgs
	s.typist = presence.NewTypist(s.conv, conv.ID, s.cfg.Presence.TypingStopDelay, s.cfg.Messages.TypingStartPerSecond)
	s.conversation = conv
	s.ready = false
	s.mu.Unlock()

	s.calls.SetConversation(conv)
	s.presence.SetConversation(conv)
	s.emitConversation(conv, msgs)

	jww.INFO.Printf("[session] opening conversation %s", conv.ID)
	s.conv.Connect(conv.ID, s.token())

	if err := msgs.Load(ctx); err != nil && !errors.Is(err, messages.ErrStale) {
		return msgs, err
	}
	return msgs, nil
}

// Leave closes the open conversation and its channel.
func (s *RealtimeService) Leave() {
	s.calls.Teardown()
	s.mu.Lock()
	if s.typist != nil {
		s.typist.Stop()
		s.typist = nil
	}
	if s.msgs != nil {
		s.msgs.Close()
		s.msgs = nil
	}
	s.conversation = models.Conversation{}
	s.ready = false
	s.mu.Unlock()
	s.conv.Disconnect()
	s.presence.SetConversation(models.Conversation{})
	s.calls.SetConversation(models.Conversation{})
}

// Input reports composer text for the typing indicator.
func (s *RealtimeService) Input(text string) {
	s.mu.Lock()
	t := s.typist
	s.mu.Unlock()
	if t != nil {
		t.Input(text)
	}
}

// Send sends a message in the open conversation and ends the typing burst.
func (s *RealtimeService) Send(ctx context.Context, d messages.Draft) (models.Message, error) {
	s.mu.Lock()
	msgs, t := s.msgs, s.typist
	s.mu.Unlock()
	if msgs == nil {
		return models.Message{}, ErrNoConversation
	}
	if t != nil {
		t.Stop()
	}
	return msgs.Send(ctx, d)
}

// OnConversation registers an observer for conversation switches.
func (s *RealtimeService) OnConversation(fn func(models.Conversation, *messages.Controller)) {
	s.obsMu.Lock()
	s.onConversation = append(s.onConversation, fn)
	s.obsMu.Unlock()
}

// OnReady registers an observer for the conversation channel readiness.
func (s *RealtimeService) OnReady(fn func(bool)) {
	s.obsMu.Lock()
	s.onReady = append(s.onReady, fn)
	s.obsMu.Unlock()
}

// OnNotification registers an observer for notification feed payloads.
func (s *RealtimeService) OnNotification(fn func(json.RawMessage)) {
	s.obsMu.Lock()
	s.onNotification = append(s.onNotification, fn)
	s.obsMu.Unlock()
}

// OnNotificationStatus registers an observer for the notification feed
// connectivity.
func (s *RealtimeService) OnNotificationStatus(fn func(bool)) {
	s.obsMu.Lock()
	s.onNotifStatus = append(s.onNotifStatus, fn)
	s.obsMu.Unlock()
}

func (s *RealtimeService) onConversationOpen(target string) {
	s.conv.Send(imtypes.EventSubscribe, imtypes.SubscribePayload{ConversationID: target})
}

func (s *RealtimeService) onConversationStatus(status websocket.Status) {
	if status == websocket.StatusOpen {
		return
	}
	s.setReady(false)
}

func (s *RealtimeService) onReadyFrame(e imtypes.ReadyEvent) {
	s.mu.Lock()
	match := e.ConversationID == "" || e.ConversationID == s.conversation.ID
	s.mu.Unlock()
	if match {
		s.setReady(true)
	}
}

func (s *RealtimeService) setReady(ready bool) {
	s.mu.Lock()
	changed := s.ready != ready
	s.ready = ready
	s.mu.Unlock()
	if !changed {
		return
	}
	s.obsMu.Lock()
	fns := slices.Clone(s.onReady)
	s.obsMu.Unlock()
	for _, fn := range fns {
		fn(ready)
	}
}

func (s *RealtimeService) onMessage(e imtypes.MessageEvent) {
	s.mu.Lock()
	msgs := s.msgs
	s.mu.Unlock()
	if msgs == nil {
		if id := e.Update.ConversationID; id != nil && *id != "" {
			s.unread.Increment(*id)
		}
		return
	}
	msgs.HandleIncoming(e.Update, e.Updated)
}

func (s *RealtimeService) onNotificationEvent(n imtypes.NotificationEvent) {
	s.obsMu.Lock()
	fns := slices.Clone(s.onNotification)
	s.obsMu.Unlock()
	for _, fn := range fns {
		fn(n.Payload)
	}
}

func (s *RealtimeService) onNotificationStatus(status websocket.Status) {
	open := status == websocket.StatusOpen
	s.obsMu.Lock()
	fns := slices.Clone(s.onNotifStatus)
	s.obsMu.Unlock()
	for _, fn := range fns {
		fn(open)
	}
}

func (s *RealtimeService) emitConversation(conv models.Conversation, msgs *messages.Controller) {
	s.obsMu.Lock()
	fns := slices.Clone(s.onConversation)
	s.obsMu.Unlock()
	for _, fn := range fns {
		fn(conv, msgs)
	}
}
