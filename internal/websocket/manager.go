package websocket

import (
	"context"
	"net/url"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"im-realtime/internal/auth"
	"im-realtime/internal/config"
	"im-realtime/internal/imtypes"
	"im-realtime/internal/metrics"
)

// Status is the connectivity state of a Manager.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusOpen
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Handlers are the typed callbacks of a Manager. All of them run on the
// Manager's loop goroutine, one at a time, and may call Send.
type Handlers struct {
	// OnOpen runs right after a channel opens, before any inbound frame.
	OnOpen   func(target string)
	OnEvent  func(evt imtypes.Event)
	OnStatus func(status Status)
}

// Options configures a Manager.
type Options struct {
	// Name labels logs and metrics, e.g. "conversation" or "notifications".
	Name      string
	Reconnect config.ReconnectConfig
	Heartbeat config.HeartbeatConfig
	// HandshakeTimeout bounds a single dial.
	HandshakeTimeout time.Duration
	// Endpoint builds the channel url for a target and token.
	Endpoint func(target, token string) string
}

// ConversationEndpoint returns an Endpoint for /ws/conversations/{id}.
func ConversationEndpoint(base string) func(target, token string) string {
	return func(target, token string) string {
		return base + "/ws/conversations/" + url.PathEscape(target) + "?token=" + url.QueryEscape(token)
	}
}

// NotificationsEndpoint returns an Endpoint for /ws/notifications. The
// target is ignored.
func NotificationsEndpoint(base string) func(target, token string) string {
	return func(_, token string) string {
		return base + "/ws/notifications?token=" + url.QueryEscape(token)
	}
}

// Manager owns one Channel for one target at a time: connect, heartbeat,
// reconnect with backoff, and decoding of inbound frames.
//
// Every state change happens on the goroutine running Run. Other goroutines
// post closures to it.
type Manager struct {
	name     string
	opts     Options
	dialer   Dialer
	creds    auth.CredentialStore
	handlers Handlers
	backoff  *Backoff

	cmds chan func()
	done chan struct{}

	// mu guards the fields read by Send and the accessors.
	mu     sync.Mutex
	ch     Channel
	status Status
	target string

	// loop-owned
	gen            uint64
	token          string
	manual         bool
	reconnectTimer *time.Timer
	heartbeatTimer *time.Timer
	deadlineTimer  *time.Timer
}

// NewManager creates a Manager. creds may be nil, in which case tokens are
// only those passed to Connect.
func NewManager(opts Options, dialer Dialer, creds auth.CredentialStore, h Handlers) *Manager {
	if opts.Name == "" {
		opts.Name = "realtime"
	}
	return &Manager{
		name:     opts.Name,
		opts:     opts,
		dialer:   dialer,
		creds:    creds,
		handlers: h,
		backoff:  NewBackoff(opts.Reconnect),
		cmds:     make(chan func(), 64),
		done:     make(chan struct{}),
	}
}

// Run processes commands, frames and timers until ctx is done. It closes the
// channel and cancels every timer on exit.
func (m *Manager) Run(ctx context.Context) {
	if m.creds != nil {
		unsubscribe := m.creds.Subscribe(func(token string) {
			m.post(func() { m.onTokenChanged(token) })
		})
		defer unsubscribe()
	}
	jww.DEBUG.Printf("[ws:%s] manager loop started", m.name)
	for {
		select {
		case fn := <-m.cmds:
			fn()
		case <-ctx.Done():
			m.manual = true
			m.teardown()
			m.setStatus(StatusDisconnected)
			close(m.done)
			jww.DEBUG.Printf("[ws:%s] manager loop stopped", m.name)
			return
		}
	}
}

// Done is closed once Run has returned.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) post(fn func()) {
	select {
	case m.cmds <- fn:
	case <-m.done:
	}
}

// Connect opens a channel to target. If already open or opening for the same
// target, the channel is reused. A different target supersedes the current
// channel immediately. An empty token falls back to the credential store.
func (m *Manager) Connect(target, token string) {
	m.post(func() { m.connect(target, token, false) })
}

// Reconnect forces a fresh channel to the current target.
func (m *Manager) Reconnect() {
	m.post(func() {
		if m.target != "" {
			m.connect(m.target, m.token, true)
		}
	})
}

// Disconnect closes the channel, cancels all timers and suppresses any
// scheduled reconnect.
func (m *Manager) Disconnect() {
	m.post(func() {
		m.manual = true
		m.teardown()
		m.setTarget("")
		m.setStatus(StatusDisconnected)
	})
}

// Send transmits a frame if the channel is open and drops it otherwise. It
// never fails loudly; the result only reports whether the frame was queued.
func (m *Manager) Send(kind imtypes.EventKind, payload any) bool {
	m.mu.Lock()
	ch, status := m.ch, m.status
	m.mu.Unlock()
	if ch == nil || status != StatusOpen {
		metrics.FramesDropped.WithLabelValues(m.name).Inc()
		jww.DEBUG.Printf("[ws:%s] channel not open, dropping %s", m.name, kind)
		return false
	}
	data, err := imtypes.EncodeFrame(kind, payload)
	if err != nil {
		jww.WARN.Printf("[ws:%s] 无法序列化 %s: %v", m.name, kind, err)
		return false
	}
	if err := ch.Send(data); err != nil {
		metrics.FramesDropped.WithLabelValues(m.name).Inc()
		jww.DEBUG.Printf("[ws:%s] send %s failed: %v", m.name, kind, err)
		return false
	}
	return true
}

// Status returns the current connectivity state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Target returns the current target, or "" when disconnected.
func (m *Manager) Target() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// Attempt returns the reconnect attempt counter. It is read on the loop.
func (m *Manager) Attempt() int {
	result := make(chan int, 1)
	m.post(func() { result <- m.backoff.Attempt() })
	select {
	case n := <-result:
		return n
	case <-m.done:
		return 0
	}
}

func (m *Manager) connect(target, token string, force bool) {
	if token == "" && m.creds != nil {
		token = m.creds.Token()
	}
	m.mu.Lock()
	same := m.target == target && (m.status == StatusOpen || m.status == StatusConnecting)
	m.mu.Unlock()
	if same && !force && token == m.token {
		jww.DEBUG.Printf("[ws:%s] reusing channel for %s", m.name, target)
		return
	}
	m.teardown()
	m.manual = false
	m.token = token
	m.setTarget(target)
	m.dial(StatusConnecting)
}

func (m *Manager) dial(status Status) {
	m.gen++
	gen := m.gen
	endpoint := m.opts.Endpoint(m.target, m.token)
	m.setStatus(status)

	timeout := m.opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		ch, err := m.dialer.Dial(ctx, endpoint)
		m.post(func() { m.onDialed(gen, ch, err) })
	}()
}

func (m *Manager) onDialed(gen uint64, ch Channel, err error) {
	if gen != m.gen || m.manual {
		if ch != nil {
			_ = ch.Close()
		}
		return
	}
	if err != nil {
		jww.WARN.Printf("[ws:%s] 连接 %s 失败: %v", m.name, m.target, err)
		m.scheduleReconnect()
		return
	}

	m.mu.Lock()
	m.ch = ch
	m.mu.Unlock()
	m.backoff.Reset()
	m.setStatus(StatusOpen)
	jww.INFO.Printf("[ws:%s] connected to %s", m.name, m.target)

	ch.Start(&channelListener{m: m, gen: gen})
	if m.handlers.OnOpen != nil {
		m.handlers.OnOpen(m.target)
	}
	m.armHeartbeat(gen)
}

func (m *Manager) onFrame(gen uint64, data []byte) {
	if gen != m.gen {
		return
	}
	// any inbound traffic satisfies the heartbeat deadline
	if m.deadlineTimer != nil {
		m.deadlineTimer.Stop()
		m.deadlineTimer = nil
	}

	evt := imtypes.DecodeFrame(data)
	switch e := evt.(type) {
	case imtypes.DecodeError:
		metrics.DecodeErrors.WithLabelValues(m.name).Inc()
		jww.WARN.Printf("[ws:%s] 无法解析帧: %v, 原始消息: %s", m.name, e.Err, string(data))
		return
	case imtypes.UnknownEvent:
		jww.DEBUG.Printf("[ws:%s] ignoring unknown event %q", m.name, e.Name)
		return
	}
	metrics.FramesReceived.WithLabelValues(m.name, string(evt.Kind())).Inc()
	if m.handlers.OnEvent != nil {
		m.handlers.OnEvent(evt)
	}
}

func (m *Manager) onClosed(gen uint64, code int, err error) {
	if gen != m.gen {
		return
	}
	m.mu.Lock()
	ch := m.ch
	m.ch = nil
	m.mu.Unlock()
	m.stopHeartbeat()

	switch code {
	case CloseUnauthorized:
		jww.WARN.Printf("[ws:%s] 服务器拒绝令牌 (4401)", m.name)
	case CloseForbidden:
		jww.WARN.Printf("[ws:%s] 不是会话 %s 的成员 (4403)", m.name, m.target)
	default:
		jww.INFO.Printf("[ws:%s] channel closed (code %d): %v", m.name, code, err)
	}
	if t, ok := ch.(Tracer); ok {
		if trace := t.Trace(); trace != "" {
			jww.DEBUG.Printf("[ws:%s] recent frames:\n%s", m.name, trace)
		}
	}

	if m.manual {
		m.setStatus(StatusDisconnected)
		return
	}
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	delay := m.backoff.Next()
	gen := m.gen
	m.setStatus(StatusReconnecting)
	metrics.Reconnects.WithLabelValues(m.name).Inc()
	jww.INFO.Printf("[ws:%s] reconnecting in %v (attempt %d)", m.name, delay, m.backoff.Attempt())
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.post(func() {
			if gen != m.gen || m.manual || m.target == "" {
				return
			}
			m.reconnectTimer = nil
			m.dial(StatusReconnecting)
		})
	})
}

func (m *Manager) armHeartbeat(gen uint64) {
	interval := m.opts.Heartbeat.Interval
	if interval <= 0 {
		return
	}
	m.heartbeatTimer = time.AfterFunc(interval, func() {
		m.post(func() { m.onHeartbeat(gen) })
	})
}

func (m *Manager) onHeartbeat(gen uint64) {
	if gen != m.gen || m.Status() != StatusOpen {
		return
	}
	m.Send(imtypes.EventPing, imtypes.PingPayload{Ts: time.Now().UnixMilli()})
	if d := m.opts.Heartbeat.Deadline; d > 0 && m.deadlineTimer == nil {
		m.deadlineTimer = time.AfterFunc(d, func() {
			m.post(func() { m.onDeadline(gen) })
		})
	}
	m.armHeartbeat(gen)
}

func (m *Manager) onDeadline(gen uint64) {
	if gen != m.gen {
		return
	}
	m.deadlineTimer = nil
	m.mu.Lock()
	ch := m.ch
	m.mu.Unlock()
	if ch == nil {
		return
	}
	jww.WARN.Printf("[ws:%s] heartbeat deadline expired, forcing close", m.name)
	// the close comes back through onClosed and schedules the reconnect
	_ = ch.Close()
}

func (m *Manager) onTokenChanged(token string) {
	if token == m.token {
		return
	}
	if token == "" {
		jww.INFO.Printf("[ws:%s] credentials cleared, disconnecting", m.name)
		m.token = ""
		m.manual = true
		m.teardown()
		m.setStatus(StatusDisconnected)
		return
	}
	m.token = token
	if m.target == "" || m.manual {
		return
	}
	jww.INFO.Printf("[ws:%s] token rotated, reconnecting", m.name)
	m.teardown()
	m.dial(StatusConnecting)
}

func (m *Manager) stopHeartbeat() {
	if m.heartbeatTimer != nil {
		m.heartbeatTimer.Stop()
		m.heartbeatTimer = nil
	}
	if m.deadlineTimer != nil {
		m.deadlineTimer.Stop()
		m.deadlineTimer = nil
	}
}

// teardown closes the channel, stops all timers and invalidates callbacks
// from the previous generation.
func (m *Manager) teardown() {
	m.gen++
	m.stopHeartbeat()
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.mu.Lock()
	ch := m.ch
	m.ch = nil
	m.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
}

func (m *Manager) setTarget(target string) {
	m.mu.Lock()
	m.target = target
	m.mu.Unlock()
}

func (m *Manager) setStatus(status Status) {
	m.mu.Lock()
	changed := m.status != status
	m.status = status
	m.mu.Unlock()
	if !changed {
		return
	}
	if status == StatusOpen {
		metrics.ChannelOpen.WithLabelValues(m.name).Set(1)
	} else {
		metrics.ChannelOpen.WithLabelValues(m.name).Set(0)
	}
	if m.handlers.OnStatus != nil {
		m.handlers.OnStatus(status)
	}
}

// channelListener forwards channel callbacks to the loop, tagged with the
// generation they belong to.
type channelListener struct {
	m   *Manager
	gen uint64
}

func (l *channelListener) OnMessage(data []byte) {
	l.m.post(func() { l.m.onFrame(l.gen, data) })
}

func (l *channelListener) OnError(err error) {
	jww.DEBUG.Printf("[ws:%s] channel error: %v", l.m.name, err)
}

func (l *channelListener) OnClose(code int, err error) {
	l.m.post(func() { l.m.onClosed(l.gen, code, err) })
}
