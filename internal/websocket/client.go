package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/armon/circbuf"
	"github.com/gorilla/websocket"
	jww "github.com/spf13/jwalterweatherman"

	"im-realtime/internal/config"
)

// Server close codes used by the realtime endpoints.
const (
	CloseUnauthorized = 4401 // bad or missing token
	CloseForbidden    = 4403 // not a member of the conversation
)

var (
	ErrChannelClosed  = errors.New("channel closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Listener receives the lifecycle callbacks of a Channel. OnClose is called
// exactly once, after which no other callback fires.
type Listener interface {
	OnMessage(data []byte)
	OnError(err error)
	OnClose(code int, err error)
}

// Channel is a duplex, message-framed connection.
type Channel interface {
	// Start begins delivering inbound frames to l.
	Start(l Listener)
	// Send queues one frame without blocking.
	Send(data []byte) error
	Close() error
}

// Dialer opens Channels. A successful Dial is the open event.
type Dialer interface {
	Dial(ctx context.Context, url string) (Channel, error)
}

// Tracer is implemented by channels that keep a trace of recent frames.
type Tracer interface {
	Trace() string
}

// GorillaDialer dials realtime channels with gorilla/websocket.
type GorillaDialer struct {
	wsCfg  config.WebSocketConfig
	dialer *websocket.Dialer
}

// NewDialer creates a GorillaDialer.
func NewDialer(wsCfg config.WebSocketConfig) *GorillaDialer {
	return &GorillaDialer{
		wsCfg: wsCfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: wsCfg.HandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
	}
}

// Dial opens a channel to url.
func (d *GorillaDialer) Dial(ctx context.Context, url string) (Channel, error) {
	conn, resp, err := d.dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket 握手失败 (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket 连接失败: %w", err)
	}

	bufSize := d.wsCfg.SendBuffer
	if bufSize <= 0 {
		bufSize = 256
	}
	c := &client{
		conn:  conn,
		send:  make(chan []byte, bufSize),
		done:  make(chan struct{}),
		wsCfg: d.wsCfg,
	}
	if d.wsCfg.TraceBytes > 0 {
		if buf, err := circbuf.NewBuffer(d.wsCfg.TraceBytes); err == nil {
			c.trace = buf
		}
	}
	return c, nil
}

// client is a Channel over one gorilla connection. readPump and writePump
// are its only goroutines.
type client struct {
	conn *websocket.Conn

	// Buffered channel of outbound frames.
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	startOnce sync.Once
	wsCfg     config.WebSocketConfig

	traceMu sync.Mutex
	trace   *circbuf.Buffer
}

func (c *client) Start(l Listener) {
	c.startOnce.Do(func() {
		go c.writePump()
		go c.readPump(l)
	})
}

func (c *client) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrChannelClosed
	default:
		return ErrSendBufferFull
	}
}

func (c *client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.writeWait())
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.conn.Close()
	})
	return err
}

func (c *client) Trace() string {
	c.traceMu.Lock()
	defer c.traceMu.Unlock()
	if c.trace == nil {
		return ""
	}
	return c.trace.String()
}

func (c *client) record(dir string, data []byte) {
	c.traceMu.Lock()
	defer c.traceMu.Unlock()
	if c.trace == nil {
		return
	}
	_, _ = c.trace.Write([]byte(dir))
	_, _ = c.trace.Write(data)
	_, _ = c.trace.Write([]byte("\n"))
}

func (c *client) writeWait() time.Duration {
	if c.wsCfg.WriteWaitSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.wsCfg.WriteWaitSeconds) * time.Second
}

// readPump pumps frames from the websocket connection to the listener.
func (c *client) readPump(l Listener) {
	code := websocket.CloseAbnormalClosure
	var closeErr error
	defer func() {
		_ = c.Close()
		l.OnClose(code, closeErr)
	}()
	if c.wsCfg.MaxMessageSizeBytes > 0 {
		c.conn.SetReadLimit(int64(c.wsCfg.MaxMessageSizeBytes))
	}

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.OnError(err)
			}
			closeErr = err
			return
		}
		if messageType != websocket.TextMessage {
			jww.WARN.Printf("[ws] 忽略非文本帧类型: %d", messageType)
			continue
		}
		c.record("< ", data)
		l.OnMessage(data)
	}
}

// writePump pumps queued frames to the websocket connection, one frame per
// websocket message.
func (c *client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait()))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				jww.WARN.Printf("[ws] 写入帧失败: %v", err)
				_ = c.conn.Close()
				return
			}
			c.record("> ", message)
		}
	}
}
