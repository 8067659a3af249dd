package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"im-realtime/internal/config"
)

type recordingListener struct {
	mu       sync.Mutex
	messages []string
	closed   chan int
}

func newRecordingListener() *recordingListener {
	return &recordingListener{closed: make(chan int, 1)}
}

func (l *recordingListener) OnMessage(data []byte) {
	l.mu.Lock()
	l.messages = append(l.messages, string(data))
	l.mu.Unlock()
}

func (l *recordingListener) OnError(error) {}

func (l *recordingListener) OnClose(code int, _ error) {
	l.closed <- code
}

func (l *recordingListener) received() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.messages...)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestGorillaChannel_EchoesFramesOneByOne(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	d := NewDialer(config.WebSocketConfig{WriteWaitSeconds: 1, TraceBytes: 1024, SendBuffer: 8})
	ch, err := d.Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)

	l := newRecordingListener()
	ch.Start(l)
	require.NoError(t, ch.Send([]byte(`{"event":"ping","payload":{"ts":1}}`)))
	require.NoError(t, ch.Send([]byte(`{"event":"typing:start","payload":{}}`)))

	require.Eventually(t, func() bool { return len(l.received()) == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, `{"event":"ping","payload":{"ts":1}}`, l.received()[0])

	tracer, ok := ch.(Tracer)
	require.True(t, ok)
	require.Contains(t, tracer.Trace(), "typing:start")

	require.NoError(t, ch.Close())
	select {
	case <-l.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
	require.ErrorIs(t, ch.Send([]byte("x")), ErrChannelClosed)
}

func TestGorillaChannel_ReportsServerCloseCode(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msg := websocket.FormatCloseMessage(CloseUnauthorized, "invalid token")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	ch, err := NewDialer(config.WebSocketConfig{}).Dial(context.Background(), wsURL(srv))
	require.NoError(t, err)
	l := newRecordingListener()
	ch.Start(l)

	select {
	case code := <-l.closed:
		require.Equal(t, CloseUnauthorized, code)
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
}

func TestGorillaDialer_HandshakeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewDialer(config.WebSocketConfig{}).Dial(context.Background(), wsURL(srv))
	require.Error(t, err)
	require.Contains(t, err.Error(), "403")
}
