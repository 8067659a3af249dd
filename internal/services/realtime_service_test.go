package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"im-realtime/internal/api"
	"im-realtime/internal/auth"
	"im-realtime/internal/config"
	"im-realtime/internal/imtypes"
	"im-realtime/internal/messages"
	"im-realtime/internal/models"
	"im-realtime/internal/websocket"
)

type fakeServer struct {
	mu       sync.Mutex
	frames   []imtypes.Frame
	readIDs  []string
	sentBody []imtypes.SendMessageRequest
}

func (f *fakeServer) record(fr imtypes.Frame) {
	f.mu.Lock()
	f.frames = append(f.frames, fr)
	f.mu.Unlock()
}

func (f *fakeServer) events() []imtypes.EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []imtypes.EventKind
	for _, fr := range f.frames {
		out = append(out, fr.Event)
	}
	return out
}

func (f *fakeServer) read() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.readIDs...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newFakeBackend(t *testing.T, fs *fakeServer) *httptest.Server {
	t.Helper()
	upgrader := gws.Upgrader{}
	router := mux.NewRouter()

	router.HandleFunc("/api/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"id":   mux.Vars(r)["id"],
			"type": "direct",
			"members": []map[string]any{
				{"user_id": "me"},
				{"user_id": "bob", "display_name": "Bob"},
			},
		})
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(api.HeaderHasBefore, "false")
		w.Header().Set(api.HeaderBefore, "1")
		w.Header().Set(api.HeaderAfter, "2")
		writeJSON(w, []map[string]any{
			{"id": "m1", "conversation_id": "c1", "author_id": "bob", "content": "salut", "stream_position": 1},
			{"id": "m2", "conversation_id": "c1", "author_id": "me", "content": "coucou", "stream_position": 2},
		})
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var body imtypes.SendMessageRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		fs.mu.Lock()
		fs.sentBody = append(fs.sentBody, body)
		fs.mu.Unlock()
		writeJSON(w, map[string]any{
			"id":              "11111111-1111-4111-8111-111111111111",
			"conversation_id": "c1",
			"author_id":       "me",
			"content":         body.Content,
			"stream_position": 4,
		})
	}).Methods(http.MethodPost)

	router.HandleFunc("/api/conversations/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			MessageIDs []string `json:"message_ids"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		fs.mu.Lock()
		fs.readIDs = append(fs.readIDs, body.MessageIDs...)
		fs.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	router.HandleFunc("/ws/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		id := mux.Vars(r)["id"]
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var fr imtypes.Frame
			if json.Unmarshal(data, &fr) != nil {
				continue
			}
			fs.record(fr)
			if fr.Event == imtypes.EventSubscribe {
				_ = conn.WriteMessage(gws.TextMessage, []byte(`{"event":"ready","conversation_id":"`+id+`"}`))
				_ = conn.WriteMessage(gws.TextMessage, []byte(`{"event":"message","id":"m3","conversation_id":"`+id+`","author_id":"bob","content":"ça va ?","stream_position":3}`))
				_ = conn.WriteMessage(gws.TextMessage, []byte(`{"event":"typing:start","payload":{"conversation_id":"`+id+`","user_id":"bob"}}`))
			}
		}
	})

	router.HandleFunc("/ws/notifications", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(gws.TextMessage, []byte(`{"event":"notification","payload":{"kind":"mention","conversation_id":"c9"}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func newTestService(t *testing.T, srv *httptest.Server) *RealtimeService {
	t.Helper()
	cfg := config.Default()
	cfg.API.BaseURL = srv.URL + "/api"
	cfg.WebSocket.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.Reconnect = config.ReconnectConfig{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, MaxAttempt: 8}
	cfg.Notifications = cfg.Reconnect
	cfg.Presence.SweepInterval = 10 * time.Millisecond

	creds := auth.NewMemoryCredentialStore("tok")
	svc, err := NewRealtimeService(Deps{
		Config: cfg,
		SelfID: "me",
		API:    api.NewClient(cfg.API, creds, nil),
		Creds:  creds,
		Dialer: websocket.NewDialer(cfg.WebSocket),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return svc
}

func TestRealtimeService_OpenConversationEndToEnd(t *testing.T) {
	fs := &fakeServer{}
	srv := newFakeBackend(t, fs)
	svc := newTestService(t, srv)

	var notifications []json.RawMessage
	var nmu sync.Mutex
	svc.OnNotification(func(p json.RawMessage) {
		nmu.Lock()
		notifications = append(notifications, p)
		nmu.Unlock()
	})

	msgs, err := svc.Open(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, "c1", msgs.ConversationID())

	require.Eventually(t, svc.Ready, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(msgs.Messages()) == 3 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "m3", msgs.Messages()[2].ID)
	require.Equal(t, int64(3), *msgs.Cursor().After)

	// the live message from bob is marked read
	require.Eventually(t, func() bool { return len(fs.read()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"m3"}, fs.read())

	require.Eventually(t, func() bool { return len(svc.Presence().Typing()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "Bob est en train d'écrire...", svc.Presence().TypingText())

	require.Eventually(t, func() bool {
		nmu.Lock()
		defer nmu.Unlock()
		return len(notifications) == 1
	}, 2*time.Second, 5*time.Millisecond)

	conv, current := svc.Conversation()
	require.Equal(t, "c1", conv.ID)
	require.Same(t, msgs, current)
	require.Contains(t, fs.events(), imtypes.EventSubscribe)
}

func TestRealtimeService_SendStopsTyping(t *testing.T) {
	fs := &fakeServer{}
	srv := newFakeBackend(t, fs)
	svc := newTestService(t, srv)

	_, err := svc.Open(context.Background(), "c1")
	require.NoError(t, err)
	require.Eventually(t, svc.Ready, 2*time.Second, 5*time.Millisecond)

	svc.Input("bonj")
	require.Eventually(t, func() bool {
		for _, k := range fs.events() {
			if k == imtypes.EventTypingStart {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	msg, err := svc.Send(context.Background(), messages.Draft{Content: "bonjour"})
	require.NoError(t, err)
	require.Equal(t, "bonjour", msg.Content)
	require.Eventually(t, func() bool {
		for _, k := range fs.events() {
			if k == imtypes.EventTypingStop {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRealtimeService_SwitchTearsDownPrevious(t *testing.T) {
	fs := &fakeServer{}
	srv := newFakeBackend(t, fs)
	svc := newTestService(t, srv)

	var seen []string
	svc.OnConversation(func(c models.Conversation, _ *messages.Controller) { seen = append(seen, c.ID) })

	first, err := svc.Open(context.Background(), "c1")
	require.NoError(t, err)
	second, err := svc.Open(context.Background(), "c2")
	require.NoError(t, err)

	require.NotSame(t, first, second)
	_, err = first.Send(context.Background(), messages.Draft{Content: "trop tard"})
	require.ErrorIs(t, err, messages.ErrClosed)
	require.Equal(t, []string{"c1", "c2"}, seen)
	require.Eventually(t, func() bool { return svc.conv.Target() == "c2" }, 2*time.Second, 5*time.Millisecond)

	svc.Leave()
	_, err = svc.Send(context.Background(), messages.Draft{Content: "x"})
	require.ErrorIs(t, err, ErrNoConversation)
}
