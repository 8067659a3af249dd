package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"im-realtime/internal/auth"
	"im-realtime/internal/config"
	"im-realtime/internal/imtypes"
)

func newTestClient(t *testing.T, router *mux.Router) *Client {
	t.Helper()
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	creds := auth.NewMemoryCredentialStore("tok")
	return NewClient(config.APIConfig{BaseURL: srv.URL + "/", Timeout: 5 * time.Second}, creds, nil)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestListMessages_ParsesHeadersAndQuery(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "c1", mux.Vars(r)["id"])
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.Equal(t, "50", r.URL.Query().Get("limit"))
		require.Equal(t, "100", r.URL.Query().Get("before"))
		require.Empty(t, r.URL.Query().Get("after"))

		w.Header().Set("x-pagination-before", "80")
		w.Header().Set("X-PAGINATION-HAS-BEFORE", "True")
		w.Header().Set("X-Pagination-Has-After", "maybe")
		writeJSON(w, http.StatusOK, []map[string]any{
			{"id": "m80", "content": "a", "stream_position": 80},
			{"id": "m81", "content": "b", "stream_position": 81},
		})
	}).Methods(http.MethodGet)

	c := newTestClient(t, router)
	before := int64(100)
	page, err := c.ListMessages(context.Background(), "c1", PageQuery{Limit: 50, Before: &before})
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	require.Equal(t, int64(80), *page.Messages[0].StreamPosition)

	require.True(t, page.Meta.Present())
	require.Equal(t, int64(80), *page.Meta.Before)
	require.Nil(t, page.Meta.After)
	require.True(t, *page.Meta.HasBefore)
	require.Nil(t, page.Meta.HasAfter)
}

func TestParsePageMeta_Absent(t *testing.T) {
	meta := ParsePageMeta(http.Header{"X-Pagination-Before": {"abc"}})
	require.False(t, meta.Present())

	meta = ParsePageMeta(http.Header{"X-Pagination-After": {"150.0"}})
	require.True(t, meta.Present())
	require.Equal(t, int64(150), *meta.After)
}

func TestSendMessage_BlockedConversation(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var req imtypes.SendMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "hello", req.Content)
		require.NotNil(t, req.Attachments)
		writeJSON(w, http.StatusForbidden, map[string]any{
			"detail": map[string]any{
				"code":             "conversation_blocked",
				"reason":           "blocked_by_other",
				"blocked_by_other": true,
			},
		})
	}).Methods(http.MethodPost)

	c := newTestClient(t, router)
	_, err := c.SendMessage(context.Background(), "c1", imtypes.SendMessageRequest{Content: "hello"})
	require.Error(t, err)
	require.True(t, IsBlocked(err))
	require.True(t, IsStatus(err, http.StatusForbidden))
	require.Equal(t, "Ce contact a bloqué cette conversation.", UserMessage(err, "fallback"))
}

func TestUserMessage_DetailShapes(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"string detail", `{"detail":"  Message introuvable. "}`, "Message introuvable."},
		{"list detail", `{"detail":[{"msg":"champ requis"}]}`, "champ requis"},
		{"message field", `{"message":"boom"}`, "boom"},
		{"error field", `{"error":"oops"}`, "oops"},
		{"empty body", `{}`, "Impossible d'envoyer le message."},
		{"blocked by me", `{"detail":{"code":"conversation_blocked","reason":"blocked_by_me"}}`, "Vous avez bloqué cette conversation."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := &http.Response{StatusCode: http.StatusBadRequest, Body: io.NopCloser(strings.NewReader(tc.body))}
			err := decodeError(resp)
			require.Equal(t, tc.want, UserMessage(err, "Impossible d'envoyer le message."))
		})
	}

	require.Equal(t, "network down", UserMessage(errors.New("network down"), "fallback"))
	require.Empty(t, UserMessage(nil, "fallback"))
}

func TestMessageMutations(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	record := func(r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
	}

	router := mux.NewRouter()
	router.HandleFunc("/conversations/{id}/messages/{mid}", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		if r.Method == http.MethodPatch {
			var req imtypes.EditMessageRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			writeJSON(w, http.StatusOK, map[string]any{"id": mux.Vars(r)["mid"], "content": req.Content, "edited_at": "2024-05-01T10:00:00+00:00"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": mux.Vars(r)["mid"], "deleted": true, "content": ""})
	}).Methods(http.MethodPatch, http.MethodDelete)
	router.HandleFunc("/conversations/{id}/messages/{mid}/reactions", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		var req imtypes.ReactionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "toggle", req.Action)
		writeJSON(w, http.StatusOK, map[string]any{"id": mux.Vars(r)["mid"], "reactions": []map[string]any{{"emoji": req.Emoji, "count": 1, "reacted": true}}})
	}).Methods(http.MethodPost)
	router.HandleFunc("/conversations/{id}/messages/{mid}/pin", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusOK, map[string]any{"id": mux.Vars(r)["mid"], "pinned": r.Method == http.MethodPost})
	}).Methods(http.MethodPost, http.MethodDelete)
	router.HandleFunc("/conversations/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		var req imtypes.ReadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, []string{"m1"}, req.MessageIDs)
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPost)

	c := newTestClient(t, router)
	ctx := context.Background()

	edited, err := c.EditMessage(ctx, "c1", "m1", "fixed")
	require.NoError(t, err)
	require.Equal(t, "fixed", *edited.Content)
	require.NotNil(t, edited.EditedAt)

	deleted, err := c.DeleteMessage(ctx, "c1", "m1")
	require.NoError(t, err)
	require.True(t, *deleted.Deleted)

	reacted, err := c.ToggleReaction(ctx, "c1", "m1", "👍")
	require.NoError(t, err)
	require.Equal(t, "👍", reacted.Reactions[0].Emoji)

	pinned, err := c.Pin(ctx, "c1", "m1")
	require.NoError(t, err)
	require.True(t, *pinned.Pinned)
	unpinned, err := c.Unpin(ctx, "c1", "m1")
	require.NoError(t, err)
	require.False(t, *unpinned.Pinned)

	require.NoError(t, c.MarkRead(ctx, "c1", []string{"m1"}))

	require.Equal(t, []string{
		"PATCH /conversations/c1/messages/m1",
		"DELETE /conversations/c1/messages/m1",
		"POST /conversations/c1/messages/m1/reactions",
		"POST /conversations/c1/messages/m1/pin",
		"DELETE /conversations/c1/messages/m1/pin",
		"POST /conversations/c1/read",
	}, calls)
}

func TestSearchAndGetConversation(t *testing.T) {
	router := mux.NewRouter()
	router.HandleFunc("/conversations/{id}/messages/search", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "bonjour", r.URL.Query().Get("q"))
		require.Equal(t, "50", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, []map[string]any{{"id": "m1", "content": "bonjour"}})
	}).Methods(http.MethodGet)
	router.HandleFunc("/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":    "c1",
			"title": nil,
			"type":  "direct",
			"members": []map[string]any{
				{"user_id": "u1", "state": "active"},
				{"user_id": "u2", "state": "active", "display_name": "Bob", "status_message": "En réunion"},
			},
		})
	}).Methods(http.MethodGet)

	c := newTestClient(t, router)
	found, err := c.Search(context.Background(), "c1", "bonjour", 0)
	require.NoError(t, err)
	require.Len(t, found, 1)

	conv, err := c.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	target, ok := conv.DefaultCallTarget("u1")
	require.True(t, ok)
	require.Equal(t, "u2", target)
}

func TestUploadAttachment_ReportsProgress(t *testing.T) {
	content := strings.Repeat("x", 64*1024)
	router := mux.NewRouter()
	router.HandleFunc("/conversations/{id}/attachments", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.JSONEq(t, `{"scheme":"aes-gcm"}`, r.FormValue("encryption"))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, err := io.ReadAll(f)
		require.NoError(t, err)
		require.Equal(t, len(content), len(data))
		writeJSON(w, http.StatusCreated, imtypes.AttachmentDescriptor{
			ID: "a1", UploadToken: "up-1", FileName: hdr.Filename, SizeBytes: int64(len(data)),
		})
	}).Methods(http.MethodPost)

	c := newTestClient(t, router)
	var last, total int64
	desc, err := c.UploadAttachment(context.Background(), "c1", UploadRequest{
		FileName:   "notes.txt",
		Body:       strings.NewReader(content),
		Size:       int64(len(content)),
		Encryption: map[string]any{"scheme": "aes-gcm"},
		Progress: func(sent, tot int64) {
			last, total = sent, tot
		},
	})
	require.NoError(t, err)
	require.Equal(t, "up-1", desc.UploadToken)
	require.Equal(t, "notes.txt", desc.FileName)
	require.Equal(t, int64(len(content)), last)
	require.Equal(t, int64(len(content)), total)
}
