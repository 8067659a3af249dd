// Package console renders a realtime session on a terminal and turns input
// lines into user actions.
package console

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	jww "github.com/spf13/jwalterweatherman"

	"im-realtime/internal/api"
	"im-realtime/internal/call"
	"im-realtime/internal/messages"
	"im-realtime/internal/models"
	"im-realtime/internal/services"
	"im-realtime/internal/storage"
)

const helpText = `Commandes:
  texte libre            envoyer un message
  /open <id>             ouvrir une conversation
  /older /newer          charger plus de messages
  /goto <id>             rechercher un message dans l'historique
  /reply <id> <texte>    répondre
  /fwd <id>              transférer
  /edit <id> <texte>     modifier
  /delete <id>           supprimer
  /react <id> <emoji>    réagir
  /pin <id> /unpin <id>  épingler
  /search <texte>        rechercher
  /attach <fichier>      joindre un fichier
  /read                  tout marquer comme lu
  /call [video]          appeler
  /accept /decline       répondre à un appel
  /hangup                raccrocher
  /mute /camera          micro et caméra
  /who                   présence
  /quit                  quitter`

// Handler 负责把会话事件渲染到终端，并把输入行转换为用户操作。
type Handler struct {
	svc *services.RealtimeService

	outMu sync.Mutex
	out   io.Writer

	mu       sync.Mutex
	rendered map[string]string
	lastCall call.Status
}

// NewHandler creates a Handler writing to out and registers its observers
// on svc.
func NewHandler(svc *services.RealtimeService, out io.Writer) *Handler {
	h := &Handler{
		svc:      svc,
		out:      out,
		rendered: make(map[string]string),
		lastCall: call.StatusIdle,
	}

	svc.OnConversation(h.onConversation)
	svc.OnReady(func(ready bool) {
		if ready {
			h.printf("● connecté")
		} else {
			h.printf("○ connexion perdue, reconnexion…")
		}
	})
	svc.OnNotification(h.onNotification)
	svc.OnNotificationStatus(func(open bool) {
		jww.DEBUG.Printf("[console] notifications open=%v", open)
	})
	svc.Unread().OnUnread(func(conversationID string, count int) {
		if count > 0 {
			h.printf("✉ %d non lu(s) dans %s", count, conversationID)
		}
	})
	svc.Presence().OnChange(func(conversationID string, _ models.PresenceEntry) {
		conv, _ := svc.Conversation()
		if conversationID == conv.ID {
			if line := svc.Presence().Headline(); line != "" {
				h.printf("· %s", line)
			}
		}
	})
	svc.Presence().OnTyping(func(users []string) {
		if text := svc.Presence().TypingText(); text != "" {
			h.printf("… %s", text)
		}
	})
	svc.Calls().OnState(h.onCallState)
	return h
}

// Bell writes the terminal bell. It is the call ringer's tone sink output.
func (h *Handler) Bell(s string) {
	h.outMu.Lock()
	defer h.outMu.Unlock()
	fmt.Fprint(h.out, s)
}

func (h *Handler) printf(format string, args ...any) {
	h.outMu.Lock()
	defer h.outMu.Unlock()
	fmt.Fprintf(h.out, format+"\n", args...)
}

func (h *Handler) onConversation(conv models.Conversation, msgs *messages.Controller) {
	h.mu.Lock()
	h.rendered = make(map[string]string)
	h.mu.Unlock()

	title := conv.Title
	if title == "" {
		title = conv.ID
	}
	h.printf("── %s (%d membres) ──", title, len(conv.ActiveMembers()))
	msgs.OnChange(h.renderMessages)
}

// renderMessages prints messages that are new or changed since the last
// render.
func (h *Handler) renderMessages(list []models.Message) {
	var lines []string
	h.mu.Lock()
	for _, m := range list {
		line := FormatMessage(m)
		prev, seen := h.rendered[m.ID]
		if seen && prev == line {
			continue
		}
		h.rendered[m.ID] = line
		if seen {
			line = "~ " + line
		}
		lines = append(lines, line)
	}
	h.mu.Unlock()
	for _, l := range lines {
		h.printf("%s", l)
	}
}

func (h *Handler) onNotification(payload json.RawMessage) {
	var n struct {
		Kind           string `json:"kind"`
		Type           string `json:"type"`
		ConversationID string `json:"conversation_id"`
		Title          string `json:"title"`
		Body           string `json:"body"`
	}
	if err := json.Unmarshal(payload, &n); err != nil {
		jww.DEBUG.Printf("[console] notification illisible: %v", err)
		return
	}
	kind := n.Kind
	if kind == "" {
		kind = n.Type
	}
	text := strings.TrimSpace(n.Title + " " + n.Body)
	if text == "" {
		text = n.ConversationID
	}
	h.printf("🔔 %s %s", kind, text)
}

func (h *Handler) onCallState(s call.State) {
	h.mu.Lock()
	changed := s.Status != h.lastCall
	h.lastCall = s.Status
	h.mu.Unlock()

	if s.Error != "" && s.Status == call.StatusIdle {
		h.printf("☎ %s", s.Error)
	}
	if !changed {
		return
	}
	name := s.RemoteUserID
	conv, _ := h.svc.Conversation()
	if m, ok := conv.Member(s.RemoteUserID); ok && m.DisplayName != "" {
		name = m.DisplayName
	}
	h.printf("☎ %s", s.Label(name))
}

// Run reads input lines until EOF, ctx is done or /quit.
func (h *Handler) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return scanner.Err()
			}
			if err := h.Execute(ctx, ParseCommand(line)); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				h.printf("✗ %s", userMessage(err))
			}
		}
	}
}

var errQuit = errors.New("quit")

func userMessage(err error) string {
	var sendErr *messages.SendError
	if errors.As(err, &sendErr) {
		return sendErr.UserMessage()
	}
	if msg := call.UserMessage(err); msg != err.Error() {
		return msg
	}
	return api.UserMessage(err, err.Error())
}

// Execute runs one command.
func (h *Handler) Execute(ctx context.Context, cmd Command) error {
	switch cmd.Name {
	case "help":
		h.printf("%s", helpText)
		return nil
	case "quit", "exit":
		return errQuit
	case "open":
		if len(cmd.Args) != 1 {
			return errors.New("usage: /open <conversation>")
		}
		_, err := h.svc.Open(ctx, cmd.Args[0])
		return err
	case "call":
		kind := call.KindAudio
		if len(cmd.Args) > 0 && cmd.Args[0] == "video" {
			kind = call.KindVideo
		}
		return h.svc.Calls().Start(ctx, kind)
	case "accept":
		return h.svc.Calls().Accept(ctx)
	case "decline":
		h.svc.Calls().Decline()
		return nil
	case "hangup":
		h.svc.Calls().Hangup()
		return nil
	case "mute":
		if h.svc.Calls().ToggleMic() {
			h.printf("🎙 micro activé")
		} else {
			h.printf("🎙 micro coupé")
		}
		return nil
	case "camera":
		if h.svc.Calls().ToggleCamera() {
			h.printf("📷 caméra activée")
		} else {
			h.printf("📷 caméra coupée")
		}
		return nil
	case "who":
		h.printf("· %s", h.svc.Presence().Headline())
		conv, _ := h.svc.Conversation()
		for _, m := range conv.ActiveMembers() {
			if m.UserID == h.svc.SelfID() {
				continue
			}
			e := h.svc.Presence().MemberPresence(m.UserID)
			h.printf("  %s: %s", m.DisplayName, e.Label)
		}
		return nil
	}

	_, msgs := h.svc.Conversation()
	if msgs == nil {
		return services.ErrNoConversation
	}
	return h.executeMessage(ctx, msgs, cmd)
}

func (h *Handler) executeMessage(ctx context.Context, msgs *messages.Controller, cmd Command) error {
	switch cmd.Name {
	case "say":
		if cmd.Rest == "" && len(msgs.Attachments()) == 0 {
			h.svc.Input("")
			return nil
		}
		_, err := h.svc.Send(ctx, messages.Draft{Content: cmd.Rest})
		return err
	case "older":
		_, err := msgs.LoadOlder(ctx)
		return err
	case "newer":
		_, err := msgs.LoadNewer(ctx)
		return err
	case "read":
		return msgs.MarkRead(ctx, nil)
	case "search":
		q := strings.Join(cmd.Args, " ")
		found, err := msgs.Search(ctx, q)
		if err != nil {
			return err
		}
		h.printf("%d résultat(s) pour « %s »", len(found), q)
		for _, m := range found {
			h.printf("  %s", FormatMessage(m))
		}
		return nil
	case "attach":
		if len(cmd.Args) == 0 {
			return errors.New("usage: /attach <fichier>")
		}
		f, err := storage.OpenAttachment(strings.Join(cmd.Args, " "))
		if err != nil {
			return err
		}
		defer f.Close()
		h.printf("📎 %s (%s)…", f.Name, humanize.Bytes(uint64(f.Size)))
		p, err := msgs.Upload(ctx, f.Name, f, f.Size, nil)
		if err != nil {
			return err
		}
		h.printf("📎 %s prêt", p.FileName)
		return nil
	}

	if len(cmd.Args) == 0 {
		return fmt.Errorf("usage: /%s <message>", cmd.Name)
	}
	target, err := h.resolve(msgs, cmd.Args[0])
	if err != nil {
		return err
	}

	switch cmd.Name {
	case "goto":
		ok, err := msgs.EnsureVisible(ctx, target.ID, target.StreamPosition)
		if err == nil && !ok {
			h.printf("message introuvable")
		}
		return err
	case "reply":
		_, err := h.svc.Send(ctx, messages.Draft{Content: cmd.Rest, ReplyTo: &target})
		return err
	case "fwd":
		_, err := h.svc.Send(ctx, messages.Draft{Content: cmd.Rest, ForwardFrom: &target})
		return err
	case "edit":
		_, err := msgs.Edit(ctx, target.ID, cmd.Rest)
		return err
	case "delete":
		_, err := msgs.Delete(ctx, target.ID)
		return err
	case "react":
		if len(cmd.Args) < 2 {
			return errors.New("usage: /react <message> <emoji>")
		}
		_, err := msgs.ToggleReaction(ctx, target.ID, cmd.Args[1])
		return err
	case "pin", "unpin":
		_, err := msgs.SetPinned(ctx, target.ID, cmd.Name == "pin")
		return err
	default:
		return fmt.Errorf("commande inconnue: /%s (voir /help)", cmd.Name)
	}
}

// resolve finds a loaded message by full id or by its short id prefix. An
// id that is not loaded is passed through so /goto can page it in.
func (h *Handler) resolve(msgs *messages.Controller, ref string) (models.Message, error) {
	if m, ok := msgs.Message(ref); ok {
		return m, nil
	}
	var found []models.Message
	for _, m := range msgs.Messages() {
		if strings.HasPrefix(m.ID, ref) {
			found = append(found, m)
		}
	}
	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		return models.Message{ID: ref}, nil
	default:
		return models.Message{}, fmt.Errorf("identifiant ambigu: %s", ref)
	}
}
