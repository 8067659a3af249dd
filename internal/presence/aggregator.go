// Package presence 聚合在线状态快照与输入状态。
package presence

import (
	"fmt"
	"slices"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"im-realtime/internal/config"
	"im-realtime/internal/imtypes"
	"im-realtime/internal/models"
)

// Aggregator keeps the presence snapshot and the typing set of the open
// conversation, plus a summarized status per conversation.
type Aggregator struct {
	selfID string
	cfg    config.PresenceConfig
	now    func() time.Time

	mu         sync.Mutex
	conv       models.Conversation
	snapshot   map[string]models.PresenceEntry
	snapshotAt time.Time
	summaries  map[string]models.PresenceEntry
	typing     map[string]time.Time

	stop chan struct{}
	done chan struct{}

	obsMu    sync.RWMutex
	onChange []func(conversationID string, summary models.PresenceEntry)
	onTyping []func(userIDs []string)
}

// NewAggregator creates an Aggregator that ignores selfID.
func NewAggregator(selfID string, cfg config.PresenceConfig) *Aggregator {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 60 * time.Second
	}
	if cfg.TypingIdle <= 0 {
		cfg.TypingIdle = 6 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	return &Aggregator{
		selfID:    selfID,
		cfg:       cfg,
		now:       time.Now,
		snapshot:  make(map[string]models.PresenceEntry),
		summaries: make(map[string]models.PresenceEntry),
		typing:    make(map[string]time.Time),
	}
}

// OnChange registers an observer of conversation summaries.
func (a *Aggregator) OnChange(fn func(conversationID string, summary models.PresenceEntry)) {
	a.obsMu.Lock()
	a.onChange = append(a.onChange, fn)
	a.obsMu.Unlock()
}

// OnTyping registers an observer of the typing set.
func (a *Aggregator) OnTyping(fn func(userIDs []string)) {
	a.obsMu.Lock()
	a.onTyping = append(a.onTyping, fn)
	a.obsMu.Unlock()
}

// SetConversation switches the open conversation. The snapshot and the
// typing set are reset.
func (a *Aggregator) SetConversation(conv models.Conversation) {
	a.mu.Lock()
	a.conv = conv
	a.snapshot = make(map[string]models.PresenceEntry)
	a.snapshotAt = time.Time{}
	hadTyping := len(a.typing) > 0
	a.typing = make(map[string]time.Time)
	if _, ok := a.summaries[conv.ID]; !ok && conv.ID != "" {
		a.summaries[conv.ID] = offlineEntry()
	}
	a.mu.Unlock()
	if hadTyping {
		a.emitTyping(nil)
	}
}

func offlineEntry() models.PresenceEntry {
	return models.PresenceEntry{Status: models.StatusOffline, Label: models.StatusOffline.Label()}
}

// ApplyPresence installs a presence:update snapshot. A snapshot without a
// conversation id belongs to the open conversation.
func (a *Aggregator) ApplyPresence(p imtypes.PresencePayload) {
	a.mu.Lock()
	convID := p.ConversationID
	current := convID == "" || convID == a.conv.ID
	if convID == "" {
		convID = a.conv.ID
	}

	entries := make([]models.PresenceEntry, 0, len(p.Users))
	for _, u := range p.Users {
		if u.UserID == "" || u.UserID == a.selfID {
			continue
		}
		entry := models.PresenceEntry{UserID: u.UserID, Status: models.ParsePresenceStatus(u.Status), LastSeen: u.LastSeen}
		if current {
			if m, ok := a.conv.Member(u.UserID); ok {
				if st, manual := StatusFromMessage(m.StatusMessage); manual {
					entry.Status = st
					entry.Label = m.StatusMessage
				}
			}
		}
		if entry.Label == "" {
			entry.Label = entry.Status.Label()
		}
		entries = append(entries, entry)
	}

	if current {
		a.snapshot = make(map[string]models.PresenceEntry, len(entries))
		for _, e := range entries {
			a.snapshot[e.UserID] = e
		}
		a.snapshotAt = a.now()
		if p.Timestamp != nil {
			a.snapshotAt = *p.Timestamp
		}
	}

	summary := offlineEntry()
	if len(entries) > 0 {
		st := models.Summarize(entries)
		summary = models.PresenceEntry{Status: st, Label: st.Label()}
	}
	if convID != "" {
		a.summaries[convID] = summary
	}
	a.mu.Unlock()

	if convID != "" {
		a.emitChange(convID, summary)
	}
}

// fresh reports whether the snapshot is recent enough to trust.
func (a *Aggregator) freshLocked() bool {
	if len(a.snapshot) == 0 || a.snapshotAt.IsZero() {
		return false
	}
	return a.now().Sub(a.snapshotAt) < a.cfg.StaleAfter
}

// MemberPresence returns the presence of a member of the open conversation.
// A stale snapshot is ignored and the member's status message decides.
func (a *Aggregator) MemberPresence(userID string) models.PresenceEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.memberLocked(userID)
}

func (a *Aggregator) memberLocked(userID string) models.PresenceEntry {
	entry := offlineEntry()
	entry.UserID = userID
	snap, inSnapshot := a.snapshot[userID]
	if inSnapshot {
		entry.LastSeen = snap.LastSeen
	}
	if a.freshLocked() && inSnapshot {
		entry.Status = snap.Status
		entry.Label = snap.Label
		return entry
	}
	if m, ok := a.conv.Member(userID); ok {
		if st, manual := StatusFromMessage(m.StatusMessage); manual {
			entry.Status = st
			entry.Label = m.StatusMessage
		}
	}
	return entry
}

// ConversationPresence returns the summarized status of a conversation.
func (a *Aggregator) ConversationPresence(conversationID string) models.PresenceEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.summaries[conversationID]; ok {
		return e
	}
	return offlineEntry()
}

// Headline returns the one-line presence text of the open conversation.
func (a *Aggregator) Headline() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var others []models.Member
	for _, m := range a.conv.ActiveMembers() {
		if m.UserID != a.selfID {
			others = append(others, m)
		}
	}
	if len(others) == 0 {
		return ""
	}
	if len(others) == 1 || !a.freshLocked() {
		e := a.memberLocked(others[0].UserID)
		if e.Status == models.StatusOffline && e.LastSeen != nil {
			return fmt.Sprintf("%s - vu %s", e.Label, e.LastSeen.Local().Format("02/01 15:04"))
		}
		return e.Label
	}

	var online []models.Member
	for _, m := range others {
		if a.memberLocked(m.UserID).Status == models.StatusOnline {
			online = append(online, m)
		}
	}
	switch len(online) {
	case 0:
		return "Tous les membres sont hors ligne"
	case 1:
		return fmt.Sprintf("%s est en ligne", displayName(online[0]))
	default:
		return fmt.Sprintf("%d membres en ligne", len(online))
	}
}

func displayName(m models.Member) string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return "Participant"
}

func (a *Aggregator) emitChange(conversationID string, summary models.PresenceEntry) {
	a.obsMu.RLock()
	fns := slices.Clone(a.onChange)
	a.obsMu.RUnlock()
	for _, fn := range fns {
		fn(conversationID, summary)
	}
	jww.TRACE.Printf("[presence] 会话 %s 状态 %s", conversationID, summary.Status)
}
