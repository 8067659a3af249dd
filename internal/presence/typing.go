package presence

import (
	"slices"
	"sort"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"im-realtime/internal/imtypes"
)

// HandleTyping applies a typing:start or typing:stop event of the open
// conversation. Events of other conversations and of self are ignored.
func (a *Aggregator) HandleTyping(evt imtypes.TypingEvent) {
	p := evt.Payload
	a.mu.Lock()
	if p.UserID == "" || p.UserID == a.selfID || a.conv.ID == "" || p.ConversationID != a.conv.ID {
		a.mu.Unlock()
		return
	}
	_, had := a.typing[p.UserID]
	if evt.Active {
		a.typing[p.UserID] = a.now()
	} else {
		delete(a.typing, p.UserID)
	}
	changed := had != evt.Active
	users := a.typingLocked()
	a.mu.Unlock()

	if changed {
		a.emitTyping(users)
	}
}

// Typing returns the members currently typing, sorted.
func (a *Aggregator) Typing() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.typingLocked()
}

func (a *Aggregator) typingLocked() []string {
	users := make([]string, 0, len(a.typing))
	for id := range a.typing {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// TypingText returns the typing indicator line, or "" when nobody types.
func (a *Aggregator) TypingText() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	users := a.typingLocked()
	switch len(users) {
	case 0:
		return ""
	case 1:
		name := "Participant"
		if m, ok := a.conv.Member(users[0]); ok && m.DisplayName != "" {
			name = m.DisplayName
		}
		return name + " est en train d'écrire..."
	default:
		return "Plusieurs personnes écrivent..."
	}
}

// Start runs the periodic typing sweep until Stop is called.
func (a *Aggregator) Start() {
	a.mu.Lock()
	if a.stop != nil {
		a.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	a.stop, a.done = stop, done
	interval := a.cfg.SweepInterval
	a.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				a.sweep()
			case <-stop:
				return
			}
		}
	}()
}

// Stop ends the sweep and waits for it to exit.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	stop, done := a.stop, a.done
	a.stop, a.done = nil, nil
	a.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// sweep prunes typing entries idle for longer than TypingIdle.
func (a *Aggregator) sweep() {
	a.mu.Lock()
	now := a.now()
	pruned := 0
	for id, ts := range a.typing {
		if now.Sub(ts) > a.cfg.TypingIdle {
			delete(a.typing, id)
			pruned++
		}
	}
	users := a.typingLocked()
	a.mu.Unlock()

	if pruned > 0 {
		jww.TRACE.Printf("[presence] 清理 %d 个过期输入状态", pruned)
		a.emitTyping(users)
	}
}

func (a *Aggregator) emitTyping(users []string) {
	a.obsMu.RLock()
	fns := slices.Clone(a.onTyping)
	a.obsMu.RUnlock()
	for _, fn := range fns {
		fn(users)
	}
}
