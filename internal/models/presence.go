package models

import (
	"strings"
	"time"
)

// PresenceStatus 在线状态码。
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
	StatusDND     PresenceStatus = "dnd"
	StatusMeeting PresenceStatus = "meeting"
	StatusOffline PresenceStatus = "offline"
)

var statusLabels = map[PresenceStatus]string{
	StatusOnline:  "En ligne",
	StatusMeeting: "En réunion",
	StatusBusy:    "Occupé",
	StatusDND:     "Ne pas déranger",
	StatusAway:    "Absent",
	StatusOffline: "Hors ligne",
}

// ParsePresenceStatus normalizes a wire status. "available" is online and
// anything unknown is offline.
func ParsePresenceStatus(s string) PresenceStatus {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "online", "available":
		return StatusOnline
	case "meeting", "busy", "dnd", "away":
		return PresenceStatus(v)
	default:
		return StatusOffline
	}
}

// Label returns the display label of the status.
func (s PresenceStatus) Label() string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return statusLabels[StatusOffline]
}

// rank orders statuses for conversation summaries, higher wins.
func (s PresenceStatus) rank() int {
	switch s {
	case StatusMeeting:
		return 4
	case StatusBusy, StatusDND:
		return 3
	case StatusOnline:
		return 2
	case StatusAway:
		return 1
	default:
		return 0
	}
}

// PresenceEntry is the presence of one member.
type PresenceEntry struct {
	UserID   string
	Status   PresenceStatus
	LastSeen *time.Time
	Label    string
}

// Summarize collapses member statuses into one conversation-level status
// using meeting > busy/dnd > online > away > offline. Busy and dnd both
// summarize as busy.
func Summarize(entries []PresenceEntry) PresenceStatus {
	best := StatusOffline
	for _, e := range entries {
		if e.Status.rank() > best.rank() {
			best = e.Status
		}
	}
	if best == StatusDND {
		return StatusBusy
	}
	return best
}
