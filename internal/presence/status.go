package presence

import (
	"strings"

	"im-realtime/internal/models"
)

var foldAccents = strings.NewReplacer(
	"é", "e", "è", "e", "ê", "e", "ë", "e",
	"à", "a", "â", "a", "î", "i", "ï", "i",
	"ô", "o", "ù", "u", "û", "u", "ç", "c",
)

// StatusFromMessage derives a status from a member's free-text status
// message. ok is false when the message names no known status.
func StatusFromMessage(message string) (status models.PresenceStatus, ok bool) {
	if strings.TrimSpace(message) == "" {
		return "", false
	}
	s := foldAccents.Replace(strings.ToLower(message))
	switch {
	case strings.Contains(s, "reunion"), strings.Contains(s, "meeting"):
		return models.StatusMeeting, true
	case strings.Contains(s, "pas deranger"), strings.Contains(s, "dnd"):
		return models.StatusDND, true
	case strings.Contains(s, "occup"), strings.Contains(s, "busy"):
		return models.StatusBusy, true
	case strings.Contains(s, "absent"), strings.Contains(s, "away"):
		return models.StatusAway, true
	case strings.Contains(s, "disponible"), strings.Contains(s, "available"):
		return models.StatusOnline, true
	}
	return "", false
}
