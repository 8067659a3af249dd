package messages

import (
	"errors"

	"github.com/forPelevin/gomoji"
)

// ErrInvalidReaction is returned when a reaction is not exactly one emoji.
var ErrInvalidReaction = errors.New("messages: reaction must be a single emoji")

// ValidateReaction checks that reaction holds a single emoji and nothing else.
func ValidateReaction(reaction string) error {
	found := gomoji.CollectAll(reaction)
	if len(found) != 1 {
		return ErrInvalidReaction
	}
	if found[0].Character != reaction {
		return ErrInvalidReaction
	}
	return nil
}
