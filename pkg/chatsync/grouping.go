package chatsync

import (
	"time"
)

// GroupPosition is a message's place within a presentation cluster.
type GroupPosition string

const (
	PositionSolo   GroupPosition = "solo"
	PositionTop    GroupPosition = "top"
	PositionMiddle GroupPosition = "middle"
	PositionBottom GroupPosition = "bottom"
)

// DefaultClusterWindow is the maximum gap between consecutive messages of
// the same sender for them to render as one cluster.
const DefaultClusterWindow = 5 * time.Minute

// GroupMessages assigns a GroupPosition to each message of a sequence
// ordered by (CreatedAt, ID). Message i clusters with its predecessor iff
// both share a sender and their timestamps are within the window.
//
// The computation is stateless and re-derivable: the same input always
// yields the same output slice, so render layers can diff positions across
// recomputations.
func GroupMessages(messages []*Message, window time.Duration) []GroupPosition {
	if window <= 0 {
		window = DefaultClusterWindow
	}
	out := make([]GroupPosition, len(messages))
	for i, msg := range messages {
		withPrev := i > 0 && clustered(messages[i-1], msg, window)
		withNext := i < len(messages)-1 && clustered(msg, messages[i+1], window)
		switch {
		case withPrev && withNext:
			out[i] = PositionMiddle
		case withNext:
			out[i] = PositionTop
		case withPrev:
			out[i] = PositionBottom
		default:
			out[i] = PositionSolo
		}
	}
	return out
}

func clustered(earlier, later *Message, window time.Duration) bool {
	if earlier.SenderID != later.SenderID {
		return false
	}
	gap := later.CreatedAt.Sub(earlier.CreatedAt)
	if gap < 0 {
		gap = -gap
	}
	return gap <= window
}
