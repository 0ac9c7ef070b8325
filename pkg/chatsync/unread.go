package chatsync

import (
	"sync"

	"github.com/rs/zerolog"
)

// ConversationSnapshot is one conversation's cache state as seen by the
// accountant: metadata, local visibility, and the live (non-tombstoned)
// message list.
type ConversationSnapshot struct {
	Conversation *Conversation
	Hidden       bool
	Messages     []*Message
}

// UnreadAccountant folds the full visible conversation set into
// per-conversation unread flags and a single badge count.
//
// Every recompute is a pure fold over current cache state — no incremental
// counters survive between runs, so a missed delta can never permanently
// skew the badge. Muted and hidden conversations keep their individual flag
// but are excluded from the badge.
type UnreadAccountant struct {
	self     UserID
	rec      *ReadStateReconciler
	snapshot func() []ConversationSnapshot
	log      zerolog.Logger

	mu           sync.Mutex
	flags        map[ConversationID]bool
	badge        int
	includeMuted bool

	// onBadge fires when the badge count changes, with the new value.
	onBadge func(int)
}

func newUnreadAccountant(self UserID, rec *ReadStateReconciler, snapshot func() []ConversationSnapshot, log zerolog.Logger) *UnreadAccountant {
	return &UnreadAccountant{
		self:     self,
		rec:      rec,
		snapshot: snapshot,
		log:      log.With().Str("component", "unread").Logger(),
		flags:    make(map[ConversationID]bool),
	}
}

// OnBadgeChange registers the badge listener. At most one; the embedding
// client multiplexes further if it needs to.
func (a *UnreadAccountant) OnBadgeChange(fn func(int)) {
	a.mu.Lock()
	a.onBadge = fn
	a.mu.Unlock()
}

// SetIncludeMuted switches the badge policy for muted conversations and
// recomputes.
func (a *UnreadAccountant) SetIncludeMuted(include bool) {
	a.mu.Lock()
	changed := a.includeMuted != include
	a.includeMuted = include
	a.mu.Unlock()
	if changed {
		a.Recompute()
	}
}

// Recompute re-derives all unread flags and the badge from scratch.
// Triggered on message deltas, read-marker changes and visibility toggles.
func (a *UnreadAccountant) Recompute() {
	snaps := a.snapshot()
	a.mu.Lock()
	includeMuted := a.includeMuted
	a.mu.Unlock()

	flags := make(map[ConversationID]bool, len(snaps))
	badge := 0
	for _, snap := range snaps {
		unread := false
		for _, msg := range snap.Messages {
			if a.rec.IsUnread(msg) {
				unread = true
				break
			}
		}
		flags[snap.Conversation.ID] = unread
		muted := snap.Conversation.Muted[a.self] && !includeMuted
		if unread && !snap.Hidden && !muted {
			badge++
		}
	}

	a.mu.Lock()
	changed := badge != a.badge
	a.flags = flags
	a.badge = badge
	fn := a.onBadge
	a.mu.Unlock()

	if changed {
		a.log.Debug().Int("badge", badge).Msg("Unread badge changed")
		if fn != nil {
			fn(badge)
		}
	}
}

// Unread returns the current flag for one conversation.
func (a *UnreadAccountant) Unread(conv ConversationID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flags[conv]
}

// Badge returns the current badge count.
func (a *UnreadAccountant) Badge() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.badge
}
