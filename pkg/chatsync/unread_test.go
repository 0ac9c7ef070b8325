package chatsync

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type accountantFixture struct {
	cache      *conversationCache
	reconciler *ReadStateReconciler
	accountant *UnreadAccountant
	backend    *MemoryBackend
}

func newAccountantFixture(t *testing.T) *accountantFixture {
	t.Helper()
	backend := NewMemoryBackend()
	cache := newConversationCache(nil, zerolog.Nop())
	rec := newReadStateReconciler("self", backend, nil, zerolog.Nop())
	acc := newUnreadAccountant("self", rec, cache.snapshot, zerolog.Nop())
	rec.setOnChange(func(ConversationID) { acc.Recompute() })
	return &accountantFixture{cache: cache, reconciler: rec, accountant: acc, backend: backend}
}

func (f *accountantFixture) addConversation(id ConversationID, muted bool) {
	conv := &Conversation{
		ID:      id,
		Kind:    ConversationGroup,
		OwnerID: "owner",
		Participants: map[UserID]bool{
			"owner": true, "self": true, "bob": true,
		},
		AdminIDs: map[UserID]bool{},
		Muted:    map[UserID]bool{},
		LastRead: map[UserID]time.Time{},
	}
	if muted {
		conv.Muted["self"] = true
	}
	f.backend.SeedConversation(conv)
	f.cache.setConversation(context.Background(), conv)
}

func (f *accountantFixture) addMessage(conv ConversationID, id string, sender UserID, at time.Time) {
	f.cache.applyMessageDelta(context.Background(), MessageDelta{
		Op:             DeltaAdded,
		ConversationID: conv,
		Message: &Message{
			ID:             MessageID(id),
			ConversationID: conv,
			SenderID:       sender,
			CreatedAt:      at,
			Type:           MessageUser,
		},
	})
}

func TestBadgeCountsUnreadConversations(t *testing.T) {
	f := newAccountantFixture(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	f.addConversation("conv-1", false)
	f.addConversation("conv-2", false)
	f.addConversation("conv-3", false)
	f.addMessage("conv-1", "m1", "bob", base)
	f.addMessage("conv-2", "m2", "bob", base)
	f.addMessage("conv-3", "m3", "self", base) // own message: read

	f.accountant.Recompute()
	assert.Equal(t, 2, f.accountant.Badge())
	assert.True(t, f.accountant.Unread("conv-1"))
	assert.True(t, f.accountant.Unread("conv-2"))
	assert.False(t, f.accountant.Unread("conv-3"))

	// Marking one read drops the badge via the reconciler's change hook.
	f.reconciler.MarkRead(context.Background(), "conv-1", base)
	assert.Equal(t, 1, f.accountant.Badge())
	assert.False(t, f.accountant.Unread("conv-1"))
}

func TestMutedConversationKeepsFlagButLeavesBadge(t *testing.T) {
	f := newAccountantFixture(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	f.addConversation("muted", true)
	f.addConversation("normal", false)
	f.addMessage("muted", "m1", "bob", base)
	f.addMessage("normal", "m2", "bob", base)

	f.accountant.Recompute()
	assert.Equal(t, 1, f.accountant.Badge())
	assert.True(t, f.accountant.Unread("muted"), "muted conversations still carry their flag")

	// Policy flip brings muted conversations into the badge.
	f.accountant.SetIncludeMuted(true)
	assert.Equal(t, 2, f.accountant.Badge())
}

func TestHiddenConversationLeavesBadge(t *testing.T) {
	f := newAccountantFixture(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	f.addConversation("conv-1", false)
	f.addMessage("conv-1", "m1", "bob", base)
	f.accountant.Recompute()
	assert.Equal(t, 1, f.accountant.Badge())

	f.cache.setHidden(context.Background(), "conv-1", true)
	f.accountant.Recompute()
	assert.Equal(t, 0, f.accountant.Badge())
	assert.True(t, f.accountant.Unread("conv-1"))
}

func TestBadgeListenerFiresOnChange(t *testing.T) {
	f := newAccountantFixture(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var seen []int
	f.accountant.OnBadgeChange(func(badge int) { seen = append(seen, badge) })

	f.addConversation("conv-1", false)
	f.addMessage("conv-1", "m1", "bob", base)
	f.accountant.Recompute()
	f.accountant.Recompute() // unchanged badge: no second callback

	assert.Equal(t, []int{1}, seen)
}

func TestRecomputeIsFullFold(t *testing.T) {
	f := newAccountantFixture(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	f.addConversation("conv-1", false)
	f.addMessage("conv-1", "m1", "bob", base)
	f.accountant.Recompute()
	assert.Equal(t, 1, f.accountant.Badge())

	// Removing the only unread message and recomputing clears the badge —
	// no stale incremental counter can survive.
	f.cache.applyMessageDelta(context.Background(), MessageDelta{
		Op:             DeltaRemoved,
		ConversationID: "conv-1",
		MessageID:      "m1",
	})
	f.accountant.Recompute()
	assert.Equal(t, 0, f.accountant.Badge())
}
