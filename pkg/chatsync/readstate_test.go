package chatsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReconciler(t *testing.T) (*ReadStateReconciler, *MemoryBackend) {
	t.Helper()
	backend := NewMemoryBackend()
	backend.SeedConversation(&Conversation{
		ID:      "conv-1",
		Kind:    ConversationGroup,
		OwnerID: "owner",
		Participants: map[UserID]bool{
			"owner": true, "self": true, "bob": true,
		},
		Capacity: 10,
	})
	rec := newReadStateReconciler("self", backend, nil, zerolog.Nop())
	return rec, backend
}

func TestMarkReadIsOptimisticAndMonotonic(t *testing.T) {
	rec, _ := newTestReconciler(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, MarkerUnknown, rec.Effective("conv-1").Source)

	rec.MarkRead(ctx, "conv-1", base)
	marker := rec.Effective("conv-1")
	assert.Equal(t, MarkerLocalOptimistic, marker.Source)
	assert.True(t, marker.LastReadAt.Equal(base))

	// Older mark is ignored: effective never decreases.
	rec.MarkRead(ctx, "conv-1", base.Add(-time.Hour))
	assert.True(t, rec.Effective("conv-1").LastReadAt.Equal(base))
}

func TestMarkReadIdempotent(t *testing.T) {
	rec, _ := newTestReconciler(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec.MarkRead(ctx, "conv-1", base)
	first := rec.Effective("conv-1")
	rec.MarkRead(ctx, "conv-1", base)
	assert.Equal(t, first, rec.Effective("conv-1"))
}

func TestServerMarkerReplacesOlderLocal(t *testing.T) {
	rec, _ := newTestReconciler(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec.MarkRead(ctx, "conv-1", base)
	rec.ObserveServerMarker(ctx, "conv-1", base.Add(time.Minute))

	marker := rec.Effective("conv-1")
	assert.Equal(t, MarkerServerConfirmed, marker.Source)
	assert.True(t, marker.LastReadAt.Equal(base.Add(time.Minute)))
}

func TestNewerLocalSurvivesStaleServerMarker(t *testing.T) {
	rec, _ := newTestReconciler(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// User read further after the stale server value was fetched.
	rec.MarkRead(ctx, "conv-1", base.Add(time.Hour))
	rec.ObserveServerMarker(ctx, "conv-1", base)

	marker := rec.Effective("conv-1")
	assert.Equal(t, MarkerLocalOptimistic, marker.Source)
	assert.True(t, marker.LastReadAt.Equal(base.Add(time.Hour)))

	// Once the server catches up, durability wins the tie.
	rec.ObserveServerMarker(ctx, "conv-1", base.Add(time.Hour))
	marker = rec.Effective("conv-1")
	assert.Equal(t, MarkerServerConfirmed, marker.Source)
	assert.True(t, marker.LastReadAt.Equal(base.Add(time.Hour)))
}

func TestServerMarkerRegressionIgnored(t *testing.T) {
	rec, _ := newTestReconciler(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec.ObserveServerMarker(ctx, "conv-1", base.Add(time.Minute))
	rec.ObserveServerMarker(ctx, "conv-1", base)
	assert.True(t, rec.Effective("conv-1").LastReadAt.Equal(base.Add(time.Minute)))
}

func TestEffectiveIsNonDecreasing(t *testing.T) {
	rec, _ := newTestReconciler(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	steps := []func(){
		func() { rec.MarkRead(ctx, "conv-1", base.Add(10*time.Second)) },
		func() { rec.ObserveServerMarker(ctx, "conv-1", base.Add(5*time.Second)) },
		func() { rec.MarkRead(ctx, "conv-1", base.Add(30*time.Second)) },
		func() { rec.ObserveServerMarker(ctx, "conv-1", base.Add(30*time.Second)) },
		func() { rec.MarkRead(ctx, "conv-1", base.Add(20*time.Second)) },
		func() { rec.ObserveServerMarker(ctx, "conv-1", base.Add(time.Minute)) },
	}
	prev := rec.Effective("conv-1").LastReadAt
	for i, step := range steps {
		step()
		now := rec.Effective("conv-1").LastReadAt
		assert.False(t, now.Before(prev), "effective marker regressed at step %d", i)
		prev = now
	}
}

func TestMarkReadSurvivesBackendOutage(t *testing.T) {
	rec, backend := newTestReconciler(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// A failed durable write must not roll back the optimistic marker.
	backend.SetUnavailable(true)
	rec.MarkRead(ctx, "conv-1", base)
	marker := rec.Effective("conv-1")
	assert.Equal(t, MarkerLocalOptimistic, marker.Source)
	assert.True(t, marker.LastReadAt.Equal(base))
}

func TestDurableWriteReachesServer(t *testing.T) {
	rec, backend := newTestReconciler(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec.MarkRead(ctx, "conv-1", base)

	require.Eventually(t, func() bool {
		conv, err := backend.GetConversation(ctx, "conv-1")
		if err != nil {
			return false
		}
		return conv.LastRead["self"].Equal(base)
	}, 5*time.Second, 10*time.Millisecond, "marker write never landed on the server")
}

func TestListenerSwapConcurrentWithMarking(t *testing.T) {
	rec, _ := newTestReconciler(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			rec.setOnChange(func(ConversationID) {})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			rec.MarkRead(ctx, "conv-1", base.Add(time.Duration(i)*time.Second))
			rec.ObserveServerMarker(ctx, "conv-1", base.Add(time.Duration(i)*time.Second))
		}
	}()
	wg.Wait()
	assert.True(t, rec.Effective("conv-1").LastReadAt.Equal(base.Add(99*time.Second)))
}

func TestIsUnreadPredicate(t *testing.T) {
	rec, _ := newTestReconciler(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec.MarkRead(ctx, "conv-1", base)

	unreadMsg := &Message{ID: "m1", ConversationID: "conv-1", SenderID: "bob", CreatedAt: base.Add(time.Second)}
	readMsg := &Message{ID: "m2", ConversationID: "conv-1", SenderID: "bob", CreatedAt: base}
	ownMsg := &Message{ID: "m3", ConversationID: "conv-1", SenderID: "self", CreatedAt: base.Add(time.Hour)}
	deletedMsg := &Message{ID: "m4", ConversationID: "conv-1", SenderID: "bob", CreatedAt: base.Add(time.Hour), Deleted: true}

	assert.True(t, rec.IsUnread(unreadMsg))
	assert.False(t, rec.IsUnread(readMsg), "message at the marker is read")
	assert.False(t, rec.IsUnread(ownMsg), "own messages are never unread")
	assert.False(t, rec.IsUnread(deletedMsg))
}
