package chatsync

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedEngineBackend(t *testing.T) *MemoryBackend {
	t.Helper()
	backend := NewMemoryBackend()
	backend.SeedConversation(&Conversation{
		ID:      "conv-1",
		Kind:    ConversationGroup,
		Name:    "Ski trip",
		OwnerID: "owner",
		Participants: map[UserID]bool{
			"owner": true, "self": true, "bob": true,
		},
		Capacity: 10,
	})
	return backend
}

func newTestEngine(t *testing.T, cfg *Config, backend *MemoryBackend) *Engine {
	t.Helper()
	if cfg == nil {
		cfg = &Config{ClusterWindow: DefaultClusterWindow}
	}
	engine, err := NewEngine(cfg, "self", backend, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestEngineEndToEnd(t *testing.T) {
	backend := seedEngineBackend(t)
	engine := newTestEngine(t, nil, backend)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	backend.AppendMessage(msgAt("m1", "bob", base))
	require.NoError(t, engine.Start(ctx))

	// The conversation feed's initial snapshot lands asynchronously.
	conv, err := engine.AwaitConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "Ski trip", conv.Name)

	require.NoError(t, engine.WatchConversation(ctx, "conv-1"))
	msgs, positions, live := engine.RenderMessages("conv-1")
	require.Len(t, msgs, 1)
	require.Len(t, positions, 1)
	assert.Equal(t, PositionSolo, positions[0])
	assert.True(t, live)
	assert.Equal(t, 1, engine.Unread().Badge())

	// Live append shows up, extends the cluster, and keeps the badge at one
	// unread conversation.
	backend.AppendMessage(msgAt("m2", "bob", base.Add(time.Minute)))
	require.Eventually(t, func() bool {
		msgs, _, _ := engine.RenderMessages("conv-1")
		return len(msgs) == 2
	}, 2*time.Second, 5*time.Millisecond)
	_, positions, _ = engine.RenderMessages("conv-1")
	assert.Equal(t, []GroupPosition{PositionTop, PositionBottom}, positions)
	assert.Equal(t, 1, engine.Unread().Badge())

	// Opening and reading the conversation clears the badge immediately.
	require.NoError(t, engine.OpenConversation(ctx, "conv-1"))
	engine.MarkRead(ctx, "conv-1")
	assert.Equal(t, 0, engine.Unread().Badge())
	assert.False(t, engine.Unread().Unread("conv-1"))

	// The durable write comes back through the conversation feed as a
	// server-confirmed marker.
	require.Eventually(t, func() bool {
		return engine.ReadState().Effective("conv-1").Source == MarkerServerConfirmed
	}, 5*time.Second, 10*time.Millisecond)

	engine.CloseConversation()
	engine.UnwatchConversation("conv-1")
	_, _, live = engine.RenderMessages("conv-1")
	assert.False(t, live)
}

func TestEngineStartRetryReopensConversationFeed(t *testing.T) {
	backend := seedEngineBackend(t)
	engine := newTestEngine(t, nil, backend)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	backend.SetUnavailable(true)
	require.ErrorIs(t, engine.Start(ctx), ErrTransportUnavailable)

	// Transport recovers; the retried Start must open the conversation feed
	// rather than short-circuit on the earlier attempt.
	backend.SetUnavailable(false)
	require.NoError(t, engine.Start(ctx))

	require.NoError(t, backend.SetReadMarker(ctx, "conv-1", "self", base))
	require.Eventually(t, func() bool {
		marker := engine.ReadState().Effective("conv-1")
		return marker.Source == MarkerServerConfirmed && marker.LastReadAt.Equal(base)
	}, 5*time.Second, 10*time.Millisecond, "server-confirmed marker never observed after retried start")
}

func TestEngineStartIdempotent(t *testing.T) {
	backend := seedEngineBackend(t)
	engine := newTestEngine(t, nil, backend)
	ctx := context.Background()

	require.NoError(t, engine.Start(ctx))
	require.NoError(t, engine.Start(ctx))
}

func TestEngineApplyConfigReclusters(t *testing.T) {
	backend := seedEngineBackend(t)
	engine := newTestEngine(t, nil, backend)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	backend.AppendMessage(msgAt("m1", "bob", base))
	backend.AppendMessage(msgAt("m2", "bob", base.Add(4*time.Minute)))
	require.NoError(t, engine.Start(ctx))
	require.NoError(t, engine.WatchConversation(ctx, "conv-1"))

	_, positions, _ := engine.RenderMessages("conv-1")
	assert.Equal(t, []GroupPosition{PositionTop, PositionBottom}, positions)

	engine.ApplyConfig(&Config{ClusterWindow: time.Minute})
	_, positions, _ = engine.RenderMessages("conv-1")
	assert.Equal(t, []GroupPosition{PositionSolo, PositionSolo}, positions)
}

func TestEngineMembershipRemovalDropsConversation(t *testing.T) {
	backend := seedEngineBackend(t)
	engine := newTestEngine(t, nil, backend)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	backend.AppendMessage(msgAt("m1", "bob", base))
	require.NoError(t, engine.Start(ctx))
	_, err := engine.AwaitConversation(ctx, "conv-1")
	require.NoError(t, err)
	require.NoError(t, engine.WatchConversation(ctx, "conv-1"))
	require.Equal(t, 1, engine.Unread().Badge())

	// Self leaves; the server pushes a removal and everything local follows.
	require.NoError(t, engine.Membership().RemoveMember(ctx, "self", "conv-1", "self"))
	require.Eventually(t, func() bool {
		msgs, _, live := engine.RenderMessages("conv-1")
		return len(msgs) == 0 && !live && engine.Unread().Badge() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngineStartUnavailableServesStaleCache(t *testing.T) {
	backend := seedEngineBackend(t)
	cachePath := filepath.Join(t.TempDir(), "cache.db")
	cfg := &Config{CachePath: cachePath, ClusterWindow: DefaultClusterWindow}
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// First session populates the persistent cache.
	first := newTestEngine(t, cfg, backend)
	backend.AppendMessage(msgAt("m1", "bob", base))
	require.NoError(t, first.Start(ctx))
	_, err := first.AwaitConversation(ctx, "conv-1")
	require.NoError(t, err)
	require.NoError(t, first.WatchConversation(ctx, "conv-1"))
	first.MarkReadAt(ctx, "conv-1", base)
	require.NoError(t, first.Close())

	// Second session starts with the transport down: Start fails, but the
	// restored cache is served stale instead of blank.
	backend.SetUnavailable(true)
	second := newTestEngine(t, cfg, backend)
	err = second.Start(ctx)
	assert.ErrorIs(t, err, ErrTransportUnavailable)

	msgs, _, live := second.RenderMessages("conv-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageID("m1"), msgs[0].ID)
	assert.False(t, live)

	conv, err := second.AwaitConversation(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "Ski trip", conv.Name)

	// The restored read marker keeps the conversation read.
	assert.False(t, second.Unread().Unread("conv-1"))
	assert.Equal(t, 0, second.Unread().Badge())
}

func TestEngineSetHiddenAndMuted(t *testing.T) {
	backend := seedEngineBackend(t)
	engine := newTestEngine(t, nil, backend)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	backend.AppendMessage(msgAt("m1", "bob", base))
	require.NoError(t, engine.Start(ctx))
	_, err := engine.AwaitConversation(ctx, "conv-1")
	require.NoError(t, err)
	require.NoError(t, engine.WatchConversation(ctx, "conv-1"))
	require.Equal(t, 1, engine.Unread().Badge())

	engine.SetHidden(ctx, "conv-1", true)
	assert.Equal(t, 0, engine.Unread().Badge())
	assert.True(t, engine.Unread().Unread("conv-1"))
	engine.SetHidden(ctx, "conv-1", false)
	assert.Equal(t, 1, engine.Unread().Badge())

	require.NoError(t, engine.SetMuted(ctx, "conv-1", true))
	require.Eventually(t, func() bool {
		return engine.Unread().Badge() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, engine.Unread().Unread("conv-1"))
}

func TestEngineDeepLinkRouting(t *testing.T) {
	backend := seedEngineBackend(t)
	engine := newTestEngine(t, nil, backend)

	// Cold start: the URI arrives before any subscriber exists.
	engine.HandleDeepLinkURI("spotmap://chat/conv-1")
	ch, cancel := engine.DeepLinks().Subscribe()
	defer cancel()
	select {
	case event := <-ch:
		assert.Equal(t, DeepLinkOpenChat, event.Kind)
		assert.Equal(t, ConversationID("conv-1"), event.ConversationID)
	case <-time.After(time.Second):
		t.Fatal("held deep link never delivered")
	}

	engine.HandleNotification([]byte(`{"type":"spot","spot_id":"spot-9"}`))
	select {
	case event := <-ch:
		assert.Equal(t, DeepLinkOpenSpot, event.Kind)
		assert.Equal(t, "spot-9", event.SpotID)
	case <-time.After(time.Second):
		t.Fatal("notification deep link never delivered")
	}
}
