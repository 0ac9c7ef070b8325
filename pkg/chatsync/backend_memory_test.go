package chatsync

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStreamCancelReleasesWatcher(t *testing.T) {
	backend := NewMemoryBackend()
	backend.SeedConversation(&Conversation{
		ID:           "conv-1",
		Kind:         ConversationGroup,
		OwnerID:      "owner",
		Participants: map[UserID]bool{"owner": true, "self": true},
	})
	ctx := context.Background()

	before := runtime.NumGoroutine()
	for i := 0; i < 25; i++ {
		_, cancel, err := backend.StreamMessages(ctx, "conv-1")
		require.NoError(t, err)
		cancel()
		_, cancel, err = backend.StreamConversations(ctx, "self")
		require.NoError(t, err)
		cancel()
	}

	// Explicit cancel must release the per-stream watcher even though the
	// background context never ends.
	require.Eventually(t, func() bool {
		runtime.GC()
		return runtime.NumGoroutine() <= before+3
	}, 3*time.Second, 20*time.Millisecond, "stream watcher goroutines leaked past cancel")
}
