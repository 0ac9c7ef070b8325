package chatsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// markerWriteMaxElapsed bounds the retry window for one durable marker
// write. Past this the local optimistic value simply waits for the next
// mark-read or server reconcile.
const markerWriteMaxElapsed = 30 * time.Second

// ReadStateReconciler merges the client's optimistic "read up to T" markers
// with the server-confirmed values for the current participant.
//
// Per (conversation, self) the state moves Unknown → LocalOptimistic(t) →
// ServerConfirmed(t). The effective marker is the max of the two values by
// timestamp; an exact tie resolves to the server value because it is
// durable. Both stored values are monotonic: a stale server fetch can never
// walk the effective marker backwards.
type ReadStateReconciler struct {
	self    UserID
	backend Backend
	store   *localStore
	log     zerolog.Logger

	mu     sync.Mutex
	local  map[ConversationID]time.Time
	server map[ConversationID]time.Time

	breaker *gobreaker.CircuitBreaker

	// onChange fires after the effective marker for a conversation moves.
	// The accountant hangs its recompute off this.
	onChange func(ConversationID)
}

func newReadStateReconciler(self UserID, backend Backend, store *localStore, log zerolog.Logger) *ReadStateReconciler {
	r := &ReadStateReconciler{
		self:    self,
		backend: backend,
		store:   store,
		log:     log.With().Str("component", "read_state").Logger(),
		local:   make(map[ConversationID]time.Time),
		server:  make(map[ConversationID]time.Time),
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "read-marker-writes",
		MaxRequests: 1,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn().Str("from", from.String()).Str("to", to.String()).
				Msg("Read-marker write breaker state changed")
		},
	})
	return r
}

func (r *ReadStateReconciler) setOnChange(fn func(ConversationID)) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// restore loads persisted markers so a restarted client keeps both its
// optimism and the last confirmed server values.
func (r *ReadStateReconciler) restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	markers, err := r.store.listMarkers(ctx, r.self)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for conv, marker := range markers {
		switch marker.Source {
		case MarkerLocalOptimistic:
			r.local[conv] = marker.LastReadAt
		case MarkerServerConfirmed:
			r.server[conv] = marker.LastReadAt
		}
	}
	r.log.Debug().Int("count", len(markers)).Msg("Restored read markers from cache")
	return nil
}

// MarkRead sets the optimistic marker to readAt (monotonic: an older value
// is ignored) and issues the durable server write in the background. The
// UI sees the conversation as read immediately; the server catches up.
//
// Idempotent: marking the same timestamp twice leaves the effective marker
// unchanged and skips the duplicate write.
func (r *ReadStateReconciler) MarkRead(ctx context.Context, conv ConversationID, readAt time.Time) {
	r.mu.Lock()
	prev := r.local[conv]
	if !readAt.After(prev) {
		r.mu.Unlock()
		return
	}
	r.local[conv] = readAt
	serverAt := r.server[conv]
	onChange := r.onChange
	r.mu.Unlock()

	r.log.Debug().Str("conversation_id", string(conv)).Time("read_at", readAt).
		Msg("Optimistic read marker set")

	if r.store != nil {
		if err := r.store.upsertMarker(ctx, conv, r.self, ReadMarker{
			LastReadAt: readAt,
			Source:     MarkerLocalOptimistic,
		}); err != nil {
			r.log.Warn().Err(err).Str("conversation_id", string(conv)).
				Msg("Failed to persist optimistic read marker")
		}
	}
	if onChange != nil {
		onChange(conv)
	}

	// Skip the round trip if the server already confirmed this far.
	if !readAt.After(serverAt) {
		return
	}
	go r.writeMarker(conv, readAt)
}

// writeMarker pushes one marker value to the server with retry and a
// breaker. A failed write does NOT roll back the optimistic value: it is
// reconciled on the next successful server read instead.
func (r *ReadStateReconciler) writeMarker(conv ConversationID, readAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), markerWriteMaxElapsed)
	defer cancel()

	_, err := r.breaker.Execute(func() (any, error) {
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = markerWriteMaxElapsed
		return nil, backoff.Retry(func() error {
			return r.backend.SetReadMarker(ctx, conv, r.self, readAt)
		}, backoff.WithContext(bo, ctx))
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			r.log.Debug().Str("conversation_id", string(conv)).
				Msg("Read-marker write skipped: breaker open")
			return
		}
		r.log.Warn().Err(err).Str("conversation_id", string(conv)).Time("read_at", readAt).
			Msg("Durable read-marker write failed, keeping optimistic value")
		return
	}
	r.log.Debug().Str("conversation_id", string(conv)).Time("read_at", readAt).
		Msg("Read marker confirmed durable")
}

// ObserveServerMarker ingests a server-confirmed value arriving via the
// conversation change stream. Regressions are ignored; once the server
// catches up to the local optimistic value the local override is released.
func (r *ReadStateReconciler) ObserveServerMarker(ctx context.Context, conv ConversationID, readAt time.Time) {
	r.mu.Lock()
	if !readAt.After(r.server[conv]) {
		r.mu.Unlock()
		return
	}
	before := r.effectiveLocked(conv)
	r.server[conv] = readAt
	// Server caught up to (or passed) the local override: server truth wins
	// from here on.
	if local, ok := r.local[conv]; ok && !local.After(readAt) {
		delete(r.local, conv)
	}
	after := r.effectiveLocked(conv)
	onChange := r.onChange
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.upsertMarker(ctx, conv, r.self, ReadMarker{
			LastReadAt: readAt,
			Source:     MarkerServerConfirmed,
		}); err != nil {
			r.log.Warn().Err(err).Str("conversation_id", string(conv)).
				Msg("Failed to persist server read marker")
		}
	}
	if onChange != nil && (after.LastReadAt != before.LastReadAt || after.Source != before.Source) {
		onChange(conv)
	}
}

// Effective returns the merged marker for a conversation:
// max(local, server) by timestamp, ties to the server value.
func (r *ReadStateReconciler) Effective(conv ConversationID) ReadMarker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.effectiveLocked(conv)
}

func (r *ReadStateReconciler) effectiveLocked(conv ConversationID) ReadMarker {
	local, hasLocal := r.local[conv]
	server, hasServer := r.server[conv]
	switch {
	case !hasLocal && !hasServer:
		return ReadMarker{Source: MarkerUnknown}
	case hasLocal && local.After(server):
		return ReadMarker{LastReadAt: local, Source: MarkerLocalOptimistic}
	default:
		return ReadMarker{LastReadAt: server, Source: MarkerServerConfirmed}
	}
}

// IsUnread applies the unread predicate for the current participant:
// someone else's message newer than the effective marker.
func (r *ReadStateReconciler) IsUnread(msg *Message) bool {
	if msg.SenderID == r.self || msg.Deleted {
		return false
	}
	return msg.CreatedAt.After(r.Effective(msg.ConversationID).LastReadAt)
}
