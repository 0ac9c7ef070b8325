package chatsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// subscription is one live per-conversation message feed plus the goroutine
// that applies its deltas. Deltas for a conversation are applied strictly in
// emission order by that single goroutine — the per-key actor the
// concurrency model calls for.
//
// A single feed can be held by both the list view and the detail view at the
// same time; it is torn down only when the last hold is released.
type subscription struct {
	conv   ConversationID
	cancel func()
	done   chan struct{}
	// ready closes once cancel is assigned (or setup failed), so a teardown
	// racing the initial fill never skips cancellation.
	ready chan struct{}

	list   bool
	detail bool
}

// ChangeStreamSubscriber owns the message-stream lifecycle: at most one
// active feed per conversation per session, deterministic teardown, and
// stale-cache degradation on transport failure.
type ChangeStreamSubscriber struct {
	backend Backend
	cache   *conversationCache
	log     zerolog.Logger

	// onDelta fires after a delta has been applied to the cache, so the
	// accountant can recompute.
	onDelta func(ConversationID)

	mu     sync.Mutex
	active map[ConversationID]*subscription
	detail ConversationID // conversation currently open in the UI
}

func newChangeStreamSubscriber(backend Backend, cache *conversationCache, onDelta func(ConversationID), log zerolog.Logger) *ChangeStreamSubscriber {
	return &ChangeStreamSubscriber{
		backend: backend,
		cache:   cache,
		log:     log.With().Str("component", "subscriber").Logger(),
		onDelta: onDelta,
		active:  make(map[ConversationID]*subscription),
	}
}

// Subscribe opens the list-level feed for a conversation: initial fill from
// the server, then ordered delta application. If the detail view already
// holds this conversation's feed, the list hold is added to it. Returns
// ErrAlreadySubscribed if a list-level feed is already running.
func (s *ChangeStreamSubscriber) Subscribe(ctx context.Context, conv ConversationID) error {
	s.mu.Lock()
	if sub, ok := s.active[conv]; ok {
		if sub.list {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrAlreadySubscribed, conv)
		}
		// The detail view keeps this feed open; share it.
		sub.list = true
		s.mu.Unlock()
		return nil
	}
	// Reserve the slot before any blocking call so a concurrent Subscribe
	// for the same conversation fails fast instead of racing.
	sub := &subscription{
		conv:  conv,
		done:  make(chan struct{}),
		ready: make(chan struct{}),
		list:  true,
	}
	s.active[conv] = sub
	s.mu.Unlock()
	return s.open(ctx, sub)
}

// open performs the stream setup for a reserved subscription slot.
func (s *ChangeStreamSubscriber) open(ctx context.Context, sub *subscription) error {
	conv := sub.conv
	fail := func(err error) error {
		s.mu.Lock()
		if s.active[conv] == sub {
			delete(s.active, conv)
		}
		s.mu.Unlock()
		close(sub.ready)
		close(sub.done)
		s.cache.setLive(conv, false)
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	deltas, cancel, err := s.backend.StreamMessages(ctx, conv)
	if err != nil {
		return fail(err)
	}

	// Initial fill AFTER the stream is open: any delta emitted between the
	// fill read and the first channel receive is buffered on the stream, and
	// duplicate adds are deduplicated by the cache.
	msgs, err := s.backend.ListMessages(ctx, conv)
	if err != nil {
		cancel()
		return fail(err)
	}
	s.cache.replaceMessages(ctx, conv, msgs)
	s.cache.setLive(conv, true)

	sub.cancel = cancel
	close(sub.ready)
	s.log.Info().Str("conversation_id", string(conv)).Int("messages", len(msgs)).
		Msg("Subscribed to conversation")

	go s.applyLoop(sub, deltas)
	if s.onDelta != nil {
		s.onDelta(conv)
	}
	return nil
}

// applyLoop drains the delta channel until it closes. A close that the
// subscriber did not request is a transport failure: the conversation is
// flagged non-live and its cache left intact.
func (s *ChangeStreamSubscriber) applyLoop(sub *subscription, deltas <-chan MessageDelta) {
	defer close(sub.done)
	ctx := context.Background()
	for delta := range deltas {
		if delta.ConversationID != sub.conv {
			// Never apply a foreign delta to this conversation's state.
			s.log.Error().Str("conversation_id", string(sub.conv)).
				Str("delta_conversation_id", string(delta.ConversationID)).
				Msg("Dropping cross-conversation delta leak")
			continue
		}
		s.cache.applyMessageDelta(ctx, delta)
		if s.onDelta != nil {
			s.onDelta(sub.conv)
		}
	}

	s.mu.Lock()
	still := s.active[sub.conv] == sub
	if still {
		delete(s.active, sub.conv)
		if s.detail == sub.conv {
			s.detail = ""
		}
	}
	s.mu.Unlock()
	if still {
		// The server closed the stream on us. Degrade to stale cache.
		s.cache.setLive(sub.conv, false)
		s.log.Warn().Str("conversation_id", string(sub.conv)).
			Msg("Message stream lost, serving stale cache")
	}
}

// teardown cancels a feed and waits for its apply loop to drain, so no delta
// lands after this returns. The subscription must already be out of the
// active map.
func (s *ChangeStreamSubscriber) teardown(sub *subscription) {
	<-sub.ready
	if sub.cancel != nil {
		sub.cancel()
	}
	<-sub.done
	s.cache.setLive(sub.conv, false)
}

// Unsubscribe releases the list-level hold on a conversation's feed. The
// feed itself is torn down only if the detail view is not also holding it.
func (s *ChangeStreamSubscriber) Unsubscribe(conv ConversationID) {
	s.mu.Lock()
	sub, ok := s.active[conv]
	if !ok {
		s.mu.Unlock()
		return
	}
	sub.list = false
	if sub.detail {
		s.mu.Unlock()
		return
	}
	delete(s.active, conv)
	s.mu.Unlock()
	s.teardown(sub)
	s.log.Info().Str("conversation_id", string(conv)).Msg("Unsubscribed from conversation")
}

// Drop releases every hold on a conversation's feed at once, used when the
// conversation disappears from the visible set.
func (s *ChangeStreamSubscriber) Drop(conv ConversationID) {
	s.mu.Lock()
	sub, ok := s.active[conv]
	if ok {
		delete(s.active, conv)
	}
	if s.detail == conv {
		s.detail = ""
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.teardown(sub)
	s.log.Info().Str("conversation_id", string(conv)).Msg("Dropped conversation feed")
}

// SwitchDetail moves the single detail hold to a new conversation. The
// previous detail feed is released first — and fully torn down if the list
// view is not also holding it — so deltas from the old conversation can
// never land on state observed after the switch. If the new conversation
// already has a list-level feed, the detail view shares it instead of
// opening a second one.
func (s *ChangeStreamSubscriber) SwitchDetail(ctx context.Context, conv ConversationID) error {
	s.mu.Lock()
	prev := s.detail
	if prev == conv {
		s.mu.Unlock()
		return nil
	}
	s.detail = ""
	var prevSub *subscription
	if prev != "" {
		if sub, ok := s.active[prev]; ok {
			sub.detail = false
			if !sub.list {
				delete(s.active, prev)
				prevSub = sub
			}
		}
	}
	var newSub *subscription
	if conv != "" {
		if sub, ok := s.active[conv]; ok {
			sub.detail = true
		} else {
			newSub = &subscription{
				conv:   conv,
				done:   make(chan struct{}),
				ready:  make(chan struct{}),
				detail: true,
			}
			s.active[conv] = newSub
		}
		s.detail = conv
	}
	s.mu.Unlock()

	if prevSub != nil {
		s.teardown(prevSub)
		s.log.Info().Str("conversation_id", string(prev)).Msg("Closed detail feed")
	}
	if newSub != nil {
		if err := s.open(ctx, newSub); err != nil {
			s.mu.Lock()
			if s.detail == conv {
				s.detail = ""
			}
			s.mu.Unlock()
			return err
		}
	}
	return nil
}

// Subscribed reports whether a conversation currently has a live feed.
func (s *ChangeStreamSubscriber) Subscribed(conv ConversationID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[conv]
	return ok
}

// Close tears down every active feed regardless of holds.
func (s *ChangeStreamSubscriber) Close() {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.active))
	for conv, sub := range s.active {
		delete(s.active, conv)
		subs = append(subs, sub)
	}
	s.detail = ""
	s.mu.Unlock()
	for _, sub := range subs {
		s.teardown(sub)
	}
}
