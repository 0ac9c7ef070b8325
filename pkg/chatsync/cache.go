package chatsync

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// conversationCache is the shared mutable resource of the engine: the local
// view of conversations and their messages. It is read by many consumers
// (grouper, accountant, renderer) but written only by the per-conversation
// apply loops and the conversation-metadata feed. Writers for one
// conversation are serialized upstream, so the lock here only protects the
// map structure across conversations.
type conversationCache struct {
	store *localStore // nil means memory-only
	log   zerolog.Logger

	mu            sync.RWMutex
	conversations map[ConversationID]*Conversation
	hidden        map[ConversationID]bool
	messages      map[ConversationID][]*Message
	live          map[ConversationID]bool

	// waiters are deep-link consumers parked until a conversation's
	// metadata is observed locally.
	waiters map[ConversationID][]chan *Conversation
}

func newConversationCache(store *localStore, log zerolog.Logger) *conversationCache {
	return &conversationCache{
		store:         store,
		log:           log.With().Str("component", "cache").Logger(),
		conversations: make(map[ConversationID]*Conversation),
		hidden:        make(map[ConversationID]bool),
		messages:      make(map[ConversationID][]*Message),
		live:          make(map[ConversationID]bool),
		waiters:       make(map[ConversationID][]chan *Conversation),
	}
}

// restore loads the persisted cache so a restart shows last-known-good
// state. Everything restored starts out non-live.
func (c *conversationCache) restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	stored, err := c.store.listConversations(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sc := range stored {
		c.conversations[sc.Conversation.ID] = sc.Conversation
		c.hidden[sc.Conversation.ID] = sc.Hidden
		msgs, err := c.store.listMessages(ctx, sc.Conversation.ID)
		if err != nil {
			return err
		}
		c.messages[sc.Conversation.ID] = msgs
	}
	c.log.Info().Int("conversations", len(stored)).Msg("Restored cache from local store")
	return nil
}

// replaceMessages installs the initial fill for a conversation.
func (c *conversationCache) replaceMessages(ctx context.Context, conv ConversationID, msgs []*Message) {
	live := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Deleted {
			continue
		}
		live = append(live, msg)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Before(live[j]) })

	c.mu.Lock()
	c.messages[conv] = live
	c.mu.Unlock()

	if c.store != nil {
		for _, msg := range msgs {
			if err := c.store.upsertMessage(ctx, msg); err != nil {
				c.log.Warn().Err(err).Str("message_id", string(msg.ID)).
					Msg("Failed to persist message during initial fill")
			}
		}
	}
}

// applyMessageDelta mutates the cache for one stream delta and writes
// through to the local store. Called only from the conversation's apply
// goroutine, so deltas for one conversation never interleave.
func (c *conversationCache) applyMessageDelta(ctx context.Context, delta MessageDelta) {
	conv := delta.ConversationID
	switch delta.Op {
	case DeltaAdded:
		c.mu.Lock()
		c.insertLocked(conv, delta.Message)
		c.mu.Unlock()
		if c.store != nil {
			if err := c.store.upsertMessage(ctx, delta.Message); err != nil {
				c.log.Warn().Err(err).Str("message_id", string(delta.Message.ID)).Msg("Failed to persist added message")
			}
		}
	case DeltaModified:
		c.mu.Lock()
		for i, msg := range c.messages[conv] {
			if msg.ID == delta.Message.ID {
				updated := *msg
				updated.Text = delta.Message.Text
				updated.EditedAt = delta.Message.EditedAt
				updated.Attachment = delta.Message.Attachment
				c.messages[conv][i] = &updated
				break
			}
		}
		c.mu.Unlock()
		if c.store != nil {
			if err := c.store.upsertMessage(ctx, delta.Message); err != nil {
				c.log.Warn().Err(err).Str("message_id", string(delta.Message.ID)).Msg("Failed to persist edited message")
			}
		}
	case DeltaRemoved:
		c.mu.Lock()
		msgs := c.messages[conv]
		for i, msg := range msgs {
			if msg.ID == delta.MessageID {
				c.messages[conv] = append(msgs[:i:i], msgs[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		// Tombstone, don't drop: a late echo of the same message must not
		// resurrect it.
		if c.store != nil {
			if err := c.store.tombstoneMessage(ctx, delta.MessageID); err != nil {
				c.log.Warn().Err(err).Str("message_id", string(delta.MessageID)).Msg("Failed to tombstone message")
			}
		}
	}
}

func (c *conversationCache) insertLocked(conv ConversationID, msg *Message) {
	if msg.Deleted {
		return
	}
	msgs := c.messages[conv]
	for _, existing := range msgs {
		if existing.ID == msg.ID {
			return // duplicate delivery
		}
	}
	i := sort.Search(len(msgs), func(i int) bool { return msg.Before(msgs[i]) })
	msgs = append(msgs, nil)
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = msg
	c.messages[conv] = msgs
}

// setConversation installs a metadata snapshot from the conversation feed.
func (c *conversationCache) setConversation(ctx context.Context, conv *Conversation) {
	c.mu.Lock()
	c.conversations[conv.ID] = conv
	hidden := c.hidden[conv.ID]
	waiters := c.waiters[conv.ID]
	delete(c.waiters, conv.ID)
	c.mu.Unlock()
	for _, ch := range waiters {
		ch <- conv.Clone()
	}
	if c.store != nil {
		if err := c.store.upsertConversation(ctx, conv, hidden); err != nil {
			c.log.Warn().Err(err).Str("conversation_id", string(conv.ID)).Msg("Failed to persist conversation")
		}
	}
}

func (c *conversationCache) removeConversation(ctx context.Context, conv ConversationID) {
	c.mu.Lock()
	delete(c.conversations, conv)
	delete(c.messages, conv)
	delete(c.hidden, conv)
	delete(c.live, conv)
	c.mu.Unlock()
	if c.store != nil {
		if err := c.store.deleteConversation(ctx, conv); err != nil {
			c.log.Warn().Err(err).Str("conversation_id", string(conv)).Msg("Failed to delete cached conversation")
		}
	}
}

// conversation returns a clone safe for callers outside the apply path.
func (c *conversationCache) conversation(conv ConversationID) *Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conversations[conv].Clone()
}

// messagesOf returns a copied slice; the Message pointers are shared but
// treated as immutable by all readers.
func (c *conversationCache) messagesOf(conv ConversationID) []*Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs := c.messages[conv]
	out := make([]*Message, len(msgs))
	copy(out, msgs)
	return out
}

func (c *conversationCache) setLive(conv ConversationID, live bool) {
	c.mu.Lock()
	c.live[conv] = live
	c.mu.Unlock()
}

// isLive reports whether the conversation has a healthy stream. False means
// the cache contents are stale and the UI must label them as such rather
// than render an empty conversation.
func (c *conversationCache) isLive(conv ConversationID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.live[conv]
}

func (c *conversationCache) setHidden(ctx context.Context, conv ConversationID, hidden bool) {
	c.mu.Lock()
	c.hidden[conv] = hidden
	meta := c.conversations[conv]
	c.mu.Unlock()
	if c.store != nil && meta != nil {
		if err := c.store.upsertConversation(ctx, meta, hidden); err != nil {
			c.log.Warn().Err(err).Str("conversation_id", string(conv)).Msg("Failed to persist hidden flag")
		}
	}
}

func (c *conversationCache) isHidden(conv ConversationID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hidden[conv]
}

// awaitConversation blocks until the conversation's metadata is observed
// locally (via the conversation feed) or the context ends. Deep-link
// navigation uses this to defer opening a conversation that has not synced
// yet instead of failing.
func (c *conversationCache) awaitConversation(ctx context.Context, conv ConversationID) (*Conversation, error) {
	c.mu.Lock()
	if existing := c.conversations[conv]; existing != nil {
		clone := existing.Clone()
		c.mu.Unlock()
		return clone, nil
	}
	ch := make(chan *Conversation, 1)
	c.waiters[conv] = append(c.waiters[conv], ch)
	c.mu.Unlock()

	select {
	case observed := <-ch:
		return observed, nil
	case <-ctx.Done():
		c.mu.Lock()
		remaining := c.waiters[conv][:0]
		for _, w := range c.waiters[conv] {
			if w != ch {
				remaining = append(remaining, w)
			}
		}
		if len(remaining) == 0 {
			delete(c.waiters, conv)
		} else {
			c.waiters[conv] = remaining
		}
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// snapshot captures the accountant's view of every cached conversation.
func (c *conversationCache) snapshot() []ConversationSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ConversationSnapshot, 0, len(c.conversations))
	for id, conv := range c.conversations {
		msgs := c.messages[id]
		copied := make([]*Message, len(msgs))
		copy(copied, msgs)
		out = append(out, ConversationSnapshot{
			Conversation: conv,
			Hidden:       c.hidden[id],
			Messages:     copied,
		})
	}
	return out
}
