package chatsync

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	_ "github.com/mattn/go-sqlite3"
)

// Engine is one session's chat synchronization state: cache, subscriptions,
// read-state reconciliation, unread accounting, membership/invite services
// and the deep-link router. All state is scoped to the instance — nothing
// is process-global, so tests and multi-account clients run engines side by
// side.
type Engine struct {
	self    UserID
	backend Backend
	log     zerolog.Logger

	db    *dbutil.Database
	store *localStore

	cache      *conversationCache
	subscriber *ChangeStreamSubscriber
	reconciler *ReadStateReconciler
	accountant *UnreadAccountant
	membership *MembershipService
	invites    *InviteLifecycleManager
	router     *DeepLinkRouter

	// clusterWindow is hot-reloadable; stored as nanoseconds.
	clusterWindow atomic.Int64

	mu         sync.Mutex
	started    bool
	convCancel func()
	convDone   chan struct{}
}

// NewEngine builds an engine for one participant session. The backend is
// the server collaborator; cfg tunes cache path, clustering and badge
// policy.
func NewEngine(cfg *Config, self UserID, backend Backend, log zerolog.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	e := &Engine{
		self:    self,
		backend: backend,
		log:     log.With().Str("engine_user", string(self)).Logger(),
	}
	e.clusterWindow.Store(int64(cfg.ClusterWindow))

	if cfg.CachePath != "" {
		rawDB, err := sql.Open("sqlite3", cfg.CachePath+"?_txlock=immediate")
		if err != nil {
			return nil, fmt.Errorf("failed to open cache db: %w", err)
		}
		db, err := dbutil.NewWithDB(rawDB, "sqlite3")
		if err != nil {
			return nil, fmt.Errorf("failed to wrap cache db: %w", err)
		}
		e.db = db
		e.store = newLocalStore(db, string(self))
	}

	e.cache = newConversationCache(e.store, e.log)
	e.reconciler = newReadStateReconciler(self, backend, e.store, e.log)
	e.accountant = newUnreadAccountant(self, e.reconciler, e.cache.snapshot, e.log)
	e.accountant.SetIncludeMuted(cfg.BadgeIncludeMuted)
	e.reconciler.setOnChange(func(ConversationID) { e.accountant.Recompute() })
	e.subscriber = newChangeStreamSubscriber(backend, e.cache, func(ConversationID) { e.accountant.Recompute() }, e.log)
	e.membership = newMembershipService(backend, e.cache, e.log)
	e.invites = newInviteLifecycleManager(backend, e.cache, e.log)
	e.router = NewDeepLinkRouter(e.log)
	return e, nil
}

// Start restores the persisted cache and opens the conversation-metadata
// feed. Message streams are opened per conversation via WatchConversation /
// OpenConversation.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.ensureSchema(ctx); err != nil {
			return err
		}
		if err := e.cache.restore(ctx); err != nil {
			return err
		}
		if err := e.reconciler.restore(ctx); err != nil {
			return err
		}
		e.accountant.Recompute()
	}

	deltas, cancel, err := e.backend.StreamConversations(ctx, e.self)
	if err != nil {
		// Degrade: restored cache stays visible as stale. Clearing started
		// lets the caller retry Start once the transport recovers.
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		e.log.Warn().Err(err).Msg("Conversation feed unavailable, serving stale cache")
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	done := make(chan struct{})
	e.mu.Lock()
	e.convCancel = cancel
	e.convDone = done
	e.mu.Unlock()

	go e.conversationLoop(deltas, done)
	e.log.Info().Msg("Engine started")
	return nil
}

// conversationLoop applies metadata deltas in order: membership/role/mute
// changes, server read markers, and disappearing conversations.
func (e *Engine) conversationLoop(deltas <-chan ConversationDelta, done chan struct{}) {
	defer close(done)
	ctx := context.Background()
	for delta := range deltas {
		switch delta.Op {
		case DeltaAdded, DeltaModified:
			conv := delta.Conversation
			e.cache.setConversation(ctx, conv)
			if serverAt, ok := conv.LastRead[e.self]; ok {
				e.reconciler.ObserveServerMarker(ctx, conv.ID, serverAt)
			}
		case DeltaRemoved:
			e.subscriber.Drop(delta.ConversationID)
			e.cache.removeConversation(ctx, delta.ConversationID)
		}
		e.accountant.Recompute()
	}
	e.log.Warn().Msg("Conversation feed closed")
}

// ApplyConfig hot-applies the reloadable tunables (cluster window, badge
// policy). Cache path and transport changes require a new engine.
func (e *Engine) ApplyConfig(cfg *Config) {
	e.clusterWindow.Store(int64(cfg.ClusterWindow))
	e.accountant.SetIncludeMuted(cfg.BadgeIncludeMuted)
}

// WatchConversation opens a list-level subscription that persists across
// navigation.
func (e *Engine) WatchConversation(ctx context.Context, conv ConversationID) error {
	return e.subscriber.Subscribe(ctx, conv)
}

// UnwatchConversation releases a list-level subscription.
func (e *Engine) UnwatchConversation(conv ConversationID) {
	e.subscriber.Unsubscribe(conv)
}

// OpenConversation switches the single detail subscription to conv,
// tearing the previous one down first.
func (e *Engine) OpenConversation(ctx context.Context, conv ConversationID) error {
	return e.subscriber.SwitchDetail(ctx, conv)
}

// CloseConversation drops the detail subscription.
func (e *Engine) CloseConversation() {
	_ = e.subscriber.SwitchDetail(context.Background(), "")
}

// RenderMessages returns the conversation's messages, their group
// positions, and whether the data is live (false means stale cache — label
// it, don't blank it).
func (e *Engine) RenderMessages(conv ConversationID) ([]*Message, []GroupPosition, bool) {
	msgs := e.cache.messagesOf(conv)
	positions := GroupMessages(msgs, time.Duration(e.clusterWindow.Load()))
	return msgs, positions, e.cache.isLive(conv)
}

// MarkRead marks the conversation read up to its latest cached message.
// No-op on an empty conversation.
func (e *Engine) MarkRead(ctx context.Context, conv ConversationID) {
	msgs := e.cache.messagesOf(conv)
	if len(msgs) == 0 {
		return
	}
	e.reconciler.MarkRead(ctx, conv, msgs[len(msgs)-1].CreatedAt)
}

// MarkReadAt marks the conversation read up to the supplied timestamp.
func (e *Engine) MarkReadAt(ctx context.Context, conv ConversationID, readAt time.Time) {
	e.reconciler.MarkRead(ctx, conv, readAt)
}

// SetHidden toggles local visibility of a conversation. Hidden
// conversations keep syncing and keep their unread flag but leave the
// badge.
func (e *Engine) SetHidden(ctx context.Context, conv ConversationID, hidden bool) {
	e.cache.setHidden(ctx, conv, hidden)
	e.accountant.Recompute()
}

// SetMuted toggles the server-side mute flag for the current participant.
func (e *Engine) SetMuted(ctx context.Context, conv ConversationID, muted bool) error {
	if err := e.backend.SetMuted(ctx, conv, e.self, muted); err != nil {
		return err
	}
	// The authoritative mute set comes back via the conversation feed; the
	// recompute here only covers the window until that echo lands.
	e.accountant.Recompute()
	return nil
}

// AwaitConversation resolves a conversation for deep-link navigation: the
// cached copy if present, otherwise a direct fetch, otherwise it blocks
// until the metadata feed observes the conversation or ctx ends.
func (e *Engine) AwaitConversation(ctx context.Context, conv ConversationID) (*Conversation, error) {
	if c := e.cache.conversation(conv); c != nil {
		return c, nil
	}
	if c, err := e.backend.GetConversation(ctx, conv); err == nil {
		e.cache.setConversation(ctx, c)
		return c.Clone(), nil
	}
	return e.cache.awaitConversation(ctx, conv)
}

// HandleDeepLinkURI feeds an external URI into the router.
func (e *Engine) HandleDeepLinkURI(raw string) {
	e.router.EmitURI(raw)
}

// HandleNotification feeds an opaque push payload into the router.
func (e *Engine) HandleNotification(payload []byte) {
	e.router.EmitNotification(payload)
}

// DeepLinks exposes the router for the active UI to subscribe.
func (e *Engine) DeepLinks() *DeepLinkRouter { return e.router }

// Membership exposes the role-gated membership operations.
func (e *Engine) Membership() *MembershipService { return e.membership }

// Invites exposes the invite lifecycle operations.
func (e *Engine) Invites() *InviteLifecycleManager { return e.invites }

// ReadState exposes the reconciler (effective markers, unread predicate).
func (e *Engine) ReadState() *ReadStateReconciler { return e.reconciler }

// Unread exposes the accountant (flags, badge, badge listener).
func (e *Engine) Unread() *UnreadAccountant { return e.accountant }

// Close tears down all subscriptions and the cache database.
func (e *Engine) Close() error {
	e.subscriber.Close()
	e.mu.Lock()
	cancel := e.convCancel
	done := e.convDone
	e.convCancel = nil
	e.convDone = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if e.db != nil {
		return e.db.RawDB.Close()
	}
	return nil
}
