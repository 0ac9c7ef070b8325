package chatsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memoryStreamBuffer is the per-subscriber delta buffer size. A consumer
// that falls this far behind is disconnected (channel closed), the same way
// the hosted store drops slow change-stream consumers.
const memoryStreamBuffer = 1024

// MemoryBackend is an in-process reference implementation of Backend. It
// enforces the same atomicity the hosted store guarantees: capacity-gated
// joins and AddMembers run under the store lock, so concurrent callers race
// for free slots exactly like they do against the real server.
type MemoryBackend struct {
	mu sync.Mutex

	conversations map[ConversationID]*Conversation
	messages      map[ConversationID][]*Message
	invites       map[InviteCode]*Invite
	activeInvite  map[ConversationID]InviteCode

	msgSubs  map[ConversationID]map[int]chan MessageDelta
	convSubs map[UserID]map[int]chan ConversationDelta
	nextSub  int

	// unavailable makes every call fail with ErrTransportUnavailable.
	// Tests flip it to exercise degradation paths.
	unavailable bool
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		conversations: make(map[ConversationID]*Conversation),
		messages:      make(map[ConversationID][]*Message),
		invites:       make(map[InviteCode]*Invite),
		activeInvite:  make(map[ConversationID]InviteCode),
		msgSubs:       make(map[ConversationID]map[int]chan MessageDelta),
		convSubs:      make(map[UserID]map[int]chan ConversationDelta),
	}
}

// SetUnavailable toggles simulated transport failure for all operations.
func (b *MemoryBackend) SetUnavailable(down bool) {
	b.mu.Lock()
	b.unavailable = down
	b.mu.Unlock()
}

func (b *MemoryBackend) checkUp() error {
	if b.unavailable {
		return fmt.Errorf("memory backend: %w", ErrTransportUnavailable)
	}
	return nil
}

// SeedConversation installs a conversation snapshot. Test/bootstrap helper;
// emits a Modified delta to watching participants.
func (b *MemoryBackend) SeedConversation(conv *Conversation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if conv.AdminIDs == nil {
		conv.AdminIDs = make(map[UserID]bool)
	}
	if conv.Participants == nil {
		conv.Participants = make(map[UserID]bool)
	}
	if conv.Muted == nil {
		conv.Muted = make(map[UserID]bool)
	}
	if conv.LastRead == nil {
		conv.LastRead = make(map[UserID]time.Time)
	}
	conv.Participants[conv.OwnerID] = true
	b.conversations[conv.ID] = conv
	b.emitConvLocked(conv, DeltaModified)
}

// AppendMessage stores a message and emits an Added delta. The emitted copy
// is a clone: the stored row stays mutable under the backend lock while
// consumers hold the delivered pointer under their own locks.
func (b *MemoryBackend) AppendMessage(msg *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := append(b.messages[msg.ConversationID], msg)
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
	b.messages[msg.ConversationID] = msgs
	clone := *msg
	b.emitMsgLocked(msg.ConversationID, MessageDelta{
		Op:             DeltaAdded,
		ConversationID: msg.ConversationID,
		Message:        &clone,
	})
}

// EditMessage updates text/edited-at and emits a Modified delta.
func (b *MemoryBackend) EditMessage(conv ConversationID, id MessageID, text string, editedAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, msg := range b.messages[conv] {
		if msg.ID == id {
			msg.Text = text
			msg.EditedAt = &editedAt
			clone := *msg
			b.emitMsgLocked(conv, MessageDelta{
				Op:             DeltaModified,
				ConversationID: conv,
				Message:        &clone,
			})
			return
		}
	}
}

// DeleteMessage tombstones a message and emits a Removed delta.
func (b *MemoryBackend) DeleteMessage(conv ConversationID, id MessageID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, msg := range b.messages[conv] {
		if msg.ID == id {
			msg.Deleted = true
			b.emitMsgLocked(conv, MessageDelta{
				Op:             DeltaRemoved,
				ConversationID: conv,
				MessageID:      id,
			})
			return
		}
	}
}

// CloseMessageStreams closes every message-stream channel for a conversation
// without the subscriber cancelling, simulating transport failure.
func (b *MemoryBackend) CloseMessageStreams(conv ConversationID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.msgSubs[conv] {
		close(ch)
		delete(b.msgSubs[conv], id)
	}
}

func (b *MemoryBackend) StreamMessages(ctx context.Context, conv ConversationID) (<-chan MessageDelta, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkUp(); err != nil {
		return nil, nil, err
	}
	if b.msgSubs[conv] == nil {
		b.msgSubs[conv] = make(map[int]chan MessageDelta)
	}
	id := b.nextSub
	b.nextSub++
	ch := make(chan MessageDelta, memoryStreamBuffer)
	b.msgSubs[conv][id] = ch

	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() { close(stop) })
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.msgSubs[conv][id]; ok {
			delete(b.msgSubs[conv], id)
			close(c)
		}
	}
	// The watcher exits on explicit cancel too, not just ctx end, so
	// background-context streams don't pin a goroutine forever.
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		}
	}()
	return ch, cancel, nil
}

func (b *MemoryBackend) StreamConversations(ctx context.Context, user UserID) (<-chan ConversationDelta, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkUp(); err != nil {
		return nil, nil, err
	}
	if b.convSubs[user] == nil {
		b.convSubs[user] = make(map[int]chan ConversationDelta)
	}
	id := b.nextSub
	b.nextSub++
	ch := make(chan ConversationDelta, memoryStreamBuffer)
	b.convSubs[user][id] = ch

	// Initial snapshot: every conversation the user participates in.
	for _, conv := range b.conversations {
		if conv.Participants[user] {
			ch <- ConversationDelta{Op: DeltaAdded, Conversation: conv.Clone(), ConversationID: conv.ID}
		}
	}

	stop := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() { close(stop) })
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.convSubs[user][id]; ok {
			delete(b.convSubs[user], id)
			close(c)
		}
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-stop:
		}
	}()
	return ch, cancel, nil
}

// emitMsgLocked fans a delta out to every subscriber of the conversation.
// Must hold b.mu so all subscribers observe deltas in emission order.
func (b *MemoryBackend) emitMsgLocked(conv ConversationID, delta MessageDelta) {
	for id, ch := range b.msgSubs[conv] {
		select {
		case ch <- delta:
		default:
			// Consumer too far behind: disconnect it.
			close(ch)
			delete(b.msgSubs[conv], id)
		}
	}
}

func (b *MemoryBackend) emitConvLocked(conv *Conversation, op DeltaOp) {
	for user, subs := range b.convSubs {
		if !conv.Participants[user] {
			continue
		}
		for id, ch := range subs {
			select {
			case ch <- ConversationDelta{Op: op, Conversation: conv.Clone(), ConversationID: conv.ID}:
			default:
				close(ch)
				delete(subs, id)
			}
		}
	}
}

// emitConvRemovedLocked tells one user their view of a conversation is gone.
func (b *MemoryBackend) emitConvRemovedLocked(conv ConversationID, user UserID) {
	for id, ch := range b.convSubs[user] {
		select {
		case ch <- ConversationDelta{Op: DeltaRemoved, ConversationID: conv}:
		default:
			close(ch)
			delete(b.convSubs[user], id)
		}
	}
}

func (b *MemoryBackend) GetConversation(ctx context.Context, conv ConversationID) (*Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkUp(); err != nil {
		return nil, err
	}
	c, ok := b.conversations[conv]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return c.Clone(), nil
}

func (b *MemoryBackend) ListMessages(ctx context.Context, conv ConversationID) ([]*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkUp(); err != nil {
		return nil, err
	}
	msgs := b.messages[conv]
	out := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		clone := *msg
		out = append(out, &clone)
	}
	return out, nil
}

func (b *MemoryBackend) SetReadMarker(ctx context.Context, conv ConversationID, user UserID, readAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkUp(); err != nil {
		return err
	}
	c, ok := b.conversations[conv]
	if !ok {
		return ErrConversationNotFound
	}
	// Merge-write: the stored marker never moves backwards.
	if readAt.After(c.LastRead[user]) {
		c.LastRead[user] = readAt
		c.UpdatedAt = time.Now()
		b.emitConvLocked(c, DeltaModified)
	}
	return nil
}

func (b *MemoryBackend) SetMuted(ctx context.Context, conv ConversationID, user UserID, muted bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkUp(); err != nil {
		return err
	}
	c, ok := b.conversations[conv]
	if !ok {
		return ErrConversationNotFound
	}
	if !c.Participants[user] {
		return ErrNotParticipant
	}
	if c.Muted[user] == muted {
		return nil
	}
	if muted {
		c.Muted[user] = true
	} else {
		delete(c.Muted, user)
	}
	c.UpdatedAt = time.Now()
	b.emitConvLocked(c, DeltaModified)
	return nil
}

func (b *MemoryBackend) GrantAdmin(ctx context.Context, conv ConversationID, target UserID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkUp(); err != nil {
		return err
	}
	c, ok := b.conversations[conv]
	if !ok {
		return ErrConversationNotFound
	}
	if !c.Participants[target] {
		return ErrNotParticipant
	}
	if target == c.OwnerID || c.AdminIDs[target] {
		return nil // idempotent
	}
	c.AdminIDs[target] = true
	c.UpdatedAt = time.Now()
	b.emitConvLocked(c, DeltaModified)
	return nil
}

func (b *MemoryBackend) RevokeAdmin(ctx context.Context, conv ConversationID, target UserID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkUp(); err != nil {
		return err
	}
	c, ok := b.conversations[conv]
	if !ok {
		return ErrConversationNotFound
	}
	if !c.AdminIDs[target] {
		return nil // idempotent
	}
	delete(c.AdminIDs, target)
	c.UpdatedAt = time.Now()
	b.emitConvLocked(c, DeltaModified)
	return nil
}

func (b *MemoryBackend) RemoveMember(ctx context.Context, conv ConversationID, target UserID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkUp(); err != nil {
		return err
	}
	c, ok := b.conversations[conv]
	if !ok {
		return ErrConversationNotFound
	}
	if target == c.OwnerID {
		return ErrOwnerCannotLeave
	}
	if !c.Participants[target] {
		return nil // idempotent
	}
	delete(c.Participants, target)
	delete(c.AdminIDs, target)
	delete(c.Muted, target)
	c.UpdatedAt = time.Now()
	b.emitConvRemovedLocked(conv, target)
	b.emitConvLocked(c, DeltaModified)
	return nil
}

func (b *MemoryBackend) AddMembers(ctx context.Context, conv ConversationID, candidates []UserID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkUp(); err != nil {
		return err
	}
	c, ok := b.conversations[conv]
	if !ok {
		return ErrConversationNotFound
	}
	newcomers := make([]UserID, 0, len(candidates))
	for _, id := range candidates {
		if !c.Participants[id] {
			newcomers = append(newcomers, id)
		}
	}
	// All-or-nothing under the store lock: either every newcomer fits or
	// membership is left untouched.
	if c.Capacity > 0 && len(c.Participants)+len(newcomers) > c.Capacity {
		return ErrCapacityExceeded
	}
	for _, id := range newcomers {
		c.Participants[id] = true
	}
	if len(newcomers) > 0 {
		c.UpdatedAt = time.Now()
		b.emitConvLocked(c, DeltaModified)
	}
	return nil
}

func (b *MemoryBackend) PutInvite(ctx context.Context, invite Invite) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkUp(); err != nil {
		return err
	}
	if _, ok := b.conversations[invite.ConversationID]; !ok {
		return ErrConversationNotFound
	}
	// Deactivate the prior active invite in the same write.
	if prev, ok := b.activeInvite[invite.ConversationID]; ok {
		if old := b.invites[prev]; old != nil {
			old.Active = false
		}
	}
	stored := invite
	stored.Active = true
	b.invites[invite.Code] = &stored
	b.activeInvite[invite.ConversationID] = invite.Code
	return nil
}

func (b *MemoryBackend) RevokeInvite(ctx context.Context, conv ConversationID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkUp(); err != nil {
		return err
	}
	code, ok := b.activeInvite[conv]
	if !ok {
		return nil // idempotent
	}
	if invite := b.invites[code]; invite != nil {
		invite.Active = false
	}
	delete(b.activeInvite, conv)
	return nil
}

func (b *MemoryBackend) ResolveInvite(ctx context.Context, code InviteCode) (*Invite, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkUp(); err != nil {
		return nil, err
	}
	invite, ok := b.invites[code]
	if !ok {
		return nil, ErrInviteNotFound
	}
	clone := *invite
	return &clone, nil
}

func (b *MemoryBackend) JoinByInvite(ctx context.Context, code InviteCode, user UserID) (ConversationID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkUp(); err != nil {
		return "", err
	}
	invite, ok := b.invites[code]
	if !ok {
		return "", ErrInviteNotFound
	}
	if !invite.Active {
		return "", ErrInviteRevoked
	}
	c, ok := b.conversations[invite.ConversationID]
	if !ok {
		return "", ErrConversationNotFound
	}
	if c.Participants[user] {
		return c.ID, nil // already a member
	}
	// Check-and-add under the store lock: two clients racing for the last
	// slot serialize here, and the loser sees the count already at capacity.
	if c.Capacity > 0 && len(c.Participants) >= c.Capacity {
		return "", ErrCapacityExceeded
	}
	c.Participants[user] = true
	c.UpdatedAt = time.Now()
	b.emitConvLocked(c, DeltaModified)
	return c.ID, nil
}

var _ Backend = (*MemoryBackend)(nil)
