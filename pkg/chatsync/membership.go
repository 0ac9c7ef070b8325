package chatsync

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// MembershipService exposes the role-gated mutations on a conversation's
// participant set. Every operation is idempotent and every side effect is a
// durable server write: local state only changes when the mutation comes
// back through the conversation change stream. Nothing here is optimistic —
// a role error shown as success would be a security bug, not a UX papercut.
type MembershipService struct {
	backend Backend
	cache   *conversationCache
	log     zerolog.Logger
}

func newMembershipService(backend Backend, cache *conversationCache, log zerolog.Logger) *MembershipService {
	return &MembershipService{
		backend: backend,
		cache:   cache,
		log:     log.With().Str("component", "membership").Logger(),
	}
}

// load prefers the cached snapshot and falls back to a server fetch. The
// gate here only produces fast synchronous rejections; the server
// re-validates every mutation against its own state.
func (m *MembershipService) load(ctx context.Context, conv ConversationID) (*Conversation, error) {
	if c := m.cache.conversation(conv); c != nil {
		return c, nil
	}
	c, err := m.backend.GetConversation(ctx, conv)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GrantAdmin promotes an existing non-owner member. Caller must be the
// owner. No-op if the target is already an admin.
func (m *MembershipService) GrantAdmin(ctx context.Context, caller UserID, conv ConversationID, target UserID) error {
	c, err := m.load(ctx, conv)
	if err != nil {
		return err
	}
	if caller != c.OwnerID {
		return fmt.Errorf("%w: only the owner can grant admin", ErrPermissionDenied)
	}
	if target == c.OwnerID {
		return fmt.Errorf("%w: owner already has full rights", ErrPermissionDenied)
	}
	if !c.Participants[target] {
		return fmt.Errorf("%w: %s", ErrNotParticipant, target)
	}
	if c.AdminIDs[target] {
		return nil
	}
	if err := m.backend.GrantAdmin(ctx, conv, target); err != nil {
		return err
	}
	m.log.Info().Str("conversation_id", string(conv)).Str("target", string(target)).
		Msg("Granted admin")
	return nil
}

// RevokeAdmin demotes an admin back to member. Caller must be the owner.
// No-op if the target is not an admin.
func (m *MembershipService) RevokeAdmin(ctx context.Context, caller UserID, conv ConversationID, target UserID) error {
	c, err := m.load(ctx, conv)
	if err != nil {
		return err
	}
	if caller != c.OwnerID {
		return fmt.Errorf("%w: only the owner can revoke admin", ErrPermissionDenied)
	}
	if !c.AdminIDs[target] {
		return nil
	}
	if err := m.backend.RevokeAdmin(ctx, conv, target); err != nil {
		return err
	}
	m.log.Info().Str("conversation_id", string(conv)).Str("target", string(target)).
		Msg("Revoked admin")
	return nil
}

// RemoveMember removes a participant. The owner may remove anyone but
// themselves; any other member may remove exactly themselves (leave).
// Removing the owner fails with ErrOwnerCannotLeave — ownership transfer
// does not exist, so the restriction stands.
func (m *MembershipService) RemoveMember(ctx context.Context, caller UserID, conv ConversationID, target UserID) error {
	c, err := m.load(ctx, conv)
	if err != nil {
		return err
	}
	if target == c.OwnerID {
		return ErrOwnerCannotLeave
	}
	if caller != c.OwnerID && caller != target {
		return fmt.Errorf("%w: only the owner removes other members", ErrPermissionDenied)
	}
	if !c.Participants[target] {
		return nil
	}
	if err := m.backend.RemoveMember(ctx, conv, target); err != nil {
		return err
	}
	m.log.Info().Str("conversation_id", string(conv)).Str("target", string(target)).
		Bool("self_leave", caller == target).Msg("Removed member")
	return nil
}

// AddMembers adds a batch of candidates. Caller must be owner or admin.
// All-or-nothing: if the batch would exceed capacity, membership is left
// unchanged and ErrCapacityExceeded is returned. The local capacity check
// is a fast path only — the backend performs the authoritative atomic
// check-and-add.
func (m *MembershipService) AddMembers(ctx context.Context, caller UserID, conv ConversationID, candidates []UserID) error {
	c, err := m.load(ctx, conv)
	if err != nil {
		return err
	}
	if !c.CanManage(caller) {
		return fmt.Errorf("%w: only owner or admins can add members", ErrPermissionDenied)
	}
	newcomers := 0
	for _, id := range candidates {
		if !c.Participants[id] {
			newcomers++
		}
	}
	if newcomers == 0 {
		return nil
	}
	if c.Capacity > 0 && len(c.Participants)+newcomers > c.Capacity {
		return fmt.Errorf("%w: %d members + %d candidates > capacity %d",
			ErrCapacityExceeded, len(c.Participants), newcomers, c.Capacity)
	}
	if err := m.backend.AddMembers(ctx, conv, candidates); err != nil {
		return err
	}
	m.log.Info().Str("conversation_id", string(conv)).Int("added", newcomers).
		Msg("Added members")
	return nil
}
