package chatsync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// InviteLifecycleManager drives the per-conversation invite state machine:
// NoInvite → Active(code) → NoInvite. A conversation never holds two active
// codes.
//
// Policy decision: CreateInvite supersedes an existing active invite rather
// than rejecting. Regenerating a share link is the user's way of killing the
// old one; a holder of the superseded code gets ErrInviteRevoked on join.
type InviteLifecycleManager struct {
	backend Backend
	cache   *conversationCache
	log     zerolog.Logger
}

func newInviteLifecycleManager(backend Backend, cache *conversationCache, log zerolog.Logger) *InviteLifecycleManager {
	return &InviteLifecycleManager{
		backend: backend,
		cache:   cache,
		log:     log.With().Str("component", "invites").Logger(),
	}
}

func (im *InviteLifecycleManager) load(ctx context.Context, conv ConversationID) (*Conversation, error) {
	if c := im.cache.conversation(conv); c != nil {
		return c, nil
	}
	return im.backend.GetConversation(ctx, conv)
}

// CreateInvite issues a fresh code for the conversation, revoking any prior
// active one in the same server write. Caller must be owner or admin.
func (im *InviteLifecycleManager) CreateInvite(ctx context.Context, caller UserID, conv ConversationID) (*Invite, error) {
	c, err := im.load(ctx, conv)
	if err != nil {
		return nil, err
	}
	if !c.CanManage(caller) {
		return nil, fmt.Errorf("%w: only owner or admins manage invites", ErrPermissionDenied)
	}
	invite := Invite{
		Code:           InviteCode(uuid.NewString()),
		ConversationID: conv,
		Active:         true,
		CreatedBy:      caller,
		CreatedAt:      time.Now(),
	}
	if err := im.backend.PutInvite(ctx, invite); err != nil {
		return nil, err
	}
	im.log.Info().Str("conversation_id", string(conv)).Str("created_by", string(caller)).
		Msg("Created invite")
	return &invite, nil
}

// RevokeInvite deactivates the conversation's active invite. Idempotent:
// revoking with no active invite succeeds. Caller must be owner or admin.
func (im *InviteLifecycleManager) RevokeInvite(ctx context.Context, caller UserID, conv ConversationID) error {
	c, err := im.load(ctx, conv)
	if err != nil {
		return err
	}
	if !c.CanManage(caller) {
		return fmt.Errorf("%w: only owner or admins manage invites", ErrPermissionDenied)
	}
	if err := im.backend.RevokeInvite(ctx, conv); err != nil {
		return err
	}
	im.log.Info().Str("conversation_id", string(conv)).Msg("Revoked invite")
	return nil
}

// JoinByInvite redeems a code for the given user. The capacity check and
// the member insert happen as one conditional write on the server — the
// engine never does a read-count-then-write, so two clients racing for the
// last slot cannot both win.
func (im *InviteLifecycleManager) JoinByInvite(ctx context.Context, user UserID, code InviteCode) (ConversationID, error) {
	conv, err := im.backend.JoinByInvite(ctx, code, user)
	if err != nil {
		if IsTerminal(err) {
			im.log.Info().Err(err).Str("user", string(user)).Msg("Invite join rejected")
		} else {
			im.log.Warn().Err(err).Str("user", string(user)).Msg("Invite join failed")
		}
		return "", err
	}
	im.log.Info().Str("conversation_id", string(conv)).Str("user", string(user)).
		Msg("Joined conversation by invite")
	return conv, nil
}
