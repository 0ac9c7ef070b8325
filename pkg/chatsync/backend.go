package chatsync

import (
	"context"
	"time"
)

// Backend is the server collaborator: a hosted document store exposing live
// change streams plus conditional writes. The engine never sees storage
// internals; it only consumes deltas and issues the writes below.
//
// Contract notes:
//   - Stream channels deliver deltas in the order the server emitted them for
//     that conversation. Cross-conversation ordering is unspecified.
//   - The returned cancel func releases the stream; the channel is closed
//     once the server side has torn down. A channel closed without cancel
//     being called signals transport failure.
//   - Membership and invite writes are atomic server-side. In particular
//     AddMembers and JoinByInvite perform the capacity check and the member
//     insert as one conditional write; a plain read-then-write would lose
//     the race for the last slot.
//   - SetReadMarker is a best-effort merge-write: the server keeps the max
//     of the stored and submitted timestamps.
type Backend interface {
	// StreamMessages opens the live delta feed for one conversation's
	// message collection.
	StreamMessages(ctx context.Context, conv ConversationID) (<-chan MessageDelta, func(), error)

	// StreamConversations opens the metadata feed for every conversation
	// visible to the participant (membership, roles, read markers, mutes).
	StreamConversations(ctx context.Context, user UserID) (<-chan ConversationDelta, func(), error)

	// GetConversation fetches a point-in-time snapshot of one conversation.
	GetConversation(ctx context.Context, conv ConversationID) (*Conversation, error)

	// ListMessages returns the conversation's current messages ordered by
	// (CreatedAt, ID). Used for the initial cache fill when a subscription
	// starts.
	ListMessages(ctx context.Context, conv ConversationID) ([]*Message, error)

	// SetReadMarker merge-writes the participant's last-read timestamp.
	SetReadMarker(ctx context.Context, conv ConversationID, user UserID, readAt time.Time) error

	// SetMuted adds or removes the participant from the conversation's
	// mute set.
	SetMuted(ctx context.Context, conv ConversationID, user UserID, muted bool) error

	// GrantAdmin / RevokeAdmin / RemoveMember / AddMembers mutate the
	// role-tagged participant set. The server re-validates roles; the engine
	// additionally pre-checks them so obvious rejections never leave the
	// client.
	GrantAdmin(ctx context.Context, conv ConversationID, target UserID) error
	RevokeAdmin(ctx context.Context, conv ConversationID, target UserID) error
	RemoveMember(ctx context.Context, conv ConversationID, target UserID) error
	AddMembers(ctx context.Context, conv ConversationID, candidates []UserID) error

	// PutInvite stores a fresh invite as the conversation's single active
	// one, deactivating any prior active invite in the same write.
	PutInvite(ctx context.Context, invite Invite) error

	// RevokeInvite deactivates the conversation's active invite. No-op if
	// none is active.
	RevokeInvite(ctx context.Context, conv ConversationID) error

	// ResolveInvite looks up a code. Returns ErrInviteNotFound for unknown
	// codes; revoked invites are returned with Active=false.
	ResolveInvite(ctx context.Context, code InviteCode) (*Invite, error)

	// JoinByInvite atomically checks the code is active, the conversation is
	// under capacity, and inserts the user. Returns the joined conversation
	// id. Exactly the free-slot count of concurrent callers can succeed.
	JoinByInvite(ctx context.Context, code InviteCode, user UserID) (ConversationID, error)
}
