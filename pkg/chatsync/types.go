package chatsync

import (
	"time"
)

// ConversationID identifies a chat thread (direct, group or support).
type ConversationID string

// UserID identifies a participant.
type UserID string

// MessageID identifies a single message within a conversation.
type MessageID string

// InviteCode is a redeemable group-invite token.
type InviteCode string

// ConversationKind distinguishes the three thread flavors the app knows about.
type ConversationKind string

const (
	ConversationDirect  ConversationKind = "direct"
	ConversationGroup   ConversationKind = "group"
	ConversationSupport ConversationKind = "support"
)

// Role is a participant's role within a conversation.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// MessageType separates user content from system notices (renames, joins).
type MessageType string

const (
	MessageUser   MessageType = "user"
	MessageSystem MessageType = "system"
)

// Conversation is the engine's view of one thread's metadata. The server
// collaborator owns the authoritative copy; the engine caches it while a
// subscription is active and persists it for stale display across restarts.
type Conversation struct {
	ID       ConversationID
	Kind     ConversationKind
	Name     string
	PhotoURL string

	// Capacity is the maximum participant count, enforced server-side on
	// joins and AddMembers. Zero means the server never reported one and
	// capacity checks are skipped locally (the server still enforces).
	Capacity int

	OwnerID      UserID
	AdminIDs     map[UserID]bool
	Participants map[UserID]bool

	// Muted holds participant ids who silenced this conversation.
	Muted map[UserID]bool

	// LastRead maps participant id to the server-confirmed last-read
	// timestamp. The reconciler merges this with local optimistic markers.
	LastRead map[UserID]time.Time

	UpdatedAt time.Time
}

// Clone returns a deep copy safe to hand outside the apply goroutine.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.AdminIDs = copySet(c.AdminIDs)
	out.Participants = copySet(c.Participants)
	out.Muted = copySet(c.Muted)
	out.LastRead = make(map[UserID]time.Time, len(c.LastRead))
	for id, ts := range c.LastRead {
		out.LastRead[id] = ts
	}
	return &out
}

// RoleOf returns the role of the given participant, or "" if they are not in
// the conversation at all.
func (c *Conversation) RoleOf(id UserID) Role {
	switch {
	case id == c.OwnerID:
		return RoleOwner
	case c.AdminIDs[id]:
		return RoleAdmin
	case c.Participants[id]:
		return RoleMember
	default:
		return ""
	}
}

// CanManage reports whether the participant may run owner/admin operations
// (invite lifecycle, AddMembers).
func (c *Conversation) CanManage(id UserID) bool {
	r := c.RoleOf(id)
	return r == RoleOwner || r == RoleAdmin
}

func copySet(in map[UserID]bool) map[UserID]bool {
	out := make(map[UserID]bool, len(in))
	for id := range in {
		out[id] = true
	}
	return out
}

// Message is one chat message. Immutable after creation except for Text and
// EditedAt (edits) and the Deleted tombstone flag. CreatedAt is monotonic per
// sender within a conversation; ties are broken by ID.
type Message struct {
	ID             MessageID
	ConversationID ConversationID
	SenderID       UserID
	CreatedAt      time.Time
	Text           string
	Attachment     *Attachment
	ReplyTo        MessageID
	EditedAt       *time.Time
	Type           MessageType
	Deleted        bool
}

// Before orders messages by (CreatedAt, ID). Used wherever a total order per
// conversation is required.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// DeltaOp is the change-stream operation kind.
type DeltaOp string

const (
	DeltaAdded    DeltaOp = "added"
	DeltaModified DeltaOp = "modified"
	DeltaRemoved  DeltaOp = "removed"
)

// MessageDelta is one ordered change-stream entry for a conversation's
// message collection. Removed deltas carry only the message ID.
type MessageDelta struct {
	Op             DeltaOp
	ConversationID ConversationID
	Message        *Message  // Added, Modified
	MessageID      MessageID // Removed
}

// ConversationDelta carries metadata changes (membership, roles, read
// markers, mute set) pushed by the server for conversations visible to the
// client. Removed means the conversation disappeared from the visible set.
type ConversationDelta struct {
	Op             DeltaOp
	Conversation   *Conversation // Added, Modified
	ConversationID ConversationID
}

// ReadMarkerSource says which side produced a marker value.
type ReadMarkerSource int

const (
	// MarkerUnknown means no value has been observed yet.
	MarkerUnknown ReadMarkerSource = iota
	// MarkerLocalOptimistic is a client-set value shown immediately, pending
	// durable confirmation.
	MarkerLocalOptimistic
	// MarkerServerConfirmed is the authoritative server value.
	MarkerServerConfirmed
)

func (s ReadMarkerSource) String() string {
	switch s {
	case MarkerLocalOptimistic:
		return "local_optimistic"
	case MarkerServerConfirmed:
		return "server_confirmed"
	default:
		return "unknown"
	}
}

// ReadMarker is the effective "read up to" value for one (conversation,
// participant) pair together with its provenance.
type ReadMarker struct {
	LastReadAt time.Time
	Source     ReadMarkerSource
}

// Invite is the single redeemable code for a conversation. At most one
// active invite exists per conversation at any time.
type Invite struct {
	Code           InviteCode
	ConversationID ConversationID
	Active         bool
	CreatedBy      UserID
	CreatedAt      time.Time
}
