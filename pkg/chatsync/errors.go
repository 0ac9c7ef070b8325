package chatsync

import (
	"errors"
)

// Sentinel errors surfaced to the embedding client. Role and capacity
// failures are terminal: callers must not retry them. Transport failures are
// retryable at the caller's discretion; the engine keeps serving the
// last-known-good cache while they persist.
var (
	// ErrTransportUnavailable wraps stream or write failures against the
	// server collaborator.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrPermissionDenied means a role check failed. Never retried.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrCapacityExceeded means a join or AddMembers would push the
	// participant count past the conversation's capacity.
	ErrCapacityExceeded = errors.New("conversation capacity exceeded")

	// ErrInviteNotFound means the code does not resolve to any invite.
	ErrInviteNotFound = errors.New("invite not found")

	// ErrInviteRevoked means the code resolved but is no longer active
	// (revoked explicitly or superseded by a newer invite).
	ErrInviteRevoked = errors.New("invite revoked")

	// ErrOwnerCannotLeave means the owner tried to remove themselves.
	// Ownership must be transferred first; no transfer operation exists, so
	// this is permanent for now.
	ErrOwnerCannotLeave = errors.New("owner cannot leave conversation without transferring ownership")

	// ErrNotParticipant means the target (or caller) is not a member of the
	// conversation.
	ErrNotParticipant = errors.New("not a participant of conversation")

	// ErrConversationNotFound means the conversation is not known to the
	// server collaborator.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrAlreadySubscribed means a second detail subscription was requested
	// for a conversation that already has one in this session.
	ErrAlreadySubscribed = errors.New("conversation already has an active subscription")
)

// IsTerminal reports whether the error must be surfaced to the user rather
// than retried.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrInviteNotFound) ||
		errors.Is(err, ErrInviteRevoked) ||
		errors.Is(err, ErrOwnerCannotLeave) ||
		errors.Is(err, ErrNotParticipant)
}
