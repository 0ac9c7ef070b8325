package chatsync

import (
	"encoding/json"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// DeepLinkKind tags the navigation target variants.
type DeepLinkKind string

const (
	DeepLinkOpenSpot   DeepLinkKind = "open_spot"
	DeepLinkOpenChat   DeepLinkKind = "open_chat"
	DeepLinkOpenInvite DeepLinkKind = "open_invite"
)

// DeepLinkEvent is one external open-request (notification tap, link tap)
// translated into a navigation target. Only the fields for its Kind are set.
type DeepLinkEvent struct {
	Kind DeepLinkKind

	// OpenSpot
	SpotID             string
	ShowComments       bool
	OriginConversation ConversationID

	// OpenChat
	ConversationID ConversationID

	// OpenInvite
	Code InviteCode
}

// deepLinkScheme is the custom URI scheme the app registers.
const deepLinkScheme = "spotmap"

// ParseDeepLinkURI maps an external URI onto a DeepLinkEvent:
//
//	spotmap://spot/<id>[?comments=1]
//	spotmap://chat/<id>
//	spotmap://invite/<code>
//
// Unknown schemes/hosts and missing identifiers return ok=false — a silent
// no-op for the caller.
func ParseDeepLinkURI(raw string) (DeepLinkEvent, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != deepLinkScheme {
		return DeepLinkEvent{}, false
	}
	id := strings.Trim(u.Path, "/")
	switch u.Host {
	case "spot":
		if id == "" {
			return DeepLinkEvent{}, false
		}
		return DeepLinkEvent{
			Kind:         DeepLinkOpenSpot,
			SpotID:       id,
			ShowComments: u.Query().Get("comments") == "1",
		}, true
	case "chat":
		if id == "" {
			return DeepLinkEvent{}, false
		}
		return DeepLinkEvent{Kind: DeepLinkOpenChat, ConversationID: ConversationID(id)}, true
	case "invite":
		if id == "" {
			return DeepLinkEvent{}, false
		}
		return DeepLinkEvent{Kind: DeepLinkOpenInvite, Code: InviteCode(id)}, true
	default:
		return DeepLinkEvent{}, false
	}
}

// notificationPayload is the opaque push payload's known subset. The
// transport collaborator delivers it as-is; only the type discriminator and
// the identifiers matter here.
type notificationPayload struct {
	Type           string `json:"type"`
	SpotID         string `json:"spot_id"`
	ConversationID string `json:"conversation_id"`
	InviteCode     string `json:"invite_code"`
}

// DecodeNotification turns an inbound push payload into a DeepLinkEvent.
// A payload without a usable identifier is dropped (ok=false); the caller
// logs it and surfaces nothing.
func DecodeNotification(payload []byte) (DeepLinkEvent, bool) {
	var p notificationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return DeepLinkEvent{}, false
	}
	switch p.Type {
	case "spot", "spot_comment":
		if p.SpotID == "" {
			return DeepLinkEvent{}, false
		}
		return DeepLinkEvent{
			Kind:               DeepLinkOpenSpot,
			SpotID:             p.SpotID,
			ShowComments:       p.Type == "spot_comment",
			OriginConversation: ConversationID(p.ConversationID),
		}, true
	case "chat", "message":
		if p.ConversationID == "" {
			return DeepLinkEvent{}, false
		}
		return DeepLinkEvent{Kind: DeepLinkOpenChat, ConversationID: ConversationID(p.ConversationID)}, true
	case "invite":
		if p.InviteCode == "" {
			return DeepLinkEvent{}, false
		}
		return DeepLinkEvent{Kind: DeepLinkOpenInvite, Code: InviteCode(p.InviteCode)}, true
	default:
		return DeepLinkEvent{}, false
	}
}

// DeepLinkRouter is a single-slot replay-1 broadcast. Emit overwrites the
// slot; a subscriber attaching afterwards receives the held event exactly
// once, and each live subscriber sees each emission at most once. Events
// are replaced, never queued — only the most recent unconsumed one matters.
type DeepLinkRouter struct {
	log zerolog.Logger

	mu      sync.Mutex
	slot    *DeepLinkEvent
	subs    map[int]chan DeepLinkEvent
	nextSub int
}

func NewDeepLinkRouter(log zerolog.Logger) *DeepLinkRouter {
	return &DeepLinkRouter{
		log:  log.With().Str("component", "deeplink").Logger(),
		subs: make(map[int]chan DeepLinkEvent),
	}
}

// EmitURI parses and emits an external URI. Unknown shapes are logged and
// dropped.
func (r *DeepLinkRouter) EmitURI(raw string) {
	event, ok := ParseDeepLinkURI(raw)
	if !ok {
		r.log.Debug().Str("uri", raw).Msg("Ignoring unrecognized deep link")
		return
	}
	r.Emit(event)
}

// EmitNotification decodes and emits a push payload. Payloads without a
// usable identifier are logged and dropped, never surfaced.
func (r *DeepLinkRouter) EmitNotification(payload []byte) {
	event, ok := DecodeNotification(payload)
	if !ok {
		r.log.Debug().Int("payload_bytes", len(payload)).
			Msg("Dropping notification payload without usable identifiers")
		return
	}
	r.Emit(event)
}

// Emit delivers the event to every live subscriber, or parks it in the slot
// (replacing any prior unconsumed event) when nobody is listening.
func (r *DeepLinkRouter) Emit(event DeepLinkEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) == 0 {
		r.slot = &event
		return
	}
	for id, ch := range r.subs {
		select {
		case ch <- event:
		default:
			// Subscriber stopped draining; detach it rather than block the
			// transport callback.
			close(ch)
			delete(r.subs, id)
		}
	}
	r.slot = nil
}

// Subscribe attaches a consumer. If an unconsumed event is held, it is
// delivered immediately to this subscriber (and to nobody else later).
// The returned cancel detaches and closes the channel.
func (r *DeepLinkRouter) Subscribe() (<-chan DeepLinkEvent, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan DeepLinkEvent, 8)
	r.subs[id] = ch
	if r.slot != nil {
		ch <- *r.slot
		r.slot = nil
	}
	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
	}
	return ch, cancel
}
