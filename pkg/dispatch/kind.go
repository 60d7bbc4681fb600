// Copyright 2024-2026 Aiku AI

package dispatch

// EventKind is the category tag used for gating. Unknown strings are valid
// kinds so that new session events can be relayed before they get a name here.
type EventKind string

const (
	KindMessage         EventKind = "message"
	KindMessageEdit     EventKind = "message_edit"
	KindMessageRevoke   EventKind = "message_revoke"
	KindMessageReaction EventKind = "message_reaction"
	KindPresence        EventKind = "presence"
	KindAck             EventKind = "ack"
	KindGroupUpdate     EventKind = "group_update"
	KindSystem          EventKind = "system"
	KindReady           EventKind = "ready"
	KindDisconnected    EventKind = "disconnected"
	KindAuthFailure     EventKind = "auth_failure"
	KindChangeState     EventKind = "change_state"
)

// IsMessage reports whether the kind belongs to the chat message family.
// Only message-family events are subject to origin suppression.
func (k EventKind) IsMessage() bool {
	switch k {
	case KindMessage, KindMessageEdit, KindMessageRevoke, KindMessageReaction:
		return true
	}
	return false
}

// Origin says where an event came from relative to the session that saw it.
type Origin int

const (
	// OriginInbound is a genuine event from a remote peer.
	OriginInbound Origin = iota
	// OriginSelf is an event caused by the session's own identity.
	OriginSelf
	// OriginParticipantEcho is a copy of an outbound action reflected back
	// through a group or channel broadcast, or posted by a known relay
	// account.
	OriginParticipantEcho
)

func (o Origin) String() string {
	switch o {
	case OriginInbound:
		return "inbound"
	case OriginSelf:
		return "self"
	case OriginParticipantEcho:
		return "participant_echo"
	default:
		return "unknown"
	}
}

// OriginReporter is implemented by payloads that know their own origin, so
// the dispatcher does not depend on every caller setting Event.Origin.
type OriginReporter interface {
	EventOrigin() Origin
}

// PayloadOrigin derives the origin a payload claims for itself. Typed
// payloads report it through [OriginReporter]; decoded JSON maps are read
// through their fromMe and participant keys.
func PayloadOrigin(payload any) Origin {
	switch p := payload.(type) {
	case OriginReporter:
		return p.EventOrigin()
	case map[string]any:
		if fromMe, _ := p["fromMe"].(bool); fromMe {
			return OriginSelf
		}
		if participant, _ := p["participant"].(string); participant != "" {
			return OriginParticipantEcho
		}
	}
	return OriginInbound
}

// Stricter returns whichever origin suppresses more. Self outranks a
// participant echo, which outranks inbound.
func Stricter(a, b Origin) Origin {
	if rank(b) > rank(a) {
		return b
	}
	return a
}

func rank(o Origin) int {
	switch o {
	case OriginSelf:
		return 2
	case OriginParticipantEcho:
		return 1
	default:
		return 0
	}
}

// Suppressed reports whether an event of the given kind and origin must be
// dropped before it reaches any sink.
func Suppressed(kind EventKind, origin Origin) bool {
	if !kind.IsMessage() {
		return false
	}
	return origin == OriginSelf || origin == OriginParticipantEcho
}
