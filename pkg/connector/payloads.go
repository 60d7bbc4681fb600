// Copyright 2024-2026 Aiku AI

package connector

import (
	"maunium.net/go/mautrix/event"

	"github.com/aiku/mattermost-relay/pkg/dispatch"
)

// Payloads are what sinks receive as dispatch.Event.Payload. Field names are
// camelCase on the wire. Timestamps are Unix milliseconds as Mattermost
// reports them.

type MessagePayload struct {
	ID            string       `json:"id"`
	Body          string       `json:"body"`
	FormattedBody string       `json:"formattedBody,omitempty"`
	Format        event.Format `json:"format,omitempty"`
	Mentions      []string     `json:"mentions,omitempty"`
	FromMe        bool         `json:"fromMe"`
	// Participant marks a post reflected back by an echo account, bot or
	// bridge user. It holds that author's id and is never set on inbound posts.
	Participant string   `json:"participant,omitempty"`
	ChannelID   string   `json:"channelId"`
	ChannelType string   `json:"channelType,omitempty"`
	IsGroup     bool     `json:"isGroup"`
	Author      string   `json:"author"`
	AuthorName  string   `json:"authorName,omitempty"`
	RootID      string   `json:"rootId,omitempty"`
	FileIDs     []string `json:"fileIds,omitempty"`
	Edited      bool     `json:"edited,omitempty"`
	Timestamp   int64    `json:"timestamp"`
}

func (p *MessagePayload) EventOrigin() dispatch.Origin {
	if p == nil {
		return dispatch.OriginInbound
	}
	return markerOrigin(p.FromMe, p.Participant)
}

type RevokePayload struct {
	ID        string `json:"id"`
	ChannelID string `json:"channelId"`
	Author    string `json:"author"`
	FromMe    bool   `json:"fromMe"`
	Timestamp int64  `json:"timestamp"`
}

func (p *RevokePayload) EventOrigin() dispatch.Origin {
	if p == nil {
		return dispatch.OriginInbound
	}
	return markerOrigin(p.FromMe, "")
}

type ReactionPayload struct {
	PostID    string `json:"postId"`
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	EmojiName string `json:"emojiName"`
	Emoji     string `json:"emoji"`
	Removed   bool   `json:"removed"`
	FromMe    bool   `json:"fromMe"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func (p *ReactionPayload) EventOrigin() dispatch.Origin {
	if p == nil {
		return dispatch.OriginInbound
	}
	return markerOrigin(p.FromMe, "")
}

func markerOrigin(fromMe bool, participant string) dispatch.Origin {
	switch {
	case fromMe:
		return dispatch.OriginSelf
	case participant != "":
		return dispatch.OriginParticipantEcho
	}
	return dispatch.OriginInbound
}

type PresencePayload struct {
	UserID    string `json:"userId"`
	ChannelID string `json:"channelId,omitempty"`
	// Status is "typing" for typing notifications, otherwise the Mattermost
	// status (online, away, dnd, offline).
	Status   string `json:"status"`
	ParentID string `json:"parentId,omitempty"`
}

type AckPayload struct {
	ChannelIDs []string `json:"channelIds"`
	UserID     string   `json:"userId,omitempty"`
}

type GroupUpdatePayload struct {
	ChannelID string `json:"channelId"`
	// Action is the websocket event name, such as user_added.
	Action  string `json:"action"`
	UserID  string `json:"userId,omitempty"`
	ActorID string `json:"actorId,omitempty"`
	Name    string `json:"name,omitempty"`
}

type SystemPayload struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	ChannelID string `json:"channelId"`
	Timestamp int64  `json:"timestamp"`
}

// StatePayload reports session lifecycle changes.
type StatePayload struct {
	State    string `json:"state"`
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Lifecycle states reported in StatePayload.State.
const (
	stateConnected    = "CONNECTED"
	stateDisconnected = "DISCONNECTED"
	stateFailed       = "FAILED"
)
