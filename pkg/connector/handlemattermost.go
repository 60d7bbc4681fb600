// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mattermost-relay/pkg/dispatch"
)

// Not every server version in use declares this constant.
const wsEventMultipleChannelsViewed model.WebsocketEventType = "multiple_channels_viewed"

// handleEvent classifies a Mattermost websocket event and hands it to the sink.
func (s *Session) handleEvent(evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventHello:
		s.handleHello(evt)
	case model.WebsocketEventPosted:
		s.handlePosted(evt)
	case model.WebsocketEventPostEdited:
		s.handlePostEdited(evt)
	case model.WebsocketEventPostDeleted:
		s.handlePostDeleted(evt)
	case model.WebsocketEventReactionAdded:
		s.handleReaction(evt, false)
	case model.WebsocketEventReactionRemoved:
		s.handleReaction(evt, true)
	case model.WebsocketEventTyping:
		s.handleTyping(evt)
	case model.WebsocketEventStatusChange:
		s.handleStatusChange(evt)
	case model.WebsocketEventChannelViewed, wsEventMultipleChannelsViewed:
		s.handleChannelViewed(evt)
	case model.WebsocketEventChannelUpdated,
		model.WebsocketEventUserAdded,
		model.WebsocketEventUserRemoved,
		model.WebsocketEventChannelMemberUpdated:
		s.handleGroupUpdate(evt)
	default:
		s.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

func (s *Session) handleHello(evt *model.WebSocketEvent) {
	connID, _ := evt.GetData()["connection_id"].(string)
	s.mu.Lock()
	s.connectionID = connID
	s.mu.Unlock()
	s.log.Debug().Str("connection_id", connID).Msg("WebSocket hello received")
}

// postOrigin applies the echo prevention layers to a post author. Self
// checks come first so fromMe stays accurate for the session's own posts.
func (s *Session) postOrigin(evt *model.WebSocketEvent, post *model.Post) dispatch.Origin {
	if post.UserId != "" && post.UserId == s.UserID() {
		return dispatch.OriginSelf
	}

	// Posts from echo accounts are copies of what the relay's consumers sent.
	if s.relay.IsEchoUserID(post.UserId) {
		s.log.Debug().
			Str("post_id", post.Id).
			Str("user_id", post.UserId).
			Msg("Echo account post")
		return dispatch.OriginParticipantEcho
	}

	senderName, _ := evt.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")
	if senderName != "" && isBridgeUsername(senderName, s.relay.cfg.BotPrefix) {
		s.log.Debug().
			Str("post_id", post.Id).
			Str("username", senderName).
			Msg("Bridge username post")
		return dispatch.OriginParticipantEcho
	}

	// Integrations mark their own posts; these come back from webhooks and
	// bots acting on the relay's behalf.
	if post.GetProp("from_webhook") == "true" || post.GetProp("from_bot") == "true" {
		return dispatch.OriginParticipantEcho
	}
	return dispatch.OriginInbound
}

// parsePost extracts the post carried by posted, post_edited and
// post_deleted events.
func parsePost(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("%s event missing post data", evt.EventType())
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}
	return &post, nil
}

// isSystemPost reports whether the post is a Mattermost system message such
// as a join/leave notice or a header change.
func isSystemPost(post *model.Post) bool {
	return post.Type != "" && post.Type != model.PostTypeDefault
}

func (s *Session) messagePayload(evt *model.WebSocketEvent, post *model.Post, origin dispatch.Origin) *MessagePayload {
	payload := postToPayload(post)
	payload.FromMe = origin == dispatch.OriginSelf

	typeHint, _ := evt.GetData()["channel_type"].(string)
	info := s.channelInfo(context.Background(), post.ChannelId, typeHint)
	payload.ChannelType = string(info.Type)
	payload.IsGroup = info.IsGroup()
	if origin == dispatch.OriginParticipantEcho {
		payload.Participant = post.UserId
	}
	if senderName, ok := evt.GetData()["sender_name"].(string); ok {
		payload.AuthorName = strings.TrimPrefix(senderName, "@")
	}
	return payload
}

func (s *Session) handlePosted(evt *model.WebSocketEvent) {
	post, err := parsePost(evt)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to parse posted event")
		return
	}

	if isSystemPost(post) {
		s.emit(dispatch.KindSystem, &SystemPayload{
			ID:        post.Id,
			Type:      post.Type,
			Message:   post.Message,
			ChannelID: post.ChannelId,
			Timestamp: post.CreateAt,
		})
		return
	}

	origin := s.postOrigin(evt, post)
	s.log.Debug().
		Str("post_id", post.Id).
		Str("channel_id", post.ChannelId).
		Str("user_id", post.UserId).
		Stringer("origin", origin).
		Msg("Received new message")
	s.emitFrom(dispatch.KindMessage, s.messagePayload(evt, post, origin), origin)
}

func (s *Session) handlePostEdited(evt *model.WebSocketEvent) {
	post, err := parsePost(evt)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to parse post edited event")
		return
	}
	origin := s.postOrigin(evt, post)
	s.emitFrom(dispatch.KindMessageEdit, s.messagePayload(evt, post, origin), origin)
}

func (s *Session) handlePostDeleted(evt *model.WebSocketEvent) {
	post, err := parsePost(evt)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to parse post deleted event")
		return
	}
	origin := s.postOrigin(evt, post)
	s.emitFrom(dispatch.KindMessageRevoke, &RevokePayload{
		ID:        post.Id,
		ChannelID: post.ChannelId,
		Author:    post.UserId,
		FromMe:    origin == dispatch.OriginSelf,
		Timestamp: post.DeleteAt,
	}, origin)
}

// reactionOrigin applies the echo prevention layers that make sense for a
// reaction: its author is either the session user or an echo account.
func (s *Session) reactionOrigin(evt *model.WebSocketEvent, reaction *model.Reaction) dispatch.Origin {
	switch {
	case reaction.UserId == s.UserID():
		return dispatch.OriginSelf
	case s.relay.IsEchoUserID(reaction.UserId):
		return dispatch.OriginParticipantEcho
	}
	senderName, _ := evt.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")
	if senderName != "" && isBridgeUsername(senderName, s.relay.cfg.BotPrefix) {
		return dispatch.OriginParticipantEcho
	}
	return dispatch.OriginInbound
}

func (s *Session) handleReaction(evt *model.WebSocketEvent, removed bool) {
	reactionJSON, ok := evt.GetData()["reaction"].(string)
	if !ok {
		s.log.Warn().Str("event_type", string(evt.EventType())).Msg("Reaction event missing reaction data")
		return
	}
	var reaction model.Reaction
	if err := json.Unmarshal([]byte(reactionJSON), &reaction); err != nil {
		s.log.Warn().Err(err).Msg("Failed to unmarshal reaction")
		return
	}

	origin := s.reactionOrigin(evt, &reaction)
	s.emitFrom(dispatch.KindMessageReaction, &ReactionPayload{
		PostID:    reaction.PostId,
		ChannelID: evt.GetBroadcast().ChannelId,
		UserID:    reaction.UserId,
		EmojiName: reaction.EmojiName,
		Emoji:     reactionToEmoji(reaction.EmojiName),
		Removed:   removed,
		FromMe:    origin == dispatch.OriginSelf,
		Timestamp: reaction.CreateAt,
	}, origin)
}

func (s *Session) handleTyping(evt *model.WebSocketEvent) {
	userID, _ := evt.GetData()["user_id"].(string)
	if userID == "" || userID == s.UserID() {
		return
	}
	parentID, _ := evt.GetData()["parent_id"].(string)
	s.emit(dispatch.KindPresence, &PresencePayload{
		UserID:    userID,
		ChannelID: evt.GetBroadcast().ChannelId,
		Status:    "typing",
		ParentID:  parentID,
	})
}

func (s *Session) handleStatusChange(evt *model.WebSocketEvent) {
	userID, _ := evt.GetData()["user_id"].(string)
	status, _ := evt.GetData()["status"].(string)
	if userID == "" {
		userID = evt.GetBroadcast().UserId
	}
	s.emit(dispatch.KindPresence, &PresencePayload{
		UserID: userID,
		Status: status,
	})
}

func (s *Session) handleChannelViewed(evt *model.WebSocketEvent) {
	var channelIDs []string
	if chID, ok := evt.GetData()["channel_id"].(string); ok && chID != "" {
		channelIDs = append(channelIDs, chID)
	}
	if times, ok := evt.GetData()["channel_times"].(map[string]any); ok {
		for chID := range times {
			channelIDs = append(channelIDs, chID)
		}
		sort.Strings(channelIDs)
	}
	if len(channelIDs) == 0 {
		return
	}
	s.emit(dispatch.KindAck, &AckPayload{
		ChannelIDs: channelIDs,
		UserID:     evt.GetBroadcast().UserId,
	})
}

func (s *Session) handleGroupUpdate(evt *model.WebSocketEvent) {
	data := evt.GetData()
	payload := &GroupUpdatePayload{
		ChannelID: evt.GetBroadcast().ChannelId,
		Action:    string(evt.EventType()),
	}
	payload.UserID, _ = data["user_id"].(string)
	payload.ActorID, _ = data["remover_id"].(string)
	if chID, ok := data["channel_id"].(string); ok && chID != "" {
		payload.ChannelID = chID
	}

	switch evt.EventType() {
	case model.WebsocketEventChannelUpdated:
		if chJSON, ok := data["channel"].(string); ok {
			var ch model.Channel
			if err := json.Unmarshal([]byte(chJSON), &ch); err != nil {
				s.log.Warn().Err(err).Msg("Failed to unmarshal updated channel")
				return
			}
			payload.ChannelID = ch.Id
			payload.Name = channelToInfo(&ch).DisplayName
		}
	case model.WebsocketEventChannelMemberUpdated:
		if memberJSON, ok := data["channelMember"].(string); ok {
			var member model.ChannelMember
			if err := json.Unmarshal([]byte(memberJSON), &member); err != nil {
				s.log.Warn().Err(err).Msg("Failed to unmarshal channel member")
				return
			}
			payload.ChannelID = member.ChannelId
			payload.UserID = member.UserId
		}
	}
	if payload.ChannelID == "" {
		s.log.Debug().Str("event_type", payload.Action).Msg("Group update without channel, ignoring")
		return
	}

	s.channels.forget(payload.ChannelID)
	s.emit(dispatch.KindGroupUpdate, payload)
}

// isBridgeUsername returns true if the username belongs to a known bridge
// infrastructure bot whose posts are echoes. It checks against hardcoded
// bridge usernames and an optional configurable prefix.
func isBridgeUsername(username, botPrefix string) bool {
	switch {
	case username == "mattermost-bridge":
		return true
	case strings.HasPrefix(username, "mattermost_"):
		return true
	case botPrefix != "" && strings.HasPrefix(username, botPrefix):
		return true
	default:
		return false
	}
}
