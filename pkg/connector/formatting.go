// Copyright 2024-2026 Aiku AI

package connector

import (
	"fmt"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mattermost-relay/pkg/connector/mattermostfmt"
)

// postToPayload converts a Mattermost post into the message payload sinks
// receive. Channel type and author name are filled in by the caller.
func postToPayload(post *model.Post) *MessagePayload {
	rendered := mattermostfmt.Render(post.Message)
	ts := post.CreateAt
	if post.EditAt > 0 {
		ts = post.EditAt
	}
	return &MessagePayload{
		ID:            post.Id,
		Body:          rendered.Body,
		FormattedBody: rendered.HTML,
		Format:        rendered.Format,
		Mentions:      rendered.Mentions,
		ChannelID:     post.ChannelId,
		Author:        post.UserId,
		RootID:        post.RootId,
		FileIDs:       post.FileIds,
		Edited:        post.EditAt > 0,
		Timestamp:     ts,
	}
}

var emojiMap = map[string]string{
	"+1":               "\U0001f44d",
	"-1":               "\U0001f44e",
	"heart":            "\u2764\ufe0f",
	"smile":            "\U0001f604",
	"laughing":         "\U0001f606",
	"thumbsup":         "\U0001f44d",
	"thumbsdown":       "\U0001f44e",
	"wave":             "\U0001f44b",
	"clap":             "\U0001f44f",
	"fire":             "\U0001f525",
	"100":              "\U0001f4af",
	"tada":             "\U0001f389",
	"eyes":             "\U0001f440",
	"thinking":         "\U0001f914",
	"white_check_mark": "\u2705",
	"x":                "\u274c",
	"warning":          "\u26a0\ufe0f",
	"rocket":           "\U0001f680",
	"star":             "\u2b50",
	"pray":             "\U0001f64f",
}

// reactionToEmoji converts a Mattermost emoji name to a Unicode emoji, or
// ":name:" for custom and unknown emoji.
func reactionToEmoji(name string) string {
	if emoji, ok := emojiMap[name]; ok {
		return emoji
	}
	return fmt.Sprintf(":%s:", name)
}
