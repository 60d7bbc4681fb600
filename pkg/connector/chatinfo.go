// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
)

// channelInfo is the part of a Mattermost channel that message payloads need.
type channelInfo struct {
	Type        model.ChannelType
	DisplayName string
}

// IsGroup reports whether posts in the channel have more than one possible
// author besides the session user. Unknown channels are not groups.
func (c channelInfo) IsGroup() bool {
	return c.Type != "" && c.Type != model.ChannelTypeDirect
}

func channelToInfo(ch *model.Channel) channelInfo {
	name := ch.DisplayName
	if name == "" {
		name = ch.Name
	}
	return channelInfo{Type: ch.Type, DisplayName: name}
}

// channelCache remembers channel types per session. Entries are dropped on
// channel_updated so a renamed or converted channel is fetched again.
type channelCache struct {
	mu       sync.RWMutex
	channels map[string]channelInfo
}

func newChannelCache() *channelCache {
	return &channelCache{channels: make(map[string]channelInfo)}
}

func (c *channelCache) get(channelID string) (channelInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.channels[channelID]
	return info, ok
}

func (c *channelCache) put(channelID string, info channelInfo) {
	c.mu.Lock()
	c.channels[channelID] = info
	c.mu.Unlock()
}

func (c *channelCache) forget(channelID string) {
	c.mu.Lock()
	delete(c.channels, channelID)
	c.mu.Unlock()
}

// channelInfo returns the channel's type, preferring the channel_type hint
// sent with posted events, then the cache, then the REST API. A failed lookup
// returns a zero channelInfo; payloads then omit the channel type.
func (s *Session) channelInfo(ctx context.Context, channelID, typeHint string) channelInfo {
	if info, ok := s.channels.get(channelID); ok {
		return info
	}
	if typeHint != "" {
		info := channelInfo{Type: model.ChannelType(typeHint)}
		s.channels.put(channelID, info)
		return info
	}

	client := s.apiClient()
	if client == nil || channelID == "" {
		return channelInfo{}
	}
	ch, _, err := client.GetChannel(ctx, channelID, "")
	if err != nil {
		s.log.Debug().Err(err).Str("channel_id", channelID).Msg("Failed to get channel info")
		return channelInfo{}
	}
	info := channelToInfo(ch)
	s.channels.put(channelID, info)
	return info
}
