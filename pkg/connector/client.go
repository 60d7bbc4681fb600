// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/aiku/mattermost-relay/pkg/dispatch"
	"github.com/aiku/mattermost-relay/pkg/readiness"
)

// State is the lifecycle state of a Session.
type State string

const (
	StateConstructing State = "constructing"
	StateReady        State = "ready"
	StateFailed       State = "failed"
	StateDestroyed    State = "destroyed"
)

var ErrSessionDestroyed = errors.New("session destroyed")

// EventSink receives classified session events. The dispatcher implements
// it; tests inject a recording mock.
type EventSink interface {
	Dispatch(ctx context.Context, evt dispatch.Event)
}

// Session is one authenticated Mattermost user connection.
type Session struct {
	ID string

	relay     *Relay
	sink      EventSink
	creds     Credentials
	serverURL string

	mu           sync.RWMutex
	state        State
	err          error
	client       *model.Client4
	wsClient     *model.WebSocketClient
	userID       string
	username     string
	teamID       string
	connectionID string

	channels *channelCache
	ready    *exsync.Event

	stopOnce sync.Once
	stopChan chan struct{}
	log      zerolog.Logger
}

var _ readiness.Snapshotter = (*Session)(nil)

func newSession(relay *Relay, id string, creds Credentials, serverURL string) *Session {
	return &Session{
		ID:        id,
		relay:     relay,
		sink:      relay.sink,
		creds:     creds,
		serverURL: serverURL,
		state:     StateConstructing,
		channels:  newChannelCache(),
		ready:     exsync.NewEvent(),
		stopChan:  make(chan struct{}),
		log: relay.log.With().
			Str("component", "mm_session").
			Str("session_id", id).
			Logger(),
	}
}

// Connect authenticates, opens the websocket and marks the session ready. It
// does not return an error; failures are reported as auth_failure or
// disconnected events and through WaitReady.
func (s *Session) Connect(ctx context.Context) {
	s.log.Info().Str("server_url", s.serverURL).Msg("Connecting to Mattermost")

	result, err := authenticate(ctx, s.serverURL, s.creds)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to authenticate Mattermost session")
		s.fail(dispatch.KindAuthFailure, err)
		return
	}

	s.mu.Lock()
	s.client = result.Client
	s.userID = result.User.Id
	s.username = result.User.Username
	s.teamID = result.TeamID
	s.mu.Unlock()
	s.log.Info().Str("user_id", result.User.Id).Str("username", result.User.Username).Msg("Authenticated")

	if err := s.connectWebSocket(); err != nil {
		s.log.Error().Err(err).Msg("WebSocket connection failed")
		s.fail(dispatch.KindDisconnected, err)
		return
	}

	s.mu.Lock()
	if s.state != StateConstructing {
		s.mu.Unlock()
		return
	}
	s.state = StateReady
	s.mu.Unlock()
	s.ready.Set()

	s.emit(dispatch.KindReady, &StatePayload{
		State:    stateConnected,
		UserID:   result.User.Id,
		Username: result.User.Username,
	})
}

// fail moves a constructing session to failed and reports why.
func (s *Session) fail(kind dispatch.EventKind, err error) {
	s.mu.Lock()
	if s.state != StateConstructing {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.err = err
	s.mu.Unlock()
	s.ready.Set()

	s.emit(kind, &StatePayload{State: stateFailed, Error: err.Error()})
}

func (s *Session) connectWebSocket() error {
	client := s.apiClient()
	if client == nil {
		return errors.New("not logged in")
	}
	wsURL := httpToWS(s.serverURL)
	ws, err := model.NewWebSocketClient4(wsURL, client.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}

	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		ws.Close()
		return ErrSessionDestroyed
	}
	s.wsClient = ws
	s.mu.Unlock()

	ws.Listen()
	go s.listenWebSocket(ws)

	s.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	return nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (s *Session) listenWebSocket(ws *model.WebSocketClient) {
	for {
		select {
		case <-s.stopChan:
			return
		case evt, ok := <-ws.EventChannel:
			if !ok {
				s.handleWebSocketDisconnect()
				return
			}
			if evt == nil {
				continue
			}
			s.handleEvent(evt)
		}
	}
}

// handleWebSocketDisconnect reports the drop as change_state and reconnects
// once. The session stays ready either way.
func (s *Session) handleWebSocketDisconnect() {
	select {
	case <-s.stopChan:
		return
	default:
	}
	s.log.Warn().Msg("WebSocket event channel closed, reconnecting")

	s.mu.Lock()
	s.connectionID = ""
	s.wsClient = nil
	s.mu.Unlock()
	s.emit(dispatch.KindChangeState, &StatePayload{State: stateDisconnected})

	if err := s.connectWebSocket(); err != nil {
		if errors.Is(err, ErrSessionDestroyed) {
			return
		}
		s.log.Error().Err(err).Msg("Failed to reconnect WebSocket")
		s.emit(dispatch.KindDisconnected, &StatePayload{State: stateDisconnected, Error: err.Error()})
		return
	}
	s.emit(dispatch.KindChangeState, &StatePayload{State: stateConnected})
}

// emit hands a lifecycle or inbound event to the sink.
func (s *Session) emit(kind dispatch.EventKind, payload any) {
	s.emitFrom(kind, payload, dispatch.OriginInbound)
}

func (s *Session) emitFrom(kind dispatch.EventKind, payload any, origin dispatch.Origin) {
	if s.sink == nil {
		return
	}
	s.sink.Dispatch(context.Background(), dispatch.Event{
		SessionID: s.ID,
		Kind:      kind,
		Payload:   payload,
		Origin:    origin,
	})
}

// Disconnect closes the websocket and marks the session destroyed. Password
// sessions also log out so the server-side session does not linger.
func (s *Session) Disconnect(ctx context.Context) {
	s.stopOnce.Do(func() {
		close(s.stopChan)

		s.mu.Lock()
		s.state = StateDestroyed
		ws := s.wsClient
		s.wsClient = nil
		client := s.client
		s.mu.Unlock()

		if ws != nil {
			ws.Close()
		}
		if client != nil && s.creds.Token == "" {
			if _, err := client.Logout(ctx); err != nil {
				s.log.Debug().Err(err).Msg("Logout failed")
			}
		}
		s.ready.Set()
		s.log.Info().Msg("Session terminated")
	})
}

// WaitReady blocks until construction finished or ctx is done. It returns
// nil for a ready session and the failure cause otherwise.
func (s *Session) WaitReady(ctx context.Context) error {
	if err := s.ready.Wait(ctx); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.state {
	case StateReady:
		return nil
	case StateFailed:
		return s.err
	default:
		return ErrSessionDestroyed
	}
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Session) WebhookURL() string {
	return s.creds.WebhookURL
}

func (s *Session) apiClient() *model.Client4 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// Snapshot builds a fresh nested view of the session. Keys appear only once
// their values are known:
//
//	{"id", "state", "server_url", "error"?, "me": {"id", "username", "team_id"?}?, "ws": {"connection_id"}?}
func (s *Session) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := map[string]any{
		"id":         s.ID,
		"state":      string(s.state),
		"server_url": s.serverURL,
	}
	if s.err != nil {
		snap["error"] = s.err.Error()
	}
	if s.userID != "" {
		me := map[string]any{"id": s.userID, "username": s.username}
		if s.teamID != "" {
			me["team_id"] = s.teamID
		}
		snap["me"] = me
	}
	if s.connectionID != "" {
		snap["ws"] = map[string]any{"connection_id": s.connectionID}
	}
	return snap
}
