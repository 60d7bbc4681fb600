// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-relay/pkg/dispatch"
)

// recordingEventSink captures dispatched events for test assertions.
type recordingEventSink struct {
	mu     sync.Mutex
	events []dispatch.Event
}

func (r *recordingEventSink) Dispatch(_ context.Context, evt dispatch.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEventSink) Events() []dispatch.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]dispatch.Event, len(r.events))
	copy(cp, r.events)
	return cp
}

func (r *recordingEventSink) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// waitFor polls until n events of the given kind were recorded and returns
// the last one.
func (r *recordingEventSink) waitFor(t *testing.T, kind dispatch.EventKind, n int) dispatch.Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		var matched []dispatch.Event
		for _, evt := range r.Events() {
			if evt.Kind == kind {
				matched = append(matched, evt)
			}
		}
		if len(matched) >= n {
			return matched[n-1]
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d %q events, got %d (all: %v)", n, kind, len(matched), r.kinds())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (r *recordingEventSink) kinds() []dispatch.EventKind {
	var out []dispatch.EventKind
	for _, evt := range r.Events() {
		out = append(out, evt.Kind)
	}
	return out
}

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API and websocket. It records calls and provides canned
// responses.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Users maps user ID to model.User for GetMe responses.
	Users map[string]*model.User
	// TokenToUser maps bearer tokens to user IDs for GetMe auth.
	TokenToUser map[string]string
	// Passwords maps usernames to passwords for /users/login.
	Passwords map[string]string
	// Channels maps channel ID to model.Channel.
	Channels map[string]*model.Channel
	// Teams maps user ID to team list.
	Teams map[string][]*model.Team
	// FailEndpoints causes specific path prefixes to return 500.
	FailEndpoints map[string]bool

	upgrader websocket.Upgrader
	wsMu     sync.Mutex
	wsConns  []*websocket.Conn
	wsSeq    int64
}

func newFakeMM() *fakeMM {
	f := &fakeMM{
		Users:         make(map[string]*model.User),
		TokenToUser:   make(map[string]string),
		Passwords:     make(map[string]string),
		Channels:      make(map[string]*model.Channel),
		Teams:         make(map[string][]*model.Team),
		FailEndpoints: make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

// addUser registers a user reachable with token.
func (f *fakeMM) addUser(id, username, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Users[id] = &model.User{Id: id, Username: username}
	if token != "" {
		f.TokenToUser[token] = id
	}
}

func (f *fakeMM) Close() {
	f.DropWebSockets()
	f.Server.Close()
}

func (f *fakeMM) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeMM) CalledPath(path string) bool {
	for _, c := range f.Calls() {
		if strings.Contains(c.Path, path) {
			return true
		}
	}
	return false
}

func (f *fakeMM) resolveToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	f.mu.Lock()
	defer f.mu.Unlock()
	for tok, uid := range f.TokenToUser {
		if auth == "BEARER "+tok || auth == "Bearer "+tok {
			return uid
		}
	}
	return ""
}

func (f *fakeMM) user(id string) (*model.User, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.Users[id]
	return u, ok
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, r.URL.Path, string(body))

	// Check if this endpoint should fail.
	f.mu.Lock()
	for prefix := range f.FailEndpoints {
		if strings.Contains(r.URL.Path, prefix) {
			f.mu.Unlock()
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "fake error"})
			return
		}
	}
	f.mu.Unlock()

	path := r.URL.Path

	switch {
	// GET /api/v4/websocket
	case path == "/api/v4/websocket":
		f.serveWebSocket(w, r)

	// GET /api/v4/users/me
	case r.Method == "GET" && path == "/api/v4/users/me":
		uid := f.resolveToken(r)
		if uid == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "unauthorized"})
			return
		}
		if u, ok := f.user(uid); ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// POST /api/v4/users/login
	case r.Method == "POST" && path == "/api/v4/users/login":
		var req map[string]string
		_ = json.Unmarshal(body, &req)
		f.mu.Lock()
		var found *model.User
		if pw, ok := f.Passwords[req["login_id"]]; ok && pw == req["password"] {
			for _, u := range f.Users {
				if u.Username == req["login_id"] {
					found = u
				}
			}
		}
		if found != nil {
			f.TokenToUser["session-"+found.Id] = found.Id
		}
		f.mu.Unlock()
		if found == nil {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "invalid credentials"})
			return
		}
		w.Header().Set("Token", "session-"+found.Id)
		_ = json.NewEncoder(w).Encode(found)

	// POST /api/v4/users/logout
	case r.Method == "POST" && path == "/api/v4/users/logout":
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

	// GET /api/v4/users/{user_id}/teams
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/users/") && strings.HasSuffix(path, "/teams"):
		parts := strings.Split(path, "/")
		// /api/v4/users/{uid}/teams
		f.mu.Lock()
		teams, ok := f.Teams[parts[4]]
		f.mu.Unlock()
		if ok {
			_ = json.NewEncoder(w).Encode(teams)
			return
		}
		_ = json.NewEncoder(w).Encode([]*model.Team{})

	// GET /api/v4/channels/{channel_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/channels/") && !strings.Contains(path[len("/api/v4/channels/"):], "/"):
		chID := path[len("/api/v4/channels/"):]
		f.mu.Lock()
		ch, ok := f.Channels[chID]
		f.mu.Unlock()
		if ok {
			_ = json.NewEncoder(w).Encode(ch)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found: " + path})
	}
}

// serveWebSocket upgrades the request and greets the client with a hello
// event carrying conn-<n> as connection id.
func (f *fakeMM) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.wsMu.Lock()
	f.wsConns = append(f.wsConns, conn)
	connID := fmt.Sprintf("conn-%d", len(f.wsConns))
	f.wsMu.Unlock()

	f.writeEvent(conn, model.WebsocketEventHello, "", map[string]any{
		"connection_id":  connID,
		"server_version": "9.11.0",
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (f *fakeMM) writeEvent(conn *websocket.Conn, eventType model.WebsocketEventType, channelID string, data map[string]any) {
	f.wsMu.Lock()
	defer f.wsMu.Unlock()
	f.wsSeq++
	_ = conn.WriteJSON(map[string]any{
		"event": string(eventType),
		"data":  data,
		"broadcast": map[string]any{
			"omit_users": nil,
			"user_id":    "",
			"channel_id": channelID,
			"team_id":    "",
		},
		"seq": f.wsSeq,
	})
}

// SendEvent pushes an event over the most recent websocket connection.
func (f *fakeMM) SendEvent(t *testing.T, eventType model.WebsocketEventType, channelID string, data map[string]any) {
	t.Helper()
	f.wsMu.Lock()
	if len(f.wsConns) == 0 {
		f.wsMu.Unlock()
		t.Fatal("no websocket connection to send on")
	}
	conn := f.wsConns[len(f.wsConns)-1]
	f.wsMu.Unlock()
	f.writeEvent(conn, eventType, channelID, data)
}

// WebSocketCount returns how many websocket connections were accepted.
func (f *fakeMM) WebSocketCount() int {
	f.wsMu.Lock()
	defer f.wsMu.Unlock()
	return len(f.wsConns)
}

// DropWebSockets closes every server-side websocket connection.
func (f *fakeMM) DropWebSockets() {
	f.wsMu.Lock()
	defer f.wsMu.Unlock()
	for _, conn := range f.wsConns {
		_ = conn.Close()
	}
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

// postJSON marshals a post the way the server embeds it in event data.
func postJSON(t *testing.T, post *model.Post) string {
	t.Helper()
	data, err := json.Marshal(post)
	if err != nil {
		t.Fatalf("marshal post: %v", err)
	}
	return string(data)
}

// newTestRelay creates a Relay with a recording sink and an empty
// environment.
func newTestRelay(t *testing.T, cfg *Config) (*Relay, *recordingEventSink) {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	sink := &recordingEventSink{}
	r := NewRelay(cfg, sink, zerolog.Nop())
	r.getenv = func(string) string { return "" }
	r.environ = func() []string { return nil }
	t.Cleanup(func() { r.Stop(context.Background()) })
	return r, sink
}

// newTestSession creates a ready session for user "my-user-id" that is not
// connected to anything. Event handlers can be called on it directly.
func newTestSession(r *Relay) *Session {
	s := newSession(r, "test", Credentials{Token: "test-token"}, "http://127.0.0.1:1")
	s.userID = "my-user-id"
	s.username = "me"
	s.state = StateReady
	s.ready.Set()
	return s
}
