// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"

	"github.com/aiku/mattermost-relay/pkg/dispatch"
)

// EchoAccount is a Mattermost account that posts on behalf of the relay's
// consumers. Its posts are relayed back as participant echoes.
type EchoAccount struct {
	Slug      string `json:"slug"`
	Token     string `json:"token"`
	ServerURL string `json:"server_url,omitempty"`
}

// echoClient is a verified echo account.
type echoClient struct {
	EchoAccount
	UserID   string
	Username string
}

// Relay owns every session and the admin API.
type Relay struct {
	cfg  *Config
	sink EventSink
	log  zerolog.Logger

	// Sinks is reported by GET /api/sinks when set.
	Sinks *dispatch.SinkSet
	// SubscriberCount reports the number of connected push subscribers.
	SubscriberCount func() int
	// WebhookRequested is called when a session with its own webhook URL
	// starts, so the webhook sink can be registered on demand.
	WebhookRequested func()

	mu       sync.RWMutex
	sessions map[string]*Session

	echoMu      sync.Mutex
	echo        map[string]*echoClient
	echoUserIDs *exsync.Set[string]

	apiServer *http.Server
	// getenv and environ are replaced in tests.
	getenv  func(string) string
	environ func() []string
}

func NewRelay(cfg *Config, sink EventSink, log zerolog.Logger) *Relay {
	return &Relay{
		cfg:         cfg,
		sink:        sink,
		log:         log.With().Str("component", "relay").Logger(),
		sessions:    make(map[string]*Session),
		echo:        make(map[string]*echoClient),
		echoUserIDs: exsync.NewSet[string](),
		getenv:      os.Getenv,
		environ:     os.Environ,
	}
}

// Start restores configured sessions and the env auto session, loads echo
// accounts and starts the admin API. Sessions connect in the background.
// Configured sessions are checked before any of them starts; if a later step
// fails, every session started so far is stopped again.
func (r *Relay) Start(ctx context.Context) error {
	seen := make(map[string]struct{}, len(r.cfg.Sessions))
	for _, sc := range r.cfg.Sessions {
		if _, err := r.checkSession(sc.ID, sc.Credentials); err != nil {
			return fmt.Errorf("invalid session %s: %w", sc.ID, err)
		}
		if _, dup := seen[sc.ID]; dup {
			return fmt.Errorf("invalid session %s: %w", sc.ID, ErrSessionExists)
		}
		seen[sc.ID] = struct{}{}
	}

	r.ReloadEchoAccounts(ctx, r.envToEchoAccounts())

	for _, sc := range r.cfg.Sessions {
		if _, err := r.StartSession(ctx, sc.ID, sc.Credentials); err != nil {
			r.Stop(ctx)
			return fmt.Errorf("failed to start session %s: %w", sc.ID, err)
		}
	}
	r.autoSession(ctx)

	if err := r.startAPI(); err != nil {
		r.Stop(ctx)
		return err
	}
	return nil
}

// autoSession starts a session from MATTERMOST_AUTO_TOKEN and
// MATTERMOST_AUTO_SERVER_URL. This lets the relay connect on first boot
// without an admin API call.
func (r *Relay) autoSession(ctx context.Context) {
	token := r.getenv("MATTERMOST_AUTO_TOKEN")
	serverURL := r.getenv("MATTERMOST_AUTO_SERVER_URL")
	if token == "" || serverURL == "" {
		return
	}
	id := r.getenv("MATTERMOST_AUTO_SESSION_ID")
	if id == "" {
		id = "default"
	}
	if _, ok := r.Get(id); ok {
		r.log.Info().Str("session_id", id).Msg("Session already configured, skipping auto session")
		return
	}
	_, err := r.StartSession(ctx, id, Credentials{ServerURL: serverURL, Token: token})
	if err != nil {
		r.log.Error().Err(err).Str("session_id", id).Msg("Auto session failed to start")
		return
	}
	r.log.Info().Str("session_id", id).Str("server_url", serverURL).Msg("Auto session started")
}

// StartSession registers a new session and connects it in the background.
// The returned session is still constructing; use WaitReady to block.
func (r *Relay) StartSession(ctx context.Context, id string, creds Credentials) (*Session, error) {
	serverURL, err := r.checkSession(id, creds)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	sess := newSession(r, id, creds, serverURL)
	r.sessions[id] = sess
	r.mu.Unlock()

	if creds.WebhookURL != "" && r.WebhookRequested != nil {
		r.WebhookRequested()
	}

	// The session outlives the request that created it.
	go sess.Connect(context.WithoutCancel(ctx))
	return sess, nil
}

// checkSession validates a session id and its credentials and returns the
// server URL the session will connect to.
func (r *Relay) checkSession(id string, creds Credentials) (string, error) {
	if err := ValidateSessionID(id); err != nil {
		return "", err
	}
	if err := creds.Validate(); err != nil {
		return "", err
	}
	serverURL := creds.ServerURL
	if serverURL == "" {
		serverURL = r.cfg.ServerURL
	}
	if serverURL == "" {
		return "", fmt.Errorf("%w: no server_url for session %s", ErrMissingCredentials, id)
	}
	return strings.TrimRight(serverURL, "/"), nil
}

func (r *Relay) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// List returns all sessions sorted by id.
func (r *Relay) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TerminateSession disconnects and forgets a session.
func (r *Relay) TerminateSession(ctx context.Context, id string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.Disconnect(ctx)
	return nil
}

// WebhookURL returns the per-session webhook override, or "".
func (r *Relay) WebhookURL(sessionID string) string {
	sess, ok := r.Get(sessionID)
	if !ok {
		return ""
	}
	return sess.WebhookURL()
}

// Stop terminates every session and shuts down the admin API.
func (r *Relay) Stop(ctx context.Context) {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, sess := range sessions {
		sess.Disconnect(ctx)
	}
	if r.apiServer != nil {
		if err := r.apiServer.Shutdown(ctx); err != nil {
			r.log.Warn().Err(err).Msg("Admin API shutdown failed")
		}
	}
}

// IsEchoUserID returns true if the given Mattermost user ID belongs to a
// loaded echo account. Thread-safe.
func (r *Relay) IsEchoUserID(mmUserID string) bool {
	return mmUserID != "" && r.echoUserIDs.Has(mmUserID)
}

// EchoAccountCount returns the number of verified echo accounts.
func (r *Relay) EchoAccountCount() int {
	r.echoMu.Lock()
	defer r.echoMu.Unlock()
	return len(r.echo)
}

// envToEchoAccounts scans the environment for echo account tokens:
//
//	RELAY_ECHO_<SLUG>_TOKEN = <mattermost access token>
//	RELAY_ECHO_<SLUG>_URL   = http://mattermost:8065  (optional, falls back to server_url)
func (r *Relay) envToEchoAccounts() []EchoAccount {
	const prefix = "RELAY_ECHO_"
	const tokenSuffix = "_TOKEN"

	var entries []EchoAccount
	for _, env := range r.environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok || value == "" || len(key) <= len(prefix)+len(tokenSuffix) ||
			!strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, tokenSuffix) {
			continue
		}
		slug := key[len(prefix) : len(key)-len(tokenSuffix)]
		entries = append(entries, EchoAccount{
			Slug:      slug,
			Token:     value,
			ServerURL: r.getenv(prefix + slug + "_URL"),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Slug < entries[j].Slug })
	return entries
}

// ReloadEchoAccounts replaces the echo account set with entries. New tokens
// are verified with GetMe; unverifiable entries are skipped. Accounts whose
// token did not change are kept without a new request. Tokens are verified
// without holding the echo lock, so lookups and counts never wait on the
// network.
func (r *Relay) ReloadEchoAccounts(ctx context.Context, entries []EchoAccount) (added, removed int) {
	desired := make(map[string]EchoAccount, len(entries))
	for _, e := range entries {
		if e.Slug == "" || e.Token == "" {
			continue
		}
		e.Slug = echoEnvSlug(e.Slug)
		desired[e.Slug] = e
	}

	r.echoMu.Lock()
	current := make(map[string]*echoClient, len(r.echo))
	for slug, ec := range r.echo {
		current[slug] = ec
	}
	r.echoMu.Unlock()

	verified := make(map[string]*echoClient)
	for slug, entry := range desired {
		if existing, ok := current[slug]; ok && existing.Token == entry.Token {
			continue
		}
		ec, err := r.verifyEchoAccount(ctx, entry)
		if err != nil {
			r.log.Error().Err(err).Str("slug", slug).Msg("Failed to verify echo account token, skipping")
			continue
		}
		verified[slug] = ec
	}

	r.echoMu.Lock()
	defer r.echoMu.Unlock()

	for slug := range r.echo {
		if _, ok := desired[slug]; !ok {
			r.log.Info().Str("slug", slug).Msg("Removing echo account")
			delete(r.echo, slug)
			removed++
		}
	}
	for slug, ec := range verified {
		r.echo[slug] = ec
		added++
		r.log.Info().
			Str("slug", slug).
			Str("mm_user_id", ec.UserID).
			Str("mm_username", ec.Username).
			Msg("Loaded echo account")
	}

	ids := exsync.NewSet[string]()
	for _, ec := range r.echo {
		ids.Add(ec.UserID)
	}
	r.echoUserIDs.ReplaceAll(ids)

	r.log.Info().
		Int("added", added).
		Int("removed", removed).
		Int("total", len(r.echo)).
		Msg("Echo account reload complete")
	return added, removed
}

func (r *Relay) verifyEchoAccount(ctx context.Context, entry EchoAccount) (*echoClient, error) {
	serverURL := entry.ServerURL
	if serverURL == "" {
		serverURL = r.cfg.ServerURL
	}
	client := model.NewAPIv4Client(serverURL)
	client.SetToken(entry.Token)
	me, _, err := client.GetMe(ctx, "")
	if err != nil {
		return nil, err
	}
	return &echoClient{EchoAccount: entry, UserID: me.Id, Username: me.Username}, nil
}

func (r *Relay) startAPI() error {
	addr := r.cfg.AdminAPIAddr
	if addr == "" {
		addr = defaultAdminAPIAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	r.apiServer = &http.Server{
		Handler:      r.APIHandler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10*time.Second + r.cfg.Readiness.StatusWait,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		r.log.Info().Str("addr", ln.Addr().String()).Msg("Starting relay admin API")
		if err := r.apiServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error().Err(err).Msg("Relay admin API error")
		}
	}()
	return nil
}
