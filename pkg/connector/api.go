// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/exhttp"
	"go.mau.fi/util/requestlog"

	"github.com/aiku/mattermost-relay/pkg/readiness"
)

// maxRequestBodySize is the maximum allowed request body for admin calls (1 MB).
const maxRequestBodySize = 1 << 20

type apiResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type sessionSummary struct {
	ID     string `json:"id"`
	State  State  `json:"state"`
	UserID string `json:"userId,omitempty"`
}

// APIHandler returns the admin HTTP API with request logging applied.
func (r *Relay) APIHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", r.handlePing)
	mux.HandleFunc("GET /api/sessions", r.handleListSessions)
	mux.HandleFunc("POST /api/sessions/{id}/start", r.handleStartSession)
	mux.HandleFunc("GET /api/sessions/{id}/status", r.handleSessionStatus)
	mux.HandleFunc("DELETE /api/sessions/{id}", r.handleTerminateSession)
	mux.HandleFunc("POST /api/reload-echo-accounts", r.handleReloadEchoAccounts)
	mux.HandleFunc("GET /api/sinks", r.handleSinks)
	return exhttp.ApplyMiddleware(
		mux,
		hlog.NewHandler(r.log.With().Str("component", "admin_api").Logger()),
		requestlog.AccessLogger(false),
	)
}

func writeError(w http.ResponseWriter, status int, err error) {
	exhttp.WriteJSONResponse(w, status, &apiResponse{Success: false, Error: err.Error()})
}

func (r *Relay) handlePing(w http.ResponseWriter, _ *http.Request) {
	exhttp.WriteJSONResponse(w, http.StatusOK, &apiResponse{Success: true, Message: "pong"})
}

func (r *Relay) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := r.List()
	out := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionSummary{ID: sess.ID, State: sess.State(), UserID: sess.UserID()})
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, &apiResponse{Success: true, Data: out})
}

func (r *Relay) handleStartSession(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")

	var creds Credentials
	req.Body = http.MaxBytesReader(w, req.Body, maxRequestBodySize)
	if err := json.NewDecoder(req.Body).Decode(&creds); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}

	sess, err := r.StartSession(req.Context(), id, creds)
	switch {
	case errors.Is(err, ErrSessionExists):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err)
		return
	}
	hlog.FromRequest(req).Info().Str("session_id", id).Msg("Session start requested")
	exhttp.WriteJSONResponse(w, http.StatusOK, &apiResponse{
		Success: true,
		Message: "session starting",
		Data:    sess.Snapshot(),
	})
}

// handleSessionStatus waits up to readiness.status_wait for the session to
// finish connecting. With ?wait=ws it also waits for the websocket hello.
func (r *Relay) handleSessionStatus(w http.ResponseWriter, req *http.Request) {
	sess, ok := r.Get(req.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, ErrSessionNotFound)
		return
	}

	maxWait := r.cfg.Readiness.StatusWait
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}
	start := time.Now()
	err := r.waitSession(req.Context(), sess, maxWait, req.URL.Query().Get("wait") == "ws")
	if err != nil && errors.Is(err, context.DeadlineExceeded) && req.Context().Err() == nil {
		err = &readiness.TimeoutError{Path: "state", Elapsed: time.Since(start), MaxWait: maxWait}
	}
	if err != nil {
		exhttp.WriteJSONResponse(w, http.StatusInternalServerError, &apiResponse{
			Success: false,
			Error:   err.Error(),
			Data:    sess.Snapshot(),
		})
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, &apiResponse{Success: true, Data: sess.Snapshot()})
}

// waitSession waits for the session to become ready. With waitWS the
// websocket hello is awaited at the same time, both within maxWait.
func (r *Relay) waitSession(ctx context.Context, sess *Session, maxWait time.Duration, waitWS bool) error {
	readyCtx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	wsCtx, wsCancel := context.WithCancel(ctx)
	defer wsCancel()
	var wsDone <-chan error
	if waitWS {
		opts := r.cfg.Readiness.Options()
		opts.MaxWait = maxWait
		wsDone = readiness.AwaitAsync(wsCtx, sess, "ws.connection_id", opts)
	}
	if err := sess.WaitReady(readyCtx); err != nil {
		return err
	}
	if wsDone == nil {
		return nil
	}
	select {
	case err := <-wsDone:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) handleTerminateSession(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.TerminateSession(req.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, &apiResponse{Success: true, Message: "session terminated"})
}

// handleReloadEchoAccounts accepts an optional JSON list of echo accounts;
// if the body is empty or absent, it reloads from environment variables.
func (r *Relay) handleReloadEchoAccounts(w http.ResponseWriter, req *http.Request) {
	log := hlog.FromRequest(req)
	log.Info().
		Str("remote_addr", req.RemoteAddr).
		Str("content_length", req.Header.Get("Content-Length")).
		Msg("Echo account reload requested")

	var entries []EchoAccount
	if req.Body != nil && req.ContentLength != 0 {
		req.Body = http.MaxBytesReader(w, req.Body, maxRequestBodySize)
		body, err := io.ReadAll(req.Body)
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, errors.New("request body too large"))
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &entries); err != nil {
				writeError(w, http.StatusBadRequest, errors.New("invalid JSON"))
				return
			}
		}
	}

	source := "env"
	if len(entries) > 0 {
		source = "body"
	} else {
		entries = r.envToEchoAccounts()
	}
	log.Info().Int("entries", len(entries)).Str("source", source).Msg("Processing echo account reload")

	added, removed := r.ReloadEchoAccounts(req.Context(), entries)
	exhttp.WriteJSONResponse(w, http.StatusOK, map[string]int{
		"added":   added,
		"removed": removed,
		"total":   r.EchoAccountCount(),
	})
}

func (r *Relay) handleSinks(w http.ResponseWriter, _ *http.Request) {
	data := map[string]any{"sinks": r.Sinks.Names()}
	if r.SubscriberCount != nil {
		data["pushSubscribers"] = r.SubscriberCount()
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, &apiResponse{Success: true, Data: data})
}
