// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector manages Mattermost sessions and turns their websocket
// events into relay events.
//
// # Core Types
//
// [Relay] is the session registry. It starts sessions from the config file,
// from MATTERMOST_AUTO_* env vars or through the admin HTTP API, and it owns
// the echo account registry.
//
// [Session] is one authenticated Mattermost user. It connects in the
// background; [Session.WaitReady] blocks until it is ready or has failed. A
// websocket drop after that is reported as a change_state event and does not
// make the session unready.
//
// [EventSink] receives every classified event. In production it is the
// dispatcher from package dispatch.
//
// # Echo Prevention
//
// Events caused by the session's own user are tagged OriginSelf. Posts from
// echo accounts (RELAY_ECHO_<SLUG>_TOKEN), from bridge usernames matching
// bot_prefix, or marked from_webhook/from_bot are tagged
// OriginParticipantEcho. Classification only tags; the dispatcher decides
// what to drop.
//
// # Sub-packages
//
//   - mattermostfmt renders Mattermost markdown to HTML for message payloads.
package connector
