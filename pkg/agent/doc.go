// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package agent runs hooked WeChat clients on behalf of a Matrix bridge.
//
// The agent keeps one websocket to the bridge and one hooked WeChat process
// per Matrix user. Commands arrive over the websocket and are answered on it;
// messages received by WeChat arrive on a local TCP callback socket and are
// forwarded as events.
//
// # Core Types
//
// [Agent] wires the pieces together and supervises their goroutines.
//
// [Registry] maps Matrix users and process ids to live sessions. It is the
// only state shared between the command and event pipelines.
//
// [Dispatcher] answers bridge commands. Every command gets exactly one reply
// carrying its request id, even when the session is missing or the hooked
// client fails.
//
// [CallbackServer] reads newline-delimited JSON events from the hooked
// clients and hands them to the translator.
//
// # Sub-packages
//
//   - retry provides bounded retry and the reconnect failure window.
//   - transport keeps the websocket to the bridge alive.
//   - translator turns raw WeChat events into bridge events.
//   - wechat talks to the hooked client and the injection driver.
//   - wire defines the JSON frames on both sides.
package agent
