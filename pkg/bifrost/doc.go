// Copyright 2024-2026 Aiku AI

// Package bifrost bridges GeoFS multiplayer state into Matrix rooms and
// relays chat between the two platforms.
//
// Inbound state changes arrive as webhook calls (aircraft swaps, new
// accounts, callsign changes, teleportation, activity status), land on an
// ordered queue, and are drained by a single [Dispatcher] that formats and
// delivers them through the shared [Emitter]. The Emitter owns the one
// process-wide send lock and throttles consecutive sends, so queue-driven
// notifications and relayed chat can never race each other or trip the
// homeserver rate limit.
//
// Independently, [Relay] polls the multiplayer session on a fixed period
// and forwards new chat lines into the chat log room. The relay's busy
// guard, failure-burst watchdog, and no-progress watchdog keep the bridge
// alive against an upstream that hangs, times out, or degrades into
// succeeding while silently returning nothing.
//
// [CommandHandler] completes the loop: developers can post back into GeoFS
// chat with the send command from Matrix.
package bifrost
