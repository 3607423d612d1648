// Package matrix is the bridge's only way to reach the homeserver.
//
// RoomClient is the capability the bridge core consumes: create rooms, send
// and redact events, move media, and manage membership and profiles. Intents
// hands out RoomClients acting as the bridge bot, as an appservice ghost, or
// as a real user through a double-puppeting access token.
//
// Client wraps a mautrix client. Fake is an in-memory homeserver used by
// tests across the module.
package matrix
