// Package dedupe drops replayed ids inside a sliding time window.
//
// The bridge sees the same id twice when the agent redelivers a push event
// after a reconnect, or when the homeserver retries an appservice
// transaction. A Window remembers each id for a fixed TTL and up to a fixed
// number of entries, oldest first out.
package dedupe
