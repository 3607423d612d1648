// Package bridge is the core of the Matrix ⇄ WeChat bridge.
//
// # Entities
//
// Three entity kinds are cached by the Registry: User (a Matrix account and
// its WeChat session), Portal (a WeChat conversation and its Matrix room) and
// Puppet (a WeChat contact and its Matrix ghost). Lookups go cache, then
// Store, then create. Creation is single-flight per key and the Store
// inserts-or-returns-existing, so concurrent misses produce one row.
//
// Entities are handles around a mutex-guarded row. A mutation changes the row
// and writes it to the Store under the same lock, so every holder of a handle
// sees the same state as the database.
//
// # Pipelines
//
// Inbound: agent push events are queued per PortalKey, deduplicated by event
// id, and turned into Matrix events sent as the sender's puppet. A Matrix room
// is created on first use.
//
// Outbound: Matrix events delivered by the appservice are queued per room.
// Messages become agent send requests, redactions become revokes, and bodies
// starting with the command prefix go to the command processor.
//
// Message correlation links WeChat message ids with Matrix event ids for
// replies and redactions in both directions. A miss degrades to no reply or
// a no-op, never to an error.
package bridge
