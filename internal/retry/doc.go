// Package retry provides the scheduling policy used when talking to the
// WeChat agent: backoff strategies, a reconnection state tracker, and a
// retry loop for operations that fail with retryable errors.
//
// # Backoff
//
// Two strategies share one Config:
//
//   - Exponential: delay is multiplied after each attempt, capped at MaxDelay
//   - Fixed: every attempt waits InitialDelay
//
// Exponential delays receive up to ±10% jitter when Config.Jitter is set.
// Both strategies stop after MaxRetries attempts.
//
// # Reconnection
//
// Manager tracks the connection state of a long-lived link
// (Disconnected, Connected, Reconnecting, Failed) and hands out reconnect
// delays from an exponential backoff that is reset on success.
//
// # Retry loop
//
// Do and DoValue rerun an operation while it fails with an error that
// reports itself as retryable (see Retryable) and the backoff allows.
package retry
