// Package provisioning serves the bridge's provisioning API.
//
// Integration managers and scripts use it to log users in and to create or
// remove portals without talking to the bot. Every route lives under the
// configured prefix (default /_matrix/provision/v1):
//
//	GET    /ping              login state of the caller
//	POST   /login             start a WeChat login
//	POST   /logout            end the WeChat session
//	GET    /rooms             portals the caller has joined
//	POST   /bridge            {"chat_id": "..."} create a portal room
//	GET    /bridge/{roomId}   portal bridged to a room
//	DELETE /bridge/{roomId}   unbridge a room
//
// # Authentication
//
// Callers send "Authorization: Bearer <jwt>". The token is an HS256 JWT
// signed with the provisioning shared secret whose "sub" claim is the Matrix
// user id acting. Trusted callers may instead send the shared secret itself
// together with a user_id query parameter.
package provisioning
