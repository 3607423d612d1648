// Package store provides persistent storage for the bridge.
//
// # Architecture
//
// Store is the only persistence capability the bridge depends on. Two
// implementations exist:
//
//   - SQLiteStore: database/sql over modernc.org/sqlite (driver "sqlite"), or
//     github.com/mattn/go-sqlite3 (driver "sqlite3") in cgo builds
//   - MockStore: in-memory maps for tests
//
// # Data Models
//
//   - User: a Matrix account, its bound WeChat id, management and space rooms
//   - Portal: a WeChat conversation keyed by (uid, receiver) and its Matrix room
//   - Puppet: a WeChat contact and its Matrix ghost, with optional double
//     puppeting credentials
//   - Message: the correlation between a WeChat message id and a Matrix event id
//
// # Creation
//
// CreateUser, CreatePortal and CreatePuppet insert the row if it is missing
// and always return what is stored afterwards. Two concurrent creators of the
// same key therefore end up with one row and the same values.
//
// # Message correlation
//
// PutMessage is an upsert keyed by (uid, receiver, msg_id); writing the same
// WeChat message twice overwrites the earlier Matrix event id. Records can be
// looked up by that key, by Matrix event id, or by WeChat message id alone.
//
// # Schema
//
//	user    (mxid PK, uin, management_room, space_room)
//	portal  (uid, receiver PK; mxid UNIQUE, name, name_set, topic, topic_set,
//	         avatar, avatar_url, avatar_set, encrypted, last_sync,
//	         first_event_id, next_batch_id)
//	puppet  (uin PK, avatar, avatar_url, avatar_set, displayname, name_quality,
//	         name_set, last_sync, custom_mxid, access_token, next_batch,
//	         enable_presence)
//	message (chat_uid, chat_receiver, msg_id PK; mxid UNIQUE, sender,
//	         timestamp, sent, error, type)
//
// Timestamps are stored as unix milliseconds. Empty room and event ids are
// stored as NULL so unique indexes ignore them.
package store
