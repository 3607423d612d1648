// ABOUTME: SQLite implementation of the Store interface
// ABOUTME: Pure-Go modernc driver by default, mattn/go-sqlite3 when built with cgo

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Supported driver names
const (
	DriverModernc = "sqlite"
	DriverCgo     = "sqlite3"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the
// pure-Go driver.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return Open(DriverModernc, path)
}

// Open creates a SQLite store with the named driver. The schema is created
// if it doesn't exist and parent directories are created if needed.
func Open(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if !slices.Contains(sql.Drivers(), driver) {
		return nil, fmt.Errorf("database driver %q is not available in this build", driver)
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS user (
			mxid            TEXT PRIMARY KEY,
			uin             TEXT,
			management_room TEXT,
			space_room      TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_user_uin ON user(uin);

		CREATE TABLE IF NOT EXISTS portal (
			uid            TEXT NOT NULL,
			receiver       TEXT NOT NULL,
			mxid           TEXT UNIQUE,
			name           TEXT NOT NULL DEFAULT '',
			name_set       INTEGER NOT NULL DEFAULT 0,
			topic          TEXT NOT NULL DEFAULT '',
			topic_set      INTEGER NOT NULL DEFAULT 0,
			avatar         TEXT NOT NULL DEFAULT '',
			avatar_url     TEXT NOT NULL DEFAULT '',
			avatar_set     INTEGER NOT NULL DEFAULT 0,
			encrypted      INTEGER NOT NULL DEFAULT 0,
			last_sync      INTEGER NOT NULL DEFAULT 0,
			first_event_id TEXT NOT NULL DEFAULT '',
			next_batch_id  TEXT NOT NULL DEFAULT '',

			PRIMARY KEY (uid, receiver)
		);

		CREATE INDEX IF NOT EXISTS idx_portal_receiver ON portal(receiver);

		CREATE TABLE IF NOT EXISTS puppet (
			uin             TEXT PRIMARY KEY,
			avatar          TEXT NOT NULL DEFAULT '',
			avatar_url      TEXT NOT NULL DEFAULT '',
			avatar_set      INTEGER NOT NULL DEFAULT 0,
			displayname     TEXT NOT NULL DEFAULT '',
			name_quality    INTEGER NOT NULL DEFAULT 0,
			name_set        INTEGER NOT NULL DEFAULT 0,
			last_sync       INTEGER NOT NULL DEFAULT 0,
			custom_mxid     TEXT UNIQUE,
			access_token    TEXT NOT NULL DEFAULT '',
			next_batch      TEXT NOT NULL DEFAULT '',
			enable_presence INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE IF NOT EXISTS message (
			chat_uid      TEXT NOT NULL,
			chat_receiver TEXT NOT NULL,
			msg_id        TEXT NOT NULL,
			mxid          TEXT UNIQUE,
			sender        TEXT NOT NULL DEFAULT '',
			timestamp     INTEGER NOT NULL,
			sent          INTEGER NOT NULL DEFAULT 1,
			error         TEXT NOT NULL DEFAULT '',
			type          TEXT NOT NULL DEFAULT '',

			PRIMARY KEY (chat_uid, chat_receiver, msg_id)
		);

		CREATE INDEX IF NOT EXISTS idx_message_msg_id ON message(msg_id, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "puppet",
			column: "enable_presence",
			apply:  `ALTER TABLE puppet ADD COLUMN enable_presence INTEGER NOT NULL DEFAULT 1`,
		},
		{
			table:  "portal",
			column: "next_batch_id",
			apply:  `ALTER TABLE portal ADD COLUMN next_batch_id TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// ---- users ----

const userColumns = `mxid, uin, management_room, space_room`

func scanUser(row rowScanner) (*User, error) {
	var u User
	var uin, mgmt, space sql.NullString
	if err := row.Scan(&u.MXID, &uin, &mgmt, &space); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	u.UIN = uin.String
	u.ManagementRoom = mgmt.String
	u.SpaceRoom = space.String
	return &u, nil
}

// GetUser retrieves a user by Matrix id
func (s *SQLiteStore) GetUser(ctx context.Context, mxid string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM user WHERE mxid = ?`, mxid)
	return scanUser(row)
}

// GetUserByUIN retrieves the user logged in as the given WeChat id
func (s *SQLiteStore) GetUserByUIN(ctx context.Context, uin string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM user WHERE uin = ? LIMIT 1`, uin)
	return scanUser(row)
}

// CreateUser inserts the user if missing and returns the stored row
func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) (*User, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user (`+userColumns+`) VALUES (?, ?, ?, ?)
		ON CONFLICT(mxid) DO NOTHING
	`, u.MXID, nullString(u.UIN), nullString(u.ManagementRoom), nullString(u.SpaceRoom))
	if err != nil {
		return nil, fmt.Errorf("inserting user: %w", err)
	}
	return s.GetUser(ctx, u.MXID)
}

// UpdateUser writes every column of an existing user
func (s *SQLiteStore) UpdateUser(ctx context.Context, u *User) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE user SET uin = ?, management_room = ?, space_room = ? WHERE mxid = ?
	`, nullString(u.UIN), nullString(u.ManagementRoom), nullString(u.SpaceRoom), u.MXID)
	if err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	return expectRow(res)
}

// ListLoggedInUsers returns users with a bound WeChat id
func (s *SQLiteStore) ListLoggedInUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM user WHERE uin IS NOT NULL AND uin != ''`)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ---- portals ----

const portalColumns = `uid, receiver, mxid, name, name_set, topic, topic_set, avatar, avatar_url,
	avatar_set, encrypted, last_sync, first_event_id, next_batch_id`

func scanPortal(row rowScanner) (*Portal, error) {
	var p Portal
	var mxid sql.NullString
	var lastSync int64
	err := row.Scan(
		&p.Key.UID, &p.Key.Receiver, &mxid,
		&p.Name, &p.NameSet, &p.Topic, &p.TopicSet,
		&p.Avatar, &p.AvatarURL, &p.AvatarSet,
		&p.Encrypted, &lastSync, &p.FirstEventID, &p.NextBatchID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning portal: %w", err)
	}
	p.MXID = mxid.String
	p.LastSync = fromMillis(lastSync)
	return &p, nil
}

// GetPortal retrieves a portal by key
func (s *SQLiteStore) GetPortal(ctx context.Context, key PortalKey) (*Portal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+portalColumns+` FROM portal WHERE uid = ? AND receiver = ?`, key.UID, key.Receiver)
	return scanPortal(row)
}

// GetPortalByMXID retrieves a portal by its Matrix room id
func (s *SQLiteStore) GetPortalByMXID(ctx context.Context, mxid string) (*Portal, error) {
	if mxid == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+portalColumns+` FROM portal WHERE mxid = ?`, mxid)
	return scanPortal(row)
}

func portalArgs(p *Portal) []any {
	return []any{
		p.Key.UID, p.Key.Receiver, nullString(p.MXID),
		p.Name, p.NameSet, p.Topic, p.TopicSet,
		p.Avatar, p.AvatarURL, p.AvatarSet,
		p.Encrypted, millis(p.LastSync), p.FirstEventID, p.NextBatchID,
	}
}

// CreatePortal inserts the portal if missing and returns the stored row
func (s *SQLiteStore) CreatePortal(ctx context.Context, p *Portal) (*Portal, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO portal (`+portalColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid, receiver) DO NOTHING
	`, portalArgs(p)...)
	if err != nil {
		return nil, fmt.Errorf("inserting portal: %w", err)
	}
	return s.GetPortal(ctx, p.Key)
}

// UpdatePortal writes every column of an existing portal
func (s *SQLiteStore) UpdatePortal(ctx context.Context, p *Portal) error {
	args := portalArgs(p)
	// key columns move to the WHERE clause
	args = append(args[2:], p.Key.UID, p.Key.Receiver)
	res, err := s.db.ExecContext(ctx, `
		UPDATE portal SET mxid = ?, name = ?, name_set = ?, topic = ?, topic_set = ?,
			avatar = ?, avatar_url = ?, avatar_set = ?, encrypted = ?, last_sync = ?,
			first_event_id = ?, next_batch_id = ?
		WHERE uid = ? AND receiver = ?
	`, args...)
	if err != nil {
		return fmt.Errorf("updating portal: %w", err)
	}
	return expectRow(res)
}

// DeletePortal removes a portal and its message correlation records
func (s *SQLiteStore) DeletePortal(ctx context.Context, key PortalKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM message WHERE chat_uid = ? AND chat_receiver = ?`, key.UID, key.Receiver); err != nil {
		return fmt.Errorf("deleting portal messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM portal WHERE uid = ? AND receiver = ?`, key.UID, key.Receiver)
	if err != nil {
		return fmt.Errorf("deleting portal: %w", err)
	}
	if err := expectRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) queryPortals(ctx context.Context, query string, args ...any) ([]*Portal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying portals: %w", err)
	}
	defer rows.Close()

	var portals []*Portal
	for rows.Next() {
		p, err := scanPortal(rows)
		if err != nil {
			return nil, err
		}
		portals = append(portals, p)
	}
	return portals, rows.Err()
}

// ListPortalsWithRoom returns every portal that has a Matrix room
func (s *SQLiteStore) ListPortalsWithRoom(ctx context.Context) ([]*Portal, error) {
	return s.queryPortals(ctx, `SELECT `+portalColumns+` FROM portal WHERE mxid IS NOT NULL`)
}

// ListPortalsByReceiver returns every portal seen through the given account
func (s *SQLiteStore) ListPortalsByReceiver(ctx context.Context, receiver string) ([]*Portal, error) {
	return s.queryPortals(ctx, `SELECT `+portalColumns+` FROM portal WHERE receiver = ?`, receiver)
}

// ---- puppets ----

const puppetColumns = `uin, avatar, avatar_url, avatar_set, displayname, name_quality, name_set,
	last_sync, custom_mxid, access_token, next_batch, enable_presence`

func scanPuppet(row rowScanner) (*Puppet, error) {
	var p Puppet
	var customMXID sql.NullString
	var lastSync int64
	err := row.Scan(
		&p.UIN, &p.Avatar, &p.AvatarURL, &p.AvatarSet,
		&p.Displayname, &p.NameQuality, &p.NameSet, &lastSync,
		&customMXID, &p.AccessToken, &p.NextBatch, &p.EnablePresence,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning puppet: %w", err)
	}
	p.CustomMXID = customMXID.String
	p.LastSync = fromMillis(lastSync)
	return &p, nil
}

func puppetArgs(p *Puppet) []any {
	return []any{
		p.UIN, p.Avatar, p.AvatarURL, p.AvatarSet,
		p.Displayname, p.NameQuality, p.NameSet, millis(p.LastSync),
		nullString(p.CustomMXID), p.AccessToken, p.NextBatch, p.EnablePresence,
	}
}

// GetPuppet retrieves a puppet by WeChat id
func (s *SQLiteStore) GetPuppet(ctx context.Context, uin string) (*Puppet, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+puppetColumns+` FROM puppet WHERE uin = ?`, uin)
	return scanPuppet(row)
}

// GetPuppetByCustomMXID retrieves the puppet double-puppeted by a Matrix account
func (s *SQLiteStore) GetPuppetByCustomMXID(ctx context.Context, mxid string) (*Puppet, error) {
	if mxid == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+puppetColumns+` FROM puppet WHERE custom_mxid = ?`, mxid)
	return scanPuppet(row)
}

// CreatePuppet inserts the puppet if missing and returns the stored row
func (s *SQLiteStore) CreatePuppet(ctx context.Context, p *Puppet) (*Puppet, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO puppet (`+puppetColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uin) DO NOTHING
	`, puppetArgs(p)...)
	if err != nil {
		return nil, fmt.Errorf("inserting puppet: %w", err)
	}
	return s.GetPuppet(ctx, p.UIN)
}

// UpdatePuppet writes every column of an existing puppet
func (s *SQLiteStore) UpdatePuppet(ctx context.Context, p *Puppet) error {
	args := append(puppetArgs(p)[1:], p.UIN)
	res, err := s.db.ExecContext(ctx, `
		UPDATE puppet SET avatar = ?, avatar_url = ?, avatar_set = ?, displayname = ?,
			name_quality = ?, name_set = ?, last_sync = ?, custom_mxid = ?,
			access_token = ?, next_batch = ?, enable_presence = ?
		WHERE uin = ?
	`, args...)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("updating puppet: custom mxid %q already bound: %w", p.CustomMXID, err)
		}
		return fmt.Errorf("updating puppet: %w", err)
	}
	return expectRow(res)
}

// ListPuppetsWithCustomMXID returns every double-puppeted puppet
func (s *SQLiteStore) ListPuppetsWithCustomMXID(ctx context.Context) ([]*Puppet, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+puppetColumns+` FROM puppet WHERE custom_mxid IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("querying puppets: %w", err)
	}
	defer rows.Close()

	var puppets []*Puppet
	for rows.Next() {
		p, err := scanPuppet(rows)
		if err != nil {
			return nil, err
		}
		puppets = append(puppets, p)
	}
	return puppets, rows.Err()
}

// ---- messages ----

const messageColumns = `chat_uid, chat_receiver, msg_id, mxid, sender, timestamp, sent, error, type`

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var mxid sql.NullString
	var ts int64
	err := row.Scan(&m.Key.UID, &m.Key.Receiver, &m.MsgID, &mxid, &m.Sender, &ts, &m.Sent, &m.Error, &m.Type)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	m.MXID = mxid.String
	m.Timestamp = fromMillis(ts)
	return &m, nil
}

// PutMessage upserts a correlation record keyed by (uid, receiver, msg_id).
// A Matrix event id already bound to another record is released first so the
// newest mapping wins.
func (s *SQLiteStore) PutMessage(ctx context.Context, m *Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if m.MXID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE message SET mxid = NULL
			WHERE mxid = ? AND NOT (chat_uid = ? AND chat_receiver = ? AND msg_id = ?)
		`, m.MXID, m.Key.UID, m.Key.Receiver, m.MsgID); err != nil {
			return fmt.Errorf("releasing event id: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO message (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_uid, chat_receiver, msg_id) DO UPDATE SET
			mxid = excluded.mxid,
			sender = excluded.sender,
			timestamp = excluded.timestamp,
			sent = excluded.sent,
			error = excluded.error,
			type = excluded.type
	`, m.Key.UID, m.Key.Receiver, m.MsgID, nullString(m.MXID), m.Sender, millis(m.Timestamp), m.Sent, m.Error, m.Type)
	if err != nil {
		return fmt.Errorf("upserting message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("saved message", "key", m.Key.String(), "msg_id", m.MsgID, "mxid", m.MXID)
	return nil
}

// GetMessage retrieves a correlation record by conversation and WeChat id
func (s *SQLiteStore) GetMessage(ctx context.Context, key PortalKey, msgID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM message
		WHERE chat_uid = ? AND chat_receiver = ? AND msg_id = ?`, key.UID, key.Receiver, msgID)
	return scanMessage(row)
}

// GetMessageByMXID retrieves a correlation record by Matrix event id
func (s *SQLiteStore) GetMessageByMXID(ctx context.Context, mxid string) (*Message, error) {
	if mxid == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM message WHERE mxid = ?`, mxid)
	return scanMessage(row)
}

// GetMessageByID retrieves the newest correlation record for a WeChat id
func (s *SQLiteStore) GetMessageByID(ctx context.Context, msgID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM message
		WHERE msg_id = ? ORDER BY timestamp DESC LIMIT 1`, msgID)
	return scanMessage(row)
}

// DeleteMessage removes a correlation record
func (s *SQLiteStore) DeleteMessage(ctx context.Context, key PortalKey, msgID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM message WHERE chat_uid = ? AND chat_receiver = ? AND msg_id = ?`,
		key.UID, key.Receiver, msgID)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	return expectRow(res)
}

// expectRow maps a zero-row write to ErrNotFound
func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Compile-time check that SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
