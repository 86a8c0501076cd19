package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/xiaot623/gogo/switchboard/internal/domain"
)

// dialect captures the few differences between the SQL backends.
type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore implements Store on database/sql. Timestamps are stored as unix
// milliseconds so range predicates compare integers on every backend.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	onClose func()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		name TEXT NOT NULL,
		provider TEXT NOT NULL,
		status TEXT NOT NULL,
		credentials TEXT NOT NULL DEFAULT '',
		webhook_url TEXT NOT NULL DEFAULT '',
		auto_pause_on_human_reply BOOLEAN NOT NULL DEFAULT TRUE,
		auto_pause_duration_hours INTEGER NOT NULL DEFAULT 24,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_connections_org ON connections(organization_id)`,
	`CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		phone_number TEXT NOT NULL DEFAULT '',
		external_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		bypass_bots BOOLEAN NOT NULL DEFAULT FALSE,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_contacts_phone ON contacts(organization_id, phone_number)`,
	`CREATE INDEX IF NOT EXISTS idx_contacts_external ON contacts(organization_id, external_id)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		contact_id TEXT NOT NULL REFERENCES contacts(id),
		connection_id TEXT NOT NULL REFERENCES connections(id),
		status TEXT NOT NULL,
		ai_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		ai_blocked_until BIGINT,
		ai_block_reason TEXT NOT NULL DEFAULT '',
		paused_until BIGINT,
		closed_at BIGINT,
		end_reason TEXT NOT NULL DEFAULT '',
		last_message_at BIGINT,
		window_expires_at BIGINT,
		tags TEXT NOT NULL DEFAULT '[]',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	// At most one open session per contact and connection.
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_sessions_open ON sessions(contact_id, connection_id) WHERE status <> 'CLOSED'`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_pair ON sessions(contact_id, connection_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_org ON sessions(organization_id, updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, last_message_at)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		contact_id TEXT NOT NULL,
		connection_id TEXT NOT NULL,
		correlation_id TEXT NOT NULL,
		external_id TEXT NOT NULL DEFAULT '',
		direction TEXT NOT NULL,
		author TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		status TEXT NOT NULL,
		media_url TEXT NOT NULL DEFAULT '',
		caption TEXT NOT NULL DEFAULT '',
		file_name TEXT NOT NULL DEFAULT '',
		interactive_data TEXT,
		error TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		sent_at BIGINT,
		delivered_at BIGINT,
		read_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_external ON messages(connection_id, external_id)`,
	`CREATE TABLE IF NOT EXISTS organization_settings (
		organization_id TEXT PRIMARY KEY,
		session_timeout_hours INTEGER NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	err := s.db.Close()
	if s.onClose != nil {
		s.onClose()
	}
	return err
}

// rebind rewrites ? placeholders into the backend's native form.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *SQLStore) execAffected(ctx context.Context, query string, args ...interface{}) (bool, error) {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func isDuplicate(err error) bool {
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func wrapInsert(err error) error {
	if err != nil && isDuplicate(err) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// Connection operations

const connectionColumns = `id, organization_id, name, provider, status, credentials, webhook_url,
	auto_pause_on_human_reply, auto_pause_duration_hours, created_at, updated_at`

// CreateConnection inserts a connection.
func (s *SQLStore) CreateConnection(ctx context.Context, c *domain.Connection) error {
	_, err := s.exec(ctx,
		`INSERT INTO connections (`+connectionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OrganizationID, c.Name, c.Provider, c.Status, c.Credentials, c.WebhookURL,
		c.AutoPauseOnHumanReply, c.AutoPauseDurationHours, millis(c.CreatedAt), millis(c.UpdatedAt))
	return wrapInsert(err)
}

// GetConnection retrieves a connection by ID.
func (s *SQLStore) GetConnection(ctx context.Context, id string) (*domain.Connection, error) {
	var c domain.Connection
	var created, updated int64
	err := s.queryRow(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id).Scan(
		&c.ID, &c.OrganizationID, &c.Name, &c.Provider, &c.Status, &c.Credentials, &c.WebhookURL,
		&c.AutoPauseOnHumanReply, &c.AutoPauseDurationHours, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}

// UpdateConnectionStatus sets the connection status.
func (s *SQLStore) UpdateConnectionStatus(ctx context.Context, id string, status domain.ConnectionStatus, at time.Time) (bool, error) {
	return s.execAffected(ctx, `UPDATE connections SET status = ?, updated_at = ? WHERE id = ?`, status, millis(at), id)
}

// Contact operations

const contactColumns = `id, organization_id, phone_number, external_id, name, bypass_bots, created_at`

// CreateContact inserts a contact.
func (s *SQLStore) CreateContact(ctx context.Context, c *domain.Contact) error {
	_, err := s.exec(ctx,
		`INSERT INTO contacts (`+contactColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OrganizationID, c.PhoneNumber, c.ExternalID, c.Name, c.BypassBots, millis(c.CreatedAt))
	return wrapInsert(err)
}

func scanContact(row scanner) (*domain.Contact, error) {
	var c domain.Contact
	var created int64
	err := row.Scan(&c.ID, &c.OrganizationID, &c.PhoneNumber, &c.ExternalID, &c.Name, &c.BypassBots, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = fromMillis(created)
	return &c, nil
}

// GetContact retrieves a contact by ID.
func (s *SQLStore) GetContact(ctx context.Context, id string) (*domain.Contact, error) {
	return scanContact(s.queryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id))
}

// FindContact looks a contact up by phone number or transport chat id.
func (s *SQLStore) FindContact(ctx context.Context, organizationID, address string) (*domain.Contact, error) {
	if address == "" {
		return nil, nil
	}
	return scanContact(s.queryRow(ctx,
		`SELECT `+contactColumns+` FROM contacts
		WHERE organization_id = ? AND (phone_number = ? OR external_id = ?)
		ORDER BY created_at ASC LIMIT 1`,
		organizationID, address, address))
}

// SetContactBypassBots sets whether automated replies skip the contact.
func (s *SQLStore) SetContactBypassBots(ctx context.Context, id string, bypass bool) (bool, error) {
	return s.execAffected(ctx, `UPDATE contacts SET bypass_bots = ? WHERE id = ?`, bypass, id)
}

// Organization settings

// SetSessionTimeout stores the inactivity timeout of an organization.
func (s *SQLStore) SetSessionTimeout(ctx context.Context, organizationID string, hours int, at time.Time) error {
	_, err := s.exec(ctx,
		`INSERT INTO organization_settings (organization_id, session_timeout_hours, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (organization_id) DO UPDATE SET session_timeout_hours = excluded.session_timeout_hours,
		updated_at = excluded.updated_at`,
		organizationID, hours, millis(at))
	return err
}

// GetSessionTimeout returns the inactivity timeout of an organization, or 0
// when it uses the default.
func (s *SQLStore) GetSessionTimeout(ctx context.Context, organizationID string) (int, error) {
	var hours int
	err := s.queryRow(ctx,
		`SELECT session_timeout_hours FROM organization_settings WHERE organization_id = ?`, organizationID).Scan(&hours)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return hours, err
}

// Session operations

const sessionColumns = `id, organization_id, contact_id, connection_id, status, ai_enabled, ai_blocked_until,
	ai_block_reason, paused_until, closed_at, end_reason, last_message_at, window_expires_at, tags,
	created_at, updated_at`

// CreateSession inserts a session. A second open session for the same pair
// fails with ErrDuplicate.
func (s *SQLStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	tags, err := json.Marshal(normalizeTags(sess.Tags))
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.OrganizationID, sess.ContactID, sess.ConnectionID, sess.Status, sess.AIEnabled,
		nullMillis(sess.AIBlockedUntil), sess.AIBlockReason, nullMillis(sess.PausedUntil),
		nullMillis(sess.ClosedAt), sess.EndReason, nullMillis(sess.LastMessageAt),
		nullMillis(sess.WindowExpiresAt), string(tags), millis(sess.CreatedAt), millis(sess.UpdatedAt))
	return wrapInsert(err)
}

func scanSession(row scanner) (*domain.Session, error) {
	var sess domain.Session
	var blockedUntil, pausedUntil, closedAt, lastMessageAt, windowExpiresAt sql.NullInt64
	var tags string
	var created, updated int64
	err := row.Scan(&sess.ID, &sess.OrganizationID, &sess.ContactID, &sess.ConnectionID, &sess.Status,
		&sess.AIEnabled, &blockedUntil, &sess.AIBlockReason, &pausedUntil, &closedAt, &sess.EndReason,
		&lastMessageAt, &windowExpiresAt, &tags, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.AIBlockedUntil = timePtr(blockedUntil)
	sess.PausedUntil = timePtr(pausedUntil)
	sess.ClosedAt = timePtr(closedAt)
	sess.LastMessageAt = timePtr(lastMessageAt)
	sess.WindowExpiresAt = timePtr(windowExpiresAt)
	sess.CreatedAt = fromMillis(created)
	sess.UpdatedAt = fromMillis(updated)
	if err := json.Unmarshal([]byte(tags), &sess.Tags); err != nil {
		return nil, fmt.Errorf("decode tags of session %s: %w", sess.ID, err)
	}
	sess.Tags = normalizeTags(sess.Tags)
	return &sess, nil
}

func (s *SQLStore) listSessions(ctx context.Context, query string, args ...interface{}) ([]domain.Session, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// GetSession retrieves a session by ID.
func (s *SQLStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	return scanSession(s.queryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
}

// FindOpenSession returns the non-closed session of a pair, if any.
func (s *SQLStore) FindOpenSession(ctx context.Context, contactID, connectionID string) (*domain.Session, error) {
	return scanSession(s.queryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE contact_id = ? AND connection_id = ? AND status <> ?
		ORDER BY created_at DESC LIMIT 1`,
		contactID, connectionID, domain.SessionStatusClosed))
}

// FindLatestSession returns the most recently created session of a pair.
func (s *SQLStore) FindLatestSession(ctx context.Context, contactID, connectionID string) (*domain.Session, error) {
	return scanSession(s.queryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE contact_id = ? AND connection_id = ?
		ORDER BY created_at DESC LIMIT 1`,
		contactID, connectionID))
}

// ListSessions returns one page of sessions, most recently updated first,
// and the total count matching the filter.
func (s *SQLStore) ListSessions(ctx context.Context, f domain.SessionFilter) ([]domain.Session, int, error) {
	var conds []string
	var args []interface{}
	if f.OrganizationID != "" {
		conds = append(conds, "organization_id = ?")
		args = append(args, f.OrganizationID)
	}
	if f.ConnectionID != "" {
		conds = append(conds, "connection_id = ?")
		args = append(args, f.ConnectionID)
	}
	if f.ContactID != "" {
		conds = append(conds, "contact_id = ?")
		args = append(args, f.ContactID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM sessions`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	page, limit := domain.Normalize(f.Page, f.Limit)
	args = append(args, limit, (page-1)*limit)
	sessions, err := s.listSessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions`+where+` ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

// TransitionSession writes upd only if the session still holds status from.
func (s *SQLStore) TransitionSession(ctx context.Context, id string, from domain.SessionStatus, upd domain.SessionUpdate) (bool, error) {
	ok, err := s.execAffected(ctx,
		`UPDATE sessions SET status = ?, closed_at = ?, end_reason = ?, paused_until = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		upd.Status, nullMillis(upd.ClosedAt), upd.EndReason, nullMillis(upd.PausedUntil), millis(upd.UpdatedAt),
		id, from)
	if err != nil && isDuplicate(err) {
		return false, fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return ok, err
}

// SetAIBlock overwrites the AI block window. A nil until clears it.
func (s *SQLStore) SetAIBlock(ctx context.Context, id string, until *time.Time, reason string, at time.Time) (bool, error) {
	return s.execAffected(ctx,
		`UPDATE sessions SET ai_blocked_until = ?, ai_block_reason = ?, updated_at = ? WHERE id = ?`,
		nullMillis(until), reason, millis(at), id)
}

// SetSessionTags replaces the tag set.
func (s *SQLStore) SetSessionTags(ctx context.Context, id string, tags []string, at time.Time) (bool, error) {
	data, err := json.Marshal(normalizeTags(tags))
	if err != nil {
		return false, err
	}
	return s.execAffected(ctx, `UPDATE sessions SET tags = ?, updated_at = ? WHERE id = ?`, string(data), millis(at), id)
}

// TouchSession records message activity. A nil windowExpiresAt keeps the
// current reply window.
func (s *SQLStore) TouchSession(ctx context.Context, id string, lastMessageAt time.Time, windowExpiresAt *time.Time) error {
	_, err := s.exec(ctx,
		`UPDATE sessions SET last_message_at = ?, window_expires_at = COALESCE(?, window_expires_at), updated_at = ?
		WHERE id = ?`,
		millis(lastMessageAt), nullMillis(windowExpiresAt), millis(lastMessageAt), id)
	return err
}

// ListInactiveSessions returns queued or active sessions idle for longer than
// their organization's timeout at now. Organizations without an override use
// defaultTimeout.
func (s *SQLStore) ListInactiveSessions(ctx context.Context, now time.Time, defaultTimeout time.Duration, limit int) ([]domain.Session, error) {
	return s.listSessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE status IN (?, ?) AND COALESCE(last_message_at, created_at) < CAST(? AS BIGINT) - COALESCE(
			(SELECT CAST(o.session_timeout_hours AS BIGINT) * 3600000 FROM organization_settings o
			WHERE o.organization_id = sessions.organization_id), CAST(? AS BIGINT))
		ORDER BY COALESCE(last_message_at, created_at) ASC LIMIT ?`,
		domain.SessionStatusQueued, domain.SessionStatusActive, millis(now), defaultTimeout.Milliseconds(), limit)
}

// ListExpiredPausedSessions returns paused sessions whose pause has ended.
func (s *SQLStore) ListExpiredPausedSessions(ctx context.Context, now time.Time, limit int) ([]domain.Session, error) {
	return s.listSessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE status = ? AND paused_until IS NOT NULL AND paused_until <= ?
		ORDER BY paused_until ASC LIMIT ?`,
		domain.SessionStatusPaused, millis(now), limit)
}

func normalizeTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

// Message operations

const messageColumns = `id, session_id, contact_id, connection_id, correlation_id, external_id, direction,
	author, type, content, status, media_url, caption, file_name, interactive_data, error,
	created_at, updated_at, sent_at, delivered_at, read_at`

// CreateMessage inserts a message.
func (s *SQLStore) CreateMessage(ctx context.Context, m *domain.Message) error {
	var interactive sql.NullString
	if len(m.InteractiveData) > 0 {
		interactive = sql.NullString{String: string(m.InteractiveData), Valid: true}
	}
	_, err := s.exec(ctx,
		`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.ContactID, m.ConnectionID, m.CorrelationID, m.ExternalID, m.Direction,
		m.Author, m.Type, m.Content, m.Status, m.MediaURL, m.Caption, m.FileName, interactive, m.Error,
		millis(m.CreatedAt), millis(m.UpdatedAt), nullMillis(m.SentAt), nullMillis(m.DeliveredAt), nullMillis(m.ReadAt))
	return wrapInsert(err)
}

func scanMessage(row scanner) (*domain.Message, error) {
	var m domain.Message
	var interactive sql.NullString
	var created, updated int64
	var sentAt, deliveredAt, readAt sql.NullInt64
	err := row.Scan(&m.ID, &m.SessionID, &m.ContactID, &m.ConnectionID, &m.CorrelationID, &m.ExternalID,
		&m.Direction, &m.Author, &m.Type, &m.Content, &m.Status, &m.MediaURL, &m.Caption, &m.FileName,
		&interactive, &m.Error, &created, &updated, &sentAt, &deliveredAt, &readAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if interactive.Valid {
		m.InteractiveData = json.RawMessage(interactive.String)
	}
	m.CreatedAt = fromMillis(created)
	m.UpdatedAt = fromMillis(updated)
	m.SentAt = timePtr(sentAt)
	m.DeliveredAt = timePtr(deliveredAt)
	m.ReadAt = timePtr(readAt)
	return &m, nil
}

// GetMessage retrieves a message by ID.
func (s *SQLStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	return scanMessage(s.queryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
}

// GetMessageByExternalID retrieves a message by its provider id.
func (s *SQLStore) GetMessageByExternalID(ctx context.Context, connectionID, externalID string) (*domain.Message, error) {
	if externalID == "" {
		return nil, nil
	}
	return scanMessage(s.queryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE connection_id = ? AND external_id = ?
		ORDER BY created_at DESC LIMIT 1`,
		connectionID, externalID))
}

// ListMessages returns one page of messages, newest first, and the total
// count matching the filter.
func (s *SQLStore) ListMessages(ctx context.Context, f domain.MessageFilter) ([]domain.Message, int, error) {
	var conds []string
	var args []interface{}
	if f.OrganizationID != "" {
		conds = append(conds, "session_id IN (SELECT id FROM sessions WHERE organization_id = ?)")
		args = append(args, f.OrganizationID)
	}
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.ContactID != "" {
		conds = append(conds, "contact_id = ?")
		args = append(args, f.ContactID)
	}
	if f.Direction != "" {
		conds = append(conds, "direction = ?")
		args = append(args, f.Direction)
	}
	if f.Author != "" {
		conds = append(conds, "author = ?")
		args = append(args, f.Author)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM messages`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page, limit := domain.Normalize(f.Page, f.Limit)
	args = append(args, limit, (page-1)*limit)
	rows, err := s.query(ctx,
		`SELECT `+messageColumns+` FROM messages`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return messages, total, nil
}

// statusTimeColumn is the timestamp stamped when a message reaches a status.
var statusTimeColumn = map[domain.MessageStatus]string{
	domain.MessageStatusSent:      "sent_at",
	domain.MessageStatusDelivered: "delivered_at",
	domain.MessageStatusRead:      "read_at",
}

// UpdateMessageStatus moves a message to upd.Status only if it currently
// holds one of the from statuses. An empty upd.ExternalID keeps the stored one.
func (s *SQLStore) UpdateMessageStatus(ctx context.Context, id string, from []domain.MessageStatus, upd domain.MessageUpdate) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	set := "status = ?, external_id = CASE WHEN ? = '' THEN external_id ELSE ? END, error = ?, updated_at = ?"
	args := []interface{}{upd.Status, upd.ExternalID, upd.ExternalID, upd.Error, millis(upd.At)}
	if col, ok := statusTimeColumn[upd.Status]; ok {
		set += ", " + col + " = ?"
		args = append(args, millis(upd.At))
	}
	placeholders := make([]string, len(from))
	args = append(args, id)
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, st)
	}
	return s.execAffected(ctx,
		`UPDATE messages SET `+set+` WHERE id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)`,
		args...)
}

// RedactMessage replaces the content and clears attached media.
func (s *SQLStore) RedactMessage(ctx context.Context, id, content string, at time.Time) (bool, error) {
	return s.execAffected(ctx,
		`UPDATE messages SET content = ?, media_url = '', caption = '', file_name = '', interactive_data = NULL, updated_at = ?
		WHERE id = ?`,
		content, millis(at), id)
}
