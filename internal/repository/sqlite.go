package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/xiaot623/botconsole/internal/domain"
	"github.com/xiaot623/botconsole/internal/protocol"
)

// DefaultPageSize is used when a bot log query has no max_count.
const DefaultPageSize = 10

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite store. The busy timeout and, for file
// databases, WAL journaling are added to dsn so every pooled connection gets
// them.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	memory := dsn == ":memory:" || strings.Contains(dsn, "mode=memory")

	db, err := sql.Open("sqlite3", withConnParams(dsn, memory))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to an in-memory database is a separate database.
	if memory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// withConnParams appends go-sqlite3 connection parameters that dsn does not
// set already.
func withConnParams(dsn string, memory bool) string {
	params := []string{"_busy_timeout=5000"}
	if !memory {
		params = append(params, "_journal_mode=WAL")
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range params {
		key, _, _ := strings.Cut(p, "=")
		if strings.Contains(dsn, key+"=") {
			continue
		}
		dsn += sep + p
		sep = "&"
	}
	return dsn
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS transcript_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			pipeline_id TEXT NOT NULL,
			session_type TEXT NOT NULL,
			message_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			message_chain TEXT,
			timestamp TEXT,
			is_final INTEGER,
			connection_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transcript_session ON transcript_messages(pipeline_id, session_type, id)`,
		`CREATE TABLE IF NOT EXISTS bot_logs (
			bot_id TEXT NOT NULL,
			seq_id INTEGER NOT NULL,
			level TEXT NOT NULL,
			text TEXT NOT NULL,
			images TEXT,
			message_session_id TEXT,
			timestamp INTEGER NOT NULL,
			PRIMARY KEY (bot_id, seq_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bot_logs_level ON bot_logs(bot_id, level, seq_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	// Transcripts written before connection ids were recorded.
	return s.ensureColumn("transcript_messages", "connection_id", "ALTER TABLE transcript_messages ADD COLUMN connection_id TEXT")
}

func (s *SQLiteStore) ensureColumn(tableName, columnName, ddl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(ddl)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetSetting returns a setting value, or "" when it is not set.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetSetting stores a setting value.
func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now())
	return err
}

// DeleteSetting removes a setting. Removing a missing key is not an error.
func (s *SQLiteStore) DeleteSetting(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	return err
}

// Token returns the stored API token.
func (s *SQLiteStore) Token(ctx context.Context) (string, error) {
	return s.GetSetting(ctx, domain.SettingToken)
}

// ClearToken removes the stored API token.
func (s *SQLiteStore) ClearToken(ctx context.Context) error {
	return s.DeleteSetting(ctx, domain.SettingToken)
}

// AppendTranscript appends one message to a debug chat transcript.
func (s *SQLiteStore) AppendTranscript(ctx context.Context, pipelineID string, sessionType domain.SessionType, msg protocol.Message) error {
	chain, err := json.Marshal(msg.MessageChain)
	if err != nil {
		return fmt.Errorf("failed to marshal message chain: %w", err)
	}
	var isFinal sql.NullBool
	if msg.IsFinal != nil {
		isFinal = sql.NullBool{Bool: *msg.IsFinal, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO transcript_messages (pipeline_id, session_type, message_id, role, content, message_chain, timestamp, is_final, connection_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pipelineID, string(sessionType), msg.ID, string(msg.Role), msg.Content, string(chain), msg.Timestamp, isFinal, msg.ConnectionID)
	return err
}

// ListTranscript returns the last limit messages of a transcript, oldest
// first. A non-positive limit returns the whole transcript.
func (s *SQLiteStore) ListTranscript(ctx context.Context, pipelineID string, sessionType domain.SessionType, limit int) ([]protocol.Message, error) {
	query := `SELECT message_id, role, content, message_chain, timestamp, is_final, connection_id
		FROM transcript_messages WHERE pipeline_id = ? AND session_type = ? ORDER BY id DESC`
	args := []interface{}{pipelineID, string(sessionType)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []protocol.Message
	for rows.Next() {
		var msg protocol.Message
		var role string
		var chain, timestamp, connectionID sql.NullString
		var isFinal sql.NullBool
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &chain, &timestamp, &isFinal, &connectionID); err != nil {
			return nil, err
		}
		msg.Role = domain.Role(role)
		if chain.Valid && chain.String != "" && chain.String != "null" {
			if err := json.Unmarshal([]byte(chain.String), &msg.MessageChain); err != nil {
				return nil, fmt.Errorf("failed to decode message chain: %w", err)
			}
		}
		msg.Timestamp = timestamp.String
		msg.ConnectionID = connectionID.String
		if isFinal.Valid {
			msg.IsFinal = protocol.Bool(isFinal.Bool)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.Reverse(messages)
	return messages, nil
}

// AppendBotLog stores log under the next seq_id of botID, starting at 0, and
// sets log.SeqID. A zero Timestamp is filled with the current time.
func (s *SQLiteStore) AppendBotLog(ctx context.Context, botID string, log *domain.BotLog) error {
	if log.Timestamp == 0 {
		log.Timestamp = s.now().Unix()
	}
	images, err := json.Marshal(log.Images)
	if err != nil {
		return fmt.Errorf("failed to marshal images: %w", err)
	}

	var seq int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO bot_logs (bot_id, seq_id, level, text, images, message_session_id, timestamp)
		SELECT ?, COALESCE(MAX(seq_id) + 1, 0), ?, ?, ?, ?, ? FROM bot_logs WHERE bot_id = ?
		RETURNING seq_id`,
		botID, string(log.Level), log.Text, string(images), log.MessageSessionID, log.Timestamp, botID).Scan(&seq)
	if err != nil {
		return err
	}
	log.SeqID = seq
	return nil
}

// ListBotLogs returns one page of logs, newest first. FromIndex -1 starts at
// the newest entry; otherwise only entries with seq_id <= FromIndex are
// returned. TotalCount counts every entry of the bot matching the levels.
func (s *SQLiteStore) ListBotLogs(ctx context.Context, botID string, q domain.BotLogQuery) (*domain.BotLogPage, error) {
	where := ` WHERE bot_id = ?`
	args := []interface{}{botID}
	if len(q.Levels) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(q.Levels)), ",")
		where += fmt.Sprintf(` AND level IN (%s)`, placeholders)
		for _, l := range q.Levels {
			args = append(args, string(l))
		}
	}

	page := &domain.BotLogPage{Logs: []domain.BotLog{}}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bot_logs`+where, args...).Scan(&page.TotalCount); err != nil {
		return nil, err
	}

	query := `SELECT seq_id, level, text, images, message_session_id, timestamp FROM bot_logs` + where
	if q.FromIndex >= 0 {
		query += ` AND seq_id <= ?`
		args = append(args, q.FromIndex)
	}
	limit := q.MaxCount
	if limit <= 0 {
		limit = DefaultPageSize
	}
	query += ` ORDER BY seq_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var l domain.BotLog
		var level string
		var images, sessionID sql.NullString
		if err := rows.Scan(&l.SeqID, &level, &l.Text, &images, &sessionID, &l.Timestamp); err != nil {
			return nil, err
		}
		l.Level = domain.Level(level)
		l.MessageSessionID = sessionID.String
		if images.Valid && images.String != "" && images.String != "null" {
			if err := json.Unmarshal([]byte(images.String), &l.Images); err != nil {
				return nil, fmt.Errorf("failed to decode images: %w", err)
			}
		}
		page.Logs = append(page.Logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return page, nil
}
