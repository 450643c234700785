// Package store provides storage backends for CareLoop.
//
// This file implements an SQLite-backed store for sessions, check-ins,
// and conversation history.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/CareLoop/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given options.
// The DSN should be a file path to the SQLite database file; the parent
// directory is created if missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveUserSession(session models.UserSession) error {
	pendingJSON, err := encodePendingCheckin(session.PendingCheckin)
	if err != nil {
		slog.Error("SQLiteStore SaveUserSession encode failed", "error", err, "userID", session.ID)
		return err
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO user_sessions (
			id, username, display_name, gender, age, about,
			awaiting, focus, session_goal, last_outcome, chat_ready,
			distress_streak, last_distress_at, last_support_offer_at,
			last_message_at, last_checkin_prompt_at,
			summary, messages_since_summary, last_summary_at,
			pending_checkin, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Username, session.DisplayName, session.Gender, session.Age, session.About,
		string(session.Awaiting), session.Focus, session.SessionGoal, session.LastOutcome, session.ChatReady,
		session.DistressStreak, session.LastDistressAt, session.LastSupportOfferAt,
		session.LastMessageAt, session.LastCheckinPromptAt,
		session.Summary, session.MessagesSinceSummary, session.LastSummaryAt,
		pendingJSON, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveUserSession failed", "error", err, "userID", session.ID)
		return fmt.Errorf("failed to save session for %d: %w", session.ID, err)
	}
	slog.Debug("SQLiteStore SaveUserSession succeeded", "userID", session.ID)
	return nil
}

func (s *SQLiteStore) GetUserSession(userID int64) (*models.UserSession, error) {
	row := s.db.QueryRow(`
		SELECT id, username, display_name, gender, age, about,
		       awaiting, focus, session_goal, last_outcome, chat_ready,
		       distress_streak, last_distress_at, last_support_offer_at,
		       last_message_at, last_checkin_prompt_at,
		       summary, messages_since_summary, last_summary_at,
		       pending_checkin, created_at, updated_at
		FROM user_sessions WHERE id = ?`, userID)

	session, err := scanUserSession(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetUserSession not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetUserSession failed", "error", err, "userID", userID)
		return nil, err
	}
	return session, nil
}

func (s *SQLiteStore) DeleteUserData(userID int64) error {
	// Cascade by hand; SQLite foreign keys are not assumed to be on.
	for _, query := range []string{
		`DELETE FROM chat_messages WHERE user_id = ?`,
		`DELETE FROM checkins WHERE user_id = ?`,
		`DELETE FROM user_sessions WHERE id = ?`,
	} {
		if _, err := s.db.Exec(query, userID); err != nil {
			slog.Error("SQLiteStore DeleteUserData failed", "error", err, "userID", userID)
			return fmt.Errorf("failed to delete data for %d: %w", userID, err)
		}
	}
	slog.Debug("SQLiteStore DeleteUserData succeeded", "userID", userID)
	return nil
}

func (s *SQLiteStore) AddCheckin(record models.CheckinRecord) error {
	_, err := s.db.Exec(`INSERT INTO checkins (id, user_id, mood, anxiety, energy, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		record.ID, record.UserID, record.Mood, record.Anxiety, record.Energy, record.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AddCheckin failed", "error", err, "userID", record.UserID)
		return fmt.Errorf("failed to insert checkin for %d: %w", record.UserID, err)
	}
	slog.Debug("SQLiteStore AddCheckin succeeded", "userID", record.UserID)
	return nil
}

func (s *SQLiteStore) LastCheckin(userID int64) (*models.CheckinRecord, error) {
	row := s.db.QueryRow(`SELECT id, user_id, mood, anxiety, energy, created_at FROM checkins
		WHERE user_id = ? ORDER BY created_at DESC LIMIT 1`, userID)
	var r models.CheckinRecord
	err := row.Scan(&r.ID, &r.UserID, &r.Mood, &r.Anxiety, &r.Energy, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore LastCheckin failed", "error", err, "userID", userID)
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteStore) ListCheckins(userID int64) ([]models.CheckinRecord, error) {
	rows, err := s.db.Query(`SELECT id, user_id, mood, anxiety, energy, created_at FROM checkins
		WHERE user_id = ? ORDER BY created_at ASC`, userID)
	if err != nil {
		slog.Error("SQLiteStore ListCheckins query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query checkins: %w", err)
	}
	defer rows.Close()

	var records []models.CheckinRecord
	for rows.Next() {
		var r models.CheckinRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.Mood, &r.Anxiety, &r.Energy, &r.CreatedAt); err != nil {
			slog.Error("SQLiteStore ListCheckins scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan checkin row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkin rows: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) AddMessage(msg models.ChatMessage) error {
	_, err := s.db.Exec(`INSERT INTO chat_messages (user_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		msg.UserID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AddMessage failed", "error", err, "userID", msg.UserID)
		return fmt.Errorf("failed to insert message for %d: %w", msg.UserID, err)
	}
	return nil
}

func (s *SQLiteStore) LastMessages(userID int64, n int) ([]models.ChatMessage, error) {
	rows, err := s.db.Query(`SELECT user_id, role, content, created_at FROM (
			SELECT id, user_id, role, content, created_at FROM chat_messages
			WHERE user_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, userID, n)
	if err != nil {
		slog.Error("SQLiteStore LastMessages query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.UserID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			slog.Error("SQLiteStore LastMessages scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return messages, nil
}

func (s *SQLiteStore) AllSessions() ([]models.UserSession, error) {
	rows, err := s.db.Query(`
		SELECT id, username, display_name, gender, age, about,
		       awaiting, focus, session_goal, last_outcome, chat_ready,
		       distress_streak, last_distress_at, last_support_offer_at,
		       last_message_at, last_checkin_prompt_at,
		       summary, messages_since_summary, last_summary_at,
		       pending_checkin, created_at, updated_at
		FROM user_sessions ORDER BY id ASC`)
	if err != nil {
		slog.Error("SQLiteStore AllSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.UserSession
	for rows.Next() {
		session, err := scanUserSessionRows(rows)
		if err != nil {
			slog.Error("SQLiteStore AllSessions scan failed", "error", err)
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return sessions, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
