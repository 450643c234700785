// Package store provides storage backends for CareLoop.
//
// This file implements a PostgreSQL-backed store for sessions, check-ins,
// and conversation history.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/CareLoop/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveUserSession(session models.UserSession) error {
	pendingJSON, err := encodePendingCheckin(session.PendingCheckin)
	if err != nil {
		slog.Error("PostgresStore SaveUserSession encode failed", "error", err, "userID", session.ID)
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO user_sessions (
			id, username, display_name, gender, age, about,
			awaiting, focus, session_goal, last_outcome, chat_ready,
			distress_streak, last_distress_at, last_support_offer_at,
			last_message_at, last_checkin_prompt_at,
			summary, messages_since_summary, last_summary_at,
			pending_checkin, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			display_name = EXCLUDED.display_name,
			gender = EXCLUDED.gender,
			age = EXCLUDED.age,
			about = EXCLUDED.about,
			awaiting = EXCLUDED.awaiting,
			focus = EXCLUDED.focus,
			session_goal = EXCLUDED.session_goal,
			last_outcome = EXCLUDED.last_outcome,
			chat_ready = EXCLUDED.chat_ready,
			distress_streak = EXCLUDED.distress_streak,
			last_distress_at = EXCLUDED.last_distress_at,
			last_support_offer_at = EXCLUDED.last_support_offer_at,
			last_message_at = EXCLUDED.last_message_at,
			last_checkin_prompt_at = EXCLUDED.last_checkin_prompt_at,
			summary = EXCLUDED.summary,
			messages_since_summary = EXCLUDED.messages_since_summary,
			last_summary_at = EXCLUDED.last_summary_at,
			pending_checkin = EXCLUDED.pending_checkin,
			updated_at = EXCLUDED.updated_at`,
		session.ID, session.Username, session.DisplayName, session.Gender, session.Age, session.About,
		string(session.Awaiting), session.Focus, session.SessionGoal, session.LastOutcome, session.ChatReady,
		session.DistressStreak, session.LastDistressAt, session.LastSupportOfferAt,
		session.LastMessageAt, session.LastCheckinPromptAt,
		session.Summary, session.MessagesSinceSummary, session.LastSummaryAt,
		pendingJSON, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveUserSession failed", "error", err, "userID", session.ID)
		return fmt.Errorf("failed to save session for %d: %w", session.ID, err)
	}
	slog.Debug("PostgresStore SaveUserSession succeeded", "userID", session.ID)
	return nil
}

func (s *PostgresStore) GetUserSession(userID int64) (*models.UserSession, error) {
	row := s.db.QueryRow(`
		SELECT id, username, display_name, gender, age, about,
		       awaiting, focus, session_goal, last_outcome, chat_ready,
		       distress_streak, last_distress_at, last_support_offer_at,
		       last_message_at, last_checkin_prompt_at,
		       summary, messages_since_summary, last_summary_at,
		       pending_checkin, created_at, updated_at
		FROM user_sessions WHERE id = $1`, userID)

	session, err := scanUserSession(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetUserSession not found", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetUserSession failed", "error", err, "userID", userID)
		return nil, err
	}
	return session, nil
}

func (s *PostgresStore) DeleteUserData(userID int64) error {
	for _, query := range []string{
		`DELETE FROM chat_messages WHERE user_id = $1`,
		`DELETE FROM checkins WHERE user_id = $1`,
		`DELETE FROM user_sessions WHERE id = $1`,
	} {
		if _, err := s.db.Exec(query, userID); err != nil {
			slog.Error("PostgresStore DeleteUserData failed", "error", err, "userID", userID)
			return fmt.Errorf("failed to delete data for %d: %w", userID, err)
		}
	}
	slog.Debug("PostgresStore DeleteUserData succeeded", "userID", userID)
	return nil
}

func (s *PostgresStore) AddCheckin(record models.CheckinRecord) error {
	_, err := s.db.Exec(`INSERT INTO checkins (id, user_id, mood, anxiety, energy, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		record.ID, record.UserID, record.Mood, record.Anxiety, record.Energy, record.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore AddCheckin failed", "error", err, "userID", record.UserID)
		return fmt.Errorf("failed to insert checkin for %d: %w", record.UserID, err)
	}
	return nil
}

func (s *PostgresStore) LastCheckin(userID int64) (*models.CheckinRecord, error) {
	row := s.db.QueryRow(`SELECT id, user_id, mood, anxiety, energy, created_at FROM checkins
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1`, userID)
	var r models.CheckinRecord
	err := row.Scan(&r.ID, &r.UserID, &r.Mood, &r.Anxiety, &r.Energy, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore LastCheckin failed", "error", err, "userID", userID)
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) ListCheckins(userID int64) ([]models.CheckinRecord, error) {
	rows, err := s.db.Query(`SELECT id, user_id, mood, anxiety, energy, created_at FROM checkins
		WHERE user_id = $1 ORDER BY created_at ASC`, userID)
	if err != nil {
		slog.Error("PostgresStore ListCheckins query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query checkins: %w", err)
	}
	defer rows.Close()

	var records []models.CheckinRecord
	for rows.Next() {
		var r models.CheckinRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.Mood, &r.Anxiety, &r.Energy, &r.CreatedAt); err != nil {
			slog.Error("PostgresStore ListCheckins scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan checkin row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkin rows: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) AddMessage(msg models.ChatMessage) error {
	_, err := s.db.Exec(`INSERT INTO chat_messages (user_id, role, content, created_at) VALUES ($1, $2, $3, $4)`,
		msg.UserID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore AddMessage failed", "error", err, "userID", msg.UserID)
		return fmt.Errorf("failed to insert message for %d: %w", msg.UserID, err)
	}
	return nil
}

func (s *PostgresStore) LastMessages(userID int64, n int) ([]models.ChatMessage, error) {
	rows, err := s.db.Query(`SELECT user_id, role, content, created_at FROM (
			SELECT id, user_id, role, content, created_at FROM chat_messages
			WHERE user_id = $1 ORDER BY id DESC LIMIT $2
		) recent ORDER BY id ASC`, userID, n)
	if err != nil {
		slog.Error("PostgresStore LastMessages query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.UserID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			slog.Error("PostgresStore LastMessages scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return messages, nil
}

func (s *PostgresStore) AllSessions() ([]models.UserSession, error) {
	rows, err := s.db.Query(`
		SELECT id, username, display_name, gender, age, about,
		       awaiting, focus, session_goal, last_outcome, chat_ready,
		       distress_streak, last_distress_at, last_support_offer_at,
		       last_message_at, last_checkin_prompt_at,
		       summary, messages_since_summary, last_summary_at,
		       pending_checkin, created_at, updated_at
		FROM user_sessions ORDER BY id ASC`)
	if err != nil {
		slog.Error("PostgresStore AllSessions query failed", "error", err)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.UserSession
	for rows.Next() {
		session, err := scanUserSessionRows(rows)
		if err != nil {
			slog.Error("PostgresStore AllSessions scan failed", "error", err)
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	return sessions, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}
