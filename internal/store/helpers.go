package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/BTreeMap/CareLoop/internal/models"
)

// DetectDSNType classifies a DSN as "postgres" or "sqlite3" based on its
// shape. Anything that does not look like a Postgres URL or key/value DSN
// is treated as an SQLite file path.
func DetectDSNType(dsn string) string {
	lowered := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lowered, "postgres://") || strings.HasPrefix(lowered, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lowered, "host=") || strings.Contains(lowered, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// encodePendingCheckin serializes the transient check-in slot for a
// nullable text column; nil maps to SQL NULL.
func encodePendingCheckin(pending *models.PendingCheckin) (interface{}, error) {
	if pending == nil {
		return nil, nil
	}
	data, err := json.Marshal(pending)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pending checkin: %w", err)
	}
	return string(data), nil
}

func decodePendingCheckin(raw sql.NullString) (*models.PendingCheckin, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var pending models.PendingCheckin
	if err := json.Unmarshal([]byte(raw.String), &pending); err != nil {
		return nil, fmt.Errorf("failed to decode pending checkin: %w", err)
	}
	return &pending, nil
}

// rowScanner abstracts sql.Row and sql.Rows for the shared session scan.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSessionFields(scanner rowScanner) (*models.UserSession, error) {
	var session models.UserSession
	var awaiting string
	var lastDistressAt, lastSupportOfferAt, lastMessageAt, lastCheckinPromptAt, lastSummaryAt sql.NullTime
	var pendingJSON sql.NullString

	err := scanner.Scan(
		&session.ID, &session.Username, &session.DisplayName, &session.Gender, &session.Age, &session.About,
		&awaiting, &session.Focus, &session.SessionGoal, &session.LastOutcome, &session.ChatReady,
		&session.DistressStreak, &lastDistressAt, &lastSupportOfferAt,
		&lastMessageAt, &lastCheckinPromptAt,
		&session.Summary, &session.MessagesSinceSummary, &lastSummaryAt,
		&pendingJSON, &session.CreatedAt, &session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	session.Awaiting = models.AwaitingKind(awaiting)
	session.LastDistressAt = timePtr(lastDistressAt.Time, lastDistressAt.Valid)
	session.LastSupportOfferAt = timePtr(lastSupportOfferAt.Time, lastSupportOfferAt.Valid)
	session.LastMessageAt = timePtr(lastMessageAt.Time, lastMessageAt.Valid)
	session.LastCheckinPromptAt = timePtr(lastCheckinPromptAt.Time, lastCheckinPromptAt.Valid)
	session.LastSummaryAt = timePtr(lastSummaryAt.Time, lastSummaryAt.Valid)

	pending, err := decodePendingCheckin(pendingJSON)
	if err != nil {
		return nil, err
	}
	session.PendingCheckin = pending
	return &session, nil
}

// scanUserSession scans a session from a single sql.Row.
func scanUserSession(row *sql.Row) (*models.UserSession, error) {
	return scanSessionFields(row)
}

// scanUserSessionRows scans a session from sql.Rows.
func scanUserSessionRows(rows *sql.Rows) (*models.UserSession, error) {
	return scanSessionFields(rows)
}
