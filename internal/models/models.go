// Package models defines the core data structures for CareLoop.
package models

import "time"

// AwaitingKind identifies which collection flow owns the user's next
// free-text message. At most one flow owns a message; the zero value
// means free conversation.
type AwaitingKind string

const (
	AwaitingNone    AwaitingKind = ""
	AwaitingGender  AwaitingKind = "gender"
	AwaitingName    AwaitingKind = "name"
	AwaitingAge     AwaitingKind = "age"
	AwaitingAbout   AwaitingKind = "about"
	AwaitingGoal    AwaitingKind = "goal"
	AwaitingOutcome AwaitingKind = "outcome"
	AwaitingCheckin AwaitingKind = "checkin"
)

// CheckinStage identifies the metric the check-in collector is waiting for.
type CheckinStage string

const (
	StageNone    CheckinStage = ""
	StageMood    CheckinStage = "mood"
	StageAnxiety CheckinStage = "anxiety"
	StageEnergy  CheckinStage = "energy"
)

// Check-in metric names as used in PendingCheckin.Values and button data.
const (
	MetricMood    = "mood"
	MetricAnxiety = "anxiety"
	MetricEnergy  = "energy"
)

// PendingCheckin holds the transient state of an in-progress check-in.
// It is cleared on completion, cancellation, or reset.
type PendingCheckin struct {
	Stage  CheckinStage   `json:"stage"`
	Values map[string]int `json:"values,omitempty"`
}

// UserSession is the per-user mutable record owned by the engine and
// persisted by the store. One row per user id, created idempotently on
// first contact and deleted only by an explicit reset.
type UserSession struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`

	// Profile fields collected during intake.
	DisplayName string `json:"display_name,omitempty"`
	Gender      string `json:"gender,omitempty"`
	Age         int    `json:"age,omitempty"`
	About       string `json:"about,omitempty"`

	Awaiting    AwaitingKind `json:"awaiting,omitempty"`
	Focus       string       `json:"focus"`
	SessionGoal string       `json:"session_goal"`
	LastOutcome string       `json:"last_outcome"`
	ChatReady   bool         `json:"chat_ready"`

	DistressStreak     int        `json:"distress_streak"`
	LastDistressAt     *time.Time `json:"last_distress_at,omitempty"`
	LastSupportOfferAt *time.Time `json:"last_support_offer_at,omitempty"`

	LastMessageAt       *time.Time `json:"last_message_at,omitempty"`
	LastCheckinPromptAt *time.Time `json:"last_checkin_prompt_at,omitempty"`

	Summary              string     `json:"summary"`
	MessagesSinceSummary int        `json:"messages_since_summary"`
	LastSummaryAt        *time.Time `json:"last_summary_at,omitempty"`

	PendingCheckin *PendingCheckin `json:"pending_checkin,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultFocus is the conversation topic assigned to new sessions.
const DefaultFocus = "general"

// NewUserSession returns a session with default field values for a user
// seen for the first time.
func NewUserSession(userID int64, username string, now time.Time) UserSession {
	return UserSession{
		ID:        userID,
		Username:  username,
		Focus:     DefaultFocus,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// CheckinRecord is one completed mood/anxiety/energy self-report.
// Immutable once created; metrics are constrained to [0,10].
type CheckinRecord struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	Mood      int       `json:"mood"`
	Anxiety   int       `json:"anxiety"`
	Energy    int       `json:"energy"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatMessage is one row of per-user conversation history.
type ChatMessage struct {
	UserID    int64     `json:"user_id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Chat history roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Choice is one interactive option attached to an outbound render.
// Data is the opaque callback payload echoed back by the gateway.
type Choice struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

// OutboundRender is one instruction for the messenger gateway: send Body,
// optionally with interactive Choices.
type OutboundRender struct {
	Body    string   `json:"body"`
	Choices []Choice `json:"choices,omitempty"`
}

// Render constructs an OutboundRender with optional choices.
func Render(body string, choices ...Choice) OutboundRender {
	return OutboundRender{Body: body, Choices: choices}
}

// Response represents an incoming participant message from a gateway.
type Response struct {
	From     int64  `json:"from"`
	Username string `json:"username,omitempty"`
	Body     string `json:"body"`
	Time     int64  `json:"time"`
	// Audio holds raw voice-note bytes when the message was not text.
	Audio     []byte `json:"-"`
	AudioMime string `json:"audio_mime,omitempty"`
	// CallbackData is set when the message is a button tap rather than text.
	CallbackData string `json:"callback_data,omitempty"`
}

// Delivery status values carried by Receipt.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// Receipt represents a delivery status event from a gateway.
type Receipt struct {
	To     int64  `json:"to"`
	Status string `json:"status"` // sent, delivered, read
	Time   int64  `json:"time"`
}

// APIStatus represents the status of an admin API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
