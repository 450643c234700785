// Package engine implements the CareLoop flow resolver: for every inbound
// message it decides which collection flow (profile intake, check-in,
// goal/outcome capture) or conversational path consumes the message, with
// crisis and distress handling cutting across all flows.
//
// All per-user state lives in the UserSession loaded from the Store at the
// start of a turn and saved once at the end. Turns for the same user are
// serialized by a keyed mutex; different users proceed in parallel.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CareLoop/internal/checkin"
	"github.com/BTreeMap/CareLoop/internal/escalate"
	"github.com/BTreeMap/CareLoop/internal/genai"
	"github.com/BTreeMap/CareLoop/internal/models"
	"github.com/BTreeMap/CareLoop/internal/store"
	"github.com/BTreeMap/CareLoop/internal/transcribe"
	"github.com/BTreeMap/CareLoop/internal/util"
)

// Engine tuning constants.
const (
	// RateLimitInterval is the minimum accepted gap between two messages
	// from the same user.
	RateLimitInterval = 1200 * time.Millisecond

	// HistoryLimit bounds the conversation history included in a prompt.
	HistoryLimit = 10

	// SummaryEvery triggers summary regeneration after this many accepted
	// conversational user messages.
	SummaryEvery = 6

	// Profile intake age bounds.
	MinAge = 8
	MaxAge = 120
)

// Sampling settings for the two generation call sites.
var (
	replyParams   = genai.SamplingParams{Temperature: 0.7, MaxTokens: 400}
	summaryParams = genai.SamplingParams{Temperature: 0.3, MaxTokens: 250}
)

// userLocks serializes turns per user id.
type userLocks struct {
	mu sync.Mutex
	m  map[int64]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{m: make(map[int64]*sync.Mutex)}
}

// lock acquires the mutex for one user and returns its unlock func.
func (l *userLocks) lock(userID int64) func() {
	l.mu.Lock()
	um, ok := l.m[userID]
	if !ok {
		um = &sync.Mutex{}
		l.m[userID] = um
	}
	l.mu.Unlock()
	um.Lock()
	return um.Unlock
}

// Opts holds configuration options for the engine.
type Opts struct {
	Clock       escalate.Clock
	Transcriber transcribe.Transcriber
}

// Option defines a configuration option for the engine.
type Option func(*Opts)

// WithClock injects a clock, used by tests for deterministic time.
func WithClock(c escalate.Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

// WithTranscriber enables the voice-note pathway.
func WithTranscriber(t transcribe.Transcriber) Option {
	return func(o *Opts) { o.Transcriber = t }
}

// Engine is the per-user dialogue state machine.
type Engine struct {
	store store.Store
	gen   genai.ClientInterface
	esc   *escalate.Escalator
	clock escalate.Clock
	trans transcribe.Transcriber
	locks *userLocks
}

// New creates an engine around a store and a completion client.
func New(st store.Store, gen genai.ClientInterface, opts ...Option) *Engine {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = escalate.SystemClock{}
	}
	return &Engine{
		store: st,
		gen:   gen,
		esc:   escalate.New(cfg.Clock),
		clock: cfg.Clock,
		trans: cfg.Transcriber,
		locks: newUserLocks(),
	}
}

// turn carries the mutable state of one resolver pass.
type turn struct {
	ctx         context.Context
	session     *models.UserSession
	text        string
	transcribed bool
	now         time.Time
	out         []models.OutboundRender
}

func (t *turn) reply(body string, choices ...models.Choice) {
	t.out = append(t.out, models.Render(body, choices...))
}

// IsCommand reports whether the text is a slash command or a main-menu
// label, both of which belong to the gateway layer, not the resolver.
func IsCommand(text string) bool {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "/") {
		return true
	}
	_, ok := menuLabels[trimmed]
	return ok
}

// loadOrCreate reads the user's session, creating a default one on first
// contact. A read failure is fatal for the turn.
func (e *Engine) loadOrCreate(userID int64, username string) (*models.UserSession, error) {
	session, err := e.store.GetUserSession(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session for user %d: %w", userID, err)
	}
	if session == nil {
		fresh := models.NewUserSession(userID, username, e.clock.Now())
		session = &fresh
		slog.Debug("Engine loadOrCreate created session", "userID", userID)
	}
	return session, nil
}

// save upserts the session with a fresh UpdatedAt. On failure the caller
// receives the error and the user a single safe message.
func (e *Engine) save(t *turn) ([]models.OutboundRender, error) {
	t.session.UpdatedAt = t.now
	if err := e.store.SaveUserSession(*t.session); err != nil {
		slog.Error("Engine save failed", "userID", t.session.ID, "error", err)
		return []models.OutboundRender{models.Render(TechnicalErrorMessage)},
			fmt.Errorf("failed to save session for user %d: %w", t.session.ID, err)
	}
	return t.out, nil
}

// HandleUserText resolves one inbound free-text message through the
// ordered route table. transcribed marks text recovered from a voice
// note, which skips lightweight intent classification.
func (e *Engine) HandleUserText(ctx context.Context, userID int64, username, text string, transcribed bool) ([]models.OutboundRender, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || IsCommand(trimmed) {
		return nil, nil
	}

	unlock := e.locks.lock(userID)
	defer unlock()

	session, err := e.loadOrCreate(userID, username)
	if err != nil {
		return nil, err
	}

	t := &turn{
		ctx:         ctx,
		session:     session,
		text:        trimmed,
		transcribed: transcribed,
		now:         e.clock.Now(),
	}

	for _, r := range routes {
		handled, err := r.fn(e, t)
		if err != nil {
			slog.Error("Engine HandleUserText route failed", "userID", userID, "route", r.name, "error", err)
			// The failed transition is not committed: the stored session
			// keeps the state it had when the turn started, so the user
			// can retry the same step.
			return []models.OutboundRender{models.Render(TechnicalErrorMessage)}, err
		}
		if handled {
			slog.Debug("Engine HandleUserText routed", "userID", userID, "route", r.name)
			break
		}
	}

	return e.save(t)
}

// HandleVoiceNote transcribes a voice note and routes the text through
// the resolver with intent classification disabled. Transcriber absence
// or failure produces a polite notice, never an error to the gateway.
func (e *Engine) HandleVoiceNote(ctx context.Context, userID int64, username string, audio []byte, mimeType string) ([]models.OutboundRender, error) {
	if e.trans == nil {
		return []models.OutboundRender{models.Render(VoiceUnsupportedMessage)}, nil
	}
	text, err := e.trans.Transcribe(ctx, audio, mimeType)
	if err != nil {
		slog.Warn("Engine HandleVoiceNote transcription failed", "userID", userID, "error", err)
		return []models.OutboundRender{models.Render(VoiceUnsupportedMessage)}, nil
	}
	return e.HandleUserText(ctx, userID, username, text, true)
}

// StartCheckin arms the three-stage collector and prompts for mood. Any
// other transient flow state is cleared.
func (e *Engine) StartCheckin(ctx context.Context, userID int64) ([]models.OutboundRender, error) {
	unlock := e.locks.lock(userID)
	defer unlock()

	session, err := e.loadOrCreate(userID, "")
	if err != nil {
		return nil, err
	}
	t := &turn{ctx: ctx, session: session, now: e.clock.Now()}

	checkin.Start(session)
	t.reply(checkin.StartPrompt)
	t.reply(checkin.StagePrompt(models.StageMood), checkin.ScaleChoices(models.StageMood)...)
	return e.save(t)
}

// HandleCheckinTap applies one (metric, value) button tap to the active
// check-in. Stale taps are ignored and the current stage is re-prompted.
func (e *Engine) HandleCheckinTap(ctx context.Context, userID int64, metric string, value int) ([]models.OutboundRender, error) {
	unlock := e.locks.lock(userID)
	defer unlock()

	session, err := e.loadOrCreate(userID, "")
	if err != nil {
		return nil, err
	}
	t := &turn{ctx: ctx, session: session, now: e.clock.Now()}

	result := checkin.ApplyTap(session, metric, value)
	switch result.Outcome {
	case checkin.TapIgnored:
		t.reply(NoActiveCheckinMessage, models.Choice{Label: MenuLabelCheckin, Data: "checkin:start"})
	case checkin.TapStale:
		t.reply(checkin.StagePrompt(result.NextStage), checkin.ScaleChoices(result.NextStage)...)
	case checkin.TapInvalid:
		t.reply(InvalidValueMessage)
		t.reply(checkin.StagePrompt(result.NextStage), checkin.ScaleChoices(result.NextStage)...)
	case checkin.TapAdvanced:
		t.reply(checkin.StagePrompt(result.NextStage), checkin.ScaleChoices(result.NextStage)...)
	case checkin.TapCompleted:
		if err := e.finishCheckin(t, result.Mood, result.Anxiety, result.Energy); err != nil {
			// Do not commit the cleared collector state: the stored
			// session keeps the final stage armed so the tap can be
			// retried.
			return []models.OutboundRender{models.Render(TechnicalErrorMessage)}, err
		}
	}
	return e.save(t)
}

// finishCheckin persists the completed triple and emits feedback.
func (e *Engine) finishCheckin(t *turn, mood, anxiety, energy int) error {
	record := models.CheckinRecord{
		ID:        util.GenerateCheckinID(),
		UserID:    t.session.ID,
		Mood:      mood,
		Anxiety:   anxiety,
		Energy:    energy,
		CreatedAt: t.now,
	}
	if err := e.store.AddCheckin(record); err != nil {
		return fmt.Errorf("failed to persist checkin for user %d: %w", t.session.ID, err)
	}
	fb := checkin.BuildFeedback(mood, anxiety, energy)
	t.reply(checkin.FormatFeedback(mood, anxiety, energy, fb))
	slog.Info("Engine finishCheckin recorded", "userID", t.session.ID, "checkinID", record.ID)
	return nil
}

// StartProfile begins the gender -> name -> age -> about intake.
func (e *Engine) StartProfile(ctx context.Context, userID int64, username string) ([]models.OutboundRender, error) {
	unlock := e.locks.lock(userID)
	defer unlock()

	session, err := e.loadOrCreate(userID, username)
	if err != nil {
		return nil, err
	}
	t := &turn{ctx: ctx, session: session, now: e.clock.Now()}

	session.Awaiting = models.AwaitingGender
	session.PendingCheckin = nil
	t.reply(GenderPrompt, genderChoices()...)
	return e.save(t)
}

// HandleGenderTap records the gender button choice and advances intake
// to the name stage. Taps outside the gender stage are ignored.
func (e *Engine) HandleGenderTap(ctx context.Context, userID int64, gender string) ([]models.OutboundRender, error) {
	unlock := e.locks.lock(userID)
	defer unlock()

	session, err := e.loadOrCreate(userID, "")
	if err != nil {
		return nil, err
	}
	if session.Awaiting != models.AwaitingGender {
		return nil, nil
	}
	t := &turn{ctx: ctx, session: session, now: e.clock.Now()}

	session.Gender = gender
	session.Awaiting = models.AwaitingName
	t.reply(NamePrompt)
	return e.save(t)
}

// AskGoal arms the session-goal capture flow.
func (e *Engine) AskGoal(ctx context.Context, userID int64) ([]models.OutboundRender, error) {
	return e.arm(ctx, userID, models.AwaitingGoal, GoalPrompt)
}

// AskOutcome arms the outcome capture flow.
func (e *Engine) AskOutcome(ctx context.Context, userID int64) ([]models.OutboundRender, error) {
	return e.arm(ctx, userID, models.AwaitingOutcome, OutcomePrompt)
}

func (e *Engine) arm(ctx context.Context, userID int64, kind models.AwaitingKind, prompt string) ([]models.OutboundRender, error) {
	unlock := e.locks.lock(userID)
	defer unlock()

	session, err := e.loadOrCreate(userID, "")
	if err != nil {
		return nil, err
	}
	t := &turn{ctx: ctx, session: session, now: e.clock.Now()}

	session.Awaiting = kind
	session.PendingCheckin = nil
	t.reply(prompt)
	return e.save(t)
}

// ChooseTopic applies a topic button choice: sets the conversation focus
// and opens the conversational path.
func (e *Engine) ChooseTopic(ctx context.Context, userID int64, topic string) ([]models.OutboundRender, error) {
	unlock := e.locks.lock(userID)
	defer unlock()

	session, err := e.loadOrCreate(userID, "")
	if err != nil {
		return nil, err
	}
	t := &turn{ctx: ctx, session: session, now: e.clock.Now()}

	session.Focus = topic
	session.ChatReady = true
	t.reply(topicAck(topic))
	return e.save(t)
}

// SkipAbout completes intake without an about text. Ignored outside the
// about stage.
func (e *Engine) SkipAbout(ctx context.Context, userID int64) ([]models.OutboundRender, error) {
	unlock := e.locks.lock(userID)
	defer unlock()

	session, err := e.loadOrCreate(userID, "")
	if err != nil {
		return nil, err
	}
	if session.Awaiting != models.AwaitingAbout {
		return nil, nil
	}
	t := &turn{ctx: ctx, session: session, now: e.clock.Now()}

	session.Awaiting = models.AwaitingNone
	session.ChatReady = true
	t.reply(MainMenuIntro, MainMenuChoices()...)
	return e.save(t)
}

// RequestReset emits the confirmation prompt. No state changes until the
// user confirms.
func (e *Engine) RequestReset(ctx context.Context, userID int64) ([]models.OutboundRender, error) {
	return []models.OutboundRender{models.Render(ResetConfirmPrompt,
		models.Choice{Label: "Yes, erase everything", Data: "reset:confirm"},
		models.Choice{Label: "Cancel", Data: "reset:cancel"},
	)}, nil
}

// ConfirmReset deletes the session, history and check-ins. Resetting a
// user with no data is a no-op.
func (e *Engine) ConfirmReset(ctx context.Context, userID int64) ([]models.OutboundRender, error) {
	unlock := e.locks.lock(userID)
	defer unlock()

	if err := e.store.DeleteUserData(userID); err != nil {
		slog.Error("Engine ConfirmReset failed", "userID", userID, "error", err)
		return []models.OutboundRender{models.Render(TechnicalErrorMessage)},
			fmt.Errorf("failed to reset user %d: %w", userID, err)
	}
	slog.Info("Engine ConfirmReset completed", "userID", userID)
	return []models.OutboundRender{models.Render(ResetDoneMessage)}, nil
}

// CancelReset acknowledges a declined reset.
func (e *Engine) CancelReset(ctx context.Context, userID int64) ([]models.OutboundRender, error) {
	return []models.OutboundRender{models.Render(ResetCancelledMessage)}, nil
}
