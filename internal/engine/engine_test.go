package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CareLoop/internal/checkin"
	"github.com/BTreeMap/CareLoop/internal/genai"
	"github.com/BTreeMap/CareLoop/internal/models"
	"github.com/BTreeMap/CareLoop/internal/store"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

// mockGen implements genai.ClientInterface for engine tests.
type mockGen struct {
	reply        string
	summary      string
	summaryErr   error
	genCalls     int
	checkedCalls int
	lastSystem   string
}

func (m *mockGen) Generate(_ context.Context, systemPrompt, _ string, _ genai.SamplingParams) string {
	m.genCalls++
	m.lastSystem = systemPrompt
	return m.reply
}

func (m *mockGen) GenerateChecked(_ context.Context, _, _ string, _ genai.SamplingParams) (string, error) {
	m.checkedCalls++
	if m.summaryErr != nil {
		return "", m.summaryErr
	}
	return m.summary, nil
}

func newFixture() (*Engine, *store.InMemoryStore, *mockGen, *fakeClock) {
	st := store.NewInMemoryStore()
	gen := &mockGen{reply: "generated reply", summary: "generated summary"}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(st, gen, WithClock(clock)), st, gen, clock
}

// sendText advances the clock past the rate limit before each message so
// tests exercise the route under test rather than the limiter.
func sendText(t *testing.T, e *Engine, clock *fakeClock, userID int64, text string) []models.OutboundRender {
	t.Helper()
	clock.advance(2 * time.Second)
	out, err := e.HandleUserText(context.Background(), userID, "u", text, false)
	if err != nil {
		t.Fatalf("HandleUserText(%q) error = %v", text, err)
	}
	return out
}

func bodyOf(t *testing.T, out []models.OutboundRender) string {
	t.Helper()
	if len(out) == 0 {
		t.Fatal("expected at least one outbound render")
	}
	return out[0].Body
}

func TestCommandsAndMenuLabelsAreNotOurs(t *testing.T) {
	e, _, _, _ := newFixture()
	for _, text := range []string{"/start", "/reset", MenuLabelCheckin, "  " + MenuLabelSupport + "  ", ""} {
		out, err := e.HandleUserText(context.Background(), 1, "u", text, false)
		if err != nil {
			t.Fatalf("HandleUserText(%q) error = %v", text, err)
		}
		if out != nil {
			t.Errorf("HandleUserText(%q) = %v, want nil (not ours)", text, out)
		}
	}
}

func TestRateLimitRejectsFastMessages(t *testing.T) {
	e, st, _, clock := newFixture()

	out := sendText(t, e, clock, 1, "first message here please")
	if bodyOf(t, out) == SlowDownMessage {
		t.Fatal("first message must not be rate limited")
	}

	clock.advance(500 * time.Millisecond)
	out, err := e.HandleUserText(context.Background(), 1, "u", "second message", false)
	if err != nil {
		t.Fatalf("HandleUserText() error = %v", err)
	}
	if bodyOf(t, out) != SlowDownMessage {
		t.Errorf("expected slow-down notice, got %q", bodyOf(t, out))
	}

	session, _ := st.GetUserSession(1)
	if session.LastMessageAt == nil {
		t.Fatal("LastMessageAt should be set by the accepted message")
	}
	// The rejected message must not have advanced the stamp.
	if got := *session.LastMessageAt; clock.now.Sub(got) != 500*time.Millisecond {
		t.Errorf("LastMessageAt advanced by the rejected message: %v", got)
	}
}

func TestCrisisOverridesActiveCheckin(t *testing.T) {
	e, st, gen, clock := newFixture()

	if _, err := e.StartCheckin(context.Background(), 1); err != nil {
		t.Fatalf("StartCheckin() error = %v", err)
	}
	out := sendText(t, e, clock, 1, "I want to kill myself")
	if bodyOf(t, out) != CrisisMessage {
		t.Errorf("expected crisis message, got %q", bodyOf(t, out))
	}
	if gen.genCalls != 0 {
		t.Error("crisis message must not reach the completion service")
	}
	session, _ := st.GetUserSession(1)
	if session.Awaiting != models.AwaitingCheckin {
		t.Errorf("crisis handling must not consume the pending check-in, awaiting = %q", session.Awaiting)
	}
}

func TestGreetingDuringCheckinGoesToCollector(t *testing.T) {
	e, _, gen, clock := newFixture()

	if _, err := e.StartCheckin(context.Background(), 1); err != nil {
		t.Fatalf("StartCheckin() error = %v", err)
	}
	out := sendText(t, e, clock, 1, "hello")
	if bodyOf(t, out) != checkin.ParseFailure {
		t.Errorf("expected check-in reprompt, got %q", bodyOf(t, out))
	}
	if gen.genCalls != 0 {
		t.Error("message owned by the collector must not reach conversation")
	}
}

func TestFreeTextCheckinCompletes(t *testing.T) {
	e, st, _, clock := newFixture()

	if _, err := e.StartCheckin(context.Background(), 7); err != nil {
		t.Fatalf("StartCheckin() error = %v", err)
	}
	out := sendText(t, e, clock, 7, "6/4/5")
	if !strings.Contains(bodyOf(t, out), "6") {
		t.Errorf("feedback should echo the values, got %q", bodyOf(t, out))
	}

	rec, err := st.LastCheckin(7)
	if err != nil || rec == nil {
		t.Fatalf("LastCheckin() = %v, %v", rec, err)
	}
	if rec.Mood != 6 || rec.Anxiety != 4 || rec.Energy != 5 {
		t.Errorf("recorded %d/%d/%d, want 6/4/5", rec.Mood, rec.Anxiety, rec.Energy)
	}
	session, _ := st.GetUserSession(7)
	if session.Awaiting != models.AwaitingNone || session.PendingCheckin != nil {
		t.Error("completing a check-in must clear transient state")
	}
}

func TestNumericTextOutsideCheckinIsConversation(t *testing.T) {
	e, st, gen, clock := newFixture()

	// Make the user chat-ready without arming any flow.
	session := models.NewUserSession(3, "u", clock.now)
	session.ChatReady = true
	if err := st.SaveUserSession(session); err != nil {
		t.Fatal(err)
	}

	out := sendText(t, e, clock, 3, "6/4/5")
	if bodyOf(t, out) != "generated reply" {
		t.Errorf("expected conversational reply, got %q", bodyOf(t, out))
	}
	if gen.genCalls != 1 {
		t.Errorf("expected one completion call, got %d", gen.genCalls)
	}
	if rec, _ := st.LastCheckin(3); rec != nil {
		t.Error("no CheckinRecord may be written outside an armed check-in")
	}
}

func TestTapSequenceRoundTrip(t *testing.T) {
	e, st, _, _ := newFixture()
	ctx := context.Background()

	if _, err := e.StartCheckin(ctx, 5); err != nil {
		t.Fatalf("StartCheckin() error = %v", err)
	}

	out, err := e.HandleCheckinTap(ctx, 5, models.MetricMood, 6)
	if err != nil {
		t.Fatalf("mood tap error = %v", err)
	}
	if bodyOf(t, out) != checkin.AnxietyPrompt {
		t.Errorf("after mood tap want anxiety prompt, got %q", bodyOf(t, out))
	}

	if _, err := e.HandleCheckinTap(ctx, 5, models.MetricAnxiety, 4); err != nil {
		t.Fatalf("anxiety tap error = %v", err)
	}
	out, err = e.HandleCheckinTap(ctx, 5, models.MetricEnergy, 5)
	if err != nil {
		t.Fatalf("energy tap error = %v", err)
	}
	if !strings.Contains(bodyOf(t, out), "Mood") && !strings.Contains(bodyOf(t, out), "mood") {
		t.Errorf("expected feedback after final tap, got %q", bodyOf(t, out))
	}

	rec, _ := st.LastCheckin(5)
	if rec == nil || rec.Mood != 6 || rec.Anxiety != 4 || rec.Energy != 5 {
		t.Fatalf("LastCheckin() = %+v, want 6/4/5", rec)
	}
}

func TestStaleTapRepromptsCurrentStage(t *testing.T) {
	e, _, _, _ := newFixture()
	ctx := context.Background()

	if _, err := e.StartCheckin(ctx, 5); err != nil {
		t.Fatal(err)
	}
	// Energy tap while the collector expects mood.
	out, err := e.HandleCheckinTap(ctx, 5, models.MetricEnergy, 9)
	if err != nil {
		t.Fatalf("stale tap error = %v", err)
	}
	if bodyOf(t, out) != checkin.MoodPrompt {
		t.Errorf("stale tap should re-send the mood prompt, got %q", bodyOf(t, out))
	}
}

func TestTapWithoutCheckinOffersStart(t *testing.T) {
	e, _, _, _ := newFixture()
	out, err := e.HandleCheckinTap(context.Background(), 9, models.MetricMood, 5)
	if err != nil {
		t.Fatalf("HandleCheckinTap() error = %v", err)
	}
	if bodyOf(t, out) != NoActiveCheckinMessage {
		t.Errorf("expected no-active-check-in notice, got %q", bodyOf(t, out))
	}
}

func TestProfileIntakeFlow(t *testing.T) {
	e, st, _, clock := newFixture()
	ctx := context.Background()

	out, err := e.StartProfile(ctx, 2, "maria")
	if err != nil {
		t.Fatalf("StartProfile() error = %v", err)
	}
	if bodyOf(t, out) != GenderPrompt {
		t.Errorf("expected gender prompt, got %q", bodyOf(t, out))
	}

	// Free text during the gender stage re-prompts with buttons.
	out = sendText(t, e, clock, 2, "female I guess")
	if bodyOf(t, out) != GenderPrompt {
		t.Errorf("free text during gender stage should re-prompt, got %q", bodyOf(t, out))
	}

	out, err = e.HandleGenderTap(ctx, 2, "female")
	if err != nil {
		t.Fatalf("HandleGenderTap() error = %v", err)
	}
	if bodyOf(t, out) != NamePrompt {
		t.Errorf("expected name prompt, got %q", bodyOf(t, out))
	}

	out = sendText(t, e, clock, 2, "Maria")
	if bodyOf(t, out) != AgePrompt {
		t.Errorf("expected age prompt, got %q", bodyOf(t, out))
	}

	out = sendText(t, e, clock, 2, "I'm 250 years old")
	if bodyOf(t, out) != AgeReprompt {
		t.Errorf("out-of-range age should re-prompt, got %q", bodyOf(t, out))
	}

	out = sendText(t, e, clock, 2, "I'm 29")
	if bodyOf(t, out) != AboutPrompt {
		t.Errorf("expected about prompt, got %q", bodyOf(t, out))
	}

	out = sendText(t, e, clock, 2, "skip")
	if bodyOf(t, out) != MainMenuIntro {
		t.Errorf("expected main menu, got %q", bodyOf(t, out))
	}

	session, _ := st.GetUserSession(2)
	if !session.ChatReady {
		t.Error("completing intake must set ChatReady")
	}
	if session.DisplayName != "Maria" || session.Age != 29 || session.Gender != "female" {
		t.Errorf("profile = %q/%d/%q", session.DisplayName, session.Age, session.Gender)
	}
	if session.About != "" {
		t.Errorf("skipped about should stay empty, got %q", session.About)
	}
}

func TestDistressStreakTriggersSupportOffer(t *testing.T) {
	e, _, _, clock := newFixture()

	const text = "i cant cope with any of this anymore"
	out := sendText(t, e, clock, 4, text)
	if bodyOf(t, out) == SupportOfferMessage {
		t.Fatal("first distress message must not trigger the offer")
	}
	out = sendText(t, e, clock, 4, text)
	if bodyOf(t, out) == SupportOfferMessage {
		t.Fatal("second distress message must not trigger the offer")
	}
	out = sendText(t, e, clock, 4, text)
	if bodyOf(t, out) != SupportOfferMessage {
		t.Fatalf("third distress message should trigger the offer, got %q", bodyOf(t, out))
	}
	if len(out) < 2 {
		t.Fatal("offer should include the support menu")
	}
}

func TestTopicRequestSetsFocus(t *testing.T) {
	e, st, _, clock := newFixture()

	out := sendText(t, e, clock, 6, "let's talk about work stress")
	if !strings.Contains(bodyOf(t, out), "work stress") {
		t.Errorf("expected topic acknowledgement, got %q", bodyOf(t, out))
	}
	session, _ := st.GetUserSession(6)
	if session.Focus != "work stress" {
		t.Errorf("Focus = %q, want %q", session.Focus, "work stress")
	}
	if !session.ChatReady {
		t.Error("accepting a topic must open the conversation")
	}
}

func TestNotChatReadyGetsTopicPrompt(t *testing.T) {
	e, _, gen, clock := newFixture()

	out := sendText(t, e, clock, 8, "something fairly long and unclassifiable to say")
	if bodyOf(t, out) != ChooseTopicPrompt {
		t.Errorf("expected choose-topic prompt, got %q", bodyOf(t, out))
	}
	if gen.genCalls != 0 {
		t.Error("not-ready users must not reach the completion service")
	}
}

func TestConversationRecordsHistoryAndSummarizes(t *testing.T) {
	e, st, gen, clock := newFixture()

	session := models.NewUserSession(10, "u", clock.now)
	session.ChatReady = true
	if err := st.SaveUserSession(session); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < SummaryEvery; i++ {
		sendText(t, e, clock, 10, "tell me something reassuring about everything today")
	}

	if gen.checkedCalls != 1 {
		t.Errorf("expected exactly one summary call after %d messages, got %d", SummaryEvery, gen.checkedCalls)
	}
	got, _ := st.GetUserSession(10)
	if got.Summary != "generated summary" {
		t.Errorf("Summary = %q", got.Summary)
	}
	if got.MessagesSinceSummary != 0 {
		t.Errorf("MessagesSinceSummary = %d, want 0", got.MessagesSinceSummary)
	}

	history, err := st.LastMessages(10, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != SummaryEvery*2 {
		t.Errorf("history rows = %d, want %d", len(history), SummaryEvery*2)
	}
}

func TestSummaryFailureLeavesPriorSummary(t *testing.T) {
	e, st, gen, clock := newFixture()
	gen.summaryErr = errors.New("summarizer down")

	session := models.NewUserSession(11, "u", clock.now)
	session.ChatReady = true
	session.Summary = "previous summary"
	session.MessagesSinceSummary = SummaryEvery - 1
	if err := st.SaveUserSession(session); err != nil {
		t.Fatal(err)
	}

	out := sendText(t, e, clock, 11, "one more message to talk about my day")
	if bodyOf(t, out) != "generated reply" {
		t.Errorf("summary failure must not affect the user-visible reply, got %q", bodyOf(t, out))
	}
	got, _ := st.GetUserSession(11)
	if got.Summary != "previous summary" {
		t.Errorf("Summary = %q, want previous summary kept", got.Summary)
	}
	if got.MessagesSinceSummary != SummaryEvery {
		t.Errorf("MessagesSinceSummary = %d, want %d (retry next message)", got.MessagesSinceSummary, SummaryEvery)
	}
}

func TestSystemPromptCarriesSessionContext(t *testing.T) {
	e, st, gen, clock := newFixture()

	session := models.NewUserSession(12, "u", clock.now)
	session.ChatReady = true
	session.DisplayName = "Sam"
	session.Focus = "sleep"
	session.SessionGoal = "wind down earlier"
	session.Summary = "Sam has trouble sleeping."
	if err := st.SaveUserSession(session); err != nil {
		t.Fatal(err)
	}

	sendText(t, e, clock, 12, "I stayed up too late again")
	for _, want := range []string{"Sam", "sleep", "wind down earlier", "trouble sleeping"} {
		if !strings.Contains(gen.lastSystem, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
}

func TestResetIsConfirmationGatedAndIdempotent(t *testing.T) {
	e, st, _, clock := newFixture()
	ctx := context.Background()

	// Reset of a user with no data is a no-op.
	out, err := e.ConfirmReset(ctx, 20)
	if err != nil {
		t.Fatalf("ConfirmReset() on fresh user error = %v", err)
	}
	if bodyOf(t, out) != ResetDoneMessage {
		t.Errorf("got %q", bodyOf(t, out))
	}

	sendText(t, e, clock, 20, "hi")
	if s, _ := st.GetUserSession(20); s == nil {
		t.Fatal("session should exist after a message")
	}

	out, err = e.RequestReset(ctx, 20)
	if err != nil {
		t.Fatal(err)
	}
	if bodyOf(t, out) != ResetConfirmPrompt || len(out[0].Choices) != 2 {
		t.Error("reset request must emit a confirmation with two choices")
	}
	// The request alone changes nothing.
	if s, _ := st.GetUserSession(20); s == nil {
		t.Fatal("requesting a reset must not delete data")
	}

	if _, err := e.ConfirmReset(ctx, 20); err != nil {
		t.Fatal(err)
	}
	if s, _ := st.GetUserSession(20); s != nil {
		t.Error("confirmed reset must delete the session")
	}
}

// failingStore wraps a working store and fails session saves.
type failingStore struct {
	store.Store
	saveErr error
}

func (f *failingStore) SaveUserSession(models.UserSession) error { return f.saveErr }

func TestSaveFailureEmitsSafeMessage(t *testing.T) {
	st := &failingStore{Store: store.NewInMemoryStore(), saveErr: errors.New("disk full")}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	e := New(st, &mockGen{reply: "r"}, WithClock(clock))

	out, err := e.HandleUserText(context.Background(), 1, "u", "hello there friend", false)
	if err == nil {
		t.Fatal("save failure must surface as an error")
	}
	if bodyOf(t, out) != TechnicalErrorMessage {
		t.Errorf("expected safe technical-error message, got %q", bodyOf(t, out))
	}
}

// failingCheckinStore wraps a working store and fails check-in writes.
type failingCheckinStore struct {
	store.Store
	addErr error
}

func (f *failingCheckinStore) AddCheckin(rec models.CheckinRecord) error {
	if f.addErr != nil {
		return f.addErr
	}
	return f.Store.AddCheckin(rec)
}

func TestCheckinWriteFailureKeepsCollectorArmed(t *testing.T) {
	fs := &failingCheckinStore{Store: store.NewInMemoryStore(), addErr: errors.New("db gone")}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	e := New(fs, &mockGen{reply: "r"}, WithClock(clock))
	ctx := context.Background()

	if _, err := e.StartCheckin(ctx, 1); err != nil {
		t.Fatalf("StartCheckin() error = %v", err)
	}
	clock.advance(2 * time.Second)
	out, err := e.HandleUserText(ctx, 1, "u", "6/4/5", false)
	if err == nil {
		t.Fatal("check-in write failure must surface as an error")
	}
	if bodyOf(t, out) != TechnicalErrorMessage {
		t.Errorf("expected safe technical-error message, got %q", bodyOf(t, out))
	}

	session, _ := fs.GetUserSession(1)
	if session.Awaiting != models.AwaitingCheckin || session.PendingCheckin == nil {
		t.Fatalf("failed write must leave the collector armed, awaiting = %q", session.Awaiting)
	}

	// Once the store recovers, the same line completes the check-in.
	fs.addErr = nil
	clock.advance(2 * time.Second)
	if _, err := e.HandleUserText(ctx, 1, "u", "6/4/5", false); err != nil {
		t.Fatalf("retry after recovery error = %v", err)
	}
	rec, _ := fs.LastCheckin(1)
	if rec == nil || rec.Mood != 6 || rec.Anxiety != 4 || rec.Energy != 5 {
		t.Fatalf("LastCheckin() = %+v, want 6/4/5", rec)
	}
}

func TestTapWriteFailureKeepsFinalStageArmed(t *testing.T) {
	fs := &failingCheckinStore{Store: store.NewInMemoryStore(), addErr: errors.New("db gone")}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	e := New(fs, &mockGen{reply: "r"}, WithClock(clock))
	ctx := context.Background()

	if _, err := e.StartCheckin(ctx, 5); err != nil {
		t.Fatal(err)
	}
	if _, err := e.HandleCheckinTap(ctx, 5, models.MetricMood, 6); err != nil {
		t.Fatal(err)
	}
	if _, err := e.HandleCheckinTap(ctx, 5, models.MetricAnxiety, 4); err != nil {
		t.Fatal(err)
	}

	out, err := e.HandleCheckinTap(ctx, 5, models.MetricEnergy, 5)
	if err == nil {
		t.Fatal("check-in write failure must surface as an error")
	}
	if bodyOf(t, out) != TechnicalErrorMessage {
		t.Errorf("expected safe technical-error message, got %q", bodyOf(t, out))
	}

	session, _ := fs.GetUserSession(5)
	if session.Awaiting != models.AwaitingCheckin {
		t.Fatalf("failed write must not commit the completion, awaiting = %q", session.Awaiting)
	}
	if session.PendingCheckin == nil || session.PendingCheckin.Stage != models.StageEnergy {
		t.Fatalf("PendingCheckin = %+v, want energy stage still armed", session.PendingCheckin)
	}

	fs.addErr = nil
	if _, err := e.HandleCheckinTap(ctx, 5, models.MetricEnergy, 5); err != nil {
		t.Fatalf("retry after recovery error = %v", err)
	}
	rec, _ := fs.LastCheckin(5)
	if rec == nil || rec.Mood != 6 || rec.Anxiety != 4 || rec.Energy != 5 {
		t.Fatalf("LastCheckin() = %+v, want 6/4/5", rec)
	}
}

func TestVoiceNoteWithoutTranscriber(t *testing.T) {
	e, _, _, _ := newFixture()
	out, err := e.HandleVoiceNote(context.Background(), 1, "u", []byte("ogg"), "audio/ogg")
	if err != nil {
		t.Fatalf("HandleVoiceNote() error = %v", err)
	}
	if bodyOf(t, out) != VoiceUnsupportedMessage {
		t.Errorf("expected polite notice, got %q", bodyOf(t, out))
	}
}

type stubTranscriber struct {
	text string
	err  error
}

func (s *stubTranscriber) Transcribe(context.Context, []byte, string) (string, error) {
	return s.text, s.err
}

func TestVoiceNoteSkipsIntents(t *testing.T) {
	st := store.NewInMemoryStore()
	gen := &mockGen{reply: "spoken reply"}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	e := New(st, gen, WithClock(clock), WithTranscriber(&stubTranscriber{text: "hello"}))

	session := models.NewUserSession(30, "u", clock.now)
	session.ChatReady = true
	if err := st.SaveUserSession(session); err != nil {
		t.Fatal(err)
	}

	clock.advance(2 * time.Second)
	out, err := e.HandleVoiceNote(context.Background(), 30, "u", []byte("ogg"), "audio/ogg")
	if err != nil {
		t.Fatalf("HandleVoiceNote() error = %v", err)
	}
	// "hello" typed would hit the greeting intent; transcribed it must not.
	if bodyOf(t, out) != "spoken reply" {
		t.Errorf("transcribed greeting should reach conversation, got %q", bodyOf(t, out))
	}
}
