package engine

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/BTreeMap/CareLoop/internal/checkin"
	"github.com/BTreeMap/CareLoop/internal/classify"
	"github.com/BTreeMap/CareLoop/internal/models"
)

// route is one entry of the resolver's ordered table. fn returns handled
// when the message was consumed; the first handled route is terminal.
type route struct {
	name string
	fn   func(e *Engine, t *turn) (bool, error)
}

// routes is evaluated in order for every accepted free-text message.
// Command/menu rejection happens before the table is entered.
var routes = []route{
	{"rate_limit", (*Engine).routeRateLimit},
	{"crisis", (*Engine).routeCrisis},
	{"profile_intake", (*Engine).routeProfileIntake},
	{"checkin_free_text", (*Engine).routeCheckinFreeText},
	{"goal", (*Engine).routeGoal},
	{"outcome", (*Engine).routeOutcome},
	{"intents", (*Engine).routeIntents},
	{"distress_offer", (*Engine).routeDistressOffer},
	{"conversation", (*Engine).routeConversation},
}

// routeRateLimit drops messages arriving faster than RateLimitInterval.
// LastMessageAt is stamped only when the message is accepted.
func (e *Engine) routeRateLimit(t *turn) (bool, error) {
	if t.session.LastMessageAt != nil && t.now.Sub(*t.session.LastMessageAt) < RateLimitInterval {
		t.reply(SlowDownMessage)
		return true, nil
	}
	ts := t.now
	t.session.LastMessageAt = &ts
	return false, nil
}

// routeCrisis short-circuits everything else with the fixed safety
// message. No other flow may consume a crisis message.
func (e *Engine) routeCrisis(t *turn) (bool, error) {
	if !classify.IsCrisis(t.text) {
		return false, nil
	}
	slog.Warn("Engine crisis message detected", "userID", t.session.ID)
	t.reply(CrisisMessage)
	return true, nil
}

var agePattern = regexp.MustCompile(`\d{1,3}`)

// routeProfileIntake consumes messages while the gender/name/age/about
// intake owns the conversation.
func (e *Engine) routeProfileIntake(t *turn) (bool, error) {
	switch t.session.Awaiting {
	case models.AwaitingGender:
		// Gender is button-driven; free text just re-prompts.
		t.reply(GenderPrompt, genderChoices()...)
		return true, nil

	case models.AwaitingName:
		t.session.DisplayName = truncateRunes(t.text, 64)
		t.session.Awaiting = models.AwaitingAge
		t.reply(AgePrompt)
		return true, nil

	case models.AwaitingAge:
		raw := agePattern.FindString(t.text)
		age, err := strconv.Atoi(raw)
		if raw == "" || err != nil || age < MinAge || age > MaxAge {
			t.reply(AgeReprompt)
			return true, nil
		}
		t.session.Age = age
		t.session.Awaiting = models.AwaitingAbout
		t.reply(AboutPrompt, models.Choice{Label: "Skip", Data: "profile:skip_about"})
		return true, nil

	case models.AwaitingAbout:
		if classify.Normalize(t.text) != "skip" {
			t.session.About = truncateRunes(t.text, 500)
		}
		t.session.Awaiting = models.AwaitingNone
		t.session.ChatReady = true
		t.reply(MainMenuIntro, MainMenuChoices()...)
		return true, nil
	}
	return false, nil
}

// routeCheckinFreeText parses a "6/4/5" style line while the check-in
// collector is armed. Parse failure re-prompts and keeps state.
func (e *Engine) routeCheckinFreeText(t *turn) (bool, error) {
	if t.session.Awaiting != models.AwaitingCheckin {
		return false, nil
	}
	mood, anxiety, energy, ok := checkin.ParseFreeText(t.text)
	if !ok {
		t.reply(checkin.ParseFailure)
		return true, nil
	}
	checkin.Clear(t.session)
	if err := e.finishCheckin(t, mood, anxiety, energy); err != nil {
		return true, err
	}
	return true, nil
}

func (e *Engine) routeGoal(t *turn) (bool, error) {
	if t.session.Awaiting != models.AwaitingGoal {
		return false, nil
	}
	t.session.SessionGoal = truncateRunes(t.text, 500)
	t.session.Awaiting = models.AwaitingNone
	t.session.ChatReady = true
	t.reply(GoalSavedReply)
	return true, nil
}

func (e *Engine) routeOutcome(t *turn) (bool, error) {
	if t.session.Awaiting != models.AwaitingOutcome {
		return false, nil
	}
	t.session.LastOutcome = truncateRunes(t.text, 500)
	t.session.Awaiting = models.AwaitingNone
	t.reply(OutcomeSavedReply)
	return true, nil
}

// routeIntents answers lightweight conversational intents. Skipped for
// transcribed voice input, where speech-to-text noise makes the phrase
// matchers unreliable.
func (e *Engine) routeIntents(t *turn) (bool, error) {
	if t.transcribed {
		return false, nil
	}
	if classify.IsCapabilitiesRequest(t.text) {
		t.reply(CapabilitiesMessage, MainMenuChoices()...)
		return true, nil
	}
	if topic, ok := classify.ExtractTopicRequest(t.text); ok {
		t.session.Focus = topic
		t.session.ChatReady = true
		t.reply(topicAck(topic))
		return true, nil
	}
	if classify.IsGreeting(t.text) || classify.IsPresenceCheck(t.text) {
		t.reply(GreetingReply)
		return true, nil
	}
	return false, nil
}

// routeDistressOffer feeds the escalator; it consumes the message only
// when a support offer fires.
func (e *Engine) routeDistressOffer(t *turn) (bool, error) {
	if !e.esc.Observe(t.session, classify.IsDistress(t.text)) {
		return false, nil
	}
	t.reply(SupportOfferMessage)
	t.out = append(t.out, SupportMenu())
	return true, nil
}

// routeConversation is the terminal route: topic selection for users who
// have not opened a conversation yet, otherwise the completion path with
// history and periodic summarization.
func (e *Engine) routeConversation(t *turn) (bool, error) {
	if !t.session.ChatReady {
		t.reply(ChooseTopicPrompt, topicChoices()...)
		return true, nil
	}

	history, err := e.store.LastMessages(t.session.ID, HistoryLimit)
	if err != nil {
		slog.Warn("Engine conversation history unavailable", "userID", t.session.ID, "error", err)
		history = nil
	}

	userMsg := models.ChatMessage{
		UserID:    t.session.ID,
		Role:      models.RoleUser,
		Content:   t.text,
		CreatedAt: t.now,
	}
	if err := e.store.AddMessage(userMsg); err != nil {
		return true, fmt.Errorf("failed to record user message: %w", err)
	}

	reply := e.gen.Generate(t.ctx, buildSystemPrompt(t.session, history), t.text, replyParams)
	t.reply(reply)

	assistantMsg := models.ChatMessage{
		UserID:    t.session.ID,
		Role:      models.RoleAssistant,
		Content:   reply,
		CreatedAt: t.now,
	}
	if err := e.store.AddMessage(assistantMsg); err != nil {
		slog.Warn("Engine conversation failed to record reply", "userID", t.session.ID, "error", err)
	}

	t.session.MessagesSinceSummary++
	if t.session.MessagesSinceSummary >= SummaryEvery {
		e.refreshSummary(t, append(history, userMsg, assistantMsg))
	}
	return true, nil
}

// refreshSummary regenerates the rolling conversation summary. Failure
// leaves the previous summary and counter untouched so the next message
// retries.
func (e *Engine) refreshSummary(t *turn, history []models.ChatMessage) {
	summary, err := e.gen.GenerateChecked(t.ctx, summarySystemPrompt, formatTranscript(history), summaryParams)
	if err != nil {
		slog.Warn("Engine summary regeneration failed", "userID", t.session.ID, "error", err)
		return
	}
	ts := t.now
	t.session.Summary = strings.TrimSpace(summary)
	t.session.MessagesSinceSummary = 0
	t.session.LastSummaryAt = &ts
	slog.Debug("Engine summary refreshed", "userID", t.session.ID)
}

const conversationPersona = "You are CareLoop, a warm, grounded wellbeing companion " +
	"chatting over WhatsApp. Keep replies short (2-4 sentences), concrete and kind. " +
	"Ask at most one question per reply. Never give medical diagnoses or prescribe " +
	"medication. If the user appears to be in danger, encourage them to contact " +
	"local emergency services."

const summarySystemPrompt = "Summarize the conversation below in at most 5 sentences, " +
	"in third person, capturing the user's situation, mood and anything they asked " +
	"to be remembered. Output only the summary."

// buildSystemPrompt assembles persona, session context and recent history
// into one system prompt.
func buildSystemPrompt(session *models.UserSession, history []models.ChatMessage) string {
	var b strings.Builder
	b.WriteString(conversationPersona)

	if session.DisplayName != "" {
		fmt.Fprintf(&b, "\n\nThe user's name is %s.", session.DisplayName)
	}
	if session.Focus != "" && session.Focus != models.DefaultFocus {
		fmt.Fprintf(&b, "\nCurrent conversation focus: %s.", session.Focus)
	}
	if session.SessionGoal != "" {
		fmt.Fprintf(&b, "\nThe user's goal for this session: %s.", session.SessionGoal)
	}
	if session.LastOutcome != "" {
		fmt.Fprintf(&b, "\nLast reported outcome: %s.", session.LastOutcome)
	}
	if session.Summary != "" {
		fmt.Fprintf(&b, "\n\nSummary of earlier conversation:\n%s", session.Summary)
	}
	if len(history) > 0 {
		b.WriteString("\n\nRecent messages:\n")
		b.WriteString(formatTranscript(history))
	}
	return b.String()
}

func formatTranscript(history []models.ChatMessage) string {
	var b strings.Builder
	for _, msg := range history {
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
	}
	return b.String()
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return strings.TrimSpace(string(runes[:limit]))
}
