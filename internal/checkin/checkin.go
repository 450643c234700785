// Package checkin implements the three-stage mood/anxiety/energy
// self-report collector.
//
// The collector is a state machine over UserSession.PendingCheckin driven
// either by discrete button taps (one metric per tap) or by a single
// free-text line carrying three numbers. Both modes converge on the same
// completed triple; persistence of the resulting CheckinRecord is the
// caller's responsibility.
package checkin

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/BTreeMap/CareLoop/internal/models"
)

// Metric bounds for all three scales.
const (
	MinValue = 0
	MaxValue = 10
)

// Stage prompts shown while collecting each metric.
const (
	MoodPrompt    = "Rate your mood (0-10)."
	AnxietyPrompt = "Rate your anxiety (0-10)."
	EnergyPrompt  = "Rate your energy (0-10)."

	// StartPrompt introduces the free-text format alongside the buttons.
	StartPrompt = "Let's do a quick state check. Rate each on a 0-10 scale:\n" +
		"1) mood\n2) anxiety\n3) energy\n" +
		"You can also just type it like: 6/4/5"

	// ParseFailure is sent when a free-text check-in line cannot be read.
	ParseFailure = "I couldn't read those values. Please send three numbers " +
		"from 0 to 10, for example: 6/4/5"
)

// numberPattern extracts standalone values 0-10; adjacent digits (e.g. "15")
// intentionally fail to match so out-of-range input is rejected.
var numberPattern = regexp.MustCompile(`\b10\b|\b[0-9]\b`)

// ParseFreeText extracts mood, anxiety and energy from a free-text line.
// At least three in-range integers are required, in that order; extra
// tokens are ignored. Returns ok=false when fewer than three valid values
// are present.
func ParseFreeText(text string) (mood, anxiety, energy int, ok bool) {
	matches := numberPattern.FindAllString(text, -1)
	if len(matches) < 3 {
		return 0, 0, 0, false
	}
	values := make([]int, 0, 3)
	for _, m := range matches[:3] {
		v, err := strconv.Atoi(m)
		if err != nil || v < MinValue || v > MaxValue {
			return 0, 0, 0, false
		}
		values = append(values, v)
	}
	return values[0], values[1], values[2], true
}

// Start resets any in-progress check-in on the session and arms the mood
// stage. Callers are expected to have cleared any other awaiting flow.
func Start(session *models.UserSession) {
	session.Awaiting = models.AwaitingCheckin
	session.PendingCheckin = &models.PendingCheckin{
		Stage:  models.StageMood,
		Values: make(map[string]int),
	}
}

// Clear removes all transient check-in state from the session.
func Clear(session *models.UserSession) {
	if session.Awaiting == models.AwaitingCheckin {
		session.Awaiting = models.AwaitingNone
	}
	session.PendingCheckin = nil
}

// TapOutcome describes the effect of one button tap on the collector.
type TapOutcome int

const (
	// TapIgnored means the tap did not belong to an active check-in or
	// carried an unknown metric; nothing changed.
	TapIgnored TapOutcome = iota
	// TapStale means the tapped metric does not match the current stage;
	// state is unchanged and the current stage prompt should be re-sent.
	TapStale
	// TapInvalid means the value was out of range; state is unchanged.
	TapInvalid
	// TapAdvanced means the value was stored and the collector moved to
	// the next stage.
	TapAdvanced
	// TapCompleted means the final value was stored and the triple is
	// ready to be persisted; transient state has been cleared.
	TapCompleted
)

// TapResult reports the outcome of ApplyTap together with the data the
// caller needs to respond: the next stage to prompt for, or the completed
// triple.
type TapResult struct {
	Outcome   TapOutcome
	NextStage models.CheckinStage
	Mood      int
	Anxiety   int
	Energy    int
}

func stageMetric(stage models.CheckinStage) string {
	switch stage {
	case models.StageMood:
		return models.MetricMood
	case models.StageAnxiety:
		return models.MetricAnxiety
	case models.StageEnergy:
		return models.MetricEnergy
	default:
		return ""
	}
}

// ApplyTap processes one (metric, value) button tap against the session's
// pending check-in. Taps for a metric other than the current stage are
// reported stale and ignored: accepting them out of order would let a
// delayed duplicate overwrite a later stage.
func ApplyTap(session *models.UserSession, metric string, value int) TapResult {
	pending := session.PendingCheckin
	if session.Awaiting != models.AwaitingCheckin || pending == nil || pending.Stage == models.StageNone {
		return TapResult{Outcome: TapIgnored}
	}
	expected := stageMetric(pending.Stage)
	if expected == "" || (metric != models.MetricMood && metric != models.MetricAnxiety && metric != models.MetricEnergy) {
		return TapResult{Outcome: TapIgnored}
	}
	if metric != expected {
		return TapResult{Outcome: TapStale, NextStage: pending.Stage}
	}
	if value < MinValue || value > MaxValue {
		return TapResult{Outcome: TapInvalid, NextStage: pending.Stage}
	}

	if pending.Values == nil {
		pending.Values = make(map[string]int)
	}
	pending.Values[metric] = value

	switch pending.Stage {
	case models.StageMood:
		pending.Stage = models.StageAnxiety
		return TapResult{Outcome: TapAdvanced, NextStage: models.StageAnxiety}
	case models.StageAnxiety:
		pending.Stage = models.StageEnergy
		return TapResult{Outcome: TapAdvanced, NextStage: models.StageEnergy}
	default: // energy: read back all three and finish
		mood := pending.Values[models.MetricMood]
		anxiety := pending.Values[models.MetricAnxiety]
		energy := pending.Values[models.MetricEnergy]
		Clear(session)
		return TapResult{
			Outcome: TapCompleted,
			Mood:    mood,
			Anxiety: anxiety,
			Energy:  energy,
		}
	}
}

// StagePrompt returns the prompt text for a collection stage.
func StagePrompt(stage models.CheckinStage) string {
	switch stage {
	case models.StageAnxiety:
		return AnxietyPrompt
	case models.StageEnergy:
		return EnergyPrompt
	default:
		return MoodPrompt
	}
}

// ScaleChoices builds the 0-10 button row for a collection stage. Button
// data uses the "checkin:<metric>:<value>" convention.
func ScaleChoices(stage models.CheckinStage) []models.Choice {
	metric := stageMetric(stage)
	choices := make([]models.Choice, 0, MaxValue-MinValue+1)
	for v := MinValue; v <= MaxValue; v++ {
		choices = append(choices, models.Choice{
			Label: strconv.Itoa(v),
			Data:  fmt.Sprintf("checkin:%s:%d", metric, v),
		})
	}
	return choices
}
