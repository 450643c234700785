package checkin

import (
	"strconv"
	"strings"
)

// Feedback holds the deterministic post-check-in summary: up to two action
// suggestions and up to two reflection prompts, selected from fixed rule
// buckets. No model call is involved.
type Feedback struct {
	Suggestions []string
	Reflections []string
}

// Bucket thresholds.
const (
	highAnxiety  = 7
	lowMood      = 3
	lowEnergy    = 3
	goodMood     = 7
	calmAnxiety  = 3
	goodEnergy   = 7
	maxPerBucket = 2
)

var (
	anxietySuggestions = []string{
		"Try a slow breathing cycle: in for 4, hold for 4, out for 6, repeated five times.",
		"Put both feet on the floor and name five things you can see around you.",
	}
	anxietyReflections = []string{
		"What is feeding the anxiety most right now?",
		"Is there one worry you could set aside until tomorrow?",
	}

	moodSuggestions = []string{
		"Do one small kind thing for yourself in the next hour, even a short walk.",
		"Message someone you trust, without any agenda.",
	}
	moodReflections = []string{
		"When did the heaviness start today?",
		"What usually gives you even a little relief?",
	}

	energySuggestions = []string{
		"Drink a glass of water and step away from screens for ten minutes.",
		"Pick the single smallest task left today and let the rest wait.",
	}
	energyReflections = []string{
		"How has your sleep been the last few nights?",
		"What has been draining you the most this week?",
	}

	doingWellSuggestions = []string{
		"Note down what worked today so you can repeat it.",
	}
	doingWellReflections = []string{
		"What contributed most to feeling this steady?",
	}

	genericSuggestions = []string{
		"Take a two-minute pause and notice how your body feels.",
	}
	genericReflections = []string{
		"What would make the rest of today a little easier?",
	}
)

// BuildFeedback selects suggestions and reflections for a completed triple.
// Buckets fire on anxiety >= 7, mood <= 3, energy <= 3, and the doing-well
// case; if none fire, a generic pause+reflect pair is returned. Output is
// deduplicated in first-seen order and capped at two entries per list.
func BuildFeedback(mood, anxiety, energy int) Feedback {
	var suggestions, reflections []string

	if anxiety >= highAnxiety {
		suggestions = append(suggestions, anxietySuggestions...)
		reflections = append(reflections, anxietyReflections...)
	}
	if mood <= lowMood {
		suggestions = append(suggestions, moodSuggestions...)
		reflections = append(reflections, moodReflections...)
	}
	if energy <= lowEnergy {
		suggestions = append(suggestions, energySuggestions...)
		reflections = append(reflections, energyReflections...)
	}
	if mood >= goodMood && anxiety <= calmAnxiety && energy >= goodEnergy {
		suggestions = append(suggestions, doingWellSuggestions...)
		reflections = append(reflections, doingWellReflections...)
	}
	if len(suggestions) == 0 && len(reflections) == 0 {
		suggestions = append(suggestions, genericSuggestions...)
		reflections = append(reflections, genericReflections...)
	}

	return Feedback{
		Suggestions: dedupeAndCap(suggestions, maxPerBucket),
		Reflections: dedupeAndCap(reflections, maxPerBucket),
	}
}

func dedupeAndCap(items []string, limit int) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, limit)
	for _, item := range items {
		if seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
		if len(out) == limit {
			break
		}
	}
	return out
}

// FormatFeedback renders the saved-confirmation message for a completed
// check-in.
func FormatFeedback(mood, anxiety, energy int, fb Feedback) string {
	var b strings.Builder
	b.WriteString("Saved: mood ")
	b.WriteString(strconv.Itoa(mood))
	b.WriteString(", anxiety ")
	b.WriteString(strconv.Itoa(anxiety))
	b.WriteString(", energy ")
	b.WriteString(strconv.Itoa(energy))
	b.WriteString(".")
	if len(fb.Suggestions) > 0 {
		b.WriteString("\n\nYou could try:")
		for _, s := range fb.Suggestions {
			b.WriteString("\n• ")
			b.WriteString(s)
		}
	}
	if len(fb.Reflections) > 0 {
		b.WriteString("\n\nWorth a thought:")
		for _, r := range fb.Reflections {
			b.WriteString("\n• ")
			b.WriteString(r)
		}
	}
	return b.String()
}
