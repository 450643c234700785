// Package classify provides pure text classifiers for inbound messages.
//
// Every classifier is a total, deterministic function over a normalized
// form of the input (lower-cased, punctuation stripped, whitespace
// collapsed). Crisis detection must run before any stateful handling on
// every free-text message.
package classify

import (
	"regexp"
	"strings"
)

// highRiskPatterns match acute self-harm or suicide intent. Any hit is an
// immediate crisis regardless of surrounding words.
var highRiskPatterns = compileAll(
	`kill(ing)? myself`,
	`end(ing)? my (own )?life`,
	`take my (own )?life`,
	`suicid`,
	`want to die`,
	`wanna die`,
	`dont want to (live|be alive)`,
	`hang(ing)? myself`,
	`jump(ing)? off`,
	`cut(ting)? my (wrist|vein)`,
	`slit(ting)? my wrist`,
	`overdose`,
	`swallow(ing)? (the )?pills`,
	`poison(ing)? myself`,
	`self ?harm`,
	`hurt(ing)? myself on purpose`,
)

// mediumRiskPatterns match hopelessness language that is only escalated
// when it co-occurs with an intensifier.
var mediumRiskPatterns = compileAll(
	`life has no meaning`,
	`no point in living`,
	`no reason to live`,
	`better off without me`,
	`wish i wasnt here`,
	`wish i werent here`,
	`want to disappear`,
	`dont want to wake up`,
	`tired of living`,
	`sick of living`,
	`done with life`,
)

// intensifierPatterns match urgency or planning language.
var intensifierPatterns = compileAll(
	`right now`,
	`\btonight\b`,
	`\btoday\b`,
	`have a plan`,
	`made a plan`,
	`planning to`,
	`going to do it`,
	`gonna do it`,
	`getting ready`,
)

// distressPatterns match elevated but non-acute emotional strain. A softer,
// cumulative signal; tracked by the escalator rather than short-circuiting.
var distressPatterns = compileAll(
	`panic`,
	`cant cope`,
	`cant handle`,
	`cant take (this|it)`,
	`overwhelm`,
	`hopeless`,
	`\bempty\b`,
	`numb inside`,
	`burn(ed|t) out`,
	`burnout`,
	`exhausted`,
	`no energy`,
	`drained`,
	`unbearable`,
	`cant sleep`,
	`insomnia`,
	`so anxious`,
	`really anxious`,
	`anxiety is`,
	`\bscared\b`,
	`terrified`,
	`falling apart`,
	`breaking down`,
	`feel(ing)? (really |so |very )?(bad|awful|terrible|horrible)`,
	`depress`,
)

var (
	greetingPattern  = regexp.MustCompile(`^(hi|hiya|hey|heya|hello|yo|good (morning|afternoon|evening))( there)?( again)?$`)
	presencePatterns = compileAll(
		`^(are )?you (there|here|still there|around)$`,
		`^(hello|hey|hi) anyone (there|here)$`,
		`^anyone (there|here)$`,
		`^you up$`,
	)
	capabilityPatterns = compileAll(
		`what can you do`,
		`what do you do`,
		`how (can|do) you help`,
		`what are you (able to do|for)`,
		`how does this work`,
		`what is this bot`,
	)
	topicPattern = regexp.MustCompile(`^(lets|can we|could we|i want to|i would like to|id like to) talk about (.+)$`)

	nonWordPattern    = regexp.MustCompile(`[^a-z0-9а-яё ]+`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Length bounds that keep the short-intent classifiers from firing on long
// freeform text.
const (
	maxGreetingLen   = 24
	maxPresenceLen   = 32
	maxCapabilityLen = 64
	maxTopicInputLen = 120

	// MaxTopicLen caps the length of a captured topic label.
	MaxTopicLen = 64
)

func compileAll(patterns ...string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}

func matchesAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// Normalize lower-cases the input, strips punctuation, and collapses
// whitespace. All classifiers operate on this form.
func Normalize(text string) string {
	lowered := strings.ToLower(text)
	lowered = strings.ReplaceAll(lowered, "'", "")
	lowered = nonWordPattern.ReplaceAllString(lowered, " ")
	lowered = whitespacePattern.ReplaceAllString(lowered, " ")
	return strings.TrimSpace(lowered)
}

// IsCrisis reports whether the text indicates acute self-harm risk.
// High-risk phrases match unconditionally; medium-risk phrases escalate
// only when an intensifier co-occurs. The two-tier design avoids false
// positives from mild hopelessness language while still escalating when
// urgency language is present.
func IsCrisis(text string) bool {
	normalized := Normalize(text)
	if matchesAny(highRiskPatterns, normalized) {
		return true
	}
	score := 0
	if matchesAny(mediumRiskPatterns, normalized) {
		score++
	}
	if matchesAny(intensifierPatterns, normalized) {
		score++
	}
	return score >= 2
}

// IsDistress reports whether the text carries an elevated emotional-strain
// signal. Independent of crisis detection.
func IsDistress(text string) bool {
	return matchesAny(distressPatterns, Normalize(text))
}

// IsGreeting reports whether the text is a plain greeting.
func IsGreeting(text string) bool {
	normalized := Normalize(text)
	if normalized == "" || len(normalized) > maxGreetingLen {
		return false
	}
	return greetingPattern.MatchString(normalized)
}

// IsPresenceCheck reports whether the text asks if the bot is present.
func IsPresenceCheck(text string) bool {
	normalized := Normalize(text)
	if normalized == "" || len(normalized) > maxPresenceLen {
		return false
	}
	return matchesAny(presencePatterns, normalized)
}

// IsCapabilitiesRequest reports whether the text asks what the bot can do.
func IsCapabilitiesRequest(text string) bool {
	normalized := Normalize(text)
	if normalized == "" || len(normalized) > maxCapabilityLen {
		return false
	}
	return matchesAny(capabilityPatterns, normalized)
}

// ExtractTopicRequest parses an explicit "let's talk about X" request and
// returns the requested topic. The leading discourse marker is stripped and
// the topic trimmed and truncated to MaxTopicLen. Returns ("", false) when
// the text is not a topic request or the remaining topic is empty.
func ExtractTopicRequest(text string) (string, bool) {
	normalized := Normalize(text)
	if normalized == "" || len(normalized) > maxTopicInputLen {
		return "", false
	}
	m := topicPattern.FindStringSubmatch(normalized)
	if m == nil {
		return "", false
	}
	topic := strings.TrimSpace(m[2])
	if topic == "" {
		return "", false
	}
	if runes := []rune(topic); len(runes) > MaxTopicLen {
		topic = strings.TrimSpace(string(runes[:MaxTopicLen]))
	}
	return topic, true
}
