package engine

import "github.com/BTreeMap/CareLoop/internal/models"

// User-facing copy. Kept as constants so flows and tests share one source.
const (
	// CrisisMessage is sent unconditionally when a message matches the
	// crisis classifier. It must never be replaced by generated text.
	CrisisMessage = "It sounds like you're going through something really serious. " +
		"I'm not able to help with a crisis, but you don't have to face this alone.\n\n" +
		"Please reach out right now to your local emergency number, or a crisis line " +
		"such as 988 (US) or find one at findahelpline.com. " +
		"If you can, tell someone near you how you're feeling."

	SlowDownMessage = "You're sending messages a little fast for me. " +
		"Give me a second and try again."

	TechnicalErrorMessage = "Something went wrong on my side. Please try again in a moment."

	GreetingReply = "Hi! I'm here. How are you feeling today?"

	CapabilitiesMessage = "Here's what I can do:\n" +
		"- chat with you about whatever is on your mind\n" +
		"- run a quick mood/anxiety/energy check-in\n" +
		"- help you set a small goal for our session\n" +
		"- share grounding exercises when things feel heavy\n" +
		"Use the menu below, or just start typing."

	ChooseTopicPrompt = "What would you like to focus on today? " +
		"Pick one below, or tell me in your own words (\"let's talk about work\")."

	GenderPrompt  = "Let's set up your profile. How do you identify?"
	NamePrompt    = "What should I call you?"
	AgePrompt     = "How old are you?"
	AgeReprompt   = "Please send your age as a number between 8 and 120."
	AboutPrompt   = "Tell me a little about yourself, or tap Skip."
	MainMenuIntro = "All set! You can chat with me any time. Here's your menu:"

	GoalPrompt        = "What's one thing you'd like to get out of our conversation today?"
	GoalSavedReply    = "Got it. I'll keep that in mind as we talk."
	OutcomePrompt     = "How did it go? Tell me what happened."
	OutcomeSavedReply = "Thanks for sharing that. I've noted it."

	SupportOfferMessage = "I've noticed things have felt heavy for a while. " +
		"Would one of these help right now?"

	NoActiveCheckinMessage = "There's no check-in running right now."
	InvalidValueMessage    = "That value is out of range. Please pick a number from 0 to 10."

	ResetConfirmPrompt = "This will erase your profile, chat history and check-ins. " +
		"Are you sure?"
	ResetDoneMessage      = "Everything has been erased. Say hi whenever you want to start fresh."
	ResetCancelledMessage = "No problem, nothing was deleted."

	VoiceUnsupportedMessage = "I couldn't process that voice note. " +
		"Could you type it out instead?"
)

// Main-menu labels. Inbound text equal to one of these belongs to the
// gateway menu handling, not to the flow resolver.
const (
	MenuLabelCheckin = "Check-in"
	MenuLabelGoal    = "Set a goal"
	MenuLabelOutcome = "Log an outcome"
	MenuLabelSupport = "Support"
	MenuLabelReset   = "Reset"
)

var menuLabels = map[string]struct{}{
	MenuLabelCheckin: {},
	MenuLabelGoal:    {},
	MenuLabelOutcome: {},
	MenuLabelSupport: {},
	MenuLabelReset:   {},
}

// MainMenuChoices is the persistent menu row offered after onboarding.
func MainMenuChoices() []models.Choice {
	return []models.Choice{
		{Label: MenuLabelCheckin, Data: "checkin:start"},
		{Label: MenuLabelGoal, Data: "goal:start"},
		{Label: MenuLabelOutcome, Data: "outcome:start"},
		{Label: MenuLabelSupport, Data: "support:menu"},
		{Label: MenuLabelReset, Data: "reset:start"},
	}
}

func genderChoices() []models.Choice {
	return []models.Choice{
		{Label: "Female", Data: "gender:female"},
		{Label: "Male", Data: "gender:male"},
		{Label: "Other / prefer not to say", Data: "gender:other"},
	}
}

func topicChoices() []models.Choice {
	return []models.Choice{
		{Label: "Stress", Data: "topic:stress"},
		{Label: "Relationships", Data: "topic:relationships"},
		{Label: "Work", Data: "topic:work"},
		{Label: "Just talk", Data: "topic:general"},
	}
}

func topicAck(topic string) string {
	return "Okay, let's talk about " + topic + ". What's on your mind?"
}

// SupportMenu is the static grounding menu, emitted by the support offer
// and available on demand.
func SupportMenu() models.OutboundRender {
	return models.Render(
		"Here are a few things that can help right now:\n"+
			"- Box breathing: in 4, hold 4, out 4, hold 4. Repeat x4.\n"+
			"- 5-4-3-2-1 grounding: name 5 things you see, 4 you can touch, "+
			"3 you hear, 2 you smell, 1 you taste.\n"+
			"- A short walk, water, or stepping away from the screen.\n"+
			"If things feel unsafe, please contact a crisis line such as 988 (US).",
		models.Choice{Label: "Quick check-in", Data: "checkin:start"},
	)
}
