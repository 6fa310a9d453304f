package generic

import "strings"

// Lead-in selection for the audio path is an ordered predicate table,
// first match wins. Order matters: question beats greeting beats
// request beats length.
type leadInRule struct {
	name   string
	match  func(string) bool
	prefix string
}

var leadInRules = []leadInRule{
	{"question", isQuestion, "Here's what you asked: "},
	{"greeting", isGreeting, "You said: "},
	{"request", isRequest, "Your request was: "},
	{"long", func(s string) bool { return len(s) > 50 }, "Here's your text: "},
}

const defaultLeadIn = "Repeating: "

func leadInFor(text string) string {
	trimmed := strings.TrimSpace(text)
	for _, r := range leadInRules {
		if r.match(trimmed) {
			return r.prefix
		}
	}
	return defaultLeadIn
}

var questionStarters = []string{
	"what", "how", "why", "when", "where", "who", "which",
	"is ", "are ", "can ", "could ", "would ", "do ", "does ", "did ",
}

func isQuestion(s string) bool {
	if strings.Contains(s, "?") {
		return true
	}
	lower := strings.ToLower(s)
	for _, w := range questionStarters {
		if strings.HasPrefix(lower, w) {
			return true
		}
	}
	return false
}

var greetings = []string{"hi", "hello", "hey", "good morning", "good afternoon", "good evening", "greetings"}

func isGreeting(s string) bool {
	lower := strings.ToLower(s)
	for _, g := range greetings {
		if lower == g || strings.HasPrefix(lower, g+" ") || strings.HasPrefix(lower, g+",") || strings.HasPrefix(lower, g+"!") {
			return true
		}
	}
	return false
}

var requestVerbs = []string{
	"please", "make", "write", "create", "generate", "tell", "give",
	"show", "play", "read", "say", "repeat", "sing", "explain",
}

func isRequest(s string) bool {
	lower := strings.ToLower(s)
	for _, v := range requestVerbs {
		if strings.HasPrefix(lower, v+" ") {
			return true
		}
	}
	return false
}
