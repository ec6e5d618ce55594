package accumulate

import (
	"regexp"
	"strings"
)

// Shape classifies a single raw message by how likely it is to be the
// complete thought the user intended.
type Shape string

const (
	// ShapeGreetingOnly is a bare salutation ("hi", "hello").
	ShapeGreetingOnly Shape = "greeting_only"
	// ShapeFragment ends with a continuation character (comma, ellipsis,
	// dash, colon).
	ShapeFragment Shape = "fragment"
	// ShapeIncompleteEntity trails off inside an entity reference
	// ("order #", "ticket no.").
	ShapeIncompleteEntity Shape = "incomplete_entity"
	// ShapePossiblyIncomplete is short (under three words) with no
	// terminating punctuation.
	ShapePossiblyIncomplete Shape = "possibly_incomplete"
	// ShapeLikelyComplete shows no signal of more input coming.
	ShapeLikelyComplete Shape = "likely_complete"
)

var greetings = map[string]struct{}{
	"hi": {}, "hello": {}, "hey": {}, "hola": {}, "yo": {},
	"good morning": {}, "good afternoon": {}, "good evening": {},
	"hi there": {}, "hello there": {},
}

// incompleteEntityPattern matches messages that stop right after an entity
// marker, e.g. "order #", "invoice no.", "ticket:".
var incompleteEntityPattern = regexp.MustCompile(`(?i)(#|\bno\.?|\bnum(ber)?|\bid)\s*$`)

// politeClosers are trailing tokens that signal the user considers the
// message finished.
var politeClosers = []string{"please", "thanks", "thank you", "pls", "ty"}

// ClassifyShape returns the shape of a message. Classification is
// case-insensitive and operates on the whitespace-stripped content.
func ClassifyShape(content string) Shape {
	s := strings.TrimSpace(content)
	if s == "" {
		return ShapePossiblyIncomplete
	}
	lower := strings.ToLower(s)
	if _, ok := greetings[strings.Trim(lower, "!.? ")]; ok {
		return ShapeGreetingOnly
	}
	switch s[len(s)-1] {
	case ',', '-', ':':
		return ShapeFragment
	}
	if strings.HasSuffix(s, "...") || strings.HasSuffix(s, "…") {
		return ShapeFragment
	}
	if incompleteEntityPattern.MatchString(s) {
		return ShapeIncompleteEntity
	}
	if len(strings.Fields(s)) < 3 && !hasTerminator(s) {
		return ShapePossiblyIncomplete
	}
	return ShapeLikelyComplete
}

// HasExplicitCompletion reports whether the message carries an explicit
// end-of-input signal: terminal punctuation or a trailing polite token.
func HasExplicitCompletion(content string) bool {
	s := strings.TrimSpace(content)
	if s == "" {
		return false
	}
	if hasTerminator(s) {
		return true
	}
	lower := strings.ToLower(strings.TrimRight(s, "!.? "))
	for _, closer := range politeClosers {
		if lower == closer || strings.HasSuffix(lower, " "+closer) {
			return true
		}
	}
	return false
}

func hasTerminator(s string) bool {
	switch s[len(s)-1] {
	case '.', '?', '!':
		// An entity marker like "no." is not a sentence terminator.
		return !incompleteEntityPattern.MatchString(s)
	}
	return false
}
