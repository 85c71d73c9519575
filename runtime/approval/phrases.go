package approval

import (
	"strings"
	"unicode/utf8"
)

// Approval and rejection phrase tables. Matching is case-insensitive and
// positional: multi-word phrases match as substrings, so "yes, go ahead and
// send it" approves, while single-word phrases only match whole words so that
// "nothing urgent" does not trip over "no". Rejection wins when a reply
// matches both sets: cancelling a send must never require an exact phrase.
var (
	approvalPhrases = []string{
		"send it",
		"send",
		"submit",
		"approve",
		"approved",
		"confirm",
		"go ahead",
		"yes",
		"ok",
		"okay",
		"do it",
	}

	rejectionPhrases = []string{
		"cancel",
		"reject",
		"stop",
		"don't send",
		"dont send",
		"no",
		"abort",
		"never mind",
		"nevermind",
	}
)

// Interpret classifies a free-text reply against the fixed phrase tables.
// It is a pure function: no state, no NLU. Returns DecisionNone when the text
// matches neither set so the caller can treat the message as ordinary chat.
func Interpret(text string) Decision {
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return DecisionNone
	}
	for _, phrase := range rejectionPhrases {
		if matches(normalized, phrase) {
			return DecisionReject
		}
	}
	for _, phrase := range approvalPhrases {
		if matches(normalized, phrase) {
			return DecisionApprove
		}
	}
	return DecisionNone
}

func matches(text, phrase string) bool {
	if strings.ContainsRune(phrase, ' ') {
		return strings.Contains(text, phrase)
	}
	return containsWord(text, phrase)
}

// containsWord reports whether phrase occurs in text delimited by non-word
// bytes. Keeps "no" from matching inside "nothing" or "stop" inside
// "stopwatch".
func containsWord(text, phrase string) bool {
	from := 0
	for {
		i := strings.Index(text[from:], phrase)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(phrase)
		before := start == 0 || !isWordByte(text[start-1])
		after := end == len(text) || !isWordByte(text[end])
		if before && after {
			return true
		}
		from = start + 1
	}
}

func isWordByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z':
		return true
	case b >= '0' && b <= '9':
		return true
	case b == '\'':
		return true
	case b >= utf8.RuneSelf:
		// Multibyte runes never delimit a word.
		return true
	}
	return false
}
