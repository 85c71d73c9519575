package approval

import (
	"fmt"
	"sort"
	"strings"
)

// Mode is the handling mode for a classified intent.
type Mode string

const (
	// ModeDirectExecute bypasses the orchestrator entirely; the result is
	// delivered to the user immediately.
	ModeDirectExecute Mode = "direct_execute"
	// ModeRequiresApproval routes the payload through Propose and waits for
	// an explicit human decision.
	ModeRequiresApproval Mode = "requires_approval"
	// ModeSequentialBothStages generates content once and reuses it verbatim
	// for both the chat-visible summary and the proposed payload.
	ModeSequentialBothStages Mode = "sequential_both_stages"
)

// intentModes routes the known intent vocabulary. Read-only intents execute
// directly; anything that acts on the outside world on the user's behalf
// needs approval.
var intentModes = map[string]Mode{
	"send_email":    ModeRequiresApproval,
	"create_event":  ModeRequiresApproval,
	"add_todo":      ModeRequiresApproval,
	"set_reminder":  ModeRequiresApproval,
	"linkedin_post": ModeSequentialBothStages,

	"check_gmail_inbox":            ModeDirectExecute,
	"check_gmail_unread":           ModeDirectExecute,
	"summarize_gmail_emails":       ModeDirectExecute,
	"search_gmail_emails":          ModeDirectExecute,
	"check_linkedin_notifications": ModeDirectExecute,
	"get_current_weather":          ModeDirectExecute,
	"get_weather_forecast":         ModeDirectExecute,
}

// Route maps an intent to its handling mode. Intents outside the known
// vocabulary fall back to the classifier's needs_approval flag, which this
// layer trusts.
func Route(intent string, needsApproval bool) Mode {
	if mode, ok := intentModes[intent]; ok {
		return mode
	}
	if needsApproval {
		return ModeRequiresApproval
	}
	return ModeDirectExecute
}

// Summary renders the chat-visible view of a proposed payload. It is a pure
// formatting function over the one canonical payload: the summary and the
// dispatched data can never diverge because nothing is generated twice.
func Summary(intent string, payload map[string]any) string {
	switch intent {
	case "send_email":
		return joinLines(
			line("To", payload["recipient"]),
			line("Subject", payload["subject"]),
			"",
			str(payload["body"]),
		)
	case "create_event":
		return joinLines(
			line("Event", payload["title"]),
			line("When", payload["datetime"]),
			line("Where", payload["location"]),
		)
	case "add_todo":
		return joinLines(
			line("Task", payload["task"]),
			line("Due", payload["due"]),
		)
	case "set_reminder":
		return joinLines(
			line("Reminder", payload["text"]),
			line("At", payload["time"]),
		)
	default:
		keys := make([]string, 0, len(payload))
		for k := range payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lines := make([]string, 0, len(keys))
		for _, k := range keys {
			lines = append(lines, line(k, payload[k]))
		}
		return joinLines(lines...)
	}
}

func line(label string, v any) string {
	s := str(v)
	if s == "" {
		return ""
	}
	return fmt.Sprintf("%s: %s", label, s)
}

func str(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func joinLines(lines ...string) string {
	kept := lines[:0]
	for _, l := range lines {
		if l != "" || (len(kept) > 0 && kept[len(kept)-1] != "") {
			kept = append(kept, l)
		}
	}
	// Trim a trailing blank left by an absent final section.
	for len(kept) > 0 && kept[len(kept)-1] == "" {
		kept = kept[:len(kept)-1]
	}
	return strings.Join(kept, "\n")
}
