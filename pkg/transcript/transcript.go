// Package transcript renders recorded conversations as plain-text
// transcripts for human support handoff.
package transcript

import (
	"fmt"
	"strings"
	"time"

	"github.com/replywell/chatkit-creds/pkg/chatkit"
)

const ruleWidth = 80

// FormatTimestamp converts an ISO timestamp to a readable UTC form,
// returning the input unchanged when it does not parse.
func FormatTimestamp(ts string) string {
	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		parsed, err = time.Parse("2006-01-02T15:04:05", ts)
	}
	if err != nil {
		return ts
	}
	return parsed.UTC().Format("2006-01-02 15:04:05 UTC")
}

func speaker(role string) string {
	switch strings.ToLower(role) {
	case "user", "human":
		return "USER"
	case "assistant", "bot", "ai", "agent":
		return "BOT"
	default:
		return strings.ToUpper(role)
	}
}

// Format renders a single conversation: a header block with its
// identifiers and timestamps, then every turn with a normalized speaker
// label.
func Format(conv *chatkit.Conversation) string {
	var lines []string

	rule := strings.Repeat("=", ruleWidth)
	lines = append(lines, rule)
	lines = append(lines, fmt.Sprintf("CONVERSATION ID: %s", orNA(conv.ID)))
	lines = append(lines, fmt.Sprintf("Session ID: %s", orNA(conv.SessionID)))

	if conv.CreatedAt != "" {
		lines = append(lines, fmt.Sprintf("Started: %s", FormatTimestamp(conv.CreatedAt)))
	}
	if conv.UpdatedAt != "" {
		lines = append(lines, fmt.Sprintf("Last Updated: %s", FormatTimestamp(conv.UpdatedAt)))
	}
	if conv.Source != "" {
		lines = append(lines, fmt.Sprintf("Source: %s", conv.Source))
	}
	if conv.UserID != "" {
		lines = append(lines, fmt.Sprintf("User ID: %s", conv.UserID))
	}

	lines = append(lines, rule)
	lines = append(lines, "")

	turns := conv.Turns()
	if len(turns) > 0 {
		lines = append(lines, "TRANSCRIPT:")
		lines = append(lines, strings.Repeat("-", ruleWidth))

		for _, message := range turns {
			ts := ""
			if t := message.Time(); t != "" {
				ts = fmt.Sprintf(" [%s]", FormatTimestamp(t))
			}

			lines = append(lines, fmt.Sprintf("\n[%s]%s", speaker(message.Speaker()), ts))
			lines = append(lines, message.Body())

			if message.Feedback != nil {
				lines = append(lines, fmt.Sprintf("  Feedback: %v", message.Feedback))
			}
		}
		lines = append(lines, strings.Repeat("-", ruleWidth))
	} else {
		lines = append(lines, "No transcript available.")
	}

	lines = append(lines, "")
	lines = append(lines, "")

	return strings.Join(lines, "\n")
}

// FormatAll renders a batch of conversations with a count header and a
// banner between conversations.
func FormatAll(conversations []chatkit.Conversation) string {
	if len(conversations) == 0 {
		return "\nNo conversations found for the specified date range.\n"
	}

	rule := strings.Repeat("=", ruleWidth)
	banner := strings.Repeat("#", ruleWidth)

	var out []string
	out = append(out, fmt.Sprintf("\n%s\nFOUND %d CONVERSATION(S)\n%s\n", rule, len(conversations), rule))

	for i := range conversations {
		out = append(out, fmt.Sprintf("\n%s\nCONVERSATION #%d of %d\n%s\n", banner, i+1, len(conversations), banner))
		out = append(out, Format(&conversations[i]))
	}

	return strings.Join(out, "\n")
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
