package usecase

import (
	"strings"

	"julian-relay/internal/domain"
)

// DefaultPersona is used when no persona is configured.
const DefaultPersona = "You are Julian, a friendly and witty member of this Discord server. " +
	"Answer in the language of the question, keep replies short unless asked for detail, " +
	"and address the current speaker by nickname when it fits."

// BuildPrompt renders the single-string prompt for one turn. turns is the
// history snapshot taken after the user turn was appended.
func BuildPrompt(persona string, turns []domain.Turn, input, speaker string) string {
	history := []string{"Conversation so far:"}
	for _, t := range turns {
		history = append(history, roleLabel(t.Role)+": "+t.Text)
	}

	return strings.Join([]string{
		strings.TrimSpace(persona),
		"Current speaker (nickname): " + speaker,
		strings.Join(history, "\n"),
		"User: " + input,
		"Assistant:",
	}, "\n\n")
}

func roleLabel(r domain.Role) string {
	if r == domain.RoleAssistant {
		return "Assistant"
	}
	return "User"
}
