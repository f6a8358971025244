package trigger

import (
	"strings"
	"unicode"
)

// Via records which rule addressed the message to the bot.
type Via string

const (
	ViaPrefix  Via = "prefix"
	ViaMention Via = "mention"
)

// Match is a routed message. Prompt is empty when the author sent only the
// trigger itself.
type Match struct {
	Prompt string
	Via    Via
	Marker string
}

// Empty reports whether nothing was left after stripping the trigger.
func (m Match) Empty() bool { return m.Prompt == "" }

// Router decides whether free text is addressed to the bot.
type Router struct {
	prefixes []string
}

// NewRouter keeps prefixes in the given order; the first one that matches
// wins. Blank entries are ignored.
func NewRouter(prefixes []string) *Router {
	r := &Router{}
	for _, p := range prefixes {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			r.prefixes = append(r.prefixes, p)
		}
	}
	return r
}

// Prefixes returns the normalized prefix list.
func (r *Router) Prefixes() []string {
	out := make([]string, len(r.prefixes))
	copy(out, r.prefixes)
	return out
}

// Route returns the extracted prompt when text starts with a configured
// prefix (case-insensitive) or with a mention of botID.
func (r *Router) Route(text, botID string) (Match, bool) {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return Match{}, false
	}

	for _, p := range r.prefixes {
		if len(raw) >= len(p) && strings.EqualFold(raw[:len(p)], p) {
			return Match{Prompt: cleanPrompt(raw[len(p):]), Via: ViaPrefix, Marker: p}, true
		}
	}

	if marker, ok := mentionMarker(raw, botID); ok {
		return Match{Prompt: cleanPrompt(raw[len(marker):]), Via: ViaMention, Marker: marker}, true
	}
	return Match{}, false
}

func mentionMarker(raw, botID string) (string, bool) {
	if botID == "" {
		return "", false
	}
	for _, marker := range []string{"<@" + botID + ">", "<@!" + botID + ">"} {
		if strings.HasPrefix(raw, marker) {
			return marker, true
		}
	}
	return "", false
}

// cleanPrompt drops punctuation and whitespace that usually follows a
// trigger, as in "julian: hi" or "gpt, hi".
func cleanPrompt(s string) string {
	s = strings.TrimLeftFunc(s, func(r rune) bool {
		switch r {
		case ':', '-', '–', '—', ',', '.':
			return true
		}
		return unicode.IsSpace(r)
	})
	return strings.TrimSpace(s)
}
