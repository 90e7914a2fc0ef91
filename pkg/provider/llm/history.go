package llm

import "strings"

// Compact prepares a conversation for backends that require alternating
// roles. Blank messages are dropped and consecutive messages of the same
// role are joined with a newline, as happens when the user speaks again
// before a reply was committed. The Name of the first message in a run is
// kept. messages is not modified.
func Compact(messages []Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n" + text
			continue
		}
		m.Content = text
		out = append(out, m)
	}
	return out
}

// CompleteSentences cuts text after its last sentence terminator that ends
// the text or is followed by a space or line break, so a reply that ran into
// the token limit is not spoken mid-sentence. Text without one is returned
// unchanged.
func CompleteSentences(text string) string {
	text = strings.TrimSpace(text)
	for i := len(text) - 1; i > 0; i-- {
		if !strings.ContainsRune(".!?", rune(text[i])) {
			continue
		}
		if i == len(text)-1 || text[i+1] == ' ' || text[i+1] == '\n' {
			return text[:i+1]
		}
	}
	return text
}
