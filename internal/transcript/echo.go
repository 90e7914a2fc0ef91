package transcript

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultEchoOverlap = 0.6
	defaultEchoJW      = 0.9
)

// EchoFilter recognises transcripts that are the agent's own reply picked up
// again by the microphone. A heard word counts as echoed when it shares a
// Double Metaphone code with a word of the spoken reply or is close to one by
// Jaro-Winkler similarity.
//
// EchoFilter is read-only after construction and safe for concurrent use.
type EchoFilter struct {
	overlap float64
	jw      float64
}

// EchoOption configures an EchoFilter.
type EchoOption func(*EchoFilter)

// WithEchoOverlap sets the fraction of heard words that must be echoed for
// the transcript to be classified as echo. Default: 0.6.
func WithEchoOverlap(ratio float64) EchoOption {
	return func(f *EchoFilter) {
		if ratio > 0 && ratio <= 1 {
			f.overlap = ratio
		}
	}
}

// NewEchoFilter returns an EchoFilter.
func NewEchoFilter(opts ...EchoOption) *EchoFilter {
	f := &EchoFilter{overlap: defaultEchoOverlap, jw: defaultEchoJW}
	for _, o := range opts {
		o(f)
	}
	return f
}

// IsEcho reports whether heard is most likely a rendition of spoken.
func (f *EchoFilter) IsEcho(heard, spoken string) bool {
	heardTokens := tokenize(heard)
	spokenTokens := tokenize(spoken)
	if len(heardTokens) == 0 || len(spokenTokens) == 0 {
		return false
	}

	spokenCodes := make([]map[string]struct{}, len(spokenTokens))
	for i, t := range spokenTokens {
		spokenCodes[i] = codesFor(t)
	}

	echoed := 0
	for _, h := range heardTokens {
		hc := codesFor(h)
		for i, s := range spokenTokens {
			if codesOverlap(hc, spokenCodes[i]) || matchr.JaroWinkler(h, s, false) >= f.jw {
				echoed++
				break
			}
		}
	}
	return float64(echoed)/float64(len(heardTokens)) >= f.overlap
}

// WordCount returns the number of words in text.
func WordCount(text string) int {
	return len(tokenize(text))
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// codesFor returns the Double Metaphone codes of one word. Words without
// consonants produce no codes and only match through Jaro-Winkler.
func codesFor(word string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(word)
	if p != "" {
		codes[p] = struct{}{}
	}
	if s != "" {
		codes[s] = struct{}{}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
