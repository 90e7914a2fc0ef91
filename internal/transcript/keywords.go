package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultKeywordPhonetic = 0.70
	defaultKeywordFuzzy    = 0.85

	// minKeywordLengthRatio bounds how much shorter or longer a heard phrase
	// may be than the keyword it is replaced with, counted in letters.
	minKeywordLengthRatio = 0.75
)

// Corrector rewrites recognised text before it enters the transcript feed.
// Implementations must be safe for concurrent use.
type Corrector interface {
	Correct(text string) string
}

// KeywordCorrector replaces phrases that were misheard versions of known
// keywords (names, jargon) with the keyword's canonical spelling.
//
// A phrase is a candidate for a keyword when the two share a Double Metaphone
// code and their Jaro-Winkler similarity reaches the phonetic threshold, or
// when the similarity alone reaches the higher fuzzy threshold. Phrases are
// only compared with keywords of roughly the same length whose first (and
// for multi-word keywords, last) word they resemble.
//
// KeywordCorrector is read-only after construction and safe for concurrent
// use.
type KeywordCorrector struct {
	keywords []keyword
	maxWords int

	phonetic float64
	fuzzy    float64
}

type keyword struct {
	text   string
	tokens []string
	lower  string
	concat string
	codes  map[string]struct{}
}

// KeywordOption configures a KeywordCorrector.
type KeywordOption func(*KeywordCorrector)

// WithPhoneticThreshold sets the similarity a phonetically matching phrase
// needs. Default: 0.70.
func WithPhoneticThreshold(v float64) KeywordOption {
	return func(c *KeywordCorrector) {
		c.phonetic = v
	}
}

// WithFuzzyThreshold sets the similarity a phrase needs without a phonetic
// match. Default: 0.85.
func WithFuzzyThreshold(v float64) KeywordOption {
	return func(c *KeywordCorrector) {
		c.fuzzy = v
	}
}

// NewKeywordCorrector prepares keywords for matching. Blank keywords are
// ignored.
func NewKeywordCorrector(keywords []string, opts ...KeywordOption) *KeywordCorrector {
	c := &KeywordCorrector{
		phonetic: defaultKeywordPhonetic,
		fuzzy:    defaultKeywordFuzzy,
	}
	for _, o := range opts {
		o(c)
	}
	for _, k := range keywords {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		tokens := strings.Fields(strings.ToLower(k))
		c.keywords = append(c.keywords, keyword{
			text:   k,
			tokens: tokens,
			lower:  strings.Join(tokens, " "),
			concat: strings.Join(tokens, ""),
			codes:  metaphoneCodes(tokens),
		})
		c.maxWords = max(c.maxWords, len(tokens)+1)
	}
	return c
}

// Match returns the keyword that phrase most likely stands for, with its
// similarity score. ok is false when no keyword is close enough.
func (c *KeywordCorrector) Match(phrase string) (kw string, score float64, ok bool) {
	tokens := strings.Fields(strings.ToLower(phrase))
	if len(tokens) == 0 {
		return "", 0, false
	}
	full := strings.Join(tokens, " ")
	concat := strings.Join(tokens, "")
	codes := metaphoneCodes(tokens)

	for _, k := range c.keywords {
		if !comparableLength(concat, k.concat) || !c.aligned(tokens, k.tokens) {
			continue
		}
		s := matchr.JaroWinkler(full, k.lower, false)
		if s2 := matchr.JaroWinkler(concat, k.concat, false); s2 > s {
			s = s2
		}
		accept := s >= c.fuzzy || (s >= c.phonetic && codesOverlap(codes, k.codes))
		if accept && s > score {
			kw, score, ok = k.text, s, true
		}
	}
	return kw, score, ok
}

// aligned reports whether a phrase starts like the keyword and, for
// multi-word keywords, also ends like it.
func (c *KeywordCorrector) aligned(phrase, kw []string) bool {
	if matchr.JaroWinkler(phrase[0], kw[0], false) < c.phonetic {
		return false
	}
	if len(kw) > 1 && matchr.JaroWinkler(phrase[len(phrase)-1], kw[len(kw)-1], false) < c.phonetic {
		return false
	}
	return true
}

// Correct rewrites every phrase of text that matches a keyword. At each
// position the best scoring phrase length wins, longer phrases on ties.
// Trailing punctuation of a replaced phrase is kept. Text without any
// match is returned unchanged.
func (c *KeywordCorrector) Correct(text string) string {
	if len(c.keywords) == 0 {
		return text
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text
	}

	out := make([]string, 0, len(tokens))
	changed := false
	for i := 0; i < len(tokens); {
		var (
			best      string
			bestScore float64
			bestN     int
		)
		for n := min(c.maxWords, len(tokens)-i); n >= 1; n-- {
			words := make([]string, n)
			for j := range n {
				words[j] = trimPunct(tokens[i+j])
			}
			kw, score, ok := c.Match(strings.Join(words, " "))
			if ok && score > bestScore {
				best, bestScore, bestN = kw, score, n
			}
		}
		if bestN == 0 {
			out = append(out, tokens[i])
			i++
			continue
		}

		last := tokens[i+bestN-1]
		replaced := best + last[len(trimPunct(last)):]
		if bestN > 1 || replaced != tokens[i] {
			changed = true
		}
		out = append(out, replaced)
		i += bestN
	}
	if !changed {
		return text
	}
	return strings.Join(out, " ")
}

// trimPunct strips trailing punctuation from a token.
func trimPunct(tok string) string {
	return strings.TrimRightFunc(tok, unicode.IsPunct)
}

func comparableLength(a, b string) bool {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	if la < 3 || lb == 0 {
		return false
	}
	if la > lb {
		la, lb = lb, la
	}
	return float64(la)/float64(lb) >= minKeywordLengthRatio
}

// metaphoneCodes returns the union of the Double Metaphone codes of tokens.
func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}
