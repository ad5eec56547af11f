// Package phonetic resolves a spoken or mistyped phrase to one of a fixed
// set of names, such as the titles of the available games.
//
// Transcribed speech rarely spells a title exactly ("advice the child",
// "stole the police"), so matching runs in two stages:
//
//  1. Phonetic candidates: Double Metaphone codes are computed for every
//     content word of the phrase and of each name. A name sharing at least
//     one code is a candidate and is accepted when its Jaro-Winkler
//     similarity reaches the phonetic threshold (default 0.70).
//
//  2. Fuzzy fallback: without phonetic candidates, a name is accepted on
//     Jaro-Winkler similarity alone at the stricter fuzzy threshold
//     (default 0.85).
//
// Filler words ("let's", "play", "the", "game") are dropped before either
// stage, so "let's play stall the police" and "Stall the Police" normalise to
// the same tokens and match with confidence 1.
package phonetic

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

var fillers = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "of": {}, "to": {}, "i": {},
	"lets": {}, "let": {}, "us": {}, "play": {}, "game": {}, "please": {},
	"want": {}, "wanna": {}, "start": {}, "can": {}, "we": {},
}

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a phonetic
// candidate. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for the fallback
// pass. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a Matcher.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match returns the name in names that best matches phrase. When nothing
// matches, ok is false and confidence is 0.
func (m *Matcher) Match(phrase string, names []string) (name string, confidence float64, ok bool) {
	input := Tokens(phrase)
	if len(input) == 0 || len(names) == 0 {
		return "", 0, false
	}
	inputFull := strings.Join(input, " ")
	inputCodes := codesForTokens(input)

	var (
		best         string
		bestScore    float64
		bestPhonetic bool
	)
	for _, n := range names {
		tokens := Tokens(n)
		if len(tokens) == 0 {
			continue
		}
		full := strings.Join(tokens, " ")
		if full == inputFull {
			return n, 1, true
		}

		score := similarity(input, tokens, inputFull, full)
		if codesOverlap(inputCodes, codesForTokens(tokens)) {
			if score >= m.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				best, bestScore, bestPhonetic = n, score, true
			}
			continue
		}
		if !bestPhonetic && score >= m.fuzzyThreshold && score > bestScore {
			best, bestScore = n, score
		}
	}
	if best == "" {
		return "", 0, false
	}
	return best, bestScore, true
}

// Tokens lower-cases s, strips punctuation and drops filler words.
func Tokens(s string) []string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	out := words[:0]
	for _, w := range words {
		w = strings.ReplaceAll(w, "'", "")
		if w == "" {
			continue
		}
		if _, skip := fillers[w]; skip {
			continue
		}
		out = append(out, w)
	}
	return out
}

func codesForTokens(tokens []string) map[string]struct{} {
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

// similarity is the best Jaro-Winkler score over the full phrases, the
// phrases with spaces removed, and the average best match per name token.
// Averaging over the name's tokens keeps a single shared word ("the", a
// common noun) from carrying a multi-word title.
func similarity(input, name []string, inputFull, nameFull string) float64 {
	score := matchr.JaroWinkler(inputFull, nameFull, false)

	if len(input) > 1 || len(name) > 1 {
		if s := matchr.JaroWinkler(strings.Join(input, ""), strings.Join(name, ""), false); s > score {
			score = s
		}
	}

	var sum float64
	for _, nt := range name {
		var top float64
		for _, it := range input {
			top = max(top, matchr.JaroWinkler(it, nt, false))
		}
		sum += top
	}
	return max(score, sum/float64(len(name)))
}
