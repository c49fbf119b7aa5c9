package transcript

import (
	"strings"
	"unicode"
)

// Normalize lowercases text, drops apostrophes inside words, turns other
// punctuation into separators and collapses whitespace. Symbols and emoji are
// ignored so STT formatting noise does not affect matching.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))

	prevSpace := true
	for _, r := range strings.ToLower(raw) {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r):
			b.WriteRune(r)
			prevSpace = false
		case r == '\'' || r == '’':
			// "how's" and "hows" are the same word to the recognizer.
		case unicode.IsSpace(r) || unicode.IsPunct(r):
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// Similarity scores two normalized strings in [0,1]. The base score is the
// share of rune positions that agree, measured against the longer string.
// When one string contains the other and the shorter has at least minContain
// runes the score is 1, which is what progressive interim growth looks like.
func Similarity(a, b string, minContain int) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	short, long := ra, rb
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) >= minContain && strings.Contains(string(long), string(short)) {
		return 1
	}
	same := 0
	for i := range short {
		if short[i] == long[i] {
			same++
		}
	}
	return float64(same) / float64(len(long))
}

func runeLen(s string) int {
	return len([]rune(s))
}
