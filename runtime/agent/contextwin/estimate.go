package contextwin

import (
	"unicode"
	"unicode/utf8"
)

// bytesPerToken approximates BPE tokenizers on Latin text.
const bytesPerToken = 4

// Estimate approximates the token count of text: ideographic and kana or
// hangul runes count as one token each, everything else as one token per four
// bytes. Use a provider token counter when exact figures matter.
func Estimate(text string) int {
	tokens, other := 0, 0
	for _, r := range text {
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) {
			tokens++
			continue
		}
		other += utf8.RuneLen(r)
	}
	return tokens + (other+bytesPerToken-1)/bytesPerToken
}
