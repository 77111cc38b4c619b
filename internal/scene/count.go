package scene

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// CountWords normalizes text to NFC, turns punctuation and symbols into
// spaces and counts the remaining whitespace separated tokens.
func CountWords(text string, p Profile) int {
	runes := []rune(norm.NFC.String(text))
	for i, r := range runes {
		if !unicode.IsPunct(r) && !unicode.IsSymbol(r) {
			continue
		}
		if p.KeepJoiners && isJoiner(r) && i > 0 && i < len(runes)-1 &&
			isWordRune(runes[i-1]) && isWordRune(runes[i+1]) {
			continue
		}
		runes[i] = ' '
	}
	return len(strings.Fields(string(runes)))
}

func isJoiner(r rune) bool {
	switch r {
	case '-', '\'', '’', '‐':
		return true
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
