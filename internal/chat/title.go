package chat

import (
	"regexp"
	"strings"
)

const maxTitleLen = 150

var (
	fencedCodeRe   = regexp.MustCompile("(?s)```.*?```")
	danglingCodeRe = regexp.MustCompile("(?s)```.*$")
	inlineCodeRe   = regexp.MustCompile("`([^`]*)`")
	linkRe         = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	urlRe          = regexp.MustCompile(`https?://\S+`)
	markupRe       = regexp.MustCompile(`[*_~#>]+`)
	sentenceEndRe  = regexp.MustCompile(`[.!?](\s|$)`)
)

// DeriveTitle turns the first user prompt into a conversation title: code
// fences, markdown markup, and URLs are stripped, whitespace collapsed, and
// the result cut to 150 characters, preferring the first real sentence.
func DeriveTitle(prompt string) string {
	s := fencedCodeRe.ReplaceAllString(prompt, " ")
	s = danglingCodeRe.ReplaceAllString(s, " ")
	s = inlineCodeRe.ReplaceAllString(s, "$1")
	s = linkRe.ReplaceAllString(s, "$1")
	s = urlRe.ReplaceAllString(s, " ")
	s = markupRe.ReplaceAllString(s, " ")
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return "New conversation"
	}

	for _, loc := range sentenceEndRe.FindAllStringIndex(s, -1) {
		sentence := strings.TrimSpace(s[:loc[0]])
		if len([]rune(sentence)) >= 8 {
			s = sentence
			break
		}
	}
	return truncateRunes(s, maxTitleLen)
}

// truncateRunes cuts s to at most n runes, breaking at the last space when
// one falls in the final stretch.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	cut := string(runes[:n])
	if idx := strings.LastIndex(cut, " "); idx > n/2 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut)
}
