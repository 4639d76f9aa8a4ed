package scoring

import (
	"strings"
	"unicode"

	"golang.org/x/net/html"
)

// Snippet prepares publication text for an LLM prompt: HTML markup is
// stripped, whitespace collapsed, and the result truncated to maxLen runes
// on a word boundary where possible. Feeds and scraped abstracts routinely
// carry embedded markup, so this runs on every snippet.
func Snippet(text string, maxLen int) string {
	text = stripHTML(text)
	text = collapseWhitespace(text)
	if maxLen <= 0 || len([]rune(text)) <= maxLen {
		return text
	}

	runes := []rune(text)
	cut := maxLen
	for i := maxLen - 1; i > maxLen/2; i-- {
		if unicode.IsSpace(runes[i]) {
			cut = i
			break
		}
	}
	return strings.TrimSpace(string(runes[:cut])) + "…"
}

func stripHTML(s string) string {
	if !strings.ContainsRune(s, '<') {
		return s
	}

	var b strings.Builder
	tz := html.NewTokenizer(strings.NewReader(s))
	skipDepth := 0
	for {
		switch tz.Next() {
		case html.ErrorToken:
			return b.String()
		case html.StartTagToken:
			name, _ := tz.TagName()
			if tag := string(name); tag == "script" || tag == "style" {
				skipDepth++
			}
		case html.EndTagToken:
			name, _ := tz.TagName()
			if tag := string(name); (tag == "script" || tag == "style") && skipDepth > 0 {
				skipDepth--
			}
		case html.TextToken:
			if skipDepth == 0 {
				b.Write(tz.Text())
				b.WriteByte(' ')
			}
		}
	}
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
