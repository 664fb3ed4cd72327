package world

import (
	"regexp"
	"strings"
)

// Mentions are routing signals: @name at the start of a paragraph
// (string start or immediately after a newline). Mid-paragraph @-tokens
// are plain text.
var mentionRe = regexp.MustCompile(`(?m)^[ \t]*@([a-z0-9][a-z0-9_-]*)`)

// ExtractMentions returns the set of paragraph-start mentions in content,
// lower-cased, in first-appearance order, deduplicated.
func ExtractMentions(content string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range mentionRe.FindAllStringSubmatch(strings.ToLower(content), -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// HasParagraphMention reports whether content carries any
// paragraph-beginning mention.
func HasParagraphMention(content string) bool {
	return mentionRe.MatchString(strings.ToLower(content))
}

// PrependMention rewrites content to open with "@agentID " so the
// main-agent routing rule turns an unaddressed human message into a
// directed one.
func PrependMention(agentID, content string) string {
	return "@" + agentID + " " + content
}
