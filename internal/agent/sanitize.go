package agent

import (
	"regexp"
	"strings"
)

var thinkingTagRe = regexp.MustCompile(`(?s)<(thinking|reasoning)>.*?</(thinking|reasoning)>`)

// sanitizeResponse strips model artifacts that must not reach a chat
// surface: thinking/reasoning blocks and leading blank lines.
func sanitizeResponse(content string) string {
	content = thinkingTagRe.ReplaceAllString(content, "")
	content = strings.TrimLeft(content, "\n\r")
	return strings.TrimRight(content, " \n\r\t")
}
