package usecase

import (
	"regexp"
	"strings"

	"line-assistant-relay/internal/domain"
)

// citationMarker matches file-search citations such as "【4:0†source】" and an
// optional trailing period.
var citationMarker = regexp.MustCompile(`【.*?】\.?`)

// Sanitize strips citation markers and surrounding whitespace.
func Sanitize(s string) string {
	return strings.TrimSpace(citationMarker.ReplaceAllString(s, ""))
}

// firstAssistantText returns the text of the first assistant message. Only
// that message is considered, and only if its first content part is text.
func firstAssistantText(msgs []domain.ThreadMessage) (string, bool) {
	for _, m := range msgs {
		if m.Role != domain.RoleAssistant {
			continue
		}
		if len(m.Content) == 0 || m.Content[0].Type != domain.ContentTypeText || m.Content[0].Text == nil {
			return "", false
		}
		return m.Content[0].Text.Value, true
	}
	return "", false
}
