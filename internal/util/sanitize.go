package util

import (
	"regexp"
	"strings"
)

var controlChars = regexp.MustCompile(`[\x00-\x1F\x7F]+`)

// SanitizeForLog removes control characters and newlines from user content before logging.
func SanitizeForLog(s string) string {
	if s == "" {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return controlChars.ReplaceAllString(s, " ")
}

// SanitizeAndTruncate sanitizes s and caps it at max bytes. Request paths and
// user agents go through this before they are stored on a SecurityEvent.
func SanitizeAndTruncate(s string, max int) string {
	s = SanitizeForLog(s)
	if max > 0 && len(s) > max {
		s = s[:max]
	}
	return s
}
