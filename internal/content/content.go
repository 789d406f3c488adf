package content

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

// MaxMessageLength is the longest message the backend accepts, in characters.
const MaxMessageLength = 5000

var (
	ErrEmptyMessage   = errors.New("message cannot be empty")
	ErrMessageTooLong = fmt.Errorf("message too long, maximum %d characters", MaxMessageLength)
)

var (
	policy   = bluemonday.UGCPolicy()
	markdown = goldmark.New()
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
// It matches the behavior of html/template and is safe for use in HTML attributes.
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// ValidateMessage trims the text and checks it against the backend limits.
func ValidateMessage(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return "", ErrMessageTooLong
	}
	return text, nil
}

// RenderHTML renders message markdown to HTML and sanitizes the result.
func RenderHTML(text string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return Sanitize(buf.String()), nil
}
