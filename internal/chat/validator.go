package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Content limits. Byte and rune limits both apply so a message of wide
// runes cannot outgrow a frame.
const (
	MaxMessageBytes = 8192
	MaxTextChars    = 4000
	MaxGroupName    = 100
)

// ErrInvalidContent wraps every validation failure below.
var ErrInvalidContent = errors.New("chat: invalid content")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidContent}, args...)...)
}

// ValidateMessage rejects blank, oversized or malformed message text.
func ValidateMessage(text string) error {
	switch {
	case !utf8.ValidString(text):
		return invalid("message is not valid UTF-8")
	case strings.TrimSpace(text) == "":
		return invalid("message is empty")
	case len(text) > MaxMessageBytes:
		return invalid("message is over %d bytes", MaxMessageBytes)
	case utf8.RuneCountInString(text) > MaxTextChars:
		return invalid("message is over %d characters", MaxTextChars)
	}
	return nil
}

// ValidateGroupName rejects names that are blank, too long or contain
// control characters such as newlines.
func ValidateGroupName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return invalid("group name is empty")
	}
	if utf8.RuneCountInString(name) > MaxGroupName {
		return invalid("group name is over %d characters", MaxGroupName)
	}
	if strings.IndexFunc(name, unicode.IsControl) >= 0 {
		return invalid("group name contains control characters")
	}
	return nil
}
