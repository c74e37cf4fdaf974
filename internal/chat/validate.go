package chat

import (
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/npezzotti/pilgrim-chat/internal/types"
)

const MaxTextLength = 4000

var memberIdRe = regexp.MustCompile(`^[0-9]{4}$`)

func ValidMemberId(id string) bool {
	return memberIdRe.MatchString(id)
}

// normalizeContent validates content for typ and returns the value to store.
func normalizeContent(typ types.MessageType, content string, duration *int) (string, error) {
	if !typ.Valid() {
		return "", ErrInvalidType
	}

	if duration != nil && (!typ.IsMedia() || *duration < 0) {
		return "", ErrInvalidDuration
	}

	if typ.IsMedia() {
		content = strings.TrimSpace(content)
		if content == "" {
			return "", ErrEmptyContent
		}
		u, err := url.Parse(content)
		if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", ErrInvalidMediaURL
		}
		return content, nil
	}

	return normalizeText(content)
}

func normalizeText(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > MaxTextLength {
		return "", ErrContentTooLong
	}
	return content, nil
}

func validEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

func preview(content string, n int) string {
	if utf8.RuneCountInString(content) <= n {
		return content
	}
	r := []rune(content)
	return string(r[:n]) + "…"
}
