package chat

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeNotFound     Code = "not_found"
	CodeForbidden    Code = "forbidden"
	CodeInvalid      Code = "invalid"
	CodeUnauthorized Code = "unauthorized"
	CodeUnavailable  Code = "unavailable"
	CodeInternal     Code = "internal"
)

// Error is a domain failure. Two Errors match under errors.Is when their codes
// are equal and the target's message is empty or equal.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// Wrap returns a copy of e carrying cause.
func (e *Error) Wrap(cause error) *Error {
	return &Error{Code: e.Code, Message: e.Message, Cause: cause}
}

func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Internal(cause error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", Cause: cause}
}

func Unavailable(cause error) *Error {
	return &Error{Code: CodeUnavailable, Message: "service unavailable", Cause: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

var (
	ErrMemberNotFound          = NewError(CodeNotFound, "member not found")
	ErrConversationNotFound    = NewError(CodeNotFound, "conversation not found")
	ErrMessageNotFound         = NewError(CodeNotFound, "message not found")
	ErrCannotStartConversation = NewError(CodeNotFound, "could not start conversation")

	ErrNotParticipant = NewError(CodeForbidden, "not a participant of this conversation")
	ErrNotSender      = NewError(CodeForbidden, "only the sender can change this message")

	ErrInvalidMemberId     = NewError(CodeInvalid, "member id must be exactly 4 digits")
	ErrSelfConversation    = NewError(CodeInvalid, "cannot start a conversation with yourself")
	ErrInvalidType         = NewError(CodeInvalid, "message type must be text, voice or video")
	ErrEmptyContent        = NewError(CodeInvalid, "message content cannot be empty")
	ErrContentTooLong      = NewError(CodeInvalid, "message content is too long")
	ErrInvalidMediaURL     = NewError(CodeInvalid, "media content must be an absolute http(s) url")
	ErrInvalidDuration     = NewError(CodeInvalid, "duration is only allowed on voice and video messages and cannot be negative")
	ErrReplyTargetNotFound = NewError(CodeInvalid, "reply target is not a message in this conversation")
	ErrEditNonText         = NewError(CodeInvalid, "only text messages can be edited")
	ErrInvalidCursor       = NewError(CodeInvalid, "cursor is not a message in this conversation")
	ErrInvalidLimit        = NewError(CodeInvalid, "limit cannot be negative")
	ErrInvalidName         = NewError(CodeInvalid, "name cannot be empty")
	ErrInvalidEmail        = NewError(CodeInvalid, "invalid email address")
	ErrUnknownTopic        = NewError(CodeInvalid, "unknown topic")

	ErrUnauthorized = NewError(CodeUnauthorized, "unauthorized")
)
