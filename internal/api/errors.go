package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/pilgrim-chat/internal/chat"
	"github.com/npezzotti/pilgrim-chat/internal/server"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func newStatusError(statusCode int, code chat.Code) *ApiError {
	return &ApiError{
		StatusCode: statusCode,
		Code:       string(code),
		Message:    lower(http.StatusText(statusCode)),
	}
}

func NewBadRequestError() *ApiError {
	return newStatusError(http.StatusBadRequest, chat.CodeInvalid)
}

func NewNotFoundError() *ApiError {
	return newStatusError(http.StatusNotFound, chat.CodeNotFound)
}

func NewInternalServerError(err error) *ApiError {
	e := newStatusError(http.StatusInternalServerError, chat.CodeInternal)
	e.Err = err
	return e
}

func NewUnauthorizedError() *ApiError {
	return newStatusError(http.StatusUnauthorized, chat.CodeUnauthorized)
}

func NewForbiddenError() *ApiError {
	return newStatusError(http.StatusForbidden, chat.CodeForbidden)
}

func NewRequestTooLargeError() *ApiError {
	return newStatusError(http.StatusRequestEntityTooLarge, chat.CodeInvalid)
}

func NewUnsupportedMediaTypeError() *ApiError {
	return newStatusError(http.StatusUnsupportedMediaType, chat.CodeInvalid)
}

// NewDomainError converts a domain error, keeping its message unless it is
// internal.
func NewDomainError(err error) *ApiError {
	var e *chat.Error
	if !errors.As(err, &e) || e.Code == chat.CodeInternal {
		return NewInternalServerError(err)
	}

	return &ApiError{
		StatusCode: server.StatusCode(e.Code),
		Code:       string(e.Code),
		Message:    e.Message,
		Err:        err,
	}
}
