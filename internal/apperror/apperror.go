// Package apperror carries client-facing failures from the service layer to
// the HTTP and CLI surfaces.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	BadRequest Code = "BAD_REQUEST"
	NotFound   Code = "NOT_FOUND"
	Internal   Code = "INTERNAL"
	Conflict   Code = "CONFLICT"
)

var statusByCode = map[Code]int{
	BadRequest: http.StatusBadRequest,
	NotFound:   http.StatusNotFound,
	Conflict:   http.StatusConflict,
}

// AppError is an error whose message is safe to show to the caller. The
// optional cause stays available to errors.Is but is never shown.
type AppError struct {
	code    Code
	message string
	cause   error
}

func New(code Code, message string) *AppError {
	return &AppError{code: code, message: message}
}

func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{code: code, message: fmt.Sprintf(format, args...)}
}

// Wrap attaches cause to a new AppError.
func Wrap(cause error, code Code, format string, args ...any) *AppError {
	return &AppError{code: code, message: fmt.Sprintf(format, args...), cause: cause}
}

func (e *AppError) Error() string   { return e.message }
func (e *AppError) Unwrap() error   { return e.cause }
func (e *AppError) Code() Code      { return e.code }
func (e *AppError) Message() string { return e.message }

func (e *AppError) HTTPStatus() int {
	if s, ok := statusByCode[e.code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// As returns the first *AppError in err's chain.
func As(err error) (*AppError, bool) {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

func HasCode(err error, code Code) bool {
	ae, ok := As(err)
	return ok && ae.code == code
}
