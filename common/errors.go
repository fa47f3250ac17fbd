package common

import (
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

// Commonly used errors
var (
	ErrNoPermissions = ErrAccessDenied("insufficient permissions")
	ErrThreadClosed  = ErrAccessDenied("thread is closed")
	ErrThreadBanned  = ErrAccessDenied("thread is banned")
	ErrBodyTooLong   = ErrTooLong("update body")
	ErrEmptyBody     = ErrInvalidInput("update body empty")
)

// StatusError is a simple error with HTTP status code attached
type StatusError struct {
	Err  error
	Code int
}

func (e StatusError) Error() string {
	var prefix string
	switch e.Code {
	case 400:
		prefix = "invalid input"
	case 403:
		prefix = "access denied"
	case 404:
		prefix = "not found"
	case 500:
		prefix = "internal server error"
	}
	return fmt.Sprintf("%s: %s", prefix, e.Err)
}

func (e StatusError) Unwrap() error {
	return e.Err
}

// ErrInvalidInput is an error that invalid user input was supplied
func ErrInvalidInput(s string) error {
	return StatusError{errors.New(s), 400}
}

// ErrTooLong is an error that some user input exceeds its length limit
func ErrTooLong(s string) error {
	return ErrInvalidInput(s + " too long")
}

// ErrAccessDenied is an error that user does not have enough access rights
func ErrAccessDenied(s string) error {
	return StatusError{errors.New(s), 403}
}

// ErrInvalidThread is an error that no such live thread exists
func ErrInvalidThread(id string) error {
	return StatusError{fmt.Errorf("no live thread `%s`", id), 404}
}

// ErrInvalidUpdate is an error that no such update exists in a thread
func ErrInvalidUpdate(thread, id string) error {
	return StatusError{
		fmt.Errorf("no update `%s` in thread `%s`", id, thread),
		404,
	}
}

// StatusCode extracts the HTTP status code of err. Errors without an attached
// code are treated as internal server errors.
func StatusCode(err error) int {
	var s StatusError
	if errors.As(err, &s) {
		return s.Code
	}
	return 500
}

// CanIgnoreClientError returns, if client-caused error can be safely ignored
// and not logged
func CanIgnoreClientError(err error) bool {
	if err == nil {
		return true
	}

	var s StatusError
	if errors.As(err, &s) {
		return s.Code >= 400 && s.Code < 500
	}
	var c *websocket.CloseError
	return errors.As(err, &c)
}
