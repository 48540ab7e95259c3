package api

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrTooLarge       = errors.New("request too large")
)

// requestError is a client mistake tied to one request field.
type requestError struct {
	param string
	code  string
	msg   string
	kind  error
}

func (e *requestError) Error() string { return e.msg }

func (e *requestError) Unwrap() error { return e.kind }

func invalidf(param, code, format string, args ...any) error {
	return &requestError{param: param, code: code, msg: fmt.Sprintf(format, args...), kind: ErrInvalidRequest}
}

func tooLargef(param, format string, args ...any) error {
	return &requestError{param: param, code: "too_large", msg: fmt.Sprintf(format, args...), kind: ErrTooLarge}
}
