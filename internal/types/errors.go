package types

import (
	"errors"
	"fmt"
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// Error kinds. Every domain error unwraps to exactly one of these.
var (
	ErrConflict = errors.New("conflict")
	ErrNotFound = errors.New("not found")
	ErrTimeout  = errors.New("timeout")
	ErrInvalid  = errors.New("invalid")
)

// CodedError carries a stable machine-readable code next to its kind.
type CodedError struct {
	Kind    error
	Code    string
	Message string
}

func NewError(kind error, code, format string, args ...any) *CodedError {
	return &CodedError{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error {
	return e.Kind
}

// CodeOf returns the code of the first CodedError in err's chain.
func CodeOf(err error) string {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}
