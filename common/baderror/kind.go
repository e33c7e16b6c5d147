package baderror

import (
	"errors"

	E "github.com/sagernet/sing/common/exceptions"
)

type kindError struct {
	kind  error
	cause error
}

// WithKind tags cause with a sentinel kind, so that errors.Is matches both the
// kind and anything in the cause chain.
func WithKind(kind error, cause error, message ...any) error {
	if cause == nil {
		return nil
	}
	if len(message) > 0 {
		cause = E.Cause(cause, message...)
	}
	return &kindError{kind, cause}
}

func (e *kindError) Error() string {
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *kindError) Unwrap() error {
	return e.cause
}

func (e *kindError) Is(target error) bool {
	return target == e.kind
}

// Kind returns the first of kinds that err matches, checked in argument
// order, or nil.
func Kind(err error, kinds ...error) error {
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
