package visit

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	ErrValidation        = errors.New("validation error")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrConflict          = errors.New("conflict")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
)

// Error carries a kind and a message that is shown to the actor as-is.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

func validationError(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

func unauthorized(format string, args ...any) error {
	return &Error{Kind: ErrUnauthorized, Message: fmt.Sprintf(format, args...)}
}

func conflict(expected, current int) error {
	return &Error{
		Kind:    ErrConflict,
		Message: fmt.Sprintf("visit was modified concurrently: expected version %d but it is at version %d", expected, current),
	}
}

func notFound(id fmt.Stringer) error {
	return &Error{Kind: ErrNotFound, Message: fmt.Sprintf("visit %s not found", id)}
}

func invalidTransition(format string, args ...any) error {
	return &Error{Kind: ErrInvalidTransition, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the sentinel kind of err, or nil for infrastructure errors.
func KindOf(err error) error {
	for _, k := range []error{ErrValidation, ErrUnauthorized, ErrConflict, ErrNotFound, ErrInvalidTransition} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

func kindLabel(err error) string {
	switch KindOf(err) {
	case ErrValidation:
		return "validation"
	case ErrUnauthorized:
		return "unauthorized"
	case ErrConflict:
		return "conflict"
	case ErrNotFound:
		return "not_found"
	case ErrInvalidTransition:
		return "invalid_transition"
	}
	return "internal"
}
