package errs

import (
	"context"
	"errors"
	"strings"
)

// Kind is the normalized error category surfaced above the HTTP client boundary.
type Kind string

const (
	KindNetwork      Kind = "network_error"
	KindUnauthorized Kind = "unauthorized"
	KindValidation   Kind = "validation_error"
	KindUnknown      Kind = "unknown_error"
)

// Error is a normalized failure: a kind, a user-facing message and the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinel so errors.Is(err, ErrNetwork) works on any *Error.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (k Kind) sentinel() error {
	switch k {
	case KindNetwork:
		return ErrNetwork
	case KindUnauthorized:
		return ErrUnauthorized
	case KindValidation:
		return ErrValidation
	default:
		return ErrUnknown
	}
}

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Network, Unauthorized and Validation are shorthands for New with the matching kind.
func Network(message string) *Error      { return New(KindNetwork, message) }
func Unauthorized(message string) *Error { return New(KindUnauthorized, message) }
func Validation(message string) *Error   { return New(KindValidation, message) }

// KindOf returns the normalized kind of err. Foreign errors are unknown_error,
// except context cancellation which is a network_error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrNetwork), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrValidation):
		return KindValidation
	default:
		return KindUnknown
	}
}

// Localized fallback messages per kind.
const (
	msgNetwork      = "Impossible de contacter le serveur."
	msgUnauthorized = "Session expiree. Veuillez vous reconnecter."
	msgValidation   = "Les informations fournies sont invalides."
	msgUnknown      = "Une erreur inattendue est survenue."
)

// Message returns the user-facing message for err: the one carried by an *Error
// when present, otherwise the default for its kind.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && strings.TrimSpace(e.Message) != "" {
		return e.Message
	}
	switch KindOf(err) {
	case KindNetwork:
		return msgNetwork
	case KindUnauthorized:
		return msgUnauthorized
	case KindValidation:
		return msgValidation
	default:
		return msgUnknown
	}
}
