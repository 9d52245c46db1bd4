package notifier

import (
	"errors"
	"fmt"
)

// Kind classifies failures at component boundaries.
type Kind int

const (
	KindUnknown     Kind = iota
	KindTransport        // network error or timeout
	KindMalformed        // unparseable or unexpected response
	KindCredentials      // login or password rejected
	KindBadRequest       // request rejected as malformed
	KindUpstream         // server side 5xx
	KindAutomation       // browser login timed out or failed
	KindConfig           // required settings are missing
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindMalformed:
		return "malformed"
	case KindCredentials:
		return "credentials"
	case KindBadRequest:
		return "bad_request"
	case KindUpstream:
		return "upstream"
	case KindAutomation:
		return "automation"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Error is a classified failure.
type Error struct {
	Err  error
	Op   string
	Kind Kind
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failure", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s failure: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds a classified error.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind checks if err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
