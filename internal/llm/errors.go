package llm

import "errors"

// Kind classifies failures surfaced to the user.
type Kind int

const (
	// KindMissingCredential: no credential could be resolved, nothing was attempted.
	KindMissingCredential Kind = iota + 1
	// KindInitialization: a credential was present but the client rejected it.
	KindInitialization
	// KindRequest: the completion call was attempted and failed.
	KindRequest
)

func (k Kind) String() string {
	switch k {
	case KindMissingCredential:
		return "missing credential"
	case KindInitialization:
		return "initialization failure"
	case KindRequest:
		return "request failure"
	default:
		return "unknown"
	}
}

// Error carries a Kind and the underlying diagnostic.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// ErrMissingCredential is returned when input arrives without an active credential.
var ErrMissingCredential = &Error{Kind: KindMissingCredential, Err: errors.New("no valid API key configured")}

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}
