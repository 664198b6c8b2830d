// Package krataerr implements the error taxonomy the daemon uses to
// classify failures at component boundaries: what each Kind means and how
// the Control Service and Reconciler each react to it.
package krataerr

import "errors"

// Kind classifies a failure so that boundaries (Reconciler, Control
// Service) can react uniformly without inspecting error strings.
type Kind int

const (
	Unknown Kind = iota
	InvalidInput
	NotFound
	Conflict
	HypervisorFault
	ResourceExhausted
	IoTransient
	Timeout
	Corrupted
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "InvalidInput"
	case NotFound:
		return "NotFound"
	case Conflict:
		return "Conflict"
	case HypervisorFault:
		return "HypervisorFault"
	case ResourceExhausted:
		return "ResourceExhausted"
	case IoTransient:
		return "IoTransient"
	case Timeout:
		return "Timeout"
	case Corrupted:
		return "Corrupted"
	default:
		return "Unknown"
	}
}

// kindError wraps an underlying error with a Kind so that New/Wrap values
// work with errors.Is/As and Unwrap normally.
type kindError struct {
	kind Kind
	msg  string
	err  error
}

func (e *kindError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *kindError) Unwrap() error { return e.err }

// New creates an error of the given kind.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

// Wrap attaches a kind to an existing error, preserving it for errors.Is/As.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, msg: msg, err: err}
}

// KindOf extracts the Kind from an error, walking the Unwrap chain.
// Errors with no attached Kind report Unknown.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return Unknown
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
