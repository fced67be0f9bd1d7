// Package status defines the error-kind vocabulary shared across the write
// path. A Status is a Kind plus a message, the same shape client code tests
// against with errors.Is / errors.As rather than string matching.
package status

import "fmt"

// Kind enumerates the error categories the write path can return.
type Kind uint8

const (
	OK Kind = iota
	InvalidArgument
	NotSupported
	Corruption
	Incomplete
	IOError
	Busy
	ShutdownInProgress
	IOFenced
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "OK"
	case InvalidArgument:
		return "InvalidArgument"
	case NotSupported:
		return "NotSupported"
	case Corruption:
		return "Corruption"
	case Incomplete:
		return "Incomplete"
	case IOError:
		return "IOError"
	case Busy:
		return "Busy"
	case ShutdownInProgress:
		return "ShutdownInProgress"
	case IOFenced:
		return "IOFenced"
	default:
		return "Unknown"
	}
}

// Status is the error type returned across the write path. It carries a
// Kind so callers can branch on category without parsing strings.
type Status struct {
	Kind Kind
	Msg  string
}

func (s *Status) Error() string {
	if s.Msg == "" {
		return s.Kind.String()
	}
	return fmt.Sprintf("%s: %s", s.Kind, s.Msg)
}

// Is lets errors.Is(err, status.Of(status.InvalidArgument)) work: it
// matches any *Status target with the same Kind, ignoring the message. A
// bare Kind is not an error and cannot be a target.
func (s *Status) Is(target error) bool {
	t, ok := target.(*Status)
	if !ok {
		return false
	}
	return s.Kind == t.Kind
}

// New builds a Status of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Status {
	return &Status{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Of returns a bare, message-less Status for a Kind — useful as a sentinel
// target for errors.Is.
func Of(kind Kind) *Status {
	return &Status{Kind: kind}
}

// IsOK reports whether err represents a successful write.
func IsOK(err error) bool {
	return err == nil
}

// KindOf extracts the Kind of err, or OK if err is nil, or IOError if err
// is some other, non-Status error (treated as an unclassified failure that
// should not be silently swallowed).
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}
	if s, ok := err.(*Status); ok {
		return s.Kind
	}
	return IOError
}
