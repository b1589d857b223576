// Package fault classifies errors crossing adapter boundaries.
//
// Every adapter (broker, cold store) wraps underlying driver errors into one
// of the kinds below before returning them. Actors decide retry/skip/exit
// behavior from the kind alone and never inspect driver error types.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the error classification actors dispatch on.
type Kind int

const (
	// Unknown is the zero kind; KindOf returns it for unclassified errors.
	Unknown Kind = iota

	// Transient covers network and retryable storage failures. The owning
	// actor retries with backoff.
	Transient

	// MalformedRecord marks an entry that cannot be decoded. Workers ack and
	// drop it; the archiver skips it without writing a checkpoint.
	MalformedRecord

	// Permanent covers constraint violations other than expected idempotency
	// collisions. The current batch aborts and the error surfaces upward.
	Permanent

	// ShuttingDown reports that cancellation was observed mid-operation.
	ShuttingDown

	// Config marks invalid configuration detected at startup. Fail fast.
	Config
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case MalformedRecord:
		return "malformed_record"
	case Permanent:
		return "permanent"
	case ShuttingDown:
		return "shutting_down"
	case Config:
		return "config"
	default:
		return "unknown"
	}
}

// Fault is a classified error. It wraps the underlying cause, if any.
type Fault struct {
	Kind Kind
	Msg  string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Msg, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Msg)
}

func (f *Fault) Unwrap() error { return f.Err }

// New creates a classified error without an underlying cause.
func New(kind Kind, format string, args ...any) error {
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. Returns nil if err is nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the classification from an error chain.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
