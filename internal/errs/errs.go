// Package errs defines the error taxonomy shared by every bytefs subsystem.
//
// Every public operation boundary returns one of the sentinel kinds below,
// optionally wrapped with github.com/pkg/errors for call-site context. Kinds
// are compared with this package's Is, never by string matching.
package errs

import "github.com/pkg/errors"

// Kind is a sentinel error identifying one of the taxonomy's five buckets.
type Kind struct {
	name string
}

func (k *Kind) Error() string { return k.name }

var (
	// NoSpace is returned when every CPU's free list is exhausted.
	NoSpace = &Kind{"bytefs: no space"}
	// Io is returned after a checksum/replica repair pass fails on both sides.
	Io = &Kind{"bytefs: i/o error"}
	// Invalid is returned for a bad argument; no state changes.
	Invalid = &Kind{"bytefs: invalid argument"}
	// Corrupt is returned when a runtime invariant is observed broken.
	Corrupt = &Kind{"bytefs: corruption detected"}
	// Retry is used internally by lock-free tail advancement; never surfaced.
	Retry = &Kind{"bytefs: retry"}
)

// Wrap attaches a message to err while keeping the sentinel Kinds above
// reachable through errs.Is(err, kind), which follows the Cause chain.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

// Is reports whether err (or any error it wraps) is kind.
func Is(err error, kind *Kind) bool {
	for err != nil {
		if err == kind {
			return true
		}
		type causer interface{ Cause() error }
		c, ok := err.(causer)
		if !ok {
			type unwrapper interface{ Unwrap() error }
			u, ok2 := err.(unwrapper)
			if !ok2 {
				return false
			}
			err = u.Unwrap()
			continue
		}
		err = c.Cause()
	}
	return false
}
