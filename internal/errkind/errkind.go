// Package errkind defines the closed set of error classes the orchestrator
// uses to decide between retrying, self-healing, and failing terminally.
// All mapping from free-text runtime errors to a class happens here so the
// rules stay auditable in one place.
package errkind

import (
	"errors"
	"strings"
)

type Kind string

const (
	// Transient failures are retried with backoff.
	Transient Kind = "transient"

	// NotFound means the daemon has no workload by that id. Not an error to
	// the orchestrator: it triggers a re-provision instead of a retry.
	NotFound Kind = "not_found"

	// AlreadyInState means the workload was already started/stopped. Mapped
	// to success so duplicate job execution converges.
	AlreadyInState Kind = "already_in_state"

	// Auth covers bad secrets, expired join codes, and bad signatures.
	Auth Kind = "auth"

	// Hard failures cannot succeed on retry and fail terminally.
	DiskFull          Kind = "disk_full"
	OutOfMemory       Kind = "out_of_memory"
	ImageUnresolvable Kind = "image_unresolvable"
)

// IsHard reports whether retrying an error of this kind can never succeed.
func IsHard(k Kind) bool {
	switch k {
	case DiskFull, OutOfMemory, ImageUnresolvable:
		return true
	}
	return false
}

// Error tags an underlying error with a Kind so it survives across layers.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind.
func New(kind Kind, err error) error {
	return &Error{Kind: kind, Err: err}
}

// Classify returns the kind of err. Tagged errors keep their kind; anything
// else falls through the substring table and defaults to Transient.
func Classify(err error) Kind {
	if err == nil {
		return Transient
	}
	kerr := &Error{}
	if errors.As(err, &kerr) {
		return kerr.Kind
	}
	return ClassifyMessage(err.Error())
}

// substrings maps known runtime error text to a kind. Ordered: earlier
// entries win, so more specific matches come first.
var substrings = []struct {
	fragment string
	kind     Kind
}{
	{"no space left on device", DiskFull},
	{"disk quota exceeded", DiskFull},
	{"cannot allocate memory", OutOfMemory},
	{"out of memory", OutOfMemory},
	{"oom", OutOfMemory},
	{"manifest unknown", ImageUnresolvable},
	{"pull access denied", ImageUnresolvable},
	{"repository does not exist", ImageUnresolvable},
	{"invalid reference format", ImageUnresolvable},
	{"no such container", NotFound},
	{"already started", AlreadyInState},
	{"already stopped", AlreadyInState},
}

// ClassifyMessage classifies raw error text from a runtime.
func ClassifyMessage(msg string) Kind {
	lower := strings.ToLower(msg)
	for _, entry := range substrings {
		if strings.Contains(lower, entry.fragment) {
			return entry.kind
		}
	}
	return Transient
}
