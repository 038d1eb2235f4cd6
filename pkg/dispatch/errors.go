package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrNoChroot is returned when no chroot exists for a job's processor.
	ErrNoChroot = errors.New("no chroot for processor")
	// ErrAlreadyResolved is returned for a second terminal report on the
	// same attempt, or a report whose cookie is not the current attempt's.
	ErrAlreadyResolved = errors.New("attempt already resolved")
	// ErrUnknownStatus is returned for a build status outside the protocol.
	ErrUnknownStatus = errors.New("unknown build status")
	// ErrTimeout is returned when a build stopped making progress.
	ErrTimeout = errors.New("build made no progress")

	errCancelledUpload = errors.New("job cancelled before upload")
)

// Kind classifies a dispatch failure.
type Kind string

const (
	KindChrootMissing Kind = "chroot-missing"
	KindTransfer      Kind = "transfer"
	KindBuildStart    Kind = "build-start"
)

// DispatchError is a failed attempt to hand a job to a builder. The job is
// left untouched when one is returned.
type DispatchError struct {
	Kind Kind
	Err  error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s: %v", e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
