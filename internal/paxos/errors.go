package paxos

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyValue is returned when submitting an empty value. The empty
	// value is reserved for no-op padding.
	ErrEmptyValue = errors.New("empty value")

	// ErrRunnerStopped is returned by Submit after the runner has exited.
	ErrRunnerStopped = errors.New("runner stopped")

	// ErrUnknownMessage is returned by the codec for unregistered kinds.
	ErrUnknownMessage = errors.New("unknown message kind")

	// ErrSafetyViolation marks an internal-consistency failure. It is only
	// ever raised through a panic.
	ErrSafetyViolation = errors.New("safety violation")

	// ErrNotRunning is returned when a handle's runner exits before the
	// handle resolves.
	ErrNotRunning = errors.New("runner not running")
)

func safetyViolation(format string, args ...any) {
	panic(fmt.Errorf("%w: %s", ErrSafetyViolation, fmt.Sprintf(format, args...)))
}
