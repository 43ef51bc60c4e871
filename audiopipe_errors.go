/*
 * Defines the status vocabulary shared by all stages of an audio chain.
 */
package audiopipe

import (
	"errors"
)

// Status is the numeric form of a stage result. Non-negative values mean
// success, their meaning depends on the call.
type Status int

const (
	StatusOK         Status = 0
	StatusAgain      Status = -1
	StatusQueueFull  Status = -2
	StatusError      Status = -3
	StatusOther      Status = -4
	StatusQueueEmpty Status = -5

	StatusNotApplicable = StatusOther
)

// EAF_AGAIN is returned by a stage that has more output pending for the same
// input, and by Enqueue when a packet falls below the seek floor.
var EAF_AGAIN = errors.New("EAF_AGAIN")

// EAF_QUEUE_FULL is returned when a downstream queue has reached its capacity.
// The packet that triggered it has been stored.
var EAF_QUEUE_FULL = errors.New("EAF_QUEUE_FULL")

// EAF_QUEUE_EMPTY is returned when a stage has no input left to work on.
var EAF_QUEUE_EMPTY = errors.New("EAF_QUEUE_EMPTY")

// EAF_ERROR is the generic fatal stage error.
var EAF_ERROR = errors.New("EAF_ERROR")

// EAF_OTHER is the neutral result of a call that had nothing to do: the source
// has ended, the stage has no demuxer of its own, or a write bound excludes
// every queued packet.
var EAF_OTHER = errors.New("EAF_OTHER")

// EAF_NOT_APPLICABLE is returned by Demux on a stage whose input is pushed by
// another component.
var EAF_NOT_APPLICABLE = EAF_OTHER

// EAF_CHAIN_TERMINATED is returned when a stage is appended after an encoder.
var EAF_CHAIN_TERMINATED = errors.New("EAF_CHAIN_TERMINATED")

// EAF_BUFFER_TOO_SMALL is returned when a stage output does not fit the buffer it was given.
var EAF_BUFFER_TOO_SMALL = errors.New("EAF_BUFFER_TOO_SMALL")

var statusErrors = map[Status]error{
	StatusAgain:      EAF_AGAIN,
	StatusQueueFull:  EAF_QUEUE_FULL,
	StatusQueueEmpty: EAF_QUEUE_EMPTY,
	StatusError:      EAF_ERROR,
	StatusOther:      EAF_OTHER,
}

// ErrorForStatus maps a status to its sentinel error. Non-negative statuses map to nil.
func ErrorForStatus(code Status) error {
	if code >= 0 {
		return nil
	}
	if err, ok := statusErrors[code]; ok {
		return err
	}
	return EAF_ERROR
}

// StatusOf maps an error returned by any stage or driver to its status.
// Errors that are not one of the flow control sentinels are fatal.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, EAF_AGAIN):
		return StatusAgain
	case errors.Is(err, EAF_QUEUE_FULL):
		return StatusQueueFull
	case errors.Is(err, EAF_QUEUE_EMPTY):
		return StatusQueueEmpty
	case errors.Is(err, EAF_OTHER):
		return StatusOther
	}
	return StatusError
}

// IsTransient reports whether err is a flow control signal rather than a failure.
func IsTransient(err error) bool {
	switch StatusOf(err) {
	case StatusAgain, StatusQueueFull, StatusQueueEmpty, StatusOther:
		return true
	}
	return false
}

func (s Status) String() string {
	switch s {
	case StatusAgain:
		return "again"
	case StatusQueueFull:
		return "queue_full"
	case StatusQueueEmpty:
		return "queue_empty"
	case StatusError:
		return "error"
	case StatusOther:
		return "other"
	}
	if s >= 0 {
		return "ok"
	}
	return "unknown"
}
