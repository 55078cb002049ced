// Package errs declares the error taxonomy used across the run
// orchestration engine. Adapters (HTTP, WS) map these to status codes;
// core services never format a response themselves.
package errs

import (
	"errors"
	"fmt"
)

// ValidationError signals malformed caller input: unknown status, missing
// fields, a bad since_seq, an unknown quota key.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func NewValidation(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// PermissionError signals missing auth or an insufficient role.
type PermissionError struct {
	Msg string
}

func (e *PermissionError) Error() string { return e.Msg }

func NewPermission(format string, args ...any) error {
	return &PermissionError{Msg: fmt.Sprintf(format, args...)}
}

// LimitExceeded signals a quota (rate or concurrency) violation. It carries
// the offending limit's name and the observed count so callers can surface
// a human-readable cap.
type LimitExceeded struct {
	LimitKey string
	LimitName string
	Current  int
	Max      int
}

func (e *LimitExceeded) Error() string {
	return fmt.Sprintf("limit %s exceeded (%d/%d)", e.LimitName, e.Current, e.Max)
}

// IllegalTransition signals a state-machine edge not present in the legal
// transition table. Never auto-corrected; always reported to the caller.
type IllegalTransition struct {
	From, To string
}

func (e *IllegalTransition) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// Locked signals transient lease contention or RUN_TICK quota exhaustion.
// The scheduler should retry with backoff.
type Locked struct {
	Msg string
}

func (e *Locked) Error() string { return e.Msg }

func NewLocked(format string, args ...any) error {
	return &Locked{Msg: fmt.Sprintf(format, args...)}
}

// PermanentRunError signals any other exception encountered mid-tick; the
// run is transitioned to FAILED with error_summary set to its message.
type PermanentRunError struct {
	Msg string
	Err error
}

func (e *PermanentRunError) Error() string { return e.Msg }
func (e *PermanentRunError) Unwrap() error { return e.Err }

func NewPermanent(err error) error {
	return &PermanentRunError{Msg: err.Error(), Err: err}
}

// ToolrunnerError signals a transport or HTTP failure calling the
// tool-runner. It maps the ToolCall to FAILED; it does not by itself fail
// the run.
type ToolrunnerError struct {
	Msg string
	Err error
}

func (e *ToolrunnerError) Error() string { return e.Msg }
func (e *ToolrunnerError) Unwrap() error { return e.Err }

// NotFound signals a missing entity lookup (run, tool call, archive, ...).
type NotFound struct {
	Kind string
	ID   string
}

func (e *NotFound) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsPermission(err error) bool {
	var e *PermissionError
	return errors.As(err, &e)
}

func IsLimitExceeded(err error) bool {
	var e *LimitExceeded
	return errors.As(err, &e)
}

func IsIllegalTransition(err error) bool {
	var e *IllegalTransition
	return errors.As(err, &e)
}

func IsLocked(err error) bool {
	var e *Locked
	return errors.As(err, &e)
}

func IsPermanent(err error) bool {
	var e *PermanentRunError
	return errors.As(err, &e)
}

func IsNotFound(err error) bool {
	var e *NotFound
	return errors.As(err, &e)
}
