package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across components.
var (
	ErrNotFound          = errors.New("not found")
	ErrModalOpen         = errors.New("another dialog is open")
	ErrSessionHalted     = errors.New("session halted by a store failure, acknowledge to continue")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// IOError reports a path that could not be read or written.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// NewIOError wraps err with the operation and path that produced it.
func NewIOError(op, path string, err error) error {
	return &IOError{Op: op, Path: path, Err: err}
}

// PrivilegeError reports an operation rejected for lack of privilege or a bad credential.
type PrivilegeError struct {
	Path string
	Err  error
}

func (e *PrivilegeError) Error() string {
	return fmt.Sprintf("insufficient privilege for %q: %v", e.Path, e.Err)
}

func (e *PrivilegeError) Unwrap() error { return e.Err }

// NewPrivilegeError constructs a PrivilegeError.
func NewPrivilegeError(path string, err error) error {
	return &PrivilegeError{Path: path, Err: err}
}

// ResourceExhaustedError reports that the OS refused more watch descriptors.
type ResourceExhaustedError struct {
	Err error
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("watch resources exhausted: %v", e.Err)
}

func (e *ResourceExhaustedError) Unwrap() error { return e.Err }

// InconsistentStateError reports a conditional store write rejected because
// a newer write was already applied to the same path.
type InconsistentStateError struct {
	Path    string
	Stamp   int64
	Current int64
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("stale write for %q: stamp %d is not newer than %d", e.Path, e.Stamp, e.Current)
}

// SubprocessError reports a helper process that exited with a nonzero status.
type SubprocessError struct {
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *SubprocessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("command %q failed with exit code %d: %v", e.Command, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("command %q failed with exit code %d", e.Command, e.ExitCode)
}

func (e *SubprocessError) Unwrap() error { return e.Err }

// StoreUnavailableError reports that the persistent store cannot be reached.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// IsInconsistentState reports whether err is, or wraps, an InconsistentStateError.
func IsInconsistentState(err error) bool {
	var target *InconsistentStateError
	return errors.As(err, &target)
}

// IsStoreUnavailable reports whether err is, or wraps, a StoreUnavailableError.
func IsStoreUnavailable(err error) bool {
	var target *StoreUnavailableError
	return errors.As(err, &target)
}

// IsPrivilege reports whether err is, or wraps, a PrivilegeError.
func IsPrivilege(err error) bool {
	var target *PrivilegeError
	return errors.As(err, &target)
}

// IsResourceExhausted reports whether err is, or wraps, a ResourceExhaustedError.
func IsResourceExhausted(err error) bool {
	var target *ResourceExhaustedError
	return errors.As(err, &target)
}

// CommandError carries the exit code a CLI command should terminate with.
type CommandError struct {
	ExitCode int
	Err      error
}

func (e *CommandError) Error() string {
	return e.Err.Error()
}

func (e *CommandError) Unwrap() error { return e.Err }

// NewCommandError wraps err with an exit code.
func NewCommandError(err error, code int) *CommandError {
	return &CommandError{ExitCode: code, Err: err}
}
