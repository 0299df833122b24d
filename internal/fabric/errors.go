package fabric

import (
	"errors"
	"fmt"
)

// Errno is a provider error code using the libfabric numbering.
type Errno int

const (
	ErrnoAgain       Errno = 11
	ErrnoNoMem       Errno = 12
	ErrnoBusy        Errno = 16
	ErrnoInval       Errno = 22
	ErrnoNoSys       Errno = 38
	ErrnoNoData      Errno = 61
	ErrnoAddrInUse   Errno = 98
	ErrnoTimedOut    Errno = 110
	ErrnoConnRefused Errno = 111
	ErrnoOther       Errno = 256
	ErrnoTooSmall    Errno = 257
	ErrnoBadState    Errno = 258
	ErrnoAvail       Errno = 259
	ErrnoTrunc       Errno = 265
	ErrnoNoKey       Errno = 266
	ErrnoNoAV        Errno = 267
)

var errnoText = map[Errno]string{
	ErrnoAgain:       "resource temporarily unavailable",
	ErrnoNoMem:       "cannot allocate memory",
	ErrnoBusy:        "device or resource busy",
	ErrnoInval:       "invalid argument",
	ErrnoNoSys:       "function not implemented",
	ErrnoNoData:      "no data available",
	ErrnoAddrInUse:   "address already in use",
	ErrnoTimedOut:    "connection timed out",
	ErrnoConnRefused: "connection refused",
	ErrnoOther:       "unspecified error",
	ErrnoTooSmall:    "provided buffer is too small",
	ErrnoBadState:    "operation not permitted in current state",
	ErrnoAvail:       "error available",
	ErrnoTrunc:       "truncation error",
	ErrnoNoKey:       "required key not available",
	ErrnoNoAV:        "missing or unavailable address vector",
}

func (e Errno) Error() string {
	if msg, ok := errnoText[e]; ok {
		return msg
	}
	return fmt.Sprintf("fabric errno %d", int(e))
}

// Code returns the positive error code.
func (e Errno) Code() int {
	return int(e)
}

type codedError struct {
	msg   string
	errno Errno
}

func (e *codedError) Error() string { return e.msg }

func (e *codedError) Unwrap() error { return e.errno }

var (
	// ErrNotReady is the expected backpressure result of a non-blocking read
	// on an empty queue. Callers retry; it is never reported as a failure.
	ErrNotReady = errors.New("fabric: operation not ready")
	// ErrCompletionAvailable signals that an error entry is queued and must be
	// fetched with ReadError.
	ErrCompletionAvailable = &codedError{"fabric: completion error available", ErrnoAvail}
	// ErrTimeout reports an expired wait.
	ErrTimeout = &codedError{"fabric: wait timed out", ErrnoTimedOut}

	ErrNoProvider     = &codedError{"fabric: no matching provider", ErrnoNoData}
	ErrInvalidSize    = &codedError{"fabric: invalid transfer size", ErrnoInval}
	ErrInvalidConfig  = &codedError{"fabric: invalid configuration", ErrnoInval}
	ErrProtocol       = &codedError{"fabric: protocol error", ErrnoOther}
	ErrUnsupported    = &codedError{"fabric: operation not supported", ErrnoNoSys}
	ErrForeignHandle  = &codedError{"fabric: handle belongs to another provider", ErrnoInval}
	ErrDataCorruption = errors.New("fabric: data corruption")
)

// OpError reports a failed provider call by its operation name.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Wrap attaches an operation name to err. It returns nil for a nil err.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Err: err}
}

// CompletionError is a decoded completion queue error entry.
type CompletionError struct {
	Queue       string
	Op          OpKind
	Errno       Errno
	ProviderErr int
	// Msg is the provider's human-readable decoding of ProviderErr.
	Msg string
}

func (e *CompletionError) Error() string {
	queue := e.Queue
	if queue == "" {
		queue = "cq"
	}
	msg := fmt.Sprintf("%s: %s completion error: %s (provider errno %d)", queue, e.Op, e.Errno, e.ProviderErr)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	return msg
}

func (e *CompletionError) Unwrap() error {
	return e.Errno
}

// EventError is a decoded event queue error entry.
type EventError struct {
	FID         uintptr
	Errno       Errno
	ProviderErr int
	Msg         string
}

func (e *EventError) Error() string {
	msg := fmt.Sprintf("eq: event error: %s (provider errno %d)", e.Errno, e.ProviderErr)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	return msg
}

func (e *EventError) Unwrap() error {
	return e.Errno
}

type coder interface {
	Code() int
}

// ExitCode maps a run error to a process exit status: zero on success, the
// error's code when it carries one, and 1 otherwise. Codes whose low byte is
// zero are reported as 1 so that a failure never exits cleanly.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	code := 1
	var c coder
	if errors.As(err, &c) && c.Code() > 0 {
		code = c.Code()
	}
	if code%256 == 0 {
		return 1
	}
	return code
}
