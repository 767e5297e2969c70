package board

import (
	"errors"
	"fmt"
)

// StatusCode is the stable numeric outcome of a session operation.
type StatusCode int

const (
	StatusOK              StatusCode = 0
	PortAlreadyOpen       StatusCode = 1
	UnableToOpenTransport StatusCode = 2
	BoardNotReady         StatusCode = 7
	AlreadyStreaming      StatusCode = 8
	InvalidBufferSize     StatusCode = 9
	ThreadJoinTimeout     StatusCode = 10
	NotStreaming          StatusCode = 11
	EmptyBuffer           StatusCode = 12
	InvalidArguments      StatusCode = 13
	UnsupportedBoard      StatusCode = 14
	NotPrepared           StatusCode = 15
	GeneralError          StatusCode = 17 // any error that is not a *board.Error
)

var statusNames = map[StatusCode]string{
	StatusOK:              "ok",
	PortAlreadyOpen:       "port_already_open",
	UnableToOpenTransport: "unable_to_open_transport",
	BoardNotReady:         "board_not_ready",
	AlreadyStreaming:      "already_streaming",
	InvalidBufferSize:     "invalid_buffer_size",
	ThreadJoinTimeout:     "thread_join_timeout",
	NotStreaming:          "not_streaming",
	EmptyBuffer:           "empty_buffer",
	InvalidArguments:      "invalid_arguments",
	UnsupportedBoard:      "unsupported_board",
	NotPrepared:           "not_prepared",
	GeneralError:          "general_error",
}

func (c StatusCode) String() string {
	if name, ok := statusNames[c]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(c))
}

// Error is returned by every Session operation that fails.
type Error struct {
	Code StatusCode
	Op   string // operation name, e.g. "start_stream"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Code.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is allows errors.Is to compare board errors by Code
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinels for errors.Is checks.
var (
	ErrPortAlreadyOpen       = &Error{Code: PortAlreadyOpen}
	ErrUnableToOpenTransport = &Error{Code: UnableToOpenTransport}
	ErrBoardNotReady         = &Error{Code: BoardNotReady}
	ErrAlreadyStreaming      = &Error{Code: AlreadyStreaming}
	ErrInvalidBufferSize     = &Error{Code: InvalidBufferSize}
	ErrThreadJoinTimeout     = &Error{Code: ThreadJoinTimeout}
	ErrNotStreaming          = &Error{Code: NotStreaming}
	ErrEmptyBuffer           = &Error{Code: EmptyBuffer}
	ErrInvalidArguments      = &Error{Code: InvalidArguments}
	ErrUnsupportedBoard      = &Error{Code: UnsupportedBoard}
	ErrNotPrepared           = &Error{Code: NotPrepared}
)

func newError(code StatusCode, op string, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

func wrapError(code StatusCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// StatusOf maps err to its status code: nil is StatusOK, a wrapped
// *Error yields its Code and anything else is GeneralError.
func StatusOf(err error) StatusCode {
	if err == nil {
		return StatusOK
	}
	var berr *Error
	if errors.As(err, &berr) {
		return berr.Code
	}
	return GeneralError
}
