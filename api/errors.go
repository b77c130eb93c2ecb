// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-http.

package api

import (
	"errors"
	"fmt"
	"runtime/debug"
	"syscall"
)

// Common errors used across the library.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrOperationTimeout  = errors.New("operation timeout")
	ErrNotSupported      = errors.New("operation not supported")
	ErrNotFound          = errors.New("resource not found")
	ErrConnectionClosed  = errors.New("connection closed by peer")
	ErrProtocol          = errors.New("protocol error")
	ErrBufferOverflow    = errors.New("receive buffer overflow")
	ErrPoolStopped       = errors.New("worker pool is stopped")
	ErrLoopClosed        = errors.New("event loop is closed")
	ErrResultEmpty       = errors.New("result is not ready")
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeInvalidArgument
	ErrCodeResourceExhausted
	ErrCodeTimeout
	ErrCodeNotSupported
	ErrCodeNotFound
	ErrCodeProtocol
	ErrCodeSystem
	ErrCodeConnection
	ErrCodeInternal
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if len(e.Context) == 0 {
		return msg
	}
	return fmt.Sprintf("%s (context: %+v)", msg, e.Context)
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Wrap attaches a cause.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// ProtocolError builds an ErrCodeProtocol error wrapping ErrProtocol.
func ProtocolError(message string) *Error {
	return NewError(ErrCodeProtocol, message).Wrap(ErrProtocol)
}

// SysError is a failed kernel operation. Negative completion results and
// -1 syscall returns are converted to it.
type SysError struct {
	Op    string
	Errno syscall.Errno
}

func (e *SysError) Error() string {
	return e.Op + ": " + e.Errno.Error()
}

func (e *SysError) Unwrap() error { return e.Errno }

// CheckResult converts a raw completion result into a count or a SysError.
func CheckResult(op string, res int) (int, error) {
	if res < 0 {
		return 0, &SysError{Op: op, Errno: syscall.Errno(-res)}
	}
	return res, nil
}

// ConnError terminates a connection: a timeout, reset or EOF seen while a
// message was being received or sent. It is never a protocol error.
type ConnError struct {
	Op  string
	Err error
}

func (e *ConnError) Error() string {
	return "connection " + e.Op + ": " + e.Err.Error()
}

func (e *ConnError) Unwrap() error { return e.Err }

// IsConnError reports whether err ends the connection at transport level.
func IsConnError(err error) bool {
	var ce *ConnError
	return errors.As(err, &ce)
}

// PanicError carries a value recovered from a panicking task body.
type PanicError struct {
	Value any
	Stack []byte
}

// NewPanicError captures the current stack.
func NewPanicError(v any) *PanicError {
	return &PanicError{Value: v, Stack: debug.Stack()}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the panic value when it is itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
