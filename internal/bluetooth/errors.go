package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies platform and control failures.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindPermissionDenied
	KindBluetoothUnavailable
	KindConnectionFailed
	KindDispatchFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission denied"
	case KindBluetoothUnavailable:
		return "bluetooth unavailable"
	case KindConnectionFailed:
		return "connection failed"
	case KindDispatchFailed:
		return "dispatch failed"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrPermissionDenied     = errors.New("permission denied")
	ErrBluetoothUnavailable = errors.New("bluetooth unavailable")
	ErrConnectionFailed     = errors.New("connection failed")
	ErrDispatchFailed       = errors.New("dispatch failed")
	ErrUnknown              = errors.New("unknown bluetooth error")
)

// Error is a classified failure of a single operation.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError wraps err with a kind and the operation that produced it.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindPermissionDenied:
		return ErrPermissionDenied
	case KindBluetoothUnavailable:
		return ErrBluetoothUnavailable
	case KindConnectionFailed:
		return ErrConnectionFailed
	case KindDispatchFailed:
		return ErrDispatchFailed
	default:
		return ErrUnknown
	}
}

// KindOf reports the kind of err, looking through wrapping.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrBluetoothUnavailable):
		return KindBluetoothUnavailable
	case errors.Is(err, ErrConnectionFailed):
		return KindConnectionFailed
	case errors.Is(err, ErrDispatchFailed):
		return KindDispatchFailed
	}
	return KindUnknown
}

// Classify wraps a raw platform error for op. Errors that are already
// classified keep their kind. Adapter errors only carry text, so the
// permission and availability cases are recognized by message.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if k := KindOf(err); k != KindUnknown {
		return NewError(k, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindUnknown, op, fmt.Errorf("timed out: %w", err))
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"),
		strings.Contains(msg, "not permitted"),
		strings.Contains(msg, "not authorized"),
		strings.Contains(msg, "access denied"):
		return NewError(KindPermissionDenied, op, err)
	case strings.Contains(msg, "not powered"),
		strings.Contains(msg, "powered off"),
		strings.Contains(msg, "no adapter"),
		strings.Contains(msg, "not available"),
		strings.Contains(msg, "not supported"),
		strings.Contains(msg, "disabled"),
		strings.Contains(msg, "no such device"):
		return NewError(KindBluetoothUnavailable, op, err)
	}
	return NewError(KindUnknown, op, err)
}
