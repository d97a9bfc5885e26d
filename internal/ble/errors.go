package ble

import (
	"errors"
	"fmt"
)

// ConnectionErrorKind classifies failures attached to link state transitions.
type ConnectionErrorKind int

const (
	ConnFailToConnect ConnectionErrorKind = iota + 1
	ConnTimeout
	ConnCustom
)

// ConnectionError is surfaced on the state stream alongside the transition
// that caused it.
type ConnectionError struct {
	Kind        ConnectionErrorKind
	Code        int // set for ConnCustom; the other kinds have fixed codes
	Description string
	Err         error
}

var (
	ErrFailToConnect     = &ConnectionError{Kind: ConnFailToConnect}
	ErrConnectionTimeout = &ConnectionError{Kind: ConnTimeout}
)

func (e *ConnectionError) Error() string {
	msg := e.Description
	if msg == "" {
		switch e.Kind {
		case ConnFailToConnect:
			msg = "fail connect to device"
		case ConnTimeout:
			msg = "connect to device timeout"
		default:
			msg = "connection error"
		}
	}
	if e.Err != nil {
		return fmt.Sprintf("ble: %s: %v", msg, e.Err)
	}
	return "ble: " + msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is matches on kind so callers can use errors.Is(err, ErrConnectionTimeout).
func (e *ConnectionError) Is(target error) bool {
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// ErrorCode returns 100 for FailToConnect, 101 for ConnectionTimeout and the
// caller supplied code for custom errors.
func (e *ConnectionError) ErrorCode() int {
	switch e.Kind {
	case ConnFailToConnect:
		return 100
	case ConnTimeout:
		return 101
	default:
		return e.Code
	}
}

// CommunicationErrorKind classifies failures attached to individual commands.
type CommunicationErrorKind int

const (
	CommDisconnected CommunicationErrorKind = iota + 1
	CommReset
	CommTimeout
	CommWriteFailed
	CommUpdateFailed
	CommCustom
)

func (k CommunicationErrorKind) String() string {
	switch k {
	case CommDisconnected:
		return "disconnected"
	case CommReset:
		return "reset"
	case CommTimeout:
		return "timeout"
	case CommWriteFailed:
		return "write failed"
	case CommUpdateFailed:
		return "update failed"
	case CommCustom:
		return "custom"
	}
	return fmt.Sprintf("CommunicationErrorKind(%d)", int(k))
}

// CommunicationError is delivered only through a command's callback.
type CommunicationError struct {
	Kind        CommunicationErrorKind
	Description string
	Err         error // cause for WriteFailed, UpdateFailed and Custom
}

var (
	ErrDisconnected = &CommunicationError{Kind: CommDisconnected}
	ErrReset        = &CommunicationError{Kind: CommReset}
	ErrTimeout      = &CommunicationError{Kind: CommTimeout}
	ErrWriteFailed  = &CommunicationError{Kind: CommWriteFailed}
	ErrUpdateFailed = &CommunicationError{Kind: CommUpdateFailed}
)

func (e *CommunicationError) Error() string {
	msg := e.Description
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("ble: %s: %v", msg, e.Err)
	}
	return "ble: " + msg
}

func (e *CommunicationError) Unwrap() error { return e.Err }

func (e *CommunicationError) Is(target error) bool {
	t, ok := target.(*CommunicationError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func commError(kind CommunicationErrorKind, cause error) *CommunicationError {
	return &CommunicationError{Kind: kind, Err: cause}
}

// LinkErrorCode mirrors the transport error codes a Link reports.
type LinkErrorCode int

const (
	LinkErrUnknown LinkErrorCode = iota
	LinkErrInvalidParameters
	LinkErrInvalidHandle
	LinkErrNotConnected
	LinkErrOutOfSpace
	LinkErrOperationCancelled
	LinkErrConnectionTimeout
	LinkErrPeripheralDisconnected
	LinkErrUUIDNotAllowed
	LinkErrAlreadyAdvertising
	LinkErrConnectionFailed
	LinkErrConnectionLimitReached
	LinkErrUnknownDevice
	LinkErrOperationNotSupported
)

// outOfRangeCodes are the codes taken to mean the peripheral left radio
// range and will come back.
var outOfRangeCodes = map[LinkErrorCode]bool{
	LinkErrUnknown:                true,
	LinkErrConnectionTimeout:      true,
	LinkErrPeripheralDisconnected: true,
	LinkErrConnectionFailed:       true,
}

// LinkError is the error type a Link attaches to its events.
type LinkError struct {
	Code LinkErrorCode
	Err  error
}

func (e *LinkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ble: link error %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("ble: link error %d", e.Code)
}

func (e *LinkError) Unwrap() error { return e.Err }

// IsOutOfRange reports whether err carries a LinkError whose code is in the
// out-of-range set. Plain errors without a code are not out of range.
func IsOutOfRange(err error) bool {
	var le *LinkError
	if !errors.As(err, &le) {
		return false
	}
	return outOfRangeCodes[le.Code]
}
