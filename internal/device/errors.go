package device

import (
	"errors"
	"fmt"
)

// ConnectionState is the kind of transport-level condition a backend reported.
type ConnectionState string

const (
	NotConnected ConnectionState = "not_connected"
	BluetoothOff ConnectionState = "bluetooth_off"
	AccessDenied ConnectionState = "access_denied"
	Unreachable  ConnectionState = "unreachable"
)

// ConnectionError is a normalized transport condition.
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

var (
	ErrNotConnected = &ConnectionError{State: NotConnected}
	ErrBluetoothOff = &ConnectionError{State: BluetoothOff}
	ErrAccessDenied = &ConnectionError{State: AccessDenied}
	ErrUnreachable  = &ConnectionError{State: Unreachable}
)

var ErrUnsupported = errors.New("unsupported")

// Kind classifies a failure of the session pipeline as shown to the operator.
type Kind string

const (
	ConnectionUnavailable    Kind = "connection unavailable"
	ConnectionRefused        Kind = "connection refused"
	ServiceDiscoveryFailed   Kind = "service discovery failed"
	SubscriptionRejected     Kind = "subscription rejected"
	SubscriptionUnauthorized Kind = "subscription unauthorized"
	WriteRejected            Kind = "write rejected"
	WriteUnauthorized        Kind = "write unauthorized"
)

// Error is a classified pipeline failure. Err keeps the transport cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrConnectionUnavailable    = &Error{Kind: ConnectionUnavailable}
	ErrConnectionRefused        = &Error{Kind: ConnectionRefused}
	ErrServiceDiscoveryFailed   = &Error{Kind: ServiceDiscoveryFailed}
	ErrSubscriptionRejected     = &Error{Kind: SubscriptionRejected}
	ErrSubscriptionUnauthorized = &Error{Kind: SubscriptionUnauthorized}
	ErrWriteRejected            = &Error{Kind: WriteRejected}
	ErrWriteUnauthorized        = &Error{Kind: WriteUnauthorized}
)

// Classify wraps err as kind, or as denied when the cause is an access
// denial. A nil err stays nil.
func Classify(op string, err error, kind, denied Kind) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAccessDenied) {
		kind = denied
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind of a classified error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
