package s7

import (
	"errors"
	"fmt"
)

// S7 Error Classes
const (
	errClassNoError     = 0x00
	errClassAppRelation = 0x81
	errClassObjDef      = 0x82
	errClassResource    = 0x83
	errClassService     = 0x84
	errClassNoResource  = 0x85 // No resource available (often PDU size exceeded)
	errClassAccess      = 0x87
)

// S7 Data Item Return Codes
const (
	dataItemReserved         = 0x00
	dataItemSuccess          = 0xFF
	dataItemHardwareFault    = 0x01
	dataItemAccessDenied     = 0x03
	dataItemAddressError     = 0x05
	dataItemTypeError        = 0x06
	dataItemTypeInconsistent = 0x07 // Data type/size mismatch
	dataItemNotExist         = 0x0A
)

var (
	// ErrClosed is returned by operations on a client that was closed explicitly.
	ErrClosed = errors.New("s7: client closed")
	// ErrInvalidAddress is returned when an address fails local validation.
	ErrInvalidAddress = errors.New("s7: invalid address")
	// ErrUnsupportedType is returned for data types the codec cannot convert.
	ErrUnsupportedType = errors.New("s7: unsupported data type")
)

// TransportError reports a socket-level failure: dial, read, write or deadline.
// It always invalidates the session.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("s7 transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HandshakeError reports a rejected or malformed connection handshake.
// Stage is "cotp" for the connection request and "setup" for setup communication.
type HandshakeError struct {
	Stage string
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("s7 handshake (%s): %v", e.Stage, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// RequestTooLargeError is returned when a request does not fit the negotiated PDU.
// No I/O is performed.
type RequestTooLargeError struct {
	Size int
	Max  int
}

func (e *RequestTooLargeError) Error() string {
	return fmt.Sprintf("s7 request of %d bytes exceeds PDU limit of %d bytes", e.Size, e.Max)
}

// AreaAccessError is returned when the PLC rejects a read or write.
// Code is the data item return code; Class and ErrCode carry a header-level
// error when the job itself was refused. The session stays connected.
type AreaAccessError struct {
	Area    Area
	DB      int
	Offset  int
	Code    byte
	Class   byte
	ErrCode byte
}

func (e *AreaAccessError) Error() string {
	var reason string
	if e.Class != errClassNoError {
		reason = s7ErrorMessage(e.Class, e.ErrCode)
	} else {
		reason = dataItemError(e.Code)
	}
	if e.Area == AreaDB {
		return fmt.Sprintf("s7 access DB%d offset %d: %s", e.DB, e.Offset, reason)
	}
	return fmt.Sprintf("s7 access %s offset %d: %s", e.Area, e.Offset, reason)
}

// ProtocolViolationError is returned for short or malformed responses.
// The session is invalidated since framing can no longer be trusted.
type ProtocolViolationError struct {
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return "s7 protocol violation: " + e.Reason
}

func violation(format string, args ...interface{}) error {
	return &ProtocolViolationError{Reason: fmt.Sprintf(format, args...)}
}

// IsConnectionError reports whether err means the session must be discarded.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	var he *HandshakeError
	var pe *ProtocolViolationError
	return errors.As(err, &te) || errors.As(err, &he) || errors.As(err, &pe)
}

// s7ErrorMessage returns a human-readable message for an S7 error.
func s7ErrorMessage(class, code byte) string {
	switch class {
	case errClassNoError:
		return "no error"
	case errClassAppRelation:
		return fmt.Sprintf("application relationship error (code %d)", code)
	case errClassObjDef:
		return fmt.Sprintf("object definition error (code %d)", code)
	case errClassResource:
		return fmt.Sprintf("resource error (code %d)", code)
	case errClassService:
		return fmt.Sprintf("service error (code %d)", code)
	case errClassNoResource:
		return fmt.Sprintf("no resource available - request may exceed PDU size (code %d)", code)
	case errClassAccess:
		return fmt.Sprintf("access error (code %d)", code)
	default:
		return fmt.Sprintf("S7 error class 0x%02X code %d", class, code)
	}
}

// dataItemError returns a human-readable message for a data item return code.
func dataItemError(code byte) string {
	switch code {
	case dataItemSuccess:
		return ""
	case dataItemReserved:
		return "reserved return code"
	case dataItemHardwareFault:
		return "hardware fault"
	case dataItemAccessDenied:
		return "access denied"
	case dataItemAddressError:
		return "address out of range"
	case dataItemTypeError:
		return "data type not supported"
	case dataItemTypeInconsistent:
		return "data type/size mismatch"
	case dataItemNotExist:
		return "object does not exist"
	default:
		return fmt.Sprintf("data item error 0x%02X", code)
	}
}
