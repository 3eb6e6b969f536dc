// Package usbiperr defines the error taxonomy the virtual host controller
// core exposes to its callers, per the retryability table used by
// persistence replay and the attach/detach paths.
package usbiperr

import "github.com/efficientgo/core/errors"

// Kind classifies an error along the taxonomy the attachment manager and
// persistence replay need to distinguish retryable conditions from
// terminal ones.
type Kind int

const (
	// KindUnknown is returned by Classify for errors outside the taxonomy.
	KindUnknown Kind = iota
	// KindNetwork covers connect/send/recv failures that are not protocol
	// violations; these are retryable.
	KindNetwork
	// KindVersion means op_common.version did not match USBIP_VERSION.
	KindVersion
	// KindProtocol means op_common.code, seqnum, or header fields were
	// inconsistent with what was expected.
	KindProtocol
	// KindABI means header sizes were inconsistent with the wire format.
	KindABI
	// KindDevBusy mirrors the server's ST_DEV_BUSY OP_REP_IMPORT status.
	KindDevBusy
	// KindDevErr mirrors the server's ST_DEV_ERR OP_REP_IMPORT status.
	KindDevErr
	// KindNoDevice mirrors the server's ST_NODEV OP_REP_IMPORT status.
	KindNoDevice
	// KindNotAvailable mirrors the server's ST_NA OP_REP_IMPORT status.
	KindNotAvailable
	// KindServerError mirrors the server's ST_ERROR OP_REP_IMPORT status.
	KindServerError
	// KindInvalidParameter covers iso-reassembly bounds failures,
	// descriptor mismatches, and unknown URB function codes.
	KindInvalidParameter
	// KindInsufficientResources covers failure to allocate a context,
	// work item, or port.
	KindInsufficientResources
	// KindCanceled means the request was canceled before completion.
	KindCanceled
	// KindDisconnected means the peer closed the socket mid-transfer.
	KindDisconnected
)

// Error is a classified usbiperr error. It wraps an underlying cause so
// errors.Unwrap / errors.Is on the underlying cause keep working.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

// New wraps cause (which may be nil) with kind.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: cause}
}

// Newf builds a classified error from a format string, following the
// teacher's errors.Newf convention.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, cause: errors.Newf(format, args...)}
}

// Classify extracts the Kind from err, or KindUnknown if err is not a
// classified *Error.
func Classify(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether persistence replay should retry attach on
// this error, per spec.md §4.10 / §7. Version, protocol, and ABI
// mismatches never resolve themselves; the enumerated OP_REP_IMPORT
// statuses are the server explicitly telling the client the device
// will not become available.
func Retryable(err error) bool {
	switch Classify(err) {
	case KindVersion, KindProtocol, KindABI,
		KindDevBusy, KindDevErr, KindNoDevice, KindNotAvailable, KindServerError:
		return false
	default:
		return true
	}
}

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network error"
	case KindVersion:
		return "version mismatch"
	case KindProtocol:
		return "protocol error"
	case KindABI:
		return "abi mismatch"
	case KindDevBusy:
		return "device busy"
	case KindDevErr:
		return "device error"
	case KindNoDevice:
		return "no such device"
	case KindNotAvailable:
		return "not available"
	case KindServerError:
		return "server error"
	case KindInvalidParameter:
		return "invalid parameter"
	case KindInsufficientResources:
		return "insufficient resources"
	case KindCanceled:
		return "canceled"
	case KindDisconnected:
		return "disconnected"
	default:
		return "unknown error"
	}
}
