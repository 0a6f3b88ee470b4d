// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keychain.
//
// go-keychain is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package status defines the response-code space returned at the dispatcher
// boundary. Positive values are service-level codes; negative values mirror
// the secure device's own error space. Dispatcher entry points return Go
// errors: blob-store failures are translated to an *Err carrying a Code,
// while ACL, device and operation-map errors are returned as the wrapped
// sentinels of their own packages.
package status

import "fmt"

// Code is the numeric status returned to callers, mirroring the service API
// described by the external interface: positive values are service-level
// response codes, negative values are device-level error codes.
type Code int32

// Service-level response codes (positive).
const (
	NoError         Code = 1
	Locked          Code = 2
	Uninitialized   Code = 3
	SystemError     Code = 4
	PermissionDenied Code = 6
	KeyNotFound     Code = 7
	ValueCorrupted  Code = 8
	OpAuthNeeded    Code = 15
)

// Device-level error codes (negative), mirrored from the secure device
// contract. The exact numbering is not meaningful outside this service; it
// only needs to be distinct and stable for a given build.
const (
	InvalidArgument          Code = -1
	KeyUserNotAuthenticated  Code = -2
	KeyRequiresUpgrade       Code = -3
	CannotAttestIds          Code = -4
	TooManyOperations        Code = -5
	UnexpectedNullPointer    Code = -6
	InvalidOperationHandle   Code = -7
	UnknownError             Code = -8
	DeviceBusy               Code = -9
	Unsupported              Code = -10
	SoftwareUnavailable      Code = -11
)

// String renders a Code using its symbolic name where known.
func (c Code) String() string {
	switch c {
	case NoError:
		return "NO_ERROR"
	case Locked:
		return "LOCKED"
	case Uninitialized:
		return "UNINITIALIZED"
	case SystemError:
		return "SYSTEM_ERROR"
	case PermissionDenied:
		return "PERMISSION_DENIED"
	case KeyNotFound:
		return "KEY_NOT_FOUND"
	case ValueCorrupted:
		return "VALUE_CORRUPTED"
	case OpAuthNeeded:
		return "OP_AUTH_NEEDED"
	case InvalidArgument:
		return "INVALID_ARGUMENT"
	case KeyUserNotAuthenticated:
		return "KEY_USER_NOT_AUTHENTICATED"
	case KeyRequiresUpgrade:
		return "KEY_REQUIRES_UPGRADE"
	case CannotAttestIds:
		return "CANNOT_ATTEST_IDS"
	case TooManyOperations:
		return "TOO_MANY_OPERATIONS"
	case UnexpectedNullPointer:
		return "UNEXPECTED_NULL_POINTER"
	case InvalidOperationHandle:
		return "INVALID_OPERATION_HANDLE"
	case DeviceBusy:
		return "DEVICE_BUSY"
	case Unsupported:
		return "UNSUPPORTED"
	case SoftwareUnavailable:
		return "SOFTWARE_UNAVAILABLE"
	default:
		return "UNKNOWN_ERROR"
	}
}

// IsOk reports whether c represents success.
func (c Code) IsOk() bool {
	return c == NoError
}

// Err wraps a Code as an error, so it can participate in errors.Is/As chains
// alongside the sentinel errors defined across the internal packages.
type Err struct {
	Code Code
}

// New returns an error for the given code. Returns nil for NoError.
func New(c Code) error {
	if c == NoError {
		return nil
	}
	return &Err{Code: c}
}

func (e *Err) Error() string {
	return fmt.Sprintf("keystore: %s", e.Code)
}

// FromError maps a Go error to a Code, defaulting to SystemError for
// anything that is not itself an *Err (a wrapped *Err is not unwrapped).
// The dispatcher uses it to label error metrics.
func FromError(err error) Code {
	if err == nil {
		return NoError
	}
	if se, ok := err.(*Err); ok {
		return se.Code
	}
	return SystemError
}
