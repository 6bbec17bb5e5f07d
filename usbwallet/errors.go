// Copyright 2025 The usbsigner Authors
// This file is part of the usbsigner library.
//
// The usbsigner library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The usbsigner library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the usbsigner library. If not, see <http://www.gnu.org/licenses/>.

package usbwallet

import (
	"errors"
	"fmt"
)

// Status words the signing protocol keys off. Every other code is opaque to
// this package and propagates inside a plain StatusError.
const (
	// StatusAppNotRunning (0x6B0C) is returned by the device when the wallet
	// application required for the requested operation is not open.
	StatusAppNotRunning uint16 = 0x6b0c

	// StatusNotSupported (0x6D00) is returned by firmware that lacks the
	// requested instruction. It selects the hashed fallback during typed-data
	// signing and is a terminal error everywhere else.
	StatusNotSupported uint16 = 0x6d00
)

var (
	// ErrBusy signals a transport-level mutual-exclusion rejection: another
	// command is already in flight on the device. It is the only error the
	// retry loop absorbs.
	ErrBusy = errors.New("usbwallet: device busy")

	// ErrAppNotRunning is the domain rewrite of StatusAppNotRunning, raised
	// as soon as the status is seen and never retried.
	ErrAppNotRunning = errors.New("usbwallet: required application not running on device")

	// ErrInitTimeout is returned when a caller waited out the initialization
	// budget for another caller's in-flight session setup.
	ErrInitTimeout = errors.New("usbwallet: device initialization timed out")

	// ErrOperationTimeout is returned when the device kept rejecting an
	// operation as busy for the whole retry budget.
	ErrOperationTimeout = errors.New("usbwallet: device stayed busy, operation timed out")
)

// StatusError is the tagged form of a non-success status word reported by the
// device. The boundary layer producing device errors must use this type so
// the core can classify failures without duck typing.
type StatusError struct {
	Code uint16
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("usbwallet: device status %#04x (%d)", e.Code, e.Code)
}

// IsStatus reports whether err carries the given device status word.
func IsStatus(err error, code uint16) bool {
	var status *StatusError
	return errors.As(err, &status) && status.Code == code
}

// IsUnsupported reports whether err is the firmware's unsupported-instruction
// status, the signal the typed-data fallback path keys off.
func IsUnsupported(err error) bool {
	return IsStatus(err, StatusNotSupported)
}
