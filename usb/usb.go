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

// Package usb locates and opens hardware wallets over USB HID.
package usb

import (
	"errors"
	"fmt"
	"io"

	"github.com/karalabe/hid"
)

// ledgerVendorID is the USB vendor identifier of Ledger devices.
const ledgerVendorID = 0x2c97

// ledgerUsageID is the USB usage page identifier used for macOS device
// discovery.
const ledgerUsageID = 0xffa0

// ledgerEndpointID is the USB endpoint identifier used for non-macOS device
// discovery.
const ledgerEndpointID = 0

// ledgerProductIDs are the product identifiers Ledger devices advertise,
// taken from
// https://github.com/LedgerHQ/ledger-live/blob/38012bc8899e0f07149ea9cfe7e64b2c146bc92b/libs/ledgerjs/packages/devices/src/index.ts
var ledgerProductIDs = []uint16{
	// Original product IDs
	0x0000, /* Ledger Blue */
	0x0001, /* Ledger Nano S */
	0x0004, /* Ledger Nano X */
	0x0005, /* Ledger Nano S Plus */
	0x0006, /* Ledger Nano FTS */

	0x0015, /* HID + U2F + WebUSB Ledger Blue */
	0x1015, /* HID + U2F + WebUSB Ledger Nano S */
	0x4015, /* HID + U2F + WebUSB Ledger Nano X */
	0x5015, /* HID + U2F + WebUSB Ledger Nano S Plus */
	0x6015, /* HID + U2F + WebUSB Ledger Nano FTS */

	0x0011, /* HID + WebUSB Ledger Blue */
	0x1011, /* HID + WebUSB Ledger Nano S */
	0x4011, /* HID + WebUSB Ledger Nano X */
	0x5011, /* HID + WebUSB Ledger Nano S Plus */
	0x6011, /* HID + WebUSB Ledger Nano FTS */
}

// ErrUnsupportedPlatform is returned when the process runs on a platform
// without USB HID support compiled in.
var ErrUnsupportedPlatform = errors.New("usb: hidapi not supported on this platform")

// ErrNoDevice is returned when no matching wallet device is connected.
var ErrNoDevice = errors.New("usb: no hardware wallet found")

// OpenLedger enumerates the connected USB HID devices and opens the first
// Ledger it finds. Exactly one caller per process is expected to hold the
// returned connection; the session layer enforces that.
func OpenLedger() (io.ReadWriteCloser, error) {
	if !hid.Supported() {
		return nil, ErrUnsupportedPlatform
	}
	infos, err := hid.Enumerate(ledgerVendorID, 0)
	if err != nil {
		return nil, fmt.Errorf("usb: device enumeration failed: %w", err)
	}
	for _, info := range infos {
		for _, id := range ledgerProductIDs {
			// Windows and macOS use UsagePage, Linux uses Interface
			if info.ProductID == id && (info.UsagePage == ledgerUsageID || info.Interface == ledgerEndpointID) {
				device, err := info.Open()
				if err != nil {
					return nil, fmt.Errorf("usb: opening %s failed: %w", info.Path, err)
				}
				return device, nil
			}
		}
	}
	return nil, ErrNoDevice
}
