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

// Package usbwallet implements the device-session and signing-protocol layer
// for USB hardware wallets: lazy race-safe initialization of a single device
// connection, busy-retry around device commands, address caching and the
// typed-data signing fallback for older firmware.
package usbwallet

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/usbsigner/usbsigner/hdpath"
	"github.com/usbsigner/usbsigner/signature"
)

// DeviceAPI is the vendor specific functionality a hardware wallet driver
// must implement for the session and signing layers to drive it. All methods
// are expected to be safe for concurrent use; drivers reject overlapping
// commands with ErrBusy rather than interleaving bytes on the wire.
//
// Failure signaling contract: transport contention surfaces as ErrBusy,
// non-success device status words surface as *StatusError, everything else
// is opaque and propagates verbatim.
type DeviceAPI interface {
	// AppConfiguration queries the wallet application's configuration. It
	// doubles as the session liveness probe.
	AppConfiguration() (AppConfig, error)

	// Address derives the account address and uncompressed public key at the
	// given derivation path.
	Address(path hdpath.Path) (common.Address, []byte, error)

	// SignTransaction signs a raw, unsigned transaction encoding after the
	// user confirmed it on the device. The payload is not re-parsed by the
	// signing layers.
	SignTransaction(path hdpath.Path, rawTx []byte) (signature.Raw, error)

	// SignPersonalMessage signs a message under the "Ethereum Signed Message"
	// scheme after user confirmation.
	SignPersonalMessage(path hdpath.Path, message []byte) (signature.Raw, error)

	// SignTypedData performs full EIP-712 clear signing of the structured
	// payload. Firmware lacking the operation reports StatusNotSupported.
	SignTypedData(path hdpath.Path, data apitypes.TypedData) (signature.Raw, error)

	// SignTypedHash signs precomputed EIP-712 domain and message hashes, the
	// degraded path for firmware without full typed-data support.
	SignTypedHash(path hdpath.Path, domainHash, messageHash []byte) (signature.Raw, error)

	// SignOffchainMessage signs an opaque message for account-model chains
	// whose signatures carry no recovery byte.
	SignOffchainMessage(path hdpath.Path, message []byte) ([]byte, error)
}

// AppConfig describes the wallet application running on the device.
type AppConfig struct {
	Flags   byte    // Application option flags (bit 0: arbitrary data signing enabled)
	Version [3]byte // Application semantic version, zero if offline
}

// String implements the stringer interface for log output.
func (c AppConfig) String() string {
	return fmt.Sprintf("v%d.%d.%d", c.Version[0], c.Version[1], c.Version[2])
}

// ArbitraryDataEnabled reports whether the user enabled blind signing of
// arbitrary contract data in the application settings.
func (c AppConfig) ArbitraryDataEnabled() bool {
	return c.Flags&1 != 0
}

// DerivedAccount is the cached result of an address derivation.
type DerivedAccount struct {
	Address   common.Address
	PublicKey []byte
}
