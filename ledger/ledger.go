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

// Package ledger implements the device API against the Ledger Ethereum
// application. The wire protocol spec can be found in the Ledger GitHub repo:
// https://github.com/LedgerHQ/app-ethereum/blob/develop/doc/ethapp.adoc
package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/usbsigner/usbsigner/hdpath"
	"github.com/usbsigner/usbsigner/signature"
	"github.com/usbsigner/usbsigner/usbwallet"
)

// opcode is an enumeration encoding the supported Ledger opcodes.
type opcode byte

// param1 is an enumeration encoding the supported Ledger parameters for
// specific opcodes. The same parameter values may be reused between opcodes.
type param1 byte

// param2 is an enumeration encoding the supported Ledger parameters for
// specific opcodes. The same parameter values may be reused between opcodes.
type param2 byte

const (
	opRetrieveAddress  opcode = 0x02 // Returns the public key and Ethereum address for a given BIP 32 path
	opSignTransaction  opcode = 0x04 // Signs an Ethereum transaction after having the user validate the parameters
	opGetConfiguration opcode = 0x06 // Returns specific wallet application configuration
	opSignPersonal     opcode = 0x08 // Signs an Ethereum message following the personal_sign specification
	opSignTypedMessage opcode = 0x0c // Signs an Ethereum message following the EIP 712 specification

	p1DirectlyFetchAddress param1 = 0x00 // Return address directly from the wallet
	p1InitTypedMessageData param1 = 0x00 // First chunk of Typed Message data
	p1InitTransactionData  param1 = 0x00 // First transaction data block for signing
	p1ContTransactionData  param1 = 0x80 // Subsequent transaction data block for signing

	p2DiscardAddressChainCode param2 = 0x00 // Do not return the chain code along with the address

	eip155Size int = 3 // Size of the EIP-155 chain_id,r,s in unsigned transactions
)

// errInvalidVersionReply is returned by a configuration query when a response
// does arrive, but it does not contain the expected data.
var errInvalidVersionReply = errors.New("ledger: invalid version reply")

// Driver implements the usbwallet device API over a Ledger running the
// Ethereum application.
//
// The device accepts one command at a time. Rather than queueing, concurrent
// callers are rejected with usbwallet.ErrBusy, which the session's retry
// layer absorbs; this keeps the transport-lock semantics in one place.
type Driver struct {
	device  io.ReadWriter // USB device connection to communicate through
	version [3]byte       // Cached app version (zero until the first configuration query)
	comms   sync.Mutex    // Transport lock rejecting overlapping commands
	log     log.Logger
}

// NewDriver creates a Ledger protocol driver on top of an open device
// connection.
func NewDriver(device io.ReadWriter, logger log.Logger) *Driver {
	if logger == nil {
		logger = log.Root()
	}
	return &Driver{
		device: device,
		log:    logger.New("module", "ledger"),
	}
}

// claim takes the transport lock or reports the device busy. The returned
// release must be called iff the error is nil.
func (d *Driver) claim() (func(), error) {
	if !d.comms.TryLock() {
		return nil, usbwallet.ErrBusy
	}
	return d.comms.Unlock, nil
}

// AppConfiguration implements the device API, retrieving the option flags and
// version of the Ethereum app.
//
// The version retrieval protocol is defined as follows:
//
//	CLA | INS | P1 | P2 | Lc | Le
//	----+-----+----+----+----+---
//	 E0 | 06  | 00 | 00 | 00 | 04
//
// With no input data, and the output data being:
//
//	Description                                        | Length
//	---------------------------------------------------+--------
//	Flags 01: arbitrary data signature enabled by user | 1 byte
//	Application major version                          | 1 byte
//	Application minor version                          | 1 byte
//	Application patch version                          | 1 byte
func (d *Driver) AppConfiguration() (usbwallet.AppConfig, error) {
	release, err := d.claim()
	if err != nil {
		return usbwallet.AppConfig{}, err
	}
	defer release()

	reply, err := d.exchange(opGetConfiguration, 0, 0, nil)
	if err != nil {
		return usbwallet.AppConfig{}, err
	}
	if len(reply) != 4 {
		return usbwallet.AppConfig{}, errInvalidVersionReply
	}
	config := usbwallet.AppConfig{Flags: reply[0]}
	copy(config.Version[:], reply[1:])

	// Cache the version for firmware capability gates
	d.version = config.Version
	return config, nil
}

// Address implements the device API, retrieving the Ethereum address and the
// uncompressed public key at the given derivation path.
//
// The address derivation protocol is defined as follows:
//
//	CLA | INS | P1 | P2 | Lc  | Le
//	----+-----+----+----+-----+---
//	 E0 | 02  | 00 return address
//	            01 display address and confirm before returning
//	               | 00: do not return the chain code
//	               | 01: return the chain code
//	                    | var | 00
//
// Where the input data is:
//
//	Description                                      | Length
//	-------------------------------------------------+--------
//	Number of BIP 32 derivations to perform (max 10) | 1 byte
//	First derivation index (big endian)              | 4 bytes
//	...                                              | 4 bytes
//	Last derivation index (big endian)               | 4 bytes
//
// And the output data is:
//
//	Description             | Length
//	------------------------+-------------------
//	Public Key length       | 1 byte
//	Uncompressed Public Key | arbitrary
//	Ethereum address length | 1 byte
//	Ethereum address        | 40 bytes hex ascii
//	Chain code if requested | 32 bytes
func (d *Driver) Address(path hdpath.Path) (common.Address, []byte, error) {
	release, err := d.claim()
	if err != nil {
		return common.Address{}, nil, err
	}
	defer release()

	reply, err := d.exchange(opRetrieveAddress, p1DirectlyFetchAddress, p2DiscardAddressChainCode, pathData(path))
	if err != nil {
		return common.Address{}, nil, err
	}
	// Extract the uncompressed public key
	if len(reply) < 1 || len(reply) < 1+int(reply[0]) {
		return common.Address{}, nil, errors.New("ledger: reply lacks public key entry")
	}
	pubkey := make([]byte, reply[0])
	copy(pubkey, reply[1:])
	reply = reply[1+int(reply[0]):]

	// Extract the Ethereum hex address string
	if len(reply) < 1 || len(reply) < 1+int(reply[0]) {
		return common.Address{}, nil, errors.New("ledger: reply lacks address entry")
	}
	hexstr := reply[1 : 1+int(reply[0])]

	var address common.Address
	if _, err = hex.Decode(address[:], hexstr); err != nil {
		return common.Address{}, nil, err
	}
	return address, pubkey, nil
}

// SignTransaction implements the device API, streaming the raw unsigned
// transaction encoding to the device and waiting for the user to confirm or
// deny it.
//
// The transaction signing protocol is defined as follows:
//
//	CLA | INS | P1 | P2 | Lc  | Le
//	----+-----+----+----+-----+---
//	 E0 | 04  | 00: first transaction data block
//	            80: subsequent transaction data block
//	               | 00 | variable | variable
//
// Where the input for the first transaction block (first 255 bytes) is:
//
//	Description                                      | Length
//	-------------------------------------------------+----------
//	Number of BIP 32 derivations to perform (max 10) | 1 byte
//	First derivation index (big endian)              | 4 bytes
//	...                                              | 4 bytes
//	Last derivation index (big endian)               | 4 bytes
//	Transaction chunk                                | arbitrary
//
// And the input for subsequent transaction blocks (first 255 bytes) are:
//
//	Description       | Length
//	------------------+----------
//	Transaction chunk | arbitrary
//
// And the output data is:
//
//	Description | Length
//	------------+---------
//	signature V | 1 byte
//	signature R | 32 bytes
//	signature S | 32 bytes
func (d *Driver) SignTransaction(path hdpath.Path, rawTx []byte) (signature.Raw, error) {
	release, err := d.claim()
	if err != nil {
		return signature.Raw{}, err
	}
	defer release()

	payload := append(pathData(path), rawTx...)

	// Chunk size selection to mitigate an underlying RLP deserialization
	// issue on the ledger app, which rejects legacy payloads whose final
	// chunk could be mistaken for the EIP-155 suffix alone.
	// https://github.com/LedgerHQ/app-ethereum/issues/409
	chunk := 255
	if len(rawTx) > 0 && rawTx[0] >= 0x80 { // legacy transactions only, typed envelopes are unaffected
		for ; len(payload)%chunk <= eip155Size; chunk-- {
		}
	}

	var (
		op    = p1InitTransactionData
		reply []byte
	)
	for len(payload) > 0 {
		if chunk > len(payload) {
			chunk = len(payload)
		}
		// Send the chunk over, ensuring it's processed correctly
		reply, err = d.exchange(opSignTransaction, op, 0, payload[:chunk])
		if err != nil {
			return signature.Raw{}, err
		}
		// Shift the payload and ensure subsequent chunks are marked as such
		payload = payload[chunk:]
		op = p1ContTransactionData
	}
	return replySignature(reply)
}

// SignPersonalMessage implements the device API, streaming the message to the
// device under the personal_sign scheme and waiting for user confirmation.
//
// The message signing protocol shares the chunking of transaction signing,
// with the first block carrying the derivation path, the message length as a
// big endian uint32 and the leading message bytes:
//
//	CLA | INS | P1 | P2 | Lc  | Le
//	----+-----+----+----+-----+---
//	 E0 | 08  | 00: first message data block
//	            80: subsequent message data block
//	               | 00 | variable | variable
func (d *Driver) SignPersonalMessage(path hdpath.Path, message []byte) (signature.Raw, error) {
	release, err := d.claim()
	if err != nil {
		return signature.Raw{}, err
	}
	defer release()

	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(message)))

	payload := append(pathData(path), length...)
	payload = append(payload, message...)

	var (
		op    = p1InitTransactionData
		reply []byte
	)
	for len(payload) > 0 {
		chunk := 255
		if chunk > len(payload) {
			chunk = len(payload)
		}
		reply, err = d.exchange(opSignPersonal, op, 0, payload[:chunk])
		if err != nil {
			return signature.Raw{}, err
		}
		payload = payload[chunk:]
		op = p1ContTransactionData
	}
	return replySignature(reply)
}

// SignTypedData implements the device API. The Ethereum app's full EIP-712
// flow (struct definitions streamed via INS 0x1a/0x1c before signing) is not
// implemented; the driver reports the instruction unsupported so the signing
// layer degrades to the hashed path below.
//
// TODO: implement the 0x1a/0x1c struct definition flow for clear signing on
// app versions >= 1.9.19.
func (d *Driver) SignTypedData(path hdpath.Path, data apitypes.TypedData) (signature.Raw, error) {
	return signature.Raw{}, &usbwallet.StatusError{Code: usbwallet.StatusNotSupported}
}

// SignTypedHash implements the device API, sending precomputed EIP-712
// domain and message hashes to the device and waiting for the user to
// confirm or deny the signature.
//
// Note: this was introduced in the ledger 1.5.0 firmware.
//
// The signing protocol is defined as follows:
//
//	CLA | INS | P1 | P2                          | Lc  | Le
//	----+-----+----+-----------------------------+-----+---
//	 E0 | 0C  | 00 | implementation version : 00 | variable | variable
//
// Where the input is:
//
//	Description                                      | Length
//	-------------------------------------------------+----------
//	Number of BIP 32 derivations to perform (max 10) | 1 byte
//	First derivation index (big endian)              | 4 bytes
//	...                                              | 4 bytes
//	Last derivation index (big endian)               | 4 bytes
//	domain hash                                      | 32 bytes
//	message hash                                     | 32 bytes
//
// And the output data is:
//
//	Description | Length
//	------------+---------
//	signature V | 1 byte
//	signature R | 32 bytes
//	signature S | 32 bytes
func (d *Driver) SignTypedHash(path hdpath.Path, domainHash, messageHash []byte) (signature.Raw, error) {
	// Ensure the firmware is capable of signing the given payload
	if d.version[0] < 1 || (d.version[0] == 1 && d.version[1] < 5) {
		//lint:ignore ST1005 brand name displayed on the console
		return signature.Raw{}, fmt.Errorf("Ledger version >= 1.5.0 required for EIP-712 signing (found version v%d.%d.%d)", d.version[0], d.version[1], d.version[2])
	}
	release, err := d.claim()
	if err != nil {
		return signature.Raw{}, err
	}
	defer release()

	payload := append(pathData(path), domainHash...)
	payload = append(payload, messageHash...)

	reply, err := d.exchange(opSignTypedMessage, p1InitTypedMessageData, 0, payload)
	if err != nil {
		return signature.Raw{}, err
	}
	return replySignature(reply)
}

// SignOffchainMessage implements the device API. The Ethereum app has no
// offchain-message instruction; the operation is reported unsupported.
func (d *Driver) SignOffchainMessage(path hdpath.Path, message []byte) ([]byte, error) {
	return nil, &usbwallet.StatusError{Code: usbwallet.StatusNotSupported}
}

// pathData flattens a derivation path into the wire form shared by all
// signing requests: a component count followed by the big endian indices.
func pathData(path hdpath.Path) []byte {
	indices := path.Indices()
	data := make([]byte, 1+4*len(indices))
	data[0] = byte(len(indices))
	for i, component := range indices {
		binary.BigEndian.PutUint32(data[1+4*i:], component)
	}
	return data
}

// replySignature extracts the V, R, S fields from a signing reply and does a
// sanity validation on its length.
func replySignature(reply []byte) (signature.Raw, error) {
	if len(reply) != crypto.SignatureLength {
		return signature.Raw{}, errors.New("ledger: reply lacks signature")
	}
	raw := signature.Raw{V: reply[0]}
	copy(raw.R[:], reply[1:33])
	copy(raw.S[:], reply[33:65])
	return raw, nil
}
