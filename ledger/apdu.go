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

package ledger

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/usbsigner/usbsigner/usbwallet"
)

// statusOK is the APDU status word reported on success. Anything else is
// mapped into a tagged usbwallet.StatusError.
const statusOK uint16 = 0x9000

// errReplyInvalidHeader is returned by a data exchange if the device replies
// with a mismatching transport header. This usually means the device is in
// browser mode.
var errReplyInvalidHeader = errors.New("ledger: invalid reply header")

// errReplyTruncated is returned when a reply ends before the status word.
var errReplyTruncated = errors.New("ledger: truncated reply")

// exchange performs a data exchange with the device, sending it a message
// and retrieving the response, with the payload framed into 64 byte HID
// reports.
//
// The common transport header is defined as follows:
//
//	Description                           | Length
//	--------------------------------------+----------
//	Communication channel ID (big endian) | 2 bytes
//	Command tag                           | 1 byte
//	Packet sequence index (big endian)    | 2 bytes
//	Payload                               | arbitrary
//
// The communication channel ID allows commands multiplexing over the same
// physical link. It is not used for the time being, and should be set to 0101
// to avoid compatibility issues with implementations ignoring a leading 00
// byte.
//
// The command tag describes the message content. Use TAG_APDU (0x05) for
// standard APDU payloads, or TAG_PING (0x02) for a simple link test.
//
// The packet sequence index describes the current sequence for fragmented
// payloads. The first fragment index is 0x00.
//
// APDU command payloads are encoded as follows:
//
//	Description              | Length
//	-----------------------------------
//	APDU length (big endian) | 2 bytes
//	APDU CLA                 | 1 byte
//	APDU INS                 | 1 byte
//	APDU P1                  | 1 byte
//	APDU P2                  | 1 byte
//	APDU length              | 1 byte
//	Optional APDU data       | arbitrary
//
// The final two bytes of the reassembled reply are the status word; a
// non-success status becomes a usbwallet.StatusError so the session and
// signing layers can classify it.
func (d *Driver) exchange(opcode opcode, p1 param1, p2 param2, data []byte) ([]byte, error) {
	// Construct the message payload, possibly split into multiple chunks
	apdu := make([]byte, 2, 7+len(data))

	binary.BigEndian.PutUint16(apdu, uint16(5+len(data)))
	apdu = append(apdu, []byte{0xe0, byte(opcode), byte(p1), byte(p2), byte(len(data))}...)
	apdu = append(apdu, data...)

	// Stream all the chunks to the device
	header := []byte{0x01, 0x01, 0x05, 0x00, 0x00} // Channel ID and command tag appended
	chunk := make([]byte, 64)
	space := len(chunk) - len(header)

	for i := 0; len(apdu) > 0; i++ {
		// Construct the new message to stream
		chunk = append(chunk[:0], header...)
		binary.BigEndian.PutUint16(chunk[3:], uint16(i))

		if len(apdu) > space {
			chunk = append(chunk, apdu[:space]...)
			apdu = apdu[space:]
		} else {
			chunk = append(chunk, apdu...)
			apdu = nil
		}
		// Send over to the device
		d.log.Trace("Data chunk sent to the Ledger", "chunk", hexutil.Bytes(chunk))
		if _, err := d.device.Write(chunk); err != nil {
			return nil, err
		}
	}
	// Stream the reply back from the wallet in 64 byte chunks
	var reply []byte
	chunk = chunk[:64] // Yeah, we surely have enough space
	for {
		// Read the next chunk from the Ledger wallet
		if _, err := io.ReadFull(d.device, chunk); err != nil {
			return nil, err
		}
		d.log.Trace("Data chunk received from the Ledger", "chunk", hexutil.Bytes(chunk))

		// Make sure the transport header matches
		if chunk[0] != 0x01 || chunk[1] != 0x01 || chunk[2] != 0x05 {
			return nil, errReplyInvalidHeader
		}
		// If it's the first chunk, retrieve the total message length
		var payload []byte

		if chunk[3] == 0x00 && chunk[4] == 0x00 {
			reply = make([]byte, 0, int(binary.BigEndian.Uint16(chunk[5:7])))
			payload = chunk[7:]
		} else {
			payload = chunk[5:]
		}
		// Append to the reply and stop when filled up
		if left := cap(reply) - len(reply); left > len(payload) {
			reply = append(reply, payload...)
		} else {
			reply = append(reply, payload[:left]...)
			break
		}
	}
	if len(reply) < 2 {
		return nil, errReplyTruncated
	}
	// Split off and check the status word trailing the response data
	reply, status := reply[:len(reply)-2], binary.BigEndian.Uint16(reply[len(reply)-2:])
	if status != statusOK {
		return nil, &usbwallet.StatusError{Code: status}
	}
	return reply, nil
}
