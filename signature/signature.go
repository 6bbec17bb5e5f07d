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

// Package signature normalizes device-returned signature fields into the
// canonical encoding expected by callers. No cryptographic computation
// happens here; the device is the sole signer.
package signature

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Raw carries the signature fields exactly as the device returned them. The
// recovery byte V is whatever the firmware produced for the operation at
// hand: 27/28 for message signing, the truncated EIP-155 byte for legacy
// transactions, 0/1 parity for typed transactions.
type Raw struct {
	V byte
	R [32]byte
	S [32]byte
}

// Signature is the normalized form handed to callers. R and S always render
// as 0x-prefixed even-length hex; V is available both numerically (ToInt)
// and as a 0x-prefixed string (its JSON/String form).
type Signature struct {
	R hexutil.Bytes `json:"r"`
	S hexutil.Bytes `json:"s"`
	V *hexutil.Big  `json:"v"`
}

// errNoRecovery is returned when a recoverable 65-byte form is requested for
// a signature whose V does not encode a recovery identifier.
var errNoRecovery = errors.New("signature: v carries no recovery id")

// Personal normalizes a personal-message ("Ethereum Signed Message") device
// signature. Firmware predating the 27 offset returns bare parity; both forms
// normalize to 27/28.
func Personal(raw Raw) Signature {
	v := uint64(raw.V)
	if v < 27 {
		v += 27
	}
	return assemble(raw, new(big.Int).SetUint64(v))
}

// TypedData normalizes an EIP-712 typed-data device signature, which follows
// the same 27/28 convention as personal messages.
func TypedData(raw Raw) Signature {
	return Personal(raw)
}

// Transaction normalizes a transaction device signature. The transaction type
// is sniffed from the first byte of the raw encoding, which is never parsed
// beyond that: typed envelopes (first byte below 0x80) carry a 0/1 parity V,
// legacy transactions with a chain ID need the full EIP-155 value recomputed
// from the truncated byte the device returns, and pre-EIP-155 legacy
// transactions keep their 27/28 V untouched.
func Transaction(raw Raw, rawTx []byte, chainID *big.Int) (Signature, error) {
	if len(rawTx) == 0 {
		return Signature{}, errors.New("signature: empty transaction payload")
	}
	if rawTx[0] < 0x80 {
		// Typed envelope per EIP-2718.
		switch rawTx[0] {
		case types.AccessListTxType, types.DynamicFeeTxType, types.BlobTxType:
		default:
			return Signature{}, fmt.Errorf("signature: unsupported transaction type %#x", rawTx[0])
		}
		v := uint64(raw.V)
		if v >= 27 {
			v -= 27
		}
		return assemble(raw, new(big.Int).SetUint64(v)), nil
	}
	if chainID == nil {
		return assemble(raw, new(big.Int).SetUint64(uint64(raw.V))), nil
	}
	// The device computes chainID*2 + 35 + parity but only returns the lowest
	// byte, so undo the truncated addition to recover the parity bit first.
	parity := raw.V - byte(chainID.Uint64()*2+35)
	v := new(big.Int).Mul(chainID, big.NewInt(2))
	v.Add(v, big.NewInt(35+int64(parity&1)))
	return assemble(raw, v), nil
}

// Offchain normalizes a detached signature from account-model chains that
// carry no recovery byte, yielding the 0x-prefixed hex form.
func Offchain(sig []byte) hexutil.Bytes {
	cpy := make([]byte, len(sig))
	copy(cpy, sig)
	return cpy
}

func assemble(raw Raw, v *big.Int) Signature {
	r := make([]byte, 32)
	s := make([]byte, 32)
	copy(r, raw.R[:])
	copy(s, raw.S[:])
	return Signature{R: r, S: s, V: (*hexutil.Big)(v)}
}

// Recoverable assembles the 65-byte r || s || recovery-id form suitable for
// ecrecover style verification. The recovery id is reduced from whichever V
// convention the signature carries.
func (sig Signature) Recoverable() ([]byte, error) {
	parity, err := sig.RecoveryID()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 65)
	copy(out[:32], sig.R)
	copy(out[32:64], sig.S)
	out[64] = parity
	return out, nil
}

// RecoveryID reduces the signature's V to the 0/1 recovery identifier,
// whether V is a parity bit, a 27/28 message value or a full EIP-155 value.
func (sig Signature) RecoveryID() (byte, error) {
	if sig.V == nil {
		return 0, errNoRecovery
	}
	v := sig.V.ToInt()
	switch {
	case v.Cmp(big.NewInt(35)) >= 0: // EIP-155
		return byte(new(big.Int).Sub(v, big.NewInt(35)).Bit(0)), nil
	case v.Cmp(big.NewInt(27)) >= 0:
		return byte(v.Uint64() - 27), nil
	case v.Cmp(big.NewInt(2)) < 0:
		return byte(v.Uint64()), nil
	}
	return 0, fmt.Errorf("%w: v=%v", errNoRecovery, v)
}
