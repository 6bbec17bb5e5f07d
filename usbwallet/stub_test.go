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
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/usbsigner/usbsigner/hdpath"
	"github.com/usbsigner/usbsigner/signature"
)

// stubDevice is a scriptable in-memory device API. Unset operations fail, so
// tests only wire what they exercise.
type stubDevice struct {
	configCalls    atomic.Int32
	addressCalls   atomic.Int32
	typedDataCalls atomic.Int32
	typedHashCalls atomic.Int32

	config    AppConfig
	configErr error

	addressFn   func(path hdpath.Path) (common.Address, []byte, error)
	signTxFn    func(path hdpath.Path, rawTx []byte) (signature.Raw, error)
	personalFn  func(path hdpath.Path, message []byte) (signature.Raw, error)
	typedDataFn func(path hdpath.Path, data apitypes.TypedData) (signature.Raw, error)
	typedHashFn func(path hdpath.Path, domainHash, messageHash []byte) (signature.Raw, error)
	offchainFn  func(path hdpath.Path, message []byte) ([]byte, error)
}

var errStubUnscripted = errors.New("stub: operation not scripted")

func (d *stubDevice) AppConfiguration() (AppConfig, error) {
	d.configCalls.Add(1)
	return d.config, d.configErr
}

func (d *stubDevice) Address(path hdpath.Path) (common.Address, []byte, error) {
	d.addressCalls.Add(1)
	if d.addressFn == nil {
		return common.Address{}, nil, errStubUnscripted
	}
	return d.addressFn(path)
}

func (d *stubDevice) SignTransaction(path hdpath.Path, rawTx []byte) (signature.Raw, error) {
	if d.signTxFn == nil {
		return signature.Raw{}, errStubUnscripted
	}
	return d.signTxFn(path, rawTx)
}

func (d *stubDevice) SignPersonalMessage(path hdpath.Path, message []byte) (signature.Raw, error) {
	if d.personalFn == nil {
		return signature.Raw{}, errStubUnscripted
	}
	return d.personalFn(path, message)
}

func (d *stubDevice) SignTypedData(path hdpath.Path, data apitypes.TypedData) (signature.Raw, error) {
	d.typedDataCalls.Add(1)
	if d.typedDataFn == nil {
		return signature.Raw{}, errStubUnscripted
	}
	return d.typedDataFn(path, data)
}

func (d *stubDevice) SignTypedHash(path hdpath.Path, domainHash, messageHash []byte) (signature.Raw, error) {
	d.typedHashCalls.Add(1)
	if d.typedHashFn == nil {
		return signature.Raw{}, errStubUnscripted
	}
	return d.typedHashFn(path, domainHash, messageHash)
}

func (d *stubDevice) SignOffchainMessage(path hdpath.Path, message []byte) ([]byte, error) {
	if d.offchainFn == nil {
		return nil, errStubUnscripted
	}
	return d.offchainFn(path, message)
}

// newTestSession wires a ready-to-run session around the stub with fast test
// poll policy.
func newTestSession(device *stubDevice) *Session {
	session := NewSession(func() (DeviceAPI, error) { return device, nil })
	session.pollInterval = 0
	session.pollAttempts = 100
	return session
}

// newTestRetrier shrinks the retry policy so busy-exhaustion tests complete
// quickly.
func newTestRetrier(session *Session, hook ErrorHook, attempts int) *Retrier {
	retrier := NewRetrier(session, hook)
	retrier.interval = 0
	retrier.attempts = attempts
	return retrier
}
