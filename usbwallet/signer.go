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
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/usbsigner/usbsigner/hdpath"
	"github.com/usbsigner/usbsigner/signature"
)

// Signer binds one derivation path to the shared device session. Creating a
// signer is cheap and touches no hardware; the first operation triggers the
// session initialization.
type Signer struct {
	session *Session
	path    hdpath.Path
	retry   *Retrier
	log     log.Logger
}

// NewSigner validates the derivation path and binds it to the session. The
// hook rewriting the app-not-running status into its domain error is
// installed on the signer's retry executor; adapters needing further
// rewrites wrap their own Retrier instead.
func NewSigner(session *Session, path string) (*Signer, error) {
	parsed, err := hdpath.Parse(path)
	if err != nil {
		return nil, err
	}
	return &Signer{
		session: session,
		path:    parsed,
		retry:   NewRetrier(session, rewriteAppNotRunning),
		log:     log.New("module", "usbwallet", "path", parsed),
	}, nil
}

// rewriteAppNotRunning turns the device's app-missing status into the
// distinct domain error before the busy classification would see it.
func rewriteAppNotRunning(err error) error {
	if IsStatus(err, StatusAppNotRunning) {
		return ErrAppNotRunning
	}
	return nil
}

// Path returns the signer's derivation path.
func (s *Signer) Path() hdpath.Path {
	return s.path
}

// Address returns the account address and public key on the signer's path,
// memoized for the session lifetime. Derivation for a fixed path is
// deterministic, so concurrent first calls racing past the cache each hit
// the device and store the same value; the race is deliberately not
// deduplicated.
func (s *Signer) Address(ctx context.Context) (DerivedAccount, error) {
	if account, ok := s.session.cachedAccount(s.path.Normalized()); ok {
		return account, nil
	}
	var account DerivedAccount
	err := s.retry.Do(ctx, func(api DeviceAPI) error {
		address, pubkey, err := api.Address(s.path)
		if err != nil {
			return err
		}
		account = DerivedAccount{Address: address, PublicKey: pubkey}
		return nil
	})
	if err != nil {
		return DerivedAccount{}, err
	}
	s.session.storeAccount(s.path.Normalized(), account)
	return account, nil
}

// SignTransaction signs a raw, unsigned transaction encoding on the device
// and normalizes the returned fields for the transaction's type. The chain
// ID selects EIP-155 V recomputation for legacy payloads; pass nil for
// pre-EIP-155 signing.
func (s *Signer) SignTransaction(ctx context.Context, rawTx []byte, chainID *big.Int) (signature.Signature, error) {
	var raw signature.Raw
	err := s.retry.Do(ctx, func(api DeviceAPI) error {
		var err error
		raw, err = api.SignTransaction(s.path, rawTx)
		return err
	})
	if err != nil {
		return signature.Signature{}, err
	}
	return signature.Transaction(raw, rawTx, chainID)
}

// SignPersonalMessage signs a message under the "Ethereum Signed Message"
// scheme and normalizes V to the 27/28 convention.
func (s *Signer) SignPersonalMessage(ctx context.Context, message []byte) (signature.Signature, error) {
	var raw signature.Raw
	err := s.retry.Do(ctx, func(api DeviceAPI) error {
		var err error
		raw, err = api.SignPersonalMessage(s.path, message)
		return err
	})
	if err != nil {
		return signature.Signature{}, err
	}
	return signature.Personal(raw), nil
}

// SignTypedData signs an EIP-712 structured payload. The device's full
// clear-signing operation is attempted first so the user sees the decoded
// fields; firmware reporting the instruction unsupported degrades to signing
// the precomputed domain and message hashes instead. Only the unsupported
// status selects the fallback: a rejection or malformed payload propagates
// as-is, preserving the security semantics of the two paths.
func (s *Signer) SignTypedData(ctx context.Context, data apitypes.TypedData) (signature.Signature, error) {
	var raw signature.Raw
	err := s.retry.Do(ctx, func(api DeviceAPI) error {
		var err error
		raw, err = api.SignTypedData(s.path, data)
		return err
	})
	if err != nil {
		if !IsUnsupported(err) {
			return signature.Signature{}, err
		}
		s.log.Debug("Firmware lacks typed-data clear signing, falling back to hashes")

		domainHash, messageHash, herr := TypedDataHashes(data)
		if herr != nil {
			return signature.Signature{}, herr
		}
		err = s.retry.Do(ctx, func(api DeviceAPI) error {
			var err error
			raw, err = api.SignTypedHash(s.path, domainHash, messageHash)
			return err
		})
		if err != nil {
			return signature.Signature{}, err
		}
	}
	return signature.TypedData(raw), nil
}

// SignOffchainMessage signs an opaque message for account-model chains whose
// signatures carry no recovery byte, returning the 0x-hex normalized form.
func (s *Signer) SignOffchainMessage(ctx context.Context, message []byte) (hexutil.Bytes, error) {
	var sig []byte
	err := s.retry.Do(ctx, func(api DeviceAPI) error {
		var err error
		sig, err = api.SignOffchainMessage(s.path, message)
		return err
	})
	if err != nil {
		return nil, err
	}
	return signature.Offchain(sig), nil
}

// TypedDataHashes computes the EIP-712 domain separator and message hash fed
// to the hashed signing fallback.
func TypedDataHashes(data apitypes.TypedData) (domainHash, messageHash hexutil.Bytes, err error) {
	if domainHash, err = data.HashStruct("EIP712Domain", data.Domain.Map()); err != nil {
		return nil, nil, err
	}
	if messageHash, err = data.HashStruct(data.PrimaryType, data.Message); err != nil {
		return nil, nil, err
	}
	return domainHash, messageHash, nil
}
