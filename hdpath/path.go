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

// Package hdpath implements parsing and formatting of BIP-32 hierarchical
// deterministic wallet derivation paths.
package hdpath

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// HardenedOffset is the index offset marking a path component as hardened,
// preventing derivation of child keys from the parent public key alone.
const HardenedOffset uint32 = 0x80000000

var (
	// ErrInvalidPathFormat is returned when a derivation path string does not
	// start with the `m` root marker or contains a malformed component.
	ErrInvalidPathFormat = errors.New("hdpath: malformed derivation path")

	// ErrIndexOutOfRange is returned when a path component does not fit the
	// 31 bits available below the hardened offset.
	ErrIndexOutOfRange = errors.New("hdpath: path component out of range")
)

// Path is the parsed form of a hierarchical deterministic wallet account
// derivation path.
//
// The BIP-32 spec https://github.com/bitcoin/bips/blob/master/bip-0032.mediawiki
// defines derivation paths to be of the form:
//
//	m / purpose' / coin_type' / account' / change / address_index
//
// The BIP-44 spec https://github.com/bitcoin/bips/blob/master/bip-0044.mediawiki
// defines that the `purpose` be 44' (or 0x8000002C) for crypto currencies, and
// SLIP-44 https://github.com/satoshilabs/slips/blob/master/slip-0044.md assigns
// the `coin_type` 60' (or 0x8000003C) to Ethereum.
//
// A Path is immutable once parsed. The normalized string retains the caller's
// original component spelling (minus the root marker) so it can double as a
// stable cache key.
type Path struct {
	normalized string
	indices    []uint32
}

// DefaultBaseDerivationPath is the base path from which custom derivation
// endpoints are incremented. As such, the first account will be at
// m/44'/60'/0'/0/0, the second at m/44'/60'/0'/0/1, etc.
var DefaultBaseDerivationPath = MustParse("m/44'/60'/0'/0/0")

// LegacyLedgerBaseDerivationPath is the legacy base path from which custom
// derivation endpoints are incremented. As such, the first account will be at
// m/44'/60'/0'/0, the second at m/44'/60'/0'/1, etc.
var LegacyLedgerBaseDerivationPath = MustParse("m/44'/60'/0'/0")

// Parse converts a user specified derivation path string to the internal
// binary representation.
//
// Paths must be absolute, starting with the `m` root marker. A path that is
// exactly the root marker parses to an empty Path. Each further component is
// one or more decimal digits, optionally followed by a single `'` hardened
// marker. Components must fit 31 bits before the hardened offset is applied.
func Parse(path string) (Path, error) {
	if path == "m" {
		return Path{}, nil
	}
	rest, ok := strings.CutPrefix(path, "m/")
	if !ok {
		return Path{}, fmt.Errorf("%w: %q lacks the m/ root marker", ErrInvalidPathFormat, path)
	}
	components := strings.Split(rest, "/")
	indices := make([]uint32, 0, len(components))
	for _, component := range components {
		index, err := parseComponent(component)
		if err != nil {
			return Path{}, err
		}
		indices = append(indices, index)
	}
	// The normalized form is the original component join, not a reserialization
	// of the indices, so the caller's exact spelling survives round trips.
	return Path{normalized: rest, indices: indices}, nil
}

// MustParse is a helper that parses a derivation path or panics. It is meant
// for compile time constant paths only.
func MustParse(path string) Path {
	parsed, err := Parse(path)
	if err != nil {
		panic(err)
	}
	return parsed
}

// parseComponent converts a single path component into its index, applying
// the hardened offset if the component carries the `'` marker.
func parseComponent(component string) (uint32, error) {
	digits, hardened := strings.CutSuffix(component, "'")
	if digits == "" {
		return 0, fmt.Errorf("%w: empty component %q", ErrInvalidPathFormat, component)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: invalid component %q", ErrInvalidPathFormat, component)
		}
	}
	value, err := strconv.ParseUint(digits, 10, 64)
	if err != nil || value >= uint64(HardenedOffset) {
		return 0, fmt.Errorf("%w: component %s exceeds %d", ErrIndexOutOfRange, digits, HardenedOffset-1)
	}
	index := uint32(value)
	if hardened {
		index += HardenedOffset
	}
	return index, nil
}

// Normalized returns the path string without the `m/` root marker, preserving
// the component spelling of the string the path was parsed from. An empty
// path yields the empty string.
func (p Path) Normalized() string {
	return p.normalized
}

// Indices returns a copy of the path components, hardened offset applied.
func (p Path) Indices() []uint32 {
	cpy := make([]uint32, len(p.indices))
	copy(cpy, p.indices)
	return cpy
}

// Depth returns the number of components in the path.
func (p Path) Depth() int {
	return len(p.indices)
}

// String implements the stringer interface, converting the path back to its
// canonical `m/`-rooted representation.
func (p Path) String() string {
	if p.normalized == "" {
		return "m"
	}
	return "m/" + p.normalized
}

// MarshalJSON turns a derivation path into its json-serialized string.
func (p Path) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON parses a json-serialized string back into a derivation path.
func (p *Path) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// child returns a copy of the path with the component at the given offset
// replaced, reserializing the normalized form to match.
func (p Path) child(offset int, index uint32) Path {
	indices := p.Indices()
	indices[offset] = index

	components := make([]string, len(indices))
	for i, idx := range indices {
		if idx >= HardenedOffset {
			components[i] = strconv.FormatUint(uint64(idx-HardenedOffset), 10) + "'"
		} else {
			components[i] = strconv.FormatUint(uint64(idx), 10)
		}
	}
	return Path{normalized: strings.Join(components, "/"), indices: indices}
}

// DefaultIterator creates a BIP-32 path iterator, which progresses by
// increasing the last component: i.e. m/44'/60'/0'/0/0, m/44'/60'/0'/0/1,
// m/44'/60'/0'/0/2, ... m/44'/60'/0'/0/N.
func DefaultIterator(base Path) func() Path {
	offset := base.Depth() - 1
	next := base.indices[offset]
	return func() Path {
		path := base.child(offset, next)
		next++
		return path
	}
}

// LedgerLiveIterator creates a BIP-44 path iterator for Ledger Live, which
// increments the third component rather than the fifth: i.e. m/44'/60'/0'/0/0,
// m/44'/60'/1'/0/0, m/44'/60'/2'/0/0, ... m/44'/60'/N'/0/0.
func LedgerLiveIterator(base Path) func() Path {
	next := base.indices[2]
	return func() Path {
		path := base.child(2, next)
		next++
		return path
	}
}
