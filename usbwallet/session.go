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
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// Opening a hardware transport is exclusive and comparatively slow, so every
// signer in a process shares exactly one transport + driver pair. The session
// poll shape mirrors the operation retry budget: callers that lose the
// initialization race wait up to ~120s for the winner to publish.
const (
	initPollInterval = 100 * time.Millisecond
	initPollAttempts = 1200
)

type sessionState int

const (
	sessionUninitialized sessionState = iota
	sessionInitializing
	sessionReady
)

// OpenFunc constructs the transport connection and the device driver on top
// of it. The session invokes it at most once per successful initialization.
type OpenFunc func() (DeviceAPI, error)

// Session coordinates lazy creation of a single shared device connection.
// Any number of signers hold a reference to one Session; the first caller to
// need the device claims initialization, everyone else either waits for the
// published handle or receives it immediately once ready.
type Session struct {
	open OpenFunc

	mu     sync.Mutex
	state  sessionState
	api    DeviceAPI
	config AppConfig
	cache  map[string]DerivedAccount

	// Poll policy, overridable in tests.
	pollInterval time.Duration
	pollAttempts int

	log log.Logger
}

// NewSession creates an idle session around the given transport/driver
// factory. Nothing is opened until the first Acquire.
func NewSession(open OpenFunc) *Session {
	return &Session{
		open:         open,
		cache:        make(map[string]DerivedAccount),
		pollInterval: initPollInterval,
		pollAttempts: initPollAttempts,
		log:          log.New("module", "usbwallet"),
	}
}

// Acquire returns the shared device handle, initializing the connection on
// first use. It is safe for concurrent use: exactly one caller performs the
// transport open and liveness check, the rest poll until the handle is
// published or their budget runs out.
//
// A failed initialization releases the claim, so a later caller may try
// again with a fresh transport.
func (s *Session) Acquire(ctx context.Context) (DeviceAPI, error) {
	for attempt := 0; ; attempt++ {
		s.mu.Lock()
		switch s.state {
		case sessionReady:
			api := s.api
			s.mu.Unlock()
			return api, nil

		case sessionUninitialized:
			s.state = sessionInitializing
			s.mu.Unlock()
			return s.initialize()

		case sessionInitializing:
			s.mu.Unlock()
			if attempt >= s.pollAttempts {
				return nil, ErrInitTimeout
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.pollInterval):
			}
		}
	}
}

// initialize runs the claimed transition: open the transport and driver,
// probe the device for liveness and publish the handle. Must only be called
// by the goroutine that moved the state to sessionInitializing.
func (s *Session) initialize() (DeviceAPI, error) {
	start := time.Now()

	api, err := s.open()
	if err == nil {
		// Liveness check: one configuration query proves the wallet app is
		// reachable before the handle is shared around.
		var config AppConfig
		if config, err = api.AppConfiguration(); err == nil {
			s.mu.Lock()
			s.api, s.config, s.state = api, config, sessionReady
			s.mu.Unlock()

			s.log.Debug("Device session initialized", "version", config, "elapsed", time.Since(start))
			return api, nil
		}
	}
	s.mu.Lock()
	s.state = sessionUninitialized
	s.mu.Unlock()

	s.log.Warn("Device session initialization failed", "err", err)
	return nil, err
}

// Config returns the application configuration captured by the liveness
// check. The boolean is false until the session is ready.
func (s *Session) Config() (AppConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config, s.state == sessionReady
}

// cachedAccount returns the memoized derivation result for a normalized path.
func (s *Session) cachedAccount(path string) (DerivedAccount, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.cache[path]
	return account, ok
}

// storeAccount memoizes a derivation result. Concurrent derivations for the
// same path each store the identical value, so last-writer-wins is benign;
// entries are never invalidated because the device identity cannot change
// without a reconnect, which the session does not support.
func (s *Session) storeAccount(path string, account DerivedAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[path] = account
}
