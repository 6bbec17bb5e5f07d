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
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tests that any number of concurrent first-time callers trigger exactly one
// transport open and one liveness probe, and that everyone receives the same
// published handle.
func TestSessionSingleOpen(t *testing.T) {
	device := &stubDevice{config: AppConfig{Version: [3]byte{1, 9, 19}}}

	var opens atomic.Int32
	session := NewSession(func() (DeviceAPI, error) {
		opens.Add(1)
		time.Sleep(10 * time.Millisecond) // Let the other callers pile up on the claim
		return device, nil
	})
	session.pollInterval = time.Millisecond
	session.pollAttempts = 1000

	var (
		wg      sync.WaitGroup
		handles = make([]DeviceAPI, 8)
	)
	for i := 0; i < len(handles); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			api, err := session.Acquire(context.Background())
			require.NoError(t, err)
			handles[i] = api
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, opens.Load(), "transport opened more than once")
	assert.EqualValues(t, 1, device.configCalls.Load(), "liveness probed more than once")
	for _, api := range handles {
		assert.Same(t, device, api)
	}
	config, ok := session.Config()
	assert.True(t, ok)
	assert.Equal(t, "v1.9.19", config.String())
}

// Tests that a ready session hands out the handle without reopening anything.
func TestSessionReuse(t *testing.T) {
	device := &stubDevice{}

	var opens atomic.Int32
	session := NewSession(func() (DeviceAPI, error) {
		opens.Add(1)
		return device, nil
	})
	for i := 0; i < 3; i++ {
		api, err := session.Acquire(context.Background())
		require.NoError(t, err)
		require.Same(t, device, api)
	}
	assert.EqualValues(t, 1, opens.Load())
}

// Tests that a failed initialization is returned to the claiming caller and
// releases the claim, so a later caller can bring the session up.
func TestSessionInitFailureReleasesClaim(t *testing.T) {
	device := &stubDevice{}
	errOpen := errors.New("no device")

	var opens atomic.Int32
	session := NewSession(func() (DeviceAPI, error) {
		if opens.Add(1) == 1 {
			return nil, errOpen
		}
		return device, nil
	})
	_, err := session.Acquire(context.Background())
	require.ErrorIs(t, err, errOpen)

	api, err := session.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, device, api)
	assert.EqualValues(t, 2, opens.Load())
}

// Tests that a liveness probe failure counts as an initialization failure.
func TestSessionLivenessFailure(t *testing.T) {
	errProbe := errors.New("app offline")
	device := &stubDevice{configErr: errProbe}

	session := NewSession(func() (DeviceAPI, error) { return device, nil })
	_, err := session.Acquire(context.Background())
	require.ErrorIs(t, err, errProbe)

	_, ok := session.Config()
	assert.False(t, ok, "failed session must not publish a configuration")
}

// Tests that a caller waiting on somebody else's initialization gives up with
// ErrInitTimeout once its poll budget is spent.
func TestSessionInitTimeout(t *testing.T) {
	unblock := make(chan struct{})
	session := NewSession(func() (DeviceAPI, error) {
		<-unblock
		return &stubDevice{}, nil
	})
	session.pollInterval = time.Millisecond
	session.pollAttempts = 5

	claimed := make(chan struct{})
	go func() {
		close(claimed)
		session.Acquire(context.Background())
	}()
	<-claimed
	time.Sleep(5 * time.Millisecond) // Make sure the claim landed

	_, err := session.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrInitTimeout)

	close(unblock)
}

// Tests that a waiting caller honors context cancellation between polls.
func TestSessionAcquireCancel(t *testing.T) {
	unblock := make(chan struct{})
	defer close(unblock)

	session := NewSession(func() (DeviceAPI, error) {
		<-unblock
		return &stubDevice{}, nil
	})
	session.pollInterval = 10 * time.Millisecond
	session.pollAttempts = 1000

	claimed := make(chan struct{})
	go func() {
		close(claimed)
		session.Acquire(context.Background())
	}()
	<-claimed
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := session.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
