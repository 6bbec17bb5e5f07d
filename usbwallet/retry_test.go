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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tests that busy rejections are absorbed: an operation failing busy k times
// succeeds on attempt k+1, with a pause separating every attempt.
func TestRetryAbsorbsBusy(t *testing.T) {
	const busyRejections = 5

	session := newTestSession(&stubDevice{})
	retrier := NewRetrier(session, nil)
	retrier.interval = 2 * time.Millisecond
	retrier.attempts = 100

	var calls int
	start := time.Now()
	err := retrier.Do(context.Background(), func(DeviceAPI) error {
		if calls++; calls <= busyRejections {
			return ErrBusy
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, busyRejections+1, calls)
	assert.GreaterOrEqual(t, time.Since(start), busyRejections*retrier.interval, "retries must be separated by pauses")
}

// Tests that a permanently busy device exhausts exactly the attempt budget
// and surfaces the operation timeout.
func TestRetryBudgetExhaustion(t *testing.T) {
	session := newTestSession(&stubDevice{})
	retrier := newTestRetrier(session, nil, 25)

	var calls int
	err := retrier.Do(context.Background(), func(DeviceAPI) error {
		calls++
		return ErrBusy
	})
	assert.ErrorIs(t, err, ErrOperationTimeout)
	assert.Equal(t, 25, calls)
}

// Tests that a non-busy failure propagates from the first attempt, without
// any pause.
func TestRetryFailsFast(t *testing.T) {
	session := newTestSession(&stubDevice{})
	retrier := NewRetrier(session, nil) // Production pauses: a retry would hang the test

	errRejected := errors.New("user rejected")

	var calls int
	start := time.Now()
	err := retrier.Do(context.Background(), func(DeviceAPI) error {
		calls++
		return errRejected
	})
	assert.ErrorIs(t, err, errRejected)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), retryInterval)
}

// Tests that a non-nil hook result overrides the retry decision, even for the
// busy sentinel the loop would otherwise absorb.
func TestRetryHookOverrides(t *testing.T) {
	errDomain := errors.New("wrong app open")

	session := newTestSession(&stubDevice{})
	retrier := newTestRetrier(session, func(err error) error {
		if errors.Is(err, ErrBusy) {
			return errDomain
		}
		return nil
	}, 10)

	var calls int
	err := retrier.Do(context.Background(), func(DeviceAPI) error {
		calls++
		return ErrBusy
	})
	assert.ErrorIs(t, err, errDomain)
	assert.Equal(t, 1, calls)
}

// Tests that a hook returning nil leaves the busy classification in place.
func TestRetryHookPassthrough(t *testing.T) {
	var hooked int
	session := newTestSession(&stubDevice{})
	retrier := newTestRetrier(session, func(err error) error {
		hooked++
		return nil
	}, 10)

	var calls int
	err := retrier.Do(context.Background(), func(DeviceAPI) error {
		if calls++; calls < 3 {
			return ErrBusy
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, hooked, "hook must see every failed attempt")
}

// Tests that cancellation interrupts the pause between busy retries.
func TestRetryCancel(t *testing.T) {
	session := newTestSession(&stubDevice{})
	retrier := NewRetrier(session, nil)
	retrier.interval = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := retrier.Do(ctx, func(DeviceAPI) error {
		return ErrBusy
	})
	assert.ErrorIs(t, err, context.Canceled)
}
